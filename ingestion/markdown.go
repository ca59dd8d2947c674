package ingestion

import (
	"regexp"
	"strings"
)

type replacement struct {
	pattern *regexp.Regexp
	with    string
}

// Order matters: images go before links, HTML after images, emphasis after
// list markers.
var markdownRules = []replacement{
	{regexp.MustCompile(`(?m)^[ \t]*(` + "```" + `|~~~).*$`), ""},
	{regexp.MustCompile(`!\[[^\]]*\]\([^)]*\)`), ""},
	{regexp.MustCompile(`!\[[^\]]*\]\[[^\]]*\]`), ""},
	{regexp.MustCompile(`(?i)<img\b[^>]*>`), ""},
	{regexp.MustCompile(`(?i)data:image/[a-z0-9.+-]+;base64,[A-Za-z0-9+/=]+`), ""},
	{regexp.MustCompile(`(?m)^[ \t]*\[[^\]]+\]:[ \t]+\S+.*$`), ""},
	{regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`), "$1"},
	{regexp.MustCompile(`\[([^\]]+)\]\[[^\]]*\]`), "$1"},
	{regexp.MustCompile(`<(https?://[^>\s]+)>`), "$1"},
	{regexp.MustCompile(`<[^>\n]+>`), ""},
	{regexp.MustCompile(`(?m)^[ \t]{0,3}#{1,6}[ \t]*`), ""},
	{regexp.MustCompile(`(?m)^[ \t]*([-*_][ \t]*){3,}$`), ""},
	{regexp.MustCompile(`(?m)^[ \t]*(=+|-+)[ \t]*$`), ""},
	{regexp.MustCompile(`(?m)^[ \t]*>+[ \t]?`), ""},
	{regexp.MustCompile(`(?m)^[ \t]*([-*+]|\d+[.)])[ \t]+`), ""},
	{regexp.MustCompile(`(?m)^[ \t]*\|?[ \t]*:?-{3,}:?[ \t]*(\|[ \t]*:?-{3,}:?[ \t]*)*\|?[ \t]*$`), ""},
	{regexp.MustCompile(`\*\*([^*\n]+)\*\*`), "$1"},
	{regexp.MustCompile(`__([^_\n]+)__`), "$1"},
	{regexp.MustCompile(`\*([^*\n]+)\*`), "$1"},
	{regexp.MustCompile(`(^|[^\w])_([^_\n]+)_([^\w]|$)`), "${1}${2}${3}"},
	{regexp.MustCompile(`~~([^~\n]+)~~`), "$1"},
	{regexp.MustCompile("`+([^`]*)`+"), "$1"},
	{regexp.MustCompile(`\|`), " "},
	{regexp.MustCompile(`\\([\\` + "`" + `*_{}\[\]()#+\-.!])`), "$1"},
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// CleanMarkdown strips Markdown syntax and returns plain text with every
// whitespace run collapsed to a single space. Images, including inline
// base64 payloads, are dropped; links keep only their visible text.
func CleanMarkdown(markdown string) string {
	text := strings.ReplaceAll(markdown, "\r\n", "\n")
	for _, rule := range markdownRules {
		text = rule.pattern.ReplaceAllString(text, rule.with)
	}
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(text, " "))
}
