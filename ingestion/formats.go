// Package ingestion turns uploaded files and raw text records into embedded
// chunks in the vector store.
package ingestion

import (
	"mime"
	"path/filepath"
	"strings"
)

// DocumentFormat enumerates supported document payload formats.
type DocumentFormat string

const (
	// FormatUnknown represents an unsupported or undetected format.
	FormatUnknown DocumentFormat = ""
	// FormatMarkdown represents Markdown documents.
	FormatMarkdown DocumentFormat = "markdown"
	// FormatText represents plain text documents.
	FormatText DocumentFormat = "text"
	// FormatPDF represents PDF documents.
	FormatPDF DocumentFormat = "pdf"
)

// DetectFormat infers a document format from the declared MIME type and the
// file name's extension. A declared Markdown type wins over the extension.
func DetectFormat(filename, mimeType string) DocumentFormat {
	mediaType := strings.ToLower(strings.TrimSpace(mimeType))
	if parsed, _, err := mime.ParseMediaType(mediaType); err == nil {
		mediaType = parsed
	}

	switch mediaType {
	case "text/markdown", "text/x-markdown":
		return FormatMarkdown
	case "application/pdf":
		return FormatPDF
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".pdf":
		return FormatPDF
	case ".txt", ".text":
		return FormatText
	}

	if strings.HasPrefix(mediaType, "text/") {
		return FormatText
	}
	return FormatUnknown
}

// MimeTypeFor guesses a MIME type for local files that arrive without one.
func MimeTypeFor(filename string) string {
	switch DetectFormat(filename, "") {
	case FormatMarkdown:
		return "text/markdown"
	case FormatPDF:
		return "application/pdf"
	case FormatText:
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
