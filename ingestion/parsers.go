package ingestion

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
)

// extractText returns the textual content of a payload in the given format.
func extractText(format DocumentFormat, data []byte) (string, error) {
	switch format {
	case FormatMarkdown, FormatText:
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%w: content is not valid UTF-8", ErrUnsupportedFormat)
		}
		return normalizePlainText(string(data)), nil
	case FormatPDF:
		return extractPDF(data)
	default:
		return "", ErrUnsupportedFormat
	}
}

func extractPDF(data []byte) (string, error) {
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	plain, err := doc.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}

	return normalizePlainText(buf.String()), nil
}

func normalizePlainText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.Join(lines, "\n")
}
