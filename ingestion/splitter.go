package ingestion

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultSeparators lists split boundaries from the largest semantic unit
// down to single characters.
var DefaultSeparators = []string{"\n\n", "\n", ". ", "! ", "? ", " ", ""}

// Splitter is a recursive character splitter. Lengths are counted in runes.
type Splitter struct {
	ChunkSize    int
	ChunkOverlap int
	Separators   []string
}

func NewSplitter(chunkSize, chunkOverlap int) (*Splitter, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if chunkOverlap < 0 || chunkOverlap >= chunkSize {
		return nil, fmt.Errorf("chunk overlap %d must be in [0, %d)", chunkOverlap, chunkSize)
	}
	return &Splitter{
		ChunkSize:    chunkSize,
		ChunkOverlap: chunkOverlap,
		Separators:   DefaultSeparators,
	}, nil
}

// Split returns the chunks of text in document order. Blank input yields
// ErrEmptyContent.
func (s *Splitter) Split(text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyContent
	}
	return s.splitText(text, s.Separators), nil
}

func (s *Splitter) splitText(text string, separators []string) []string {
	if len(separators) == 0 {
		separators = []string{""}
	}

	separator := separators[len(separators)-1]
	var remaining []string
	for i, sep := range separators {
		if sep == "" {
			separator = ""
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			remaining = separators[i+1:]
			break
		}
	}

	var (
		final []string
		good  []string
	)
	for _, piece := range splitKeepingSeparator(text, separator) {
		if runeLen(piece) < s.ChunkSize {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			final = append(final, s.mergeSplits(good)...)
			good = nil
		}
		if len(remaining) == 0 {
			final = append(final, piece)
		} else {
			final = append(final, s.splitText(piece, remaining)...)
		}
	}
	if len(good) > 0 {
		final = append(final, s.mergeSplits(good)...)
	}
	return final
}

// mergeSplits packs small pieces into chunks of at most ChunkSize runes,
// carrying up to ChunkOverlap trailing runes into the next chunk.
func (s *Splitter) mergeSplits(splits []string) []string {
	var (
		docs    []string
		current []string
		total   int
	)
	for _, piece := range splits {
		n := runeLen(piece)
		if total+n > s.ChunkSize && len(current) > 0 {
			if doc := strings.TrimSpace(strings.Join(current, "")); doc != "" {
				docs = append(docs, doc)
			}
			for total > s.ChunkOverlap || (total+n > s.ChunkSize && total > 0) {
				total -= runeLen(current[0])
				current = current[1:]
			}
		}
		current = append(current, piece)
		total += n
	}
	if doc := strings.TrimSpace(strings.Join(current, "")); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}

// splitKeepingSeparator cuts text in front of every occurrence of sep, so
// each separator stays attached to the piece that follows it.
func splitKeepingSeparator(text, sep string) []string {
	if sep == "" {
		pieces := make([]string, 0, len(text))
		for _, r := range text {
			pieces = append(pieces, string(r))
		}
		return pieces
	}

	var pieces []string
	start := 0
	for i := 1; i < len(text); i++ {
		if strings.HasPrefix(text[i:], sep) {
			if start < i {
				pieces = append(pieces, text[start:i])
			}
			start = i
		}
	}
	if start < len(text) {
		pieces = append(pieces, text[start:])
	}
	return pieces
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
