package chat

import (
	"strings"
	"unicode/utf8"

	"github.com/fabfab/course-rag/config"
)

const contextSeparator = "\n\n---\n\n"

// AssembledContext is the prompt context built from the confident results.
type AssembledContext struct {
	Text string
	Used []Result
}

func (a AssembledContext) Signal(averageScore float64) ConfidenceSignal {
	return ConfidenceSignal{
		AverageScore:  averageScore,
		DocumentCount: len(a.Used),
		ContextLength: utf8.RuneCountInString(a.Text),
	}
}

// AssembleContext joins, in rank order, the results scoring at least the
// medium band. Each entry is tagged with its filename when known. Assembly
// stops at the first entry that would exceed MaxContextLength runes or once
// MaxDocuments entries are in; entries are never cut.
func AssembleContext(results []Result, t config.Tuning) AssembledContext {
	var (
		parts []string
		used  []Result
		total int
	)
	sepLen := utf8.RuneCountInString(contextSeparator)

	for _, r := range results {
		if r.scoreOrZero() < t.MediumConfidence {
			continue
		}
		if len(used) >= t.MaxDocuments {
			break
		}

		entry := r.Content
		if name := r.filename(); name != "" {
			entry = "[" + name + "]\n" + r.Content
		}

		next := total + utf8.RuneCountInString(entry)
		if len(parts) > 0 {
			next += sepLen
		}
		if next > t.MaxContextLength {
			break
		}

		parts = append(parts, entry)
		used = append(used, r)
		total = next
	}

	return AssembledContext{Text: strings.Join(parts, contextSeparator), Used: used}
}

// SelectMode picks the answer strategy. The first matching rule wins:
// short context, then high, medium and low confidence bands.
func SelectMode(contextText string, averageScore float64, documentCount int, t config.Tuning) Mode {
	switch {
	case strings.TrimSpace(contextText) == "" || utf8.RuneCountInString(contextText) < t.MinContextLength:
		return ModeGeneral
	case averageScore >= t.HighConfidence && documentCount >= t.MinDocuments:
		return ModeRAGHigh
	case averageScore >= t.MediumConfidence && documentCount >= 1:
		return ModeHybridMedium
	case averageScore >= t.LowConfidence:
		return ModeHybridLow
	default:
		return ModeGeneral
	}
}
