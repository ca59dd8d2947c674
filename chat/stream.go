package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fabfab/course-rag/llm"
	"github.com/fabfab/course-rag/logging"
)

type streamStage int

const (
	stageInit streamStage = iota
	stageRetrieving
	stageModeSelected
	stageGenerating
	stageFinalizing
	stageDone
)

func (s streamStage) String() string {
	switch s {
	case stageInit:
		return "init"
	case stageRetrieving:
		return "retrieving"
	case stageModeSelected:
		return "mode_selected"
	case stageGenerating:
		return "generating"
	case stageFinalizing:
		return "finalizing"
	case stageDone:
		return "done"
	default:
		return "unknown"
	}
}

// contextMetadataKeys are the chunk metadata fields echoed in context events.
var contextMetadataKeys = []string{"filename", "source", "uploadedAt", "chunkIndex", "totalChunks"}

// sendError marks a failure of the sink, as opposed to the generation stream.
type sendError struct{ err error }

func (e *sendError) Error() string { return e.err.Error() }
func (e *sendError) Unwrap() error { return e.err }

type streamRun struct {
	svc   *Service
	sink  Sink
	query string
	start time.Time
	stage streamStage

	results   []Result
	assembled AssembledContext
	average   float64
	mode      Mode
	prompt    string
	answer    string
}

// Stream answers query by sending events to sink, which is always closed on
// return. Cancelling ctx stops generation and suppresses every trailing
// event. Failures become a single error event while the sink's preamble is
// still unsent.
func (s *Service) Stream(ctx context.Context, query string, sink Sink) (err error) {
	defer func() {
		if cerr := sink.Close(); cerr != nil {
			s.logger.Debug("close sink", zap.Error(cerr))
		}
	}()

	query, err = s.ValidateQuery(query)
	if err != nil {
		return err
	}

	ctx, span := tracer.Start(ctx, "chat.stream")
	defer endSpan(span, &err)

	run := &streamRun{svc: s, sink: sink, query: query, start: s.now()}
	err = run.execute(ctx)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		s.logger.Info("client disconnected",
			zap.Stringer("stage", run.stage),
			logging.QueryPrefix(query),
		)
		return ctx.Err()
	}

	s.logger.Error("stream failed",
		zap.Stringer("stage", run.stage),
		logging.QueryPrefix(query),
		zap.Error(err),
	)
	if !sink.PreambleSent() {
		if serr := sink.Send(ErrorEvent{Details: err.Error(), Timestamp: s.now().UTC()}); serr != nil {
			s.logger.Warn("send error event", zap.Error(serr))
		}
	}
	return err
}

func (r *streamRun) execute(ctx context.Context) error {
	steps := []struct {
		stage streamStage
		fn    func(context.Context) error
	}{
		{stageRetrieving, r.retrieve},
		{stageModeSelected, r.selectMode},
		{stageGenerating, r.generate},
		{stageFinalizing, r.finalize},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.stage = step.stage
		if err := step.fn(ctx); err != nil {
			return err
		}
	}
	r.stage = stageDone
	return nil
}

func (r *streamRun) retrieve(ctx context.Context) error {
	results, err := r.svc.retrieve(ctx, r.query, r.svc.tuning.StreamTopK)
	if err != nil {
		return err
	}
	r.results = results
	return nil
}

func (r *streamRun) selectMode(context.Context) error {
	t := r.svc.tuning
	r.average = AverageScore(r.results)
	r.assembled = AssembleContext(r.results, t)
	signal := r.assembled.Signal(r.average)
	r.mode = SelectMode(r.assembled.Text, signal.AverageScore, signal.DocumentCount, t)
	r.prompt = ComposePrompt(r.mode, r.assembled.Text, r.query)

	r.svc.logger.Debug("mode selected",
		zap.String("mode", string(r.mode)),
		zap.Float64("average_score", signal.AverageScore),
		zap.Int("documents", signal.DocumentCount),
		zap.Int("context_length", signal.ContextLength),
	)

	mode := r.mode
	used := signal.DocumentCount
	avg := roundTo(r.average, 3)
	return r.send(StatusEvent{
		Message:       fmt.Sprintf("Generating answer (%s)...", r.mode),
		Mode:          &mode,
		DocumentsUsed: &used,
		AverageScore:  &avg,
	})
}

func (r *streamRun) generate(ctx context.Context) error {
	if r.svc.llm == nil {
		return fmt.Errorf("%w: llm client is not configured", llm.ErrGenerationFailed)
	}

	var (
		answer strings.Builder
		usable int
	)
	streamErr := r.svc.llm.Stream(ctx, r.prompt, func(fragment string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !usableFragment(fragment) {
			return nil
		}
		if err := r.send(ChunkEvent{Content: fragment}); err != nil {
			return &sendError{err: err}
		}
		answer.WriteString(fragment)
		usable++
		return nil
	})

	if err := ctx.Err(); err != nil {
		return err
	}
	var se *sendError
	if errors.As(streamErr, &se) {
		return se.err
	}

	if streamErr == nil && usable > 0 {
		r.answer = answer.String()
		return nil
	}

	r.svc.logger.Warn("stream produced no usable output, falling back to a single generation",
		logging.QueryPrefix(r.query),
		zap.Int("fragments", usable),
		zap.Error(streamErr),
	)
	text, err := r.svc.generate(ctx, r.prompt)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.send(ChunkEvent{Content: text}); err != nil {
		return err
	}
	r.answer = text
	return nil
}

func (r *streamRun) finalize(ctx context.Context) error {
	items := make([]ContextItem, len(r.assembled.Used))
	for i, res := range r.assembled.Used {
		items[i] = ContextItem{
			PageContent: res.Content,
			Metadata:    selectMetadata(res.Metadata),
			Score:       res.Score,
		}
	}
	if err := r.send(ContextEvent{Data: items}); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	elapsed := r.svc.now().Sub(r.start)
	if err := r.send(AnswerEvent{
		Content: r.answer,
		Mode:    r.mode,
		Metadata: AnswerMetadata{
			DocumentsUsed:          len(r.assembled.Used),
			TotalDocumentsSearched: len(r.results),
			AverageRelevance:       roundTo(r.average, 3),
			ResponseTime:           fmt.Sprintf("%dms", elapsed.Milliseconds()),
		},
	}); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.send(DoneEvent{}); err != nil {
		return err
	}

	r.svc.logger.Info("streamed answer",
		logging.QueryPrefix(r.query),
		zap.String("mode", string(r.mode)),
		zap.Int("documents", len(r.assembled.Used)),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

func (r *streamRun) send(e Event) error {
	if err := r.sink.Send(e); err != nil {
		return fmt.Errorf("send %s event: %w", e.Type(), err)
	}
	return nil
}

// usableFragment drops blank fragments and serialized SDK objects.
func usableFragment(fragment string) bool {
	trimmed := strings.TrimSpace(fragment)
	if trimmed == "" {
		return false
	}
	return !strings.HasPrefix(trimmed, `{"lc":`)
}

func selectMetadata(meta map[string]any) map[string]any {
	out := make(map[string]any, len(contextMetadataKeys))
	for _, key := range contextMetadataKeys {
		if v, ok := meta[key]; ok {
			out[key] = v
		}
	}
	return out
}
