package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/odvcencio/quarry/pkg/budget"
	qerrors "github.com/odvcencio/quarry/pkg/errors"
	"github.com/odvcencio/quarry/pkg/model"
	"github.com/odvcencio/quarry/pkg/storage"
	"github.com/odvcencio/quarry/pkg/telemetry"
)

// answer hydrates every recorded result from the store, fits the context to
// the answer budget and streams the final response. When aborted, the
// answer starts with AbortNotice.
func (r *run) answer(ctx context.Context, aborted bool) (string, error) {
	ctx, span := telemetry.StartSpan(ctx, "agent.answer")
	defer span.End()

	contexts := r.pad.GetFullContexts()
	var ptrs []storage.Pointer
	for _, c := range contexts {
		if c.PointerID != "" && !c.Failed {
			ptrs = append(ptrs, storage.Pointer{ID: c.PointerID, ToolName: c.Tool, Args: c.Args})
		}
	}
	hydrated := make(map[string]string, len(ptrs))
	for _, fc := range r.store.LoadMany(ctx, ptrs) {
		hydrated[fc.Pointer.ID] = fc.Result
	}
	if missing := len(ptrs) - len(hydrated); missing > 0 {
		r.logger.Warn("results missing from store; using scratchpad copies", "missing", missing)
	}

	assembly, err := r.manager.BuildAnswerContext(ctx, r.req.Query, itemsFromContexts(contexts, hydrated))
	if err != nil {
		return "", err
	}
	span.SetAttributes(telemetry.AttrStrategy.String(assembly.Strategy))
	if reduced := assembly.Reduced(); reduced > 0 {
		typ := telemetry.EventContextCleared
		if assembly.Strategy == budget.StrategySelection {
			typ = telemetry.EventContextSelected
		}
		telemetry.RecordContextCleared(reduced)
		r.publish(telemetry.Event{
			Type:    typ,
			Cleared: reduced,
			Kept:    len(assembly.Full),
			Data: map[string]any{
				"strategy": assembly.Strategy,
				"tokens":   assembly.Tokens,
				"budget":   r.manager.Budget(),
				"fallback": assembly.Fallback,
			},
		})
	}

	r.publish(telemetry.Event{Type: telemetry.EventAnswerStart})

	var b strings.Builder
	emit := func(text string) {
		b.WriteString(text)
		r.publish(telemetry.Event{Type: telemetry.EventAnswerChunk, Text: text})
	}
	if aborted {
		emit(AbortNotice)
	}

	parser := model.NewThinkTagParser(nil, emit)
	chunks, errs := r.client.ChatCompletionStream(ctx, model.ChatRequest{
		Model: r.agent.opts.Model,
		Messages: []model.Message{
			{Role: "system", Content: fmt.Sprintf(answerSystemPrompt, r.start.Format("2006-01-02"))},
			{Role: "user", Content: answerUserPrompt(r.req.Query, r.req.PriorQueries, assembly.Text)},
		},
		Stream:        true,
		StreamOptions: &model.StreamOptions{IncludeUsage: true},
	})
	_, err = model.Collect(ctx, chunks, errs, func(chunk model.StreamChunk) {
		for _, c := range chunk.Choices {
			parser.Write(c.Delta.Content)
		}
	})
	if err != nil {
		telemetry.RecordError(ctx, err)
		return "", qerrors.Wrap(err, qerrors.ErrCodeModelAPIError, "answer stream failed")
	}
	parser.Flush()
	return strings.TrimSpace(b.String()), nil
}
