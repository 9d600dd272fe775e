package agent

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/quarry/pkg/model"
	"github.com/odvcencio/quarry/pkg/tool"
)

const (
	summaryParallelism = 4
	summaryInputChars  = 24000
	summaryMaxTokens   = 200
)

type summaryInput struct {
	Tool   string
	Args   map[string]any
	Result string
	Failed bool
}

// summarize asks the fast model for a one or two sentence summary of each
// result. Failed results are summarized by their error text. An empty string
// means no summary; readers fall back to the deterministic description.
func (r *run) summarize(ctx context.Context, inputs []summaryInput) []string {
	out := make([]string, len(inputs))
	fast := r.agent.opts.FastModel
	if fast == "" || len(inputs) == 0 {
		for i, in := range inputs {
			if in.Failed {
				out[i] = in.Result
			}
		}
		return out
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(summaryParallelism)
	for i, in := range inputs {
		i, in := i, in
		if in.Failed {
			out[i] = in.Result
			continue
		}
		g.Go(func() error {
			summary, err := r.summarizeOne(gctx, fast, in)
			if err != nil {
				r.logger.Debug("summary failed; using description", "tool", in.Tool, "error", err)
				return nil
			}
			out[i] = summary
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (r *run) summarizeOne(ctx context.Context, fast string, in summaryInput) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	resp, err := r.client.ChatCompletion(ctx, model.ChatRequest{
		Model: fast,
		Messages: []model.Message{
			{Role: "system", Content: summarySystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Question: %s\nTool: %s(%s)\n\nResult:\n%s",
				r.req.Query, in.Tool, tool.CanonicalArgs(in.Args), clip(in.Result, summaryInputChars))},
		},
		MaxTokens: summaryMaxTokens,
	})
	if err != nil {
		return "", err
	}
	_, content := model.ExtractThinkingContent(resp.FirstMessage().Content)
	content = strings.Join(strings.Fields(content), " ")
	if content == "" {
		return "", fmt.Errorf("empty summary")
	}
	return content, nil
}

// clip shortens s to at most n runes.
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "\n[truncated]"
}
