package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/odvcencio/quarry/pkg/model"
)

var goalSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"answered": map[string]any{"type": "boolean"},
		"missing":  map[string]any{"type": "string"},
	},
	"required":             []string{"answered", "missing"},
	"additionalProperties": false,
}

type goalVerdict struct {
	Answered bool   `json:"answered"`
	Missing  string `json:"missing"`
}

// goalMet asks the fast model whether the summaries gathered so far answer
// the query. Any failure counts as not met so the loop keeps going.
func (r *run) goalMet(ctx context.Context) bool {
	fast := r.agent.opts.FastModel
	if fast == "" {
		return false
	}
	summaries := r.pad.GetToolSummaries()
	if len(summaries) == 0 {
		return false
	}
	resp, err := r.client.ChatCompletion(ctx, model.ChatRequest{
		Model: fast,
		Messages: []model.Message{
			{Role: "system", Content: goalSystemPrompt},
			{Role: "user", Content: fmt.Sprintf("Question: %s\n\nGathered so far:\n- %s\n\nIs this enough to answer the question fully?",
				r.req.Query, strings.Join(summaries, "\n- "))},
		},
		ResponseFormat: model.StructuredOutput("goal_check", goalSchema),
	})
	if err != nil {
		r.logger.Debug("goal check failed", "error", err)
		return false
	}
	var v goalVerdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.FirstMessage().Content)), &v); err != nil {
		r.logger.Debug("goal check returned invalid json", "error", err)
		return false
	}
	if !v.Answered && v.Missing != "" {
		r.addNotice("Still missing: " + v.Missing)
	}
	return v.Answered
}
