package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	qerrors "github.com/odvcencio/quarry/pkg/errors"
	"github.com/odvcencio/quarry/pkg/logging"
	"github.com/odvcencio/quarry/pkg/model"
)

const selectionSystemPrompt = `You choose which research results must be read in full to answer a question.
You receive the question, a token budget and a list of results. Each result has an id, a summary and its size in tokens.
Select the results whose full content is most needed. Prefer fewer, more relevant results. The total size of the selected results must stay within the budget.
Respond with JSON only.`

var selectionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"selected": map[string]any{
			"type":        "array",
			"items":       map[string]any{"type": "string"},
			"description": "ids of results to include in full, most important first",
		},
	},
	"required":             []string{"selected"},
	"additionalProperties": false,
}

type selectionResponse struct {
	Selected []string `json:"selected"`
}

// SelectionStrategy asks a fast model which results to include in full.
// Unselected results fall back to summaries. Any model or parse failure, or
// an empty selection, yields the all-summaries representation.
type SelectionStrategy struct {
	Estimator Estimator
	Client    model.Client
	Model     string
	Logger    *logging.Logger
}

func (SelectionStrategy) Name() string { return StrategySelection }

// Compact runs the selection call and places items accordingly.
func (s SelectionStrategy) Compact(ctx context.Context, req Request) (Assembly, error) {
	selected, err := s.selectIDs(ctx, req)
	if err != nil || len(selected) == 0 {
		if err != nil {
			logging.OrNop(s.Logger).Warn("context selection failed; using summaries", "error", err)
		}
		a, _ := SummariesStrategy{Estimator: s.Estimator}.Compact(ctx, req)
		a.Fallback = true
		return a, nil
	}

	rank := make(map[string]int, len(selected))
	for i, id := range selected {
		if _, dup := rank[id]; !dup {
			rank[id] = i
		}
	}

	// Admit selected items in the model's priority order while they fit.
	order := make([]int, 0, len(selected))
	for i, item := range req.Items {
		if _, ok := rank[item.ID]; ok {
			order = append(order, i)
		}
	}
	sortByRank(order, req.Items, rank)

	place := make([]placement, len(req.Items))
	for i := range place {
		place[i] = placeSummary
	}
	used := s.Estimator.Estimate(fullHeader) + s.Estimator.Estimate(summaryHeader)
	for _, item := range req.Items {
		if _, ok := rank[item.ID]; !ok {
			used += s.Estimator.Estimate(item.SummaryLine())
		}
	}
	for _, i := range order {
		cost := fullCost(s.Estimator, req.Items[i])
		if req.Budget <= 0 || used+cost <= req.Budget {
			place[i] = placeFull
			used += cost
		} else {
			used += s.Estimator.Estimate(req.Items[i].SummaryLine())
		}
	}
	return assemble(s.Estimator, req, place, StrategySelection), nil
}

func sortByRank(order []int, items []Item, rank map[string]int) {
	for i := 1; i < len(order); i++ {
		for j := i; j > 0 && rank[items[order[j]].ID] < rank[items[order[j-1]].ID]; j-- {
			order[j], order[j-1] = order[j-1], order[j]
		}
	}
}

func (s SelectionStrategy) selectIDs(ctx context.Context, req Request) ([]string, error) {
	if s.Client == nil {
		return nil, qerrors.New(qerrors.ErrCodeModelAPIError, "no selection model configured")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n\nToken budget: %d\n\nResults:\n", req.Query, req.Budget)
	known := make(map[string]bool, len(req.Items))
	for _, item := range req.Items {
		known[item.ID] = true
		summary := strings.TrimSpace(item.Summary)
		if summary == "" {
			summary = "(no summary)"
		}
		fmt.Fprintf(&b, "- id=%s %s (~%d tokens): %s\n",
			item.ID, item.Label(), s.Estimator.Estimate(item.FullBlock()), summary)
	}

	resp, err := s.Client.ChatCompletion(ctx, model.ChatRequest{
		Model: s.Model,
		Messages: []model.Message{
			{Role: "system", Content: selectionSystemPrompt},
			{Role: "user", Content: b.String()},
		},
		Temperature:    0,
		ResponseFormat: model.StructuredOutput("context_selection", selectionSchema),
	})
	if err != nil {
		return nil, err
	}
	content := strings.TrimSpace(resp.FirstMessage().Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var parsed selectionResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &parsed); err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrCodeModelParse, "parse context selection")
	}
	ids := make([]string, 0, len(parsed.Selected))
	for _, id := range parsed.Selected {
		if known[id] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
