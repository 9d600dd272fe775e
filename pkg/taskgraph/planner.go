package taskgraph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	qerrors "github.com/odvcencio/quarry/pkg/errors"
	"github.com/odvcencio/quarry/pkg/logging"
	"github.com/odvcencio/quarry/pkg/model"
	"github.com/odvcencio/quarry/pkg/tool"
)

const plannerSystemPrompt = `You break a research question into a small dependency graph of tasks.
Kinds:
- use_tools: gathers data with tool calls. List the calls when you know them.
- reason: combines the outputs of earlier tasks. Usually the final task.
Independent tasks must not depend on each other so they can run in parallel.
Use short ids such as t1, t2. Tool call arguments are a JSON object encoded as a string.
Respond with JSON only.`

var planSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"tasks": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"id":          map[string]any{"type": "string"},
					"description": map[string]any{"type": "string"},
					"kind":        map[string]any{"type": "string", "enum": []string{string(KindUseTools), string(KindReason)}},
					"depends_on":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
					"tool_calls": map[string]any{
						"type": "array",
						"items": map[string]any{
							"type": "object",
							"properties": map[string]any{
								"tool":      map[string]any{"type": "string"},
								"arguments": map[string]any{"type": "string"},
							},
							"required":             []string{"tool", "arguments"},
							"additionalProperties": false,
						},
					},
				},
				"required":             []string{"id", "description", "kind", "depends_on", "tool_calls"},
				"additionalProperties": false,
			},
		},
	},
	"required":             []string{"tasks"},
	"additionalProperties": false,
}

type planResponse struct {
	Tasks []struct {
		ID          string   `json:"id"`
		Description string   `json:"description"`
		Kind        string   `json:"kind"`
		DependsOn   []string `json:"depends_on"`
		ToolCalls   []struct {
			Tool      string `json:"tool"`
			Arguments string `json:"arguments"`
		} `json:"tool_calls"`
	} `json:"tasks"`
}

// Planner turns a query into a validated task list with one structured model
// call. An invalid plan gets one repair attempt carrying the validation error.
type Planner struct {
	Client   model.Client
	Model    string
	Registry *tool.Registry
	Logger   *logging.Logger
}

// Plan returns tasks with unique IDs, known dependencies and known tools.
func (p Planner) Plan(ctx context.Context, query string) ([]Task, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, qerrors.New(qerrors.ErrCodeInvalidInput, "query is empty")
	}
	if p.Client == nil {
		return nil, qerrors.New(qerrors.ErrCodeConfigInvalid, "planner requires a model client")
	}
	messages := []model.Message{
		{Role: "system", Content: plannerSystemPrompt},
		{Role: "user", Content: p.userPrompt(query)},
	}

	tasks, content, err := p.attempt(ctx, messages)
	if err == nil {
		return tasks, nil
	}
	if qerrors.IsCode(err, qerrors.ErrCodeModelAPIError) {
		return nil, err
	}
	logging.OrNop(p.Logger).Component("planner").Warn("plan rejected; asking for a repair", "error", err)
	messages = append(messages,
		model.Message{Role: "assistant", Content: content},
		model.Message{Role: "user", Content: fmt.Sprintf("That plan is invalid: %v. Return a corrected plan.", err)},
	)
	tasks, _, err = p.attempt(ctx, messages)
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

func (p Planner) attempt(ctx context.Context, messages []model.Message) ([]Task, string, error) {
	resp, err := p.Client.ChatCompletion(ctx, model.ChatRequest{
		Model:          p.Model,
		Messages:       messages,
		ResponseFormat: model.StructuredOutput("task_plan", planSchema),
	})
	if err != nil {
		return nil, "", qerrors.Wrap(err, qerrors.ErrCodeModelAPIError, "planner call failed")
	}
	content := strings.TrimSpace(resp.FirstMessage().Content)
	tasks, err := p.parse(content)
	return tasks, content, err
}

func (p Planner) parse(content string) ([]Task, error) {
	var pr planResponse
	if err := json.Unmarshal([]byte(content), &pr); err != nil {
		return nil, qerrors.Wrap(err, qerrors.ErrCodeModelParse, "plan is not valid JSON")
	}
	tasks := make([]Task, 0, len(pr.Tasks))
	for _, raw := range pr.Tasks {
		t := Task{
			ID:          raw.ID,
			Description: raw.Description,
			Kind:        Kind(raw.Kind),
			DependsOn:   raw.DependsOn,
		}
		for _, c := range raw.ToolCalls {
			args := map[string]any{}
			if s := strings.TrimSpace(c.Arguments); s != "" {
				if err := json.Unmarshal([]byte(s), &args); err != nil {
					return nil, qerrors.Wrap(err, qerrors.ErrCodePlanInvalid, "tool call arguments are not a JSON object").
						WithContext("task", raw.ID)
				}
			}
			t.ToolCalls = append(t.ToolCalls, PlannedCall{Tool: strings.TrimSpace(c.Tool), Args: args})
		}
		tasks = append(tasks, normalize(t))
	}
	var known func(string) bool
	if p.Registry != nil {
		known = func(name string) bool {
			_, ok := p.Registry.Get(name)
			return ok
		}
	}
	if err := Validate(tasks, known); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (p Planner) userPrompt(query string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question: %s\n", query)
	if p.Registry != nil {
		if tools := p.Registry.List(); len(tools) > 0 {
			b.WriteString("\nAvailable tools:\n")
			for _, t := range tools {
				params, _ := json.Marshal(t.Parameters())
				fmt.Fprintf(&b, "- %s: %s %s\n", t.Name(), t.Description(), params)
			}
		}
	}
	return b.String()
}
