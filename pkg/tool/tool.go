package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Tool is a named capability the model can invoke. Arguments arrive as an
// opaque map; each tool owns its own schema and validation.
type Tool interface {
	Name() string
	Description() string
	Parameters() ParameterSchema
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// RunOnce is implemented by tools that must execute at most once per query
// for a given identifying argument (skills, for example). ok is false when
// args carry no identifying value.
type RunOnce interface {
	RunOnceKey(args map[string]any) (key string, ok bool)
}

// QueryArgument is implemented by tools whose free-text argument should be
// tracked for similarity. Tools without it are tracked on "query".
type QueryArgument interface {
	QueryArgument() string
}

// DefaultQueryArgument is the argument tracked for similarity by default.
const DefaultQueryArgument = "query"

// ParameterSchema defines the JSON schema of a tool's arguments
type ParameterSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]PropertySchema `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

// PropertySchema defines a single parameter
type PropertySchema struct {
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Default     any             `json:"default,omitempty"`
	Items       *PropertySchema `json:"items,omitempty"`
	Enum        []string        `json:"enum,omitempty"`
}

// ToOpenAIFunction converts a tool to OpenAI function calling format
func ToOpenAIFunction(t Tool) map[string]any {
	params := t.Parameters()
	if params.Type == "" {
		params.Type = "object"
	}
	if params.Properties == nil {
		params.Properties = map[string]PropertySchema{}
	}
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        t.Name(),
			"description": t.Description(),
			"parameters":  params,
		},
	}
}

// Func adapts a function into a Tool.
type Func struct {
	ToolName        string
	ToolDescription string
	Schema          ParameterSchema
	Fn              func(ctx context.Context, args map[string]any) (string, error)
}

func (f *Func) Name() string                { return f.ToolName }
func (f *Func) Description() string         { return f.ToolDescription }
func (f *Func) Parameters() ParameterSchema { return f.Schema }

// Execute calls Fn.
func (f *Func) Execute(ctx context.Context, args map[string]any) (string, error) {
	if f.Fn == nil {
		return "", fmt.Errorf("tool %s has no implementation", f.ToolName)
	}
	return f.Fn(ctx, args)
}

// StringArg returns args[key] as a trimmed string.
func StringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	default:
		return strings.TrimSpace(fmt.Sprint(s))
	}
}

// QueryArgumentOf returns the similarity-tracked argument name for t.
func QueryArgumentOf(t Tool) string {
	if qa, ok := t.(QueryArgument); ok {
		if name := strings.TrimSpace(qa.QueryArgument()); name != "" {
			return name
		}
	}
	return DefaultQueryArgument
}

// CanonicalArgs renders args as JSON with sorted keys; nil renders as {}.
func CanonicalArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}

// Signature identifies a call by tool name and canonical arguments.
func Signature(name string, args map[string]any) string {
	return name + ":" + CanonicalArgs(args)
}
