package tool

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	qerrors "github.com/odvcencio/quarry/pkg/errors"
)

// Registry manages available tools and the middleware chain wrapped around
// every execution.
type Registry struct {
	mu          sync.RWMutex
	tools       map[string]Tool
	middlewares []Middleware
	executor    Executor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	r.rebuildExecutor()
	return r
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return qerrors.New(qerrors.ErrCodeInvalidInput, "nil tool")
	}
	name := t.Name()
	if name == "" {
		return qerrors.New(qerrors.ErrCodeInvalidInput, "tool name is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return qerrors.New(qerrors.ErrCodeInvalidInput, fmt.Sprintf("tool %s already registered", name))
	}
	r.tools[name] = t
	return nil
}

// MustRegister registers t and panics on error.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	tools := r.List()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name()
	}
	return names
}

// Definitions returns function-calling definitions for every tool.
func (r *Registry) Definitions() []map[string]any {
	tools := r.List()
	defs := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, ToOpenAIFunction(t))
	}
	return defs
}

// Use appends middleware to the execution chain.
func (r *Registry) Use(mw Middleware) {
	if mw == nil {
		return
	}
	r.mu.Lock()
	r.middlewares = append(r.middlewares, mw)
	r.mu.Unlock()
	r.rebuildExecutor()
}

func (r *Registry) rebuildExecutor() {
	r.mu.Lock()
	defer r.mu.Unlock()
	base := func(ctx *ExecutionContext) (string, error) {
		if ctx == nil || ctx.Tool == nil {
			return "", qerrors.New(qerrors.ErrCodeToolNotFound, "tool missing from execution context")
		}
		return ctx.Tool.Execute(ctx.Context, ctx.Args)
	}
	r.executor = Chain(r.middlewares...)(base)
}

// Execute runs the named tool through the middleware chain.
func (r *Registry) Execute(ctx context.Context, name, callID string, args map[string]any) (string, error) {
	t, ok := r.Get(name)
	if !ok {
		return "", qerrors.New(qerrors.ErrCodeToolNotFound, fmt.Sprintf("tool not found: %s", name)).
			WithContext("tool", name)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if args == nil {
		args = map[string]any{}
	}
	r.mu.RLock()
	exec := r.executor
	r.mu.RUnlock()
	return exec(&ExecutionContext{
		Context:   ctx,
		ToolName:  name,
		Tool:      t,
		CallID:    callID,
		Args:      args,
		StartTime: time.Now(),
	})
}
