package model

import (
	"context"
	"strings"
)

// StreamAccumulator accumulates streaming chunks into a complete message,
// merging tool call deltas by index the OpenAI-compatible way.
type StreamAccumulator struct {
	content   strings.Builder
	reasoning strings.Builder
	toolCalls []ToolCall
	usage     *Usage
	role      string
	model     string
}

// NewStreamAccumulator creates a new accumulator for streaming responses.
func NewStreamAccumulator() *StreamAccumulator {
	return &StreamAccumulator{}
}

// Add processes a streaming chunk and accumulates its contents.
func (a *StreamAccumulator) Add(chunk StreamChunk) {
	if chunk.Model != "" {
		a.model = chunk.Model
	}
	if chunk.Usage != nil {
		u := *chunk.Usage
		a.usage = &u
	}
	if len(chunk.Choices) == 0 {
		return
	}

	delta := chunk.Choices[0].Delta
	if delta.Role != "" {
		a.role = delta.Role
	}
	if delta.Content != "" {
		a.content.WriteString(delta.Content)
	}
	if delta.Reasoning != "" {
		a.reasoning.WriteString(delta.Reasoning)
	}
	for _, tc := range delta.ToolCalls {
		a.accumulateToolCall(tc)
	}
}

// accumulateToolCall merges a delta into its slot: ID, name and arguments
// arrive incrementally, keyed by index.
func (a *StreamAccumulator) accumulateToolCall(delta ToolCallDelta) {
	if delta.Index < 0 {
		return
	}
	for len(a.toolCalls) <= delta.Index {
		a.toolCalls = append(a.toolCalls, ToolCall{Type: "function"})
	}

	tc := &a.toolCalls[delta.Index]
	if delta.ID != "" {
		tc.ID += delta.ID
	}
	if delta.Type != "" {
		tc.Type = delta.Type
	}
	if delta.Function != nil {
		tc.Function.Name += delta.Function.Name
		tc.Function.Arguments += delta.Function.Arguments
	}
}

// Message returns the accumulated message.
func (a *StreamAccumulator) Message() Message {
	role := a.role
	if role == "" {
		role = "assistant"
	}
	return Message{
		Role:      role,
		Content:   a.content.String(),
		Reasoning: a.reasoning.String(),
		ToolCalls: a.toolCalls,
	}
}

// Content returns the accumulated text content.
func (a *StreamAccumulator) Content() string {
	return a.content.String()
}

// HasToolCalls returns true if any tool calls have been accumulated.
func (a *StreamAccumulator) HasToolCalls() bool {
	return len(a.toolCalls) > 0
}

// Usage returns the usage information from the final chunk, if any.
func (a *StreamAccumulator) Usage() *Usage {
	return a.usage
}

// Response converts the accumulated stream into a ChatResponse.
func (a *StreamAccumulator) Response() *ChatResponse {
	resp := &ChatResponse{
		Model:   a.model,
		Choices: []Choice{{Message: a.Message(), FinishReason: "stop"}},
	}
	if a.usage != nil {
		resp.Usage = *a.usage
	}
	return resp
}

// Collect drains a stream into a ChatResponse, invoking onChunk for every
// chunk. It returns the stream error, if any, or ctx.Err on cancellation.
func Collect(ctx context.Context, chunks <-chan StreamChunk, errs <-chan error, onChunk func(StreamChunk)) (*ChatResponse, error) {
	acc := NewStreamAccumulator()
	for chunks != nil {
		select {
		case <-ctx.Done():
			return acc.Response(), ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			acc.Add(chunk)
			if onChunk != nil {
				onChunk(chunk)
			}
		}
	}
	if errs != nil {
		select {
		case err, ok := <-errs:
			if ok && err != nil {
				return acc.Response(), err
			}
		case <-ctx.Done():
			return acc.Response(), ctx.Err()
		}
	}
	return acc.Response(), nil
}
