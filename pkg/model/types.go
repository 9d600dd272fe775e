package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message represents a chat message
type Message struct {
	Role       string     `json:"role"` // system, user, assistant or tool
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on tool results
	Name       string     `json:"name,omitempty"`
	Reasoning  string     `json:"-"` // decoded from responses when present, never sent
}

// UnmarshalJSON decodes a message, accepting the provider-specific reasoning field.
func (m *Message) UnmarshalJSON(data []byte) error {
	type messageWithReasoning struct {
		Role       string     `json:"role"`
		Content    *string    `json:"content"`
		ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
		ToolCallID string     `json:"tool_call_id,omitempty"`
		Name       string     `json:"name,omitempty"`
		Reasoning  string     `json:"reasoning,omitempty"`
	}
	var aux messageWithReasoning
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.Role = aux.Role
	m.Content = ""
	if aux.Content != nil {
		m.Content = *aux.Content
	}
	m.ToolCalls = aux.ToolCalls
	m.ToolCallID = aux.ToolCallID
	m.Name = aux.Name
	m.Reasoning = aux.Reasoning
	return nil
}

// ToolCall represents a function/tool call from the assistant
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // Always "function" for now
	Function FunctionCall `json:"function"`
}

// FunctionCall represents the function being called
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON string
}

// ResponseFormat requests strict structured output.
type ResponseFormat struct {
	Type       string      `json:"type"` // "json_schema" or "json_object"
	JSONSchema *JSONSchema `json:"json_schema,omitempty"`
}

// JSONSchema names a schema for structured output.
type JSONSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict"`
}

// StructuredOutput builds a strict json_schema response format.
func StructuredOutput(name string, schema map[string]any) *ResponseFormat {
	return &ResponseFormat{
		Type:       "json_schema",
		JSONSchema: &JSONSchema{Name: name, Schema: schema, Strict: true},
	}
}

// ChatRequest represents a request to the chat completion API
type ChatRequest struct {
	Model          string           `json:"model"`
	Messages       []Message        `json:"messages"`
	Temperature    float64          `json:"temperature,omitempty"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	Stream         bool             `json:"stream"`
	Tools          []map[string]any `json:"tools,omitempty"`       // OpenAI function definitions
	ToolChoice     string           `json:"tool_choice,omitempty"` // "auto", "none", or specific function
	ResponseFormat *ResponseFormat  `json:"response_format,omitempty"`
	StreamOptions  *StreamOptions   `json:"stream_options,omitempty"`
}

// StreamOptions asks the provider to include usage in the final stream chunk.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatResponse represents a non-streaming chat completion response
type ChatResponse struct {
	ID      string   `json:"id"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// FirstMessage returns the first choice's message, or an empty message.
func (r *ChatResponse) FirstMessage() Message {
	if r == nil || len(r.Choices) == 0 {
		return Message{}
	}
	return r.Choices[0].Message
}

// Choice represents a completion choice
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// StreamChunk represents a streaming response chunk
type StreamChunk struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"` // Only present in final chunk
}

// StreamChoice represents a streaming choice
type StreamChoice struct {
	Index        int          `json:"index"`
	Delta        MessageDelta `json:"delta"`
	FinishReason *string      `json:"finish_reason"`
}

// MessageDelta represents incremental content in a stream
type MessageDelta struct {
	Role      string          `json:"role,omitempty"`
	Content   string          `json:"content,omitempty"`
	Reasoning string          `json:"reasoning,omitempty"`
	ToolCalls []ToolCallDelta `json:"tool_calls,omitempty"`
}

// ToolCallDelta represents incremental tool call data in streaming
type ToolCallDelta struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function *FunctionCallDelta `json:"function,omitempty"`
}

// FunctionCallDelta represents incremental function call data
type FunctionCallDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Usage represents token usage information
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    any    `json:"code"`
}

// APIError represents a structured API error with retry information
type APIError struct {
	StatusCode int
	Message    string
	Type       string
	Code       string
	Retryable  bool
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.Type != "" && e.Code != "" {
		return fmt.Sprintf("HTTP %d: %s (type: %s, code: %s)", e.StatusCode, e.Message, e.Type, e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// IsRateLimitError returns true if this is a rate limit error
func (e *APIError) IsRateLimitError() bool {
	return e.StatusCode == 429
}
