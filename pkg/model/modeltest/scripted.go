package modeltest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/odvcencio/quarry/pkg/model"
)

// Responder produces the reply for one request.
type Responder func(req model.ChatRequest) (*model.ChatResponse, error)

// Scripted is a model.Client that answers from handlers keyed by model ID,
// falling back to a queue of replies consumed in order. Requests are recorded.
type Scripted struct {
	mu       sync.Mutex
	queue    []Responder
	byModel  map[string]Responder
	requests []model.ChatRequest
}

// NewScripted returns a client that replays replies in order.
func NewScripted(replies ...Responder) *Scripted {
	return &Scripted{queue: replies, byModel: make(map[string]Responder)}
}

// Enqueue appends replies to the queue.
func (s *Scripted) Enqueue(replies ...Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, replies...)
}

// Handle routes every request for modelID to r instead of the queue.
func (s *Scripted) Handle(modelID string, r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byModel[modelID] = r
}

// Requests returns a copy of every request received.
func (s *Scripted) Requests() []model.ChatRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.ChatRequest(nil), s.requests...)
}

func (s *Scripted) next(req model.ChatRequest) (Responder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if r, ok := s.byModel[req.Model]; ok {
		return r, nil
	}
	if len(s.queue) == 0 {
		return nil, fmt.Errorf("scripted client: no reply left for model %q", req.Model)
	}
	r := s.queue[0]
	s.queue = s.queue[1:]
	return r, nil
}

// ChatCompletion implements model.Client.
func (s *Scripted) ChatCompletion(ctx context.Context, req model.ChatRequest) (*model.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r, err := s.next(req)
	if err != nil {
		return nil, err
	}
	return r(req)
}

// ChatCompletionStream implements model.Client by splitting the scripted
// reply's content into word-sized chunks.
func (s *Scripted) ChatCompletionStream(ctx context.Context, req model.ChatRequest) (<-chan model.StreamChunk, <-chan error) {
	chunks := make(chan model.StreamChunk, 64)
	errs := make(chan error, 1)

	go func() {
		defer close(errs)
		defer close(chunks)

		resp, err := s.ChatCompletion(ctx, req)
		if err != nil {
			errs <- err
			return
		}
		msg := resp.FirstMessage()
		for _, piece := range splitKeep(msg.Content, 8) {
			select {
			case chunks <- model.StreamChunk{Choices: []model.StreamChoice{{Delta: model.MessageDelta{Content: piece}}}}:
			case <-ctx.Done():
				errs <- ctx.Err()
				return
			}
		}
		usage := resp.Usage
		chunks <- model.StreamChunk{Usage: &usage}
	}()

	return chunks, errs
}

func splitKeep(s string, size int) []string {
	var out []string
	for len(s) > size {
		out = append(out, s[:size])
		s = s[size:]
	}
	if s != "" {
		out = append(out, s)
	}
	return out
}

// Text replies with plain assistant content.
func Text(content string) Responder {
	return TextWithUsage(content, model.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15})
}

// TextWithUsage replies with content and the given usage.
func TextWithUsage(content string, usage model.Usage) Responder {
	return func(model.ChatRequest) (*model.ChatResponse, error) {
		return &model.ChatResponse{
			Choices: []model.Choice{{Message: model.Message{Role: "assistant", Content: content}}},
			Usage:   usage,
		}, nil
	}
}

// Call describes a tool call in a scripted reply.
type Call struct {
	Name string
	Args map[string]any
}

// ToolCalls replies with optional text and the given tool calls.
func ToolCalls(content string, calls ...Call) Responder {
	return func(model.ChatRequest) (*model.ChatResponse, error) {
		msg := model.Message{Role: "assistant", Content: content}
		for i, c := range calls {
			args, err := json.Marshal(c.Args)
			if err != nil {
				return nil, err
			}
			msg.ToolCalls = append(msg.ToolCalls, model.ToolCall{
				ID:       fmt.Sprintf("call_%d", i),
				Type:     "function",
				Function: model.FunctionCall{Name: c.Name, Arguments: string(args)},
			})
		}
		return &model.ChatResponse{
			Choices: []model.Choice{{Message: msg}},
			Usage:   model.Usage{PromptTokens: 20, CompletionTokens: 10, TotalTokens: 30},
		}, nil
	}
}

// JSON replies with v encoded as the assistant content.
func JSON(v any) Responder {
	return func(model.ChatRequest) (*model.ChatResponse, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return &model.ChatResponse{
			Choices: []model.Choice{{Message: model.Message{Role: "assistant", Content: string(data)}}},
			Usage:   model.Usage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10},
		}, nil
	}
}

// Fail replies with err.
func Fail(err error) Responder {
	if err == nil {
		err = errors.New("scripted failure")
	}
	return func(model.ChatRequest) (*model.ChatResponse, error) {
		return nil, err
	}
}
