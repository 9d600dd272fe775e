package model

import "context"

// UsageRecorder receives the token usage of every completed model call.
type UsageRecorder func(modelID string, usage Usage)

type usageClient struct {
	next   Client
	record UsageRecorder
}

// WithUsage wraps c so every response's usage is reported to record.
// Streaming usage is taken from the final chunk carrying it.
func WithUsage(c Client, record UsageRecorder) Client {
	if record == nil {
		return c
	}
	return &usageClient{next: c, record: record}
}

func (c *usageClient) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	resp, err := c.next.ChatCompletion(ctx, req)
	if resp != nil {
		c.record(req.Model, resp.Usage)
	}
	return resp, err
}

func (c *usageClient) ChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, <-chan error) {
	in, errs := c.next.ChatCompletionStream(ctx, req)
	out := make(chan StreamChunk, cap(in))

	go func() {
		defer close(out)
		var last *Usage
		defer func() {
			if last != nil {
				c.record(req.Model, *last)
			}
		}()
		for chunk := range in {
			if chunk.Usage != nil {
				u := *chunk.Usage
				last = &u
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				for range in {
				}
				return
			}
		}
	}()

	return out, errs
}
