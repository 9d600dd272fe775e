package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://openrouter.ai/api/v1"
	defaultTimeout = 5 * time.Minute
	maxRetryDelay  = 30 * time.Second
)

//go:generate mockgen -package=modeltest -destination=modeltest/mock_client.go github.com/odvcencio/quarry/pkg/model Client

// Client is the language-model collaborator: a request/response call and a
// streaming call. Tool binding and structured output ride on ChatRequest.
type Client interface {
	ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	ChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, <-chan error)
}

// ClientOptions configures an HTTPClient.
type ClientOptions struct {
	Timeout    time.Duration
	MaxRetries int
	// RetryBaseDelay is the first backoff step; doubles each retry.
	RetryBaseDelay time.Duration
	// Limiter is acquired before every HTTP attempt when set.
	Limiter *RateLimiter
	// CircuitBreakerConfig is optional; if nil, default config is used
	CircuitBreakerConfig *CircuitBreakerConfig
	HTTPClient           *http.Client
}

// HTTPClient talks to an OpenAI-compatible chat completions endpoint.
type HTTPClient struct {
	apiKey         string
	baseURL        string
	httpClient     *http.Client
	limiter        *RateLimiter
	circuitBreaker *CircuitBreaker
	maxRetries     int
	baseDelay      time.Duration
}

// NewHTTPClient creates a client for baseURL (default OpenRouter).
func NewHTTPClient(apiKey, baseURL string, opts ClientOptions) *HTTPClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout, Transport: DefaultTransport()}
	}
	cbConfig := DefaultCircuitBreakerConfig()
	if opts.CircuitBreakerConfig != nil {
		cbConfig = *opts.CircuitBreakerConfig
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := opts.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}

	return &HTTPClient{
		apiKey:         apiKey,
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpClient:     httpClient,
		limiter:        opts.Limiter,
		circuitBreaker: NewCircuitBreaker(cbConfig),
		maxRetries:     maxRetries,
		baseDelay:      baseDelay,
	}
}

// DefaultTransport returns an http.Transport with tuned connection pool settings.
func DefaultTransport() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   20,
		MaxConnsPerHost:       50,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// CircuitBreakerState returns the current state of the circuit breaker
func (c *HTTPClient) CircuitBreakerState() CircuitState {
	return c.circuitBreaker.State()
}

// ChatCompletion performs a non-streaming chat completion with automatic retries
func (c *HTTPClient) ChatCompletion(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	req.Stream = false
	req.StreamOptions = nil

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var result *ChatResponse
	err = c.circuitBreaker.Call(func() error {
		resp, err := c.post(ctx, body, false)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		var chatResp ChatResponse
		if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
		if len(chatResp.Choices) == 0 {
			return errors.New("response contained no choices")
		}
		result = &chatResp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ChatCompletionStream performs a streaming chat completion. Connection
// establishment is retried; once streaming starts there are no retries.
func (c *HTTPClient) ChatCompletionStream(ctx context.Context, req ChatRequest) (<-chan StreamChunk, <-chan error) {
	chunkChan := make(chan StreamChunk, 10)
	errChan := make(chan error, 1)

	go func() {
		defer close(errChan)
		defer close(chunkChan)

		req.Stream = true
		req.StreamOptions = &StreamOptions{IncludeUsage: true}
		body, err := json.Marshal(req)
		if err != nil {
			errChan <- fmt.Errorf("marshaling request: %w", err)
			return
		}

		err = c.circuitBreaker.Call(func() error {
			resp, err := c.post(ctx, body, true)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			return parseSSEStream(ctx, resp.Body, chunkChan)
		})
		if err != nil {
			errChan <- err
		}
	}()

	return chunkChan, errChan
}

// post sends body to /chat/completions, retrying network errors and
// retryable statuses. The caller owns the returned body.
func (c *HTTPClient) post(ctx context.Context, body []byte, stream bool) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay(attempt, lastErr)):
			}
		}

		if err := c.limiter.Acquire(ctx); err != nil {
			return nil, err
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("creating request: %w", err)
		}
		c.setHeaders(httpReq)
		if stream {
			httpReq.Header.Set("Accept", "text/event-stream")
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		if resp.StatusCode != http.StatusOK {
			apiErr := parseError(resp)
			resp.Body.Close()
			lastErr = apiErr
			if apiErr.Retryable {
				continue
			}
			return nil, apiErr
		}
		return resp, nil
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// retryDelay honors Retry-After, otherwise backs off exponentially.
func (c *HTTPClient) retryDelay(attempt int, lastErr error) time.Duration {
	var apiErr *APIError
	if errors.As(lastErr, &apiErr) && apiErr.RetryAfter > 0 {
		if apiErr.RetryAfter > maxRetryDelay {
			return maxRetryDelay
		}
		return apiErr.RetryAfter
	}

	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > maxRetryDelay {
			return maxRetryDelay
		}
	}
	return delay
}

// parseSSEStream parses Server-Sent Events stream
func parseSSEStream(ctx context.Context, r io.Reader, chunkChan chan<- StreamChunk) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			return nil
		}

		var chunk StreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return fmt.Errorf("decoding chunk: %w", err)
		}

		select {
		case chunkChan <- chunk:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stream: %w", err)
	}
	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("HTTP-Referer", "https://github.com/odvcencio/quarry")
	req.Header.Set("X-Title", "quarry")
}

func parseError(resp *http.Response) *APIError {
	retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if readErr != nil {
		return &APIError{StatusCode: resp.StatusCode, Message: resp.Status, Retryable: retryable}
	}

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		rawBody := string(body)
		if len(rawBody) > 500 {
			rawBody = rawBody[:500] + "..."
		}
		message := resp.Status
		if rawBody != "" {
			message = fmt.Sprintf("%s (raw: %s)", resp.Status, rawBody)
		}
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    message,
			Retryable:  retryable,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	code := ""
	if errResp.Error.Code != nil {
		code = fmt.Sprint(errResp.Error.Code)
	}
	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    errResp.Error.Message,
		Type:       errResp.Error.Type,
		Code:       code,
		Retryable:  retryable,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}
	return 0
}
