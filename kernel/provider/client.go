package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/leolilley/ryeos-kernel/internal/kernelerrors"
)

// RateLimiter is an AIMD-style adaptive token bucket sitting in front of
// a Client's HTTP calls: it estimates the token cost of each
// request, blocks until capacity is available, and halves its
// tokens-per-minute budget on a retryable provider error, recovering
// gradually on success.
type RateLimiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64
}

// NewRateLimiter constructs a RateLimiter with an initial and maximum
// tokens-per-minute budget.
func NewRateLimiter(initialTPM, maxTPM float64) *RateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recoveryRate := initialTPM * 0.05
	if recoveryRate < 1 {
		recoveryRate = 1
	}
	return &RateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recoveryRate,
	}
}

// Wait blocks until estimatedTokens of budget are available.
func (l *RateLimiter) Wait(ctx context.Context, estimatedTokens int) error {
	if estimatedTokens < 1 {
		estimatedTokens = 1
	}
	return l.limiter.WaitN(ctx, estimatedTokens)
}

// Observe adjusts the budget after a call: halve on a retryable error,
// probe upward by recoveryRate on success.
func (l *RateLimiter) Observe(retryable bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if retryable {
		next := l.currentTPM * 0.5
		if next < l.minTPM {
			next = l.minTPM
		}
		l.set(next)
		return
	}
	next := l.currentTPM + l.recoveryRate
	if next > l.maxTPM {
		next = l.maxTPM
	}
	l.set(next)
}

func (l *RateLimiter) set(tpm float64) {
	if tpm == l.currentTPM {
		return
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
}

// estimateTokens is a cheap char-count heuristic over message content.
func estimateTokens(messages []Message) int {
	chars := 0
	for _, m := range messages {
		chars += len(m.Content)
	}
	if chars <= 0 {
		return 500
	}
	tokens := chars / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

// RetryPolicy is the {base, max_attempts, jitter} shape a directive's
// error hook declares for retryable provider failures.
type RetryPolicy struct {
	Base        float64
	MaxAttempts int
	Jitter      float64
}

// ComputeRetryDelay returns the exponential-backoff-with-jitter delay for
// the given 1-indexed attempt, using cenkalti/backoff's
// ExponentialBackOff.
func ComputeRetryDelay(attempt int, policy RetryPolicy) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(policy.Base * float64(time.Second))
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	b.Multiplier = 2
	b.RandomizationFactor = policy.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Client is the schema-driven HTTP provider adapter: one Client per
// (provider schema, model) pair completion contract.
type Client struct {
	HTTP    *http.Client
	Schema  Schema
	Model   string
	Limiter *RateLimiter
}

// NewClient constructs a Client with otelhttp-instrumented transport so
// every provider call is traced.
func NewClient(schema Schema, model string, limiter *RateLimiter) *Client {
	return &Client{
		HTTP:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		Schema:  schema,
		Model:   model,
		Limiter: limiter,
	}
}

func (c *Client) buildRequestBody(messages []Message, tools []ToolDef, systemPrompt string) map[string]any {
	wire := ConvertMessages(c.Schema.Message, messages)
	maxTokens := c.Schema.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body := map[string]any{"model": c.Model, "max_tokens": maxTokens}
	if formatted := FormatTools(c.Schema, tools); formatted != nil {
		body["tools"] = formatted
	}
	body, wire = BuildSystemPlacement(c.Schema.Message, body, wire, systemPrompt)
	body["messages"] = wire
	return body
}

func (c *Client) send(ctx context.Context, messages []Message, body map[string]any, streaming bool) (*http.Response, error) {
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx, estimateTokens(messages)); err != nil {
			return nil, err
		}
	}
	if streaming {
		body["stream"] = true
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("provider: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Schema.Endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.Schema.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(req)
	if c.Limiter != nil {
		retryable := err != nil
		if resp != nil {
			retryable = retryable || isRetryableStatus(resp.StatusCode)
		}
		c.Limiter.Observe(retryable)
	}
	return resp, err
}

// CreateCompletion sends messages synchronously and parses the response
// per schema.Response.
func (c *Client) CreateCompletion(ctx context.Context, messages []Message, tools []ToolDef, systemPrompt string) (Response, error) {
	body := c.buildRequestBody(messages, tools, systemPrompt)
	resp, err := c.send(ctx, messages, body, false)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", kernelerrors.ErrProviderCall, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("provider: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return Response{}, classifyError(resp.StatusCode, raw, resp.Header)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Response{}, fmt.Errorf("provider: decode response: %w", err)
	}
	return ParseResponse(c.Schema, c.Model, decoded), nil
}

// CreateStreamingCompletion opens a stream, fans every raw chunk to each
// sink in real time, and returns the Response assembled from the full
// buffered chunk list once the stream ends
func (c *Client) CreateStreamingCompletion(ctx context.Context, messages []Message, tools []ToolDef, sinks []Sink, systemPrompt string) (Response, error) {
	body := c.buildRequestBody(messages, tools, systemPrompt)
	resp, err := c.send(ctx, messages, body, true)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", kernelerrors.ErrProviderCall, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return Response{}, classifyError(resp.StatusCode, raw, resp.Header)
	}

	events, err := ScanEvents(resp.Body, sinks)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", kernelerrors.ErrProviderStream, err)
	}
	return AssembleStream(c.Schema, c.Model, events)
}

// classifyError turns a non-2xx response into a ProviderCallError,
// preferring a structured {"error": {...}} body and falling back to the
// raw body text.
func classifyError(status int, raw []byte, headers http.Header) error {
	requestID := headers.Get("request-id")
	if requestID == "" {
		requestID = headers.Get("x-request-id")
	}

	errType := "unknown"
	message := string(raw)

	var body map[string]any
	if json.Unmarshal(raw, &body) == nil {
		if apiErr, ok := body["error"]; ok {
			switch e := apiErr.(type) {
			case map[string]any:
				if m, ok := e["message"].(string); ok {
					message = m
				}
				errType = "api_error"
				if t, ok := e["type"].(string); ok {
					errType = t
				}
			default:
				message = fmt.Sprintf("%v", e)
				errType = "api_error"
			}
		}
	}

	return &kernelerrors.ProviderCallError{
		HTTPStatus: status,
		RequestID:  requestID,
		ErrorType:  errType,
		Retryable:  isRetryableStatus(status),
		Message:    message,
	}
}

// isRetryableStatus marks {0, 429, 5xx-subset} retryable
func isRetryableStatus(status int) bool {
	switch status {
	case 0, 429, 500, 502, 503, 529:
		return true
	default:
		return false
	}
}
