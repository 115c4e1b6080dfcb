package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Model     string
	Messages  []Message
	MaxTokens int
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type Result struct {
	Content      string
	Usage        Usage
	ResponseTime time.Duration
	FinishReason string
}

// Client talks to one chat/completions endpoint. Rate-limit and failure
// counters belong to the instance, so give each worker its own Client.
type Client struct {
	cfg    Config
	policy Policy
	http   *http.Client
	clock  quartz.Clock
	logger *log.Logger

	mu          sync.Mutex
	rng         *rand.Rand
	lastRequest time.Time
	failures    int
}

type Option func(*Client)

func WithPolicy(p Policy) Option           { return func(c *Client) { c.policy = p } }
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }
func WithClock(clock quartz.Clock) Option  { return func(c *Client) { c.clock = clock } }
func WithJitterSeed(seed int64) Option {
	return func(c *Client) { c.rng = rand.New(rand.NewSource(seed)) }
}

func NewClient(cfg Config, logger *log.Logger, opts ...Option) *Client {
	c := &Client{
		cfg:    cfg,
		policy: DefaultPolicy(),
		http:   &http.Client{},
		clock:  quartz.NewReal(),
		logger: logger.WithPrefix("llm"),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, o := range opts {
		o(c)
	}
	if c.policy.MaxAttempts < 1 {
		c.policy.MaxAttempts = 1
	}
	return c
}

// Complete sends req and returns the full reply, retrying per the client policy.
func (c *Client) Complete(ctx context.Context, req Request) (Result, error) {
	return c.do(ctx, req, nil)
}

// Reset forgets the rate-limit timestamp and the consecutive failure count.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRequest = time.Time{}
	c.failures = 0
}

func (c *Client) ConsecutiveFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

func (c *Client) do(ctx context.Context, req Request, emit func(Event)) (Result, error) {
	logger := c.logger.With("model", req.Model)
	var lastErr error
	backoffN := 0
	emitted := false
	for attempt := 1; attempt <= c.policy.MaxAttempts; attempt++ {
		if err := c.sleep(ctx, c.reserveSlot()); err != nil {
			return Result{}, err
		}
		if emitted {
			emit(Event{Restart: true})
			emitted = false
		}
		var sink func(Event)
		if emit != nil {
			sink = func(ev Event) {
				emitted = true
				emit(ev)
			}
		}

		res, err := c.once(ctx, req, sink)
		if err == nil {
			c.noteSuccess()
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		lastErr = err

		if n := c.noteFailure(err); c.policy.UnstableThreshold > 0 && n >= c.policy.UnstableThreshold {
			logger.Error("model connection unstable", "failures", n, "error", err)
			return Result{}, fmt.Errorf("%w after %d consecutive failures: %v", ErrConnectionUnstable, n, err)
		}
		if attempt == c.policy.MaxAttempts {
			break
		}
		delay := c.policy.retryDelay(err, &backoffN, c.jitter)
		logger.Warn("retrying model request", "attempt", attempt, "delay", delay, "error", err)
		if err := c.sleep(ctx, delay); err != nil {
			return Result{}, err
		}
	}
	return Result{}, lastErr
}

func (c *Client) once(ctx context.Context, req Request, emit func(Event)) (Result, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.policy.RequestTimeout)
	defer cancel()

	b, err := json.Marshal(c.payload(req, emit != nil))
	if err != nil {
		return Result{}, err
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return Result{}, err
	}
	c.setHeaders(httpReq.Header, emit != nil)

	start := c.clock.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return Result{}, &APIError{
			StatusCode: resp.StatusCode,
			Body:       truncate(strings.TrimSpace(string(body)), 800),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.clock.Now()),
		}
	}

	var res Result
	if emit != nil {
		res, err = readStream(resp.Body, emit)
	} else {
		res, err = readCompletion(resp.Body)
	}
	if err != nil {
		var tErr *TransportError
		if errors.As(err, &tErr) {
			return Result{}, transportError(ctx, tErr.Err)
		}
		return Result{}, err
	}
	res.ResponseTime = c.clock.Since(start)
	return res, nil
}

func (c *Client) payload(req Request, stream bool) map[string]any {
	payload := map[string]any{
		"model":       req.Model,
		"messages":    req.Messages,
		"temperature": 0,
		"seed":        c.policy.Seed,
	}
	if req.MaxTokens > 0 {
		payload["max_tokens"] = req.MaxTokens
	}
	if stream {
		payload["stream"] = true
		payload["stream_options"] = map[string]any{"include_usage": true}
	}
	return payload
}

func (c *Client) setHeaders(h http.Header, stream bool) {
	h.Set("Content-Type", "application/json")
	if stream {
		h.Set("Accept", "text/event-stream")
	} else {
		h.Set("Accept", "application/json")
	}
	setHeaderPreserveCase(h, c.cfg.HeaderName, c.cfg.HeaderPrefix+c.cfg.APIKey)
	if c.cfg.Organization != "" {
		h.Set("OpenAI-Organization", c.cfg.Organization)
	}
	for k, v := range c.cfg.ExtraHeaders {
		setHeaderPreserveCase(h, k, v)
	}
}

// setHeaderPreserveCase keeps non-canonical spellings like "HTTP-Referer" intact.
func setHeaderPreserveCase(h http.Header, key, value string) {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" || value == "" {
		return
	}
	if http.CanonicalHeaderKey(key) == key {
		h.Set(key, value)
		return
	}
	h[key] = []string{value}
}

// reserveSlot claims the next request slot and returns how long to wait for it.
func (c *Client) reserveSlot() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	next := now
	if !c.lastRequest.IsZero() {
		if earliest := c.lastRequest.Add(c.policy.MinInterval); earliest.After(now) {
			next = earliest
		}
	}
	c.lastRequest = next
	return next.Sub(now)
}

// noteFailure bumps the consecutive failure count. Rate limiting says nothing
// about connection health, so 429s are not counted.
func (c *Client) noteFailure(err error) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return c.failures
	}
	c.failures++
	return c.failures
}

func (c *Client) noteSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
}

func (c *Client) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Duration(c.rng.Int63n(int64(max) + 1))
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.clock.NewTimer(d, "llm", "sleep")
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// transportError maps a failed round trip. Cancellation by the caller is
// returned as is; our own per-request deadline counts as a timeout.
func transportError(parent context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	timeout := errors.Is(err, context.DeadlineExceeded)
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		timeout = true
	}
	return &TransportError{Err: err, Timeout: timeout}
}

func readCompletion(r io.Reader) (Result, error) {
	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage Usage `json:"usage"`
	}
	if err := json.NewDecoder(r).Decode(&cc); err != nil {
		var netErr net.Error
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &netErr) {
			return Result{}, &TransportError{Err: err}
		}
		return Result{}, fmt.Errorf("decode completion: %w", err)
	}
	if len(cc.Choices) == 0 {
		return Result{}, errors.New("no choices returned")
	}
	return Result{
		Content:      cc.Choices[0].Message.Content,
		FinishReason: cc.Choices[0].FinishReason,
		Usage:        cc.Usage,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
