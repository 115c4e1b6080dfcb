package llm

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrConnectionUnstable is returned once consecutive failures across requests
// reach Policy.UnstableThreshold. Callers should Reset the client (or rebuild it)
// rather than keep retrying.
var ErrConnectionUnstable = errors.New("model connection unstable")

// APIError is a non-2xx reply. 429, 502 and 504 are transient.
type APIError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("model http %d: %s", e.StatusCode, e.Body)
}

func (e *APIError) Transient() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// TransportError covers dropped connections and client-side timeouts.
// Both are treated as server overload.
type TransportError struct {
	Err     error
	Timeout bool
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return "model request timed out: " + e.Err.Error()
	}
	return "model connection failed: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying with backoff.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Transient()
	}
	var tErr *TransportError
	return errors.As(err, &tErr)
}

type Policy struct {
	MinInterval       time.Duration // spacing between any two requests, retries included
	MaxAttempts       int
	BaseBackoff       time.Duration // 502/504 and fatal statuses: Base * 2^n + jitter
	MaxBackoff        time.Duration
	RetryAfterFloor   time.Duration // 429 waits at least this long
	OverloadWait      time.Duration // dropped connection or timeout: fixed + jitter
	OverloadJitter    time.Duration
	RequestTimeout    time.Duration
	UnstableThreshold int // 0 disables
	Seed              int // sent with every request
}

func DefaultPolicy() Policy {
	return Policy{
		MinInterval:       time.Second,
		MaxAttempts:       5,
		BaseBackoff:       2 * time.Second,
		MaxBackoff:        60 * time.Second,
		RetryAfterFloor:   5 * time.Second,
		OverloadWait:      30 * time.Second,
		OverloadJitter:    10 * time.Second,
		RequestTimeout:    120 * time.Second,
		UnstableThreshold: 8,
		Seed:              42,
	}
}

func (p Policy) backoff(n int) time.Duration {
	d := p.BaseBackoff
	for i := 0; i < n && d < p.MaxBackoff; i++ {
		d *= 2
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// retryDelay decides how long to wait after err. backoffN is the exponent for
// exponential backoff; 429 and overload waits leave it alone.
func (p Policy) retryDelay(err error, backoffN *int, jitter func(time.Duration) time.Duration) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		if apiErr.RetryAfter > p.RetryAfterFloor {
			return apiErr.RetryAfter
		}
		return p.RetryAfterFloor
	}
	var tErr *TransportError
	if errors.As(err, &tErr) {
		return p.OverloadWait + jitter(p.OverloadJitter)
	}
	d := p.backoff(*backoffN) + jitter(p.BaseBackoff)
	*backoffN++
	return d
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
