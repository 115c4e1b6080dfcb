package llm

import (
	"context"
	"sync"
	"time"
)

// Mock is an offline completer for dry runs. Its replies never contain a
// decision, so every turn exercises the parser's fallback path.
type Mock struct {
	mu    sync.Mutex
	calls int
}

const mockReply = "[offline] no model attached"

func (m *Mock) Complete(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return Result{
		Content:      mockReply,
		FinishReason: "stop",
		ResponseTime: time.Millisecond,
	}, nil
}

func (m *Mock) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
