package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
)

// Event is one streamed increment. Restart means the provider dropped mid-reply
// and the text so far should be discarded before the retry's tokens arrive.
type Event struct {
	Text    string
	Restart bool
}

// CompleteStreaming is Complete with incremental delivery. onEvent runs on the
// calling goroutine and sees every fragment, including Restart markers.
func (c *Client) CompleteStreaming(ctx context.Context, req Request, onEvent func(Event)) (Result, error) {
	if onEvent == nil {
		onEvent = func(Event) {}
	}
	return c.do(ctx, req, onEvent)
}

// Stream is an in-flight streaming completion consumed through a channel.
type Stream struct {
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc
	res    Result
	err    error
}

// Stream starts req in the background. Drain Events until it closes, then call Wait.
func (c *Client) Stream(ctx context.Context, req Request) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	go func() {
		defer close(s.done)
		defer close(s.events)
		s.res, s.err = c.do(ctx, req, func(ev Event) {
			select {
			case s.events <- ev:
			case <-ctx.Done():
			}
		})
	}()
	return s
}

func (s *Stream) Events() <-chan Event { return s.events }

func (s *Stream) Wait() (Result, error) {
	<-s.done
	return s.res, s.err
}

// Close abandons the stream and waits for the worker to exit.
func (s *Stream) Close() {
	s.cancel()
	for range s.events {
	}
	<-s.done
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// readStream consumes an SSE body. A body that ends without [DONE] or a
// finish_reason is a dropped connection.
func readStream(r io.Reader, emit func(Event)) (Result, error) {
	br := bufio.NewReader(r)
	var sb strings.Builder
	var res Result
	for {
		line, err := br.ReadString('\n')
		if line = strings.TrimSpace(line); strings.HasPrefix(line, "data:") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				res.Content = sb.String()
				return res, nil
			}
			var chunk streamChunk
			if jerr := json.Unmarshal([]byte(data), &chunk); jerr != nil {
				continue
			}
			if chunk.Error != nil {
				return Result{}, &APIError{StatusCode: http.StatusBadGateway, Body: chunk.Error.Message}
			}
			if chunk.Usage != nil {
				res.Usage = *chunk.Usage
			}
			for _, ch := range chunk.Choices {
				if ch.Delta.Content != "" {
					sb.WriteString(ch.Delta.Content)
					emit(Event{Text: ch.Delta.Content})
				}
				if ch.FinishReason != nil && *ch.FinishReason != "" {
					res.FinishReason = *ch.FinishReason
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				if res.FinishReason != "" {
					res.Content = sb.String()
					return res, nil
				}
				return Result{}, &TransportError{Err: io.ErrUnexpectedEOF}
			}
			return Result{}, &TransportError{Err: err}
		}
	}
}
