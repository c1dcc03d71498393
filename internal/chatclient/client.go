// Package chatclient consumes the relay's event stream. Client.Open gives a
// pull-style Stream; Consumer wraps it with callbacks and observable state
// for interactive front-ends.
package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/felipepmaragno/bizcard/internal/domain"
	"github.com/felipepmaragno/bizcard/internal/httputil"
	"github.com/felipepmaragno/bizcard/internal/sse"
)

const maxErrorBody = 64 << 10

var ErrInvalidInput = errors.New("invalid payload: { tenantId, messages[] } required")

// RequestError is returned by Open when the relay answered without opening
// an event stream.
type RequestError struct {
	StatusCode int
	Body       string
}

// Error composes the relay's JSON error body into one line, falling back to
// the raw body and then to the bare status.
func (e *RequestError) Error() string {
	msg := fmt.Sprintf("Request failed (%d)", e.StatusCode)

	var body struct {
		Error  string `json:"error"`
		Detail any    `json:"detail"`
	}
	if err := json.Unmarshal([]byte(e.Body), &body); err != nil {
		if e.Body != "" {
			return msg + ": " + e.Body
		}
		return msg
	}

	if body.Error == "" {
		return msg
	}
	msg += ": " + body.Error
	if body.Detail != nil && body.Detail != "" {
		msg += fmt.Sprintf(" — %v", body.Detail)
	}
	return msg
}

// StreamError carries the message of an error frame sent by the relay.
type StreamError struct {
	Message string
}

func (e *StreamError) Error() string {
	if e.Message == "" {
		return "Stream error"
	}
	return e.Message
}

type Client struct {
	endpoint   string
	httpClient *http.Client
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// New returns a client for the relay at endpoint, e.g.
// "http://localhost:8080/relay".
func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint:   endpoint,
		httpClient: httputil.NewClient(httputil.StreamingConfig()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open posts req and returns the event stream. Cancelling ctx aborts the
// underlying connection.
func (c *Client) Open(ctx context.Context, req domain.ChatRequest) (*Stream, error) {
	if req.TenantID == "" || req.Messages == nil {
		return nil, ErrInvalidInput
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}

	ct := resp.Header.Get("Content-Type")
	if resp.StatusCode < 200 || resp.StatusCode > 299 || !strings.HasPrefix(ct, "text/event-stream") {
		defer resp.Body.Close()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &RequestError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	return newStream(resp.Body), nil
}

// Stream is a finite, non-restartable sequence of relay events.
type Stream struct {
	body     io.ReadCloser
	dec      sse.EventDecoder
	buf      []byte
	pending  []domain.Envelope
	readErr  error
	finished bool
}

func newStream(body io.ReadCloser) *Stream {
	return &Stream{body: body, buf: make([]byte, 4096)}
}

// Next returns the next event. A done event is returned once, followed by
// io.EOF. An error event is returned together with a *StreamError. io.EOF
// is also returned when the body ends without a terminal event.
func (s *Stream) Next() (domain.Envelope, error) {
	for {
		if s.finished {
			return domain.Envelope{}, io.EOF
		}

		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]

			switch ev.Type {
			case domain.EventDone:
				s.finish()
				return ev, nil
			case domain.EventError:
				s.finish()
				return ev, &StreamError{Message: ev.Message}
			}
			return ev, nil
		}

		if s.readErr != nil {
			s.finish()
			if errors.Is(s.readErr, io.EOF) {
				return domain.Envelope{}, io.EOF
			}
			return domain.Envelope{}, s.readErr
		}

		n, err := s.body.Read(s.buf)
		if n > 0 {
			s.pending = append(s.pending, s.dec.Feed(s.buf[:n])...)
		}
		if err != nil {
			s.readErr = err
		}
	}
}

func (s *Stream) finish() {
	s.finished = true
	s.pending = nil
	s.body.Close()
}

// Close releases the connection. It is safe to call more than once.
func (s *Stream) Close() error {
	if s.finished {
		return nil
	}
	s.finished = true
	s.pending = nil
	return s.body.Close()
}

// Events yields the remaining events. Iteration stops after a terminal
// event; a stream that ends without one simply stops.
func (s *Stream) Events() iter.Seq2[domain.Envelope, error] {
	return func(yield func(domain.Envelope, error) bool) {
		defer s.Close()
		for {
			ev, err := s.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(ev, err) || err != nil {
				return
			}
		}
	}
}
