package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/felipepmaragno/bizcard/internal/domain"
	"github.com/felipepmaragno/bizcard/internal/metrics"
	"github.com/felipepmaragno/bizcard/internal/sse"
)

const readBufferSize = 4096

type outcome string

const (
	outcomeDone        outcome = "done"
	outcomeTimeout     outcome = "timeout"
	outcomeInterrupted outcome = "interrupted"
	outcomeClientGone  outcome = "client_closed"
)

var errSessionClosed = errors.New("session closed")

// session is the only writer of one SSE response. Every frame goes through
// emit, which refuses to write once the terminal frame has been sent.
type session struct {
	w       http.ResponseWriter
	flusher http.Flusher

	open   bool
	closed bool

	openedAt     time.Time
	firstChunkAt time.Time
	chunks       int
}

func newSession(w http.ResponseWriter, flusher http.Flusher) *session {
	return &session{w: w, flusher: flusher}
}

// start writes the event-stream headers and the ready frame.
func (s *session) start(traceID *string) error {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)

	s.open = true
	s.openedAt = time.Now()
	return s.emit(domain.Ready(traceID))
}

func (s *session) emit(ev domain.Event) error {
	if s.closed {
		return errSessionClosed
	}

	frame, err := sse.Encode(ev)
	if err != nil {
		return err
	}
	if _, err := s.w.Write(frame); err != nil {
		// peer is gone, nothing more can be delivered
		s.closed = true
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *session) chunk(delta string) error {
	if err := s.emit(domain.Chunk(delta)); err != nil {
		return err
	}
	if s.chunks == 0 {
		s.firstChunkAt = time.Now()
		metrics.RecordFirstChunk(s.firstChunkAt.Sub(s.openedAt).Seconds())
	}
	s.chunks++
	metrics.RecordChunk()
	return nil
}

// finish sends the terminal frame, if none was sent yet, and seals the
// session.
func (s *session) finish(ev domain.Event) {
	if s.closed {
		return
	}
	_ = s.emit(ev)
	s.closed = true
}

type readResult struct {
	data []byte
	err  error
}

// pump copies body into a channel so the writer can select on it together
// with cancellation. It exits when body fails or ctx is done.
func pump(ctx context.Context, body io.Reader) <-chan readResult {
	out := make(chan readResult)
	go func() {
		defer close(out)
		defer func() {
			if rec := recover(); rec != nil {
				select {
				case out <- readResult{err: fmt.Errorf("%w: read panicked: %v", domain.ErrStreamInterrupted, rec)}:
				case <-ctx.Done():
				}
			}
		}()
		for {
			buf := make([]byte, readBufferSize)
			n, err := body.Read(buf)
			if n > 0 {
				select {
				case out <- readResult{data: buf[:n]}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				select {
				case out <- readResult{err: err}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return out
}

// relay forwards the upstream body as chunk frames until the stream ends,
// fails, or ctx is cancelled. The cancel cause tells a timeout apart from a
// client disconnect. It always leaves the session closed.
func (s *session) relay(ctx context.Context, body io.Reader) (outcome, domain.Usage) {
	dec := sse.NewUpstreamDecoder()
	reads := pump(ctx, body)

	for {
		// cancellation wins over data that is already buffered
		if ctx.Err() != nil {
			return s.cancelled(ctx), dec.Usage()
		}

		select {
		case <-ctx.Done():
			return s.cancelled(ctx), dec.Usage()

		case res, ok := <-reads:
			if !ok {
				return s.cancelled(ctx), dec.Usage()
			}

			for _, f := range dec.Feed(res.data) {
				switch f.Kind {
				case sse.FrameDelta:
					if err := s.chunk(f.Delta); err != nil {
						return outcomeClientGone, dec.Usage()
					}
				case sse.FrameDone:
					usage := dec.Usage()
					s.finish(domain.Done(&usage))
					return outcomeDone, usage
				}
			}

			switch {
			case res.err == nil:
			case errors.Is(res.err, io.EOF):
				if !dec.Done() {
					slog.Debug("upstream closed without done sentinel", "chunks", s.chunks)
				}
				usage := dec.Usage()
				s.finish(domain.Done(&usage))
				return outcomeDone, usage
			case ctx.Err() != nil:
				return s.cancelled(ctx), dec.Usage()
			default:
				s.finish(domain.Failure(msgStreamInterrupted))
				return outcomeInterrupted, dec.Usage()
			}
		}
	}
}

func (s *session) cancelled(ctx context.Context) outcome {
	if errors.Is(context.Cause(ctx), domain.ErrUpstreamTimeout) {
		s.finish(domain.Failure(msgUpstreamTimeout))
		return outcomeTimeout
	}
	s.closed = true
	return outcomeClientGone
}
