package chatclient

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/felipepmaragno/bizcard/internal/domain"
)

// ErrAborted is reported to OnError when a send is cancelled by Abort or by
// a newer Send.
var ErrAborted = errors.New("request aborted")

type Callbacks struct {
	OnChunk func(delta, full string)
	OnDone  func(usage *domain.Usage)
	OnError func(err error)
}

// State is the observable view of a Consumer.
type State struct {
	IsLoading bool
	Text      string
}

// Consumer runs at most one relay request at a time and accumulates its
// text. It is safe for concurrent use: Abort may be called from any
// goroutine while Send is blocked.
type Consumer struct {
	client *Client

	mu      sync.Mutex
	state   State
	version uint64
	gen     uint64
	cancel  context.CancelFunc
	subs    map[int]func(State)
	nextSub int

	// pubMu serializes delivery; snapshots older than delivered are dropped.
	pubMu     sync.Mutex
	delivered uint64
}

func NewConsumer(client *Client) *Consumer {
	return &Consumer{
		client: client,
		subs:   make(map[int]func(State)),
	}
}

func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn to receive state snapshots in change order. A
// snapshot superseded before delivery may be skipped, never delivered late.
// fn must not call back into the Consumer. The returned func removes the
// subscription.
func (c *Consumer) Subscribe(fn func(State)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}

// Abort cancels the in-flight request, if any, and discards the partial
// text. Discarding is intentional: a stopped answer is not shown.
func (c *Consumer) Abort() {
	c.mu.Lock()
	c.abortLocked()
	snap, subs := c.snapshotLocked()
	c.mu.Unlock()

	c.publish(snap, subs)
}

func (c *Consumer) abortLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.gen++
	c.state = State{}
}

// Send streams one turn and blocks until it resolves. Exactly one of
// OnDone or OnError is called, unless input is invalid, in which case
// OnError is called without a request being made.
func (c *Consumer) Send(ctx context.Context, tenantID string, messages []domain.Message, cb Callbacks) {
	if tenantID == "" || messages == nil {
		cb.reportError(ErrInvalidInput)
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.abortLocked()
	gen := c.gen
	c.cancel = cancel
	c.state = State{IsLoading: true}
	snap, subs := c.snapshotLocked()
	c.mu.Unlock()
	c.publish(snap, subs)

	stream, err := c.client.Open(ctx, domain.ChatRequest{TenantID: tenantID, Messages: messages})
	if err != nil {
		c.fail(ctx, gen, err, cb)
		return
	}
	defer stream.Close()

	for {
		ev, err := stream.Next()
		switch {
		case errors.Is(err, io.EOF):
			if c.settle(gen) {
				cb.reportDone(nil)
			} else {
				cb.reportError(ErrAborted)
			}
			return
		case err != nil:
			c.fail(ctx, gen, err, cb)
			return
		}

		switch ev.Type {
		case domain.EventChunk:
			full, ok := c.appendText(gen, ev.Delta)
			if !ok {
				cb.reportError(ErrAborted)
				return
			}
			if cb.OnChunk != nil {
				cb.OnChunk(ev.Delta, full)
			}
		case domain.EventDone:
			if c.settle(gen) {
				cb.reportDone(ev.Usage)
			} else {
				cb.reportError(ErrAborted)
			}
			return
		}
	}
}

func (c *Consumer) appendText(gen uint64, delta string) (string, bool) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return "", false
	}
	c.state.Text += delta
	full := c.state.Text
	snap, subs := c.snapshotLocked()
	c.mu.Unlock()

	c.publish(snap, subs)
	return full, true
}

// settle clears the loading flag if gen is still the current request. It
// reports false when the request was superseded or aborted meanwhile.
func (c *Consumer) settle(gen uint64) bool {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return false
	}
	c.state.IsLoading = false
	c.cancel = nil
	snap, subs := c.snapshotLocked()
	c.mu.Unlock()

	c.publish(snap, subs)
	return true
}

func (c *Consumer) fail(ctx context.Context, gen uint64, err error, cb Callbacks) {
	if !c.settle(gen) || ctx.Err() != nil {
		cb.reportError(ErrAborted)
		return
	}
	cb.reportError(err)
}

type snapshot struct {
	state   State
	version uint64
}

func (c *Consumer) snapshotLocked() (snapshot, []func(State)) {
	c.version++
	subs := make([]func(State), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	return snapshot{state: c.state, version: c.version}, subs
}

func (c *Consumer) publish(snap snapshot, subs []func(State)) {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	if snap.version <= c.delivered {
		return
	}
	c.delivered = snap.version

	for _, fn := range subs {
		fn(snap.state)
	}
}

func (cb Callbacks) reportDone(usage *domain.Usage) {
	if cb.OnDone != nil {
		cb.OnDone(usage)
	}
}

func (cb Callbacks) reportError(err error) {
	if cb.OnError != nil {
		cb.OnError(err)
	}
}
