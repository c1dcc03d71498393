package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultDedupWindow bounds how often the same alert type is sent for one
// tenant.
const DefaultDedupWindow = 5 * time.Minute

// Deduplicator decides whether an alert keyed by key should go out now.
// Implementations must be safe for concurrent use.
type Deduplicator interface {
	ShouldSend(ctx context.Context, key string) bool
}

// InMemoryDeduplicator suppresses repeats within window on one instance.
type InMemoryDeduplicator struct {
	mu     sync.Mutex
	window time.Duration
	sentAt map[string]time.Time
	now    func() time.Time
}

func NewInMemoryDeduplicator(window time.Duration) *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		window: window,
		sentAt: make(map[string]time.Time),
		now:    time.Now,
	}
}

func (d *InMemoryDeduplicator) ShouldSend(ctx context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.sentAt[key]; ok && now.Sub(last) < d.window {
		return false
	}

	d.sentAt[key] = now
	return true
}

// RedisDeduplicator shares suppression state across instances.
type RedisDeduplicator struct {
	client *redis.Client
	window time.Duration
}

func NewRedisDeduplicator(client *redis.Client, window time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{client: client, window: window}
}

// ShouldSend uses SETNX so only one instance wins per window. Redis errors
// fail open.
func (d *RedisDeduplicator) ShouldSend(ctx context.Context, key string) bool {
	acquired, err := d.client.SetNX(ctx, "bizcard:alert:"+key, time.Now().Unix(), d.window).Result()
	if err != nil {
		slog.Warn("alert dedup unavailable", "error", err)
		return true
	}
	return acquired
}

// DedupNotifier drops notifications whose type and tenant were already sent
// within the deduplicator's window.
type DedupNotifier struct {
	next  Notifier
	dedup Deduplicator
}

func NewDedupNotifier(next Notifier, dedup Deduplicator) *DedupNotifier {
	return &DedupNotifier{next: next, dedup: dedup}
}

func (n *DedupNotifier) Send(ctx context.Context, notification Notification) error {
	key := fmt.Sprintf("%s:%s", notification.Type, notification.TenantID)
	if !n.dedup.ShouldSend(ctx, key) {
		slog.Debug("notification suppressed",
			"type", notification.Type,
			"tenant_id", notification.TenantID,
		)
		return nil
	}
	return n.next.Send(ctx, notification)
}
