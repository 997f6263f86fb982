package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EventDeduplicator answers whether a webhook event ID has been seen recently.
// Dedup is best-effort: processing is idempotent anyway, so a dedup failure
// degrades to reprocessing, never to data loss.
type EventDeduplicator interface {
	// Seen marks the event ID and reports whether it was already marked.
	Seen(ctx context.Context, eventID string) (bool, error)
}

// RedisDeduplicator tracks event IDs with SET NX and a TTL.
type RedisDeduplicator struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisDeduplicator creates a Redis-backed deduplicator. A zero ttl
// defaults to 24 hours, which comfortably covers provider retry windows.
func NewRedisDeduplicator(client *redis.Client, ttl time.Duration) *RedisDeduplicator {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduplicator{
		client: client,
		ttl:    ttl,
		prefix: "billing:webhook:event:",
	}
}

// Seen implements EventDeduplicator.
func (d *RedisDeduplicator) Seen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	set, err := d.client.SetNX(ctx, d.prefix+eventID, 1, d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("event dedup check failed: %w", err)
	}
	return !set, nil
}

// NopDeduplicator never reports a duplicate. Used when Redis is not
// configured.
type NopDeduplicator struct{}

// Seen implements EventDeduplicator.
func (NopDeduplicator) Seen(context.Context, string) (bool, error) { return false, nil }
