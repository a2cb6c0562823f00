package domain

import (
	"context"
	"time"
)

// GroupCache holds the latest ActiveGroupBuy snapshot per product for pollers.
type GroupCache interface {
	Set(ctx context.Context, productID string, snap ActiveGroupBuy) error
	Get(ctx context.Context, productID string) (ActiveGroupBuy, error)
	Invalidate(ctx context.Context, productID string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides mutual exclusion per key. Acquire returns ErrLockHeld
// immediately when another holder owns the key.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// BusMessage is a pub/sub delivery with the concrete channel it arrived on.
type BusMessage struct {
	Channel string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan BusMessage, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
