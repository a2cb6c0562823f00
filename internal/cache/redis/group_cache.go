package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

// DefaultSnapshotTTL bounds how long a poller can see a snapshot that a
// concurrent commit has already superseded.
const DefaultSnapshotTTL = 2 * time.Second

// GroupCache implements domain.GroupCache.
//
// Key schema:
//
//	groupbuy:active:{productID} - hash with field "data" containing JSON
type GroupCache struct {
	c   *Client
	ttl time.Duration
}

// NewGroupCache creates a GroupCache. A non-positive ttl selects
// DefaultSnapshotTTL.
func NewGroupCache(c *Client, ttl time.Duration) *GroupCache {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &GroupCache{c: c, ttl: ttl}
}

func activeKey(productID string) string { return "groupbuy:active:" + productID }

// Set stores the snapshot for productID.
func (gc *GroupCache) Set(ctx context.Context, productID string, snap domain.ActiveGroupBuy) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot %s: %w", productID, err)
	}

	key := gc.c.Key(activeKey(productID))
	pipe := gc.c.Underlying().TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.PExpire(ctx, key, gc.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", productID, err)
	}
	return nil
}

// Get returns domain.ErrNotFound on a miss.
func (gc *GroupCache) Get(ctx context.Context, productID string) (domain.ActiveGroupBuy, error) {
	data, err := gc.c.Underlying().HGet(ctx, gc.c.Key(activeKey(productID)), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ActiveGroupBuy{}, domain.ErrNotFound
		}
		return domain.ActiveGroupBuy{}, fmt.Errorf("redis: get snapshot %s: %w", productID, err)
	}

	var snap domain.ActiveGroupBuy
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.ActiveGroupBuy{}, fmt.Errorf("redis: unmarshal snapshot %s: %w", productID, err)
	}
	return snap, nil
}

// Invalidate drops the snapshot for productID.
func (gc *GroupCache) Invalidate(ctx context.Context, productID string) error {
	if err := gc.c.Underlying().Del(ctx, gc.c.Key(activeKey(productID))).Err(); err != nil {
		return fmt.Errorf("redis: invalidate snapshot %s: %w", productID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.GroupCache = (*GroupCache)(nil)
