package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/groupbuy/internal/domain"
)

const productTTL = 5 * time.Minute

// CachedCatalog is a read-through cache in front of a ProductStore. Cache
// failures degrade to the backing store; they never fail a lookup.
//
// Key schema:
//
//	product:{id} - hash with field "data" containing JSON
type CachedCatalog struct {
	c      *Client
	next   domain.ProductStore
	logger *slog.Logger
}

// NewCachedCatalog wraps next.
func NewCachedCatalog(c *Client, next domain.ProductStore, logger *slog.Logger) *CachedCatalog {
	return &CachedCatalog{
		c:      c,
		next:   next,
		logger: logger.With(slog.String("component", "product_cache")),
	}
}

func productKey(id string) string { return "product:" + id }

// GetProductDiscountConfig serves from Redis and falls back to the store,
// populating the cache on the way out. Unknown products are not cached.
func (cc *CachedCatalog) GetProductDiscountConfig(ctx context.Context, productID string) (domain.Product, error) {
	key := cc.c.Key(productKey(productID))

	data, err := cc.c.Underlying().HGet(ctx, key, "data").Bytes()
	switch {
	case err == nil:
		var p domain.Product
		if err := json.Unmarshal(data, &p); err == nil {
			return p, nil
		}
		cc.logger.WarnContext(ctx, "discarding undecodable cached product", slog.String("product_id", productID))
	case !errors.Is(err, redis.Nil):
		cc.logger.WarnContext(ctx, "product cache read failed", slog.String("product_id", productID), slog.String("error", err.Error()))
	}

	p, err := cc.next.GetProductDiscountConfig(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	if data, err := json.Marshal(p); err == nil {
		pipe := cc.c.Underlying().TxPipeline()
		pipe.HSet(ctx, key, "data", data)
		pipe.Expire(ctx, key, productTTL)
		if _, err := pipe.Exec(ctx); err != nil {
			cc.logger.WarnContext(ctx, "product cache write failed", slog.String("product_id", productID), slog.String("error", err.Error()))
		}
	}
	return p, nil
}

// Upsert writes through to the store and evicts the cached entry.
func (cc *CachedCatalog) Upsert(ctx context.Context, p domain.Product) error {
	if err := cc.next.Upsert(ctx, p); err != nil {
		return err
	}
	if err := cc.c.Underlying().Del(ctx, cc.c.Key(productKey(p.ID))).Err(); err != nil {
		return fmt.Errorf("redis: evict product %s: %w", p.ID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ProductStore = (*CachedCatalog)(nil)
