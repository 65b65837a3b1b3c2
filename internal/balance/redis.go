package balance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nptmarket/settlement-engine/internal/clock"
	"github.com/nptmarket/settlement-engine/internal/metrics"
	"github.com/nptmarket/settlement-engine/internal/model"
)

// RedisCache is a read-through balance cache shared between engine
// replicas. Entries expire in Redis after the TTL; a fetch failure falls
// back to the last known value kept under a longer-lived key, which expires
// after maxStaleTTLs times the TTL.
type RedisCache struct {
	rdb   *redis.Client
	fetch Fetcher
	ttl   time.Duration
	clock clock.Clock
}

// NewRedisCache creates a Redis-backed cache.
func NewRedisCache(rdb *redis.Client, fetch Fetcher, ttl time.Duration, clk clock.Clock) *RedisCache {
	return &RedisCache{rdb: rdb, fetch: fetch, ttl: ttl, clock: clk}
}

func (c *RedisCache) Get(ctx context.Context, account string) (model.Balance, error) {
	if b, ok := c.read(ctx, balanceKey(account)); ok {
		metrics.BalanceCacheLookups.WithLabelValues("hit").Inc()
		return b, nil
	}
	metrics.BalanceCacheLookups.WithLabelValues("miss").Inc()

	amount, err := c.fetch(ctx, account)
	if err != nil {
		if b, ok := c.read(ctx, lastKnownKey(account)); ok && c.clock.Now().Sub(b.FetchedAt) <= staleLimit(c.ttl) {
			slog.Warn("serving stale balance", "account", account, "fetched_at", b.FetchedAt, "err", err)
			return b, nil
		}
		return model.Balance{}, fmt.Errorf("fetch balance for %s: %w", account, err)
	}

	b := model.Balance{Account: account, Amount: amount, FetchedAt: c.clock.Now()}
	// A zero expiration would keep the keys forever.
	if data, err := json.Marshal(b); err == nil && c.ttl > 0 {
		pipe := c.rdb.Pipeline()
		pipe.Set(ctx, balanceKey(account), data, c.ttl)
		pipe.Set(ctx, lastKnownKey(account), data, staleLimit(c.ttl))
		if _, err := pipe.Exec(ctx); err != nil {
			slog.Warn("balance cache write failed", "account", account, "err", err)
		}
	}
	return b, nil
}

func (c *RedisCache) Invalidate(ctx context.Context, account string) {
	c.rdb.Del(ctx, balanceKey(account))
}

func (c *RedisCache) read(ctx context.Context, key string) (model.Balance, bool) {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return model.Balance{}, false
	}
	var b model.Balance
	if json.Unmarshal(data, &b) != nil {
		return model.Balance{}, false
	}
	return b, true
}

func balanceKey(account string) string   { return fmt.Sprintf("balance:%s", account) }
func lastKnownKey(account string) string { return fmt.Sprintf("balance:last:%s", account) }
