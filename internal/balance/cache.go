// Package balance caches account balances fetched from the ledger.
//
// Cached balances are advisory: they back soft funds pre-checks only, and a
// stale entry is preferred over no answer when the ledger is unreachable,
// for at most maxStaleTTLs times the TTL.
package balance

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nptmarket/settlement-engine/internal/clock"
	"github.com/nptmarket/settlement-engine/internal/metrics"
	"github.com/nptmarket/settlement-engine/internal/model"
)

// Fetcher reads an account's authoritative balance from the ledger.
type Fetcher func(ctx context.Context, account string) (int64, error)

// maxStaleTTLs bounds how long a last known balance may stand in for an
// unreachable ledger, in multiples of the cache TTL.
const maxStaleTTLs = 10

func staleLimit(ttl time.Duration) time.Duration { return maxStaleTTLs * ttl }

// Cache is a staleness-bounded view of ledger balances.
type Cache interface {
	Get(ctx context.Context, account string) (model.Balance, error)
	Invalidate(ctx context.Context, account string)
}

// MemoryCache keeps balances in process memory.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]model.Balance
	fetch   Fetcher
	ttl     time.Duration
	clock   clock.Clock
}

// NewMemoryCache returns a cache that refetches entries older than ttl.
func NewMemoryCache(fetch Fetcher, ttl time.Duration, clk clock.Clock) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]model.Balance),
		fetch:   fetch,
		ttl:     ttl,
		clock:   clk,
	}
}

func (c *MemoryCache) Get(ctx context.Context, account string) (model.Balance, error) {
	now := c.clock.Now()

	c.mu.RLock()
	b, ok := c.entries[account]
	c.mu.RUnlock()
	if ok && now.Sub(b.FetchedAt) < c.ttl {
		metrics.BalanceCacheLookups.WithLabelValues("hit").Inc()
		return b, nil
	}
	metrics.BalanceCacheLookups.WithLabelValues("miss").Inc()

	amount, err := c.fetch(ctx, account)
	if err != nil {
		if ok && now.Sub(b.FetchedAt) <= staleLimit(c.ttl) {
			slog.Warn("serving stale balance", "account", account, "age", now.Sub(b.FetchedAt), "err", err)
			return b, nil
		}
		return model.Balance{}, fmt.Errorf("fetch balance for %s: %w", account, err)
	}

	b = model.Balance{Account: account, Amount: amount, FetchedAt: now}
	c.mu.Lock()
	c.entries[account] = b
	c.mu.Unlock()
	return b, nil
}

func (c *MemoryCache) Invalidate(_ context.Context, account string) {
	c.mu.Lock()
	delete(c.entries, account)
	c.mu.Unlock()
}
