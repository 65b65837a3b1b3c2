package balance_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nptmarket/settlement-engine/internal/balance"
	"github.com/nptmarket/settlement-engine/internal/clock"
)

type countingFetcher struct {
	calls  int
	amount int64
	err    error
}

func (f *countingFetcher) fetch(_ context.Context, _ string) (int64, error) {
	f.calls++
	return f.amount, f.err
}

func TestMemoryCacheHonoursTTL(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	f := &countingFetcher{amount: 100}
	c := balance.NewMemoryCache(f.fetch, 30*time.Second, clk)
	ctx := context.Background()

	b, err := c.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.Amount)

	f.amount = 70
	clk.Advance(10 * time.Second)
	b, err = c.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.Amount, "fresh entry is served from cache")
	assert.Equal(t, 1, f.calls)

	clk.Advance(30 * time.Second)
	b, err = c.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(70), b.Amount)
	assert.Equal(t, 2, f.calls)
}

func TestMemoryCacheInvalidate(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	f := &countingFetcher{amount: 100}
	c := balance.NewMemoryCache(f.fetch, time.Minute, clk)
	ctx := context.Background()

	_, err := c.Get(ctx, "alice")
	require.NoError(t, err)
	c.Invalidate(ctx, "alice")
	_, err = c.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, f.calls)
}

func TestMemoryCacheServesStaleOnError(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	f := &countingFetcher{amount: 100}
	c := balance.NewMemoryCache(f.fetch, 10*time.Second, clk)
	ctx := context.Background()

	_, err := c.Get(ctx, "alice")
	require.NoError(t, err)

	f.err = errors.New("ledger down")
	clk.Advance(time.Minute)
	b, err := c.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(100), b.Amount)

	_, err = c.Get(ctx, "bob")
	assert.Error(t, err)
}

func TestMemoryCacheRefusesBalanceTooStale(t *testing.T) {
	clk := clock.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	f := &countingFetcher{amount: 100}
	c := balance.NewMemoryCache(f.fetch, 10*time.Second, clk)
	ctx := context.Background()

	_, err := c.Get(ctx, "alice")
	require.NoError(t, err)

	f.err = errors.New("ledger down")
	clk.Advance(100 * time.Second)
	_, err = c.Get(ctx, "alice")
	require.NoError(t, err, "ten TTLs old is still served")

	clk.Advance(time.Second)
	_, err = c.Get(ctx, "alice")
	assert.ErrorIs(t, err, f.err)
}
