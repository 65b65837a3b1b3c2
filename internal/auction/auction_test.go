package auction_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nptmarket/settlement-engine/internal/auction"
	"github.com/nptmarket/settlement-engine/internal/clock"
	"github.com/nptmarket/settlement-engine/internal/model"
	"github.com/nptmarket/settlement-engine/internal/registry"
	"github.com/nptmarket/settlement-engine/internal/store"
)

type fakeListings map[string]bool

func (f fakeListings) IsListed(itemID string) bool { return f[itemID] }

type fixture struct {
	eng      *auction.Engine
	reg      *registry.Registry
	listings fakeListings
	clock    *clock.Manual
	store    *store.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.NewMemoryStore()
	clk := clock.NewManual(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	reg := registry.New(st, clk)
	lst := fakeListings{}
	return &fixture{
		eng:      auction.New(auction.DefaultConfig(), reg, lst, auction.NewEscrow(), st, clk),
		reg:      reg,
		listings: lst,
		clock:    clk,
		store:    st,
	}
}

func (f *fixture) mint(t *testing.T, owner string) model.Item {
	t.Helper()
	it, err := f.reg.Create(context.Background(), owner, model.RarityRare, 30, registry.Cosmetic{Emoji: "💎", Title: "Diamond NPT"})
	require.NoError(t, err)
	return it
}

// open escrows the item under a submission marker and opens the auction the
// way a confirmed create-auction intent does.
func (f *fixture) open(t *testing.T, id, seller, itemID string, startingBid, duration int64) model.Auction {
	t.Helper()
	holder := "intent:" + id
	require.NoError(t, f.eng.Escrow().Hold(itemID, holder))
	a, err := f.eng.Open(context.Background(), id, seller, itemID, startingBid, duration, holder)
	require.NoError(t, err)
	return a
}

func TestBiddingAndSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.mint(t, "seller")
	f.open(t, "auc-1", "seller", it.ID, 10, 3600)

	_, err := f.eng.ValidateBid("b1", "auc-1", 15, 100)
	require.NoError(t, err)
	a, effects, err := f.eng.ApplyBid(ctx, "b1", "auc-1", 15, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(15), a.CurrentBid)
	assert.Empty(t, effects, "first bid displaces nobody")

	_, err = f.eng.ValidateBid("b2", "auc-1", 15, 100)
	assert.ErrorIs(t, err, model.ErrBidTooLow)

	a, effects, err = f.eng.ApplyBid(ctx, "b2", "auc-1", 20, f.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, "b2", a.CurrentBidder)
	require.Len(t, effects, 1)
	assert.Equal(t, model.EffectBidRelease, effects[0].Kind)
	assert.Equal(t, "b1", effects[0].Account)
	assert.Equal(t, int64(15), effects[0].Amount)

	f.clock.Advance(3601 * time.Second)
	closed, err := f.eng.Sweep(ctx, nil)
	require.NoError(t, err)
	require.Len(t, closed, 1)

	got := closed[0].Auction
	assert.Equal(t, model.AuctionSettled, got.Status)
	assert.Equal(t, 2, got.BidCount)
	require.Len(t, closed[0].Effects, 1)
	assert.Equal(t, model.EffectAuctionPayout, closed[0].Effects[0].Kind)
	assert.Equal(t, int64(18), closed[0].Effects[0].Amount)

	owned, err := f.reg.Get(it.ID)
	require.NoError(t, err)
	assert.Equal(t, "b2", owned.Owner)
	assert.False(t, f.eng.Escrow().IsEscrowed(it.ID))

	// A second sweep finds nothing to do.
	closed, err = f.eng.Sweep(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, closed)
	owned, _ = f.reg.Get(it.ID)
	assert.Equal(t, "b2", owned.Owner)
}

func TestExpiredUnsold(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.mint(t, "seller")
	f.open(t, "auc-1", "seller", it.ID, 10, 3600)

	f.clock.Advance(time.Hour)
	closed, err := f.eng.Sweep(ctx, nil)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, model.AuctionExpiredUnsold, closed[0].Auction.Status)
	assert.Equal(t, model.EffectEscrowRelease, closed[0].Effects[0].Kind)

	owned, _ := f.reg.Get(it.ID)
	assert.Equal(t, "seller", owned.Owner)
	assert.False(t, f.eng.Escrow().IsEscrowed(it.ID))
}

func TestSweepDefersAuctionsWithPendingBids(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.mint(t, "seller")
	f.open(t, "auc-1", "seller", it.ID, 10, 3600)

	f.clock.Advance(2 * time.Hour)
	closed, err := f.eng.Sweep(ctx, func(id string) bool { return id == "auc-1" })
	require.NoError(t, err)
	assert.Empty(t, closed)

	a, err := f.eng.Get("auc-1")
	require.NoError(t, err)
	assert.Equal(t, model.AuctionOpen, a.Status)
	assert.False(t, f.eng.Biddable(a))
}

func TestBidExpiryIsLazy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.mint(t, "seller")
	a := f.open(t, "auc-1", "seller", it.ID, 10, 3600)

	f.clock.Advance(3600 * time.Second)
	_, err := f.eng.ValidateBid("b1", "auc-1", 50, 100)
	assert.ErrorIs(t, err, model.ErrAuctionNotOpen)

	// A bid confirmed before the deadline still counts when applied late.
	_, _, err = f.eng.ApplyBid(ctx, "b1", "auc-1", 50, a.CreatedAt.Add(59*time.Minute))
	require.NoError(t, err)

	_, _, err = f.eng.ApplyBid(ctx, "b2", "auc-1", 60, a.EndsAt())
	assert.ErrorIs(t, err, model.ErrAuctionNotOpen)
}

func TestValidateBid(t *testing.T) {
	f := newFixture(t)
	it := f.mint(t, "seller")
	f.open(t, "auc-1", "seller", it.ID, 10, 3600)

	_, err := f.eng.ValidateBid("seller", "auc-1", 50, 100)
	assert.ErrorIs(t, err, model.ErrSelfBid)
	_, err = f.eng.ValidateBid("b1", "auc-1", 10, 100)
	assert.ErrorIs(t, err, model.ErrBidTooLow)
	_, err = f.eng.ValidateBid("b1", "auc-1", 50, 49)
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
	_, err = f.eng.ValidateBid("b1", "nope", 50, 100)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = f.eng.ValidateBid("b1", "auc-1", model.MaxAmount+1, model.MaxAmount+1)
	assert.ErrorIs(t, err, model.ErrInvalidPrice)
}

func TestValidateCreate(t *testing.T) {
	f := newFixture(t)
	it := f.mint(t, "seller")
	listed := f.mint(t, "seller")
	f.listings[listed.ID] = true
	held := f.mint(t, "seller")
	require.NoError(t, f.eng.Escrow().Hold(held.ID, "intent:x"))

	tests := []struct {
		name     string
		seller   string
		itemID   string
		bid      int64
		duration int64
		wantErr  error
	}{
		{"zero starting bid", "seller", it.ID, 0, 3600, model.ErrInvalidPrice},
		{"starting bid beyond ledger range", "seller", it.ID, model.MaxAmount + 1, 3600, model.ErrInvalidPrice},
		{"odd duration", "seller", it.ID, 10, 1234, model.ErrInvalidDuration},
		{"negative duration", "seller", it.ID, 10, -3600, model.ErrInvalidDuration},
		{"not owner", "other", it.ID, 10, 3600, model.ErrNotOwned},
		{"listed", "seller", listed.ID, 10, 3600, model.ErrAlreadyListed},
		{"escrowed", "seller", held.ID, 10, 3600, model.ErrEscrowed},
		{"unknown item", "seller", "missing", 10, 3600, model.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, f.eng.ValidateCreate(tt.seller, tt.itemID, tt.bid, tt.duration), tt.wantErr)
		})
	}
	assert.NoError(t, f.eng.ValidateCreate("seller", it.ID, 10, 6*3600))
	assert.NoError(t, f.eng.ValidateCreate("seller", it.ID, model.MaxAmount, 3600))
}

func TestAllowAnyDuration(t *testing.T) {
	f := newFixture(t)
	cfg := auction.DefaultConfig()
	cfg.AllowAnyDuration = true
	eng := auction.New(cfg, f.reg, f.listings, auction.NewEscrow(), f.store, f.clock)
	it := f.mint(t, "seller")

	assert.NoError(t, eng.ValidateCreate("seller", it.ID, 10, 90))
	assert.ErrorIs(t, eng.ValidateCreate("seller", it.ID, 10, 0), model.ErrInvalidDuration)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.mint(t, "seller")
	f.open(t, "auc-1", "seller", it.ID, 10, 3600)

	assert.ErrorIs(t, f.eng.ValidateCancel("other", "auc-1"), model.ErrNotOwned)
	require.NoError(t, f.eng.ValidateCancel("seller", "auc-1"))

	a, effects, err := f.eng.Cancel(ctx, "seller", "auc-1")
	require.NoError(t, err)
	assert.Equal(t, model.AuctionCancelled, a.Status)
	assert.Equal(t, model.EffectEscrowRelease, effects[0].Kind)
	assert.False(t, f.eng.Escrow().IsEscrowed(it.ID))

	_, _, err = f.eng.Cancel(ctx, "seller", "auc-1")
	assert.ErrorIs(t, err, model.ErrAuctionNotOpen)
}

func TestCancelWithBids(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.mint(t, "seller")
	f.open(t, "auc-1", "seller", it.ID, 10, 3600)
	_, _, err := f.eng.ApplyBid(ctx, "b1", "auc-1", 11, f.clock.Now())
	require.NoError(t, err)

	assert.ErrorIs(t, f.eng.ValidateCancel("seller", "auc-1"), model.ErrHasBids)
}

func TestOpenRejectsItemListedAfterHoldReleased(t *testing.T) {
	f := newFixture(t)
	it := f.mint(t, "seller")
	require.NoError(t, f.eng.Escrow().Hold(it.ID, "intent:1"))
	f.eng.Escrow().Release(it.ID, "intent:1")
	f.listings[it.ID] = true

	_, err := f.eng.Open(context.Background(), "auc-1", "seller", it.ID, 10, 3600, "intent:1")
	assert.ErrorIs(t, err, model.ErrAlreadyListed)
	assert.False(t, f.eng.Escrow().IsEscrowed(it.ID))
}

func TestBidsStrictlyIncrease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.mint(t, "seller")
	f.open(t, "auc-1", "seller", it.ID, 10, 3600)

	amounts := []int64{12, 11, 12, 30, 25, 31, 31, 40}
	last := int64(10)
	for i, amt := range amounts {
		bidder := []string{"a", "b", "c"}[i%3]
		a, _, err := f.eng.ApplyBid(ctx, bidder, "auc-1", amt, f.clock.Now())
		if amt <= last {
			assert.ErrorIs(t, err, model.ErrBidTooLow)
			continue
		}
		require.NoError(t, err)
		assert.Greater(t, a.CurrentBid, last)
		last = a.CurrentBid
	}
	a, _ := f.eng.Get("auc-1")
	assert.Equal(t, int64(40), a.CurrentBid)
	assert.Equal(t, 4, a.BidCount)
}

func TestLoadReescrowsOpenAuctions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.mint(t, "seller")
	f.open(t, "auc-1", "seller", it.ID, 10, 3600)

	eng := auction.New(auction.DefaultConfig(), f.reg, f.listings, auction.NewEscrow(), f.store, f.clock)
	require.NoError(t, eng.Load(ctx))
	holder, ok := eng.Escrow().Holder(it.ID)
	assert.True(t, ok)
	assert.Equal(t, "auc-1", holder)
	assert.Len(t, eng.OpenAuctions(), 1)
}

func TestQuotes(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, int64(24), f.eng.SuggestedStartingBid(30))
	assert.Equal(t, int64(1), f.eng.SuggestedStartingBid(1))
	assert.Equal(t, int64(18), f.eng.SellerProceeds(20))
}
