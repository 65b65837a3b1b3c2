package settlement_test

import (
	"context"
	"errors"
	mrand "math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nptmarket/settlement-engine/internal/auction"
	"github.com/nptmarket/settlement-engine/internal/balance"
	"github.com/nptmarket/settlement-engine/internal/clock"
	"github.com/nptmarket/settlement-engine/internal/exposure"
	"github.com/nptmarket/settlement-engine/internal/ledger"
	"github.com/nptmarket/settlement-engine/internal/market"
	"github.com/nptmarket/settlement-engine/internal/mining"
	"github.com/nptmarket/settlement-engine/internal/model"
	"github.com/nptmarket/settlement-engine/internal/registry"
	"github.com/nptmarket/settlement-engine/internal/settlement"
	"github.com/nptmarket/settlement-engine/internal/store"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	rec   *settlement.Reconciler
	w     *settlement.Watcher
	sim   *ledger.Simulator
	reg   *registry.Registry
	mkt   *market.Market
	auc   *auction.Engine
	clock *clock.Manual
	store *store.MemoryStore
	notes []model.Notification

	// recStore, when set, is the reconciler's store in place of store.
	recStore settlement.Store
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store: store.NewMemoryStore(),
		clock: clock.NewManual(t0),
	}
	h.sim = ledger.NewSimulator(h.clock, ledger.WithDefaultBalance(1000))
	h.build(t)
	return h
}

// build wires the components over the harness store, clock and ledger.
func (h *harness) build(t *testing.T) {
	t.Helper()
	h.reg = registry.New(h.store, h.clock)
	escrow := auction.NewEscrow()
	h.mkt = market.New(market.DefaultConfig(), h.reg, escrow, h.store, h.clock)
	h.auc = auction.New(auction.DefaultConfig(), h.reg, h.mkt, escrow, h.store, h.clock)
	miner, err := mining.NewEngine(mining.DefaultConfig(), h.reg, mining.NewDeterministicSeeds([32]byte{7}))
	require.NoError(t, err)

	var recStore settlement.Store = h.store
	if h.recStore != nil {
		recStore = h.recStore
	}
	h.rec = settlement.New(settlement.Config{Timeout: 2 * time.Minute, Retention: time.Hour}, settlement.Deps{
		Gateway:  h.sim,
		Balances: balance.NewMemoryCache(h.sim.GetAccountBalance, 0, h.clock),
		Limiter:  exposure.NewLimiter(),
		Registry: h.reg,
		Miner:    miner,
		Market:   h.mkt,
		Auctions: h.auc,
		Store:    recStore,
		Notifier: settlement.NotifierFunc(func(n model.Notification) { h.notes = append(h.notes, n) }),
		Clock:    h.clock,
	})
	h.w = settlement.NewWatcher(h.rec, h.sim, time.Second)
}

// restart rebuilds every component from the store and resumes tracked
// intents.
func (h *harness) restart(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	h.build(t)
	require.NoError(t, h.reg.Load(ctx))
	require.NoError(t, h.mkt.Load(ctx))
	require.NoError(t, h.auc.Load(ctx))
	require.NoError(t, h.rec.Hydrate(ctx))
}

func (h *harness) item(t *testing.T, owner string) model.Item {
	t.Helper()
	it, err := h.reg.Create(context.Background(), owner, model.RarityRare, 30, registry.Cosmetic{Emoji: "💎", Title: "Diamond NPT"})
	require.NoError(t, err)
	return it
}

func (h *harness) confirm(t *testing.T, p model.PendingIntent) {
	t.Helper()
	require.NoError(t, h.sim.Confirm(p.TxRef))
	h.w.Poll(context.Background())
}

func (h *harness) owner(t *testing.T, itemID string) string {
	t.Helper()
	it, err := h.reg.Get(itemID)
	require.NoError(t, err)
	return it.Owner
}

func activeListings(history []model.Listing) int {
	n := 0
	for _, l := range history {
		if l.Status == model.ListingActive {
			n++
		}
	}
	return n
}

func (h *harness) last(typ string) (model.Notification, bool) {
	for i := len(h.notes) - 1; i >= 0; i-- {
		if h.notes[i].Type == typ {
			return h.notes[i], true
		}
	}
	return model.Notification{}, false
}

func TestMineConfirmed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.rec.Mine(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Equal(t, model.IntentSubmitted, p.Status)
	assert.NotEmpty(t, p.TxRef)
	assert.Zero(t, h.reg.Count(), "nothing minted before confirmation")

	h.confirm(t, p)

	assert.Equal(t, 1, h.reg.Count())
	_, err = h.rec.Get(p.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	n, ok := h.last(model.NotifyIntentConfirmed)
	require.True(t, ok)
	require.NotNil(t, n.Item)
	assert.Equal(t, "alice", n.Item.Owner)

	b, avail, err := h.rec.Available(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(990), b.Amount)
	assert.Equal(t, int64(990), avail)
}

func TestMineStakeIsClamped(t *testing.T) {
	h := newHarness(t)

	p, err := h.rec.Mine(context.Background(), "alice", 500)
	require.NoError(t, err)
	assert.Equal(t, int64(100), p.Payload.Stake)
}

func TestFundsPrecheckCountsInFlight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.sim.SetBalance("alice", 100)

	_, err := h.rec.Mine(ctx, "alice", 60)
	require.NoError(t, err)
	_, err = h.rec.Mine(ctx, "alice", 60)
	assert.ErrorIs(t, err, model.ErrInsufficientFunds)
	_, err = h.rec.Mine(ctx, "alice", 40)
	assert.NoError(t, err)
}

func TestRequiresAccount(t *testing.T) {
	h := newHarness(t)
	_, err := h.rec.Mine(context.Background(), "", 10)
	assert.ErrorIs(t, err, model.ErrInvalidAccount)
}

func TestListAndBuy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	it := h.item(t, "alice")

	list, err := h.rec.List(ctx, "alice", it.ID, 50)
	require.NoError(t, err)

	// A second listing of the same item is refused while the first is pending.
	_, err = h.rec.List(ctx, "alice", it.ID, 40)
	assert.ErrorIs(t, err, model.ErrAlreadyListed)

	h.confirm(t, list)
	l, err := h.mkt.Get(list.Payload.ListingID)
	require.NoError(t, err)
	assert.Equal(t, model.ListingActive, l.Status)

	buy, err := h.rec.Buy(ctx, "bob", l.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), buy.Payload.Price)
	h.confirm(t, buy)

	l, _ = h.mkt.Get(l.ID)
	assert.Equal(t, model.ListingSold, l.Status)
	assert.Equal(t, "bob", h.owner(t, it.ID))

	n, ok := h.last(model.NotifyIntentConfirmed)
	require.True(t, ok)
	require.Len(t, n.Effects, 1)
	assert.Equal(t, model.EffectSellerCredit, n.Effects[0].Kind)
	assert.Equal(t, "alice", n.Effects[0].Account)
	assert.Equal(t, int64(45), n.Effects[0].Amount)
}

func TestSecondBuyOfSoldListingFaults(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	it := h.item(t, "alice")
	list, err := h.rec.List(ctx, "alice", it.ID, 50)
	require.NoError(t, err)
	h.confirm(t, list)

	b1, err := h.rec.Buy(ctx, "bob", list.Payload.ListingID)
	require.NoError(t, err)
	b2, err := h.rec.Buy(ctx, "carol", list.Payload.ListingID)
	require.NoError(t, err)

	h.confirm(t, b1)
	err = h.rec.OnConfirmed(ctx, b2.ID, ledger.Result{TxRef: b2.TxRef, ConfirmedAt: h.clock.Now()})
	assert.ErrorIs(t, err, model.ErrInvariantViolation)
	assert.Equal(t, "bob", h.owner(t, it.ID))

	_, ok := h.last(model.NotifyIntentFaulted)
	assert.True(t, ok)
}

func TestRejectionRevertsReservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	it := h.item(t, "alice")

	p, err := h.rec.List(ctx, "alice", it.ID, 50)
	require.NoError(t, err)
	assert.True(t, h.mkt.IsListed(it.ID))

	require.NoError(t, h.sim.Reject(p.TxRef))
	h.w.Poll(ctx)

	assert.False(t, h.mkt.IsListed(it.ID))
	n, ok := h.last(model.NotifyIntentRejected)
	require.True(t, ok)
	assert.Equal(t, p.ID, n.IntentID)

	_, err = h.rec.List(ctx, "alice", it.ID, 50)
	assert.NoError(t, err)
}

func TestDuplicateConfirmationIsNoop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.rec.Mine(ctx, "alice", 10)
	require.NoError(t, err)
	res := ledger.Result{TxRef: p.TxRef, ConfirmedAt: h.clock.Now()}

	require.NoError(t, h.rec.OnConfirmed(ctx, p.ID, res))
	require.NoError(t, h.rec.OnConfirmed(ctx, p.ID, res))
	assert.Equal(t, 1, h.reg.Count())

	// The pushed update and the next poll change nothing either.
	require.NoError(t, h.sim.Confirm(p.TxRef))
	h.w.Poll(ctx)
	assert.Equal(t, 1, h.reg.Count())
}

func TestAuctionScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	it := h.item(t, "seller")

	create, err := h.rec.CreateAuction(ctx, "seller", it.ID, 10, 3600)
	require.NoError(t, err)
	h.confirm(t, create)
	auctionID := create.Payload.AuctionID

	b1, err := h.rec.PlaceBid(ctx, "b1", auctionID, 15)
	require.NoError(t, err)
	h.confirm(t, b1)
	a, _ := h.auc.Get(auctionID)
	assert.Equal(t, int64(15), a.CurrentBid)

	_, err = h.rec.PlaceBid(ctx, "b2", auctionID, 15)
	assert.ErrorIs(t, err, model.ErrBidTooLow)

	b2, err := h.rec.PlaceBid(ctx, "b2", auctionID, 20)
	require.NoError(t, err)
	h.confirm(t, b2)

	n, ok := h.last(model.NotifyIntentConfirmed)
	require.True(t, ok)
	require.Len(t, n.Effects, 1)
	assert.Equal(t, model.EffectBidRelease, n.Effects[0].Kind)
	assert.Equal(t, "b1", n.Effects[0].Account)

	h.clock.Advance(3601 * time.Second)
	require.NoError(t, h.rec.Sweep(ctx))

	a, _ = h.auc.Get(auctionID)
	assert.Equal(t, model.AuctionSettled, a.Status)
	assert.Equal(t, 2, a.BidCount)
	assert.Equal(t, "b2", h.owner(t, it.ID))

	closed, ok := h.last(model.NotifyAuctionClosed)
	require.True(t, ok)
	assert.Equal(t, model.EffectAuctionPayout, closed.Effects[0].Kind)
	assert.Equal(t, int64(18), closed.Effects[0].Amount)

	count := len(h.notes)
	require.NoError(t, h.rec.Sweep(ctx))
	assert.Len(t, h.notes, count, "second sweep is a no-op")
	assert.Equal(t, "b2", h.owner(t, it.ID))
}

func TestAuctionExpiresUnsold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	it := h.item(t, "seller")

	create, err := h.rec.CreateAuction(ctx, "seller", it.ID, 10, 3600)
	require.NoError(t, err)
	h.confirm(t, create)

	h.clock.Advance(time.Hour)
	require.NoError(t, h.rec.Sweep(ctx))

	a, _ := h.auc.Get(create.Payload.AuctionID)
	assert.Equal(t, model.AuctionExpiredUnsold, a.Status)
	assert.Equal(t, "seller", h.owner(t, it.ID))
	assert.False(t, h.auc.Escrow().IsEscrowed(it.ID))
}

func TestBidsApplyInLedgerOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	it := h.item(t, "seller")
	create, err := h.rec.CreateAuction(ctx, "seller", it.ID, 10, 3600)
	require.NoError(t, err)
	h.confirm(t, create)
	auctionID := create.Payload.AuctionID

	high, err := h.rec.PlaceBid(ctx, "b1", auctionID, 30)
	require.NoError(t, err)
	low, err := h.rec.PlaceBid(ctx, "b2", auctionID, 20)
	require.NoError(t, err)

	// The ledger confirms the later submission first.
	h.clock.Advance(time.Second)
	require.NoError(t, h.sim.Confirm(low.TxRef))
	h.clock.Advance(time.Second)
	require.NoError(t, h.sim.Confirm(high.TxRef))
	h.w.Poll(ctx)

	a, _ := h.auc.Get(auctionID)
	assert.Equal(t, int64(30), a.CurrentBid)
	assert.Equal(t, "b1", a.CurrentBidder)
	assert.Equal(t, 2, a.BidCount)
}

func TestSweepWaitsForPendingBid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	it := h.item(t, "seller")
	create, err := h.rec.CreateAuction(ctx, "seller", it.ID, 10, 3600)
	require.NoError(t, err)
	h.confirm(t, create)
	auctionID := create.Payload.AuctionID

	bid, err := h.rec.PlaceBid(ctx, "b1", auctionID, 25)
	require.NoError(t, err)
	h.clock.Advance(59 * time.Minute)
	confirmedAt := h.clock.Now()
	h.clock.Advance(2 * time.Minute)

	require.NoError(t, h.rec.Sweep(ctx))
	a, _ := h.auc.Get(auctionID)
	assert.Equal(t, model.AuctionOpen, a.Status)

	require.NoError(t, h.rec.OnConfirmed(ctx, bid.ID, ledger.Result{TxRef: bid.TxRef, ConfirmedAt: confirmedAt}))
	require.NoError(t, h.rec.Sweep(ctx))

	a, _ = h.auc.Get(auctionID)
	assert.Equal(t, model.AuctionSettled, a.Status)
	assert.Equal(t, "b1", h.owner(t, it.ID))
}

func TestCreateAuctionTimeoutThenStaleConfirmation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	it := h.item(t, "seller")

	create, err := h.rec.CreateAuction(ctx, "seller", it.ID, 10, 3600)
	require.NoError(t, err)
	assert.True(t, h.auc.Escrow().IsEscrowed(it.ID))

	h.clock.Advance(3 * time.Minute)
	timedOut, _ := h.rec.ExpireStale(ctx)
	assert.Equal(t, 1, timedOut)
	assert.False(t, h.auc.Escrow().IsEscrowed(it.ID))

	p, err := h.rec.Get(create.ID)
	require.NoError(t, err)
	assert.Equal(t, model.IntentTimedOut, p.Status)

	// The item is listable again.
	list, err := h.rec.List(ctx, "seller", it.ID, 40)
	require.NoError(t, err)
	h.confirm(t, list)

	// The superseded confirmation must not re-escrow the item.
	err = h.rec.OnConfirmed(ctx, create.ID, ledger.Result{TxRef: create.TxRef, ConfirmedAt: h.clock.Now()})
	assert.ErrorIs(t, err, model.ErrInvariantViolation)
	assert.False(t, h.auc.Escrow().IsEscrowed(it.ID))
	assert.Empty(t, h.auc.OpenAuctions())
	assert.Equal(t, 1, activeListings(h.mkt.History(it.ID)))

	_, err = h.rec.Get(create.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestLateConfirmationApplied(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	it := h.item(t, "seller")

	create, err := h.rec.CreateAuction(ctx, "seller", it.ID, 10, 3600)
	require.NoError(t, err)
	h.clock.Advance(3 * time.Minute)
	h.w.Poll(ctx)

	h.confirm(t, create)
	open := h.auc.OpenAuctions()
	require.Len(t, open, 1)
	assert.Equal(t, it.ID, open[0].ItemID)
	holder, _ := h.auc.Escrow().Holder(it.ID)
	assert.Equal(t, open[0].ID, holder)
}

func TestAbandon(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.rec.Mine(ctx, "alice", 10)
	require.NoError(t, err)

	_, err = h.rec.Abandon(ctx, "bob", p.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	got, err := h.rec.Abandon(ctx, "alice", p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.IntentTimedOut, got.Status)

	// The ledger's outcome still wins.
	h.confirm(t, p)
	assert.Equal(t, 1, h.reg.Count())
}

func TestRetentionForgetsTimedOut(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	p, err := h.rec.Mine(ctx, "alice", 10)
	require.NoError(t, err)
	h.clock.Advance(3 * time.Minute)
	h.rec.ExpireStale(ctx)
	h.clock.Advance(2 * time.Hour)
	_, forgotten := h.rec.ExpireStale(ctx)
	assert.Equal(t, 1, forgotten)

	_, err = h.rec.Get(p.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	intents, err := h.store.ListIntents(ctx)
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestHydrateResumesPendingIntents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	it := h.item(t, "alice")

	list, err := h.rec.List(ctx, "alice", it.ID, 50)
	require.NoError(t, err)

	// Restart: rebuild every component from the same store.
	h.build(t)
	require.NoError(t, h.reg.Load(ctx))
	require.NoError(t, h.mkt.Load(ctx))
	require.NoError(t, h.auc.Load(ctx))
	require.NoError(t, h.rec.Hydrate(ctx))

	assert.True(t, h.mkt.IsListed(it.ID), "reservation restored")
	require.Len(t, h.rec.Tracked(), 1)

	h.confirm(t, list)
	l, err := h.mkt.Get(list.Payload.ListingID)
	require.NoError(t, err)
	assert.Equal(t, model.ListingActive, l.Status)
}

func TestCancelFlows(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	it := h.item(t, "alice")

	list, err := h.rec.List(ctx, "alice", it.ID, 50)
	require.NoError(t, err)
	h.confirm(t, list)

	_, err = h.rec.CancelListing(ctx, "bob", list.Payload.ListingID)
	assert.ErrorIs(t, err, model.ErrNotOwned)
	cancel, err := h.rec.CancelListing(ctx, "alice", list.Payload.ListingID)
	require.NoError(t, err)
	h.confirm(t, cancel)
	assert.False(t, h.mkt.IsListed(it.ID))

	create, err := h.rec.CreateAuction(ctx, "alice", it.ID, 10, 3600)
	require.NoError(t, err)
	h.confirm(t, create)
	cancelAuc, err := h.rec.CancelAuction(ctx, "alice", create.Payload.AuctionID)
	require.NoError(t, err)
	h.confirm(t, cancelAuc)

	a, _ := h.auc.Get(create.Payload.AuctionID)
	assert.Equal(t, model.AuctionCancelled, a.Status)
	assert.False(t, h.auc.Escrow().IsEscrowed(it.ID))
}

func TestRandomInterleavingKeepsOneActiveListing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rng := mrand.New(mrand.NewPCG(42, 7))
	accounts := []string{"alice", "bob", "carol"}

	var items []string
	for _, a := range accounts {
		items = append(items, h.item(t, a).ID, h.item(t, a).ID)
	}

	for step := 0; step < 400; step++ {
		switch rng.IntN(5) {
		case 0: // list by the current owner
			id := items[rng.IntN(len(items))]
			_, _ = h.rec.List(ctx, h.owner(t, id), id, 1+rng.Int64N(40))
		case 1: // buy any active listing
			if active := h.mkt.Active(); len(active) > 0 {
				l := active[rng.IntN(len(active))]
				_, _ = h.rec.Buy(ctx, accounts[rng.IntN(len(accounts))], l.ID)
			}
		case 2: // cancel any active listing by its seller
			if active := h.mkt.Active(); len(active) > 0 {
				l := active[rng.IntN(len(active))]
				_, _ = h.rec.CancelListing(ctx, l.Seller, l.ID)
			}
		case 3: // the ledger settles a tracked transaction
			if tracked := h.rec.Tracked(); len(tracked) > 0 {
				ref := tracked[rng.IntN(len(tracked))].TxRef
				if rng.IntN(4) == 0 {
					_ = h.sim.Reject(ref)
				} else {
					_ = h.sim.Confirm(ref)
				}
			}
		case 4:
			h.clock.Advance(time.Duration(rng.IntN(30)) * time.Second)
			h.w.Poll(ctx)
		}

		for _, id := range items {
			require.LessOrEqual(t, activeListings(h.mkt.History(id)), 1, "item %s at step %d", id, step)
		}
	}
}

func TestWatcherAppliesPushedUpdates(t *testing.T) {
	h := newHarness(t)
	h.sim = ledger.NewSimulator(h.clock, ledger.WithDefaultBalance(100), ledger.WithAutoConfirm(10*time.Millisecond))
	h.build(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		h.w.Run(ctx)
		close(done)
	}()

	_, err := h.rec.Mine(ctx, "alice", 10)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return h.reg.Count() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

// commitFailStore refuses the bookkeeping writes of a confirmation while
// fail is set, as a database that drops mid-commit would.
type commitFailStore struct {
	*store.MemoryStore
	fail bool
}

var errConnReset = errors.New("connection reset by peer")

func (s *commitFailStore) MarkApplied(ctx context.Context, txRef, intentID string) error {
	if s.fail {
		return errConnReset
	}
	return s.MemoryStore.MarkApplied(ctx, txRef, intentID)
}

func (s *commitFailStore) DeleteIntent(ctx context.Context, id string) error {
	if s.fail {
		return errConnReset
	}
	return s.MemoryStore.DeleteIntent(ctx, id)
}

func TestConfirmationCommitFailureReplaysOnce(t *testing.T) {
	h := newHarness(t)
	fs := &commitFailStore{MemoryStore: h.store, fail: true}
	h.recStore = fs
	h.build(t)
	ctx := context.Background()

	p, err := h.rec.Mine(ctx, "alice", 10)
	require.NoError(t, err)
	h.confirm(t, p)

	// The mint is live in memory, but none of its writes reached the store.
	assert.Equal(t, 1, h.reg.Count())
	items, err := h.store.ListItems(ctx)
	require.NoError(t, err)
	assert.Empty(t, items, "item write must not outlive the failed commit")
	applied, err := h.store.IsApplied(ctx, p.TxRef)
	require.NoError(t, err)
	assert.False(t, applied)

	// Redelivery in the same process is ignored.
	require.NoError(t, h.rec.OnConfirmed(ctx, p.ID, ledger.Result{TxRef: p.TxRef, ConfirmedAt: h.clock.Now()}))
	h.w.Poll(ctx)
	assert.Equal(t, 1, h.reg.Count())

	// After a restart the stored intent replays the mint exactly once.
	fs.fail = false
	h.restart(t)
	require.Len(t, h.rec.Tracked(), 1)
	h.w.Poll(ctx)
	assert.Equal(t, 1, h.reg.Count())

	items, err = h.store.ListItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "alice", items[0].Owner)
	applied, err = h.store.IsApplied(ctx, p.TxRef)
	require.NoError(t, err)
	assert.True(t, applied)
	intents, err := h.store.ListIntents(ctx)
	require.NoError(t, err)
	assert.Empty(t, intents)

	// A second restart has nothing left to replay.
	h.restart(t)
	assert.Empty(t, h.rec.Tracked())
	h.w.Poll(ctx)
	assert.Equal(t, 1, h.reg.Count())
}

func TestConfirmedBuyCommitsAsOneUnit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	it := h.item(t, "alice")

	list, err := h.rec.List(ctx, "alice", it.ID, 50)
	require.NoError(t, err)
	h.confirm(t, list)
	buy, err := h.rec.Buy(ctx, "bob", list.Payload.ListingID)
	require.NoError(t, err)
	h.confirm(t, buy)

	// A restart sees the sale, the new owner and no intent left to replay.
	h.restart(t)
	assert.Empty(t, h.rec.Tracked())
	assert.Equal(t, "bob", h.owner(t, it.ID))
	l, err := h.mkt.Get(list.Payload.ListingID)
	require.NoError(t, err)
	assert.Equal(t, model.ListingSold, l.Status)
	applied, err := h.store.IsApplied(ctx, buy.TxRef)
	require.NoError(t, err)
	assert.True(t, applied)
}

// onTransfer runs read on its own goroutine each time an item changes owner,
// while the transfer's writer still holds the lock, and returns what it saw.
func onTransfer[T any](h *harness, read func() T) <-chan T {
	seen := make(chan T, 4)
	h.reg.Subscribe(func(_ context.Context, ev registry.Event) {
		if ev.Kind != registry.EventTransferred {
			return
		}
		go func() { seen <- read() }()
	})
	return seen
}

func TestReadsWaitForBuyToFinish(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	it := h.item(t, "alice")
	list, err := h.rec.List(ctx, "alice", it.ID, 50)
	require.NoError(t, err)
	h.confirm(t, list)
	listingID := list.Payload.ListingID

	type view struct {
		listing model.Listing
		item    model.Item
	}
	seen := onTransfer(h, func() view {
		l, _ := h.rec.Listing(listingID)
		item, _ := h.rec.Item(it.ID)
		return view{l, item}
	})

	buy, err := h.rec.Buy(ctx, "bob", listingID)
	require.NoError(t, err)
	h.confirm(t, buy)

	select {
	case v := <-seen:
		assert.Equal(t, model.ListingSold, v.listing.Status)
		assert.Equal(t, "bob", v.item.Owner)
	case <-time.After(2 * time.Second):
		t.Fatal("reader never returned")
	}
}

func TestReadsWaitForAuctionSettlement(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	it := h.item(t, "seller")
	create, err := h.rec.CreateAuction(ctx, "seller", it.ID, 10, 3600)
	require.NoError(t, err)
	h.confirm(t, create)
	auctionID := create.Payload.AuctionID
	bid, err := h.rec.PlaceBid(ctx, "b1", auctionID, 15)
	require.NoError(t, err)
	h.confirm(t, bid)

	type view struct {
		auction model.Auction
		item    model.Item
	}
	seen := onTransfer(h, func() view {
		a, _ := h.rec.Auction(auctionID)
		item, _ := h.rec.Item(it.ID)
		return view{a, item}
	})

	h.clock.Advance(time.Hour)
	require.NoError(t, h.rec.Sweep(ctx))

	select {
	case v := <-seen:
		assert.Equal(t, model.AuctionSettled, v.auction.Status, "auction must not read as open once its item moved")
		assert.Equal(t, "b1", v.item.Owner)
	case <-time.After(2 * time.Second):
		t.Fatal("reader never returned")
	}
	assert.Equal(t, settlement.Stats{Items: 1}, h.rec.Stats())
}

func TestPriceBeyondLedgerRangeRefused(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	it := h.item(t, "alice")

	_, err := h.rec.List(ctx, "alice", it.ID, 18446744073759)
	assert.ErrorIs(t, err, model.ErrInvalidPrice)
	_, err = h.rec.CreateAuction(ctx, "alice", it.ID, model.MaxAmount+1, 3600)
	assert.ErrorIs(t, err, model.ErrInvalidPrice)

	assert.Empty(t, h.rec.Tracked(), "nothing reaches the ledger")
	assert.False(t, h.mkt.IsListed(it.ID))
	assert.False(t, h.auc.Escrow().IsEscrowed(it.ID))
}
