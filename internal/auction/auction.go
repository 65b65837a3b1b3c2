// Package auction implements time-boxed English auctions over escrowed items.
//
// An auction moves Open → {Settled, ExpiredUnsold, Cancelled}; every state
// other than Open is terminal. Expiry is evaluated against the clock on every
// read and write, and Sweep closes expired auctions idempotently.
package auction

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nptmarket/settlement-engine/internal/clock"
	"github.com/nptmarket/settlement-engine/internal/metrics"
	"github.com/nptmarket/settlement-engine/internal/model"
)

// Items is the registry capability the engine needs.
type Items interface {
	Get(itemID string) (model.Item, error)
	TransferOwner(ctx context.Context, itemID, from, to string) (model.Item, error)
}

// ListingChecker reports whether an item has an active or pending listing.
type ListingChecker interface {
	IsListed(itemID string) bool
}

// Store is the persistence the engine writes through to.
type Store interface {
	SaveAuction(ctx context.Context, a *model.Auction) error
	ListAuctions(ctx context.Context) ([]model.Auction, error)
}

// Config controls durations and rates.
type Config struct {
	Durations        []time.Duration
	AllowAnyDuration bool
	FeeRate          decimal.Decimal
	StartingBidRate  decimal.Decimal
}

// DefaultConfig allows 1h, 6h, 24h and 72h auctions with a 10% fee.
func DefaultConfig() Config {
	return Config{
		Durations:       []time.Duration{time.Hour, 6 * time.Hour, 24 * time.Hour, 72 * time.Hour},
		FeeRate:         decimal.RequireFromString("0.10"),
		StartingBidRate: decimal.RequireFromString("0.80"),
	}
}

// Closed is the outcome of one auction closed by a sweep.
type Closed struct {
	Auction model.Auction
	Effects []model.Effect
}

// Engine owns every auction.
type Engine struct {
	cfg      Config
	mu       sync.RWMutex
	auctions map[string]*model.Auction
	items    Items
	listings ListingChecker
	escrow   *Escrow
	store    Store
	clock    clock.Clock
}

// New creates an auction engine.
func New(cfg Config, items Items, listings ListingChecker, escrow *Escrow, st Store, clk clock.Clock) *Engine {
	return &Engine{
		cfg:      cfg,
		auctions: make(map[string]*model.Auction),
		items:    items,
		listings: listings,
		escrow:   escrow,
		store:    st,
		clock:    clk,
	}
}

// Escrow returns the engine's escrow book.
func (e *Engine) Escrow() *Escrow { return e.escrow }

// Load hydrates auctions from the store and re-escrows the open ones.
func (e *Engine) Load(ctx context.Context) error {
	auctions, err := e.store.ListAuctions(ctx)
	if err != nil {
		return fmt.Errorf("load auctions: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range auctions {
		a := auctions[i]
		e.auctions[a.ID] = &a
		if a.Status == model.AuctionOpen {
			if err := e.escrow.Hold(a.ItemID, a.ID); err != nil {
				return fmt.Errorf("load auction %s: %w", a.ID, err)
			}
		}
	}
	e.updateGauge()
	return nil
}

// SuggestedStartingBid is floor(value × startingBidRate), at least 1.
func (e *Engine) SuggestedStartingBid(value int64) int64 {
	p := decimal.NewFromInt(value).Mul(e.cfg.StartingBidRate).Floor().IntPart()
	return max(p, 1)
}

// SellerProceeds is floor(bid × (1 − feeRate)).
func (e *Engine) SellerProceeds(bid int64) int64 {
	return decimal.NewFromInt(bid).
		Mul(decimal.NewFromInt(1).Sub(e.cfg.FeeRate)).
		Floor().
		IntPart()
}

func (e *Engine) durationAllowed(seconds int64) bool {
	if seconds <= 0 {
		return false
	}
	if e.cfg.AllowAnyDuration {
		return true
	}
	return slices.Contains(e.cfg.Durations, time.Duration(seconds)*time.Second)
}

// --- Creation ---

// ValidateCreate checks that seller may auction itemID.
func (e *Engine) ValidateCreate(seller, itemID string, startingBid, durationSeconds int64) error {
	return e.checkCreate(seller, itemID, startingBid, durationSeconds, "")
}

// checkCreate validates creation; an escrow hold by holder is allowed.
func (e *Engine) checkCreate(seller, itemID string, startingBid, durationSeconds int64, holder string) error {
	if startingBid <= 0 {
		return model.ErrInvalidPrice
	}
	if startingBid > model.MaxAmount {
		return fmt.Errorf("starting bid %d above %d: %w", startingBid, model.MaxAmount, model.ErrInvalidPrice)
	}
	if !e.durationAllowed(durationSeconds) {
		return fmt.Errorf("duration %ds: %w", durationSeconds, model.ErrInvalidDuration)
	}
	it, err := e.items.Get(itemID)
	if err != nil {
		return err
	}
	if it.Owner != seller {
		return fmt.Errorf("auction item %s: %w", itemID, model.ErrNotOwned)
	}
	if e.listings.IsListed(itemID) {
		return fmt.Errorf("auction item %s: %w", itemID, model.ErrAlreadyListed)
	}
	if cur, ok := e.escrow.Holder(itemID); ok && cur != holder {
		return fmt.Errorf("auction item %s: %w", itemID, model.ErrEscrowed)
	}
	return nil
}

// Open creates an Open auction for a confirmed create-auction intent. holder
// is the escrow marker placed at submission; it passes to the auction.
func (e *Engine) Open(ctx context.Context, auctionID, seller, itemID string, startingBid, durationSeconds int64, holder string) (model.Auction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.auctions[auctionID]; exists {
		return model.Auction{}, fmt.Errorf("open auction %s: duplicate id: %w", auctionID, model.ErrEscrowed)
	}
	if err := e.checkCreate(seller, itemID, startingBid, durationSeconds, holder); err != nil {
		return model.Auction{}, err
	}
	if err := e.escrow.Move(itemID, holder, auctionID); err != nil {
		return model.Auction{}, err
	}

	a := &model.Auction{
		ID:              auctionID,
		ItemID:          itemID,
		Seller:          seller,
		StartingBid:     startingBid,
		CurrentBid:      startingBid,
		CreatedAt:       e.clock.Now(),
		DurationSeconds: durationSeconds,
		Status:          model.AuctionOpen,
	}
	if err := e.store.SaveAuction(ctx, a); err != nil {
		_ = e.escrow.Move(itemID, auctionID, holder)
		return model.Auction{}, err
	}
	e.auctions[a.ID] = a
	e.updateGauge()

	slog.Info("auction opened",
		"auction_id", a.ID,
		"item_id", itemID,
		"seller", seller,
		"starting_bid", startingBid,
		"duration_s", durationSeconds,
	)
	return *a, nil
}

// --- Bidding ---

// ValidateBid checks that bidder may bid amount on auctionID.
func (e *Engine) ValidateBid(bidder, auctionID string, amount, available int64) (model.Auction, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	a, ok := e.auctions[auctionID]
	if !ok {
		return model.Auction{}, fmt.Errorf("auction %s: %w", auctionID, model.ErrNotFound)
	}
	if err := checkBid(a, bidder, amount, e.clock.Now()); err != nil {
		return *a, err
	}
	if amount > available {
		return *a, fmt.Errorf("bid %d with %d available: %w", amount, available, model.ErrInsufficientFunds)
	}
	return *a, nil
}

func checkBid(a *model.Auction, bidder string, amount int64, at time.Time) error {
	if a.Terminal() || a.ExpiredAt(at) {
		return fmt.Errorf("bid on auction %s: %w", a.ID, model.ErrAuctionNotOpen)
	}
	if bidder == a.Seller {
		return fmt.Errorf("bid on auction %s: %w", a.ID, model.ErrSelfBid)
	}
	if amount <= a.CurrentBid {
		return fmt.Errorf("bid %d on auction %s (current %d): %w", amount, a.ID, a.CurrentBid, model.ErrBidTooLow)
	}
	if amount > model.MaxAmount {
		return fmt.Errorf("bid %d above %d: %w", amount, model.MaxAmount, model.ErrInvalidPrice)
	}
	return nil
}

// ApplyBid applies a bid the ledger confirmed at time at. Expiry is judged at
// at, so a bid confirmed before the deadline counts even if applied after it.
// When a previous leader is displaced, a BidRelease effect returns its funds.
func (e *Engine) ApplyBid(ctx context.Context, bidder, auctionID string, amount int64, at time.Time) (model.Auction, []model.Effect, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.auctions[auctionID]
	if !ok {
		return model.Auction{}, nil, fmt.Errorf("auction %s: %w", auctionID, model.ErrNotFound)
	}
	if err := checkBid(a, bidder, amount, at); err != nil {
		return *a, nil, err
	}

	prevBidder, prevBid := a.CurrentBidder, a.CurrentBid
	updated := *a
	updated.CurrentBid = amount
	updated.CurrentBidder = bidder
	updated.BidCount++
	if err := e.store.SaveAuction(ctx, &updated); err != nil {
		return *a, nil, err
	}
	*a = updated
	metrics.BidsAccepted.Inc()

	var effects []model.Effect
	if prevBidder != "" {
		effects = append(effects, model.Effect{
			Kind:         model.EffectBidRelease,
			Account:      prevBidder,
			Amount:       prevBid,
			Counterparty: bidder,
			ItemID:       a.ItemID,
			AuctionID:    a.ID,
		})
	}

	slog.Info("bid accepted",
		"auction_id", a.ID,
		"bidder", bidder,
		"amount", amount,
		"bid_count", a.BidCount,
		"released", prevBidder,
	)
	return *a, effects, nil
}

// --- Closing ---

// Sweep closes every open auction whose duration has elapsed. Auctions for
// which deferClose reports true are left open until a later sweep. Sweeping a
// terminal auction has no effect.
func (e *Engine) Sweep(ctx context.Context, deferClose func(auctionID string) bool) ([]Closed, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.clock.Now()
	var due []*model.Auction
	for _, a := range e.auctions {
		if a.Terminal() || !a.ExpiredAt(now) {
			continue
		}
		if deferClose != nil && deferClose(a.ID) {
			continue
		}
		due = append(due, a)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].EndsAt().Before(due[j].EndsAt()) })

	var (
		closed   []Closed
		firstErr error
	)
	for _, a := range due {
		c, err := e.closeLocked(ctx, a, now)
		if err != nil {
			slog.Error("auction close failed", "auction_id", a.ID, "err", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		closed = append(closed, c)
	}
	e.updateGauge()
	return closed, firstErr
}

func (e *Engine) closeLocked(ctx context.Context, a *model.Auction, now time.Time) (Closed, error) {
	updated := *a
	updated.ClosedAt = &now

	var effects []model.Effect
	if a.BidCount > 0 {
		if _, err := e.items.TransferOwner(ctx, a.ItemID, a.Seller, a.CurrentBidder); err != nil {
			return Closed{}, fmt.Errorf("settle auction %s: %w: %w", a.ID, model.ErrInvariantViolation, err)
		}
		updated.Status = model.AuctionSettled
		effects = append(effects, model.Effect{
			Kind:         model.EffectAuctionPayout,
			Account:      a.Seller,
			Amount:       e.SellerProceeds(a.CurrentBid),
			Counterparty: a.CurrentBidder,
			ItemID:       a.ItemID,
			AuctionID:    a.ID,
		})
	} else {
		updated.Status = model.AuctionExpiredUnsold
		effects = append(effects, model.Effect{
			Kind:      model.EffectEscrowRelease,
			Account:   a.Seller,
			ItemID:    a.ItemID,
			AuctionID: a.ID,
		})
	}

	if err := e.store.SaveAuction(ctx, &updated); err != nil {
		// The transfer has already committed; keep the in-memory state
		// consistent with the registry and let the next save catch up.
		slog.Error("auction close not persisted", "auction_id", a.ID, "err", err)
	}
	*a = updated
	e.escrow.Release(a.ItemID, a.ID)
	metrics.AuctionsClosed.WithLabelValues(string(updated.Status)).Inc()

	slog.Info("auction closed",
		"auction_id", a.ID,
		"status", updated.Status,
		"winner", a.CurrentBidder,
		"bid", a.CurrentBid,
		"bid_count", a.BidCount,
	)
	return Closed{Auction: *a, Effects: effects}, nil
}

// --- Cancelling ---

// ValidateCancel checks that seller may cancel auctionID.
func (e *Engine) ValidateCancel(seller, auctionID string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	a, ok := e.auctions[auctionID]
	if !ok {
		return fmt.Errorf("auction %s: %w", auctionID, model.ErrNotFound)
	}
	return checkCancel(a, seller, e.clock.Now())
}

func checkCancel(a *model.Auction, seller string, now time.Time) error {
	if a.Seller != seller {
		return fmt.Errorf("cancel auction %s: %w", a.ID, model.ErrNotOwned)
	}
	if a.Terminal() || a.ExpiredAt(now) {
		return fmt.Errorf("cancel auction %s: %w", a.ID, model.ErrAuctionNotOpen)
	}
	if a.BidCount > 0 {
		return fmt.Errorf("cancel auction %s: %w", a.ID, model.ErrHasBids)
	}
	return nil
}

// Cancel applies a confirmed cancellation and releases the escrow.
func (e *Engine) Cancel(ctx context.Context, seller, auctionID string) (model.Auction, []model.Effect, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	a, ok := e.auctions[auctionID]
	if !ok {
		return model.Auction{}, nil, fmt.Errorf("auction %s: %w", auctionID, model.ErrNotFound)
	}
	now := e.clock.Now()
	if err := checkCancel(a, seller, now); err != nil {
		return *a, nil, err
	}

	updated := *a
	updated.Status = model.AuctionCancelled
	updated.ClosedAt = &now
	if err := e.store.SaveAuction(ctx, &updated); err != nil {
		return *a, nil, err
	}
	*a = updated
	e.escrow.Release(a.ItemID, a.ID)
	e.updateGauge()
	metrics.AuctionsClosed.WithLabelValues(string(updated.Status)).Inc()

	slog.Info("auction cancelled", "auction_id", a.ID, "item_id", a.ItemID, "seller", seller)
	return *a, []model.Effect{{
		Kind:      model.EffectEscrowRelease,
		Account:   seller,
		ItemID:    a.ItemID,
		AuctionID: a.ID,
	}}, nil
}

// --- Queries ---

// Get returns a copy of the auction.
func (e *Engine) Get(auctionID string) (model.Auction, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	a, ok := e.auctions[auctionID]
	if !ok {
		return model.Auction{}, fmt.Errorf("auction %s: %w", auctionID, model.ErrNotFound)
	}
	return *a, nil
}

// Biddable reports whether the auction is open and not yet past its deadline.
func (e *Engine) Biddable(a model.Auction) bool {
	return !a.Terminal() && !a.ExpiredAt(e.clock.Now())
}

// TimeLeft returns the time remaining on a.
func (e *Engine) TimeLeft(a model.Auction) time.Duration {
	if a.Terminal() {
		return 0
	}
	return a.TimeLeft(e.clock.Now())
}

// OpenAuctions returns every open auction, soonest deadline first.
func (e *Engine) OpenAuctions() []model.Auction {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []model.Auction
	for _, a := range e.auctions {
		if a.Status == model.AuctionOpen {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndsAt().Before(out[j].EndsAt()) })
	return out
}

func (e *Engine) updateGauge() {
	n := 0
	for _, a := range e.auctions {
		if a.Status == model.AuctionOpen {
			n++
		}
	}
	metrics.OpenAuctions.Set(float64(n))
}
