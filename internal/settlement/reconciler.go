// Package settlement reconciles local state with the external ledger.
//
// Every user action becomes a PendingIntent. Submission validates it against
// current state, places local-only markers (listing reservations, escrow
// holds, in-flight commitments) and hands the instruction to the ledger. The
// authoritative mutation happens only in OnConfirmed, exactly once per ledger
// transaction reference. Rejections and timeouts discard the markers without
// touching authoritative state.
//
// All validations and applications run under a single writer lock. The lock
// is released while the ledger call is in flight, so no operation blocks on
// the ledger while holding it. Reads of items, listings and auctions go
// through the reconciler under the read side of the same lock, so they never
// observe a transition half applied.
//
// A confirmation's state writes, its applied marker and the removal of its
// stored intent commit in one store unit of work. After a crash the intent is
// either fully applied or replayed from the ledger, never both.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nptmarket/settlement-engine/internal/auction"
	"github.com/nptmarket/settlement-engine/internal/balance"
	"github.com/nptmarket/settlement-engine/internal/clock"
	"github.com/nptmarket/settlement-engine/internal/contract"
	"github.com/nptmarket/settlement-engine/internal/exposure"
	"github.com/nptmarket/settlement-engine/internal/ledger"
	"github.com/nptmarket/settlement-engine/internal/market"
	"github.com/nptmarket/settlement-engine/internal/metrics"
	"github.com/nptmarket/settlement-engine/internal/mining"
	"github.com/nptmarket/settlement-engine/internal/model"
	"github.com/nptmarket/settlement-engine/internal/registry"
)

// Store persists pending intents and applied transaction references.
// Atomically groups the writes made with the context it passes to fn,
// including those the components make while applying a confirmation.
type Store interface {
	SaveIntent(ctx context.Context, p *model.PendingIntent) error
	DeleteIntent(ctx context.Context, id string) error
	ListIntents(ctx context.Context) ([]model.PendingIntent, error)
	MarkApplied(ctx context.Context, txRef, intentID string) error
	IsApplied(ctx context.Context, txRef string) (bool, error)
	Atomically(ctx context.Context, fn func(ctx context.Context) error) error
}

// Notifier receives intent outcomes and authoritative state changes. Notify
// is called with the writer lock held and must not block.
type Notifier interface {
	Notify(n model.Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(model.Notification)

func (f NotifierFunc) Notify(n model.Notification) { f(n) }

// Config bounds how long intents are tracked.
type Config struct {
	// Timeout is how long a submitted intent may wait for confirmation
	// before it is reported as timed out.
	Timeout time.Duration

	// Retention is how long a timed-out intent stays eligible for a late
	// confirmation.
	Retention time.Duration
}

// Deps are the components the reconciler drives.
type Deps struct {
	Gateway  ledger.Gateway
	Balances balance.Cache
	Limiter  *exposure.Limiter
	Registry *registry.Registry
	Miner    *mining.Engine
	Market   *market.Market
	Auctions *auction.Engine
	Store    Store
	Notifier Notifier
	Clock    clock.Clock
}

// Reconciler is the sole writer of authoritative state.
type Reconciler struct {
	cfg Config
	Deps

	mu      sync.RWMutex
	pending map[string]*model.PendingIntent
	byRef   map[string]string // txRef → intentID
	unsaved map[string]string // txRef → intentID, applied but not committed
}

// New creates a reconciler.
func New(cfg Config, deps Deps) *Reconciler {
	if deps.Notifier == nil {
		deps.Notifier = NotifierFunc(func(model.Notification) {})
	}
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	return &Reconciler{
		cfg:     cfg,
		Deps:    deps,
		pending: make(map[string]*model.PendingIntent),
		byRef:   make(map[string]string),
		unsaved: make(map[string]string),
	}
}

// --- Intent-producing operations ---

// Mine submits a mine intent staking stake units.
func (r *Reconciler) Mine(ctx context.Context, account string, stake int64) (model.PendingIntent, error) {
	return r.submit(ctx, model.IntentMine, account, true, func(p *model.PendingIntent, available int64) error {
		clamped, err := r.Miner.Prepare(stake, available)
		if err != nil {
			return err
		}
		p.Payload.Stake = clamped
		return nil
	})
}

// List submits a fixed-price listing of itemID.
func (r *Reconciler) List(ctx context.Context, account, itemID string, price int64) (model.PendingIntent, error) {
	return r.submit(ctx, model.IntentList, account, false, func(p *model.PendingIntent, _ int64) error {
		if err := r.Market.ValidateList(account, itemID, price); err != nil {
			return err
		}
		p.Payload.ListingID = uuid.NewString()
		p.Payload.ItemID = itemID
		p.Payload.Price = price
		return nil
	})
}

// Buy submits a purchase of listingID.
func (r *Reconciler) Buy(ctx context.Context, account, listingID string) (model.PendingIntent, error) {
	return r.submit(ctx, model.IntentBuy, account, true, func(p *model.PendingIntent, available int64) error {
		l, err := r.Market.ValidateBuy(account, listingID, available)
		if err != nil {
			return err
		}
		p.Payload.ListingID = l.ID
		p.Payload.ItemID = l.ItemID
		p.Payload.Price = l.Price
		return nil
	})
}

// CancelListing submits the withdrawal of an active listing.
func (r *Reconciler) CancelListing(ctx context.Context, account, listingID string) (model.PendingIntent, error) {
	return r.submit(ctx, model.IntentCancelListing, account, false, func(p *model.PendingIntent, _ int64) error {
		if err := r.Market.ValidateCancel(account, listingID); err != nil {
			return err
		}
		l, _ := r.Market.Get(listingID)
		p.Payload.ListingID = listingID
		p.Payload.ItemID = l.ItemID
		return nil
	})
}

// CreateAuction submits an auction of itemID. The item is escrowed for the
// intent until it confirms, is rejected or times out.
func (r *Reconciler) CreateAuction(ctx context.Context, account, itemID string, startingBid, durationSeconds int64) (model.PendingIntent, error) {
	return r.submit(ctx, model.IntentCreateAuction, account, false, func(p *model.PendingIntent, _ int64) error {
		if err := r.Auctions.ValidateCreate(account, itemID, startingBid, durationSeconds); err != nil {
			return err
		}
		p.Payload.AuctionID = uuid.NewString()
		p.Payload.ItemID = itemID
		p.Payload.Price = startingBid
		p.Payload.DurationSeconds = durationSeconds
		return nil
	})
}

// PlaceBid submits a bid of amount on auctionID.
func (r *Reconciler) PlaceBid(ctx context.Context, account, auctionID string, amount int64) (model.PendingIntent, error) {
	return r.submit(ctx, model.IntentBid, account, true, func(p *model.PendingIntent, available int64) error {
		a, err := r.Auctions.ValidateBid(account, auctionID, amount, available)
		if err != nil {
			return err
		}
		p.Payload.AuctionID = auctionID
		p.Payload.ItemID = a.ItemID
		p.Payload.Amount = amount
		return nil
	})
}

// CancelAuction submits the cancellation of an auction without bids.
func (r *Reconciler) CancelAuction(ctx context.Context, account, auctionID string) (model.PendingIntent, error) {
	return r.submit(ctx, model.IntentCancelAuction, account, false, func(p *model.PendingIntent, _ int64) error {
		if err := r.Auctions.ValidateCancel(account, auctionID); err != nil {
			return err
		}
		a, _ := r.Auctions.Get(auctionID)
		p.Payload.AuctionID = auctionID
		p.Payload.ItemID = a.ItemID
		return nil
	})
}

// submit validates an intent under the writer lock, places its markers and
// hands it to the ledger with the lock released. prepare fills the payload;
// available is the cached balance less in-flight commitments.
func (r *Reconciler) submit(
	ctx context.Context,
	kind model.IntentKind,
	account string,
	needsFunds bool,
	prepare func(p *model.PendingIntent, available int64) error,
) (model.PendingIntent, error) {
	if account == "" {
		return model.PendingIntent{}, model.ErrInvalidAccount
	}

	var bal model.Balance
	if needsFunds {
		var err error
		if bal, err = r.Balances.Get(ctx, account); err != nil {
			return model.PendingIntent{}, err
		}
	}

	r.mu.Lock()
	now := r.Clock.Now()
	p := &model.PendingIntent{
		ID:          uuid.NewString(),
		Kind:        kind,
		Account:     account,
		SubmittedAt: now,
		Status:      model.IntentSubmitted,
		UpdatedAt:   now,
	}
	available := r.Limiter.Available(account, bal.Amount)
	if err := prepare(p, available); err != nil {
		r.mu.Unlock()
		return model.PendingIntent{}, err
	}
	if needsFunds {
		if err := r.Limiter.CheckLimit(account, bal.Amount, p.Commitment()); err != nil {
			r.mu.Unlock()
			return model.PendingIntent{}, fmt.Errorf("%s: %w", kind, err)
		}
	}
	if err := r.acquire(p); err != nil {
		r.mu.Unlock()
		return model.PendingIntent{}, err
	}
	if err := r.Store.SaveIntent(ctx, p); err != nil {
		r.release(p)
		r.mu.Unlock()
		return model.PendingIntent{}, fmt.Errorf("persist intent: %w", err)
	}
	r.pending[p.ID] = p
	r.mu.Unlock()

	ref, err := r.send(ctx, p)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.drop(ctx, p)
		slog.Warn("intent submission failed", "intent_id", p.ID, "kind", kind, "account", account, "err", err)
		metrics.IntentsTotal.WithLabelValues(string(kind), "submit_failed").Inc()
		return model.PendingIntent{}, fmt.Errorf("submit %s: %w", kind, err)
	}

	p.TxRef = ref
	p.UpdatedAt = r.Clock.Now()
	r.byRef[ref] = p.ID
	if err := r.Store.SaveIntent(ctx, p); err != nil {
		slog.Error("intent tx ref not persisted", "intent_id", p.ID, "tx_ref", ref, "err", err)
	}
	metrics.IntentsTotal.WithLabelValues(string(kind), string(model.IntentSubmitted)).Inc()
	r.updateGauge()

	slog.Info("intent submitted", "intent_id", p.ID, "kind", kind, "account", account, "tx_ref", ref)
	r.notify(p, model.NotifyIntentSubmitted, nil)
	return *p, nil
}

func (r *Reconciler) send(ctx context.Context, p *model.PendingIntent) (string, error) {
	ins, err := contract.Build(p.Kind, p.Payload)
	if err != nil {
		return "", err
	}
	return r.Gateway.SubmitTransaction(ledger.WithSender(ctx, p.Account), ins.Function, ins.Args)
}

// --- Local markers ---

func escrowHolder(intentID string) string { return "intent:" + intentID }

// acquire places the intent's local-only markers.
func (r *Reconciler) acquire(p *model.PendingIntent) error {
	switch p.Kind {
	case model.IntentList:
		if err := r.Market.Reserve(p.Payload.ItemID, p.ID); err != nil {
			return err
		}
	case model.IntentCreateAuction:
		if err := r.Auctions.Escrow().Hold(p.Payload.ItemID, escrowHolder(p.ID)); err != nil {
			return err
		}
	}
	r.Limiter.Reserve(p.Account, p.ID, p.Commitment())
	return nil
}

// release reverts the intent's local-only markers. Markers already handed
// on to authoritative state are left alone.
func (r *Reconciler) release(p *model.PendingIntent) {
	switch p.Kind {
	case model.IntentList:
		r.Market.Release(p.Payload.ItemID, p.ID)
	case model.IntentCreateAuction:
		r.Auctions.Escrow().Release(p.Payload.ItemID, escrowHolder(p.ID))
	}
	r.Limiter.Release(p.ID)
}

// drop forgets the intent entirely.
func (r *Reconciler) drop(ctx context.Context, p *model.PendingIntent) {
	r.forget(p)
	if err := r.Store.DeleteIntent(ctx, p.ID); err != nil {
		slog.Error("intent delete not persisted", "intent_id", p.ID, "err", err)
	}
}

// forget drops the intent from memory only.
func (r *Reconciler) forget(p *model.PendingIntent) {
	r.release(p)
	delete(r.pending, p.ID)
	if p.TxRef != "" {
		delete(r.byRef, p.TxRef)
	}
	r.updateGauge()
}

// --- Ledger outcomes ---

// OnConfirmed applies the mutation of a confirmed intent. A confirmation for
// a transaction reference that was already applied is a no-op. A
// confirmation that contradicts current state fails with
// ErrInvariantViolation and the intent is dropped.
func (r *Reconciler) OnConfirmed(ctx context.Context, intentID string, res ledger.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[intentID]
	if ok && res.TxRef == "" {
		res.TxRef = p.TxRef
	}
	if res.TxRef != "" {
		if _, ok := r.unsaved[res.TxRef]; ok {
			slog.Debug("duplicate confirmation ignored", "intent_id", intentID, "tx_ref", res.TxRef)
			return nil
		}
		applied, err := r.Store.IsApplied(ctx, res.TxRef)
		if err != nil {
			return fmt.Errorf("check applied %s: %w", res.TxRef, err)
		}
		if applied {
			slog.Debug("duplicate confirmation ignored", "intent_id", intentID, "tx_ref", res.TxRef)
			return nil
		}
	}
	if !ok {
		return fmt.Errorf("intent %s: %w", intentID, model.ErrNotFound)
	}
	if res.ConfirmedAt.IsZero() {
		res.ConfirmedAt = r.Clock.Now()
	}

	late := p.Status == model.IntentTimedOut
	if late {
		slog.Warn("late confirmation", "intent_id", p.ID, "kind", p.Kind, "tx_ref", res.TxRef,
			"age", res.ConfirmedAt.Sub(p.SubmittedAt))
	}

	var (
		note     model.Notification
		applyErr error
	)
	err := r.Store.Atomically(ctx, func(ctx context.Context) error {
		note, applyErr = r.apply(ctx, p, res.ConfirmedAt, late)
		if applyErr != nil {
			return applyErr
		}
		if res.TxRef != "" {
			if err := r.Store.MarkApplied(ctx, res.TxRef, p.ID); err != nil {
				return fmt.Errorf("mark %s applied: %w", res.TxRef, err)
			}
		}
		if err := r.Store.DeleteIntent(ctx, p.ID); err != nil {
			return fmt.Errorf("delete intent %s: %w", p.ID, err)
		}
		return nil
	})
	if applyErr != nil {
		err = applyErr
		if !model.IsValidation(err) && !model.IsResource(err) && !model.IsInvariant(err) {
			// Storage failure: leave the intent in place for the next attempt.
			slog.Error("confirmation not applied", "intent_id", p.ID, "tx_ref", res.TxRef, "err", err)
			return err
		}
		if !model.IsInvariant(err) {
			err = fmt.Errorf("%w: confirmed %s contradicts state: %w", model.ErrInvariantViolation, p.Kind, err)
		}
		r.fault(ctx, p, res.TxRef, err)
		return err
	}
	if err != nil {
		// Memory holds the mutation but the store does not. The stored intent
		// is still there, so a restart replays it from the ledger.
		slog.Error("confirmation applied but not persisted", "intent_id", p.ID, "tx_ref", res.TxRef, "err", err)
		if res.TxRef != "" {
			r.unsaved[res.TxRef] = p.ID
		}
	}
	r.forget(p)
	p.Status = model.IntentConfirmed
	p.UpdatedAt = r.Clock.Now()

	r.invalidate(ctx, p.Account, note.Effects)
	metrics.IntentsTotal.WithLabelValues(string(p.Kind), string(model.IntentConfirmed)).Inc()
	metrics.SettlementLatency.WithLabelValues(string(p.Kind)).Observe(res.ConfirmedAt.Sub(p.SubmittedAt).Seconds())

	slog.Info("intent confirmed", "intent_id", p.ID, "kind", p.Kind, "account", p.Account, "tx_ref", res.TxRef)
	note.Type = model.NotifyIntentConfirmed
	r.fill(&note, p)
	r.Notifier.Notify(note)
	return nil
}

// apply performs the authoritative mutation for p. A late confirmation first
// re-acquires the markers released at timeout; failing to do so means the
// intent has been superseded.
func (r *Reconciler) apply(ctx context.Context, p *model.PendingIntent, at time.Time, late bool) (model.Notification, error) {
	var note model.Notification
	pl := p.Payload

	if late {
		switch p.Kind {
		case model.IntentList:
			if err := r.Market.Reserve(pl.ItemID, p.ID); err != nil {
				return note, fmt.Errorf("%w: superseded: %w", model.ErrInvariantViolation, err)
			}
		case model.IntentCreateAuction:
			if err := r.Auctions.Escrow().Hold(pl.ItemID, escrowHolder(p.ID)); err != nil {
				return note, fmt.Errorf("%w: superseded: %w", model.ErrInvariantViolation, err)
			}
		}
	}

	switch p.Kind {
	case model.IntentMine:
		it, err := r.Miner.Mint(ctx, p.Account, pl.Stake)
		if err != nil {
			return note, err
		}
		metrics.ItemsMinted.WithLabelValues(string(it.Rarity)).Inc()
		note.Item = &it

	case model.IntentList:
		l, err := r.Market.Open(ctx, pl.ListingID, p.Account, pl.ItemID, pl.Price, p.ID)
		if err != nil {
			return note, err
		}
		note.Listing = &l

	case model.IntentBuy:
		l, effects, err := r.Market.Buy(ctx, p.Account, pl.ListingID)
		if err != nil {
			return note, err
		}
		note.Listing = &l
		note.Effects = effects
		if it, err := r.Registry.Get(l.ItemID); err == nil {
			note.Item = &it
		}

	case model.IntentCancelListing:
		l, err := r.Market.Cancel(ctx, p.Account, pl.ListingID)
		if err != nil {
			return note, err
		}
		note.Listing = &l

	case model.IntentCreateAuction:
		a, err := r.Auctions.Open(ctx, pl.AuctionID, p.Account, pl.ItemID, pl.Price, pl.DurationSeconds, escrowHolder(p.ID))
		if err != nil {
			return note, err
		}
		note.Auction = &a

	case model.IntentBid:
		a, effects, err := r.Auctions.ApplyBid(ctx, p.Account, pl.AuctionID, pl.Amount, at)
		if err != nil {
			return note, err
		}
		note.Auction = &a
		note.Effects = effects

	case model.IntentCancelAuction:
		a, effects, err := r.Auctions.Cancel(ctx, p.Account, pl.AuctionID)
		if err != nil {
			return note, err
		}
		note.Auction = &a
		note.Effects = effects

	default:
		return note, fmt.Errorf("%w: unknown intent kind %q", model.ErrInvariantViolation, p.Kind)
	}
	return note, nil
}

// fault records a confirmation that could not be applied. The reference is
// marked applied so it is never retried.
func (r *Reconciler) fault(ctx context.Context, p *model.PendingIntent, txRef string, cause error) {
	metrics.InvariantViolations.WithLabelValues(string(p.Kind)).Inc()
	slog.Error("invariant violation",
		"intent_id", p.ID,
		"kind", p.Kind,
		"account", p.Account,
		"tx_ref", txRef,
		"err", cause,
	)
	err := r.Store.Atomically(ctx, func(ctx context.Context) error {
		if txRef != "" {
			if err := r.Store.MarkApplied(ctx, txRef, p.ID); err != nil {
				return err
			}
		}
		return r.Store.DeleteIntent(ctx, p.ID)
	})
	if err != nil {
		slog.Error("faulted intent not persisted", "intent_id", p.ID, "tx_ref", txRef, "err", err)
		if txRef != "" {
			r.unsaved[txRef] = p.ID
		}
	}
	r.forget(p)
	r.Balances.Invalidate(ctx, p.Account)
	metrics.IntentsTotal.WithLabelValues(string(p.Kind), "faulted").Inc()

	note := model.Notification{Type: model.NotifyIntentFaulted, Error: cause.Error()}
	r.fill(&note, p)
	r.Notifier.Notify(note)
}

// OnRejected discards a rejected intent and reverts its markers.
func (r *Reconciler) OnRejected(ctx context.Context, intentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[intentID]
	if !ok {
		return fmt.Errorf("intent %s: %w", intentID, model.ErrNotFound)
	}
	r.drop(ctx, p)
	p.Status = model.IntentRejected
	p.UpdatedAt = r.Clock.Now()
	r.Balances.Invalidate(ctx, p.Account)
	metrics.IntentsTotal.WithLabelValues(string(p.Kind), string(model.IntentRejected)).Inc()

	slog.Info("intent rejected", "intent_id", p.ID, "kind", p.Kind, "account", p.Account, "tx_ref", p.TxRef)
	r.notify(p, model.NotifyIntentRejected, model.ErrRejected)
	return nil
}

// OnTimedOut reports a submitted intent as timed out and reverts its markers.
// The record is kept so that a late confirmation can still be applied.
func (r *Reconciler) OnTimedOut(ctx context.Context, intentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[intentID]
	if !ok {
		return fmt.Errorf("intent %s: %w", intentID, model.ErrNotFound)
	}
	r.timeout(ctx, p)
	return nil
}

func (r *Reconciler) timeout(ctx context.Context, p *model.PendingIntent) {
	if p.Status != model.IntentSubmitted {
		return
	}
	r.release(p)
	p.Status = model.IntentTimedOut
	p.UpdatedAt = r.Clock.Now()
	if err := r.Store.SaveIntent(ctx, p); err != nil {
		slog.Error("intent timeout not persisted", "intent_id", p.ID, "err", err)
	}
	metrics.IntentsTotal.WithLabelValues(string(p.Kind), string(model.IntentTimedOut)).Inc()
	r.updateGauge()

	slog.Warn("intent timed out", "intent_id", p.ID, "kind", p.Kind, "account", p.Account, "tx_ref", p.TxRef)
	r.notify(p, model.NotifyIntentTimedOut, model.ErrTimedOut)
}

// Abandon gives up waiting on a submitted intent. It is reported as timed out
// at once and stays eligible for a late confirmation.
func (r *Reconciler) Abandon(ctx context.Context, account, intentID string) (model.PendingIntent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[intentID]
	if !ok || p.Account != account {
		return model.PendingIntent{}, fmt.Errorf("intent %s: %w", intentID, model.ErrNotFound)
	}
	switch p.Status {
	case model.IntentTimedOut:
	case model.IntentSubmitted:
		r.timeout(ctx, p)
	default:
		return *p, fmt.Errorf("abandon intent %s (%s): %w", intentID, p.Status, model.ErrIntentNotTerminal)
	}
	return *p, nil
}

// ExpireStale times out submitted intents older than the timeout and forgets
// timed-out intents older than the retention period.
func (r *Reconciler) ExpireStale(ctx context.Context) (timedOut, forgotten int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.Clock.Now()
	for _, p := range r.sorted() {
		switch {
		case p.Status == model.IntentSubmitted && r.cfg.Timeout > 0 && now.Sub(p.SubmittedAt) >= r.cfg.Timeout:
			r.timeout(ctx, p)
			timedOut++
		case p.Status == model.IntentTimedOut && r.cfg.Retention > 0 && now.Sub(p.UpdatedAt) >= r.cfg.Retention:
			slog.Info("timed-out intent forgotten", "intent_id", p.ID, "tx_ref", p.TxRef)
			r.drop(ctx, p)
			forgotten++
		}
	}
	return timedOut, forgotten
}

// Sweep closes expired auctions. Auctions with a bid still awaiting
// confirmation stay open until that bid resolves.
func (r *Reconciler) Sweep(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Closes share one unit of work. A close that fails leaves no writes,
	// so the others still commit.
	var (
		closed   []auction.Closed
		sweepErr error
	)
	err := r.Store.Atomically(ctx, func(ctx context.Context) error {
		closed, sweepErr = r.Auctions.Sweep(ctx, r.hasPendingBid)
		return nil
	})
	if err != nil {
		// A restart reloads these auctions as open and closes them again.
		slog.Error("auction closes not persisted", "count", len(closed), "err", err)
	}
	for _, c := range closed {
		a := c.Auction
		r.invalidate(ctx, a.Seller, c.Effects)
		note := model.Notification{
			Type:      model.NotifyAuctionClosed,
			Account:   a.Seller,
			Effects:   c.Effects,
			Auction:   &a,
			Timestamp: r.Clock.Now(),
		}
		if it, err := r.Registry.Get(a.ItemID); err == nil {
			note.Item = &it
		}
		r.Notifier.Notify(note)
	}
	if sweepErr != nil {
		if model.IsInvariant(sweepErr) {
			metrics.InvariantViolations.WithLabelValues("auction_close").Inc()
		}
		return sweepErr
	}
	return err
}

// hasPendingBid must be called with r.mu held.
func (r *Reconciler) hasPendingBid(auctionID string) bool {
	for _, p := range r.pending {
		if p.Kind == model.IntentBid && p.Status == model.IntentSubmitted && p.Payload.AuctionID == auctionID {
			return true
		}
	}
	return false
}

// Hydrate restores tracked intents from the store and re-places the markers
// of those still awaiting confirmation. Intents persisted before the ledger
// returned a reference cannot be reconciled and are discarded. Components
// must be loaded first.
func (r *Reconciler) Hydrate(ctx context.Context) error {
	intents, err := r.Store.ListIntents(ctx)
	if err != nil {
		return fmt.Errorf("load intents: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range intents {
		p := intents[i]
		if p.TxRef == "" {
			slog.Warn("discarding intent without tx ref", "intent_id", p.ID, "kind", p.Kind)
			if err := r.Store.DeleteIntent(ctx, p.ID); err != nil {
				return err
			}
			continue
		}
		if p.Status == model.IntentSubmitted {
			if err := r.acquire(&p); err != nil {
				slog.Error("intent markers not restored", "intent_id", p.ID, "err", err)
			}
		}
		r.pending[p.ID] = &p
		r.byRef[p.TxRef] = p.ID
	}
	r.updateGauge()
	slog.Info("intents hydrated", "count", len(r.pending))
	return nil
}

// --- Queries ---

// Get returns a tracked intent.
func (r *Reconciler) Get(intentID string) (model.PendingIntent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pending[intentID]
	if !ok {
		return model.PendingIntent{}, fmt.Errorf("intent %s: %w", intentID, model.ErrNotFound)
	}
	return *p, nil
}

// IntentFor returns the intent tracking txRef.
func (r *Reconciler) IntentFor(txRef string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byRef[txRef]
	return id, ok
}

// Tracked returns every intent with a ledger reference, oldest first.
func (r *Reconciler) Tracked() []model.PendingIntent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.PendingIntent, 0, len(r.pending))
	for _, p := range r.sorted() {
		if p.TxRef != "" {
			out = append(out, *p)
		}
	}
	return out
}

// Available returns account's cached balance less in-flight commitments.
func (r *Reconciler) Available(ctx context.Context, account string) (model.Balance, int64, error) {
	b, err := r.Balances.Get(ctx, account)
	if err != nil {
		return model.Balance{}, 0, err
	}
	return b, r.Limiter.Available(account, b.Amount), nil
}

// --- helpers ---

func (r *Reconciler) sorted() []*model.PendingIntent {
	out := make([]*model.PendingIntent, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

func (r *Reconciler) updateGauge() {
	n := 0
	for _, p := range r.pending {
		if p.Status == model.IntentSubmitted {
			n++
		}
	}
	metrics.PendingIntents.Set(float64(n))
}

func (r *Reconciler) invalidate(ctx context.Context, account string, effects []model.Effect) {
	r.Balances.Invalidate(ctx, account)
	for _, e := range effects {
		if e.Account != account {
			r.Balances.Invalidate(ctx, e.Account)
		}
	}
}

func (r *Reconciler) notify(p *model.PendingIntent, typ string, cause error) {
	n := model.Notification{Type: typ}
	if cause != nil {
		n.Error = cause.Error()
	}
	r.fill(&n, p)
	r.Notifier.Notify(n)
}

func (r *Reconciler) fill(n *model.Notification, p *model.PendingIntent) {
	n.IntentID = p.ID
	n.Kind = p.Kind
	n.Status = p.Status
	n.TxRef = p.TxRef
	n.Account = p.Account
	n.Timestamp = r.Clock.Now()
}
