// Package market implements the fixed-price listing lifecycle.
//
// Validate* methods are side-effect free pre-checks run before an intent is
// submitted. Open, Buy and Cancel apply confirmed transitions; they re-check
// their preconditions against current state and return the same validation
// errors when those no longer hold.
package market

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/nptmarket/settlement-engine/internal/clock"
	"github.com/nptmarket/settlement-engine/internal/metrics"
	"github.com/nptmarket/settlement-engine/internal/model"
	"github.com/nptmarket/settlement-engine/internal/registry"
)

// Items is the registry capability the market needs.
type Items interface {
	Get(itemID string) (model.Item, error)
	TransferOwner(ctx context.Context, itemID, from, to string) (model.Item, error)
	Subscribe(l registry.Listener)
}

// EscrowChecker reports whether an item is held by an auction or a pending
// create-auction intent.
type EscrowChecker interface {
	IsEscrowed(itemID string) bool
}

// Store is the persistence the market writes through to.
type Store interface {
	SaveListing(ctx context.Context, listing *model.Listing) error
	ListListings(ctx context.Context) ([]model.Listing, error)
}

// Config holds the marketplace rates.
type Config struct {
	// FeeRate is the protocol share withheld from the seller on a sale.
	FeeRate decimal.Decimal

	// ListPriceRate scales an item's value into a suggested list price.
	ListPriceRate decimal.Decimal
}

// DefaultConfig is a 10% fee and a suggested price of 90% of value.
func DefaultConfig() Config {
	return Config{
		FeeRate:       decimal.RequireFromString("0.10"),
		ListPriceRate: decimal.RequireFromString("0.90"),
	}
}

// Market owns every listing. At most one listing per item is active, and at
// most one pending list intent per item holds a reservation.
type Market struct {
	cfg      Config
	mu       sync.RWMutex
	listings map[string]*model.Listing
	active   map[string]string // itemID → listingID
	reserved map[string]string // itemID → intentID
	items    Items
	escrow   EscrowChecker
	store    Store
	clock    clock.Clock
}

// New creates a market and subscribes it to registry ownership changes.
func New(cfg Config, items Items, escrow EscrowChecker, st Store, clk clock.Clock) *Market {
	m := &Market{
		cfg:      cfg,
		listings: make(map[string]*model.Listing),
		active:   make(map[string]string),
		reserved: make(map[string]string),
		items:    items,
		escrow:   escrow,
		store:    st,
		clock:    clk,
	}
	items.Subscribe(m.onItemEvent)
	return m
}

// Load hydrates listings from the store.
func (m *Market) Load(ctx context.Context) error {
	listings, err := m.store.ListListings(ctx)
	if err != nil {
		return fmt.Errorf("load listings: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range listings {
		l := listings[i]
		m.listings[l.ID] = &l
		if l.Status == model.ListingActive {
			m.active[l.ItemID] = l.ID
		}
	}
	metrics.ActiveListings.Set(float64(len(m.active)))
	return nil
}

// --- Quotes ---

// SellerProceeds is floor(price × (1 − feeRate)).
func (m *Market) SellerProceeds(price int64) int64 {
	return decimal.NewFromInt(price).
		Mul(decimal.NewFromInt(1).Sub(m.cfg.FeeRate)).
		Floor().
		IntPart()
}

// SuggestedPrice is floor(value × listPriceRate), at least 1.
func (m *Market) SuggestedPrice(value int64) int64 {
	p := decimal.NewFromInt(value).Mul(m.cfg.ListPriceRate).Floor().IntPart()
	return max(p, 1)
}

// --- Listing ---

// ValidateList checks that owner may list itemID at price.
func (m *Market) ValidateList(owner, itemID string, price int64) error {
	return m.checkList(owner, itemID, price, "")
}

// checkList validates a listing; a reservation held by intentID is allowed.
func (m *Market) checkList(owner, itemID string, price int64, intentID string) error {
	if price <= 0 {
		return model.ErrInvalidPrice
	}
	if price > model.MaxAmount {
		return fmt.Errorf("list price %d above %d: %w", price, model.MaxAmount, model.ErrInvalidPrice)
	}
	it, err := m.items.Get(itemID)
	if err != nil {
		return err
	}
	if it.Owner != owner {
		return fmt.Errorf("list item %s: %w", itemID, model.ErrNotOwned)
	}
	if m.escrow.IsEscrowed(itemID) {
		return fmt.Errorf("list item %s: %w", itemID, model.ErrEscrowed)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.active[itemID]; ok {
		return fmt.Errorf("list item %s: %w", itemID, model.ErrAlreadyListed)
	}
	if holder, ok := m.reserved[itemID]; ok && holder != intentID {
		return fmt.Errorf("list item %s: pending listing: %w", itemID, model.ErrAlreadyListed)
	}
	return nil
}

// Reserve marks itemID as having a pending list intent.
func (m *Market) Reserve(itemID, intentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if holder, ok := m.reserved[itemID]; ok && holder != intentID {
		return fmt.Errorf("reserve item %s: %w", itemID, model.ErrAlreadyListed)
	}
	m.reserved[itemID] = intentID
	return nil
}

// Release drops intentID's reservation on itemID, if it holds one.
func (m *Market) Release(itemID, intentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reserved[itemID] == intentID {
		delete(m.reserved, itemID)
	}
}

// IsListed reports whether itemID has an active listing or a pending one.
func (m *Market) IsListed(itemID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, active := m.active[itemID]
	_, reserved := m.reserved[itemID]
	return active || reserved
}

// Open creates an active listing for a confirmed list intent.
func (m *Market) Open(ctx context.Context, listingID, owner, itemID string, price int64, intentID string) (model.Listing, error) {
	if err := m.checkList(owner, itemID, price, intentID); err != nil {
		return model.Listing{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.listings[listingID]; exists {
		return model.Listing{}, fmt.Errorf("open listing %s: duplicate id: %w", listingID, model.ErrAlreadyListed)
	}
	now := m.clock.Now()
	l := &model.Listing{
		ID:        listingID,
		ItemID:    itemID,
		Seller:    owner,
		Price:     price,
		Status:    model.ListingActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.SaveListing(ctx, l); err != nil {
		return model.Listing{}, err
	}
	m.listings[l.ID] = l
	m.active[itemID] = l.ID
	if m.reserved[itemID] == intentID {
		delete(m.reserved, itemID)
	}
	metrics.ActiveListings.Set(float64(len(m.active)))

	slog.Info("listing opened", "listing_id", l.ID, "item_id", itemID, "seller", owner, "price", price)
	return *l, nil
}

// --- Buying ---

// ValidateBuy checks that buyer may buy listingID with available funds.
func (m *Market) ValidateBuy(buyer, listingID string, available int64) (model.Listing, error) {
	l, err := m.Get(listingID)
	if err != nil {
		return model.Listing{}, err
	}
	if l.Status != model.ListingActive {
		return l, fmt.Errorf("buy listing %s: %w", listingID, model.ErrListingNotActive)
	}
	if l.Seller == buyer {
		return l, fmt.Errorf("buy listing %s: %w", listingID, model.ErrSelfTrade)
	}
	if l.Price > available {
		return l, fmt.Errorf("buy listing %s at %d with %d available: %w",
			listingID, l.Price, available, model.ErrInsufficientFunds)
	}
	return l, nil
}

// Buy applies a confirmed purchase: the listing is marked sold and the item
// moves to the buyer. The returned effect credits the seller net of fees.
func (m *Market) Buy(ctx context.Context, buyer, listingID string) (model.Listing, []model.Effect, error) {
	m.mu.Lock()
	l, ok := m.listings[listingID]
	if !ok {
		m.mu.Unlock()
		return model.Listing{}, nil, fmt.Errorf("listing %s: %w", listingID, model.ErrNotFound)
	}
	if l.Status != model.ListingActive {
		m.mu.Unlock()
		return *l, nil, fmt.Errorf("buy listing %s: %w", listingID, model.ErrListingNotActive)
	}
	if l.Seller == buyer {
		m.mu.Unlock()
		return *l, nil, fmt.Errorf("buy listing %s: %w", listingID, model.ErrSelfTrade)
	}

	// Mark sold before the transfer so the ownership listener does not see a
	// live listing whose seller no longer owns the item.
	prev := *l
	sold := *l
	sold.Status = model.ListingSold
	sold.Buyer = buyer
	sold.UpdatedAt = m.clock.Now()
	if err := m.store.SaveListing(ctx, &sold); err != nil {
		m.mu.Unlock()
		return prev, nil, err
	}
	*l = sold
	delete(m.active, l.ItemID)
	m.mu.Unlock()

	if _, err := m.items.TransferOwner(ctx, sold.ItemID, sold.Seller, buyer); err != nil {
		m.mu.Lock()
		if serr := m.store.SaveListing(ctx, &prev); serr != nil {
			slog.Error("listing rollback not persisted", "listing_id", listingID, "err", serr)
		}
		*l = prev
		m.active[prev.ItemID] = prev.ID
		m.mu.Unlock()
		return prev, nil, err
	}

	m.mu.RLock()
	metrics.ActiveListings.Set(float64(len(m.active)))
	m.mu.RUnlock()

	effects := []model.Effect{{
		Kind:         model.EffectSellerCredit,
		Account:      sold.Seller,
		Amount:       m.SellerProceeds(sold.Price),
		Counterparty: buyer,
		ItemID:       sold.ItemID,
		ListingID:    sold.ID,
	}}

	slog.Info("listing sold",
		"listing_id", sold.ID,
		"item_id", sold.ItemID,
		"seller", sold.Seller,
		"buyer", buyer,
		"price", sold.Price,
		"seller_credit", effects[0].Amount,
	)
	return sold, effects, nil
}

// --- Cancelling ---

// ValidateCancel checks that owner may cancel listingID.
func (m *Market) ValidateCancel(owner, listingID string) error {
	l, err := m.Get(listingID)
	if err != nil {
		return err
	}
	return checkCancel(&l, owner)
}

func checkCancel(l *model.Listing, owner string) error {
	if l.Seller != owner {
		return fmt.Errorf("cancel listing %s: %w", l.ID, model.ErrNotOwned)
	}
	if l.Status != model.ListingActive {
		return fmt.Errorf("cancel listing %s: %w", l.ID, model.ErrListingNotActive)
	}
	return nil
}

// Cancel applies a confirmed cancellation.
func (m *Market) Cancel(ctx context.Context, owner, listingID string) (model.Listing, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.listings[listingID]
	if !ok {
		return model.Listing{}, fmt.Errorf("listing %s: %w", listingID, model.ErrNotFound)
	}
	if err := checkCancel(l, owner); err != nil {
		return *l, err
	}
	if err := m.cancelLocked(ctx, l); err != nil {
		return *l, err
	}
	slog.Info("listing cancelled", "listing_id", l.ID, "item_id", l.ItemID, "seller", owner)
	return *l, nil
}

func (m *Market) cancelLocked(ctx context.Context, l *model.Listing) error {
	cancelled := *l
	cancelled.Status = model.ListingCancelled
	cancelled.UpdatedAt = m.clock.Now()
	if err := m.store.SaveListing(ctx, &cancelled); err != nil {
		return err
	}
	*l = cancelled
	delete(m.active, l.ItemID)
	metrics.ActiveListings.Set(float64(len(m.active)))
	return nil
}

// onItemEvent cancels an active listing whose item changed owner through a
// path other than this listing's sale.
func (m *Market) onItemEvent(ctx context.Context, ev registry.Event) {
	if ev.Kind != registry.EventTransferred {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.active[ev.Item.ID]
	if !ok {
		return
	}
	l := m.listings[id]
	if l.Seller == ev.Item.Owner {
		return
	}
	if err := m.cancelLocked(ctx, l); err != nil {
		slog.Error("stale listing not cancelled", "listing_id", id, "item_id", ev.Item.ID, "err", err)
		return
	}
	slog.Warn("listing cancelled by ownership change",
		"listing_id", id, "item_id", ev.Item.ID, "new_owner", ev.Item.Owner)
}

// --- Queries ---

// Get returns a copy of the listing.
func (m *Market) Get(listingID string) (model.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.listings[listingID]
	if !ok {
		return model.Listing{}, fmt.Errorf("listing %s: %w", listingID, model.ErrNotFound)
	}
	return *l, nil
}

// Active returns every active listing, oldest first.
func (m *Market) Active() []model.Listing {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]model.Listing, 0, len(m.active))
	for _, id := range m.active {
		out = append(out, *m.listings[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// History returns every listing ever opened for itemID, oldest first.
func (m *Market) History(itemID string) []model.Listing {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := []model.Listing{}
	for _, l := range m.listings {
		if l.ItemID == itemID {
			out = append(out, *l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
