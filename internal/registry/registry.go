// Package registry owns the canonical item records.
//
// The registry trusts its callers: preconditions are validated upstream by the
// marketplace and auction engines. The only check it performs itself is the
// compare-and-swap on the current owner during a transfer.
package registry

import (
	"context"
	"crypto/rand"
	"fmt"
	"iter"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/nptmarket/settlement-engine/internal/clock"
	"github.com/nptmarket/settlement-engine/internal/model"
)

// EventKind names a registry mutation.
type EventKind string

const (
	EventCreated     EventKind = "created"
	EventTransferred EventKind = "transferred"
)

// Event describes one committed mutation.
type Event struct {
	Kind          EventKind
	Item          model.Item
	PreviousOwner string // empty for EventCreated
}

// Listener receives events after the mutation is committed. Listeners run
// synchronously on the mutating goroutine with the mutation's context, so
// their own writes join the same unit of work. They must not call back into
// the registry's write methods.
type Listener func(ctx context.Context, ev Event)

// Store is the persistence the registry writes through to.
type Store interface {
	SaveItem(ctx context.Context, item *model.Item) error
	ListItems(ctx context.Context) ([]model.Item, error)
}

// Cosmetic carries the opaque display attributes of a new item. Title is
// suffixed with the mint serial to form the display name.
type Cosmetic struct {
	Emoji string
	Title string
}

// Registry holds every item ever minted. Items are never deleted.
type Registry struct {
	mu        sync.RWMutex
	items     map[string]*model.Item
	order     []string // item IDs in mint order; append-only
	serial    int64
	entropy   *ulid.MonotonicEntropy
	store     Store
	clock     clock.Clock
	listeners []Listener
}

// New creates an empty registry backed by st.
func New(st Store, clk clock.Clock) *Registry {
	return &Registry{
		items:   make(map[string]*model.Item),
		entropy: ulid.Monotonic(rand.Reader, 0),
		store:   st,
		clock:   clk,
	}
}

// Subscribe registers l for every future event.
func (r *Registry) Subscribe(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

// Load hydrates the registry from its store.
func (r *Registry) Load(ctx context.Context) error {
	items, err := r.store.ListItems(ctx)
	if err != nil {
		return fmt.Errorf("load items: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range items {
		it := items[i]
		if _, ok := r.items[it.ID]; ok {
			continue
		}
		r.items[it.ID] = &it
		r.order = append(r.order, it.ID)
		if it.Serial > r.serial {
			r.serial = it.Serial
		}
	}
	return nil
}

// Get returns a copy of the item.
func (r *Registry) Get(itemID string) (model.Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	it, ok := r.items[itemID]
	if !ok {
		return model.Item{}, fmt.Errorf("item %s: %w", itemID, model.ErrNotFound)
	}
	return *it, nil
}

// Create mints a new item for owner. Only the mining engine calls this.
func (r *Registry) Create(ctx context.Context, owner string, rarity model.Rarity, value int64, c Cosmetic) (model.Item, error) {
	if !rarity.Valid() {
		return model.Item{}, fmt.Errorf("create item: unknown rarity %q", rarity)
	}
	if value <= 0 {
		return model.Item{}, fmt.Errorf("create item: %w", model.ErrInvalidPrice)
	}

	r.mu.Lock()
	now := r.clock.Now()
	id, err := ulid.New(ulid.Timestamp(now), r.entropy)
	if err != nil {
		r.mu.Unlock()
		return model.Item{}, fmt.Errorf("create item id: %w", err)
	}
	serial := r.serial + 1
	it := &model.Item{
		ID:          id.String(),
		Owner:       owner,
		Rarity:      rarity,
		Value:       value,
		Emoji:       c.Emoji,
		DisplayName: fmt.Sprintf("%s #%d", c.Title, serial),
		Serial:      serial,
		MintedAt:    now,
	}
	if err := r.store.SaveItem(ctx, it); err != nil {
		r.mu.Unlock()
		return model.Item{}, err
	}
	r.serial = serial
	r.items[it.ID] = it
	r.order = append(r.order, it.ID)
	snapshot := *it
	listeners := r.listeners
	r.mu.Unlock()

	emit(ctx, listeners, Event{Kind: EventCreated, Item: snapshot})
	return snapshot, nil
}

// TransferOwner moves itemID from `from` to `to`. It fails with ErrNotOwned
// when the current owner is not `from`.
func (r *Registry) TransferOwner(ctx context.Context, itemID, from, to string) (model.Item, error) {
	r.mu.Lock()
	it, ok := r.items[itemID]
	if !ok {
		r.mu.Unlock()
		return model.Item{}, fmt.Errorf("transfer item %s: %w", itemID, model.ErrNotFound)
	}
	if it.Owner != from {
		r.mu.Unlock()
		return model.Item{}, fmt.Errorf("transfer item %s from %s (owner %s): %w",
			itemID, from, it.Owner, model.ErrNotOwned)
	}

	updated := *it
	updated.Owner = to
	if err := r.store.SaveItem(ctx, &updated); err != nil {
		r.mu.Unlock()
		return model.Item{}, err
	}
	*it = updated
	listeners := r.listeners
	r.mu.Unlock()

	emit(ctx, listeners, Event{Kind: EventTransferred, Item: updated, PreviousOwner: from})
	return updated, nil
}

// ListByOwner returns a lazy sequence of owner's items in mint order. The
// sequence covers items minted before the call and may be ranged over again.
func (r *Registry) ListByOwner(owner string) iter.Seq[model.Item] {
	return func(yield func(model.Item) bool) {
		r.mu.RLock()
		n := len(r.order)
		r.mu.RUnlock()

		for i := 0; i < n; i++ {
			r.mu.RLock()
			it := *r.items[r.order[i]]
			r.mu.RUnlock()

			if it.Owner != owner {
				continue
			}
			if !yield(it) {
				return
			}
		}
	}
}

// Portfolio aggregates owner's holdings.
func (r *Registry) Portfolio(owner string) model.Portfolio {
	p := model.Portfolio{Owner: owner, Items: []model.Item{}}
	for it := range r.ListByOwner(owner) {
		p.Items = append(p.Items, it)
		p.TotalItems++
		p.TotalValue += it.Value
		if it.Rarity != model.RarityCommon {
			p.RareCount++
		}
	}
	return p
}

// Count returns the number of minted items.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func emit(ctx context.Context, listeners []Listener, ev Event) {
	for _, l := range listeners {
		l(ctx, ev)
	}
}
