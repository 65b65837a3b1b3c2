package store

import (
	"context"
	"sort"
	"sync"

	"github.com/nptmarket/settlement-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	items    map[string]model.Item
	listings map[string]model.Listing
	auctions map[string]model.Auction
	intents  map[string]model.PendingIntent
	applied  map[string]string // txRef → intentID
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:    make(map[string]model.Item),
		listings: make(map[string]model.Listing),
		auctions: make(map[string]model.Auction),
		intents:  make(map[string]model.PendingIntent),
		applied:  make(map[string]string),
	}
}

// batch collects the writes of one unit of work until it commits.
type batch struct {
	ops []func()
}

type batchKey struct{}

// Atomically stages every write made with the context passed to fn and
// applies them under one lock acquisition once fn returns nil.
func (s *MemoryStore) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(batchKey{}).(*batch); ok {
		return fn(ctx)
	}
	b := &batch{}
	if err := fn(context.WithValue(ctx, batchKey{}, b)); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range b.ops {
		op()
	}
	return nil
}

// write runs op now, or stages it when ctx carries a unit of work. op must
// capture copies, not the caller's pointers.
func (s *MemoryStore) write(ctx context.Context, op func()) error {
	if b, ok := ctx.Value(batchKey{}).(*batch); ok {
		b.ops = append(b.ops, op)
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	op()
	return nil
}

func (s *MemoryStore) SaveItem(ctx context.Context, item *model.Item) error {
	it := *item
	return s.write(ctx, func() { s.items[it.ID] = it })
}

func (s *MemoryStore) ListItems(_ context.Context) ([]model.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]model.Item, 0, len(s.items))
	for _, it := range s.items {
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Serial < items[j].Serial })
	return items, nil
}

func (s *MemoryStore) SaveListing(ctx context.Context, l *model.Listing) error {
	listing := *l
	return s.write(ctx, func() { s.listings[listing.ID] = listing })
}

func (s *MemoryStore) ListListings(_ context.Context) ([]model.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	listings := make([]model.Listing, 0, len(s.listings))
	for _, l := range s.listings {
		listings = append(listings, l)
	}
	sort.Slice(listings, func(i, j int) bool { return listings[i].CreatedAt.Before(listings[j].CreatedAt) })
	return listings, nil
}

func (s *MemoryStore) SaveAuction(ctx context.Context, a *model.Auction) error {
	saved := *a
	if a.ClosedAt != nil {
		closed := *a.ClosedAt
		saved.ClosedAt = &closed
	}
	return s.write(ctx, func() { s.auctions[saved.ID] = saved })
}

func (s *MemoryStore) ListAuctions(_ context.Context) ([]model.Auction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auctions := make([]model.Auction, 0, len(s.auctions))
	for _, a := range s.auctions {
		auctions = append(auctions, a)
	}
	sort.Slice(auctions, func(i, j int) bool { return auctions[i].CreatedAt.Before(auctions[j].CreatedAt) })
	return auctions, nil
}

func (s *MemoryStore) SaveIntent(ctx context.Context, p *model.PendingIntent) error {
	intent := *p
	return s.write(ctx, func() { s.intents[intent.ID] = intent })
}

func (s *MemoryStore) DeleteIntent(ctx context.Context, id string) error {
	return s.write(ctx, func() { delete(s.intents, id) })
}

func (s *MemoryStore) ListIntents(_ context.Context) ([]model.PendingIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	intents := make([]model.PendingIntent, 0, len(s.intents))
	for _, p := range s.intents {
		intents = append(intents, p)
	}
	sort.Slice(intents, func(i, j int) bool { return intents[i].SubmittedAt.Before(intents[j].SubmittedAt) })
	return intents, nil
}

func (s *MemoryStore) MarkApplied(ctx context.Context, txRef, intentID string) error {
	return s.write(ctx, func() {
		if _, ok := s.applied[txRef]; !ok {
			s.applied[txRef] = intentID
		}
	})
}

func (s *MemoryStore) IsApplied(_ context.Context, txRef string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.applied[txRef]
	return ok, nil
}
