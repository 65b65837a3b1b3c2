// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (durable) and in-memory (for testing and
// development).
//
// The engine keeps authoritative state in memory and writes through to the
// store on every mutation; on startup each component hydrates from it. A
// confirmed intent's writes and its applied marker share one unit of work.
package store

import (
	"context"

	"github.com/nptmarket/settlement-engine/internal/model"
)

// Store is the persistence interface. Saves are upserts keyed by id.
type Store interface {
	// --- Items ---

	// SaveItem inserts or updates an item record.
	SaveItem(ctx context.Context, item *model.Item) error

	// ListItems returns every item ordered by mint serial.
	ListItems(ctx context.Context) ([]model.Item, error)

	// --- Listings ---

	// SaveListing inserts or updates a listing record.
	SaveListing(ctx context.Context, listing *model.Listing) error

	// ListListings returns every listing ordered by creation time.
	ListListings(ctx context.Context) ([]model.Listing, error)

	// --- Auctions ---

	// SaveAuction inserts or updates an auction record.
	SaveAuction(ctx context.Context, auction *model.Auction) error

	// ListAuctions returns every auction ordered by creation time.
	ListAuctions(ctx context.Context) ([]model.Auction, error)

	// --- Pending intents ---

	// SaveIntent inserts or updates an in-flight intent.
	SaveIntent(ctx context.Context, intent *model.PendingIntent) error

	// DeleteIntent removes an intent once it reaches a terminal status.
	DeleteIntent(ctx context.Context, id string) error

	// ListIntents returns every in-flight intent ordered by submission time.
	ListIntents(ctx context.Context) ([]model.PendingIntent, error)

	// --- Exactly-once bookkeeping ---

	// MarkApplied records that the confirmation for txRef has been applied.
	MarkApplied(ctx context.Context, txRef, intentID string) error

	// IsApplied reports whether txRef has already been applied.
	IsApplied(ctx context.Context, txRef string) (bool, error)

	// --- Units of work ---

	// Atomically runs fn so that every write made with the context passed to
	// fn commits together, or not at all when fn or the commit fails. Reads
	// inside fn see committed state. Nested calls join the outer unit.
	Atomically(ctx context.Context, fn func(ctx context.Context) error) error
}
