package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nptmarket/settlement-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the durable record.
// Amounts are stored as BIGINT whole units.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is the subset of pgxpool.Pool and pgx.Tx the store issues
// statements through.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txKey struct{}

// db returns the transaction carried by ctx, or the pool.
func (s *PostgresStore) db(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return tx
	}
	return s.pool
}

// Atomically runs fn inside one transaction. Statements issued with the
// context passed to fn join it; the transaction commits when fn returns nil
// and rolls back otherwise.
func (s *PostgresStore) Atomically(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(pgx.Tx); ok {
		return fn(ctx)
	}
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
	if err != nil {
		return fmt.Errorf("unit of work: %w", err)
	}
	return nil
}

// EnsureSchema creates the tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveItem(ctx context.Context, it *model.Item) error {
	_, err := s.db(ctx).Exec(ctx,
		`INSERT INTO items (id, owner, rarity, value, emoji, display_name, serial, minted_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET owner = EXCLUDED.owner`,
		it.ID, it.Owner, string(it.Rarity), it.Value,
		it.Emoji, it.DisplayName, it.Serial, it.MintedAt,
	)
	if err != nil {
		return fmt.Errorf("save item %s: %w", it.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListItems(ctx context.Context) ([]model.Item, error) {
	rows, err := s.db(ctx).Query(ctx,
		`SELECT id, owner, rarity, value, emoji, display_name, serial, minted_at
		 FROM items ORDER BY serial`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		var it model.Item
		var rarity string
		if err := rows.Scan(&it.ID, &it.Owner, &rarity, &it.Value,
			&it.Emoji, &it.DisplayName, &it.Serial, &it.MintedAt); err != nil {
			return nil, err
		}
		it.Rarity = model.Rarity(rarity)
		items = append(items, it)
	}
	return items, rows.Err()
}

func (s *PostgresStore) SaveListing(ctx context.Context, l *model.Listing) error {
	_, err := s.db(ctx).Exec(ctx,
		`INSERT INTO listings (id, item_id, seller, price, status, buyer, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status, buyer = EXCLUDED.buyer, updated_at = EXCLUDED.updated_at`,
		l.ID, l.ItemID, l.Seller, l.Price, string(l.Status), l.Buyer, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save listing %s: %w", l.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListListings(ctx context.Context) ([]model.Listing, error) {
	rows, err := s.db(ctx).Query(ctx,
		`SELECT id, item_id, seller, price, status, buyer, created_at, updated_at
		 FROM listings ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var listings []model.Listing
	for rows.Next() {
		var l model.Listing
		var status string
		if err := rows.Scan(&l.ID, &l.ItemID, &l.Seller, &l.Price,
			&status, &l.Buyer, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, err
		}
		l.Status = model.ListingStatus(status)
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

func (s *PostgresStore) SaveAuction(ctx context.Context, a *model.Auction) error {
	_, err := s.db(ctx).Exec(ctx,
		`INSERT INTO auctions (id, item_id, seller, starting_bid, current_bid, current_bidder,
		                       bid_count, created_at, duration_seconds, status, closed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE
		 SET current_bid = EXCLUDED.current_bid, current_bidder = EXCLUDED.current_bidder,
		     bid_count = EXCLUDED.bid_count, status = EXCLUDED.status, closed_at = EXCLUDED.closed_at`,
		a.ID, a.ItemID, a.Seller, a.StartingBid, a.CurrentBid, a.CurrentBidder,
		a.BidCount, a.CreatedAt, a.DurationSeconds, string(a.Status), a.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("save auction %s: %w", a.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListAuctions(ctx context.Context) ([]model.Auction, error) {
	rows, err := s.db(ctx).Query(ctx,
		`SELECT id, item_id, seller, starting_bid, current_bid, current_bidder,
		        bid_count, created_at, duration_seconds, status, closed_at
		 FROM auctions ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var auctions []model.Auction
	for rows.Next() {
		var a model.Auction
		var status string
		if err := rows.Scan(&a.ID, &a.ItemID, &a.Seller, &a.StartingBid, &a.CurrentBid,
			&a.CurrentBidder, &a.BidCount, &a.CreatedAt, &a.DurationSeconds,
			&status, &a.ClosedAt); err != nil {
			return nil, err
		}
		a.Status = model.AuctionStatus(status)
		auctions = append(auctions, a)
	}
	return auctions, rows.Err()
}

func (s *PostgresStore) SaveIntent(ctx context.Context, p *model.PendingIntent) error {
	payload, err := json.Marshal(p.Payload)
	if err != nil {
		return fmt.Errorf("encode intent payload: %w", err)
	}
	_, err = s.db(ctx).Exec(ctx,
		`INSERT INTO pending_intents (id, kind, account, payload, submitted_at, tx_ref, status, updated_at)
		 VALUES ($1, $2, $3, $4::JSONB, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE
		 SET tx_ref = EXCLUDED.tx_ref, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		p.ID, string(p.Kind), p.Account, string(payload), p.SubmittedAt,
		p.TxRef, string(p.Status), p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save intent %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteIntent(ctx context.Context, id string) error {
	_, err := s.db(ctx).Exec(ctx, `DELETE FROM pending_intents WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) ListIntents(ctx context.Context) ([]model.PendingIntent, error) {
	rows, err := s.db(ctx).Query(ctx,
		`SELECT id, kind, account, payload::TEXT, submitted_at, tx_ref, status, updated_at
		 FROM pending_intents ORDER BY submitted_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []model.PendingIntent
	for rows.Next() {
		var p model.PendingIntent
		var kind, payload, status string
		if err := rows.Scan(&p.ID, &kind, &p.Account, &payload,
			&p.SubmittedAt, &p.TxRef, &status, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &p.Payload); err != nil {
			return nil, fmt.Errorf("decode intent %s payload: %w", p.ID, err)
		}
		p.Kind = model.IntentKind(kind)
		p.Status = model.IntentStatus(status)
		intents = append(intents, p)
	}
	return intents, rows.Err()
}

func (s *PostgresStore) MarkApplied(ctx context.Context, txRef, intentID string) error {
	_, err := s.db(ctx).Exec(ctx,
		`INSERT INTO applied_tx_refs (tx_ref, intent_id) VALUES ($1, $2)
		 ON CONFLICT (tx_ref) DO NOTHING`, txRef, intentID)
	return err
}

func (s *PostgresStore) IsApplied(ctx context.Context, txRef string) (bool, error) {
	var exists bool
	err := s.db(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM applied_tx_refs WHERE tx_ref = $1)`, txRef).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check applied %s: %w", txRef, err)
	}
	return exists, nil
}
