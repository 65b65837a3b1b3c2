// Package model defines the core domain types shared across the settlement engine.
// Amounts are whole currency units held in int64; rates and multipliers go through
// shopspring/decimal, never float64.
package model

import (
	"math"
	"time"
)

// MicroPerUnit is the number of ledger micro-units in one whole unit.
const MicroPerUnit = 1_000_000

// MaxAmount is the largest whole-unit amount whose micro-unit form fits in an
// int64. Prices, bids and stakes above it cannot be sent to the ledger.
const MaxAmount int64 = math.MaxInt64 / MicroPerUnit

// Rarity is the minted tier of an item.
type Rarity string

const (
	RarityCommon    Rarity = "Common"
	RarityRare      Rarity = "Rare"
	RarityLegendary Rarity = "Legendary"
)

// Valid reports whether r is one of the known tiers.
func (r Rarity) Valid() bool {
	switch r {
	case RarityCommon, RarityRare, RarityLegendary:
		return true
	}
	return false
}

// Item is a minted collectible. Value is fixed at mint; only Owner changes.
type Item struct {
	ID          string    `json:"id" db:"id"`
	Owner       string    `json:"owner" db:"owner"`
	Rarity      Rarity    `json:"rarity" db:"rarity"`
	Value       int64     `json:"value" db:"value"`
	Emoji       string    `json:"emoji" db:"emoji"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Serial      int64     `json:"serial" db:"serial"` // mint sequence number
	MintedAt    time.Time `json:"minted_at" db:"minted_at"`
}

// ListingStatus is the lifecycle state of a fixed-price listing.
type ListingStatus string

const (
	ListingActive    ListingStatus = "active"
	ListingSold      ListingStatus = "sold"
	ListingCancelled ListingStatus = "cancelled"
)

// Listing is a fixed-price sell offer for one item.
type Listing struct {
	ID        string        `json:"id" db:"id"`
	ItemID    string        `json:"item_id" db:"item_id"`
	Seller    string        `json:"seller" db:"seller"`
	Price     int64         `json:"price" db:"price"`
	Status    ListingStatus `json:"status" db:"status"`
	Buyer     string        `json:"buyer,omitempty" db:"buyer"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" db:"updated_at"`
}

// AuctionStatus is the lifecycle state of an English auction. Every status
// other than AuctionOpen is terminal.
type AuctionStatus string

const (
	AuctionOpen          AuctionStatus = "open"
	AuctionSettled       AuctionStatus = "settled"
	AuctionExpiredUnsold AuctionStatus = "expired_unsold"
	AuctionCancelled     AuctionStatus = "cancelled"
)

// Auction is a time-boxed, strictly increasing English auction over one item.
// CurrentBidder is empty until the first accepted bid.
type Auction struct {
	ID              string        `json:"id" db:"id"`
	ItemID          string        `json:"item_id" db:"item_id"`
	Seller          string        `json:"seller" db:"seller"`
	StartingBid     int64         `json:"starting_bid" db:"starting_bid"`
	CurrentBid      int64         `json:"current_bid" db:"current_bid"`
	CurrentBidder   string        `json:"current_bidder,omitempty" db:"current_bidder"`
	BidCount        int           `json:"bid_count" db:"bid_count"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
	DurationSeconds int64         `json:"duration_seconds" db:"duration_seconds"`
	Status          AuctionStatus `json:"status" db:"status"`
	ClosedAt        *time.Time    `json:"closed_at,omitempty" db:"closed_at"`
}

// EndsAt is the wall-clock deadline of the auction.
func (a *Auction) EndsAt() time.Time {
	return a.CreatedAt.Add(time.Duration(a.DurationSeconds) * time.Second)
}

// ExpiredAt reports whether the elapsed time at t has reached the duration.
func (a *Auction) ExpiredAt(t time.Time) bool {
	return !t.Before(a.EndsAt())
}

// Terminal reports whether no further transition is possible.
func (a *Auction) Terminal() bool {
	return a.Status != AuctionOpen
}

// TimeLeft returns the remaining time at t, floored at zero.
func (a *Auction) TimeLeft(t time.Time) time.Duration {
	left := a.EndsAt().Sub(t)
	if left < 0 {
		return 0
	}
	return left
}

// IntentKind names the user action a pending intent represents.
type IntentKind string

const (
	IntentMine          IntentKind = "mine"
	IntentBuy           IntentKind = "buy"
	IntentList          IntentKind = "list"
	IntentBid           IntentKind = "bid"
	IntentCreateAuction IntentKind = "create_auction"
	IntentCancelListing IntentKind = "cancel_listing"
	IntentCancelAuction IntentKind = "cancel_auction"
)

// IntentStatus is the settlement state of a pending intent.
type IntentStatus string

const (
	IntentSubmitted IntentStatus = "submitted"
	IntentConfirmed IntentStatus = "confirmed"
	IntentRejected  IntentStatus = "rejected"
	IntentTimedOut  IntentStatus = "timed_out"
)

// IntentPayload carries the arguments of an intent. Only the fields relevant
// to the intent's kind are set.
type IntentPayload struct {
	Stake           int64  `json:"stake,omitempty"`
	ItemID          string `json:"item_id,omitempty"`
	ListingID       string `json:"listing_id,omitempty"`
	AuctionID       string `json:"auction_id,omitempty"`
	Price           int64  `json:"price,omitempty"`
	Amount          int64  `json:"amount,omitempty"`
	DurationSeconds int64  `json:"duration_seconds,omitempty"`
}

// PendingIntent is a locally validated request awaiting ledger confirmation.
type PendingIntent struct {
	ID          string        `json:"id" db:"id"`
	Kind        IntentKind    `json:"kind" db:"kind"`
	Account     string        `json:"account" db:"account"`
	Payload     IntentPayload `json:"payload" db:"payload"`
	SubmittedAt time.Time     `json:"submitted_at" db:"submitted_at"`
	TxRef       string        `json:"tx_ref,omitempty" db:"tx_ref"`
	Status      IntentStatus  `json:"status" db:"status"`
	UpdatedAt   time.Time     `json:"updated_at" db:"updated_at"`
}

// Commitment is the amount of the account's funds the intent puts in flight.
func (p *PendingIntent) Commitment() int64 {
	switch p.Kind {
	case IntentMine:
		return p.Payload.Stake
	case IntentBuy:
		return p.Payload.Price
	case IntentBid:
		return p.Payload.Amount
	}
	return 0
}

// EffectKind names a settlement instruction emitted by a confirmed transition.
type EffectKind string

const (
	EffectSellerCredit  EffectKind = "seller_credit"
	EffectBidRelease    EffectKind = "bid_release"
	EffectAuctionPayout EffectKind = "auction_payout"
	EffectEscrowRelease EffectKind = "escrow_release"
)

// Effect is an expected balance or custody movement the ledger carries out.
// The core computes it for display and for constructing settlement calls; it
// never moves funds itself.
type Effect struct {
	Kind         EffectKind `json:"kind"`
	Account      string     `json:"account"`
	Amount       int64      `json:"amount,omitempty"`
	Counterparty string     `json:"counterparty,omitempty"`
	ItemID       string     `json:"item_id,omitempty"`
	ListingID    string     `json:"listing_id,omitempty"`
	AuctionID    string     `json:"auction_id,omitempty"`
}

// Balance is a cached snapshot of an account's ledger balance.
type Balance struct {
	Account   string    `json:"account"`
	Amount    int64     `json:"amount"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Portfolio summarizes the items held by one owner.
type Portfolio struct {
	Owner      string `json:"owner"`
	Items      []Item `json:"items"`
	TotalItems int    `json:"total_items"`
	TotalValue int64  `json:"total_value"`
	RareCount  int    `json:"rare_count"` // items above Common
}

// Notification is pushed to the presentation layer on every intent outcome
// and every authoritative state change.
type Notification struct {
	Type      string       `json:"type"`
	IntentID  string       `json:"intent_id,omitempty"`
	Kind      IntentKind   `json:"kind,omitempty"`
	Status    IntentStatus `json:"status,omitempty"`
	TxRef     string       `json:"tx_ref,omitempty"`
	Account   string       `json:"account,omitempty"`
	Error     string       `json:"error,omitempty"`
	Effects   []Effect     `json:"effects,omitempty"`
	Item      *Item        `json:"item,omitempty"`
	Listing   *Listing     `json:"listing,omitempty"`
	Auction   *Auction     `json:"auction,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// Notification types.
const (
	NotifyIntentSubmitted = "intent_submitted"
	NotifyIntentConfirmed = "intent_confirmed"
	NotifyIntentRejected  = "intent_rejected"
	NotifyIntentTimedOut  = "intent_timed_out"
	NotifyIntentFaulted   = "intent_faulted"
	NotifyItemChanged     = "item_changed"
	NotifyAuctionClosed   = "auction_closed"
)
