package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nptmarket/settlement-engine/internal/clock"
	"github.com/nptmarket/settlement-engine/internal/contract"
	"github.com/nptmarket/settlement-engine/internal/model"
)

type simTx struct {
	sender  string
	kind    model.IntentKind
	payload model.IntentPayload
	status  Status
	at      time.Time
}

type simListing struct {
	seller string
	price  int64
}

type simAuction struct {
	seller string
	leader string
	bid    int64 // starting bid until someone leads
	endsAt time.Time
}

// Simulator is an in-process ledger. Transactions stay pending until
// Confirm or Reject is called, or until the auto-confirm delay elapses.
//
// Confirming a transaction debits the sender's stake, purchase price or bid;
// a sender who cannot cover it is rejected instead. The simulator keeps the
// contract's view of listings and auctions: a purchase credits the seller net
// of the fee, an outbid leader is refunded, and an auction that has reached
// its deadline pays its seller. Purchases of unknown listings or at another
// price, and bids that do not beat the leader, are rejected.
type Simulator struct {
	mu             sync.Mutex
	txs            map[string]*simTx
	order          []string
	balances       map[string]int64
	listings       map[string]simListing
	auctions       map[string]*simAuction
	defaultBalance int64
	feeRate        decimal.Decimal
	seq            uint64
	autoConfirm    time.Duration
	clock          clock.Clock
	updates        chan Update
}

// SimOption configures a Simulator.
type SimOption func(*Simulator)

// WithAutoConfirm confirms every transaction delay after submission.
func WithAutoConfirm(delay time.Duration) SimOption {
	return func(s *Simulator) { s.autoConfirm = delay }
}

// WithDefaultBalance sets the balance of accounts never seen before.
func WithDefaultBalance(units int64) SimOption {
	return func(s *Simulator) { s.defaultBalance = units }
}

// WithFeeRate sets the protocol share withheld from sellers. The default is
// 10%.
func WithFeeRate(rate decimal.Decimal) SimOption {
	return func(s *Simulator) { s.feeRate = rate }
}

// NewSimulator creates a simulator.
func NewSimulator(clk clock.Clock, opts ...SimOption) *Simulator {
	s := &Simulator{
		txs:      make(map[string]*simTx),
		balances: make(map[string]int64),
		listings: make(map[string]simListing),
		auctions: make(map[string]*simAuction),
		feeRate:  decimal.RequireFromString("0.10"),
		clock:    clk,
		updates:  make(chan Update, 256),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Simulator) SubmitTransaction(ctx context.Context, function string, args []string) (string, error) {
	kind, payload, err := contract.Parse(contract.Instruction{Function: function, Args: args})
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.seq++
	ref := fmt.Sprintf("0x%064x", s.seq)
	s.txs[ref] = &simTx{
		sender:  SenderFrom(ctx),
		kind:    kind,
		payload: payload,
		status:  StatusPending,
	}
	s.order = append(s.order, ref)
	delay := s.autoConfirm
	s.mu.Unlock()

	if delay > 0 {
		time.AfterFunc(delay, func() {
			if err := s.Confirm(ref); err != nil {
				slog.Warn("simulator auto-confirm failed", "tx_ref", ref, "err", err)
			}
		})
	}
	return ref, nil
}

func (s *Simulator) GetTransactionStatus(_ context.Context, txRef string) (TxStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[txRef]
	if !ok {
		return TxStatus{}, fmt.Errorf("%w: %s", ErrUnknownTx, txRef)
	}
	return TxStatus{Status: tx.status, At: tx.at}, nil
}

func (s *Simulator) GetAccountBalance(_ context.Context, account string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settleDueLocked(s.clock.Now())
	return s.balanceLocked(account), nil
}

func (s *Simulator) balanceLocked(account string) int64 {
	if b, ok := s.balances[account]; ok {
		return b
	}
	return s.defaultBalance
}

// SetBalance overrides an account's balance.
func (s *Simulator) SetBalance(account string, units int64) {
	s.mu.Lock()
	s.balances[account] = units
	s.mu.Unlock()
}

// Confirm settles a pending transaction. It is a no-op for a transaction
// that is already final.
func (s *Simulator) Confirm(txRef string) error {
	s.mu.Lock()
	tx, ok := s.txs[txRef]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTx, txRef)
	}
	if tx.status != StatusPending {
		s.mu.Unlock()
		return nil
	}

	tx.at = s.clock.Now()
	s.settleDueLocked(tx.at)
	debit := debitFor(tx.kind, tx.payload)
	if bal := s.balanceLocked(tx.sender); tx.sender != "" && debit > bal {
		tx.status = StatusRejected
	} else if !s.executeLocked(tx) {
		tx.status = StatusRejected
	} else {
		tx.status = StatusConfirmed
		if tx.sender != "" && debit > 0 {
			s.balances[tx.sender] = s.balanceLocked(tx.sender) - debit
		}
	}
	u := Update{TxRef: txRef, Status: tx.status, At: tx.at}
	s.mu.Unlock()

	s.push(u)
	return nil
}

// Reject fails a pending transaction.
func (s *Simulator) Reject(txRef string) error {
	s.mu.Lock()
	tx, ok := s.txs[txRef]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownTx, txRef)
	}
	if tx.status != StatusPending {
		s.mu.Unlock()
		return nil
	}
	tx.status = StatusRejected
	tx.at = s.clock.Now()
	u := Update{TxRef: txRef, Status: tx.status, At: tx.at}
	s.mu.Unlock()

	s.push(u)
	return nil
}

// Updates delivers pushed status changes. Updates are dropped when the
// buffer is full; pollers still observe the final status.
func (s *Simulator) Updates() <-chan Update {
	return s.updates
}

func (s *Simulator) push(u Update) {
	select {
	case s.updates <- u:
	default:
		slog.Warn("simulator update dropped", "tx_ref", u.TxRef)
	}
}

// executeLocked applies tx's effect on contract state and on the balances of
// accounts other than the sender. It reports false when the contract refuses
// the call; nothing is changed then.
func (s *Simulator) executeLocked(tx *simTx) bool {
	p := tx.payload
	switch tx.kind {
	case model.IntentList:
		if _, ok := s.listings[p.ListingID]; ok {
			return false
		}
		s.listings[p.ListingID] = simListing{seller: tx.sender, price: p.Price}

	case model.IntentCancelListing:
		delete(s.listings, p.ListingID)

	case model.IntentBuy:
		l, ok := s.listings[p.ListingID]
		if !ok || l.price != p.Price || l.seller == tx.sender {
			return false
		}
		delete(s.listings, p.ListingID)
		s.credit(l.seller, s.proceeds(l.price))

	case model.IntentCreateAuction:
		if _, ok := s.auctions[p.AuctionID]; ok {
			return false
		}
		s.auctions[p.AuctionID] = &simAuction{
			seller: tx.sender,
			bid:    p.Price,
			endsAt: tx.at.Add(time.Duration(p.DurationSeconds) * time.Second),
		}

	case model.IntentBid:
		a, ok := s.auctions[p.AuctionID]
		if !ok || !tx.at.Before(a.endsAt) || p.Amount <= a.bid || tx.sender == a.seller {
			return false
		}
		if a.leader != "" {
			s.credit(a.leader, a.bid)
		}
		a.leader, a.bid = tx.sender, p.Amount

	case model.IntentCancelAuction:
		a, ok := s.auctions[p.AuctionID]
		if !ok || a.leader != "" {
			return false
		}
		delete(s.auctions, p.AuctionID)
	}
	return true
}

// settleDueLocked pays out every auction whose deadline is at or before now.
func (s *Simulator) settleDueLocked(now time.Time) {
	for id, a := range s.auctions {
		if now.Before(a.endsAt) {
			continue
		}
		if a.leader != "" {
			s.credit(a.seller, s.proceeds(a.bid))
		}
		delete(s.auctions, id)
	}
}

func (s *Simulator) credit(account string, units int64) {
	if account == "" || units <= 0 {
		return
	}
	s.balances[account] = s.balanceLocked(account) + units
}

// proceeds is floor(price × (1 − feeRate)).
func (s *Simulator) proceeds(price int64) int64 {
	return decimal.NewFromInt(price).
		Mul(decimal.NewFromInt(1).Sub(s.feeRate)).
		Floor().
		IntPart()
}

func debitFor(kind model.IntentKind, p model.IntentPayload) int64 {
	switch kind {
	case model.IntentMine:
		return p.Stake
	case model.IntentBuy:
		return p.Price
	case model.IntentBid:
		return p.Amount
	}
	return 0
}
