// Package exposure tracks funds an account has committed to intents that are
// still in flight, so that soft funds pre-checks account for them.
//
// A mine stake, a buy price or a bid amount is reserved when the intent is
// submitted and released when it reaches a terminal state. The ledger remains
// the authority; this only keeps one account from overcommitting a cached
// balance across several concurrent intents.
package exposure

import (
	"fmt"
	"sync"

	"github.com/nptmarket/settlement-engine/internal/model"
)

type commitment struct {
	account string
	amount  int64
}

// Limiter holds per-intent commitments.
type Limiter struct {
	mu        sync.RWMutex
	byIntent  map[string]commitment
	byAccount map[string]int64
}

// NewLimiter returns an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		byIntent:  make(map[string]commitment),
		byAccount: make(map[string]int64),
	}
}

// CheckLimit validates that account can commit amount more against balance.
func (l *Limiter) CheckLimit(account string, balance, amount int64) error {
	if avail := l.Available(account, balance); amount > avail {
		return fmt.Errorf("commit %d with %d available (%d in flight): %w",
			amount, avail, l.Committed(account), model.ErrInsufficientFunds)
	}
	return nil
}

// Available is balance less the account's in-flight commitments, floored at
// zero.
func (l *Limiter) Available(account string, balance int64) int64 {
	return max(balance-l.Committed(account), 0)
}

// Reserve records amount against account for intentID. Reserving the same
// intent again replaces the earlier amount.
func (l *Limiter) Reserve(account, intentID string, amount int64) {
	if amount <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if prev, ok := l.byIntent[intentID]; ok {
		l.byAccount[prev.account] -= prev.amount
	}
	l.byIntent[intentID] = commitment{account: account, amount: amount}
	l.byAccount[account] += amount
}

// Release drops intentID's commitment.
func (l *Limiter) Release(intentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.byIntent[intentID]
	if !ok {
		return
	}
	delete(l.byIntent, intentID)
	l.byAccount[c.account] -= c.amount
	if l.byAccount[c.account] <= 0 {
		delete(l.byAccount, c.account)
	}
}

// Committed returns the account's total in-flight commitment.
func (l *Limiter) Committed(account string) int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byAccount[account]
}
