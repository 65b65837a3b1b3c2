package auction

import (
	"fmt"
	"sync"

	"github.com/nptmarket/settlement-engine/internal/model"
)

// Escrow records which items are held out of circulation and by whom. A
// holder is either an open auction's ID or a pending create-auction intent.
type Escrow struct {
	mu      sync.RWMutex
	holders map[string]string // itemID → holder
}

// NewEscrow returns an empty escrow book.
func NewEscrow() *Escrow {
	return &Escrow{holders: make(map[string]string)}
}

// Hold marks itemID as held by holder. Holding an item twice under the same
// holder is a no-op.
func (e *Escrow) Hold(itemID, holder string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cur, ok := e.holders[itemID]; ok && cur != holder {
		return fmt.Errorf("escrow item %s (held by %s): %w", itemID, cur, model.ErrEscrowed)
	}
	e.holders[itemID] = holder
	return nil
}

// Move hands the hold on itemID from one holder to another.
func (e *Escrow) Move(itemID, from, to string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cur, ok := e.holders[itemID]; ok && cur != from {
		return fmt.Errorf("escrow item %s (held by %s): %w", itemID, cur, model.ErrEscrowed)
	}
	e.holders[itemID] = to
	return nil
}

// Release drops holder's hold on itemID. It reports whether a hold was
// released; a hold owned by someone else is left in place.
func (e *Escrow) Release(itemID, holder string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.holders[itemID] != holder {
		return false
	}
	delete(e.holders, itemID)
	return true
}

// IsEscrowed reports whether any holder has itemID.
func (e *Escrow) IsEscrowed(itemID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.holders[itemID]
	return ok
}

// Holder returns the current holder of itemID.
func (e *Escrow) Holder(itemID string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	h, ok := e.holders[itemID]
	return h, ok
}
