package settlement

import (
	"slices"

	"github.com/nptmarket/settlement-engine/internal/model"
)

// Stats counts tracked state for health reporting.
type Stats struct {
	Items          int `json:"items"`
	ActiveListings int `json:"active_listings"`
	OpenAuctions   int `json:"open_auctions"`
	PendingIntents int `json:"pending_intents"`
}

// The read methods below hold the read side of the writer lock, so a
// snapshot never shows a listing sold to a buyer who does not yet own the
// item, or an auction still open after its item moved to the winner.

// Item returns a copy of the item.
func (r *Reconciler) Item(itemID string) (model.Item, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Registry.Get(itemID)
}

// ItemsByOwner returns owner's items in mint order.
func (r *Reconciler) ItemsByOwner(owner string) []model.Item {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := slices.Collect(r.Registry.ListByOwner(owner))
	if items == nil {
		items = []model.Item{}
	}
	return items
}

// Portfolio aggregates owner's holdings.
func (r *Reconciler) Portfolio(owner string) model.Portfolio {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Registry.Portfolio(owner)
}

// Listing returns a copy of the listing.
func (r *Reconciler) Listing(listingID string) (model.Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Market.Get(listingID)
}

// ActiveListings returns every active listing, oldest first.
func (r *Reconciler) ActiveListings() []model.Listing {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Market.Active()
}

// ItemListings returns every listing ever opened for itemID.
func (r *Reconciler) ItemListings(itemID string) ([]model.Listing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, err := r.Registry.Get(itemID); err != nil {
		return nil, err
	}
	return r.Market.History(itemID), nil
}

// Auction returns a copy of the auction.
func (r *Reconciler) Auction(auctionID string) (model.Auction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Auctions.Get(auctionID)
}

// OpenAuctions returns every open auction, soonest deadline first.
func (r *Reconciler) OpenAuctions() []model.Auction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.Auctions.OpenAuctions()
}

// Stats returns current counts.
func (r *Reconciler) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := Stats{
		Items:          r.Registry.Count(),
		ActiveListings: len(r.Market.Active()),
		OpenAuctions:   len(r.Auctions.OpenAuctions()),
	}
	for _, p := range r.pending {
		if p.Status == model.IntentSubmitted {
			st.PendingIntents++
		}
	}
	return st
}
