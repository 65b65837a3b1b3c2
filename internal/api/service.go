// Package api is the HTTP boundary: it turns requests into settlement intents
// and serves read-only views of items, listings and auctions. Views are read
// through the reconciler so they never observe a half-applied transition.
//
// Callers identify their ledger account with the X-Account header. Every
// state-changing endpoint answers 202 with the submitted intent; the outcome
// arrives over the WebSocket feed or by polling the intent.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nptmarket/settlement-engine/internal/auction"
	"github.com/nptmarket/settlement-engine/internal/ledger"
	"github.com/nptmarket/settlement-engine/internal/market"
	"github.com/nptmarket/settlement-engine/internal/model"
	"github.com/nptmarket/settlement-engine/internal/settlement"
)

// Service reads state from and submits intents to the reconciler. The market
// and auction engine are used for their pricing and clock rules only.
type Service struct {
	rec      *settlement.Reconciler
	market   *market.Market
	auctions *auction.Engine
}

func NewService(rec *settlement.Reconciler, m *market.Market, a *auction.Engine) *Service {
	return &Service{rec: rec, market: m, auctions: a}
}

// Routes mounts every endpoint on r, which is expected to be the /api/v1
// sub-router.
func (s *Service) Routes(r chi.Router) {
	r.Get("/items/{itemID}", s.GetItem)
	r.Get("/items/{itemID}/quote", s.GetQuote)
	r.Get("/items/{itemID}/listings", s.ListItemListings)
	r.Get("/accounts/{account}/items", s.ListAccountItems)
	r.Get("/accounts/{account}/portfolio", s.GetPortfolio)
	r.Get("/accounts/{account}/balance", s.GetBalance)

	r.Get("/listings", s.ListListings)
	r.Post("/listings", s.CreateListing)
	r.Get("/listings/{listingID}", s.GetListing)
	r.Post("/listings/{listingID}/buy", s.BuyListing)
	r.Delete("/listings/{listingID}", s.CancelListing)

	r.Get("/auctions", s.ListAuctions)
	r.Post("/auctions", s.CreateAuction)
	r.Get("/auctions/{auctionID}", s.GetAuction)
	r.Post("/auctions/{auctionID}/bids", s.PlaceBid)
	r.Delete("/auctions/{auctionID}", s.CancelAuction)

	r.Post("/mine", s.Mine)
	r.Get("/intents/{intentID}", s.GetIntent)
	r.Delete("/intents/{intentID}", s.AbandonIntent)
}

// --- Request/Response types ---

type MineRequest struct {
	Stake int64 `json:"stake"`
}

// ListRequest lists an item. A zero price uses the suggested price.
type ListRequest struct {
	ItemID string `json:"item_id"`
	Price  int64  `json:"price"`
}

// AuctionRequest opens an auction. A zero starting bid uses the suggested
// starting bid. Duration may be given as seconds or as a Go duration string.
type AuctionRequest struct {
	ItemID          string `json:"item_id"`
	StartingBid     int64  `json:"starting_bid"`
	DurationSeconds int64  `json:"duration_seconds"`
	Duration        string `json:"duration,omitempty"`
}

type BidRequest struct {
	Amount int64 `json:"amount"`
}

// Quote is the suggested pricing for an item.
type Quote struct {
	ItemID               string `json:"item_id"`
	Value                int64  `json:"value"`
	SuggestedPrice       int64  `json:"suggested_price"`
	SellerProceeds       int64  `json:"seller_proceeds"`
	SuggestedStartingBid int64  `json:"suggested_starting_bid"`
}

// AuctionView is an auction snapshot with its remaining time.
type AuctionView struct {
	model.Auction
	EndsAt          time.Time `json:"ends_at"`
	TimeLeftSeconds int64     `json:"time_left_seconds"`
	Biddable        bool      `json:"biddable"`
}

// BalanceView is the cached balance and what remains after in-flight
// commitments.
type BalanceView struct {
	model.Balance
	Available int64 `json:"available"`
}

// --- Read handlers ---

// GetItem handles GET /api/v1/items/{itemID}
func (s *Service) GetItem(w http.ResponseWriter, r *http.Request) {
	it, err := s.rec.Item(chi.URLParam(r, "itemID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// GetQuote handles GET /api/v1/items/{itemID}/quote
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	it, err := s.rec.Item(chi.URLParam(r, "itemID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	price := s.market.SuggestedPrice(it.Value)
	writeJSON(w, http.StatusOK, Quote{
		ItemID:               it.ID,
		Value:                it.Value,
		SuggestedPrice:       price,
		SellerProceeds:       s.market.SellerProceeds(price),
		SuggestedStartingBid: s.auctions.SuggestedStartingBid(it.Value),
	})
}

// ListAccountItems handles GET /api/v1/accounts/{account}/items
func (s *Service) ListAccountItems(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rec.ItemsByOwner(chi.URLParam(r, "account")))
}

// ListItemListings handles GET /api/v1/items/{itemID}/listings
func (s *Service) ListItemListings(w http.ResponseWriter, r *http.Request) {
	history, err := s.rec.ItemListings(chi.URLParam(r, "itemID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

// GetPortfolio handles GET /api/v1/accounts/{account}/portfolio
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rec.Portfolio(chi.URLParam(r, "account")))
}

// GetBalance handles GET /api/v1/accounts/{account}/balance
func (s *Service) GetBalance(w http.ResponseWriter, r *http.Request) {
	b, available, err := s.rec.Available(r.Context(), chi.URLParam(r, "account"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceView{Balance: b, Available: available})
}

// ListListings handles GET /api/v1/listings
func (s *Service) ListListings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.rec.ActiveListings())
}

// GetListing handles GET /api/v1/listings/{listingID}
func (s *Service) GetListing(w http.ResponseWriter, r *http.Request) {
	l, err := s.rec.Listing(chi.URLParam(r, "listingID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// ListAuctions handles GET /api/v1/auctions
func (s *Service) ListAuctions(w http.ResponseWriter, r *http.Request) {
	open := s.rec.OpenAuctions()
	views := make([]AuctionView, 0, len(open))
	for _, a := range open {
		views = append(views, s.view(a))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetAuction handles GET /api/v1/auctions/{auctionID}
func (s *Service) GetAuction(w http.ResponseWriter, r *http.Request) {
	a, err := s.rec.Auction(chi.URLParam(r, "auctionID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(a))
}

func (s *Service) view(a model.Auction) AuctionView {
	return AuctionView{
		Auction:         a,
		EndsAt:          a.EndsAt(),
		TimeLeftSeconds: int64(s.auctions.TimeLeft(a) / time.Second),
		Biddable:        s.auctions.Biddable(a),
	}
}

// GetIntent handles GET /api/v1/intents/{intentID}
func (s *Service) GetIntent(w http.ResponseWriter, r *http.Request) {
	p, err := s.rec.Get(chi.URLParam(r, "intentID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- Intent handlers ---

// Mine handles POST /api/v1/mine
func (s *Service) Mine(w http.ResponseWriter, r *http.Request) {
	var req MineRequest
	if !decode(w, r, &req) {
		return
	}
	s.accepted(w, r)(s.rec.Mine(r.Context(), account(r), req.Stake))
}

// CreateListing handles POST /api/v1/listings
func (s *Service) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req ListRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Price == 0 {
		it, err := s.rec.Item(req.ItemID)
		if err != nil {
			writeErr(w, err)
			return
		}
		req.Price = s.market.SuggestedPrice(it.Value)
	}
	s.accepted(w, r)(s.rec.List(r.Context(), account(r), req.ItemID, req.Price))
}

// BuyListing handles POST /api/v1/listings/{listingID}/buy
func (s *Service) BuyListing(w http.ResponseWriter, r *http.Request) {
	s.accepted(w, r)(s.rec.Buy(r.Context(), account(r), chi.URLParam(r, "listingID")))
}

// CancelListing handles DELETE /api/v1/listings/{listingID}
func (s *Service) CancelListing(w http.ResponseWriter, r *http.Request) {
	s.accepted(w, r)(s.rec.CancelListing(r.Context(), account(r), chi.URLParam(r, "listingID")))
}

// CreateAuction handles POST /api/v1/auctions
func (s *Service) CreateAuction(w http.ResponseWriter, r *http.Request) {
	var req AuctionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil {
			writeError(w, "invalid duration: "+req.Duration, http.StatusBadRequest)
			return
		}
		req.DurationSeconds = int64(d / time.Second)
	}
	if req.StartingBid == 0 {
		it, err := s.rec.Item(req.ItemID)
		if err != nil {
			writeErr(w, err)
			return
		}
		req.StartingBid = s.auctions.SuggestedStartingBid(it.Value)
	}
	s.accepted(w, r)(s.rec.CreateAuction(r.Context(), account(r), req.ItemID, req.StartingBid, req.DurationSeconds))
}

// PlaceBid handles POST /api/v1/auctions/{auctionID}/bids
func (s *Service) PlaceBid(w http.ResponseWriter, r *http.Request) {
	var req BidRequest
	if !decode(w, r, &req) {
		return
	}
	s.accepted(w, r)(s.rec.PlaceBid(r.Context(), account(r), chi.URLParam(r, "auctionID"), req.Amount))
}

// CancelAuction handles DELETE /api/v1/auctions/{auctionID}
func (s *Service) CancelAuction(w http.ResponseWriter, r *http.Request) {
	s.accepted(w, r)(s.rec.CancelAuction(r.Context(), account(r), chi.URLParam(r, "auctionID")))
}

// AbandonIntent handles DELETE /api/v1/intents/{intentID}. The intent is
// reported as timed out locally; the ledger may still confirm it.
func (s *Service) AbandonIntent(w http.ResponseWriter, r *http.Request) {
	p, err := s.rec.Abandon(r.Context(), account(r), chi.URLParam(r, "intentID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// accepted returns a writer for the result of an intent submission.
func (s *Service) accepted(w http.ResponseWriter, r *http.Request) func(model.PendingIntent, error) {
	return func(p model.PendingIntent, err error) {
		if err != nil {
			slog.Debug("intent refused", "path", r.URL.Path, "account", account(r), "err", err)
			writeErr(w, err)
			return
		}
		w.Header().Set("Location", "/api/v1/intents/"+p.ID)
		writeJSON(w, http.StatusAccepted, p)
	}
}

// --- helpers ---

func account(r *http.Request) string {
	return r.Header.Get(AccountHeader)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

var badInput = []error{
	model.ErrInvalidAccount, model.ErrInvalidPrice, model.ErrInvalidStake, model.ErrInvalidDuration,
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case model.IsInvariant(err):
		return http.StatusInternalServerError
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case model.IsResource(err):
		return http.StatusPaymentRequired
	case model.IsValidation(err):
		for _, target := range badInput {
			if errors.Is(err, target) {
				return http.StatusBadRequest
			}
		}
		return http.StatusConflict
	case errors.Is(err, ledger.ErrUnavailable):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "status", status, "err", err)
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
