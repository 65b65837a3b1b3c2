package model

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestAuctionExpiry(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	a := &Auction{CreatedAt: start, DurationSeconds: 3600, Status: AuctionOpen}

	if a.ExpiredAt(start.Add(3599 * time.Second)) {
		t.Error("auction should be live one second before the deadline")
	}
	if !a.ExpiredAt(start.Add(3600 * time.Second)) {
		t.Error("auction should be expired exactly at the deadline")
	}
	if got := a.TimeLeft(start.Add(4000 * time.Second)); got != 0 {
		t.Errorf("time left after deadline should be 0, got %s", got)
	}
	if a.Terminal() {
		t.Error("open auction is not terminal")
	}
}

func TestCommitment(t *testing.T) {
	tests := []struct {
		intent PendingIntent
		want   int64
	}{
		{PendingIntent{Kind: IntentMine, Payload: IntentPayload{Stake: 12}}, 12},
		{PendingIntent{Kind: IntentBuy, Payload: IntentPayload{Price: 50}}, 50},
		{PendingIntent{Kind: IntentBid, Payload: IntentPayload{Amount: 20}}, 20},
		{PendingIntent{Kind: IntentList, Payload: IntentPayload{Price: 50}}, 0},
		{PendingIntent{Kind: IntentCreateAuction, Payload: IntentPayload{Amount: 10}}, 0},
	}
	for _, tt := range tests {
		if got := tt.intent.Commitment(); got != tt.want {
			t.Errorf("%s: expected commitment %d, got %d", tt.intent.Kind, tt.want, got)
		}
	}
}

func TestErrorTaxonomy(t *testing.T) {
	wrapped := fmt.Errorf("list item: %w", ErrAlreadyListed)
	if !IsValidation(wrapped) {
		t.Error("wrapped AlreadyListed should classify as validation")
	}
	if IsValidation(ErrInsufficientFunds) {
		t.Error("InsufficientFunds is a resource error, not validation")
	}
	if !IsResource(ErrInsufficientFunds) {
		t.Error("InsufficientFunds should classify as resource")
	}

	fault := fmt.Errorf("%w: %w", ErrInvariantViolation, ErrBidTooLow)
	if !IsInvariant(fault) {
		t.Error("expected invariant classification")
	}
	if IsValidation(fault) {
		t.Error("an invariant violation must not be reported as validation")
	}
	if !IsExternal(fmt.Errorf("tx abc: %w", ErrRejected)) {
		t.Error("rejections are external")
	}
	if IsValidation(errors.New("boom")) {
		t.Error("unknown errors are not validation")
	}
}
