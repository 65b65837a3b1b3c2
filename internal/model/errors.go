package model

import "errors"

// Validation errors. Returned synchronously; never accompanied by a state change.
var (
	ErrNotFound          = errors.New("npt: not found")
	ErrNotOwned          = errors.New("npt: caller does not own the item")
	ErrAlreadyListed     = errors.New("npt: item already has an active listing")
	ErrEscrowed          = errors.New("npt: item is held in auction escrow")
	ErrInvalidPrice      = errors.New("npt: price must be positive")
	ErrInvalidStake      = errors.New("npt: stake must be positive")
	ErrInvalidDuration   = errors.New("npt: auction duration not allowed")
	ErrListingNotActive  = errors.New("npt: listing is not active")
	ErrSelfTrade         = errors.New("npt: buyer is the seller")
	ErrAuctionNotOpen    = errors.New("npt: auction is not open")
	ErrBidTooLow         = errors.New("npt: bid must exceed the current bid")
	ErrSelfBid           = errors.New("npt: seller cannot bid on own auction")
	ErrHasBids           = errors.New("npt: auction has standing bids")
	ErrInvalidAccount    = errors.New("npt: account is required")
	ErrIntentNotTerminal = errors.New("npt: intent cannot be abandoned in its current state")
)

// Resource errors. Soft pre-checks against cached balances.
var (
	ErrInsufficientFunds = errors.New("npt: insufficient funds")
)

// External errors reported by or about the ledger.
var (
	ErrRejected = errors.New("npt: transaction rejected by ledger")
	ErrTimedOut = errors.New("npt: transaction confirmation timed out")
)

// ErrInvariantViolation marks a confirmation that contradicts authoritative
// state. It indicates a serialization fault and must be surfaced loudly.
var ErrInvariantViolation = errors.New("npt: invariant violation")

var validationErrors = []error{
	ErrNotFound, ErrNotOwned, ErrAlreadyListed, ErrEscrowed, ErrInvalidPrice,
	ErrInvalidStake, ErrInvalidDuration, ErrListingNotActive, ErrSelfTrade,
	ErrAuctionNotOpen, ErrBidTooLow, ErrSelfBid, ErrHasBids, ErrInvalidAccount,
	ErrIntentNotTerminal,
}

// IsValidation reports whether err is (or wraps) a validation error.
func IsValidation(err error) bool {
	if err == nil || IsInvariant(err) {
		return false
	}
	for _, target := range validationErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// IsResource reports whether err is a soft funds pre-check failure.
func IsResource(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) && !IsInvariant(err)
}

// IsExternal reports whether err came from the ledger outcome.
func IsExternal(err error) bool {
	return errors.Is(err, ErrRejected) || errors.Is(err, ErrTimedOut)
}

// IsInvariant reports whether err is an invariant violation.
func IsInvariant(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}
