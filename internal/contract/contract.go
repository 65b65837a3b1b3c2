// Package contract builds and parses the ledger instructions that carry NPT
// intents, and converts amounts between whole units and ledger micro-units.
//
// An instruction is a contract function name plus positional arguments in
// the ledger's clarity-style encoding: unsigned integers are written u<n>
// and identifiers are double-quoted strings.
package contract

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/nptmarket/settlement-engine/internal/model"
)

// Contract function names.
const (
	FnMine          = "mine-npt"
	FnBuy           = "buy-npt"
	FnList          = "list-npt-for-sale"
	FnBid           = "place-bid"
	FnCreateAuction = "create-auction"
	FnCancelListing = "cancel-listing"
	FnCancelAuction = "cancel-auction"
)

// MicroPerUnit is the number of ledger micro-units in one whole unit.
const MicroPerUnit = model.MicroPerUnit

var functions = map[model.IntentKind]string{
	model.IntentMine:          FnMine,
	model.IntentBuy:           FnBuy,
	model.IntentList:          FnList,
	model.IntentBid:           FnBid,
	model.IntentCreateAuction: FnCreateAuction,
	model.IntentCancelListing: FnCancelListing,
	model.IntentCancelAuction: FnCancelAuction,
}

var (
	uintArg   = regexp.MustCompile(`^u(\d+)$`)
	stringArg = regexp.MustCompile(`^"([A-Za-z0-9_:.\-]*)"$`)
)

var (
	ErrUnknownKind     = errors.New("contract: unknown intent kind")
	ErrUnknownFunction = errors.New("contract: unknown function")
	ErrInvalidArgs     = errors.New("contract: invalid arguments")
	ErrOverflow        = errors.New("contract: amount overflows micro-units")
)

// Instruction is one contract call.
type Instruction struct {
	Function string   `json:"function"`
	Args     []string `json:"args"`
}

// Function returns the contract function for kind.
func Function(kind model.IntentKind) (string, error) {
	fn, ok := functions[kind]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	return fn, nil
}

// Build encodes an intent as a contract call. Monetary amounts are sent in
// micro-units; durations are sent as plain seconds. A buy carries the listed
// price so the ledger can refuse a purchase at any other price. An amount
// that does not fit in micro-units fails with ErrOverflow.
func Build(kind model.IntentKind, p model.IntentPayload) (Instruction, error) {
	fn, err := Function(kind)
	if err != nil {
		return Instruction{}, err
	}

	var args []string
	switch kind {
	case model.IntentMine:
		args, err = withMicro(nil, p.Stake)
	case model.IntentBuy:
		args, err = withMicro([]string{Str(p.ListingID)}, p.Price)
	case model.IntentList:
		args, err = withMicro([]string{Str(p.ListingID), Str(p.ItemID)}, p.Price)
	case model.IntentBid:
		args, err = withMicro([]string{Str(p.AuctionID)}, p.Amount)
	case model.IntentCreateAuction:
		args, err = withMicro([]string{Str(p.AuctionID), Str(p.ItemID)}, p.Price)
		args = append(args, Uint(p.DurationSeconds))
	case model.IntentCancelListing:
		args = []string{Str(p.ListingID)}
	case model.IntentCancelAuction:
		args = []string{Str(p.AuctionID)}
	}
	if err != nil {
		return Instruction{}, fmt.Errorf("%s: %w", fn, err)
	}
	return Instruction{Function: fn, Args: args}, nil
}

// Parse decodes a contract call back into an intent kind and payload.
func Parse(ins Instruction) (model.IntentKind, model.IntentPayload, error) {
	var p model.IntentPayload
	kind, ok := kindOf(ins.Function)
	if !ok {
		return "", p, fmt.Errorf("%w: %s", ErrUnknownFunction, ins.Function)
	}

	a := ins.Args
	want := map[model.IntentKind]int{
		model.IntentMine: 1, model.IntentBuy: 2, model.IntentList: 3, model.IntentBid: 2,
		model.IntentCreateAuction: 4, model.IntentCancelListing: 1, model.IntentCancelAuction: 1,
	}[kind]
	if len(a) != want {
		return "", p, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrInvalidArgs, ins.Function, want, len(a))
	}

	var err error
	switch kind {
	case model.IntentMine:
		p.Stake, err = parseMicro(a[0])
	case model.IntentBuy:
		p.ListingID, err = parseStr(a[0])
		if err == nil {
			p.Price, err = parseMicro(a[1])
		}
	case model.IntentList:
		p.ListingID, err = parseStr(a[0])
		if err == nil {
			p.ItemID, err = parseStr(a[1])
		}
		if err == nil {
			p.Price, err = parseMicro(a[2])
		}
	case model.IntentBid:
		p.AuctionID, err = parseStr(a[0])
		if err == nil {
			p.Amount, err = parseMicro(a[1])
		}
	case model.IntentCreateAuction:
		p.AuctionID, err = parseStr(a[0])
		if err == nil {
			p.ItemID, err = parseStr(a[1])
		}
		if err == nil {
			p.Price, err = parseMicro(a[2])
		}
		if err == nil {
			p.DurationSeconds, err = parseUint(a[3])
		}
	case model.IntentCancelListing:
		p.ListingID, err = parseStr(a[0])
	case model.IntentCancelAuction:
		p.AuctionID, err = parseStr(a[0])
	}
	if err != nil {
		return "", model.IntentPayload{}, fmt.Errorf("%s: %w", ins.Function, err)
	}
	return kind, p, nil
}

func kindOf(fn string) (model.IntentKind, bool) {
	for k, f := range functions {
		if f == fn {
			return k, true
		}
	}
	return "", false
}

func withMicro(args []string, units int64) ([]string, error) {
	micro, err := ToMicro(units)
	if err != nil {
		return nil, err
	}
	return append(args, Uint(micro)), nil
}

// Uint encodes n as an unsigned integer argument.
func Uint(n int64) string { return "u" + strconv.FormatInt(n, 10) }

// Str encodes s as a string argument.
func Str(s string) string { return strconv.Quote(s) }

func parseUint(arg string) (int64, error) {
	m := uintArg.FindStringSubmatch(arg)
	if m == nil {
		return 0, fmt.Errorf("%w: expected uint, got %q", ErrInvalidArgs, arg)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	return n, nil
}

func parseMicro(arg string) (int64, error) {
	n, err := parseUint(arg)
	if err != nil {
		return 0, err
	}
	return FromMicro(n), nil
}

func parseStr(arg string) (string, error) {
	m := stringArg.FindStringSubmatch(arg)
	if m == nil {
		return "", fmt.Errorf("%w: expected string, got %q", ErrInvalidArgs, arg)
	}
	return m[1], nil
}

// ToMicro converts whole units to micro-units. Negative amounts and amounts
// above model.MaxAmount fail with ErrOverflow.
func ToMicro(units int64) (int64, error) {
	if units < 0 || units > model.MaxAmount {
		return 0, fmt.Errorf("%w: %d units", ErrOverflow, units)
	}
	return units * MicroPerUnit, nil
}

// FromMicro converts micro-units to whole units, rounding down.
func FromMicro(micro int64) int64 {
	return decimal.NewFromInt(micro).
		Div(decimal.NewFromInt(MicroPerUnit)).
		Floor().
		IntPart()
}
