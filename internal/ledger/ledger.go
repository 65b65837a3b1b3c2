// Package ledger defines the narrow contract the engine relies on to reach
// the external settlement ledger, plus an HTTP adapter and an in-process
// simulator.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownTx   = errors.New("ledger: unknown transaction")
	ErrUnavailable = errors.New("ledger: gateway unavailable")
)

// Status is the settlement state of a submitted transaction.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

// TxStatus is the ledger's view of one transaction. At is when the ledger
// reached the status; it is zero while pending or when the ledger does not
// report it.
type TxStatus struct {
	Status Status
	At     time.Time
}

// Gateway submits instructions and reads ledger state. Submission is
// asynchronous: it returns a transaction reference as soon as the ledger
// accepts the call, and the outcome is observed later.
type Gateway interface {
	SubmitTransaction(ctx context.Context, function string, args []string) (string, error)
	GetTransactionStatus(ctx context.Context, txRef string) (TxStatus, error)
	GetAccountBalance(ctx context.Context, account string) (int64, error)
}

// Update is a pushed status change for a submitted transaction.
type Update struct {
	TxRef  string
	Status Status
	At     time.Time
}

// Notifier is implemented by gateways that push status changes instead of
// waiting to be polled.
type Notifier interface {
	Updates() <-chan Update
}

// Result describes a confirmed transaction.
type Result struct {
	TxRef       string
	ConfirmedAt time.Time
}

type senderKey struct{}

// WithSender attaches the signing account to ctx. Gateways submit on behalf
// of this account.
func WithSender(ctx context.Context, account string) context.Context {
	return context.WithValue(ctx, senderKey{}, account)
}

// SenderFrom returns the signing account attached to ctx.
func SenderFrom(ctx context.Context) string {
	s, _ := ctx.Value(senderKey{}).(string)
	return s
}
