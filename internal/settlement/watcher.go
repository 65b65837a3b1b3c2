package settlement

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/nptmarket/settlement-engine/internal/ledger"
	"github.com/nptmarket/settlement-engine/internal/model"
)

// Watcher delivers ledger outcomes to the reconciler. It polls the status of
// every tracked intent on an interval and, when the gateway pushes updates,
// applies those as they arrive.
type Watcher struct {
	rec      *Reconciler
	gateway  ledger.Gateway
	interval time.Duration
	updates  <-chan ledger.Update
}

// NewWatcher creates a watcher. Gateways that implement ledger.Notifier are
// also listened to.
func NewWatcher(rec *Reconciler, gw ledger.Gateway, interval time.Duration) *Watcher {
	w := &Watcher{rec: rec, gateway: gw, interval: interval}
	if n, ok := gw.(ledger.Notifier); ok {
		w.updates = n.Updates()
	}
	return w
}

// Run polls until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	slog.Info("confirmation watcher started", "interval", w.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("confirmation watcher stopped")
			return
		case <-ticker.C:
			w.Poll(ctx)
		case u, ok := <-w.updates:
			if !ok {
				w.updates = nil
				continue
			}
			w.handleUpdate(ctx, u)
		}
	}
}

type observed struct {
	intent model.PendingIntent
	status ledger.TxStatus
}

// Poll fetches the status of every tracked intent and applies final
// outcomes, then expires stale intents. Confirmations are applied in the
// order the ledger confirmed them.
func (w *Watcher) Poll(ctx context.Context) {
	var final []observed
	for _, p := range w.rec.Tracked() {
		st, err := w.gateway.GetTransactionStatus(ctx, p.TxRef)
		if err != nil {
			if errors.Is(err, ledger.ErrUnknownTx) {
				slog.Warn("ledger does not know tracked transaction", "intent_id", p.ID, "tx_ref", p.TxRef)
			} else {
				slog.Warn("transaction status unavailable", "intent_id", p.ID, "tx_ref", p.TxRef, "err", err)
			}
			continue
		}
		if st.Status != ledger.StatusPending {
			final = append(final, observed{intent: p, status: st})
		}
	}

	sort.SliceStable(final, func(i, j int) bool {
		a, b := final[i].status.At, final[j].status.At
		if a.Equal(b) {
			return final[i].intent.SubmittedAt.Before(final[j].intent.SubmittedAt)
		}
		return a.Before(b)
	})
	for _, o := range final {
		w.deliver(ctx, o.intent.ID, o.intent.TxRef, o.status)
	}

	if timedOut, forgotten := w.rec.ExpireStale(ctx); timedOut+forgotten > 0 {
		slog.Info("stale intents expired", "timed_out", timedOut, "forgotten", forgotten)
	}
}

func (w *Watcher) handleUpdate(ctx context.Context, u ledger.Update) {
	id, ok := w.rec.IntentFor(u.TxRef)
	if !ok {
		// Not yet recorded, or already resolved; polling covers both.
		return
	}
	w.deliver(ctx, id, u.TxRef, ledger.TxStatus{Status: u.Status, At: u.At})
}

func (w *Watcher) deliver(ctx context.Context, intentID, txRef string, st ledger.TxStatus) {
	var err error
	switch st.Status {
	case ledger.StatusConfirmed:
		err = w.rec.OnConfirmed(ctx, intentID, ledger.Result{TxRef: txRef, ConfirmedAt: st.At})
	case ledger.StatusRejected:
		err = w.rec.OnRejected(ctx, intentID)
	default:
		return
	}
	if err != nil && !errors.Is(err, model.ErrNotFound) && !model.IsInvariant(err) {
		// Invariant violations are already logged by the reconciler.
		slog.Error("ledger outcome not applied", "intent_id", intentID, "tx_ref", txRef, "status", st.Status, "err", err)
	}
}
