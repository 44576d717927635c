package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/thrillee/aegiscert/internal/logging"
	"github.com/thrillee/aegiscert/internal/metrics"
	"github.com/thrillee/aegiscert/internal/store"
)

// StaleReporter surfaces messages that stayed pending past a threshold,
// typically because their dispatch task was never published. It only
// reports; operators decide whether to requeue.
type StaleReporter struct {
	store      store.Store
	metrics    *metrics.Metrics
	staleAfter time.Duration
	now        func() time.Time
}

func NewStaleReporter(st store.Store, staleAfter time.Duration, m *metrics.Metrics) *StaleReporter {
	return &StaleReporter{store: st, metrics: m, staleAfter: staleAfter, now: time.Now}
}

// Sweep matches workers.WorkerFunc. It returns the number of stale messages found.
func (r *StaleReporter) Sweep(ctx context.Context, batchSize int) (int, error) {
	cutoff := r.now().Add(-r.staleAfter)
	msgs, err := r.store.ListStalePending(ctx, cutoff, batchSize)
	if err != nil {
		return 0, err
	}
	if r.metrics != nil {
		r.metrics.StalePending.Set(float64(len(msgs)))
	}
	for _, msg := range msgs {
		msgCtx := logging.ContextWithMessageID(ctx, msg.MessageID)
		msgCtx = logging.ContextWithSenderID(msgCtx, msg.SenderID)
		logging.Critical(msgCtx, "Message still pending, dispatch task may be missing",
			slog.Time("received_at", msg.ReceivedAt),
			slog.Duration("age", r.now().Sub(msg.ReceivedAt).Round(time.Second)),
		)
	}
	return len(msgs), nil
}
