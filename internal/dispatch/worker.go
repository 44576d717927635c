package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/thrillee/aegiscert/internal/carrier"
	"github.com/thrillee/aegiscert/internal/logging"
	"github.com/thrillee/aegiscert/internal/metrics"
	"github.com/thrillee/aegiscert/internal/model"
	"github.com/thrillee/aegiscert/internal/store"
	"github.com/thrillee/aegiscert/internal/workers"
	"github.com/thrillee/aegiscert/pkg/errormapper"
	"github.com/thrillee/aegiscert/pkg/segmenter"
)

const Stage = "dispatch"

// Submitter makes a single carrier submission attempt.
type Submitter interface {
	Submit(ctx context.Context, req carrier.SubmitRequest) (carrier.Acceptance, error)
}

// ProviderIndex remembers provider id to message id mappings for reconciliation.
type ProviderIndex interface {
	Remember(ctx context.Context, providerID, messageID string) error
}

type Config struct {
	DCS              string // gsm, ucs or auto
	MaxAttempts      int
	ThrottleDelay    time.Duration
	ServerErrorDelay time.Duration
}

// Worker forwards pending messages to the carrier.
type Worker struct {
	cfg     Config
	store   store.Store
	carrier Submitter
	index   ProviderIndex
	metrics *metrics.Metrics
	sleep   func(context.Context, time.Duration) error
}

// NewWorker builds a dispatch worker. index and m may be nil.
func NewWorker(cfg Config, st store.Store, sub Submitter, index ProviderIndex, m *metrics.Metrics) *Worker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.DCS == "" {
		cfg.DCS = segmenter.EncodingGSM
	}
	return &Worker{
		cfg:     cfg,
		store:   st,
		carrier: sub,
		index:   index,
		metrics: m,
		sleep:   workers.Sleep,
	}
}

// Handle processes one dispatch task. Shutdown only interrupts the backoff
// between attempts; a submission in progress always gets its result recorded.
func (w *Worker) Handle(ctx context.Context, body []byte) workers.Outcome {
	ctx = workers.Detach(ctx)
	var task model.DispatchTask
	if err := json.Unmarshal(body, &task); err != nil || task.MessageID == "" {
		slog.WarnContext(ctx, "Discarding malformed dispatch task", slog.String("body", string(body)))
		return workers.Dropped
	}
	ctx = logging.ContextWithMessageID(ctx, task.MessageID)

	msg, err := w.store.GetMessage(ctx, task.MessageID)
	if errors.Is(err, model.ErrNotFound) {
		slog.WarnContext(ctx, "Dispatch task for unknown message")
		return workers.Dropped
	}
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load message for dispatch", slog.Any("error", err))
		return workers.DeadLettered
	}
	if msg.Status != model.StatusPending {
		slog.InfoContext(ctx, "Message already dispatched, skipping", slog.String("status", string(msg.Status)))
		return workers.Dropped
	}

	req := carrier.SubmitRequest{
		MessageID: msg.MessageID,
		Sender:    msg.SenderID,
		Recipient: msg.Recipient,
		Text:      msg.Body,
		DCS:       w.dcs(msg.Body),
	}

	for attempt := 1; attempt <= w.cfg.MaxAttempts; attempt++ {
		acc, err := w.carrier.Submit(ctx, req)
		if err == nil {
			w.count("accepted")
			return w.accepted(ctx, msg, acc)
		}

		var transient *model.TransientProviderError
		var permanent *model.PermanentProviderError
		switch {
		case errors.As(err, &transient) && transient.Network():
			w.count("network")
			slog.WarnContext(ctx, "Carrier unreachable, requeueing", slog.Any("error", err))
			return workers.Retry

		case errors.As(err, &transient):
			delay := w.cfg.ServerErrorDelay
			if transient.Throttled {
				delay = w.cfg.ThrottleDelay
				w.count("throttled")
			} else {
				w.count("server_error")
			}
			slog.WarnContext(ctx, "Carrier transient failure",
				slog.Int("attempt", attempt),
				slog.Int("max_attempts", w.cfg.MaxAttempts),
				slog.Duration("retry_in", delay),
				slog.Any("error", err),
			)
			if attempt == w.cfg.MaxAttempts {
				continue
			}
			if err := w.sleep(ctx, delay); err != nil {
				slog.InfoContext(ctx, "Shutdown during carrier backoff, requeueing")
				return workers.Retry
			}

		case errors.As(err, &permanent):
			if permanent.BadReply() {
				w.count("bad_reply")
				return w.fail(ctx, msg, errormapper.ErrorCodeCarrierBadReply, permanent.Error())
			}
			w.count("rejected")
			return w.fail(ctx, msg, errormapper.ErrorCodeCarrierRejected, permanent.Error())

		default:
			slog.ErrorContext(ctx, "Unexpected carrier client error", slog.Any("error", err))
			return workers.DeadLettered
		}
	}

	w.count("exhausted")
	return w.fail(ctx, msg, errormapper.ErrorCodeCarrierExhausted,
		fmt.Sprintf("carrier submission failed after %d attempts", w.cfg.MaxAttempts))
}

func (w *Worker) dcs(body string) string {
	if w.cfg.DCS != "auto" {
		return w.cfg.DCS
	}
	if segmenter.RequiresUCS2(body) {
		return segmenter.EncodingUCS
	}
	return segmenter.EncodingGSM
}

// accepted and fail write with cancellation detached: the carrier call has
// already happened, so shutdown must not lose its result.
func (w *Worker) accepted(ctx context.Context, msg model.Message, acc carrier.Acceptance) workers.Outcome {
	ctx = logging.ContextWithProviderID(context.WithoutCancel(ctx), acc.ProviderID)

	err := w.store.MarkSending(ctx, msg.MessageID, acc.ProviderID, acc.PartCount)
	switch {
	case errors.Is(err, store.ErrConflict):
		slog.WarnContext(ctx, "Message left pending before acceptance was recorded")
		return workers.Completed
	case errors.Is(err, model.ErrNotFound):
		slog.WarnContext(ctx, "Message disappeared after carrier acceptance")
		return workers.Dropped
	case err != nil:
		// The carrier already has the message; a redelivery would send it twice.
		logging.Critical(ctx, "Carrier accepted message but status update failed", slog.Any("error", err))
		return workers.DeadLettered
	}

	if w.index != nil {
		if err := w.index.Remember(ctx, acc.ProviderID, msg.MessageID); err != nil {
			slog.WarnContext(ctx, "Provider index write failed, reports will use the store", slog.Any("error", err))
		}
	}
	slog.InfoContext(ctx, "Message accepted by carrier", slog.Int("parts", acc.PartCount))
	return workers.Completed
}

// fail records the failure as "<code>: <detail>" in last_error.
func (w *Worker) fail(ctx context.Context, msg model.Message, code, detail string) workers.Outcome {
	ctx = context.WithoutCancel(ctx)
	reason := code + ": " + detail
	err := w.store.MarkFailed(ctx, msg.MessageID, reason)
	switch {
	case errors.Is(err, store.ErrConflict), errors.Is(err, model.ErrNotFound):
		slog.WarnContext(ctx, "Could not mark message failed", slog.Any("error", err))
		return workers.Completed
	case err != nil:
		slog.ErrorContext(ctx, "Failed to mark message failed", slog.Any("error", err))
		return workers.DeadLettered
	}
	slog.WarnContext(ctx, "Message rejected by carrier", slog.String("error_code", code), slog.String("reason", detail))
	return workers.Completed
}

func (w *Worker) count(result string) {
	if w.metrics != nil {
		w.metrics.CarrierAttempts.WithLabelValues(result).Inc()
	}
}
