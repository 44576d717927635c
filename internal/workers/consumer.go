package workers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"

	"github.com/google/uuid"
	"github.com/thrillee/aegiscert/internal/broker"
	"github.com/thrillee/aegiscert/internal/logging"
	"github.com/thrillee/aegiscert/internal/metrics"
)

// HandlerFunc processes one task body to completion and reports its outcome.
// All store writes must be committed before it returns. The ctx it receives
// is detached: only Sleep observes consumer shutdown.
type HandlerFunc func(ctx context.Context, body []byte) Outcome

// ConsumerConfig names the stage and queue a consumer serves.
type ConsumerConfig struct {
	Stage    string
	Queue    string
	Prefetch int
	WorkerID string
	Metrics  *metrics.Metrics
}

// NewWorkerID builds a unique id for this process from hostname and a uuid.
func NewWorkerID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s-%s", hostname, uuid.NewString())
}

// RunConsumer reads tasks from src one at a time and settles each after the
// handler returns. Cancelling ctx stops new deliveries but lets the task in
// flight finish and settle. A closed stream or consume error triggers src.Reconnect.
// It returns when ctx is cancelled or reconnecting fails.
func RunConsumer(ctx context.Context, src broker.Source, cfg ConsumerConfig, handle HandlerFunc) error {
	if cfg.Prefetch < 1 {
		cfg.Prefetch = 1
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = NewWorkerID()
	}
	logCtx := logging.ContextWithStage(ctx, cfg.Stage)
	logCtx = logging.ContextWithQueue(logCtx, cfg.Queue)
	logCtx = logging.ContextWithWorkerID(logCtx, cfg.WorkerID)

	slog.InfoContext(logCtx, "Consumer starting", slog.Int("prefetch", cfg.Prefetch))
	for {
		deliveries, err := src.Consume(logCtx, cfg.Queue, cfg.Prefetch)
		if err != nil {
			slog.ErrorContext(logCtx, "Failed to start consuming, reconnecting", slog.Any("error", err))
		} else {
			taskCtx := Detach(logCtx)
			for d := range deliveries {
				outcome := safeHandle(taskCtx, handle, d.Body())
				if cfg.Metrics != nil {
					cfg.Metrics.TaskOutcomes.WithLabelValues(cfg.Stage, outcome.String()).Inc()
				}
				if err := Settle(d, outcome); err != nil {
					slog.ErrorContext(logCtx, "Failed to settle delivery",
						slog.String("outcome", outcome.String()),
						slog.Any("error", err),
					)
				} else {
					slog.DebugContext(logCtx, "Task settled", slog.String("outcome", outcome.String()))
				}
			}
		}

		if ctx.Err() != nil {
			slog.InfoContext(logCtx, "Consumer stopping...")
			return nil
		}
		slog.WarnContext(logCtx, "Consumer stream closed, reconnecting")
		if err := src.Reconnect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reconnect %s consumer: %w", cfg.Stage, err)
		}
	}
}

// safeHandle turns a handler panic into DeadLettered so one poisoned task
// cannot take down the consumer.
func safeHandle(ctx context.Context, handle HandlerFunc, body []byte) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			logging.Critical(ctx, "Task handler panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			outcome = DeadLettered
		}
	}()
	return handle(ctx, body)
}
