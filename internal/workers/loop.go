package workers

import (
	"context"
	"log/slog"
	"time"
)

// WorkerFunc defines the function signature for work performed by a worker loop.
// It returns the number of items processed and any critical error encountered.
type WorkerFunc func(ctx context.Context, batchSize int) (int, error)

// RunWorkerLoop runs a generic worker function periodically until ctx is done.
func RunWorkerLoop(ctx context.Context, name string, interval time.Duration, batchSize int, workerFunc WorkerFunc) {
	slog.InfoContext(ctx, "Worker loop starting",
		slog.String("worker", name),
		slog.Duration("interval", interval),
		slog.Int("batch_size", batchSize),
	)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Worker loop stopping...", slog.String("worker", name))
			return
		case <-ticker.C:
			runWork(ctx, name, interval, batchSize, workerFunc)
		}
	}
}

// runWork executes a single batch with a timeout no longer than the interval.
func runWork(ctx context.Context, name string, interval time.Duration, batchSize int, workerFunc WorkerFunc) {
	timeout := time.Minute
	if interval < timeout {
		timeout = interval
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	processedCount, err := workerFunc(runCtx, batchSize)
	if err != nil {
		slog.ErrorContext(ctx, "Worker loop run failed", slog.String("worker", name), slog.Any("error", err))
		return
	}
	if processedCount > 0 {
		slog.InfoContext(ctx, "Worker loop processed items", slog.String("worker", name), slog.Int("count", processedCount))
	}
}
