package workers

import (
	"context"
	"errors"
	"time"
)

// ErrShuttingDown is returned by Sleep when the consumer that started the task
// is stopping.
var ErrShuttingDown = errors.New("worker shutting down")

type shutdownKey struct{}

// Detach returns a context that is never cancelled so a started task runs to
// completion. Cancellation of ctx stays visible to Sleep, which is the only
// place a task may be cut short.
func Detach(ctx context.Context) context.Context {
	if _, ok := ctx.Value(shutdownKey{}).(<-chan struct{}); ok {
		return context.WithoutCancel(ctx)
	}
	return context.WithValue(context.WithoutCancel(ctx), shutdownKey{}, ctx.Done())
}

func shutdownSignal(ctx context.Context) <-chan struct{} {
	ch, _ := ctx.Value(shutdownKey{}).(<-chan struct{})
	return ch
}

// Sleep waits for d. It returns early with ctx.Err() when ctx is cancelled,
// or with ErrShuttingDown when ctx was detached from a context that has since
// been cancelled.
func Sleep(ctx context.Context, d time.Duration) error {
	shutdown := shutdownSignal(ctx)
	select {
	case <-shutdown:
		return ErrShuttingDown
	default:
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-shutdown:
		return ErrShuttingDown
	case <-t.C:
		return nil
	}
}
