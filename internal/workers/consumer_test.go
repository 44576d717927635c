package workers

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thrillee/aegiscert/internal/broker/brokertest"
	"github.com/thrillee/aegiscert/internal/metrics"
)

const testQueue = "sms_test"

func TestSettleMapsOutcomes(t *testing.T) {
	b := brokertest.New()
	for i := 0; i < 4; i++ {
		b.PublishRaw(testQueue, []byte(`{}`))
	}

	for _, o := range []Outcome{Completed, Dropped, Retry, DeadLettered} {
		d, ok := b.Pop(testQueue)
		require.True(t, ok)
		require.NoError(t, Settle(d, o))
	}

	assert.Equal(t, 2, b.Acked(testQueue))
	assert.Len(t, b.Pending(testQueue), 1, "retry requeues")
	assert.Len(t, b.DeadLetters(testQueue), 1)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "completed", Completed.String())
	assert.Equal(t, "dead_lettered", DeadLettered.String())
	assert.Equal(t, "outcome(9)", Outcome(9).String())
}

func runConsumer(t *testing.T, b *brokertest.Broker, m *metrics.Metrics, handle HandlerFunc) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunConsumer(ctx, b, ConsumerConfig{Stage: "test", Queue: testQueue, Metrics: m}, handle)
	}()
	return cancel, done
}

func stop(t *testing.T, cancel context.CancelFunc, done <-chan error) {
	t.Helper()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}
}

func TestRunConsumerSettlesEachTask(t *testing.T) {
	b := brokertest.New()
	m := metrics.New()
	b.PublishRaw(testQueue, []byte("ok"))
	b.PublishRaw(testQueue, []byte("drop"))
	b.PublishRaw(testQueue, []byte("dead"))

	cancel, done := runConsumer(t, b, m, func(_ context.Context, body []byte) Outcome {
		switch string(body) {
		case "drop":
			return Dropped
		case "dead":
			return DeadLettered
		}
		return Completed
	})

	require.Eventually(t, func() bool {
		return b.Acked(testQueue) == 2 && len(b.DeadLetters(testQueue)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	stop(t, cancel, done)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskOutcomes.WithLabelValues("test", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TaskOutcomes.WithLabelValues("test", "dead_lettered")))
}

func TestRunConsumerRetryRedelivers(t *testing.T) {
	b := brokertest.New()
	b.PublishRaw(testQueue, []byte("flaky"))

	var calls atomic.Int32
	cancel, done := runConsumer(t, b, nil, func(context.Context, []byte) Outcome {
		if calls.Add(1) == 1 {
			return Retry
		}
		return Completed
	})

	require.Eventually(t, func() bool { return b.Acked(testQueue) == 1 }, 2*time.Second, 10*time.Millisecond)
	stop(t, cancel, done)
	assert.Equal(t, int32(2), calls.Load())
}

func TestRunConsumerPanicDeadLetters(t *testing.T) {
	b := brokertest.New()
	b.PublishRaw(testQueue, []byte("boom"))

	cancel, done := runConsumer(t, b, nil, func(context.Context, []byte) Outcome {
		panic(errors.New("boom"))
	})

	require.Eventually(t, func() bool { return len(b.DeadLetters(testQueue)) == 1 }, 2*time.Second, 10*time.Millisecond)
	stop(t, cancel, done)
}

func TestRunConsumerReconnectsAfterDisconnect(t *testing.T) {
	b := brokertest.New()
	var handled atomic.Int32
	cancel, done := runConsumer(t, b, nil, func(context.Context, []byte) Outcome {
		handled.Add(1)
		return Completed
	})

	b.PublishRaw(testQueue, []byte("first"))
	require.Eventually(t, func() bool { return handled.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	b.Disconnect()
	require.Eventually(t, func() bool { return b.Reconnects() >= 1 }, 2*time.Second, 10*time.Millisecond)

	b.PublishRaw(testQueue, []byte("second"))
	require.Eventually(t, func() bool { return handled.Load() == 2 }, 2*time.Second, 10*time.Millisecond)
	stop(t, cancel, done)
	assert.Equal(t, 2, b.Acked(testQueue))
}

func TestSleepInterrupted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestSleepDetached(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx := Detach(parent)
	assert.NoError(t, Sleep(ctx, time.Millisecond))
	assert.NoError(t, Sleep(ctx, 0))

	cancel()
	assert.NoError(t, ctx.Err(), "detached context is never cancelled")
	assert.ErrorIs(t, Sleep(ctx, time.Hour), ErrShuttingDown)
	assert.ErrorIs(t, Sleep(Detach(ctx), time.Hour), ErrShuttingDown, "detaching twice keeps the first signal")
}

func TestRunConsumerShutdownLetsInFlightTaskFinish(t *testing.T) {
	b := brokertest.New()
	started := make(chan struct{})
	release := make(chan struct{})
	results := make(chan error, 2)

	cancel, done := runConsumer(t, b, nil, func(ctx context.Context, _ []byte) Outcome {
		close(started)
		<-release
		results <- ctx.Err()
		results <- Sleep(ctx, time.Hour)
		return Completed
	})
	b.PublishRaw(testQueue, []byte("slow"))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never started")
	}
	cancel()
	close(release)
	stop(t, cancel, done)

	assert.NoError(t, <-results, "handler context must survive shutdown")
	assert.ErrorIs(t, <-results, ErrShuttingDown)
	assert.Equal(t, 1, b.Acked(testQueue))
	assert.Empty(t, b.DeadLetters(testQueue))
	assert.Empty(t, b.Pending(testQueue))
}

func TestRunWorkerLoopStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var runs atomic.Int32
	finished := make(chan struct{})
	go func() {
		RunWorkerLoop(ctx, "test", 5*time.Millisecond, 10, func(_ context.Context, batch int) (int, error) {
			runs.Add(1)
			return batch, nil
		})
		close(finished)
	}()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not stop")
	}
}
