package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thrillee/aegiscert/internal/metrics"
	"github.com/thrillee/aegiscert/internal/store/storetest"
)

func TestStaleReporterCountsOldPending(t *testing.T) {
	s := storetest.New(t)
	m := metrics.New()
	old := storetest.SeedMessage(t, s, "")
	storetest.SeedSending(t, s, "", "P-1")

	r := NewStaleReporter(s, 15*time.Minute, m)

	n, err := r.Sweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh messages are not stale")

	r.now = func() time.Time { return old.ReceivedAt.Add(time.Hour) }
	n, err = r.Sweep(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "only pending messages are reported")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.StalePending))
}
