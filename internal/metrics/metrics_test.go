package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_HandlerExposesCounters(t *testing.T) {
	m := New()
	m.TaskOutcomes.WithLabelValues("dispatch", "completed").Inc()
	m.TaskOutcomes.WithLabelValues("dispatch", "completed").Inc()
	m.StalePending.Set(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.TaskOutcomes.WithLabelValues("dispatch", "completed")))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `aegiscert_pipeline_task_outcomes_total{outcome="completed",stage="dispatch"} 2`)
	assert.Contains(t, string(body), "aegiscert_stale_pending_messages 3")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestMetrics_InstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Submissions.WithLabelValues("accepted").Inc()
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Submissions.WithLabelValues("accepted")))
}
