package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "aegiscert"

// Metrics groups the pipeline counters. Every stage takes one instance.
type Metrics struct {
	TaskOutcomes     *prometheus.CounterVec
	CarrierAttempts  *prometheus.CounterVec
	Reports          *prometheus.CounterVec
	Echoes           *prometheus.CounterVec
	DeliveryFailures *prometheus.CounterVec
	PublishFailures  *prometheus.CounterVec
	Submissions      *prometheus.CounterVec
	StalePending     prometheus.Gauge

	registry *prometheus.Registry
}

// New builds the counters on a fresh registry that also carries the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	m := &Metrics{
		TaskOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_task_outcomes_total",
			Help:      "Queue tasks settled per stage and outcome.",
		}, []string{"stage", "outcome"}),
		CarrierAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "carrier_attempts_total",
			Help:      "Carrier submission attempts by result.",
		}, []string{"result"}),
		Reports: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_reports_total",
			Help:      "Carrier delivery reports by event and whether they changed status.",
		}, []string{"event", "applied"}),
		Echoes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "report_echoes_total",
			Help:      "Delivery report echoes to client listeners by result.",
		}, []string{"result"}),
		DeliveryFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "certificate_delivery_failures_total",
			Help:      "Failed certificate deliveries by channel.",
		}, []string{"channel"}),
		PublishFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_publish_failures_total",
			Help:      "Queue publish failures after the store was updated.",
		}, []string{"queue"}),
		Submissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "submissions_total",
			Help:      "Ingested SMS submissions by result.",
		}, []string{"result"}),
		StalePending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_pending_messages",
			Help:      "Pending messages older than the sweep threshold at the last sweep.",
		}),
	}
	m.registry = reg
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve runs a standalone /metrics listener until ctx is done. Worker
// processes use it; the API process mounts Handler on its own mux.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Starting metrics listener", slog.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
