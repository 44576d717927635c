package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/thrillee/aegiscert/internal/broker"
	"github.com/thrillee/aegiscert/internal/cache"
	"github.com/thrillee/aegiscert/internal/carrier"
	"github.com/thrillee/aegiscert/internal/config"
	"github.com/thrillee/aegiscert/internal/dispatch"
	"github.com/thrillee/aegiscert/internal/logging"
	"github.com/thrillee/aegiscert/internal/metrics"
	"github.com/thrillee/aegiscert/internal/store"
	"github.com/thrillee/aegiscert/internal/workers"
)

func main() {
	appCtx, rootCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.Setup(cfg.LogLevel)
	if err := cfg.Carrier.Validate(); err != nil {
		slog.Error("Invalid carrier configuration", slog.Any("error", err))
		os.Exit(1)
	}

	st, err := store.Open(appCtx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to open message store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	brokerClient, err := broker.Connect(appCtx, broker.ConfigFrom(cfg.Broker))
	if err != nil {
		slog.Error("Unable to connect to broker", slog.Any("error", err))
		os.Exit(1)
	}
	defer brokerClient.Close()

	var index dispatch.ProviderIndex
	if cfg.Redis.URL != "" {
		idx, err := cache.Connect(appCtx, cfg.Redis.URL, cfg.Redis.IndexTTL)
		if err != nil {
			slog.Error("Unable to connect to redis", slog.Any("error", err))
			os.Exit(1)
		}
		defer idx.Close()
		index = idx
	}

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(appCtx, cfg.MetricsAddr); err != nil {
				slog.Error("Metrics listener failed", slog.Any("error", err))
			}
		}()
	}

	worker := dispatch.NewWorker(
		dispatch.Config{
			DCS:              cfg.Carrier.DCS,
			MaxAttempts:      cfg.Carrier.MaxAttempts,
			ThrottleDelay:    cfg.Carrier.ThrottleDelay,
			ServerErrorDelay: cfg.Carrier.ServerErrorDelay,
		},
		st,
		carrier.NewClient(carrier.Config{
			URL:             cfg.Carrier.URL,
			Username:        cfg.Carrier.Username,
			Password:        cfg.Carrier.Password,
			DLRURL:          cfg.Carrier.DLRURL,
			DLRMask:         cfg.Carrier.DLRMask,
			Flash:           cfg.Carrier.Flash,
			ValidityMinutes: cfg.Carrier.ValidityMinutes,
			Timeout:         cfg.Carrier.Timeout,
		}),
		index,
		m,
	)

	err = workers.RunConsumer(appCtx, brokerClient, workers.ConsumerConfig{
		Stage:    dispatch.Stage,
		Queue:    cfg.Broker.DispatchQueue,
		Prefetch: cfg.Broker.Prefetch,
		Metrics:  m,
	}, worker.Handle)
	if err != nil {
		slog.Error("Dispatch consumer stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("dispatch-worker shutdown complete.")
}
