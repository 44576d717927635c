package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/thrillee/aegiscert/internal/broker"
	"github.com/thrillee/aegiscert/internal/certify"
	"github.com/thrillee/aegiscert/internal/config"
	"github.com/thrillee/aegiscert/internal/logging"
	"github.com/thrillee/aegiscert/internal/metrics"
	"github.com/thrillee/aegiscert/internal/model"
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
	if err := cfg.Certificate.Validate(); err != nil {
		slog.Error("Invalid certificate configuration", slog.Any("error", err))
		os.Exit(1)
	}

	signer, err := certify.NewCMSSigner(certify.SignerConfig{
		PKCS12Path:     cfg.Certificate.PKCS12Path,
		PKCS12Password: cfg.Certificate.PKCS12Password,
		TSAURL:         cfg.Certificate.TSAURL,
		TSAUsername:    cfg.Certificate.TSAUsername,
		TSAPassword:    cfg.Certificate.TSAPassword,
	})
	if err != nil {
		slog.Error("Unable to load signing identity", slog.Any("error", err))
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

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(appCtx, cfg.MetricsAddr); err != nil {
				slog.Error("Metrics listener failed", slog.Any("error", err))
			}
		}()
	}

	slog.Info("Certification guard configured", slog.String("status", cfg.Certificate.GuardStatus))
	worker := certify.NewWorker(
		certify.Config{
			OutputDir:         cfg.Certificate.OutputDir,
			DistributionQueue: cfg.Broker.DistributionQueue,
		},
		st,
		brokerClient,
		certify.StatusGuard{Status: model.Status(cfg.Certificate.GuardStatus)},
		certify.NewPDFRenderer(cfg.Certificate.IssuerName),
		signer,
		m,
	)

	err = workers.RunConsumer(appCtx, brokerClient, workers.ConsumerConfig{
		Stage:    certify.Stage,
		Queue:    cfg.Broker.CertificationQueue,
		Prefetch: cfg.Broker.Prefetch,
		Metrics:  m,
	}, worker.Handle)
	if err != nil {
		slog.Error("Certification consumer stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("certify-worker shutdown complete.")
}
