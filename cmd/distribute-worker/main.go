package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/thrillee/aegiscert/internal/broker"
	"github.com/thrillee/aegiscert/internal/config"
	"github.com/thrillee/aegiscert/internal/distribute"
	"github.com/thrillee/aegiscert/internal/logging"
	"github.com/thrillee/aegiscert/internal/metrics"
	"github.com/thrillee/aegiscert/internal/notification"
	"github.com/thrillee/aegiscert/internal/transfer"
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

	var mailer notification.Mailer
	if cfg.SMTP.Enabled() {
		smtp, err := notification.NewSMTPMailer(cfg.SMTP)
		if err != nil {
			slog.Error("Invalid SMTP configuration", slog.Any("error", err))
			os.Exit(1)
		}
		mailer = smtp
	} else {
		slog.Warn("SMTP_HOST not set, certificates will not be mailed")
	}

	var uploader transfer.Uploader
	if cfg.Remote.Enabled() {
		u, err := transfer.New(cfg.Remote)
		if err != nil {
			slog.Error("Invalid remote storage configuration", slog.Any("error", err))
			os.Exit(1)
		}
		uploader = u
	} else {
		slog.Warn("REMOTE_HOST not set, certificates will not be uploaded")
	}

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

	worker := distribute.NewWorker(mailer, uploader, m)
	err = workers.RunConsumer(appCtx, brokerClient, workers.ConsumerConfig{
		Stage:    distribute.Stage,
		Queue:    cfg.Broker.DistributionQueue,
		Prefetch: cfg.Broker.Prefetch,
		Metrics:  m,
	}, worker.Handle)
	if err != nil {
		slog.Error("Distribution consumer stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("distribute-worker shutdown complete.")
}
