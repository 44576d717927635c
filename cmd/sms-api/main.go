package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/thrillee/aegiscert/internal/auth"
	"github.com/thrillee/aegiscert/internal/broker"
	"github.com/thrillee/aegiscert/internal/cache"
	"github.com/thrillee/aegiscert/internal/config"
	"github.com/thrillee/aegiscert/internal/httpserver"
	"github.com/thrillee/aegiscert/internal/ingest"
	"github.com/thrillee/aegiscert/internal/logging"
	"github.com/thrillee/aegiscert/internal/metrics"
	"github.com/thrillee/aegiscert/internal/reconcile"
	"github.com/thrillee/aegiscert/internal/store"
	"github.com/thrillee/aegiscert/internal/workers"
)

func main() {
	hashKey := flag.String("hash-api-key", "", "print the bcrypt hash of this secret for HTTP_API_KEY_HASH and exit")
	flag.Parse()
	if *hashKey != "" {
		hash, err := auth.HashAPIKey(*hashKey)
		if err != nil {
			log.Fatalf("Failed to hash api key: %v", err)
		}
		fmt.Println(hash)
		return
	}

	appCtx, rootCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer rootCancel()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.Setup(cfg.LogLevel)

	// --- Store ---
	st, err := store.Open(appCtx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Unable to open message store", slog.Any("error", err))
		os.Exit(1)
	}
	defer st.Close()

	// --- Broker ---
	brokerClient, err := broker.Connect(appCtx, broker.ConfigFrom(cfg.Broker))
	if err != nil {
		slog.Error("Unable to connect to broker", slog.Any("error", err))
		os.Exit(1)
	}
	defer brokerClient.Close()

	// --- Provider index (optional) ---
	var lookup reconcile.ProviderLookup
	if cfg.Redis.URL != "" {
		index, err := cache.Connect(appCtx, cfg.Redis.URL, cfg.Redis.IndexTTL)
		if err != nil {
			slog.Error("Unable to connect to redis", slog.Any("error", err))
			os.Exit(1)
		}
		defer index.Close()
		lookup = index
	} else {
		slog.Warn("REDIS_URL not set, delivery reports resolve through the store only")
	}

	m := metrics.New()
	ingestSvc := ingest.NewService(st, brokerClient, cfg.Broker.DispatchQueue, m)
	reconcileSvc := reconcile.NewService(
		st,
		brokerClient,
		cfg.Broker.CertificationQueue,
		reconcile.NewHTTPEchoer(reconcile.EchoConfig{
			Timeout:          cfg.Echo.Timeout,
			FailureThreshold: cfg.Echo.FailureThreshold,
			Cooldown:         cfg.Echo.Cooldown,
		}),
		lookup,
		m,
	)
	stale := ingest.NewStaleReporter(st, cfg.Sweep.StaleAfter, m)

	httpServer := httpserver.NewServer(cfg.HttpConfig, ingestSvc, reconcileSvc, st.Ping, m.Handler())

	var wg sync.WaitGroup
	slog.Info("Starting sms-api components...")

	wg.Add(1)
	go func() {
		defer wg.Done()
		workers.RunWorkerLoop(appCtx, "stale-pending", cfg.Sweep.Interval, cfg.Sweep.BatchSize, stale.Sweep)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP Server failed", slog.Any("error", err))
			rootCancel()
		}
		slog.Info("HTTP Server stopped.")
	}()

	<-appCtx.Done()
	slog.Info("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Error during HTTP Server shutdown", slog.Any("error", err))
	}
	wg.Wait()
	slog.Info("sms-api shutdown complete.")
}
