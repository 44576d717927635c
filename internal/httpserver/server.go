package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/thrillee/aegiscert/internal/config"
	"github.com/thrillee/aegiscert/internal/ingest"
	"github.com/thrillee/aegiscert/internal/reconcile"
)

// Submitter is the ingestion stage.
type Submitter interface {
	Submit(ctx context.Context, sub ingest.Submission) (ingest.Receipt, error)
}

// ReportHandler is the reconciliation stage.
type ReportHandler interface {
	HandleReport(ctx context.Context, r reconcile.Report) (reconcile.Result, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server is the public HTTP surface: ingestion, carrier webhooks, health and metrics.
type Server struct {
	config     config.HttpConfig
	submitter  Submitter
	reports    ReportHandler
	health     HealthCheck
	metrics    http.Handler
	httpServer *http.Server
	mu         sync.Mutex
	stopOnce   sync.Once
}

// NewServer creates a new HTTP server instance. health and metrics may be nil.
func NewServer(cfg config.HttpConfig, submitter Submitter, reports ReportHandler, health HealthCheck, metrics http.Handler) *Server {
	if submitter == nil || reports == nil {
		panic("ingestion and reconciliation handlers cannot be nil for HTTP Server")
	}
	return &Server{
		config:    cfg,
		submitter: submitter,
		reports:   reports,
		health:    health,
		metrics:   metrics,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sms", s.authMiddleware(s.handleSubmit))
	mux.HandleFunc("POST /receive_sms", s.authMiddleware(s.handleReceiveSMS))
	mux.HandleFunc("POST /webhook/dlr", s.handleDLR)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mux
}

// ListenAndServe starts the HTTP server and blocks until shutdown.
func (s *Server) ListenAndServe() error {
	s.mu.Lock()
	if s.httpServer != nil {
		s.mu.Unlock()
		return errors.New("http server already started")
	}
	s.httpServer = &http.Server{
		Addr:         s.config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
		ErrorLog:     slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}
	srv := s.httpServer
	s.mu.Unlock()

	slog.Info("Starting HTTP Server", slog.String("address", s.config.Addr))
	err := srv.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server ListenAndServe error", slog.Any("error", err))
		return err
	}
	slog.Info("HTTP Server stopped.")
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.InfoContext(ctx, "Shutdown requested for HTTP server...")
	var err error
	s.stopOnce.Do(func() {
		s.mu.Lock()
		srv := s.httpServer
		s.mu.Unlock()
		if srv != nil {
			srv.SetKeepAlivesEnabled(false)
			err = srv.Shutdown(ctx)
		}
	})
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.health(ctx); err != nil {
			slog.WarnContext(ctx, "Health check failed", slog.Any("error", err))
			writeJSON(r.Context(), w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(r.Context(), w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "Failed to encode HTTP response", slog.Any("error", err))
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, detail string) {
	writeJSON(ctx, w, status, map[string]string{"status": "error", "detail": detail})
}
