package certify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/thrillee/aegiscert/internal/broker"
	"github.com/thrillee/aegiscert/internal/logging"
	"github.com/thrillee/aegiscert/internal/metrics"
	"github.com/thrillee/aegiscert/internal/model"
	"github.com/thrillee/aegiscert/internal/store"
	"github.com/thrillee/aegiscert/internal/workers"
)

const Stage = "certify"

type Config struct {
	OutputDir         string
	DistributionQueue string
}

// Worker renders, signs and stores delivery certificates, then hands them to
// distribution.
type Worker struct {
	cfg       Config
	store     store.Store
	publisher broker.Publisher
	guard     Guard
	renderer  Renderer
	signer    Signer
	metrics   *metrics.Metrics
	now       func() time.Time
}

func NewWorker(cfg Config, st store.Store, pub broker.Publisher, guard Guard, renderer Renderer, signer Signer, m *metrics.Metrics) *Worker {
	return &Worker{
		cfg:       cfg,
		store:     st,
		publisher: pub,
		guard:     guard,
		renderer:  renderer,
		signer:    signer,
		metrics:   m,
		now:       time.Now,
	}
}

// Handle renders, signs and stores one certificate. It runs to completion
// even when the consumer is shutting down.
func (w *Worker) Handle(ctx context.Context, body []byte) workers.Outcome {
	ctx = workers.Detach(ctx)
	var task model.CertificationTask
	if err := json.Unmarshal(body, &task); err != nil || task.MessageID == "" {
		slog.WarnContext(ctx, "Discarding malformed certification task", slog.String("body", string(body)))
		return workers.Dropped
	}
	ctx = logging.ContextWithMessageID(ctx, task.MessageID)

	msg, err := w.store.GetMessage(ctx, task.MessageID)
	if errors.Is(err, model.ErrNotFound) {
		slog.WarnContext(ctx, "Certification task for unknown message")
		return workers.Dropped
	}
	if err != nil {
		slog.ErrorContext(ctx, "Failed to load message for certification", slog.Any("error", err))
		return workers.DeadLettered
	}
	if !w.guard.Allow(msg) {
		slog.InfoContext(ctx, "Message not eligible for certification", slog.String("status", string(msg.Status)))
		return workers.Dropped
	}
	if msg.CertificatePath != nil {
		slog.InfoContext(ctx, "Message already certified", slog.String("certificate_path", *msg.CertificatePath))
		return workers.Dropped
	}

	path, err := w.produce(ctx, msg)
	if err != nil {
		logging.Critical(ctx, "Certificate generation failed", slog.Any("error", &model.SigningError{MessageID: msg.MessageID, Err: err}))
		return workers.DeadLettered
	}

	// The certificate exists on disk now; record it even if we are shutting down.
	ctx = context.WithoutCancel(ctx)
	err = w.store.SetCertificatePath(ctx, msg.MessageID, path)
	switch {
	case errors.Is(err, store.ErrConflict):
		slog.WarnContext(ctx, "Certificate path already recorded by another worker", slog.String("orphan_file", path))
		return workers.Dropped
	case err != nil:
		slog.ErrorContext(ctx, "Failed to record certificate path", slog.Any("error", err))
		return workers.DeadLettered
	}
	slog.InfoContext(ctx, "Certificate stored", slog.String("certificate_path", path))

	next := model.DistributionTask{
		MessageID:       msg.MessageID,
		CertificatePath: path,
		RecipientEmail:  msg.ContactEmail,
		RemoteDirectory: msg.DeliveryDirectory,
	}
	if err := w.publisher.Publish(ctx, w.cfg.DistributionQueue, next); err != nil {
		if w.metrics != nil {
			w.metrics.PublishFailures.WithLabelValues(w.cfg.DistributionQueue).Inc()
		}
		logging.Critical(ctx, "Certificate stored but distribution task was not published",
			slog.String("queue", w.cfg.DistributionQueue),
			slog.Any("error", err),
		)
		return workers.DeadLettered
	}
	return workers.Completed
}

// produce renders and signs the certificate and writes it under OutputDir.
func (w *Worker) produce(ctx context.Context, msg model.Message) (string, error) {
	doc, err := w.renderer.Render(msg, w.now())
	if err != nil {
		return "", err
	}
	signed, err := w.signer.Sign(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("sign certificate: %w", err)
	}

	if err := os.MkdirAll(w.cfg.OutputDir, 0o750); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	path := filepath.Join(w.cfg.OutputDir, msg.MessageID+".pdf"+w.signer.Extension())
	if err := writeFileAtomic(path, signed); err != nil {
		return "", err
	}
	return path, nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".cert-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write certificate: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close certificate: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("move certificate into place: %w", err)
	}
	return nil
}
