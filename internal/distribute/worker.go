package distribute

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"

	"github.com/thrillee/aegiscert/internal/logging"
	"github.com/thrillee/aegiscert/internal/metrics"
	"github.com/thrillee/aegiscert/internal/model"
	"github.com/thrillee/aegiscert/internal/notification"
	"github.com/thrillee/aegiscert/internal/transfer"
	"github.com/thrillee/aegiscert/internal/workers"
)

const (
	Stage = "distribute"

	ChannelMail   = "mail"
	ChannelUpload = "upload"
)

// Worker delivers stored certificates by mail and remote upload. Either
// channel may be nil when it is not configured.
type Worker struct {
	mailer   notification.Mailer
	uploader transfer.Uploader
	metrics  *metrics.Metrics
}

func NewWorker(mailer notification.Mailer, uploader transfer.Uploader, m *metrics.Metrics) *Worker {
	return &Worker{mailer: mailer, uploader: uploader, metrics: m}
}

// Handle attempts both channels independently. Channel failures are logged
// and counted but never retried, so a stored certificate is delivered at
// most once per task.
func (w *Worker) Handle(ctx context.Context, body []byte) workers.Outcome {
	ctx = workers.Detach(ctx)
	var task model.DistributionTask
	if err := json.Unmarshal(body, &task); err != nil || task.MessageID == "" {
		slog.WarnContext(ctx, "Discarding malformed distribution task", slog.String("body", string(body)))
		return workers.Dropped
	}
	ctx = logging.ContextWithMessageID(ctx, task.MessageID)
	if missing := missingFields(task); len(missing) > 0 {
		slog.WarnContext(ctx, "Discarding incomplete distribution task", slog.Any("missing", missing))
		return workers.Dropped
	}

	if _, err := os.Stat(task.CertificatePath); err != nil {
		slog.ErrorContext(ctx, "Certificate file is not readable, dropping task",
			slog.String("certificate_path", task.CertificatePath),
			slog.Any("error", err),
		)
		return workers.Dropped
	}

	w.mail(ctx, task)
	w.upload(ctx, task)
	return workers.Completed
}

func missingFields(task model.DistributionTask) []string {
	var missing []string
	if task.CertificatePath == "" {
		missing = append(missing, "certificate_path")
	}
	if task.RecipientEmail == "" {
		missing = append(missing, "recipient_email")
	}
	if task.RemoteDirectory == "" {
		missing = append(missing, "remote_directory")
	}
	return missing
}

func (w *Worker) mail(ctx context.Context, task model.DistributionTask) {
	if w.mailer == nil {
		slog.WarnContext(ctx, "Mail channel not configured, skipping")
		return
	}
	if err := w.mailer.SendCertificate(ctx, task.RecipientEmail, task.MessageID, task.CertificatePath); err != nil {
		w.channelFailed(ctx, ChannelMail, err)
	}
}

func (w *Worker) upload(ctx context.Context, task model.DistributionTask) {
	if w.uploader == nil {
		slog.WarnContext(ctx, "Upload channel not configured, skipping")
		return
	}
	dst, err := w.uploader.Upload(ctx, task.CertificatePath, task.RemoteDirectory)
	if err != nil {
		w.channelFailed(ctx, ChannelUpload, err)
		return
	}
	slog.InfoContext(ctx, "Certificate uploaded", slog.String("remote_path", dst))
}

func (w *Worker) channelFailed(ctx context.Context, channel string, err error) {
	var chErr *model.DeliveryChannelError
	if !errors.As(err, &chErr) {
		chErr = &model.DeliveryChannelError{Channel: channel, Err: err}
	}
	if w.metrics != nil {
		w.metrics.DeliveryFailures.WithLabelValues(channel).Inc()
	}
	logging.Critical(ctx, "Certificate delivery failed", slog.String("channel", channel), slog.Any("error", chErr))
}
