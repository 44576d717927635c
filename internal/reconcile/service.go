package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/thrillee/aegiscert/internal/broker"
	"github.com/thrillee/aegiscert/internal/cache"
	"github.com/thrillee/aegiscert/internal/logging"
	"github.com/thrillee/aegiscert/internal/metrics"
	"github.com/thrillee/aegiscert/internal/model"
	"github.com/thrillee/aegiscert/internal/store"
	"github.com/thrillee/aegiscert/pkg/errormapper"
)

// ErrInvalid is returned for reports missing the provider id or event.
var ErrInvalid = errors.New("invalid delivery report")

// Report is one carrier delivery report.
type Report struct {
	ProviderMessageID string
	Event             string
	ErrorCode         string
	ErrorMessage      string
	PartCount         int
	PartIndex         int
}

type Result struct {
	MessageID           string
	Previous            model.Status
	Current             model.Status
	Applied             bool
	CertificationQueued bool
}

// ProviderLookup resolves provider ids without touching the store.
type ProviderLookup interface {
	Lookup(ctx context.Context, providerID string) (string, error)
}

// Service applies carrier delivery reports.
type Service struct {
	store              store.Store
	publisher          broker.Publisher
	certificationQueue string
	echoer             Echoer
	index              ProviderLookup
	metrics            *metrics.Metrics
	now                func() time.Time
}

// NewService wires the reconciler. index and m may be nil.
func NewService(st store.Store, pub broker.Publisher, certificationQueue string, echoer Echoer, index ProviderLookup, m *metrics.Metrics) *Service {
	return &Service{
		store:              st,
		publisher:          pub,
		certificationQueue: certificationQueue,
		echoer:             echoer,
		index:              index,
		metrics:            m,
		now:                time.Now,
	}
}

// HandleReport applies the report, echoes it to the originating system and
// queues certification on the first transition into delivered. Echo and
// publish failures are logged only: once the update commits the carrier gets
// a success answer.
func (s *Service) HandleReport(ctx context.Context, r Report) (Result, error) {
	if r.ProviderMessageID == "" || r.Event == "" {
		return Result{}, fmt.Errorf("%w: provider message id and event are required", ErrInvalid)
	}
	ctx = logging.ContextWithProviderID(ctx, r.ProviderMessageID)
	event := store.NormalizeEvent(r.Event)

	msg, err := s.resolve(ctx, r.ProviderMessageID)
	if err != nil {
		return Result{}, err
	}
	ctx = logging.ContextWithMessageID(ctx, msg.MessageID)

	outcome, err := s.store.ApplyReport(ctx, msg.MessageID, event)
	if err != nil {
		return Result{}, fmt.Errorf("apply report: %w", err)
	}
	if s.metrics != nil {
		s.metrics.Reports.WithLabelValues(event, strconv.FormatBool(outcome.Applied)).Inc()
	}

	logArgs := []any{
		slog.String("event", event),
		slog.String("previous_status", string(outcome.Previous)),
		slog.String("status", string(outcome.Current)),
		slog.Int("part_index", r.PartIndex),
		slog.Int("part_count", r.PartCount),
	}
	switch {
	case outcome.Applied:
		slog.InfoContext(ctx, "Delivery report applied", logArgs...)
	case model.IsIntermediateEvent(event) || outcome.Previous == model.Status(event):
		slog.InfoContext(ctx, "Delivery report recorded without status change", logArgs...)
	default:
		slog.WarnContext(ctx, "Delivery report ignored for terminal message", logArgs...)
	}
	if r.ErrorCode != "" || r.ErrorMessage != "" {
		slog.InfoContext(ctx, "Carrier reported error detail",
			slog.String("error_code", r.ErrorCode),
			slog.String("error_message", r.ErrorMessage),
		)
	}

	s.echo(ctx, msg, event)

	res := Result{
		MessageID: msg.MessageID,
		Previous:  outcome.Previous,
		Current:   outcome.Current,
		Applied:   outcome.Applied,
	}
	if outcome.DeliveredEdge() {
		res.CertificationQueued = s.queueCertification(ctx, msg.MessageID)
	}
	return res, nil
}

func (s *Service) resolve(ctx context.Context, providerID string) (model.Message, error) {
	if s.index != nil {
		messageID, err := s.index.Lookup(ctx, providerID)
		switch {
		case err == nil:
			msg, err := s.store.GetMessage(ctx, messageID)
			if err == nil {
				return msg, nil
			}
			if !errors.Is(err, model.ErrNotFound) {
				return model.Message{}, fmt.Errorf("load message %s: %w", messageID, err)
			}
		case !errors.Is(err, cache.ErrMiss):
			slog.WarnContext(ctx, "Provider index lookup failed, using store", slog.Any("error", err))
		}
	}

	msg, err := s.store.FindByProviderID(ctx, providerID)
	if errors.Is(err, model.ErrNotFound) {
		slog.WarnContext(ctx, "Delivery report for unknown provider id")
		return model.Message{}, fmt.Errorf("provider id %q: %w", providerID, model.ErrNotFound)
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("find by provider id: %w", err)
	}
	return msg, nil
}

func (s *Service) echo(ctx context.Context, msg model.Message, event string) {
	if s.echoer == nil || msg.Callback.ListenerURL == "" {
		s.countEcho("skipped")
		return
	}
	err := s.echoer.Echo(ctx, Echo{
		Callback:    msg.Callback,
		Sender:      msg.SenderID,
		Destination: msg.Recipient,
		Event:       event,
		StatusCode:  errormapper.MapEventCode(event),
		Timestamp:   s.now(),
	})
	switch {
	case errors.Is(err, ErrCircuitOpen):
		s.countEcho("circuit_open")
		slog.WarnContext(ctx, "Skipped delivery report echo, listener circuit open")
	case err != nil:
		s.countEcho("failed")
		slog.ErrorContext(ctx, "Failed to echo delivery report", slog.Any("error", err))
	default:
		s.countEcho("sent")
	}
}

func (s *Service) queueCertification(ctx context.Context, messageID string) bool {
	err := s.publisher.Publish(ctx, s.certificationQueue, model.CertificationTask{MessageID: messageID})
	if err != nil {
		if s.metrics != nil {
			s.metrics.PublishFailures.WithLabelValues(s.certificationQueue).Inc()
		}
		logging.Critical(ctx, "Message delivered but certification task was not published",
			slog.String("queue", s.certificationQueue),
			slog.Any("error", err),
		)
		return false
	}
	slog.InfoContext(ctx, "Certification task queued")
	return true
}

func (s *Service) countEcho(result string) {
	if s.metrics != nil {
		s.metrics.Echoes.WithLabelValues(result).Inc()
	}
}
