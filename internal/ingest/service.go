package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/thrillee/aegiscert/internal/broker"
	"github.com/thrillee/aegiscert/internal/logging"
	"github.com/thrillee/aegiscert/internal/metrics"
	"github.com/thrillee/aegiscert/internal/model"
	"github.com/thrillee/aegiscert/internal/store"
	"github.com/thrillee/aegiscert/pkg/segmenter"
)

const maxAddressLen = 50

// ErrInvalid wraps every validation failure of a Submission.
var ErrInvalid = errors.New("invalid submission")

// Submission is an inbound SMS request from an originating system.
type Submission struct {
	Sender      string
	Recipient   string
	Content     string
	SubmittedAt *time.Time
	Callback    model.CallbackCredentials
}

func (s Submission) Validate() error {
	var errs []error
	if n := utf8.RuneCountInString(s.Sender); n == 0 || n > maxAddressLen {
		errs = append(errs, fmt.Errorf("sender must be 1-%d characters", maxAddressLen))
	}
	if n := utf8.RuneCountInString(s.Recipient); n == 0 || n > maxAddressLen {
		errs = append(errs, fmt.Errorf("receiver must be 1-%d characters", maxAddressLen))
	}
	if strings.TrimSpace(s.Content) == "" {
		errs = append(errs, errors.New("content must not be empty"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Receipt acknowledges a stored submission.
type Receipt struct {
	MessageID string
	Estimate  segmenter.Estimate
}

// Service stores submissions and queues them for dispatch.
type Service struct {
	store         store.Store
	publisher     broker.Publisher
	dispatchQueue string
	segmenter     segmenter.Segmenter
	metrics       *metrics.Metrics
	now           func() time.Time
}

func NewService(st store.Store, pub broker.Publisher, dispatchQueue string, m *metrics.Metrics) *Service {
	return &Service{
		store:         st,
		publisher:     pub,
		dispatchQueue: dispatchQueue,
		segmenter:     segmenter.NewDefaultSegmenter(),
		metrics:       m,
		now:           time.Now,
	}
}

// Submit persists the message as pending and then publishes a dispatch task.
// A publish failure is logged and the submission is still acknowledged.
func (s *Service) Submit(ctx context.Context, sub Submission) (Receipt, error) {
	if err := sub.Validate(); err != nil {
		s.count("invalid")
		return Receipt{}, err
	}
	ctx = logging.ContextWithSenderID(ctx, sub.Sender)

	client, err := s.store.GetClient(ctx, sub.Sender)
	if errors.Is(err, model.ErrNotFound) {
		s.count("unknown_sender")
		slog.WarnContext(ctx, "Submission from unregistered sender")
		return Receipt{}, fmt.Errorf("sender %q: %w", sub.Sender, model.ErrNotFound)
	}
	if err != nil {
		s.count("error")
		return Receipt{}, fmt.Errorf("resolve client: %w", err)
	}

	msg := model.Message{
		MessageID:         strings.ReplaceAll(uuid.NewString(), "-", ""),
		SenderID:          client.SenderID,
		Recipient:         sub.Recipient,
		Body:              sub.Content,
		Status:            model.StatusPending,
		ContactEmail:      client.ContactEmail,
		DeliveryDirectory: client.DeliveryDirectory,
		Callback:          sub.Callback,
		ReceivedAt:        s.now().UTC(),
		SubmittedAt:       sub.SubmittedAt,
	}
	ctx = logging.ContextWithMessageID(ctx, msg.MessageID)

	if err := s.store.CreateMessage(ctx, &msg); err != nil {
		s.count("error")
		return Receipt{}, fmt.Errorf("store message: %w", err)
	}

	if err := s.publisher.Publish(ctx, s.dispatchQueue, model.DispatchTask{MessageID: msg.MessageID}); err != nil {
		s.count("publish_failed")
		if s.metrics != nil {
			s.metrics.PublishFailures.WithLabelValues(s.dispatchQueue).Inc()
		}
		logging.Critical(ctx, "Message stored but dispatch task was not published",
			slog.String("queue", s.dispatchQueue),
			slog.Any("error", err),
		)
	} else {
		s.count("accepted")
		slog.InfoContext(ctx, "Message accepted for dispatch")
	}

	return Receipt{MessageID: msg.MessageID, Estimate: s.segmenter.Estimate(msg.Body)}, nil
}

func (s *Service) count(result string) {
	if s.metrics != nil {
		s.metrics.Submissions.WithLabelValues(result).Inc()
	}
}
