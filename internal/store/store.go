package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/thrillee/aegiscert/internal/model"
)

// ErrConflict is returned when a conditional update finds the row in a state
// that no longer allows it (already dispatched, already certified).
var ErrConflict = errors.New("conflicting message state")

// Store is the message store shared by every stage.
type Store interface {
	GetClient(ctx context.Context, senderID string) (model.Client, error)
	SaveClient(ctx context.Context, client model.Client) error

	CreateMessage(ctx context.Context, msg *model.Message) error
	GetMessage(ctx context.Context, messageID string) (model.Message, error)
	FindByProviderID(ctx context.Context, providerID string) (model.Message, error)

	// MarkSending records carrier acceptance. Only valid while pending.
	MarkSending(ctx context.Context, messageID, providerID string, partCount int) error
	// MarkFailed records a carrier rejection. Only valid while pending.
	MarkFailed(ctx context.Context, messageID, reason string) error
	// ApplyReport applies a carrier event under a row lock and returns the
	// status before and after.
	ApplyReport(ctx context.Context, messageID, event string) (model.ReportOutcome, error)
	// SetCertificatePath stores the signed certificate location. Only valid once.
	SetCertificatePath(ctx context.Context, messageID, path string) error

	ListStalePending(ctx context.Context, olderThan time.Time, limit int) ([]model.Message, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open picks the backend from the URL scheme: postgres:// or sqlite://.
func Open(ctx context.Context, databaseURL string) (Store, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return NewPostgres(ctx, databaseURL)
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return NewSQLite(strings.TrimPrefix(databaseURL, "sqlite://"))
	case strings.HasPrefix(databaseURL, "sqlite:"):
		return NewSQLite(strings.TrimPrefix(databaseURL, "sqlite:"))
	}
	return nil, fmt.Errorf("unsupported DATABASE_URL scheme: %q", databaseURL)
}

// decideReport is the report transition rule shared by both backends.
// Intermediate events, the pipeline's own non-terminal statuses and reversals
// of a different terminal status leave the row untouched.
func decideReport(previous model.Status, event string) model.ReportOutcome {
	out := model.ReportOutcome{Previous: previous, Current: previous}
	if model.IsIntermediateEvent(event) {
		return out
	}
	next := model.Status(event)
	if !next.IsTerminal() || previous == next {
		return out
	}
	if previous.IsTerminal() {
		return out
	}
	out.Current = next
	out.Applied = true
	return out
}

// NormalizeEvent lowercases and trims a carrier event name.
func NormalizeEvent(event string) string {
	return strings.ToLower(strings.TrimSpace(event))
}

const messageColumns = `message_id, sender_id, recipient, body, status, provider_id, part_count,
	certificate_path, contact_email, delivery_directory, callback, received_at, submitted_at,
	updated_at, last_error`

type messageRow struct {
	MessageID         string     `db:"message_id"`
	SenderID          string     `db:"sender_id"`
	Recipient         string     `db:"recipient"`
	Body              string     `db:"body"`
	Status            string     `db:"status"`
	ProviderID        *string    `db:"provider_id"`
	PartCount         *int       `db:"part_count"`
	CertificatePath   *string    `db:"certificate_path"`
	ContactEmail      string     `db:"contact_email"`
	DeliveryDirectory string     `db:"delivery_directory"`
	Callback          string     `db:"callback"`
	ReceivedAt        time.Time  `db:"received_at"`
	SubmittedAt       *time.Time `db:"submitted_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
	LastError         *string    `db:"last_error"`
}

func (r messageRow) toModel() (model.Message, error) {
	msg := model.Message{
		MessageID:         r.MessageID,
		SenderID:          r.SenderID,
		Recipient:         r.Recipient,
		Body:              r.Body,
		Status:            model.Status(r.Status),
		ProviderID:        r.ProviderID,
		PartCount:         r.PartCount,
		CertificatePath:   r.CertificatePath,
		ContactEmail:      r.ContactEmail,
		DeliveryDirectory: r.DeliveryDirectory,
		ReceivedAt:        r.ReceivedAt.UTC(),
		SubmittedAt:       r.SubmittedAt,
		UpdatedAt:         r.UpdatedAt.UTC(),
		LastError:         r.LastError,
	}
	if r.Callback != "" {
		if err := json.Unmarshal([]byte(r.Callback), &msg.Callback); err != nil {
			return msg, fmt.Errorf("decode callback for %s: %w", r.MessageID, err)
		}
	}
	return msg, nil
}

func encodeCallback(c model.CallbackCredentials) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode callback: %w", err)
	}
	return string(b), nil
}
