// Package storetest provides an in-memory SQLite store and fixtures for
// stage-level tests.
package storetest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/thrillee/aegiscert/internal/model"
	"github.com/thrillee/aegiscert/internal/store"
)

var DefaultClient = model.Client{
	SenderID:          "ACME",
	ContactEmail:      "ops@acme.test",
	DeliveryDirectory: "/outbound/acme",
}

// New opens an empty in-memory store with DefaultClient registered.
func New(t *testing.T) *store.SQLite {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.SaveClient(context.Background(), DefaultClient))
	return s
}

// SeedMessage inserts a pending message for DefaultClient. listenerURL may be empty.
func SeedMessage(t *testing.T, s store.Store, listenerURL string) model.Message {
	t.Helper()
	msg := model.Message{
		MessageID:         strings.ReplaceAll(uuid.NewString(), "-", ""),
		SenderID:          DefaultClient.SenderID,
		Recipient:         "+34600111222",
		Body:              "Your code is 1234",
		Status:            model.StatusPending,
		ContactEmail:      DefaultClient.ContactEmail,
		DeliveryDirectory: DefaultClient.DeliveryDirectory,
		Callback: model.CallbackCredentials{
			ListenerURL:   listenerURL,
			Account:       "acc-1",
			Username:      "listener",
			Password:      "pw",
			CorrelationID: "corr-1",
		},
		ReceivedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, s.CreateMessage(context.Background(), &msg))
	return msg
}

// SeedSending seeds a message and moves it to sending with providerID.
func SeedSending(t *testing.T, s store.Store, listenerURL, providerID string) model.Message {
	t.Helper()
	msg := SeedMessage(t, s, listenerURL)
	require.NoError(t, s.MarkSending(context.Background(), msg.MessageID, providerID, 1))
	got, err := s.GetMessage(context.Background(), msg.MessageID)
	require.NoError(t, err)
	return got
}
