package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thrillee/aegiscert/internal/broker/brokertest"
	"github.com/thrillee/aegiscert/internal/metrics"
	"github.com/thrillee/aegiscert/internal/model"
	"github.com/thrillee/aegiscert/internal/store/storetest"
	"github.com/thrillee/aegiscert/pkg/segmenter"
)

const dispatchQueue = "sms_dispatch"

func validSubmission() Submission {
	return Submission{
		Sender:    storetest.DefaultClient.SenderID,
		Recipient: "+34600111222",
		Content:   "hello there",
		Callback:  model.CallbackCredentials{ListenerURL: "http://listener.test/dlr", CorrelationID: "c-9"},
	}
}

func TestSubmitPersistsThenPublishes(t *testing.T) {
	st := storetest.New(t)
	b := brokertest.New()
	m := metrics.New()
	svc := NewService(st, b, dispatchQueue, m)

	receipt, err := svc.Submit(context.Background(), validSubmission())
	require.NoError(t, err)
	assert.Len(t, receipt.MessageID, 32)
	assert.Equal(t, segmenter.Estimate{Encoding: segmenter.EncodingGSM, Units: 11, Parts: 1}, receipt.Estimate)

	msg, err := st.GetMessage(context.Background(), receipt.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, msg.Status)
	assert.Equal(t, storetest.DefaultClient.ContactEmail, msg.ContactEmail)
	assert.Equal(t, storetest.DefaultClient.DeliveryDirectory, msg.DeliveryDirectory)
	assert.Equal(t, "c-9", msg.Callback.CorrelationID)

	pending := b.Pending(dispatchQueue)
	require.Len(t, pending, 1)
	var task model.DispatchTask
	require.NoError(t, json.Unmarshal(pending[0], &task))
	assert.Equal(t, receipt.MessageID, task.MessageID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Submissions.WithLabelValues("accepted")))
}

func TestSubmitUnknownSender(t *testing.T) {
	st := storetest.New(t)
	b := brokertest.New()
	svc := NewService(st, b, dispatchQueue, nil)

	sub := validSubmission()
	sub.Sender = "NOBODY"
	_, err := svc.Submit(context.Background(), sub)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Empty(t, b.Pending(dispatchQueue))
}

func TestSubmitValidation(t *testing.T) {
	st := storetest.New(t)
	svc := NewService(st, brokertest.New(), dispatchQueue, nil)

	tests := []struct {
		name   string
		mutate func(*Submission)
	}{
		{"empty sender", func(s *Submission) { s.Sender = "" }},
		{"long recipient", func(s *Submission) { s.Recipient = string(make([]byte, 51)) }},
		{"blank content", func(s *Submission) { s.Content = "   " }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := validSubmission()
			tt.mutate(&sub)
			_, err := svc.Submit(context.Background(), sub)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestSubmitPublishFailureStillAcknowledged(t *testing.T) {
	st := storetest.New(t)
	b := brokertest.New()
	b.FailPublish(errors.New("broker down"))
	m := metrics.New()
	svc := NewService(st, b, dispatchQueue, m)

	receipt, err := svc.Submit(context.Background(), validSubmission())
	require.NoError(t, err)

	msg, err := st.GetMessage(context.Background(), receipt.MessageID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, msg.Status)
	assert.Empty(t, b.Pending(dispatchQueue))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PublishFailures.WithLabelValues(dispatchQueue)))
}
