package model

import (
	"time"

	"github.com/thrillee/aegiscert/pkg/codes"
)

// Status is the lifecycle status of a message. Carrier report events are
// stored verbatim so the type is open-ended.
type Status string

const (
	StatusPending       Status = codes.MsgStatusPending
	StatusSending       Status = codes.MsgStatusSending
	StatusFailed        Status = codes.MsgStatusFailed
	StatusDelivered     Status = codes.MsgFinalStatusDelivered
	StatusUndelivered   Status = codes.MsgFinalStatusUndelivered
	StatusExpired       Status = codes.MsgFinalStatusExpired
	StatusOtherTerminal Status = codes.MsgFinalStatusOtherTerminal
)

// IsTerminal is true for everything except pending and sending.
func (s Status) IsTerminal() bool {
	return s != StatusPending && s != StatusSending
}

// IsIntermediateEvent reports carrier events that are echoed but never stored.
func IsIntermediateEvent(event string) bool {
	switch event {
	case codes.EventAccepted, codes.EventEnroute, codes.EventBuffered:
		return true
	}
	return false
}

// Client is a registered sender. The pipeline only reads it.
type Client struct {
	SenderID          string `json:"sender_id" db:"sender_id"`
	ContactEmail      string `json:"contact_email" db:"contact_email"`
	DeliveryDirectory string `json:"delivery_directory" db:"delivery_directory"`
}

// CallbackCredentials are opaque values supplied by the originating system and
// echoed back on every delivery report.
type CallbackCredentials struct {
	ListenerURL   string `json:"listener_url,omitempty"`
	Account       string `json:"account,omitempty"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// Message is one submission tracked through dispatch, reconciliation,
// certification and distribution.
type Message struct {
	MessageID         string
	SenderID          string
	Recipient         string
	Body              string
	Status            Status
	ProviderID        *string
	PartCount         *int
	CertificatePath   *string
	ContactEmail      string
	DeliveryDirectory string
	Callback          CallbackCredentials
	ReceivedAt        time.Time
	SubmittedAt       *time.Time
	UpdatedAt         time.Time
	LastError         *string
}

// ReportOutcome describes how a delivery report was applied to a message.
type ReportOutcome struct {
	Previous Status
	Current  Status
	Applied  bool // false when the report was intermediate or ignored
}

// DeliveredEdge is true exactly when this report moved the message into delivered.
func (o ReportOutcome) DeliveredEdge() bool {
	return o.Applied && o.Previous != StatusDelivered && o.Current == StatusDelivered
}
