package model

import (
	"errors"
	"fmt"

	"github.com/thrillee/aegiscert/pkg/codes"
)

// ErrNotFound is returned when a client or message does not exist.
var ErrNotFound = errors.New("not found")

// TransientProviderError is a carrier failure worth retrying: throttling,
// 5xx replies and transport errors.
type TransientProviderError struct {
	StatusCode int // 0 for transport errors
	Throttled  bool
	Err        error
}

func (e *TransientProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("carrier unreachable: %v", e.Err)
	}
	return fmt.Sprintf("carrier transient failure (http %d, throttled=%t): %v", e.StatusCode, e.Throttled, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// Network reports whether the request never got an HTTP reply.
func (e *TransientProviderError) Network() bool { return e.StatusCode == 0 }

// PermanentProviderError is a business rejection from the carrier.
type PermanentProviderError struct {
	StatusCode int
	Body       string
}

func (e *PermanentProviderError) Error() string {
	return fmt.Sprintf("carrier rejected message (http %d): %s", e.StatusCode, e.Body)
}

// BadReply reports whether the carrier accepted the submission but the reply
// could not be used, e.g. a 202 without a msgid.
func (e *PermanentProviderError) BadReply() bool {
	return e.StatusCode == codes.CarrierHTTPAccepted
}

// SigningError covers any failure while rendering or signing a certificate.
type SigningError struct {
	MessageID string
	Err       error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("certificate for %s: %v", e.MessageID, e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }

// DeliveryChannelError is a failed mail or upload delivery of a certificate.
type DeliveryChannelError struct {
	Channel string
	Err     error
}

func (e *DeliveryChannelError) Error() string {
	return fmt.Sprintf("%s delivery failed: %v", e.Channel, e.Err)
}

func (e *DeliveryChannelError) Unwrap() error { return e.Err }
