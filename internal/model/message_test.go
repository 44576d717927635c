package model

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus_IsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusSending.IsTerminal())
	for _, s := range []Status{StatusDelivered, StatusUndelivered, StatusExpired, StatusFailed, StatusOtherTerminal, "rejected"} {
		assert.True(t, s.IsTerminal(), s)
	}
}

func TestReportOutcome_DeliveredEdge(t *testing.T) {
	assert.True(t, ReportOutcome{Previous: StatusSending, Current: StatusDelivered, Applied: true}.DeliveredEdge())
	assert.False(t, ReportOutcome{Previous: StatusDelivered, Current: StatusDelivered, Applied: true}.DeliveredEdge())
	assert.False(t, ReportOutcome{Previous: StatusSending, Current: StatusSending, Applied: false}.DeliveredEdge())
	assert.False(t, ReportOutcome{Previous: StatusSending, Current: StatusExpired, Applied: true}.DeliveredEdge())
}

func TestErrors_Unwrap(t *testing.T) {
	cause := errors.New("boom")

	var transient *TransientProviderError
	err := fmt.Errorf("dispatch: %w", &TransientProviderError{Err: cause})
	assert.True(t, errors.As(err, &transient))
	assert.True(t, transient.Network())
	assert.ErrorIs(t, err, cause)

	assert.ErrorIs(t, &SigningError{MessageID: "m", Err: cause}, cause)
	assert.ErrorIs(t, &DeliveryChannelError{Channel: "mail", Err: cause}, cause)
}
