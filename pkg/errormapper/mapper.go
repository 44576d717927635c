package errormapper

import (
	"log/slog"
	"strings"

	"github.com/thrillee/aegiscert/pkg/codes"
)

var eventToEchoCode = map[string]int{
	codes.MsgFinalStatusDelivered:   StatusCodeDelivered,
	codes.MsgFinalStatusExpired:     StatusCodeExpired,
	codes.MsgFinalStatusDeleted:     StatusCodeDeleted,
	codes.MsgFinalStatusUndelivered: StatusCodeUndeliverable,
	codes.EventAccepted:             StatusCodeAccepted,
	codes.MsgFinalStatusInvalid:     StatusCodeInvalid,
	codes.MsgFinalStatusRejected:    StatusCodeRejected,
}

// MapEventCode translates a carrier report event into the numeric status code
// echoed to the client listener. Unknown events map to StatusCodeUnknown.
func MapEventCode(event string) int {
	event = strings.ToLower(strings.TrimSpace(event))
	if code, ok := eventToEchoCode[event]; ok {
		return code
	}
	slog.Debug("No echo code mapping for carrier event, using unknown", slog.String("event", event))
	return StatusCodeUnknown
}
