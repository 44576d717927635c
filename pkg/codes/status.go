package codes

// Message lifecycle statuses written by the pipeline itself.
const (
	MsgStatusPending = "pending" // Stored at ingestion, dispatch task queued
	MsgStatusSending = "sending" // Accepted by the carrier, waiting on DLRs
	MsgStatusFailed  = "failed"  // Rejected by the carrier on submit
)

// Terminal statuses reported by the carrier through delivery reports.
// Reports are stored verbatim, so this list is the known vocabulary only.
const (
	MsgFinalStatusDelivered     = "delivered"
	MsgFinalStatusUndelivered   = "undelivered"
	MsgFinalStatusExpired       = "expired"
	MsgFinalStatusDeleted       = "deleted"
	MsgFinalStatusRejected      = "rejected"
	MsgFinalStatusInvalid       = "invalid"
	MsgFinalStatusOtherTerminal = "other_terminal"
)

// Intermediate carrier events. They are echoed to the originating system
// but leave the stored status untouched.
const (
	EventAccepted = "accepted"
	EventEnroute  = "enroute"
	EventBuffered = "buffered"
)

// Carrier submission codes.
const (
	CarrierHTTPAccepted  = 202
	CarrierHTTPThrottled = 420
	CarrierThrottleCode  = 105 // error.code inside a 420 body
)
