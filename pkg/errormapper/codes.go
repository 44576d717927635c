package errormapper

// Echo status codes sent to the originating system. Numbering follows the
// SMPP message_state field so listeners built for SMPP DLRs can reuse it.
const (
	StatusCodeUnknown       = 0
	StatusCodeDelivered     = 2
	StatusCodeExpired       = 3
	StatusCodeDeleted       = 4
	StatusCodeUndeliverable = 5
	StatusCodeAccepted      = 6
	StatusCodeInvalid       = 7
	StatusCodeRejected      = 8
)

// Internal error codes recorded in messages.last_error.
const (
	ErrorCodeCarrierRejected  = "CARRIER_REJECT"
	ErrorCodeCarrierExhausted = "CARRIER_EXHAUSTED"
	ErrorCodeCarrierBadReply  = "CARRIER_BAD_REPLY"
)
