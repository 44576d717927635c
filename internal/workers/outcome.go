package workers

import (
	"fmt"

	"github.com/thrillee/aegiscert/internal/broker"
)

// Outcome is how a stage resolved one queue task.
type Outcome int

const (
	// Completed: the task did its work (or failed in a way that is final). Ack.
	Completed Outcome = iota
	// Dropped: the task was invalid or no longer applicable. Ack.
	Dropped
	// Retry: a transient condition; redeliver. Nack with requeue.
	Retry
	// DeadLettered: an unexpected failure; park for operators. Nack without requeue.
	DeadLettered
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Dropped:
		return "dropped"
	case Retry:
		return "retry"
	case DeadLettered:
		return "dead_lettered"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Settle acknowledges d according to o.
func Settle(d broker.Delivery, o Outcome) error {
	switch o {
	case Completed, Dropped:
		return d.Ack()
	case Retry:
		return d.Nack(true)
	default:
		return d.Nack(false)
	}
}
