package certify

import "github.com/thrillee/aegiscert/internal/model"

// Guard decides whether a message may be certified.
type Guard interface {
	Allow(msg model.Message) bool
}

// StatusGuard allows messages currently in one status. Deployments that
// certify on carrier acceptance rather than on delivery configure "sending".
type StatusGuard struct {
	Status model.Status
}

func (g StatusGuard) Allow(msg model.Message) bool {
	return msg.Status == g.Status
}
