package messaging

import (
	"fmt"

	"github.com/lfmarques/susurro/internal/store"
)

// validTransitions defines the monotonic delivery status table. A status
// never moves backward; failed is reachable only from sending or sent. A
// resend is a new message record, never a backward transition on an
// existing one.
var validTransitions = map[string][]string{
	store.StatusSending:   {store.StatusSent, store.StatusFailed},
	store.StatusSent:      {store.StatusDelivered, store.StatusFailed},
	store.StatusDelivered: {store.StatusRead},
	store.StatusRead:      {},
	store.StatusFailed:    {},
}

// InvalidStatusTransitionError reports a rejected delivery status change.
// It is logged and non-fatal; the record keeps its last-known-good status.
type InvalidStatusTransitionError struct {
	MsgID string
	From  string
	To    string
}

func (e *InvalidStatusTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition for %s: %s -> %s", e.MsgID, e.From, e.To)
}

func transitionAllowed(from, to string) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
