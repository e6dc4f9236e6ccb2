package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kind is a dot-separated name whose leading segments form the namespace
// subscribers filter on. The core publishes under these namespaces:
//
//	account.*        created, unlocked, key_rotated
//	friend.*         requested, received, accepted, blocked, unblocked, removed
//	message.*        appended, status_changed, send_ack, send_failed
//	conversation.*   updated, read
//	call.*           state, timeout
//	clock.*          drift
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// NewEvent builds an event stamped with the current wall time. The event
// timestamp is informational (UI ordering, logs); durable records take
// their timestamps from the clock service instead.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
