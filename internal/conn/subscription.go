package conn

import "encoding/json"

// Handler receives the raw payload of one event occurrence
type Handler func(data json.RawMessage)

// StatusHandler receives connection-status broadcasts
type StatusHandler func(connected bool)

// Subscription identifies one registered handler so it can be removed
// without affecting other subscribers of the same event
type Subscription struct {
	event string
	id    int
}

// Event returns the event name the subscription is registered for.
// Status subscriptions return the empty string.
func (s Subscription) Event() string {
	return s.event
}

type statusEntry struct {
	id int
	fn StatusHandler
}
