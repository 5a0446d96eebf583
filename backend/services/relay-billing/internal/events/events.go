package events

import "time"

// Event types pushed to dashboard subscribers.
const (
	SessionStarted   = "session.started"
	SessionCompleted = "session.completed"
	SessionPaid      = "session.paid"
	DeviceOffline    = "device.offline"
	RelayChanged     = "relay.changed"
)

// Event is one state change notification.
type Event struct {
	Type string      `json:"type"`
	At   time.Time   `json:"at"`
	Data interface{} `json:"data"`
}

// Publisher fans events out to subscribers. Publish must not block.
type Publisher interface {
	Publish(event Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(Event) {}
