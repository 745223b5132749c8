package tether

import "tetherd/models"

// EventType names a tether lifecycle event.
type EventType string

const (
	EventTetherCreated EventType = "tether.created"
	EventStatusChanged EventType = "tether.status_changed"
	EventTetherDeleted EventType = "tether.deleted"
)

// Event describes one lifecycle change of a peer.
type Event struct {
	Type      EventType           `json:"type"`
	Instance  string              `json:"instance"`
	Peer      string              `json:"peer"`
	Status    models.TetherStatus `json:"status,omitempty"`
	Previous  models.TetherStatus `json:"previous,omitempty"`
	Timestamp int64               `json:"timestamp"`
}

// EventSink receives lifecycle events. Implementations must not block the
// caller for long and handle their own delivery errors.
type EventSink interface {
	Publish(event Event)
}

// NopSink drops every event.
type NopSink struct{}

// Publish implements EventSink.
func (NopSink) Publish(Event) {}
