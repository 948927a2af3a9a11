package events

import (
	"time"

	"seat-service/internal/model"
)

// Event types published to the seat-events topic.
const (
	TypeSessionCreated    = "session.created"
	TypeSessionTerminated = "session.terminated"
	TypeSeatDenied        = "seat.denied"
	TypeDriftDetected     = "pool.drift_detected"
)

// Event is the envelope for every message on the topic. Payload fields not
// relevant to the type stay empty.
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`

	SessionID  string `json:"session_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	CheckoutID string `json:"checkout_id,omitempty"`
	Reason     string `json:"reason,omitempty"`

	Pool  *model.PoolState   `json:"pool,omitempty"`
	Drift *model.DriftDetail `json:"drift,omitempty"`
}

// Emitter publishes lifecycle events. Implementations must not block the
// calling request path beyond their own write timeout.
type Emitter interface {
	Emit(event *Event)
}

// NopEmitter drops all events. Used in tests and when Kafka is disabled.
type NopEmitter struct{}

func (NopEmitter) Emit(*Event) {}
