package broadcast

import (
	"context"
	"time"
)

// Event is one live progress notification fanned out to clients watching a
// session. Publishing is fire-and-forget: delivery failures never affect the
// persisted state transition that produced the event.
type Event struct {
	Type      string                 `json:"type"` // e.g. hook, approval_required, approval_decided, turn_complete
	SessionID string                 `json:"session_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Broadcaster is a publish/subscribe bus keyed by session id. Implementations
// must be safe for concurrent use from many request handlers.
type Broadcaster interface {
	// Publish sends an event to all subscribers of the session channel.
	Publish(ctx context.Context, sessionID string, event Event) error

	// Subscribe returns a channel of events for the session and a cancel
	// function that releases the subscription. The channel is closed on
	// cancel.
	Subscribe(ctx context.Context, sessionID string) (<-chan Event, func(), error)
}
