package transport

import (
	"context"
	"encoding/json"

	"codecanvas/internal/models"
)

// Broadcast message types carried on a project channel. Unknown types are
// reserved for future extension and must be ignored by receivers.
const (
	TypeUserPresence   = "user_presence"
	TypeVersionRestore = "version_restore"
)

// Message is the wire shape for project broadcasts. Timestamp is stamped by
// the producer at send time (epoch milliseconds) and is an ordering hint
// only; receivers must not rely on clock-synchronized ordering.
type Message struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Handlers receive inbound channel events. All callbacks for one channel are
// invoked sequentially from a single dispatch goroutine.
type Handlers struct {
	OnPresenceSync  func(state map[string]models.UserPresence)
	OnPresenceJoin  func(userID string, state models.UserPresence)
	OnPresenceLeave func(userID string)
	OnBroadcast     func(msg Message)
}

// Channel is a publish-subscribe handle bound to one project.
//
// Subscribe returns once the backend has acknowledged the subscription and
// delivers the current full presence state through OnPresenceSync. Track
// publishes the local user's presence state (requires an active
// subscription). Send publishes a broadcast and works without a
// subscription. Unsubscribe tears the channel down; no handler is invoked
// after it returns.
type Channel interface {
	Subscribe(ctx context.Context, h Handlers) error
	Track(ctx context.Context, state models.UserPresence) error
	Send(ctx context.Context, msg Message) error
	Unsubscribe() error
}

// Factory creates channels scoped to a project on behalf of one local user.
type Factory interface {
	Channel(projectID, localUserID string) Channel
}
