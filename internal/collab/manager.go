package collab

import (
	"errors"

	"codecanvas/internal/history"
	"codecanvas/internal/models"
	"codecanvas/internal/presence"
	"codecanvas/internal/transport"
)

// Manager builds collaboration sessions around shared dependencies. Sessions
// are constructed per project and owned by their caller; the manager keeps
// no registry of them, so teardown is fully in the owner's hands.
type Manager struct {
	store    *history.Store
	channels transport.Factory
}

func NewManager(store *history.Store, channels transport.Factory) *Manager {
	return &Manager{store: store, channels: channels}
}

// Session creates a detached session binding user to the project's channel.
// The caller attaches it, consumes updates, and leaves when done.
func (m *Manager) Session(projectID string, user models.CollabUser) (*Session, error) {
	if projectID == "" {
		return nil, errors.New("project id required")
	}
	if user.ID == "" {
		return nil, ErrNoUser
	}
	s := &Session{
		projectID: projectID,
		user:      user,
		store:     m.store,
		channel:   m.channels.Channel(projectID, user.ID),
		local:     models.UserPresence{UserID: user.ID, Email: user.Email},
		observers: make(map[int]func(Update)),
	}
	s.tracker = presence.NewTracker(func(snapshot models.PresenceSnapshot) {
		s.publish(Update{Presence: &snapshot})
	})
	return s, nil
}
