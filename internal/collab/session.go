package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"codecanvas/internal/history"
	"codecanvas/internal/models"
	"codecanvas/internal/presence"
	"codecanvas/internal/transport"
)

// State is the lifecycle position of a session.
type State int

const (
	StateDetached State = iota
	StateAttaching
	StateAttached
)

func (s State) String() string {
	switch s {
	case StateAttaching:
		return "attaching"
	case StateAttached:
		return "attached"
	default:
		return "detached"
	}
}

var (
	// ErrNotAttached reports an operation invoked outside the attached state.
	ErrNotAttached = errors.New("session not attached")
	// ErrSessionClosed reports use of a session after Leave. A closed
	// session is terminal; reattaching requires a new session.
	ErrSessionClosed = errors.New("session closed")
	// ErrNoUser reports a missing authenticated user.
	ErrNoUser = errors.New("authenticated user required")
	// ErrAttachInProgress reports a concurrent attach on the same session.
	ErrAttachInProgress = errors.New("attach already in progress")
)

// Update carries change notifications to session consumers. Exactly one
// field is set per update.
type Update struct {
	Presence *models.PresenceSnapshot
	History  []models.VersionEntry
	Restore  *RestoreNotice
}

// RestoreNotice tells consumers another session restored a version, so they
// can refresh their local view without re-querying storage.
type RestoreNotice struct {
	VersionID string             `json:"version_id"`
	Content   string             `json:"content"`
	Kind      models.ContentKind `json:"kind"`
}

// presencePayload is the payload of a user_presence broadcast.
type presencePayload struct {
	Action    string                 `json:"action"`
	UserID    string                 `json:"user_id"`
	User      *models.UserPresence   `json:"user,omitempty"`
	Cursor    *models.CursorPosition `json:"cursor,omitempty"`
	Selection *models.SelectionRange `json:"selection,omitempty"`
}

// PresenceUpdate merges into the local user's presence; nil fields are left
// unchanged.
type PresenceUpdate struct {
	Cursor    *models.CursorPosition
	Selection *models.SelectionRange
}

// Session binds one local client to one project's live channel. It owns the
// channel subscription and the presence tracker for that project; both are
// released by Leave and never shared across projects.
type Session struct {
	projectID string
	user      models.CollabUser
	store     *history.Store
	channel   transport.Channel
	tracker   *presence.Tracker

	mu     sync.Mutex
	state  State
	closed bool
	epoch  int
	local  models.UserPresence

	obsMu     sync.Mutex
	observers map[int]func(Update)
	nextObs   int
}

// ProjectID returns the project this session is bound to.
func (s *Session) ProjectID() string { return s.projectID }

// User returns the authenticated local user.
func (s *Session) User() models.CollabUser { return s.user }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Presence returns the current aggregate presence snapshot.
func (s *Session) Presence() models.PresenceSnapshot {
	return s.tracker.Snapshot()
}

// Notify registers an observer for session updates and returns its cancel
// function. Observers run on dispatch goroutines while the session lock is
// held: they must not block and must not call back into the session
// synchronously.
func (s *Session) Notify(fn func(Update)) (cancel func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()
	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

func (s *Session) publish(update Update) {
	s.obsMu.Lock()
	fns := make([]func(Update), 0, len(s.observers))
	for _, fn := range s.observers {
		fns = append(fns, fn)
	}
	s.obsMu.Unlock()
	for _, fn := range fns {
		fn(update)
	}
}

// Attach opens the channel subscription and announces local presence. It is
// a no-op when already attached. On transport failure the session reverts to
// detached and the caller may retry. A Leave issued while the subscription
// acknowledgment is pending wins: the late acknowledgment is discarded and
// the session stays detached.
func (s *Session) Attach(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	switch s.state {
	case StateAttached:
		s.mu.Unlock()
		return nil
	case StateAttaching:
		s.mu.Unlock()
		return ErrAttachInProgress
	}
	s.state = StateAttaching
	attachEpoch := s.epoch
	s.mu.Unlock()

	handlers := transport.Handlers{
		OnPresenceSync: func(state map[string]models.UserPresence) {
			s.guarded(attachEpoch, func() { s.tracker.Sync(state) })
		},
		OnPresenceJoin: func(userID string, state models.UserPresence) {
			s.guarded(attachEpoch, func() { s.tracker.ApplyJoin(userID, state) })
		},
		OnPresenceLeave: func(userID string) {
			s.guarded(attachEpoch, func() { s.tracker.ApplyLeave(userID) })
		},
		OnBroadcast: func(msg transport.Message) {
			s.guarded(attachEpoch, func() { s.dispatchBroadcast(msg) })
		},
	}

	if err := s.channel.Subscribe(ctx, handlers); err != nil {
		s.mu.Lock()
		if s.state == StateAttaching && s.epoch == attachEpoch {
			s.state = StateDetached
		}
		s.mu.Unlock()
		return fmt.Errorf("attach project %s: %w", s.projectID, err)
	}

	s.mu.Lock()
	if s.closed || s.epoch != attachEpoch {
		// Superseded by Leave while the acknowledgment was pending. Do not
		// resurrect the session; release the late subscription instead.
		s.mu.Unlock()
		if err := s.channel.Unsubscribe(); err != nil {
			log.Printf("collab: release stale subscription for project %s: %v", s.projectID, err)
		}
		return ErrSessionClosed
	}
	s.state = StateAttached
	local := s.local
	s.mu.Unlock()

	// Announce local presence. Best-effort: presence self-heals on the next
	// update or sync.
	if err := s.channel.Track(ctx, local); err != nil {
		log.Printf("collab: announce presence for project %s: %v", s.projectID, err)
	}

	// Prime consumers with the current history.
	s.publishHistory(ctx)
	return nil
}

// guarded applies an inbound event while holding the session lock, dropping
// it when the event belongs to a superseded attach. Because Leave flips the
// epoch under the same lock, no event can reach the tracker once Leave has
// returned.
func (s *Session) guarded(epoch int, apply func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.epoch != epoch {
		return
	}
	apply()
}

// dispatchBroadcast classifies an inbound broadcast by its type tag.
// Unknown types are reserved for future extension and ignored.
func (s *Session) dispatchBroadcast(msg transport.Message) {
	switch msg.Type {
	case transport.TypeUserPresence:
		var payload presencePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			log.Printf("collab: dropping malformed presence broadcast on %s: %v", s.projectID, err)
			return
		}
		s.applyPresence(payload)
	case transport.TypeVersionRestore:
		var notice RestoreNotice
		if err := json.Unmarshal(msg.Payload, &notice); err != nil {
			log.Printf("collab: dropping malformed restore broadcast on %s: %v", s.projectID, err)
			return
		}
		s.publish(Update{Restore: &notice})
	}
}

func (s *Session) applyPresence(payload presencePayload) {
	userID := payload.UserID
	if userID == "" && payload.User != nil {
		userID = payload.User.UserID
	}
	if userID == "" {
		log.Printf("collab: dropping presence broadcast without user id on %s", s.projectID)
		return
	}

	switch payload.Action {
	case "join":
		if payload.User == nil {
			log.Printf("collab: dropping join broadcast without user on %s", s.projectID)
			return
		}
		s.tracker.ApplyJoin(userID, *payload.User)
	case "leave":
		s.tracker.ApplyLeave(userID)
	case "cursor":
		if payload.Cursor == nil {
			return
		}
		s.tracker.ApplyCursor(userID, *payload.Cursor)
	case "selection":
		if payload.Selection == nil {
			return
		}
		s.tracker.ApplySelection(userID, *payload.Selection)
	}
}

// UpdatePresence merges cursor/selection changes into the local presence and
// re-tracks it on the channel. Called from high-frequency editor events, so
// an unattached session logs and drops rather than failing.
func (s *Session) UpdatePresence(ctx context.Context, update PresenceUpdate) {
	s.mu.Lock()
	if s.closed || s.state != StateAttached {
		s.mu.Unlock()
		log.Printf("collab: presence update ignored, session for project %s is %s", s.projectID, s.state)
		return
	}
	if update.Cursor != nil {
		s.local.Cursor = update.Cursor
	}
	if update.Selection != nil {
		s.local.Selection = update.Selection
	}
	local := s.local
	s.mu.Unlock()

	if err := s.channel.Track(ctx, local); err != nil {
		log.Printf("collab: presence update for project %s: %v", s.projectID, err)
	}
}

// SaveVersion commits a snapshot of the given content to the project
// history. Persistence failures are surfaced; the history consumers see is
// updated only after the write is confirmed.
func (s *Session) SaveVersion(ctx context.Context, content string, kind models.ContentKind) (*models.VersionEntry, error) {
	if err := s.requireAttached(); err != nil {
		return nil, err
	}
	entry, err := s.store.Commit(ctx, s.projectID, s.user, content, kind)
	if err != nil {
		return nil, err
	}
	s.publishHistory(ctx)
	return entry, nil
}

// RestoreVersion applies a stored version back onto the project's live
// content and notifies other attached sessions. The broadcast is best-effort:
// once persistence succeeded the restore is successful even if the
// notification cannot be delivered.
func (s *Session) RestoreVersion(ctx context.Context, versionID string) (*models.VersionEntry, error) {
	if err := s.requireAttached(); err != nil {
		return nil, err
	}
	entry, err := s.store.Restore(ctx, s.projectID, versionID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(RestoreNotice{VersionID: entry.ID, Content: entry.Content, Kind: entry.Kind})
	if err == nil {
		err = s.channel.Send(ctx, transport.Message{Type: transport.TypeVersionRestore, Payload: payload})
	}
	if err != nil {
		log.Printf("collab: restore broadcast for project %s: %v", s.projectID, err)
	}
	return entry, nil
}

// History returns the project's version entries, newest first.
func (s *Session) History(ctx context.Context) ([]models.VersionEntry, error) {
	return s.store.History(ctx, s.projectID)
}

func (s *Session) publishHistory(ctx context.Context) {
	entries, err := s.store.History(ctx, s.projectID)
	if err != nil {
		log.Printf("collab: load history for project %s: %v", s.projectID, err)
		return
	}
	s.publish(Update{History: entries})
}

func (s *Session) requireAttached() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	if s.state != StateAttached {
		return ErrNotAttached
	}
	return nil
}

// Leave detaches the session and releases the channel subscription. It is
// safe to call in any state, including while an attach is pending, and is a
// no-op after the first call. When Leave returns, no further inbound message
// reaches this session's tracker.
func (s *Session) Leave() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.epoch++
	s.state = StateDetached
	s.mu.Unlock()

	return s.channel.Unsubscribe()
}
