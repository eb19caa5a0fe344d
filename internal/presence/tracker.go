package presence

import (
	"log"
	"sync"
	"time"

	"codecanvas/internal/models"
)

// Tracker maintains the live set of users attached to one project. It is a
// reducer over inbound channel events: each Apply* method folds one event
// into the aggregate map. One tracker belongs to exactly one session and is
// mutated only from that session's dispatch path; the lock exists so
// consumers can read snapshots from other goroutines.
type Tracker struct {
	mu         sync.RWMutex
	users      map[string]models.UserPresence
	lastUpdate int64

	onChange func(models.PresenceSnapshot)
}

// NewTracker constructs a tracker. onChange, if non-nil, is invoked with a
// fresh snapshot after every mutation that changed the aggregate.
func NewTracker(onChange func(models.PresenceSnapshot)) *Tracker {
	return &Tracker{
		users:    make(map[string]models.UserPresence),
		onChange: onChange,
	}
}

// Sync replaces the entire aggregate with a freshly received full state.
// This is the authoritative resync path: it wins over any incremental
// updates that arrived before it.
func (t *Tracker) Sync(state map[string]models.UserPresence) {
	t.mu.Lock()
	t.users = make(map[string]models.UserPresence, len(state))
	for userID, p := range state {
		if userID == "" {
			log.Printf("presence: dropping synced entry without user id")
			continue
		}
		t.users[userID] = p
	}
	t.lastUpdate = time.Now().UnixMilli()
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.notify(snapshot)
}

// ApplyJoin inserts or overwrites the entry for userID.
func (t *Tracker) ApplyJoin(userID string, p models.UserPresence) {
	if userID == "" {
		log.Printf("presence: dropping join without user id")
		return
	}
	t.mu.Lock()
	t.users[userID] = p
	t.lastUpdate = time.Now().UnixMilli()
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.notify(snapshot)
}

// ApplyLeave removes the entry for userID. Removing an absent user is a
// no-op, not an error.
func (t *Tracker) ApplyLeave(userID string) {
	t.mu.Lock()
	if _, ok := t.users[userID]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.users, userID)
	t.lastUpdate = time.Now().UnixMilli()
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.notify(snapshot)
}

// ApplyCursor updates only the cursor of an existing entry. A cursor update
// for an unknown user implies a join that raced or was missed; it is dropped
// rather than synthesizing a partial record.
func (t *Tracker) ApplyCursor(userID string, cursor models.CursorPosition) {
	t.mu.Lock()
	p, ok := t.users[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	p.Cursor = &cursor
	t.users[userID] = p
	t.lastUpdate = time.Now().UnixMilli()
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.notify(snapshot)
}

// ApplySelection updates only the selection of an existing entry; unknown
// users are dropped the same way as in ApplyCursor.
func (t *Tracker) ApplySelection(userID string, selection models.SelectionRange) {
	t.mu.Lock()
	p, ok := t.users[userID]
	if !ok {
		t.mu.Unlock()
		return
	}
	p.Selection = &selection
	t.users[userID] = p
	t.lastUpdate = time.Now().UnixMilli()
	snapshot := t.snapshotLocked()
	t.mu.Unlock()

	t.notify(snapshot)
}

// Snapshot returns a copy of the aggregate safe to hand to consumers.
func (t *Tracker) Snapshot() models.PresenceSnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() models.PresenceSnapshot {
	users := make(map[string]models.UserPresence, len(t.users))
	for userID, p := range t.users {
		users[userID] = p
	}
	return models.PresenceSnapshot{Users: users, LastUpdate: t.lastUpdate}
}

func (t *Tracker) notify(snapshot models.PresenceSnapshot) {
	if t.onChange != nil {
		t.onChange(snapshot)
	}
}
