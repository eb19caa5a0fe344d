package collab

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"codecanvas/internal/history"
	"codecanvas/internal/models"
	"codecanvas/internal/storage"
	"codecanvas/internal/transport"
)

const waitFor = 2 * time.Second

func newTestManager(t *testing.T) (*Manager, *history.Store, string) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := history.NewStore(db)
	project := &models.Project{Name: "shared-canvas"}
	if err := store.CreateProject(context.Background(), project); err != nil {
		t.Fatalf("create project: %v", err)
	}
	return NewManager(store, transport.NewBroker()), store, project.ID
}

func attachedSession(t *testing.T, m *Manager, projectID, userID string) *Session {
	t.Helper()
	sess, err := m.Session(projectID, models.CollabUser{ID: userID, Email: userID + "@example.com"})
	if err != nil {
		t.Fatalf("session %s: %v", userID, err)
	}
	if err := sess.Attach(context.Background()); err != nil {
		t.Fatalf("attach %s: %v", userID, err)
	}
	t.Cleanup(func() { sess.Leave() })
	return sess
}

// waitForPresence polls updates until the predicate holds on a snapshot.
func waitForPresence(t *testing.T, updates <-chan Update, cond func(models.PresenceSnapshot) bool, what string) {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case u := <-updates:
			if u.Presence != nil && cond(*u.Presence) {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
		}
	}
}

func observe(sess *Session) <-chan Update {
	updates := make(chan Update, 64)
	sess.Notify(func(u Update) {
		select {
		case updates <- u:
		default:
		}
	})
	return updates
}

func TestSessionRequiresProjectAndUser(t *testing.T) {
	m, _, projectID := newTestManager(t)

	if _, err := m.Session("", models.CollabUser{ID: "u1"}); err == nil {
		t.Fatalf("expected error for missing project id")
	}
	if _, err := m.Session(projectID, models.CollabUser{}); !errors.Is(err, ErrNoUser) {
		t.Fatalf("expected ErrNoUser, got %v", err)
	}
}

func TestAttachAnnouncesPresenceToPeers(t *testing.T) {
	m, _, projectID := newTestManager(t)

	first := attachedSession(t, m, projectID, "u1")
	updates := observe(first)

	attachedSession(t, m, projectID, "u2")

	waitForPresence(t, updates, func(s models.PresenceSnapshot) bool {
		_, ok := s.Users["u2"]
		return ok
	}, "peer join")

	snapshot := first.Presence()
	if snapshot.Users["u2"].Email != "u2@example.com" {
		t.Fatalf("peer presence incomplete: %#v", snapshot.Users["u2"])
	}
	if snapshot.LastUpdate == 0 {
		t.Fatalf("snapshot must carry an update timestamp")
	}
}

func TestAttachTwiceIsNoop(t *testing.T) {
	m, _, projectID := newTestManager(t)
	sess := attachedSession(t, m, projectID, "u1")

	if err := sess.Attach(context.Background()); err != nil {
		t.Fatalf("second attach must be a no-op: %v", err)
	}
	if sess.State() != StateAttached {
		t.Fatalf("state = %s, want attached", sess.State())
	}
}

func TestNewSessionJoinsExistingPresence(t *testing.T) {
	m, _, projectID := newTestManager(t)

	attachedSession(t, m, projectID, "u1")
	second := attachedSession(t, m, projectID, "u2")

	snapshot := second.Presence()
	if _, ok := snapshot.Users["u1"]; !ok {
		t.Fatalf("existing participant missing from initial sync: %#v", snapshot.Users)
	}
}

func TestUpdatePresenceBeforeAttachIsDropped(t *testing.T) {
	m, _, projectID := newTestManager(t)

	sess, err := m.Session(projectID, models.CollabUser{ID: "u1"})
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	// Must not error or panic; the update is logged and dropped.
	sess.UpdatePresence(context.Background(), PresenceUpdate{
		Cursor: &models.CursorPosition{Line: 1, Column: 2},
	})
	if sess.State() != StateDetached {
		t.Fatalf("state = %s, want detached", sess.State())
	}
}

func TestPresenceUpdatePropagatesBetweenSessions(t *testing.T) {
	m, _, projectID := newTestManager(t)

	first := attachedSession(t, m, projectID, "u1")
	second := attachedSession(t, m, projectID, "u2")
	updates := observe(first)

	second.UpdatePresence(context.Background(), PresenceUpdate{
		Cursor: &models.CursorPosition{Line: 7, Column: 3},
	})
	waitForPresence(t, updates, func(s models.PresenceSnapshot) bool {
		u, ok := s.Users["u2"]
		return ok && u.Cursor != nil && u.Cursor.Line == 7 && u.Cursor.Column == 3
	}, "cursor update")

	second.UpdatePresence(context.Background(), PresenceUpdate{
		Selection: &models.SelectionRange{Start: 10, End: 24},
	})
	waitForPresence(t, updates, func(s models.PresenceSnapshot) bool {
		u, ok := s.Users["u2"]
		// The earlier cursor survives a selection-only update.
		return ok && u.Selection != nil && u.Selection.Start == 10 &&
			u.Cursor != nil && u.Cursor.Line == 7
	}, "selection update")
}

func TestLeaveRemovesPresenceFromPeers(t *testing.T) {
	m, _, projectID := newTestManager(t)

	first := attachedSession(t, m, projectID, "u1")
	second := attachedSession(t, m, projectID, "u2")
	updates := observe(first)

	waitForPresence(t, updates, func(s models.PresenceSnapshot) bool {
		_, ok := s.Users["u2"]
		return ok
	}, "peer join")

	if err := second.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	waitForPresence(t, updates, func(s models.PresenceSnapshot) bool {
		_, ok := s.Users["u2"]
		return !ok
	}, "peer leave")
}

func TestSaveAndRestoreRoundTrip(t *testing.T) {
	m, store, projectID := newTestManager(t)

	first := attachedSession(t, m, projectID, "u1")
	second := attachedSession(t, m, projectID, "u2")
	updates := observe(second)

	entry, err := first.SaveVersion(context.Background(), "<h1>draft</h1>", models.KindHTML)
	if err != nil {
		t.Fatalf("save version: %v", err)
	}
	if _, err := first.SaveVersion(context.Background(), "<h1>final</h1>", models.KindHTML); err != nil {
		t.Fatalf("save second version: %v", err)
	}

	restored, err := first.RestoreVersion(context.Background(), entry.ID)
	if err != nil {
		t.Fatalf("restore version: %v", err)
	}
	if restored.ID != entry.ID {
		t.Fatalf("restored wrong entry: %s", restored.ID)
	}

	project, err := store.Project(context.Background(), projectID)
	if err != nil {
		t.Fatalf("load project: %v", err)
	}
	if project.HTMLContent != "<h1>draft</h1>" {
		t.Fatalf("live content = %q, want restored snapshot", project.HTMLContent)
	}

	// The peer learns about the restore through the channel broadcast.
	deadline := time.After(waitFor)
	for {
		var u Update
		select {
		case u = <-updates:
		case <-deadline:
			t.Fatalf("timed out waiting for restore notice")
		}
		if u.Restore == nil {
			continue
		}
		if u.Restore.VersionID != entry.ID || u.Restore.Content != "<h1>draft</h1>" || u.Restore.Kind != models.KindHTML {
			t.Fatalf("unexpected restore notice: %#v", u.Restore)
		}
		return
	}
}

func TestVersionOperationsRequireAttach(t *testing.T) {
	m, _, projectID := newTestManager(t)

	sess, err := m.Session(projectID, models.CollabUser{ID: "u1"})
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if _, err := sess.SaveVersion(context.Background(), "x", models.KindHTML); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("save on detached session: %v", err)
	}
	if _, err := sess.RestoreVersion(context.Background(), "v1"); !errors.Is(err, ErrNotAttached) {
		t.Fatalf("restore on detached session: %v", err)
	}
}

func TestRestoreUnknownVersionSurfacesNotFound(t *testing.T) {
	m, _, projectID := newTestManager(t)
	sess := attachedSession(t, m, projectID, "u1")

	if _, err := sess.RestoreVersion(context.Background(), "missing"); !errors.Is(err, history.ErrVersionNotFound) {
		t.Fatalf("expected ErrVersionNotFound, got %v", err)
	}
}

func TestLeaveIsTerminal(t *testing.T) {
	m, _, projectID := newTestManager(t)
	sess := attachedSession(t, m, projectID, "u1")

	if err := sess.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if sess.State() != StateDetached {
		t.Fatalf("state = %s, want detached", sess.State())
	}
	if err := sess.Leave(); err != nil {
		t.Fatalf("second leave must be a no-op: %v", err)
	}
	if err := sess.Attach(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("attach after leave: %v", err)
	}
	if _, err := sess.SaveVersion(context.Background(), "x", models.KindHTML); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("save after leave: %v", err)
	}
}

func TestLeaveStopsInboundDispatch(t *testing.T) {
	m, _, projectID := newTestManager(t)

	first := attachedSession(t, m, projectID, "u1")
	if err := first.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}

	// A peer joining after Leave must not reach the departed tracker.
	attachedSession(t, m, projectID, "u2")
	time.Sleep(100 * time.Millisecond)

	if _, ok := first.Presence().Users["u2"]; ok {
		t.Fatalf("inbound event reached tracker after leave")
	}
}

// gatedChannel blocks Subscribe until released, simulating a slow transport
// acknowledgment.
type gatedChannel struct {
	gate chan struct{}

	mu           sync.Mutex
	unsubscribed bool
}

func (g *gatedChannel) Subscribe(ctx context.Context, h transport.Handlers) error {
	<-g.gate
	return nil
}

func (g *gatedChannel) Track(ctx context.Context, state models.UserPresence) error { return nil }

func (g *gatedChannel) Send(ctx context.Context, msg transport.Message) error { return nil }

func (g *gatedChannel) Unsubscribe() error {
	g.mu.Lock()
	g.unsubscribed = true
	g.mu.Unlock()
	return nil
}

func (g *gatedChannel) wasUnsubscribed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.unsubscribed
}

type gatedFactory struct {
	channel *gatedChannel
}

func (f *gatedFactory) Channel(projectID, localUserID string) transport.Channel {
	return f.channel
}

func TestLeaveDuringAttachWins(t *testing.T) {
	_, store, projectID := newTestManager(t)
	gated := &gatedChannel{gate: make(chan struct{})}
	m := NewManager(store, &gatedFactory{channel: gated})

	sess, err := m.Session(projectID, models.CollabUser{ID: "u1"})
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	attachErr := make(chan error, 1)
	go func() { attachErr <- sess.Attach(context.Background()) }()

	// Wait for the attach to reach the pending acknowledgment.
	deadline := time.Now().Add(waitFor)
	for sess.State() != StateAttaching {
		if time.Now().After(deadline) {
			t.Fatalf("attach never reached the attaching state")
		}
		time.Sleep(time.Millisecond)
	}

	if err := sess.Leave(); err != nil {
		t.Fatalf("leave: %v", err)
	}
	close(gated.gate)

	select {
	case err := <-attachErr:
		if !errors.Is(err, ErrSessionClosed) {
			t.Fatalf("late attach must lose to leave, got %v", err)
		}
	case <-time.After(waitFor):
		t.Fatalf("attach did not return")
	}
	if sess.State() != StateDetached {
		t.Fatalf("state = %s, want detached", sess.State())
	}
	if !gated.wasUnsubscribed() {
		t.Fatalf("late subscription must be released")
	}
}

func TestConcurrentAttachIsRejected(t *testing.T) {
	_, store, projectID := newTestManager(t)
	gated := &gatedChannel{gate: make(chan struct{})}
	m := NewManager(store, &gatedFactory{channel: gated})

	sess, err := m.Session(projectID, models.CollabUser{ID: "u1"})
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	attachErr := make(chan error, 1)
	go func() { attachErr <- sess.Attach(context.Background()) }()

	deadline := time.Now().Add(waitFor)
	for sess.State() != StateAttaching {
		if time.Now().After(deadline) {
			t.Fatalf("attach never reached the attaching state")
		}
		time.Sleep(time.Millisecond)
	}

	if err := sess.Attach(context.Background()); !errors.Is(err, ErrAttachInProgress) {
		t.Fatalf("expected ErrAttachInProgress, got %v", err)
	}

	close(gated.gate)
	if err := <-attachErr; err != nil {
		t.Fatalf("first attach: %v", err)
	}
	sess.Leave()
}
