package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"codecanvas/internal/models"
)

const waitFor = 2 * time.Second

func recvString(t *testing.T, ch <-chan string, what string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
		return ""
	}
}

func recvMessage(t *testing.T, ch <-chan Message, what string) Message {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
		return Message{}
	}
}

func expectQuiet(t *testing.T, events <-chan string) {
	t.Helper()
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after unsubscribe: %s", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemorySubscribeDeliversCurrentPresence(t *testing.T) {
	broker := NewBroker()
	ctx := context.Background()

	first := broker.Channel("p1", "u1")
	if err := first.Subscribe(ctx, Handlers{}); err != nil {
		t.Fatalf("subscribe first: %v", err)
	}
	defer first.Unsubscribe()
	if err := first.Track(ctx, models.UserPresence{UserID: "u1", Email: "one@example.com"}); err != nil {
		t.Fatalf("track: %v", err)
	}

	synced := make(chan map[string]models.UserPresence, 1)
	second := broker.Channel("p1", "u2")
	err := second.Subscribe(ctx, Handlers{
		OnPresenceSync: func(state map[string]models.UserPresence) { synced <- state },
	})
	if err != nil {
		t.Fatalf("subscribe second: %v", err)
	}
	defer second.Unsubscribe()

	select {
	case state := <-synced:
		if len(state) != 1 || state["u1"].Email != "one@example.com" {
			t.Fatalf("unexpected sync state: %#v", state)
		}
	default:
		t.Fatalf("sync must be delivered before Subscribe returns")
	}
}

func TestMemoryTrackFansOutJoin(t *testing.T) {
	broker := NewBroker()
	ctx := context.Background()

	joins := make(chan string, 4)
	observer := broker.Channel("p1", "u1")
	err := observer.Subscribe(ctx, Handlers{
		OnPresenceJoin: func(userID string, state models.UserPresence) { joins <- userID },
	})
	if err != nil {
		t.Fatalf("subscribe observer: %v", err)
	}
	defer observer.Unsubscribe()

	peer := broker.Channel("p1", "u2")
	if err := peer.Subscribe(ctx, Handlers{}); err != nil {
		t.Fatalf("subscribe peer: %v", err)
	}
	defer peer.Unsubscribe()
	if err := peer.Track(ctx, models.UserPresence{UserID: "u2"}); err != nil {
		t.Fatalf("track: %v", err)
	}

	if got := recvString(t, joins, "join event"); got != "u2" {
		t.Fatalf("join for %q, want u2", got)
	}
}

func TestMemoryTrackRequiresSubscription(t *testing.T) {
	broker := NewBroker()
	ch := broker.Channel("p1", "u1")
	if err := ch.Track(context.Background(), models.UserPresence{UserID: "u1"}); err == nil {
		t.Fatalf("expected track without subscription to fail")
	}
}

func TestMemorySendReachesAllSubscribersIncludingSender(t *testing.T) {
	broker := NewBroker()
	ctx := context.Background()

	mine := make(chan Message, 1)
	theirs := make(chan Message, 1)

	sender := broker.Channel("p1", "u1")
	if err := sender.Subscribe(ctx, Handlers{OnBroadcast: func(m Message) { mine <- m }}); err != nil {
		t.Fatalf("subscribe sender: %v", err)
	}
	defer sender.Unsubscribe()

	receiver := broker.Channel("p1", "u2")
	if err := receiver.Subscribe(ctx, Handlers{OnBroadcast: func(m Message) { theirs <- m }}); err != nil {
		t.Fatalf("subscribe receiver: %v", err)
	}
	defer receiver.Unsubscribe()

	payload, _ := json.Marshal(map[string]string{"version_id": "v1"})
	if err := sender.Send(ctx, Message{Type: TypeVersionRestore, Payload: payload}); err != nil {
		t.Fatalf("send: %v", err)
	}

	for _, ch := range []<-chan Message{mine, theirs} {
		msg := recvMessage(t, ch, "broadcast")
		if msg.Type != TypeVersionRestore {
			t.Fatalf("unexpected type %q", msg.Type)
		}
		if msg.Timestamp == 0 {
			t.Fatalf("broadcast must be stamped at send time")
		}
	}
}

func TestMemorySendWorksWithoutSubscription(t *testing.T) {
	broker := NewBroker()
	ctx := context.Background()

	got := make(chan Message, 1)
	receiver := broker.Channel("p1", "u2")
	if err := receiver.Subscribe(ctx, Handlers{OnBroadcast: func(m Message) { got <- m }}); err != nil {
		t.Fatalf("subscribe receiver: %v", err)
	}
	defer receiver.Unsubscribe()

	lone := broker.Channel("p1", "u1")
	if err := lone.Send(ctx, Message{Type: TypeUserPresence, Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("send without subscription: %v", err)
	}
	recvMessage(t, got, "broadcast from unsubscribed sender")
}

func TestMemoryProjectsAreIsolated(t *testing.T) {
	broker := NewBroker()
	ctx := context.Background()

	other := make(chan Message, 1)
	bystander := broker.Channel("p2", "u9")
	if err := bystander.Subscribe(ctx, Handlers{OnBroadcast: func(m Message) { other <- m }}); err != nil {
		t.Fatalf("subscribe bystander: %v", err)
	}
	defer bystander.Unsubscribe()

	sender := broker.Channel("p1", "u1")
	if err := sender.Send(ctx, Message{Type: TypeUserPresence, Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case <-other:
		t.Fatalf("broadcast leaked across projects")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryUnsubscribePublishesLeaveAndStopsDispatch(t *testing.T) {
	broker := NewBroker()
	ctx := context.Background()

	events := make(chan string, 8)
	observer := broker.Channel("p1", "u1")
	err := observer.Subscribe(ctx, Handlers{
		OnPresenceJoin:  func(userID string, _ models.UserPresence) { events <- "join:" + userID },
		OnPresenceLeave: func(userID string) { events <- "leave:" + userID },
		OnBroadcast:     func(m Message) { events <- "broadcast:" + m.Type },
	})
	if err != nil {
		t.Fatalf("subscribe observer: %v", err)
	}
	defer observer.Unsubscribe()

	peer := broker.Channel("p1", "u2")
	if err := peer.Subscribe(ctx, Handlers{}); err != nil {
		t.Fatalf("subscribe peer: %v", err)
	}
	if err := peer.Track(ctx, models.UserPresence{UserID: "u2"}); err != nil {
		t.Fatalf("track: %v", err)
	}
	if got := recvString(t, events, "join"); got != "join:u2" {
		t.Fatalf("got %q, want join:u2", got)
	}

	if err := peer.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe peer: %v", err)
	}
	if got := recvString(t, events, "leave"); got != "leave:u2" {
		t.Fatalf("got %q, want leave:u2", got)
	}

	// The departed channel no longer receives anything, and its Unsubscribe
	// already returned with dispatch fully stopped.
	if err := peer.Unsubscribe(); err != nil {
		t.Fatalf("second unsubscribe must be a no-op: %v", err)
	}

	// An untracked unsubscribe must not announce a leave.
	if err := observer.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe observer: %v", err)
	}
	expectQuiet(t, events)
}

func TestMemoryNoEventsAfterUnsubscribe(t *testing.T) {
	broker := NewBroker()
	ctx := context.Background()

	events := make(chan string, 8)
	ch := broker.Channel("p1", "u1")
	err := ch.Subscribe(ctx, Handlers{
		OnBroadcast: func(m Message) { events <- m.Type },
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := ch.Unsubscribe(); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	sender := broker.Channel("p1", "u2")
	if err := sender.Send(ctx, Message{Type: TypeUserPresence, Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("send: %v", err)
	}
	expectQuiet(t, events)
}
