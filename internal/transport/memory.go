package transport

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"codecanvas/internal/models"
)

const memoryQueueLen = 256

// Broker is an in-process channel backend. It serves tests and single-node
// deployments that run without redis, the same way the storage layer accepts
// sqlite in place of mysql.
type Broker struct {
	mu     sync.Mutex
	topics map[string]*topic
}

type topic struct {
	name     string
	presence map[string]models.UserPresence
	subs     map[*memoryChannel]struct{}
}

func NewBroker() *Broker {
	return &Broker{topics: make(map[string]*topic)}
}

// Channel returns a channel handle for the given project.
func (b *Broker) Channel(projectID, localUserID string) Channel {
	return &memoryChannel{broker: b, project: projectID, userID: localUserID}
}

func (b *Broker) topicFor(project string) *topic {
	t, ok := b.topics[project]
	if !ok {
		t = &topic{
			name:     project,
			presence: make(map[string]models.UserPresence),
			subs:     make(map[*memoryChannel]struct{}),
		}
		b.topics[project] = t
	}
	return t
}

type memEvent struct {
	join      *models.UserPresence
	leave     bool
	userID    string
	broadcast *Message
}

type memoryChannel struct {
	broker  *Broker
	project string
	userID  string

	mu         sync.Mutex
	subscribed bool
	tracked    bool
	events     chan memEvent
	quit       chan struct{}
	done       chan struct{}
}

func (c *memoryChannel) Subscribe(ctx context.Context, h Handlers) error {
	c.mu.Lock()
	if c.subscribed {
		c.mu.Unlock()
		return errors.New("channel already subscribed")
	}
	c.subscribed = true
	c.events = make(chan memEvent, memoryQueueLen)
	c.quit = make(chan struct{})
	c.done = make(chan struct{})
	events, quit, done := c.events, c.quit, c.done

	// Registration happens under the channel lock so a concurrent
	// Unsubscribe cannot interleave and leave a dead subscriber behind.
	b := c.broker
	b.mu.Lock()
	t := b.topicFor(c.project)
	t.subs[c] = struct{}{}
	state := copyPresence(t.presence)
	b.mu.Unlock()
	c.mu.Unlock()

	// Authoritative full state is delivered before any incremental event.
	if h.OnPresenceSync != nil {
		h.OnPresenceSync(state)
	}

	go func() {
		defer close(done)
		for {
			select {
			case <-quit:
				return
			case ev := <-events:
				deliver(h, ev)
			}
		}
	}()
	return nil
}

func deliver(h Handlers, ev memEvent) {
	switch {
	case ev.join != nil:
		if h.OnPresenceJoin != nil {
			h.OnPresenceJoin(ev.userID, *ev.join)
		}
	case ev.leave:
		if h.OnPresenceLeave != nil {
			h.OnPresenceLeave(ev.userID)
		}
	case ev.broadcast != nil:
		if h.OnBroadcast != nil {
			h.OnBroadcast(*ev.broadcast)
		}
	}
}

func (c *memoryChannel) Track(ctx context.Context, state models.UserPresence) error {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return errors.New("track requires an active subscription")
	}
	c.tracked = true
	c.mu.Unlock()

	b := c.broker
	b.mu.Lock()
	t := b.topicFor(c.project)
	t.presence[c.userID] = state
	fanOut(t, memEvent{join: &state, userID: c.userID})
	b.mu.Unlock()
	return nil
}

func (c *memoryChannel) Send(ctx context.Context, msg Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}

	b := c.broker
	b.mu.Lock()
	if t, ok := b.topics[c.project]; ok {
		fanOut(t, memEvent{broadcast: &msg})
	}
	b.mu.Unlock()
	return nil
}

func (c *memoryChannel) Unsubscribe() error {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.subscribed = false
	tracked := c.tracked
	c.tracked = false
	quit, done := c.quit, c.done
	c.mu.Unlock()

	b := c.broker
	b.mu.Lock()
	t, ok := b.topics[c.project]
	if ok {
		delete(t.subs, c)
		if tracked {
			delete(t.presence, c.userID)
			fanOut(t, memEvent{leave: true, userID: c.userID})
		}
		if len(t.subs) == 0 && len(t.presence) == 0 {
			delete(b.topics, c.project)
		}
	}
	b.mu.Unlock()

	// Stop dispatch and wait for the in-flight callback, if any, so no
	// handler runs after Unsubscribe returns.
	close(quit)
	<-done
	return nil
}

// fanOut queues the event to every subscriber; called with the broker lock
// held. Slow consumers drop events rather than block the broker, consistent
// with fire-and-forget broadcast semantics.
func fanOut(t *topic, ev memEvent) {
	for sub := range t.subs {
		select {
		case sub.events <- ev:
		default:
			log.Printf("memory transport: dropping event for slow subscriber on %s", t.name)
		}
	}
}

func copyPresence(src map[string]models.UserPresence) map[string]models.UserPresence {
	dst := make(map[string]models.UserPresence, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
