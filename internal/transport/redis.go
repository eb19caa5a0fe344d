package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"codecanvas/internal/models"
	"codecanvas/internal/redis"
)

// RedisTransport backs project channels with redis pub/sub. Broadcasts ride
// one channel per project, presence events a second one, and the live
// presence state lives in a hash so late subscribers can read the full set.
type RedisTransport struct {
	client *redis.Client
}

func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

// Channel returns a channel handle for the given project.
func (t *RedisTransport) Channel(projectID, localUserID string) Channel {
	return &redisChannel{
		client:  t.client,
		project: projectID,
		userID:  localUserID,
	}
}

type presenceEvent struct {
	Action string               `json:"action"` // join or leave
	UserID string               `json:"user_id"`
	State  *models.UserPresence `json:"state,omitempty"`
}

type redisChannel struct {
	client  *redis.Client
	project string
	userID  string

	mu         sync.Mutex
	subscribed bool
	tracked    bool
	pubsub     *goredis.PubSub
	done       chan struct{}
}

func (c *redisChannel) eventsChannel() string {
	return fmt.Sprintf("project:%s:events", c.project)
}

func (c *redisChannel) presenceChannel() string {
	return fmt.Sprintf("project:%s:presence", c.project)
}

func (c *redisChannel) presenceKey() string {
	return fmt.Sprintf("project:%s:presence:state", c.project)
}

func (c *redisChannel) Subscribe(ctx context.Context, h Handlers) error {
	c.mu.Lock()
	if c.subscribed {
		c.mu.Unlock()
		return errors.New("channel already subscribed")
	}
	c.mu.Unlock()

	pubsub, err := c.client.Subscribe(ctx, c.eventsChannel(), c.presenceChannel())
	if err != nil {
		return fmt.Errorf("subscribe project %s: %w", c.project, err)
	}
	// Wait for the subscription acknowledgment before reporting success.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return fmt.Errorf("confirm subscription for project %s: %w", c.project, err)
	}

	state, err := c.fullState(ctx)
	if err != nil {
		pubsub.Close()
		return err
	}

	c.mu.Lock()
	c.subscribed = true
	c.pubsub = pubsub
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	if h.OnPresenceSync != nil {
		h.OnPresenceSync(state)
	}

	go c.dispatch(pubsub, h, done)
	return nil
}

// fullState reads the project's presence hash for the initial sync.
func (c *redisChannel) fullState(ctx context.Context) (map[string]models.UserPresence, error) {
	raw, err := c.client.HGetAll(ctx, c.presenceKey())
	if err != nil {
		return nil, fmt.Errorf("read presence state for project %s: %w", c.project, err)
	}
	state := make(map[string]models.UserPresence, len(raw))
	for userID, payload := range raw {
		var p models.UserPresence
		if err := json.Unmarshal([]byte(payload), &p); err != nil {
			log.Printf("redis transport: dropping malformed presence state for %s: %v", userID, err)
			continue
		}
		state[userID] = p
	}
	return state, nil
}

// dispatch routes inbound pub/sub messages until the subscription closes.
// Malformed payloads are dropped and logged so one bad message cannot block
// delivery of the ones behind it.
func (c *redisChannel) dispatch(pubsub *goredis.PubSub, h Handlers, done chan struct{}) {
	defer close(done)
	for msg := range pubsub.Channel() {
		switch msg.Channel {
		case c.eventsChannel():
			var m Message
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				log.Printf("redis transport: dropping malformed broadcast on %s: %v", c.project, err)
				continue
			}
			if h.OnBroadcast != nil {
				h.OnBroadcast(m)
			}
		case c.presenceChannel():
			var ev presenceEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				log.Printf("redis transport: dropping malformed presence event on %s: %v", c.project, err)
				continue
			}
			if ev.UserID == "" {
				log.Printf("redis transport: dropping presence event without user id on %s", c.project)
				continue
			}
			switch ev.Action {
			case "join":
				if ev.State == nil {
					log.Printf("redis transport: dropping join without state on %s", c.project)
					continue
				}
				if h.OnPresenceJoin != nil {
					h.OnPresenceJoin(ev.UserID, *ev.State)
				}
			case "leave":
				if h.OnPresenceLeave != nil {
					h.OnPresenceLeave(ev.UserID)
				}
			}
		}
	}
}

func (c *redisChannel) Track(ctx context.Context, state models.UserPresence) error {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return errors.New("track requires an active subscription")
	}
	c.tracked = true
	c.mu.Unlock()

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode presence state: %w", err)
	}
	if err := c.client.HSet(ctx, c.presenceKey(), c.userID, payload); err != nil {
		return fmt.Errorf("store presence state: %w", err)
	}
	return c.publishPresence(ctx, presenceEvent{Action: "join", UserID: c.userID, State: &state})
}

func (c *redisChannel) Send(ctx context.Context, msg Message) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode broadcast: %w", err)
	}
	if err := c.client.Publish(ctx, c.eventsChannel(), payload); err != nil {
		return fmt.Errorf("publish broadcast: %w", err)
	}
	return nil
}

func (c *redisChannel) Unsubscribe() error {
	c.mu.Lock()
	if !c.subscribed {
		c.mu.Unlock()
		return nil
	}
	c.subscribed = false
	tracked := c.tracked
	c.tracked = false
	pubsub := c.pubsub
	done := c.done
	c.pubsub = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if tracked {
		if err := c.client.HDel(ctx, c.presenceKey(), c.userID); err != nil {
			log.Printf("redis transport: clear presence state failed on %s: %v", c.project, err)
		}
		if err := c.publishPresence(ctx, presenceEvent{Action: "leave", UserID: c.userID}); err != nil {
			log.Printf("redis transport: publish leave failed on %s: %v", c.project, err)
		}
	}

	err := pubsub.Close()
	// Closing the pubsub ends the dispatch loop; wait for it so no handler
	// runs after Unsubscribe returns.
	<-done
	return err
}

func (c *redisChannel) publishPresence(ctx context.Context, ev presenceEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode presence event: %w", err)
	}
	if err := c.client.Publish(ctx, c.presenceChannel(), payload); err != nil {
		return fmt.Errorf("publish presence event: %w", err)
	}
	return nil
}
