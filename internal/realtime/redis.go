// internal/realtime/redis.go
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/anonchat/internal/matchmaking"
	"github.com/jason-s-yu/anonchat/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// keyPrefix namespaces every key and topic this service touches.
const keyPrefix = "anonchat"

func ticketTopic(id uuid.UUID) string { return keyPrefix + ":ticket:" + id.String() }
func roomTopic(roomID string) string  { return keyPrefix + ":room:" + roomID }

// Connect parses a redis:// url and pings the server.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Addr, err)
	}
	return rdb, nil
}

// Channel is the Redis-backed notification channel. Ticket changes and room events
// travel over pub/sub; presence lobbies keep their roster in a hash.
type Channel struct {
	rdb    *redis.Client
	logger logrus.FieldLogger

	// PresenceHeartbeat is how often a presence member refreshes its roster entry.
	// Entries not refreshed for three heartbeats are treated as gone.
	PresenceHeartbeat time.Duration
}

// NewChannel wraps rdb.
func NewChannel(rdb *redis.Client, logger logrus.FieldLogger) *Channel {
	return &Channel{rdb: rdb, logger: logger, PresenceHeartbeat: 5 * time.Second}
}

type subscription struct {
	once sync.Once
	ps   *redis.PubSub
	stop func()
	err  error
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		s.err = s.ps.Close()
	})
	return s.err
}

// subscribe opens a pub/sub subscription and waits for the server acknowledgement, so
// nothing published after it returns is missed.
func (c *Channel) subscribe(ctx context.Context, topic string) (*redis.PubSub, error) {
	ps := c.rdb.Subscribe(ctx, topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return ps, nil
}

// consume decodes every payload on ps into T and hands the valid ones to fn until ps
// is closed.
func consume[T any](ps *redis.PubSub, logger logrus.FieldLogger, validate func(T) error, fn func(T)) {
	for msg := range ps.Channel() {
		var v T
		if err := json.Unmarshal([]byte(msg.Payload), &v); err != nil {
			logger.Warnf("dropping undecodable message on %s: %v", msg.Channel, err)
			continue
		}
		if validate != nil {
			if err := validate(v); err != nil {
				logger.Warnf("dropping invalid message on %s: %v", msg.Channel, err)
				continue
			}
		}
		fn(v)
	}
}

// SubscribeToTicketChanges implements matchmaking.Channel.
func (c *Channel) SubscribeToTicketChanges(ctx context.Context, ticketID uuid.UUID, onUpdate func(models.WaitingTicket)) (matchmaking.Subscription, error) {
	ps, err := c.subscribe(ctx, ticketTopic(ticketID))
	if err != nil {
		return nil, err
	}
	validate := func(t models.WaitingTicket) error {
		if t.ID != ticketID {
			return fmt.Errorf("update for ticket %s on topic of %s", t.ID, ticketID)
		}
		return t.Validate()
	}
	go consume(ps, c.logger, validate, onUpdate)
	return &subscription{ps: ps}, nil
}

// PublishTicketUpdate broadcasts the new row image of a ticket.
func (c *Channel) PublishTicketUpdate(ctx context.Context, t models.WaitingTicket) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal ticket: %w", err)
	}
	if err := c.rdb.Publish(ctx, ticketTopic(t.ID), string(data)).Err(); err != nil {
		return fmt.Errorf("failed to publish ticket %s: %w", t.ID, err)
	}
	return nil
}

// SubscribeRoom delivers chat and closure events for one room.
func (c *Channel) SubscribeRoom(ctx context.Context, roomID string, onEvent func(models.RoomEvent)) (matchmaking.Subscription, error) {
	ps, err := c.subscribe(ctx, roomTopic(roomID))
	if err != nil {
		return nil, err
	}
	go consume(ps, c.logger, nil, onEvent)
	return &subscription{ps: ps}, nil
}

// PublishRoomEvent broadcasts evt on its room topic.
func (c *Channel) PublishRoomEvent(ctx context.Context, evt models.RoomEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal room event: %w", err)
	}
	if err := c.rdb.Publish(ctx, roomTopic(evt.RoomID), string(data)).Err(); err != nil {
		return fmt.Errorf("failed to publish to room %s: %w", evt.RoomID, err)
	}
	return nil
}
