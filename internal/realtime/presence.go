package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jason-s-yu/anonchat/internal/matchmaking"
	"github.com/jason-s-yu/anonchat/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func rosterKey(lobby string) string  { return keyPrefix + ":presence:" + lobby }
func lobbyTopic(lobby string) string { return keyPrefix + ":presence:" + lobby + ":events" }

// rosterEntry is the hash value stored per member.
type rosterEntry struct {
	Member models.PresenceMember `json:"member"`
	SeenAt time.Time             `json:"seen_at"`
}

type presence struct {
	c      *Channel
	lobby  string
	self   models.PresenceMember
	sub    *subscription
	logger logrus.FieldLogger

	leaveOnce sync.Once
	done      chan struct{}
}

// JoinPresence implements matchmaking.PresenceChannel. The member is written to the
// lobby roster and refreshed every heartbeat until Leave.
func (c *Channel) JoinPresence(ctx context.Context, lobby string, self models.PresenceMember, onMessage func(models.PresenceMessage)) (matchmaking.PresenceSession, error) {
	ps, err := c.subscribe(ctx, lobbyTopic(lobby))
	if err != nil {
		return nil, err
	}
	p := &presence{
		c:      c,
		lobby:  lobby,
		self:   self,
		sub:    &subscription{ps: ps},
		logger: c.logger.WithFields(logrus.Fields{"lobby": lobby, "handle": self.Handle}),
		done:   make(chan struct{}),
	}
	if err := p.announce(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	go consume(ps, p.logger, nil, onMessage)
	go p.heartbeat()
	return p, nil
}

func (p *presence) announce(ctx context.Context) error {
	data, err := json.Marshal(rosterEntry{Member: p.self, SeenAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	// The roster key outlives its last member by a few heartbeats only.
	key := rosterKey(p.lobby)
	_, err = p.c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, p.self.Handle, string(data))
		pipe.Expire(ctx, key, 3*p.c.PresenceHeartbeat)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to announce presence: %w", err)
	}
	return nil
}

func (p *presence) heartbeat() {
	ticker := time.NewTicker(p.c.PresenceHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.c.PresenceHeartbeat)
			if err := p.announce(ctx); err != nil {
				p.logger.Warnf("presence heartbeat failed: %v", err)
			}
			cancel()
		}
	}
}

// Members returns the live roster. Entries that stopped heartbeating are pruned.
func (p *presence) Members(ctx context.Context) ([]models.PresenceMember, error) {
	raw, err := p.c.rdb.HGetAll(ctx, rosterKey(p.lobby)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read presence roster: %w", err)
	}
	cutoff := time.Now().Add(-3 * p.c.PresenceHeartbeat)
	members := make([]models.PresenceMember, 0, len(raw))
	var stale []string
	for handle, v := range raw {
		var e rosterEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil || e.SeenAt.Before(cutoff) {
			stale = append(stale, handle)
			continue
		}
		members = append(members, e.Member)
	}
	if len(stale) > 0 {
		if err := p.c.rdb.HDel(ctx, rosterKey(p.lobby), stale...).Err(); err != nil {
			p.logger.Warnf("failed to prune stale presence entries: %v", err)
		}
	}
	return members, nil
}

func (p *presence) Broadcast(ctx context.Context, msg models.PresenceMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := p.c.rdb.Publish(ctx, lobbyTopic(p.lobby), string(data)).Err(); err != nil {
		return fmt.Errorf("failed to broadcast presence message: %w", err)
	}
	return nil
}

// Leave drops the member from the roster and tells the lobby to resync.
func (p *presence) Leave() error {
	var err error
	p.leaveOnce.Do(func() {
		close(p.done)
		_ = p.sub.Unsubscribe()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err = p.c.rdb.HDel(ctx, rosterKey(p.lobby), p.self.Handle).Err(); err != nil {
			return
		}
		err = p.Broadcast(ctx, models.PresenceMessage{Type: models.PresenceSync, From: p.self.Handle})
	})
	return err
}
