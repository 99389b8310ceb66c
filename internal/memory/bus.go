package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/anonchat/internal/matchmaking"
	"github.com/jason-s-yu/anonchat/internal/models"
)

// ErrDisconnected is returned by Subscribe calls while the bus is disconnected.
var ErrDisconnected = errors.New("bus disconnected")

// Bus is an in-process notification channel: ticket change feed, room topics and
// presence lobbies. It stands in for Redis in single-node mode and in tests.
type Bus struct {
	mu           sync.Mutex
	ticketSubs   map[uuid.UUID]map[*subscription]func(models.WaitingTicket)
	roomSubs     map[string]map[*subscription]func(models.RoomEvent)
	lobbies      map[string]*lobby
	disconnected bool
}

type lobby struct {
	members map[string]models.PresenceMember
	subs    map[*subscription]func(models.PresenceMessage)
}

// NewBus returns a connected bus.
func NewBus() *Bus {
	return &Bus{
		ticketSubs: make(map[uuid.UUID]map[*subscription]func(models.WaitingTicket)),
		roomSubs:   make(map[string]map[*subscription]func(models.RoomEvent)),
		lobbies:    make(map[string]*lobby),
	}
}

// Disconnect drops every ticket and room event until Reconnect, simulating a dead push
// path. Existing subscriptions stay registered but receive nothing.
func (b *Bus) Disconnect() {
	b.mu.Lock()
	b.disconnected = true
	b.mu.Unlock()
}

// Reconnect resumes delivery.
func (b *Bus) Reconnect() {
	b.mu.Lock()
	b.disconnected = false
	b.mu.Unlock()
}

// TicketSubscribers reports how many live subscriptions exist for a ticket.
func (b *Bus) TicketSubscribers(ticketID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ticketSubs[ticketID])
}

type subscription struct {
	once   sync.Once
	remove func()
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(s.remove)
	return nil
}

// SubscribeToTicketChanges implements matchmaking.Channel.
func (b *Bus) SubscribeToTicketChanges(ctx context.Context, ticketID uuid.UUID, onUpdate func(models.WaitingTicket)) (matchmaking.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disconnected {
		return nil, ErrDisconnected
	}
	sub := &subscription{}
	sub.remove = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.ticketSubs[ticketID], sub)
		if len(b.ticketSubs[ticketID]) == 0 {
			delete(b.ticketSubs, ticketID)
		}
	}
	if b.ticketSubs[ticketID] == nil {
		b.ticketSubs[ticketID] = make(map[*subscription]func(models.WaitingTicket))
	}
	b.ticketSubs[ticketID][sub] = onUpdate
	return sub, nil
}

// PublishTicketUpdate fans a ticket change out to its subscribers.
func (b *Bus) PublishTicketUpdate(ctx context.Context, t models.WaitingTicket) error {
	b.mu.Lock()
	if b.disconnected {
		b.mu.Unlock()
		return nil
	}
	fns := make([]func(models.WaitingTicket), 0, len(b.ticketSubs[t.ID]))
	for _, fn := range b.ticketSubs[t.ID] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(t)
	}
	return nil
}

// SubscribeRoom delivers every event published on a room's topic.
func (b *Bus) SubscribeRoom(ctx context.Context, roomID string, onEvent func(models.RoomEvent)) (matchmaking.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.disconnected {
		return nil, ErrDisconnected
	}
	sub := &subscription{}
	sub.remove = func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.roomSubs[roomID], sub)
		if len(b.roomSubs[roomID]) == 0 {
			delete(b.roomSubs, roomID)
		}
	}
	if b.roomSubs[roomID] == nil {
		b.roomSubs[roomID] = make(map[*subscription]func(models.RoomEvent))
	}
	b.roomSubs[roomID][sub] = onEvent
	return sub, nil
}

// PublishRoomEvent fans an event out to a room's subscribers.
func (b *Bus) PublishRoomEvent(ctx context.Context, evt models.RoomEvent) error {
	b.mu.Lock()
	if b.disconnected {
		b.mu.Unlock()
		return nil
	}
	fns := make([]func(models.RoomEvent), 0, len(b.roomSubs[evt.RoomID]))
	for _, fn := range b.roomSubs[evt.RoomID] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(evt)
	}
	return nil
}

// JoinPresence implements matchmaking.PresenceChannel.
func (b *Bus) JoinPresence(ctx context.Context, name string, self models.PresenceMember, onMessage func(models.PresenceMessage)) (matchmaking.PresenceSession, error) {
	b.mu.Lock()
	l, ok := b.lobbies[name]
	if !ok {
		l = &lobby{
			members: make(map[string]models.PresenceMember),
			subs:    make(map[*subscription]func(models.PresenceMessage)),
		}
		b.lobbies[name] = l
	}
	sub := &subscription{}
	l.members[self.Handle] = self
	l.subs[sub] = onMessage
	b.mu.Unlock()

	p := &presence{bus: b, lobby: name, handle: self.Handle}
	sub.remove = func() {
		b.mu.Lock()
		delete(l.members, self.Handle)
		delete(l.subs, sub)
		b.mu.Unlock()
		_ = p.Broadcast(context.Background(), models.PresenceMessage{Type: models.PresenceSync, From: self.Handle})
	}
	p.sub = sub
	return p, nil
}

type presence struct {
	bus    *Bus
	lobby  string
	handle string
	sub    *subscription
}

func (p *presence) Members(ctx context.Context) ([]models.PresenceMember, error) {
	p.bus.mu.Lock()
	defer p.bus.mu.Unlock()
	l := p.bus.lobbies[p.lobby]
	out := make([]models.PresenceMember, 0, len(l.members))
	for _, m := range l.members {
		out = append(out, m)
	}
	return out, nil
}

func (p *presence) Broadcast(ctx context.Context, msg models.PresenceMessage) error {
	p.bus.mu.Lock()
	l := p.bus.lobbies[p.lobby]
	fns := make([]func(models.PresenceMessage), 0, len(l.subs))
	for _, fn := range l.subs {
		fns = append(fns, fn)
	}
	p.bus.mu.Unlock()

	for _, fn := range fns {
		fn(msg)
	}
	return nil
}

func (p *presence) Leave() error {
	return p.sub.Unsubscribe()
}
