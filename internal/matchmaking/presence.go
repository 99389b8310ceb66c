// internal/matchmaking/presence.go
package matchmaking

import (
	"context"
	"sort"
	"time"

	"github.com/jason-s-yu/anonchat/internal/models"
	"github.com/sirupsen/logrus"
)

const (
	DefaultPresenceLobby   = "matchmaking"
	DefaultProposalTimeout = 5 * time.Second
)

// RoomCreator lets the presence strategy create the RoomSession marker row.
type RoomCreator interface {
	CreateRoom(ctx context.Context, roomID, hostHandle, joinerHandle string) error
	DeleteRoom(ctx context.Context, roomID string) error
}

// PresenceOptions tunes the presence strategy. Zero values pick the defaults.
type PresenceOptions struct {
	Lobby           string
	ResyncInterval  time.Duration // periodic re-evaluation when sync events go missing
	ProposalTimeout time.Duration // unanswered proposals are retracted after this
	NewRoomID       func() (string, error)
	Now             func() time.Time
}

// PresenceStrategy matches clients with broadcast messages only: on every presence sync
// the second-oldest waiter proposes to the oldest, which acknowledges.
//
// Known limitation: two clients holding diverging presence views can both believe they
// are second-oldest. Proposals that go unanswered are retracted after ProposalTimeout
// and the proposer re-evaluates, but a target that acknowledged a retracted proposal
// ends up alone in a closed room and must requeue. Use TicketStrategy when that matters.
type PresenceStrategy struct {
	channel PresenceChannel
	rooms   RoomCreator

	lobby           string
	resyncInterval  time.Duration
	proposalTimeout time.Duration
	newRoomID       func() (string, error)
	now             func() time.Time
}

// NewPresenceStrategy builds the broadcast-only alternative. rooms may be nil when no
// RoomSession rows are kept.
func NewPresenceStrategy(channel PresenceChannel, rooms RoomCreator, opts PresenceOptions) *PresenceStrategy {
	s := &PresenceStrategy{
		channel:         channel,
		rooms:           rooms,
		lobby:           opts.Lobby,
		resyncInterval:  opts.ResyncInterval,
		proposalTimeout: opts.ProposalTimeout,
		newRoomID:       opts.NewRoomID,
		now:             opts.Now,
	}
	if s.lobby == "" {
		s.lobby = DefaultPresenceLobby
	}
	if s.resyncInterval <= 0 {
		s.resyncInterval = DefaultPollInterval
	}
	if s.proposalTimeout <= 0 {
		s.proposalTimeout = DefaultProposalTimeout
	}
	if s.newRoomID == nil {
		s.newRoomID = NewRoomID
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *PresenceStrategy) Name() string { return "presence" }

type proposal struct {
	target string
	roomID string
	sentAt time.Time
}

func (s *PresenceStrategy) Run(ctx context.Context, m *Match) (Result, error) {
	id := m.Identity()
	log := m.Logger().WithField("lobby", s.lobby)
	m.transition(StateSearching)

	self := models.PresenceMember{
		Handle:   id.Handle,
		JoinedAt: s.now().UTC(),
		Status:   models.PresenceWaiting,
	}
	inbox := make(chan models.PresenceMessage, 64)
	session, err := s.channel.JoinPresence(ctx, s.lobby, self, func(msg models.PresenceMessage) {
		select {
		case inbox <- msg:
		default:
			log.WithField("type", msg.Type).Warn("presence inbox full, dropping message")
		}
	})
	if err != nil {
		return Result{}, newMatchError(ErrStoreWriteFailed, "join presence", err)
	}
	defer func() {
		if lerr := session.Leave(); lerr != nil {
			log.WithError(lerr).Warn("failed to leave presence lobby")
		}
	}()
	m.transition(StateHosting)

	if err := session.Broadcast(ctx, models.PresenceMessage{Type: models.PresenceSync, From: id.Handle}); err != nil {
		log.WithError(err).Warn("initial sync broadcast failed")
	}

	var pending *proposal
	retract := func() {
		if pending == nil {
			return
		}
		s.dropRoom(pending.roomID, log)
		pending = nil
	}
	defer func() {
		if pending != nil && ctx.Err() != nil {
			retract()
		}
	}()

	evaluate := func() error {
		if pending != nil {
			return nil
		}
		target, ok := s.proposalTarget(ctx, session, id.Handle, log)
		if !ok {
			return nil
		}
		roomID, err := s.newRoomID()
		if err != nil {
			return newMatchError(ErrStoreWriteFailed, "allocate room id", err)
		}
		if s.rooms != nil {
			if err := s.rooms.CreateRoom(ctx, roomID, target, id.Handle); err != nil {
				return newMatchError(ErrStoreWriteFailed, "create room", err)
			}
		}
		m.transition(StateJoining)
		pending = &proposal{target: target, roomID: roomID, sentAt: s.now()}
		msg := models.PresenceMessage{Type: models.PresencePropose, From: id.Handle, Target: target, RoomID: roomID}
		if err := session.Broadcast(ctx, msg); err != nil {
			log.WithError(err).Warn("proposal broadcast failed")
		}
		return nil
	}

	if err := evaluate(); err != nil {
		return Result{}, err
	}

	ticker := time.NewTicker(s.resyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{}, newMatchError(ErrCancelled, "presence", ctx.Err())

		case msg := <-inbox:
			switch msg.Type {
			case models.PresenceSync:
				if err := evaluate(); err != nil {
					return Result{}, err
				}
			case models.PresencePropose:
				if msg.Target != id.Handle || msg.From == id.Handle {
					continue
				}
				if pending != nil {
					// already courting someone; the proposer will time out and retry
					log.WithField("from", msg.From).Debug("ignoring proposal while own proposal is pending")
					continue
				}
				ack := models.PresenceMessage{Type: models.PresenceAcknowledge, From: id.Handle, Target: msg.From, RoomID: msg.RoomID}
				if err := session.Broadcast(ctx, ack); err != nil {
					log.WithError(err).Warn("acknowledge broadcast failed")
					continue
				}
				return Result{RoomID: msg.RoomID, Role: RoleHost, Peer: msg.From}, nil
			case models.PresenceAcknowledge:
				if msg.Target != id.Handle || pending == nil {
					continue
				}
				if msg.From != pending.target || msg.RoomID != pending.roomID {
					continue
				}
				res := Result{RoomID: pending.roomID, Role: RoleJoiner, Peer: pending.target}
				pending = nil
				return res, nil
			}

		case <-ticker.C:
			if pending != nil && s.now().Sub(pending.sentAt) >= s.proposalTimeout {
				log.WithField("target", pending.target).Info("proposal unanswered, retracting")
				retract()
				m.transition(StateSearching)
				m.transition(StateHosting)
			}
			if err := evaluate(); err != nil {
				return Result{}, err
			}
		}
	}
}

// proposalTarget reports the oldest waiter when self is the second-oldest.
func (s *PresenceStrategy) proposalTarget(ctx context.Context, session PresenceSession, self string, log logrus.FieldLogger) (string, bool) {
	members, err := session.Members(ctx)
	if err != nil {
		log.WithError(err).Warn("presence members lookup failed")
		return "", false
	}
	waiting := WaitingOrder(members)
	if len(waiting) < 2 || waiting[1].Handle != self {
		return "", false
	}
	return waiting[0].Handle, true
}

// WaitingOrder returns the waiting members sorted oldest first, ties broken by handle.
func WaitingOrder(members []models.PresenceMember) []models.PresenceMember {
	waiting := make([]models.PresenceMember, 0, len(members))
	for _, mem := range members {
		if mem.Status == models.PresenceWaiting {
			waiting = append(waiting, mem)
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		if !waiting[i].JoinedAt.Equal(waiting[j].JoinedAt) {
			return waiting[i].JoinedAt.Before(waiting[j].JoinedAt)
		}
		return waiting[i].Handle < waiting[j].Handle
	})
	return waiting
}

func (s *PresenceStrategy) dropRoom(roomID string, log logrus.FieldLogger) {
	if s.rooms == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.rooms.DeleteRoom(ctx, roomID); err != nil {
		log.WithError(err).WithField("room_id", roomID).Warn("failed to delete retracted room")
	}
}
