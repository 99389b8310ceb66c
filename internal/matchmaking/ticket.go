// internal/matchmaking/ticket.go
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jason-s-yu/anonchat/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	DefaultPollInterval = 2 * time.Second
	MinPollInterval     = time.Second
	MaxPollInterval     = 5 * time.Second

	DefaultResearchInterval = 250 * time.Millisecond
	DefaultResearchBurst    = 3

	// DefaultTouchInterval keeps a waiting host well inside DefaultTicketTTL.
	DefaultTouchInterval = time.Minute

	cleanupTimeout = 5 * time.Second
)

var (
	// errNoCandidate ends the search phase and sends the client into hosting.
	errNoCandidate = errors.New("no open ticket")
	// errYielded means a host withdrew its ticket to join an older one.
	errYielded = errors.New("yielded to older ticket")
)

// TicketOptions tunes the ticket strategy. Zero values pick the defaults.
type TicketOptions struct {
	PollInterval     time.Duration
	ResearchInterval time.Duration // minimum spacing of searches after a lost race
	ResearchBurst    int
	TouchInterval    time.Duration // how often a waiting host refreshes its ticket's last_seen
	NewRoomID        func() (string, error)
}

// TicketStrategy is the store-backed protocol: join the oldest open ticket with a
// conditional write, or insert a ticket and wait on push and poll paths at once.
type TicketStrategy struct {
	store   Store
	channel Channel

	pollInterval     time.Duration
	researchInterval time.Duration
	researchBurst    int
	touchInterval    time.Duration
	newRoomID        func() (string, error)
}

// NewTicketStrategy builds the default strategy.
func NewTicketStrategy(store Store, channel Channel, opts TicketOptions) *TicketStrategy {
	s := &TicketStrategy{
		store:            store,
		channel:          channel,
		pollInterval:     opts.PollInterval,
		researchInterval: opts.ResearchInterval,
		researchBurst:    opts.ResearchBurst,
		touchInterval:    opts.TouchInterval,
		newRoomID:        opts.NewRoomID,
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	if s.researchInterval <= 0 {
		s.researchInterval = DefaultResearchInterval
	}
	if s.researchBurst <= 0 {
		s.researchBurst = DefaultResearchBurst
	}
	if s.touchInterval <= 0 {
		s.touchInterval = DefaultTouchInterval
	}
	if s.newRoomID == nil {
		s.newRoomID = NewRoomID
	}
	return s
}

func (s *TicketStrategy) Name() string { return "ticket" }

func (s *TicketStrategy) Run(ctx context.Context, m *Match) (Result, error) {
	id := m.Identity()
	log := m.Logger()

	// ghost tickets from an earlier crashed session under the same handle
	if err := s.store.DeleteTicketsByHandle(ctx, id.Handle); err != nil {
		log.WithError(err).Warn("failed to clear stale tickets")
	}
	m.transition(StateSearching)

	limiter := rate.NewLimiter(rate.Every(s.researchInterval), s.researchBurst)
	lost := make(map[uuid.UUID]struct{})
	for {
		res, err := s.join(ctx, m, lost)
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, errNoCandidate):
			res, err = s.host(ctx, m)
			if errors.Is(err, errYielded) {
				m.transition(StateSearching)
				continue
			}
			return res, err
		case errors.Is(err, ErrConditionalAssignLost):
			log.WithError(err).Debug("lost race for ticket, searching again")
			m.transition(StateSearching)
			if werr := limiter.Wait(ctx); werr != nil {
				return Result{}, newMatchError(ErrCancelled, "search", werr)
			}
		case errors.Is(err, ErrStoreReadFailed):
			log.WithError(err).Warn("candidate lookup failed, retrying on next tick")
			m.transition(StateSearching)
			if !sleep(ctx, s.pollInterval) {
				return Result{}, newMatchError(ErrCancelled, "search", ctx.Err())
			}
		default:
			return Result{}, err
		}
	}
}

// join tries to claim the oldest open ticket. It returns errNoCandidate when nobody is
// waiting and ErrConditionalAssignLost when another joiner claimed the ticket first.
func (s *TicketStrategy) join(ctx context.Context, m *Match, lost map[uuid.UUID]struct{}) (Result, error) {
	id := m.Identity()
	candidate, err := s.store.FindOldestOpenTicket(ctx, id.Handle)
	if err != nil {
		return Result{}, newMatchError(ErrStoreReadFailed, "find oldest open ticket", err)
	}
	if candidate == nil {
		return Result{}, errNoCandidate
	}
	if candidate.RequesterHandle == id.Handle {
		return Result{}, newMatchError(ErrStoreReadFailed, "find oldest open ticket",
			fmt.Errorf("store returned own ticket %s", candidate.ID))
	}
	if _, seen := lost[candidate.ID]; seen {
		// never retry a ticket we already lost
		return Result{}, errNoCandidate
	}

	m.transition(StateJoining)
	log := m.Logger().WithField("ticket_id", candidate.ID)

	roomID, err := s.newRoomID()
	if err != nil {
		return Result{}, newMatchError(ErrStoreWriteFailed, "allocate room id", err)
	}
	if err := s.store.CreateRoom(ctx, roomID, candidate.RequesterHandle, id.Handle); err != nil {
		return Result{}, newMatchError(ErrStoreWriteFailed, "create room", err)
	}

	n, err := s.store.ConditionalAssignRoom(ctx, candidate.ID, roomID, id.Handle)
	if err != nil {
		log.WithError(err).Warn("conditional assign failed, re-reading ticket")
		n, err = s.confirmAssign(ctx, candidate.ID, roomID)
		if err != nil {
			s.dropRoom(roomID, log)
			return Result{}, newMatchError(ErrStoreReadFailed, "confirm assign", err)
		}
	}
	if n != 1 {
		lost[candidate.ID] = struct{}{}
		s.dropRoom(roomID, log)
		return Result{}, newMatchError(ErrConditionalAssignLost, "assign room", nil)
	}

	return Result{
		RoomID:   roomID,
		Role:     RoleJoiner,
		Peer:     candidate.RequesterHandle,
		TicketID: candidate.ID,
	}, nil
}

// confirmAssign resolves an ambiguous assign error by checking whose room the ticket holds.
func (s *TicketStrategy) confirmAssign(ctx context.Context, ticketID uuid.UUID, roomID string) (int64, error) {
	t, err := s.store.GetTicket(ctx, ticketID)
	if err != nil {
		return 0, err
	}
	if t != nil && t.Room() == roomID {
		return 1, nil
	}
	return 0, nil
}

// host inserts the client's own ticket and waits for a joiner on both paths.
func (s *TicketStrategy) host(ctx context.Context, m *Match) (res Result, err error) {
	id := m.Identity()
	ticket, err := s.store.InsertTicket(ctx, id.Handle, id.Fingerprint)
	if err != nil {
		return Result{}, newMatchError(ErrStoreWriteFailed, "insert ticket", err)
	}
	m.setTicket(ticket.ID)
	log := m.Logger().WithField("ticket_id", ticket.ID)
	defer func() {
		if err != nil && !errors.Is(err, errYielded) {
			s.abandon(ticket.ID, log)
		}
	}()
	m.transition(StateHosting)

	signals := make(chan models.WaitingTicket, 1)
	push := func(t models.WaitingTicket) {
		if t.ID != ticket.ID || !t.Matched() {
			return
		}
		select {
		case signals <- t:
		default: // a signal is already pending
		}
	}

	sub, subErr := s.channel.SubscribeToTicketChanges(ctx, ticket.ID, push)
	if subErr != nil {
		log.WithError(newMatchError(ErrChannelSubscriptionFailed, "subscribe", subErr)).
			Warn("push path unavailable, polling only")
	} else {
		defer func() {
			if uerr := sub.Unsubscribe(); uerr != nil {
				log.WithError(uerr).Warn("unsubscribe failed")
			}
		}()
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	lastTouch := time.Now()

	for {
		select {
		case <-ctx.Done():
			return Result{}, newMatchError(ErrCancelled, "host", ctx.Err())
		case t := <-signals:
			log.Debug("match signal via push")
			return hostResult(t), nil
		case <-ticker.C:
			t, err := s.store.GetTicket(ctx, ticket.ID)
			if err != nil {
				if ctx.Err() == nil {
					log.WithError(newMatchError(ErrStoreReadFailed, "poll ticket", err)).Warn("poll failed")
				}
				continue
			}
			if t == nil {
				return Result{}, newMatchError(ErrTicketVanished, "poll ticket", nil)
			}
			if t.Matched() {
				log.Debug("match signal via poll")
				return hostResult(*t), nil
			}
			if s.yieldToOlder(ctx, m, ticket, log) {
				return Result{}, errYielded
			}
			if time.Since(lastTouch) >= s.touchInterval {
				if err := s.store.TouchTicket(ctx, ticket.ID); err != nil {
					log.WithError(err).Warn("failed to refresh ticket")
				} else {
					lastTouch = time.Now()
				}
			}
		}
	}
}

// yieldToOlder breaks the tie when two clients both found nobody and both started
// hosting: the newer host withdraws its still-open ticket so it can join the older one.
// The withdraw is conditional, so a host that was claimed in the meantime stays put and
// sees the match on its next poll.
func (s *TicketStrategy) yieldToOlder(ctx context.Context, m *Match, own *models.WaitingTicket, log logrus.FieldLogger) bool {
	older, err := s.store.FindOldestOpenTicket(ctx, m.Identity().Handle)
	if err != nil || older == nil || !older.CreatedAt.Before(own.CreatedAt) {
		return false
	}
	n, err := s.store.WithdrawTicket(ctx, own.ID)
	if err != nil {
		log.WithError(err).Warn("failed to withdraw ticket")
		return false
	}
	if n != 1 {
		return false
	}
	log.WithField("older_ticket_id", older.ID).Debug("withdrew ticket to join an older host")
	m.setTicket(uuid.Nil)
	return true
}

func hostResult(t models.WaitingTicket) Result {
	return Result{
		RoomID:   t.Room(),
		Role:     RoleHost,
		Peer:     t.Peer(),
		TicketID: t.ID,
	}
}

// abandon removes the client's own ticket after an abort. If a joiner claimed it in the
// meantime, the room is closed too so the joiner goes back to matchmaking.
func (s *TicketStrategy) abandon(ticketID uuid.UUID, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if t, err := s.store.GetTicket(ctx, ticketID); err == nil && t != nil && t.Matched() {
		s.dropRoom(t.Room(), log)
	}
	if err := s.store.DeleteTicketByID(ctx, ticketID); err != nil {
		log.WithError(err).Warn("failed to delete abandoned ticket")
	}
}

func (s *TicketStrategy) dropRoom(roomID string, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := s.store.DeleteRoom(ctx, roomID); err != nil {
		log.WithError(err).WithField("room_id", roomID).Warn("failed to delete orphaned room")
	}
}

// sleep waits d or until ctx ends; it reports whether the full wait elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
