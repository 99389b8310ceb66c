// internal/matchmaking/engine.go
package matchmaking

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jason-s-yu/anonchat/internal/models"
	"github.com/sirupsen/logrus"
)

// Role says which side of the rendezvous a client ended up on.
type Role string

const (
	RoleHost   Role = "host"
	RoleJoiner Role = "joiner"
)

// Result is the outcome of a successful match.
type Result struct {
	RoomID string `json:"room_id"`
	Role   Role   `json:"role"`
	Peer   string `json:"peer,omitempty"`
	// TicketID is the ticket that carried the match. It is disposable once the room
	// session is torn down. Zero for the presence strategy.
	TicketID uuid.UUID `json:"ticket_id,omitempty"`
}

// MatchStrategy drives a single Match from INIT to a terminal state. Run must release
// every subscription and timer it opened before returning.
type MatchStrategy interface {
	Name() string
	Run(ctx context.Context, m *Match) (Result, error)
}

// StatusFunc observes every state transition of a match.
type StatusFunc func(State)

// Engine starts independent matchmaking tasks for callers. It holds no matching state
// of its own; the store and channel behind the strategy are the only shared resources.
type Engine struct {
	strategy MatchStrategy
	logger   logrus.FieldLogger

	mu     sync.Mutex
	active map[*Match]struct{}
}

// NewEngine builds an engine around the given strategy.
func NewEngine(strategy MatchStrategy, logger logrus.FieldLogger) *Engine {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Engine{
		strategy: strategy,
		logger:   logger.WithField("strategy", strategy.Name()),
		active:   make(map[*Match]struct{}),
	}
}

// Strategy returns the name of the configured strategy.
func (e *Engine) Strategy() string {
	return e.strategy.Name()
}

// StartMatching launches a matchmaking task for id. It never blocks; use Wait or Done on
// the returned Match. A missing identity aborts immediately with ErrIdentityUnavailable.
func (e *Engine) StartMatching(ctx context.Context, id *models.Identity, onStatus StatusFunc) *Match {
	runCtx, cancel := context.WithCancel(ctx)
	m := &Match{
		identity: id,
		onStatus: onStatus,
		state:    StateInit,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	if !id.Valid() {
		m.logger = e.logger
		m.finish(Result{}, newMatchError(ErrIdentityUnavailable, "start matching", nil))
		cancel()
		return m
	}
	m.logger = e.logger.WithField("handle", id.Handle)

	e.mu.Lock()
	e.active[m] = struct{}{}
	e.mu.Unlock()

	go func() {
		defer func() {
			e.mu.Lock()
			delete(e.active, m)
			e.mu.Unlock()
			cancel()
		}()
		res, err := e.strategy.Run(runCtx, m)
		if err != nil && runCtx.Err() != nil && !errors.Is(err, ErrCancelled) {
			err = newMatchError(ErrCancelled, "run", err)
		}
		m.finish(res, err)
	}()
	return m
}

// Shutdown cancels every in-flight match and waits for their cleanup.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	matches := make([]*Match, 0, len(e.active))
	for m := range e.active {
		matches = append(matches, m)
	}
	e.mu.Unlock()

	for _, m := range matches {
		m.Cancel()
	}
}

// Match is one client's matchmaking task.
type Match struct {
	identity *models.Identity
	logger   logrus.FieldLogger
	onStatus StatusFunc

	mu       sync.Mutex
	state    State
	ticketID uuid.UUID

	cancel context.CancelFunc
	done   chan struct{}
	result Result
	err    error
}

// Identity returns the identity the match was started with.
func (m *Match) Identity() *models.Identity {
	return m.identity
}

// Logger returns a logger scoped to this match.
func (m *Match) Logger() logrus.FieldLogger {
	return m.logger
}

// State returns the current state.
func (m *Match) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// TicketID returns the ticket this client inserted while hosting, if any.
func (m *Match) TicketID() uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ticketID
}

// Done is closed once the match reached MATCHED or ABORTED and cleanup has finished.
func (m *Match) Done() <-chan struct{} {
	return m.done
}

// Wait blocks until the match resolves or ctx ends. It may be called any number of
// times and always reports the same outcome.
func (m *Match) Wait(ctx context.Context) (Result, error) {
	select {
	case <-m.done:
		return m.result, m.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel aborts the match and returns after its subscription, poll timer and ticket
// have been released. Calling it after the match resolved is a no-op. Must not be
// called from inside a StatusFunc.
func (m *Match) Cancel() {
	m.cancel()
	<-m.done
}

func (m *Match) setTicket(id uuid.UUID) {
	m.mu.Lock()
	m.ticketID = id
	m.mu.Unlock()
}

// transition moves the state machine forward. Repeating the current state is a no-op,
// so duplicate signals collapse into one transition.
func (m *Match) transition(to State) bool {
	m.mu.Lock()
	from := m.state
	if from == to {
		m.mu.Unlock()
		return false
	}
	if from.Terminal() || !canTransition(from, to) {
		m.mu.Unlock()
		m.logger.WithFields(logrus.Fields{"from": from, "to": to}).Error("illegal state transition")
		return false
	}
	m.state = to
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{"from": from, "to": to}).Debug("state transition")
	if m.onStatus != nil {
		m.onStatus(to)
	}
	return true
}

// finish moves the match to its terminal state exactly once and releases waiters.
func (m *Match) finish(res Result, err error) {
	if err != nil {
		m.transition(StateAborted)
		m.logger.WithError(err).Info("matching aborted")
	} else {
		m.transition(StateMatched)
		m.logger.WithFields(logrus.Fields{
			"room_id": res.RoomID,
			"role":    res.Role,
			"peer":    res.Peer,
		}).Info("matched")
	}
	m.result, m.err = res, err
	close(m.done)
}
