// internal/matchmaking/contracts.go
package matchmaking

import (
	"context"

	"github.com/google/uuid"
	"github.com/jason-s-yu/anonchat/internal/models"
)

// Store is the shared rendezvous store the ticket strategy races against.
// ConditionalAssignRoom must be atomic: it returns 1 for the single writer that found
// assigned_room still null and 0 for everyone else.
type Store interface {
	DeleteTicketsByHandle(ctx context.Context, handle string) error
	// FindOldestOpenTicket returns nil, nil when nobody is waiting.
	FindOldestOpenTicket(ctx context.Context, excludeHandle string) (*models.WaitingTicket, error)
	InsertTicket(ctx context.Context, handle, fingerprint string) (*models.WaitingTicket, error)
	ConditionalAssignRoom(ctx context.Context, ticketID uuid.UUID, roomID, matchedPeerHandle string) (int64, error)
	// GetTicket returns nil, nil when the row no longer exists.
	GetTicket(ctx context.Context, ticketID uuid.UUID) (*models.WaitingTicket, error)
	DeleteTicketByID(ctx context.Context, ticketID uuid.UUID) error
	// WithdrawTicket deletes the ticket only while assigned_room is still null and
	// reports the affected row count.
	WithdrawTicket(ctx context.Context, ticketID uuid.UUID) (int64, error)
	// TouchTicket marks an open ticket as still watched by its host so the janitor
	// leaves it alone.
	TouchTicket(ctx context.Context, ticketID uuid.UUID) error
	CreateRoom(ctx context.Context, roomID, hostHandle, joinerHandle string) error
	DeleteRoom(ctx context.Context, roomID string) error
}

// Channel delivers change events for a ticket. It may never fire.
type Channel interface {
	SubscribeToTicketChanges(ctx context.Context, ticketID uuid.UUID, onUpdate func(models.WaitingTicket)) (Subscription, error)
}

// Subscription is released exactly once by its owner.
type Subscription interface {
	Unsubscribe() error
}

// PresenceChannel is the ephemeral membership broadcast used by the presence strategy.
type PresenceChannel interface {
	JoinPresence(ctx context.Context, lobby string, self models.PresenceMember, onMessage func(models.PresenceMessage)) (PresenceSession, error)
}

// PresenceSession is one client's membership in a presence lobby.
type PresenceSession interface {
	// Members lists everyone currently announced in the lobby, including self.
	Members(ctx context.Context) ([]models.PresenceMember, error)
	Broadcast(ctx context.Context, msg models.PresenceMessage) error
	Leave() error
}
