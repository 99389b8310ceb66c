package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jason-s-yu/anonchat/internal/models"
)

const ticketColumns = `id, requester_handle, requester_fingerprint, assigned_room, matched_peer_handle, created_at`

// scanTicket reads one waiting_tickets row and validates it before it leaves the adapter.
func scanTicket(row pgx.Row) (*models.WaitingTicket, error) {
	var (
		t          models.WaitingTicket
		room, peer pgtype.Text
	)
	if err := row.Scan(&t.ID, &t.RequesterHandle, &t.RequesterFingerprint, &room, &peer, &t.CreatedAt); err != nil {
		return nil, err
	}
	if room.Valid {
		t.AssignedRoom = &room.String
	}
	if peer.Valid {
		t.MatchedPeerHandle = &peer.String
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ticket row: %w", err)
	}
	return &t, nil
}

// DeleteTicketsByHandle removes every ticket created under handle, matched or not.
func (s *Store) DeleteTicketsByHandle(ctx context.Context, handle string) error {
	q := `DELETE FROM waiting_tickets WHERE requester_handle = $1`
	if _, err := s.db.Exec(ctx, q, handle); err != nil {
		return fmt.Errorf("failed to delete tickets for %q: %w", handle, err)
	}
	return nil
}

// FindOldestOpenTicket returns the oldest unassigned ticket not owned by excludeHandle,
// or nil when nobody is waiting.
func (s *Store) FindOldestOpenTicket(ctx context.Context, excludeHandle string) (*models.WaitingTicket, error) {
	q := `
	SELECT ` + ticketColumns + `
	FROM waiting_tickets
	WHERE assigned_room IS NULL AND requester_handle <> $1
	ORDER BY created_at ASC, id ASC
	LIMIT 1
	`
	t, err := scanTicket(s.db.QueryRow(ctx, q, excludeHandle))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open ticket: %w", err)
	}
	return t, nil
}

// InsertTicket creates an open ticket; id and created_at come from the database.
func (s *Store) InsertTicket(ctx context.Context, handle, fingerprint string) (*models.WaitingTicket, error) {
	q := `
	INSERT INTO waiting_tickets (requester_handle, requester_fingerprint)
	VALUES ($1, $2)
	RETURNING ` + ticketColumns
	t, err := scanTicket(s.db.QueryRow(ctx, q, handle, fingerprint))
	if err != nil {
		return nil, fmt.Errorf("failed to insert ticket: %w", err)
	}
	return t, nil
}

// ConditionalAssignRoom claims the ticket for roomID only if no room was assigned yet.
// Postgres row locking makes this the single serialization point between joiners.
func (s *Store) ConditionalAssignRoom(ctx context.Context, ticketID uuid.UUID, roomID, matchedPeerHandle string) (int64, error) {
	q := `
	UPDATE waiting_tickets
	SET assigned_room = $2, matched_peer_handle = $3
	WHERE id = $1 AND assigned_room IS NULL
	`
	tag, err := s.db.Exec(ctx, q, ticketID, roomID, matchedPeerHandle)
	if err != nil {
		return 0, fmt.Errorf("failed to assign room to ticket %s: %w", ticketID, err)
	}
	return tag.RowsAffected(), nil
}

// GetTicket re-reads a ticket by id, returning nil if it no longer exists.
func (s *Store) GetTicket(ctx context.Context, ticketID uuid.UUID) (*models.WaitingTicket, error) {
	q := `SELECT ` + ticketColumns + ` FROM waiting_tickets WHERE id = $1`
	t, err := scanTicket(s.db.QueryRow(ctx, q, ticketID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read ticket %s: %w", ticketID, err)
	}
	return t, nil
}

// DeleteTicketByID is idempotent.
func (s *Store) DeleteTicketByID(ctx context.Context, ticketID uuid.UUID) error {
	q := `DELETE FROM waiting_tickets WHERE id = $1`
	if _, err := s.db.Exec(ctx, q, ticketID); err != nil {
		return fmt.Errorf("failed to delete ticket %s: %w", ticketID, err)
	}
	return nil
}

// WithdrawTicket deletes a ticket only while it is still unassigned.
func (s *Store) WithdrawTicket(ctx context.Context, ticketID uuid.UUID) (int64, error) {
	q := `DELETE FROM waiting_tickets WHERE id = $1 AND assigned_room IS NULL`
	tag, err := s.db.Exec(ctx, q, ticketID)
	if err != nil {
		return 0, fmt.Errorf("failed to withdraw ticket %s: %w", ticketID, err)
	}
	return tag.RowsAffected(), nil
}

// TouchTicket refreshes last_seen of a ticket that is still open.
func (s *Store) TouchTicket(ctx context.Context, ticketID uuid.UUID) error {
	q := `UPDATE waiting_tickets SET last_seen = now() WHERE id = $1 AND assigned_room IS NULL`
	if _, err := s.db.Exec(ctx, q, ticketID); err != nil {
		return fmt.Errorf("failed to touch ticket %s: %w", ticketID, err)
	}
	return nil
}

// DeleteStaleTickets sweeps ghosts: open tickets whose host stopped polling before the
// cutoff, and matched tickets whose room is already gone.
func (s *Store) DeleteStaleTickets(ctx context.Context, seenBefore time.Time) (int64, error) {
	q := `
	DELETE FROM waiting_tickets t
	WHERE t.last_seen < $1
	  AND (t.assigned_room IS NULL
	       OR NOT EXISTS (SELECT 1 FROM rooms r WHERE r.id = t.assigned_room))
	`
	tag, err := s.db.Exec(ctx, q, seenBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale tickets: %w", err)
	}
	return tag.RowsAffected(), nil
}
