package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jason-s-yu/anonchat/internal/models"
)

// CreateRoom inserts the RoomSession marker row for the two matched handles.
func (s *Store) CreateRoom(ctx context.Context, roomID, hostHandle, joinerHandle string) error {
	q := `INSERT INTO rooms (id, host_handle, joiner_handle) VALUES ($1, $2, $3)`
	if _, err := s.db.Exec(ctx, q, roomID, hostHandle, joinerHandle); err != nil {
		return fmt.Errorf("failed to create room %s: %w", roomID, err)
	}
	return nil
}

// GetRoom returns the live room, or nil once it has been closed.
func (s *Store) GetRoom(ctx context.Context, roomID string) (*models.RoomSession, error) {
	q := `SELECT id, host_handle, joiner_handle, created_at FROM rooms WHERE id = $1`
	var r models.RoomSession
	err := s.db.QueryRow(ctx, q, roomID).Scan(&r.ID, &r.HostHandle, &r.JoinerHandle, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up room %s: %w", roomID, err)
	}
	return &r, nil
}

// DeleteRoom removes the room and its messages. We also remove messages explicitly in
// case the cascade was dropped from an older schema.
func (s *Store) DeleteRoom(ctx context.Context, roomID string) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE room_id = $1`, roomID); err != nil {
			return fmt.Errorf("failed to delete messages of room %s: %w", roomID, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM rooms WHERE id = $1`, roomID); err != nil {
			return fmt.Errorf("failed to delete room %s: %w", roomID, err)
		}
		return nil
	})
}

// InsertMessage stores msg and fills in its id and timestamp.
func (s *Store) InsertMessage(ctx context.Context, msg *models.ChatMessage) error {
	q := `
	INSERT INTO messages (room_id, sender, body)
	VALUES ($1, $2, $3)
	RETURNING id, created_at
	`
	if err := s.db.QueryRow(ctx, q, msg.RoomID, msg.Sender, msg.Body).Scan(&msg.ID, &msg.CreatedAt); err != nil {
		return fmt.Errorf("failed to insert message into room %s: %w", msg.RoomID, err)
	}
	return nil
}

// ListMessages returns up to limit of the latest messages in a room, oldest first.
func (s *Store) ListMessages(ctx context.Context, roomID string, limit int) ([]models.ChatMessage, error) {
	q := `
	SELECT id, room_id, sender, body, created_at FROM (
		SELECT id, room_id, sender, body, created_at
		FROM messages
		WHERE room_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	) latest
	ORDER BY created_at ASC
	`
	rows, err := s.db.Query(ctx, q, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages of room %s: %w", roomID, err)
	}
	defer rows.Close()

	var msgs []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.RoomID, &m.Sender, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// IsFingerprintBanned checks the moderation ban list.
func (s *Store) IsFingerprintBanned(ctx context.Context, fingerprint string) (bool, error) {
	q := `SELECT EXISTS (SELECT 1 FROM bans WHERE fingerprint = $1)`
	var banned bool
	if err := s.db.QueryRow(ctx, q, fingerprint).Scan(&banned); err != nil {
		return false, fmt.Errorf("failed to check ban list: %w", err)
	}
	return banned, nil
}
