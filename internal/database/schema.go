package database

import (
	"context"
	"fmt"
)

// schema is applied statement by statement, in order. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS waiting_tickets (
		id                    uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		requester_handle      text NOT NULL,
		requester_fingerprint text NOT NULL,
		assigned_room         text,
		matched_peer_handle   text,
		created_at            timestamptz NOT NULL DEFAULT now(),
		last_seen             timestamptz NOT NULL DEFAULT now(),
		CHECK ((assigned_room IS NULL) = (matched_peer_handle IS NULL))
	)`,
	`CREATE INDEX IF NOT EXISTS waiting_tickets_open_idx
		ON waiting_tickets (created_at) WHERE assigned_room IS NULL`,
	`CREATE INDEX IF NOT EXISTS waiting_tickets_handle_idx
		ON waiting_tickets (requester_handle)`,

	// assigned_room is write-once even for writers that bypass the conditional update
	`CREATE OR REPLACE FUNCTION waiting_tickets_room_write_once() RETURNS trigger AS $$
	BEGIN
		IF OLD.assigned_room IS NOT NULL AND NEW.assigned_room IS DISTINCT FROM OLD.assigned_room THEN
			RAISE EXCEPTION 'assigned_room of ticket % is already set', OLD.id;
		END IF;
		RETURN NEW;
	END
	$$ LANGUAGE plpgsql`,
	`DROP TRIGGER IF EXISTS waiting_tickets_room_write_once ON waiting_tickets`,
	`CREATE TRIGGER waiting_tickets_room_write_once
		BEFORE UPDATE ON waiting_tickets
		FOR EACH ROW EXECUTE FUNCTION waiting_tickets_room_write_once()`,

	`CREATE TABLE IF NOT EXISTS rooms (
		id            text PRIMARY KEY,
		host_handle   text NOT NULL,
		joiner_handle text NOT NULL,
		created_at    timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id         uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		room_id    text NOT NULL REFERENCES rooms (id) ON DELETE CASCADE,
		sender     text NOT NULL,
		body       text NOT NULL,
		created_at timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS messages_room_idx ON messages (room_id, created_at)`,

	// written by the moderation tooling, read here
	`CREATE TABLE IF NOT EXISTS bans (
		fingerprint text PRIMARY KEY,
		reason      text NOT NULL DEFAULT '',
		created_at  timestamptz NOT NULL DEFAULT now()
	)`,
}

// Migrate creates the tables, indexes and triggers the stores need.
func Migrate(ctx context.Context, db DBTX) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i, err)
		}
	}
	return nil
}
