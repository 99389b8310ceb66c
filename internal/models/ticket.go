// internal/models/ticket.go
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// WaitingTicket represents a row in the waiting_tickets table: one client currently
// seeking a peer. AssignedRoom is write-once; nil means the requester is still waiting.
type WaitingTicket struct {
	ID                   uuid.UUID `json:"id"`
	RequesterHandle      string    `json:"requester_handle"`
	RequesterFingerprint string    `json:"requester_fingerprint"`
	AssignedRoom         *string   `json:"assigned_room"`
	MatchedPeerHandle    *string   `json:"matched_peer_handle"`
	CreatedAt            time.Time `json:"created_at"`
}

// Matched reports whether a room has been assigned to the ticket.
func (t *WaitingTicket) Matched() bool {
	return t.AssignedRoom != nil && *t.AssignedRoom != ""
}

// Room returns the assigned room or "" while waiting.
func (t *WaitingTicket) Room() string {
	if t.AssignedRoom == nil {
		return ""
	}
	return *t.AssignedRoom
}

// Peer returns the handle of whoever claimed the ticket, or "".
func (t *WaitingTicket) Peer() string {
	if t.MatchedPeerHandle == nil {
		return ""
	}
	return *t.MatchedPeerHandle
}

// Validate checks a ticket decoded from the store or the change feed before it is
// allowed anywhere near the state machine.
func (t *WaitingTicket) Validate() error {
	if t.ID == uuid.Nil {
		return errors.New("ticket has no id")
	}
	if t.RequesterHandle == "" {
		return fmt.Errorf("ticket %s has no requester handle", t.ID)
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("ticket %s has no created_at", t.ID)
	}
	if (t.AssignedRoom == nil) != (t.MatchedPeerHandle == nil) {
		return fmt.Errorf("ticket %s has assigned_room and matched_peer_handle out of step", t.ID)
	}
	return nil
}
