// internal/models/presence.go
package models

import "time"

// PresenceStatus is the announced status of a presence member.
type PresenceStatus string

const (
	PresenceWaiting PresenceStatus = "waiting"
	PresenceMatched PresenceStatus = "matched"
)

// PresenceMember is the ephemeral state a client broadcasts in the presence lobby.
type PresenceMember struct {
	Handle   string         `json:"handle"`
	JoinedAt time.Time      `json:"joined_at"`
	Status   PresenceStatus `json:"status"`
}

// PresenceMessageType enumerates the messages of the presence protocol.
type PresenceMessageType string

const (
	PresenceSync        PresenceMessageType = "sync"
	PresencePropose     PresenceMessageType = "propose"
	PresenceAcknowledge PresenceMessageType = "acknowledge"
)

// PresenceMessage is broadcast to everyone in the lobby. Target is the addressee of a
// PROPOSE or ACKNOWLEDGE; sync messages leave it empty.
type PresenceMessage struct {
	Type   PresenceMessageType `json:"type"`
	From   string              `json:"from"`
	Target string              `json:"target,omitempty"`
	RoomID string              `json:"room_id,omitempty"`
}
