// internal/models/room.go
package models

import (
	"time"

	"github.com/google/uuid"
)

// RoomSession is the rendezvous record both matched clients read to confirm a live room.
// Its deletion means the room is closed.
type RoomSession struct {
	ID           string    `json:"id"`
	HostHandle   string    `json:"host_handle"`
	JoinerHandle string    `json:"joiner_handle"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasMember reports whether handle is one of the two matched parties.
func (r *RoomSession) HasMember(handle string) bool {
	return handle != "" && (handle == r.HostHandle || handle == r.JoinerHandle)
}

// ChatMessage is a single message exchanged inside a room.
type ChatMessage struct {
	ID        uuid.UUID `json:"id"`
	RoomID    string    `json:"room_id"`
	Sender    string    `json:"sender"`
	Body      string    `json:"msg"`
	CreatedAt time.Time `json:"ts"`
}

// RoomEventType enumerates what can happen inside a room topic.
type RoomEventType string

const (
	RoomEventMessage RoomEventType = "chat"
	RoomEventClosed  RoomEventType = "room_closed"
)

// RoomEvent is published on a room's topic.
type RoomEvent struct {
	Type    RoomEventType `json:"type"`
	RoomID  string        `json:"room_id"`
	Message *ChatMessage  `json:"message,omitempty"`
}
