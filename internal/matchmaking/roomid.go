// internal/matchmaking/roomid.go
package matchmaking

import gonanoid "github.com/matoous/go-nanoid/v2"

// roomIDLength characters from nanoid's 64-symbol alphabet give 96 bits of entropy.
const roomIDLength = 16

// NewRoomID allocates an unguessable room identifier.
func NewRoomID() (string, error) {
	return gonanoid.New(roomIDLength)
}
