// internal/models/identity.go
package models

import "time"

// Identity is the explicit session context handed to the matchmaking engine.
// It is created when a visitor lands (POST /identity) and discarded on sign-out.
type Identity struct {
	Handle      string    `json:"handle"`
	Fingerprint string    `json:"-"` // hashed device fingerprint, never echoed to peers
	IssuedAt    time.Time `json:"issued_at"`
}

// Valid reports whether both halves of the identity are present.
func (id *Identity) Valid() bool {
	return id != nil && id.Handle != "" && id.Fingerprint != ""
}
