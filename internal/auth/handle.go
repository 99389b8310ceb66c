package auth

import (
	"encoding/hex"
	"errors"
	"regexp"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/crypto/blake2b"
)

// ErrInvalidHandle is returned for handles outside [A-Za-z0-9_-]{3,24}.
var ErrInvalidHandle = errors.New("handle must be 3-24 letters, digits, '-' or '_'")

var handlePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,24}$`)

const handleAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func ValidateHandle(handle string) error {
	if !handlePattern.MatchString(handle) {
		return ErrInvalidHandle
	}
	return nil
}

// RandomHandle returns a handle like "anon-k3j9x0qa".
func RandomHandle() (string, error) {
	suffix, err := gonanoid.Generate(handleAlphabet, 8)
	if err != nil {
		return "", err
	}
	return "anon-" + suffix, nil
}

// HashFingerprint reduces a raw device fingerprint to the hex BLAKE2b-256 digest that
// the store and ban list key on.
func HashFingerprint(raw string) string {
	sum := blake2b.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
