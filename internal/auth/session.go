// internal/auth/session.go
package auth

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jason-s-yu/anonchat/internal/matchmaking"
	"github.com/jason-s-yu/anonchat/internal/models"
)

var (
	// ErrBanned is returned when the fingerprint behind an identity is on the ban list.
	ErrBanned = errors.New("fingerprint is banned")
	// ErrMissingFingerprint is returned when a visitor lands without a device fingerprint.
	ErrMissingFingerprint = errors.New("missing fingerprint")
)

// BanChecker is the read side of the moderation store.
type BanChecker interface {
	IsFingerprintBanned(ctx context.Context, fingerprint string) (bool, error)
}

// Issuer is the Identity Provider. It mints EdDSA session tokens carrying the handle and
// the hashed device fingerprint, and resolves them back into an Identity.
type Issuer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	ttl        time.Duration // 0 means tokens never expire
	bans       BanChecker
	now        func() time.Time
}

// NewIssuer generates a fresh ed25519 key pair. Tokens do not survive a restart.
func NewIssuer(ttl time.Duration, bans BanChecker) (*Issuer, error) {
	public, private, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ed25519 key pair: %w", err)
	}
	return &Issuer{privateKey: private, publicKey: public, ttl: ttl, bans: bans, now: time.Now}, nil
}

// NewIssuerFromPath reads raw ed25519 keys from disk so several instances can share them.
func NewIssuerFromPath(privatePath, publicPath string, ttl time.Duration, bans BanChecker) (*Issuer, error) {
	privateKeyData, err := os.ReadFile(privatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	publicKeyData, err := os.ReadFile(publicPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read public key file: %w", err)
	}
	if len(privateKeyData) != ed25519.PrivateKeySize || len(publicKeyData) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("key files are not raw ed25519 keys")
	}
	return &Issuer{
		privateKey: ed25519.PrivateKey(privateKeyData),
		publicKey:  ed25519.PublicKey(publicKeyData),
		ttl:        ttl,
		bans:       bans,
		now:        time.Now,
	}, nil
}

// TTL is the token lifetime, 0 for tokens that never expire.
func (i *Issuer) TTL() time.Duration { return i.ttl }

func (i *Issuer) checkBan(ctx context.Context, fingerprint string) error {
	if i.bans == nil {
		return nil
	}
	banned, err := i.bans.IsFingerprintBanned(ctx, fingerprint)
	if err != nil {
		return fmt.Errorf("ban lookup failed: %w", err)
	}
	if banned {
		return ErrBanned
	}
	return nil
}

// Issue creates an identity for a landing visitor. An empty handle gets a random one.
// The raw fingerprint is hashed and never stored.
func (i *Issuer) Issue(ctx context.Context, handle, rawFingerprint string) (*models.Identity, string, error) {
	if rawFingerprint == "" {
		return nil, "", ErrMissingFingerprint
	}
	if handle == "" {
		var err error
		if handle, err = RandomHandle(); err != nil {
			return nil, "", err
		}
	} else if err := ValidateHandle(handle); err != nil {
		return nil, "", err
	}

	fingerprint := HashFingerprint(rawFingerprint)
	if err := i.checkBan(ctx, fingerprint); err != nil {
		return nil, "", err
	}

	issuedAt := i.now().UTC()
	claims := jwt.MapClaims{
		"sub": handle,
		"fp":  fingerprint,
		"iat": issuedAt.Unix(),
	}
	if i.ttl > 0 {
		claims["exp"] = issuedAt.Add(i.ttl).Unix()
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(i.privateKey)
	if err != nil {
		return nil, "", fmt.Errorf("failed to sign token: %w", err)
	}
	return &models.Identity{Handle: handle, Fingerprint: fingerprint, IssuedAt: issuedAt}, token, nil
}

// Resolve turns a session token back into an Identity. Any token problem is reported as
// matchmaking.ErrIdentityUnavailable.
func (i *Issuer) Resolve(ctx context.Context, tokenString string) (*models.Identity, error) {
	if tokenString == "" {
		return nil, matchmaking.ErrIdentityUnavailable
	}
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.publicKey, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", matchmaking.ErrIdentityUnavailable, err)
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok || !t.Valid {
		return nil, fmt.Errorf("%w: invalid jwt claims", matchmaking.ErrIdentityUnavailable)
	}
	handle, _ := claims["sub"].(string)
	fingerprint, _ := claims["fp"].(string)
	id := &models.Identity{Handle: handle, Fingerprint: fingerprint}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		id.IssuedAt = iat.UTC()
	}
	if !id.Valid() {
		return nil, fmt.Errorf("%w: incomplete jwt claims", matchmaking.ErrIdentityUnavailable)
	}

	if err := i.checkBan(ctx, fingerprint); err != nil {
		return nil, err
	}
	return id, nil
}
