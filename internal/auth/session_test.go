package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jason-s-yu/anonchat/internal/matchmaking"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type banList map[string]bool

func (b banList) IsFingerprintBanned(_ context.Context, fp string) (bool, error) {
	return b[fp], nil
}

type brokenBans struct{}

func (brokenBans) IsFingerprintBanned(context.Context, string) (bool, error) {
	return false, errors.New("db down")
}

func TestIssueAndResolve(t *testing.T) {
	issuer, err := NewIssuer(time.Hour, banList{})
	require.NoError(t, err)
	ctx := context.Background()

	id, token, err := issuer.Issue(ctx, "alice", "device-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", id.Handle)
	assert.Equal(t, HashFingerprint("device-1"), id.Fingerprint)
	assert.NotContains(t, token, "device-1")

	resolved, err := issuer.Resolve(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, id.Handle, resolved.Handle)
	assert.Equal(t, id.Fingerprint, resolved.Fingerprint)
	assert.True(t, resolved.Valid())
}

func TestIssue_RandomHandleWhenEmpty(t *testing.T) {
	issuer, err := NewIssuer(0, nil)
	require.NoError(t, err)

	id, _, err := issuer.Issue(context.Background(), "", "device-1")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id.Handle, "anon-"))
	assert.NoError(t, ValidateHandle(id.Handle))
}

func TestIssue_Rejections(t *testing.T) {
	issuer, err := NewIssuer(0, banList{HashFingerprint("evil-device"): true})
	require.NoError(t, err)
	ctx := context.Background()

	_, _, err = issuer.Issue(ctx, "alice", "")
	assert.ErrorIs(t, err, ErrMissingFingerprint)

	_, _, err = issuer.Issue(ctx, "a b", "device-1")
	assert.ErrorIs(t, err, ErrInvalidHandle)

	_, _, err = issuer.Issue(ctx, "mallory", "evil-device")
	assert.ErrorIs(t, err, ErrBanned)
}

func TestIssue_BanLookupFailure(t *testing.T) {
	issuer, err := NewIssuer(0, brokenBans{})
	require.NoError(t, err)

	_, _, err = issuer.Issue(context.Background(), "alice", "device-1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrBanned)
}

func TestResolve_BannedAfterIssue(t *testing.T) {
	bans := banList{}
	issuer, err := NewIssuer(0, bans)
	require.NoError(t, err)
	ctx := context.Background()

	id, token, err := issuer.Issue(ctx, "mallory", "device-9")
	require.NoError(t, err)

	bans[id.Fingerprint] = true
	_, err = issuer.Resolve(ctx, token)
	assert.ErrorIs(t, err, ErrBanned)
}

func TestResolve_BadTokens(t *testing.T) {
	issuer, err := NewIssuer(time.Minute, nil)
	require.NoError(t, err)
	other, err := NewIssuer(time.Minute, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = issuer.Resolve(ctx, "")
	assert.ErrorIs(t, err, matchmaking.ErrIdentityUnavailable)

	_, err = issuer.Resolve(ctx, "not-a-jwt")
	assert.ErrorIs(t, err, matchmaking.ErrIdentityUnavailable)

	_, foreign, err := other.Issue(ctx, "alice", "device-1")
	require.NoError(t, err)
	_, err = issuer.Resolve(ctx, foreign)
	assert.ErrorIs(t, err, matchmaking.ErrIdentityUnavailable, "token signed by another key")

	issuer.now = func() time.Time { return time.Now().Add(-time.Hour) }
	_, stale, err := issuer.Issue(ctx, "alice", "device-1")
	require.NoError(t, err)
	issuer.now = time.Now
	_, err = issuer.Resolve(ctx, stale)
	assert.ErrorIs(t, err, matchmaking.ErrIdentityUnavailable, "expired token")
}

func TestValidateHandle(t *testing.T) {
	for _, ok := range []string{"abc", "Alice_99", "anon-x1y2", strings.Repeat("a", 24)} {
		assert.NoError(t, ValidateHandle(ok), ok)
	}
	for _, bad := range []string{"", "ab", "has space", "emoji😀", strings.Repeat("a", 25)} {
		assert.ErrorIs(t, ValidateHandle(bad), ErrInvalidHandle, bad)
	}
}

func TestHashFingerprint(t *testing.T) {
	a := HashFingerprint("device-1")
	assert.Len(t, a, 64)
	assert.Equal(t, a, HashFingerprint("device-1"))
	assert.NotEqual(t, a, HashFingerprint("device-2"))
}
