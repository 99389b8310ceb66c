package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jason-s-yu/anonchat/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdentityLifecycle(t *testing.T) {
	env := newTestEnv(t)
	token := env.login(t, "alice", "device-1")

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/identity", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: token})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	req, _ = http.NewRequest(http.MethodDelete, env.srv.URL+"/identity", nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.NotEmpty(t, resp.Cookies())
	assert.Equal(t, -1, resp.Cookies()[0].MaxAge)
}

func TestGetIdentity_NoSession(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/identity")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestCreateIdentity_Rejections(t *testing.T) {
	env := newTestEnv(t)
	env.store.Ban(auth.HashFingerprint("evil-device"))

	cases := []struct {
		name   string
		body   string
		status int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"missing fingerprint", `{"handle":"alice"}`, http.StatusBadRequest},
		{"bad handle", `{"handle":"a b","fingerprint":"x"}`, http.StatusBadRequest},
		{"banned", `{"handle":"mallory","fingerprint":"evil-device"}`, http.StatusForbidden},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Post(env.srv.URL+"/identity", "application/json", strings.NewReader(tc.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tc.status, resp.StatusCode)
		})
	}
}

func TestCreateIdentity_RandomHandle(t *testing.T) {
	s := &Server{Issuer: mustIssuer(t)}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/identity", strings.NewReader(`{"fingerprint":"device-7"}`))
	s.CreateIdentityHandler(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"handle":"anon-`)
	assert.Contains(t, rec.Header().Get("Set-Cookie"), SessionCookie+"=")
}

func mustIssuer(t *testing.T) *auth.Issuer {
	t.Helper()
	issuer, err := auth.NewIssuer(0, nil)
	require.NoError(t, err)
	return issuer
}
