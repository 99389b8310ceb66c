package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jason-s-yu/anonchat/internal/auth"
	"github.com/jason-s-yu/anonchat/internal/models"
)

type createIdentityRequest struct {
	Handle      string `json:"handle"`
	Fingerprint string `json:"fingerprint"`
}

type identityResponse struct {
	Handle string `json:"handle"`
}

// identify resolves the caller's session token.
func (s *Server) identify(r *http.Request) (*models.Identity, error) {
	return s.Issuer.Resolve(r.Context(), sessionToken(r))
}

// writeIdentityError maps identity failures to HTTP statuses.
func (s *Server) writeIdentityError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrBanned):
		writeError(w, http.StatusForbidden, "banned")
	case errors.Is(err, auth.ErrInvalidHandle), errors.Is(err, auth.ErrMissingFingerprint):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusUnauthorized, "no active session")
	}
}

// CreateIdentityHandler lands a visitor: POST /identity {handle?, fingerprint}.
func (s *Server) CreateIdentityHandler(w http.ResponseWriter, r *http.Request) {
	var req createIdentityRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, token, err := s.Issuer.Issue(r.Context(), req.Handle, req.Fingerprint)
	if err != nil {
		if !errors.Is(err, auth.ErrBanned) && !errors.Is(err, auth.ErrInvalidHandle) && !errors.Is(err, auth.ErrMissingFingerprint) {
			s.Logger.Errorf("failed to issue identity: %v", err)
			writeError(w, http.StatusInternalServerError, "could not create session")
			return
		}
		s.writeIdentityError(w, err)
		return
	}

	cookie := &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl := s.Issuer.TTL(); ttl > 0 {
		cookie.MaxAge = int(ttl.Seconds())
	}
	http.SetCookie(w, cookie)
	writeJSON(w, http.StatusOK, identityResponse{Handle: id.Handle})
}

// GetIdentityHandler reports who the session belongs to.
func (s *Server) GetIdentityHandler(w http.ResponseWriter, r *http.Request) {
	id, err := s.identify(r)
	if err != nil {
		s.writeIdentityError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, identityResponse{Handle: id.Handle})
}

// DeleteIdentityHandler signs out by expiring the cookie.
func (s *Server) DeleteIdentityHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	w.WriteHeader(http.StatusNoContent)
}
