package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
)

// SessionCookie carries the identity token.
const SessionCookie = "session_token"

const writeTimeout = 5 * time.Second

// sessionToken reads the token from the session cookie, falling back to a bearer header
// for non-browser clients.
func sessionToken(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// wsWrite sends v as a text frame. Writes outlive the request context so a final
// error or closure message still reaches a client that asked to cancel.
func wsWrite(ctx context.Context, c *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return c.Write(ctx, websocket.MessageText, data)
}

// inbound is the envelope of every client frame.
type inbound struct {
	Type string `json:"type"`
	Msg  string `json:"msg,omitempty"`
}
