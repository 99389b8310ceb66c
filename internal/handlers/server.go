package handlers

import (
	"net/http"

	"github.com/jason-s-yu/anonchat/internal/auth"
	"github.com/jason-s-yu/anonchat/internal/events"
	"github.com/jason-s-yu/anonchat/internal/matchmaking"
	"github.com/jason-s-yu/anonchat/internal/middleware"
	"github.com/jason-s-yu/anonchat/internal/room"
	"github.com/sirupsen/logrus"
)

// Server holds everything the HTTP and WebSocket handlers share.
type Server struct {
	Engine     *matchmaking.Engine
	Issuer     *auth.Issuer
	Rooms      room.Store
	RoomEvents room.Subscriber
	Audit      events.Publisher
	Logger     logrus.FieldLogger

	// OriginPatterns are passed to websocket.Accept; the request host is always allowed.
	OriginPatterns []string
}

// Routes builds the service mux with request logging applied.
func (s *Server) Routes() http.Handler {
	if s.Audit == nil {
		s.Audit = events.NopPublisher{}
	}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /identity", s.CreateIdentityHandler)
	mux.HandleFunc("GET /identity", s.GetIdentityHandler)
	mux.HandleFunc("DELETE /identity", s.DeleteIdentityHandler)

	mux.HandleFunc("GET /match/ws", s.MatchWSHandler)
	mux.HandleFunc("GET /room/ws/{roomID}", s.RoomWSHandler)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "strategy": s.Engine.Strategy()})
	})

	return middleware.LogMiddleware(s.Logger)(mux)
}
