// internal/handlers/match_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/anonchat/internal/events"
	"github.com/jason-s-yu/anonchat/internal/matchmaking"
	"github.com/jason-s-yu/anonchat/internal/middleware"
	"github.com/sirupsen/logrus"
)

type statusMessage struct {
	Type   string `json:"type"`
	State  string `json:"state"`
	Status string `json:"status"`
}

type matchedMessage struct {
	Type     string           `json:"type"`
	RoomID   string           `json:"room_id"`
	Role     matchmaking.Role `json:"role"`
	Peer     string           `json:"peer,omitempty"`
	TicketID *uuid.UUID       `json:"ticket_id,omitempty"`
}

type errorMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// MatchWSHandler runs one matchmaking task per connection. The client sees every state
// transition, then either the room assignment or the reason matching stopped. Sending
// {"type":"cancel"} or closing the socket aborts the task.
func (s *Server) MatchWSHandler(w http.ResponseWriter, r *http.Request) {
	id, err := s.identify(r)
	if err != nil {
		s.writeIdentityError(w, err)
		return
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{"match"},
		OriginPatterns: s.OriginPatterns,
	})
	if err != nil {
		s.Logger.Warnf("websocket accept error: %v", err)
		return
	}
	defer c.CloseNow()

	if c.Subprotocol() != "match" {
		c.Close(BadSubprotocolError, "client must speak the match subprotocol")
		return
	}

	logger := s.Logger.WithField("handle", id.Handle)
	middleware.LogWebSocketConnect(logger, r.RemoteAddr, r.URL.Path)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	statuses := make(chan matchmaking.State, 16)
	m := s.Engine.StartMatching(ctx, id, func(st matchmaking.State) {
		select {
		case statuses <- st:
		default:
		}
	})

	go matchReadPump(ctx, c, cancel, logger)

	sendStatus := func(st matchmaking.State) {
		_ = wsWrite(ctx, c, statusMessage{Type: "status", State: st.String(), Status: st.Status()})
	}
	for waiting := true; waiting; {
		select {
		case st := <-statuses:
			sendStatus(st)
		case <-m.Done():
			waiting = false
		}
	}
	for drained := false; !drained; {
		select {
		case st := <-statuses:
			sendStatus(st)
		default:
			drained = true
		}
	}

	res, err := m.Wait(context.Background())
	if err != nil {
		_ = wsWrite(ctx, c, errorMessage{Type: "error", Message: err.Error(), Retryable: matchmaking.Retryable(err)})
		middleware.LogWebSocketDisconnect(logger, r.RemoteAddr, r.URL.Path, err)
		c.Close(websocket.StatusNormalClosure, "matching stopped")
		return
	}

	msg := matchedMessage{Type: "matched", RoomID: res.RoomID, Role: res.Role, Peer: res.Peer}
	if res.TicketID != uuid.Nil {
		msg.TicketID = &res.TicketID
	}
	if err := wsWrite(ctx, c, msg); err != nil {
		logger.Warnf("failed to deliver match for room %s: %v", res.RoomID, err)
	}
	s.audit(ctx, logger, events.Event{
		Kind:     events.KindMatchMade,
		RoomID:   res.RoomID,
		Handle:   id.Handle,
		Peer:     res.Peer,
		Role:     string(res.Role),
		Strategy: s.Engine.Strategy(),
	})
	middleware.LogWebSocketDisconnect(logger, r.RemoteAddr, r.URL.Path, nil)
	c.Close(websocket.StatusNormalClosure, "matched")
}

// matchReadPump cancels the match on {"type":"cancel"} or when the client goes away.
func matchReadPump(ctx context.Context, c *websocket.Conn, cancel context.CancelFunc, logger logrus.FieldLogger) {
	defer cancel()
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			logger.Warnf("invalid json on match socket: %v", err)
			continue
		}
		if in.Type == "cancel" {
			logger.Debug("client cancelled matching")
			return
		}
	}
}

// audit publishes evt without letting a broker hiccup reach the client.
func (s *Server) audit(ctx context.Context, logger logrus.FieldLogger, evt events.Event) {
	evt.At = time.Now().UTC()
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.Audit.Publish(actx, evt); err != nil {
		logger.Warnf("audit event %s not published: %v", evt.Kind, err)
	}
}
