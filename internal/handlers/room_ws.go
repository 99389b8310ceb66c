// internal/handlers/room_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/jason-s-yu/anonchat/internal/events"
	"github.com/jason-s-yu/anonchat/internal/middleware"
	"github.com/jason-s-yu/anonchat/internal/models"
	"github.com/jason-s-yu/anonchat/internal/room"
	"github.com/sirupsen/logrus"
)

type historyMessage struct {
	Type     string               `json:"type"`
	Messages []models.ChatMessage `json:"messages"`
}

type chatMessage struct {
	Type string `json:"type"`
	*models.ChatMessage
}

type roomClosedMessage struct {
	Type    string `json:"type"`
	Requeue bool   `json:"requeue"`
}

// RoomWSHandler attaches a matched client to its room. Leaving, skipping or
// disconnecting tears the room down, and the other party is told to requeue.
func (s *Server) RoomWSHandler(w http.ResponseWriter, r *http.Request) {
	id, err := s.identify(r)
	if err != nil {
		s.writeIdentityError(w, err)
		return
	}
	roomID := r.PathValue("roomID")
	if roomID == "" {
		writeError(w, http.StatusBadRequest, "missing room id")
		return
	}
	var ticketID uuid.UUID
	if raw := r.URL.Query().Get("ticket"); raw != "" {
		if ticketID, err = uuid.Parse(raw); err != nil {
			writeError(w, http.StatusBadRequest, "invalid ticket id")
			return
		}
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{"room"},
		OriginPatterns: s.OriginPatterns,
	})
	if err != nil {
		s.Logger.Warnf("websocket accept error: %v", err)
		return
	}
	defer c.CloseNow()

	if c.Subprotocol() != "room" {
		c.Close(BadSubprotocolError, "client must speak the room subprotocol")
		return
	}

	logger := s.Logger.WithFields(logrus.Fields{"handle": id.Handle, "room_id": roomID})
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := room.Open(ctx, s.Rooms, s.RoomEvents, roomID, id.Handle, ticketID, logger)
	if errors.Is(err, room.ErrRoomClosed) || errors.Is(err, room.ErrNotRoomMember) {
		// outsiders get the same close as for a closed room
		c.Close(InvalidRoomIDError, "room does not exist")
		return
	}
	if err != nil {
		logger.Errorf("failed to open room: %v", err)
		c.Close(websocket.StatusInternalError, "room unavailable")
		return
	}
	defer sess.Close()
	middleware.LogWebSocketConnect(logger, r.RemoteAddr, r.URL.Path)

	history, err := sess.History(ctx)
	if err != nil {
		logger.Warnf("failed to load history: %v", err)
	}
	if history == nil {
		history = []models.ChatMessage{}
	}
	if err := wsWrite(ctx, c, historyMessage{Type: "history", Messages: history}); err != nil {
		middleware.LogWebSocketDisconnect(logger, r.RemoteAddr, r.URL.Path, err)
		s.leaveRoom(ctx, logger, sess, "disconnect")
		return
	}

	left := make(chan string, 1)
	go s.roomReadPump(ctx, c, sess, logger, left)

	for {
		select {
		case evt := <-sess.Events():
			switch evt.Type {
			case models.RoomEventMessage:
				if evt.Message != nil {
					_ = wsWrite(ctx, c, chatMessage{Type: "chat", ChatMessage: evt.Message})
				}
			case models.RoomEventClosed:
				_ = wsWrite(ctx, c, roomClosedMessage{Type: "room_closed", Requeue: true})
				middleware.LogWebSocketDisconnect(logger, r.RemoteAddr, r.URL.Path, nil)
				c.Close(websocket.StatusNormalClosure, "peer left")
				return
			}
		case reason := <-left:
			s.leaveRoom(ctx, logger, sess, reason)
			if reason != "disconnect" {
				_ = wsWrite(ctx, c, roomClosedMessage{Type: "room_closed", Requeue: reason == "skip"})
				c.Close(websocket.StatusNormalClosure, reason)
			}
			middleware.LogWebSocketDisconnect(logger, r.RemoteAddr, r.URL.Path, nil)
			return
		}
	}
}

// roomReadPump forwards chat frames and reports why the client is done.
func (s *Server) roomReadPump(ctx context.Context, c *websocket.Conn, sess *room.Session, logger logrus.FieldLogger, left chan<- string) {
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			select {
			case <-sess.Done():
			default:
				left <- "disconnect"
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		var in inbound
		if err := json.Unmarshal(data, &in); err != nil {
			logger.Warnf("invalid json on room socket: %v", err)
			_ = wsWrite(ctx, c, errorMessage{Type: "error", Message: "invalid json"})
			continue
		}
		switch in.Type {
		case "chat":
			if _, err := sess.Send(ctx, in.Msg); err != nil {
				if errors.Is(err, room.ErrRoomClosed) {
					continue
				}
				_ = wsWrite(ctx, c, errorMessage{Type: "error", Message: err.Error()})
			}
		case "leave", "skip":
			left <- in.Type
			return
		default:
			_ = wsWrite(ctx, c, errorMessage{Type: "error", Message: "unknown message type"})
		}
	}
}

func (s *Server) leaveRoom(ctx context.Context, logger logrus.FieldLogger, sess *room.Session, reason string) {
	if err := sess.Leave(ctx); err != nil {
		logger.Warnf("failed to close room: %v", err)
		return
	}
	s.audit(ctx, logger, events.Event{
		Kind:   events.KindRoomClosed,
		RoomID: sess.RoomID,
		Handle: sess.Handle,
		Reason: reason,
	})
}
