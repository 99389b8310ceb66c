// internal/handlers/ws_codes.go
package handlers

import "github.com/coder/websocket"

// Custom WebSocket close codes used within the match and room handlers.
const (
	BadSubprotocolError   websocket.StatusCode = 3000 // Client connected with an unsupported subprotocol.
	InvalidAuthTokenError websocket.StatusCode = 3001 // Session token expired or was revoked mid-connection.
	BannedError           websocket.StatusCode = 3002 // Fingerprint was banned while connected.
	InvalidRoomIDError    websocket.StatusCode = 3003 // Target room in the WS URL is closed or belongs to someone else.
)
