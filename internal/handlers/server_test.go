package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jason-s-yu/anonchat/internal/auth"
	"github.com/jason-s-yu/anonchat/internal/events"
	"github.com/jason-s-yu/anonchat/internal/matchmaking"
	"github.com/jason-s-yu/anonchat/internal/memory"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingAudit collects audit events instead of sending them to a broker.
type recordingAudit struct {
	mu     sync.Mutex
	events []events.Event
}

func (a *recordingAudit) Publish(_ context.Context, evt events.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, evt)
	return nil
}

func (a *recordingAudit) Close() error { return nil }

func (a *recordingAudit) kinds() []events.Kind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]events.Kind, 0, len(a.events))
	for _, e := range a.events {
		out = append(out, e.Kind)
	}
	return out
}

type testEnv struct {
	srv   *httptest.Server
	store *memory.Store
	audit *recordingAudit
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	bus := memory.NewBus()
	store := memory.NewStore(bus)
	issuer, err := auth.NewIssuer(time.Hour, store)
	require.NoError(t, err)

	strategy := matchmaking.NewTicketStrategy(store, bus, matchmaking.TicketOptions{
		PollInterval:     20 * time.Millisecond,
		ResearchInterval: time.Millisecond,
	})
	engine := matchmaking.NewEngine(strategy, logger)
	t.Cleanup(engine.Shutdown)

	audit := &recordingAudit{}
	s := &Server{
		Engine:     engine,
		Issuer:     issuer,
		Rooms:      store,
		RoomEvents: bus,
		Audit:      audit,
		Logger:     logger,
	}
	srv := httptest.NewServer(s.Routes())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: store, audit: audit}
}

// login lands a visitor and returns the session token.
func (e *testEnv) login(t *testing.T, handle, fingerprint string) string {
	t.Helper()
	body, _ := json.Marshal(map[string]string{"handle": handle, "fingerprint": fingerprint})
	resp, err := http.Post(e.srv.URL+"/identity", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	for _, c := range resp.Cookies() {
		if c.Name == SessionCookie {
			return c.Value
		}
	}
	t.Fatal("no session cookie set")
	return ""
}

func (e *testEnv) dial(t *testing.T, ctx context.Context, path, subprotocol, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + path
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
		HTTPHeader:   http.Header{"Cookie": {SessionCookie + "=" + token}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { c.CloseNow() })
	return c
}

func readFrame(t *testing.T, ctx context.Context, c *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := c.Read(ctx)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

// readUntil skips frames until one of the given type arrives.
func readUntil(t *testing.T, ctx context.Context, c *websocket.Conn, typ string) map[string]any {
	t.Helper()
	for {
		m := readFrame(t, ctx, c)
		if m["type"] == typ {
			return m
		}
	}
}

func send(t *testing.T, ctx context.Context, c *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, c.Write(ctx, websocket.MessageText, data))
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
