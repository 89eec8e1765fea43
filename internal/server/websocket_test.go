package server_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/tablechat/internal/server"
	"github.com/Tyrowin/tablechat/internal/session"
	"github.com/Tyrowin/tablechat/internal/store"
	"github.com/Tyrowin/tablechat/internal/tokens"
)

const testOrigin = "http://localhost:8080"

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// chatClient reads newline-batched frames and queues the envelopes.
type chatClient struct {
	t       *testing.T
	conn    *websocket.Conn
	pending []envelope
}

func startChat(t *testing.T, cfg session.Config) (*httptest.Server, *server.Hub) {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)

	db, err := store.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	hub := server.NewHub(log)
	registry := tokens.NewRegistry(tokens.NewMemoryStore(), tokens.DefaultTTL, log)
	ctrl := session.NewController(cfg,
		store.NewBadgerCredentials(db), store.NewBadgerMessages(db),
		registry, hub, log)
	hub.SetHandler(ctrl)
	server.StartHub(hub)

	srv := httptest.NewServer(server.SetupRoutes(hub))
	t.Cleanup(func() {
		srv.Close()
		_ = hub.Shutdown(2 * time.Second)
	})
	return srv, hub
}

func dial(t *testing.T, srv *httptest.Server, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	return dialer.Dial(u, header)
}

func connect(t *testing.T, srv *httptest.Server) *chatClient {
	t.Helper()
	conn, resp, err := dial(t, srv, testOrigin)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return &chatClient{t: t, conn: conn}
}

func (c *chatClient) emit(typ string, data any) {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	frame, err := json.Marshal(envelope{Type: typ, Data: raw})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, frame))
}

func (c *chatClient) next(timeout time.Duration) (envelope, error) {
	if len(c.pending) == 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return envelope{}, err
		}
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			return envelope{}, err
		}
		for _, line := range bytes.Split(frame, []byte{'\n'}) {
			var env envelope
			require.NoError(c.t, json.Unmarshal(line, &env))
			c.pending = append(c.pending, env)
		}
	}
	env := c.pending[0]
	c.pending = c.pending[1:]
	return env, nil
}

// await skips events until one of type typ arrives.
func (c *chatClient) await(typ string) envelope {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		env, err := c.next(time.Until(deadline))
		require.NoError(c.t, err, "waiting for %s", typ)
		if env.Type == typ {
			return env
		}
	}
	c.t.Fatalf("no %s event before deadline", typ)
	return envelope{}
}

func TestWebSocket_RegisterChatAndResume(t *testing.T) {
	req := require.New(t)
	srv, _ := startChat(t, session.Config{AdminSecret: "segredo"})

	ana := connect(t, srv)
	ana.await("history")
	ana.await("moderationState")

	ana.emit("register", map[string]string{"role": "participant", "name": "Ana", "avatar": "a.png", "password": "1234"})
	registered := ana.await("registered")
	req.Contains(string(registered.Data), `"name":"Ana"`)
	tokenEv := ana.await("authToken")
	var tok struct {
		Token string `json:"token"`
	}
	req.NoError(json.Unmarshal(tokenEv.Data, &tok))
	req.NotEmpty(tok.Token)

	bob := connect(t, srv)
	bob.await("history")
	bob.emit("register", map[string]string{"role": "participant", "name": "Bob", "avatar": "b.png", "password": "abcd"})
	bob.await("registered")

	ana.emit("message", map[string]string{"text": "  olá mesa  "})
	msg := bob.await("message")
	req.Contains(string(msg.Data), `"text":"olá mesa"`)

	req.NoError(ana.conn.Close())

	again := connect(t, srv)
	history := again.await("history")
	req.Contains(string(history.Data), "olá mesa")
	again.emit("resume", map[string]string{"token": tok.Token})
	resumed := again.await("registered")
	req.Contains(string(resumed.Data), `"name":"Ana"`)
	again.await("authToken")
}

func TestWebSocket_ResumeUnknownToken(t *testing.T) {
	srv, _ := startChat(t, session.Config{AdminSecret: "segredo"})

	c := connect(t, srv)
	c.emit("resume", map[string]string{"token": "nope"})
	c.await("resumeFailed")
}

func TestWebSocket_ExclusiveModeratorKicksPrevious(t *testing.T) {
	srv, hub := startChat(t, session.Config{AdminSecret: "segredo", ExclusiveModerator: true})

	first := connect(t, srv)
	first.emit("register", map[string]string{"role": "moderator", "password": "segredo"})
	first.await("registered")

	second := connect(t, srv)
	second.emit("register", map[string]string{"role": "moderator", "password": "segredo"})
	second.await("registered")

	first.await("kicked")
	for {
		_, err := first.next(3 * time.Second)
		if err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
	}
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestWebSocket_RejectsForeignOrigin(t *testing.T) {
	srv, _ := startChat(t, session.Config{})

	_, resp, err := dial(t, srv, "http://evil.example")
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestWebSocket_MethodNotAllowed(t *testing.T) {
	srv, _ := startChat(t, session.Config{})

	resp, err := http.Post(srv.URL+"/ws", "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebSocket_OversizedFrameClosesConnection(t *testing.T) {
	cfg := server.NewConfig()
	cfg.MaxMessageSize = 64
	server.SetConfig(cfg)
	t.Cleanup(func() { server.SetConfig(nil) })
	srv, _ := startChat(t, session.Config{})

	c := connect(t, srv)
	c.emit("message", map[string]string{"text": strings.Repeat("x", 200)})
	for {
		_, err := c.next(3 * time.Second)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatal("connection stayed open after an oversized frame")
			}
			return
		}
	}
}

func TestHealthHandler(t *testing.T) {
	req := require.New(t)
	srv, _ := startChat(t, session.Config{})
	_ = connect(t, srv)

	resp, err := http.Get(srv.URL + "/healthz")
	req.NoError(err)
	defer func() { _ = resp.Body.Close() }()
	req.Equal(http.StatusOK, resp.StatusCode)
	req.Equal("application/json", resp.Header.Get("Content-Type"))

	var body struct {
		Status string `json:"status"`
	}
	req.NoError(json.NewDecoder(resp.Body).Decode(&body))
	req.Equal("ok", body.Status)
}
