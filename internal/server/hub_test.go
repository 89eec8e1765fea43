package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/tablechat/internal/protocol"
)

func testLogger() *slog.Logger {
	return logs.GetLoggerFromLevel(slog.LevelDebug)
}

// attach registers a pump-less client directly, bypassing Run.
func attach(h *Hub, id string, buffer int) *Client {
	c := &Client{id: id, send: make(chan []byte, buffer), hub: h, addr: "test", log: h.log}
	h.mutex.Lock()
	h.clients[id] = c
	h.mutex.Unlock()
	return c
}

func drain(c *Client) []string {
	var types []string
	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return types
			}
			var env struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal(payload, &env); err == nil {
				types = append(types, env.Type)
			}
		default:
			return types
		}
	}
}

func TestHub_SendUnknownConnection(t *testing.T) {
	req := require.New(t)
	h := NewHub(testLogger())

	err := h.Send("missing", protocol.Cleared())
	req.ErrorIs(err, ErrUnknownConnection)
}

func TestHub_SendQueuesEncodedEvent(t *testing.T) {
	req := require.New(t)
	h := NewHub(testLogger())
	c := attach(h, "a", 4)

	req.NoError(h.Send("a", protocol.ModerationState(true)))

	payload := <-c.send
	req.JSONEq(`{"type":"moderationState","data":{"globalMuted":true}}`, string(payload))
}

func TestHub_BroadcastAndBroadcastFrom(t *testing.T) {
	req := require.New(t)
	h := NewHub(testLogger())
	a := attach(h, "a", 4)
	b := attach(h, "b", 4)
	c := attach(h, "c", 4)

	h.Broadcast(protocol.Cleared())
	h.BroadcastFrom("a", protocol.UserTyping("Ana"))

	req.Equal([]string{protocol.TypeCleared}, drain(a))
	req.Equal([]string{protocol.TypeCleared, protocol.TypeUserTyping}, drain(b))
	req.Equal([]string{protocol.TypeCleared, protocol.TypeUserTyping}, drain(c))
}

func TestHub_FullBufferEvictsClient(t *testing.T) {
	req := require.New(t)
	h := NewHub(testLogger())
	slow := attach(h, "slow", 1)
	fast := attach(h, "fast", 8)

	h.Broadcast(protocol.Cleared())
	h.Broadcast(protocol.Cleared())

	req.Equal(1, h.ClientCount())
	req.True(slow.closed)
	req.Equal([]string{protocol.TypeCleared}, drain(slow))
	req.Len(drain(fast), 2)

	req.ErrorIs(h.Send("slow", protocol.Cleared()), ErrUnknownConnection)
}

func TestHub_DisconnectKeepsQueuedEvents(t *testing.T) {
	req := require.New(t)
	h := NewHub(testLogger())
	c := attach(h, "a", 4)

	req.NoError(h.Send("a", protocol.Kicked("bye")))
	h.Disconnect("a")
	h.Disconnect("a")

	req.Zero(h.ClientCount())
	payload, ok := <-c.send
	req.True(ok)
	req.Contains(string(payload), protocol.TypeKicked)
	_, ok = <-c.send
	req.False(ok)
}

func TestHub_ConcurrentBroadcastAndDisconnect(t *testing.T) {
	h := NewHub(testLogger())
	for i := 0; i < 20; i++ {
		attach(h, string(rune('a'+i)), 512)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.Broadcast(protocol.Cleared())
		}()
		go func(id string) {
			defer wg.Done()
			h.Disconnect(id)
		}(string(rune('a' + i)))
	}
	wg.Wait()

	require.Zero(t, h.ClientCount())
}

func TestHub_ShutdownWithoutClients(t *testing.T) {
	req := require.New(t)
	h := NewHub(testLogger())
	go h.Run()

	req.NoError(h.Shutdown(time.Second))
	req.False(h.Register(&Client{id: "late"}))
}

func TestRateLimiter(t *testing.T) {
	req := require.New(t)
	now := time.Unix(0, 0)
	rl := newRateLimiterWithClock(2, time.Second, func() time.Time { return now })

	req.True(rl.allow())
	req.True(rl.allow())
	req.False(rl.allow())

	now = now.Add(500 * time.Millisecond)
	req.True(rl.allow())
	req.False(rl.allow())

	now = now.Add(10 * time.Second)
	req.True(rl.allow())
	req.True(rl.allow())
	req.False(rl.allow())
}
