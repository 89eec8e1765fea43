package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Tyrowin/tablechat/internal/protocol"
)

// ErrUnknownConnection is returned by Send for ids the hub does not hold.
var ErrUnknownConnection = errors.New("server: unknown connection")

// ErrSendBufferFull is returned by Send when the client could not keep up and
// was dropped.
var ErrSendBufferFull = errors.New("server: send buffer full")

// Handler receives the lifecycle and inbound events of every connection.
// session.Controller satisfies it.
type Handler interface {
	Connect(ctx context.Context, connID string)
	Disconnect(ctx context.Context, connID string)
	HandleEvent(ctx context.Context, connID string, in protocol.Inbound)
}

// Hub owns the live WebSocket clients, keyed by connection id. Deliveries are
// non-blocking enqueues on each client's send buffer, so callers may hold
// their own locks while publishing.
type Hub struct {
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
	mutex      sync.RWMutex
	wg         sync.WaitGroup
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}

	handler Handler
	log     *slog.Logger
}

// NewHub creates a hub. Call SetHandler before Run.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		handler:    nopHandler{},
		log:        log,
	}
}

// SetHandler installs the receiver of connection events.
func (h *Hub) SetHandler(handler Handler) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if handler == nil {
		handler = nopHandler{}
	}
	h.handler = handler
}

func (h *Hub) currentHandler() Handler {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.handler
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Send queues ev for connID.
func (h *Hub) Send(connID string, ev protocol.Event) error {
	payload, err := ev.Encode()
	if err != nil {
		return err
	}
	h.mutex.RLock()
	client, ok := h.clients[connID]
	h.mutex.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	if !h.safeSend(client, payload) {
		h.removeFailedClients([]*Client{client})
		return ErrSendBufferFull
	}
	return nil
}

// Broadcast queues ev for every client.
func (h *Hub) Broadcast(ev protocol.Event) {
	h.broadcast("", ev)
}

// BroadcastFrom queues ev for every client except senderConnID.
func (h *Hub) BroadcastFrom(senderConnID string, ev protocol.Event) {
	h.broadcast(senderConnID, ev)
}

// Disconnect drops connID. Events already queued are still written before
// the close frame.
func (h *Hub) Disconnect(connID string) {
	h.mutex.Lock()
	client, ok := h.clients[connID]
	if ok {
		delete(h.clients, connID)
		client.closed = true
	}
	h.mutex.Unlock()
	if ok {
		close(client.send)
		h.log.Info("client disconnected by server", "conn_id", connID, "addr", client.addr)
	}
}

func (h *Hub) broadcast(exclude string, ev protocol.Event) {
	payload, err := ev.Encode()
	if err != nil {
		h.log.Error("encode broadcast failed", "event", ev.Type, "error", err)
		return
	}
	clients := h.getClientSnapshot()
	var failed []*Client
	for _, client := range clients {
		if exclude != "" && client.id == exclude {
			continue
		}
		if !h.safeSend(client, payload) {
			failed = append(failed, client)
		}
	}
	h.removeFailedClients(failed)
}

func (h *Hub) safeSend(client *Client, message []byte) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("recovered from panic in safeSend", "conn_id", client.id, "panic", r)
			sent = false
		}
	}()

	// The read lock keeps Run and Disconnect from closing the channel mid-send.
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	if registered, ok := h.clients[client.id]; !ok || registered != client || client.closed {
		return false
	}

	select {
	case client.send <- message:
		return true
	default:
		return false
	}
}

// Run handles client registration and unregistration until Shutdown.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn("nil client registration skipped")
				continue
			}

			h.mutex.Lock()
			client.closed = false
			h.clients[client.id] = client
			clientCount := len(h.clients)
			h.mutex.Unlock()
			h.log.Info("client registered", "conn_id", client.id, "addr", client.addr, "clients", clientCount)

			h.wg.Add(2)
			go func() {
				defer h.wg.Done()
				client.writePump()
			}()
			go func() {
				defer h.wg.Done()
				client.readPump()
			}()

		case client := <-h.unregister:
			h.mutex.Lock()
			if registered, ok := h.clients[client.id]; ok && registered == client {
				delete(h.clients, client.id)
				client.closed = true
				clientCount := len(h.clients)
				h.mutex.Unlock()
				close(client.send)
				h.log.Info("client unregistered", "conn_id", client.id, "addr", client.addr, "clients", clientCount)
			} else {
				h.mutex.Unlock()
			}
		}
	}
}

// Register hands a freshly upgraded client to the run loop. It reports false
// when the hub is shutting down.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *Hub) unregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

func (h *Hub) getClientSnapshot() []*Client {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := make([]*Client, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	return clients
}

// removeFailedClients drops clients whose send buffer is full.
func (h *Hub) removeFailedClients(clientsToRemove []*Client) {
	if len(clientsToRemove) == 0 {
		return
	}

	h.mutex.Lock()
	var channelsToClose []chan []byte
	for _, client := range clientsToRemove {
		if registered, ok := h.clients[client.id]; ok && registered == client {
			delete(h.clients, client.id)
			client.closed = true
			channelsToClose = append(channelsToClose, client.send)
			h.log.Warn("client removed due to full send buffer", "conn_id", client.id, "addr", client.addr)
		}
	}
	h.mutex.Unlock()

	for _, ch := range channelsToClose {
		close(ch)
	}
}

func (h *Hub) shutdownClients() {
	clients := h.getClientSnapshot()
	for _, client := range clients {
		if client.conn == nil {
			continue
		}
		if err := client.conn.Close(); err != nil && !isExpectedCloseError(err) {
			h.log.Warn("close client connection failed", "conn_id", client.id, "error", err)
		}
	}
	h.log.Info("closed client connections", "count", len(clients))
}

// Shutdown stops Run and waits for the client goroutines, up to timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.log.Info("hub shutting down")
	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.log.Info("hub shutdown completed")
		return nil
	case <-time.After(timeout):
		h.log.Warn("hub shutdown timed out", "timeout", timeout)
		return context.DeadlineExceeded
	}
}

type nopHandler struct{}

func (nopHandler) Connect(context.Context, string) {}

func (nopHandler) Disconnect(context.Context, string) {}

func (nopHandler) HandleEvent(context.Context, string, protocol.Inbound) {}
