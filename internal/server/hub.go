package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/presence"
)

// MessageStore is the persistence the hub needs.
type MessageStore interface {
	FindMessagesByRoom(ctx context.Context, room string, limit int) ([]chat.Message, error)
	SaveMessage(ctx context.Context, msg chat.Message) (chat.Message, error)
	SetUserOnline(ctx context.Context, username string, online bool) error
}

type pendingDrop struct {
	client *Client
	reason string
}

// Hub owns every connection, the presence registry and the room tracker.
//
// All state is confined to the goroutine running Run: inbound events,
// registrations and store completions are handled one at a time, each to
// completion, so no locking is needed. Store calls run on worker goroutines
// and hand their continuation back to the loop.
type Hub struct {
	clients  map[uuid.UUID]*Client
	registry *presence.Registry
	rooms    *presence.Tracker
	store    MessageStore
	history  *historyLoader
	cfg      Config

	register    chan *Client
	unregister  chan *Client
	inbound     chan inboundEvent
	completions chan func()
	drops       []pendingDrop

	pendingOnline  map[string]bool
	flushingOnline bool

	metrics *hubMetrics
	logger  *slog.Logger

	wg      sync.WaitGroup // client pumps
	workers sync.WaitGroup // store calls
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewHub creates a Hub backed by store. The returned Hub does nothing until
// Run is started.
func NewHub(cfg Config, store MessageStore, logger *slog.Logger) *Hub {
	cfg = cfg.Sanitized()
	logger = logger.With("component", "hub")
	metrics := newHubMetrics()
	registry := presence.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	return &Hub{
		clients:  make(map[uuid.UUID]*Client),
		registry: registry,
		rooms:    presence.NewTracker(registry),
		store:    store,
		history: &historyLoader{
			store:   store,
			limit:   cfg.HistoryLimit,
			logger:  logger,
			metrics: metrics,
		},
		cfg:           cfg,
		register:      make(chan *Client),
		unregister:    make(chan *Client),
		inbound:       make(chan inboundEvent),
		completions:   make(chan func()),
		pendingOnline: make(map[string]bool),
		metrics:       metrics,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
	}
}

// Run starts the hub's event loop. It returns after Shutdown is called.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			h.handleRegister(client)

		case client := <-h.unregister:
			h.disconnect(client, "connection closed")

		case ev := <-h.inbound:
			h.dispatch(ev)

		case fn := <-h.completions:
			fn()
		}

		h.flushDrops()
	}
}

// Register hands a new client to the hub. It returns false once the hub is
// shutting down.
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

func (h *Hub) enqueue(ev inboundEvent) bool {
	select {
	case h.inbound <- ev:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// post hands fn to the loop.
func (h *Hub) post(fn func()) bool {
	select {
	case h.completions <- fn:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// call runs fn on the loop and waits for it.
func (h *Hub) call(fn func()) bool {
	done := make(chan struct{})
	if !h.post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	<-done
	return true
}

// async runs work on a worker goroutine with a bounded context. The function
// work returns, if any, is run back on the loop.
func (h *Hub) async(work func(ctx context.Context) func()) {
	h.workers.Add(1)
	go func() {
		defer h.workers.Done()

		ctx, cancel := context.WithTimeout(h.ctx, h.cfg.StoreTimeout)
		next := work(ctx)
		cancel()

		if next != nil {
			h.post(next)
		}
	}()
}

func (h *Hub) handleRegister(client *Client) {
	if client == nil {
		h.logger.Warn("Received nil client registration; skipping")
		return
	}

	h.clients[client.id] = client
	h.metrics.recordConnections(1)
	client.logger.Info("Client registered", "clients", len(h.clients))

	if client.conn == nil {
		return
	}
	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

func (h *Hub) registered(client *Client) bool {
	current, ok := h.clients[client.id]
	return ok && current == client
}

// disconnect purges every mapping of client and announces the change. It is
// a no-op for clients that are already gone.
func (h *Hub) disconnect(client *Client, reason string) {
	if client == nil || !h.registered(client) {
		return
	}

	delete(h.clients, client.id)
	close(client.send)
	h.metrics.recordConnections(-1)

	if client.username != "" && h.registry.SetOffline(client.username, client.id) {
		h.broadcastAll(h.onlineUsersFrame())
		h.persistOnline(client.username, false)
	}

	if room, ok := h.rooms.Leave(client.id); ok {
		h.emitToRoom(room, roomUsersFrame(room, h.rooms.Roster(room)), uuid.Nil)
	}

	client.logger.Info("Client unregistered", "reason", reason, "clients", len(h.clients))
}

func (h *Hub) dropLater(client *Client, reason string) {
	h.drops = append(h.drops, pendingDrop{client: client, reason: reason})
}

// flushDrops disconnects clients that failed a send or were evicted while
// the last event was handled. Disconnecting may queue further drops.
func (h *Hub) flushDrops() {
	for len(h.drops) > 0 {
		d := h.drops[0]
		h.drops = h.drops[1:]
		h.disconnect(d.client, d.reason)
	}
	h.drops = nil
}

// send enqueues frame without blocking. A client whose buffer is full is
// dropped once the current event is done.
func (h *Hub) send(client *Client, frame []byte) {
	if !h.registered(client) {
		return
	}
	select {
	case client.send <- frame:
	default:
		h.dropLater(client, "send buffer full")
	}
}

func (h *Hub) broadcastAll(frame []byte) {
	for _, client := range h.clients {
		h.send(client, frame)
	}
}

// emitToRoom sends frame to every connection in room except the one with ID except.
func (h *Hub) emitToRoom(room string, frame []byte, except uuid.UUID) {
	for _, id := range h.rooms.Members(room) {
		if id == except {
			continue
		}
		if client, ok := h.clients[id]; ok {
			h.send(client, frame)
		}
	}
}

// sendToUser sends frame to the connection bound to username, if any.
func (h *Hub) sendToUser(username string, frame []byte) bool {
	id, ok := h.registry.Lookup(username)
	if !ok {
		return false
	}
	client, ok := h.clients[id]
	if !ok {
		return false
	}
	h.send(client, frame)
	return true
}

func (h *Hub) onlineUsersFrame() []byte {
	return encodeFrame(EventOnlineUsers, h.registry.Online())
}

// persistOnline records the online flag of username in the store. Writes
// are batched and applied one batch at a time, so the last value set for a
// user is the one the store ends up with.
func (h *Hub) persistOnline(username string, online bool) {
	h.pendingOnline[username] = online
	if !h.flushingOnline {
		h.flushOnline()
	}
}

func (h *Hub) flushOnline() {
	batch := h.pendingOnline
	h.pendingOnline = make(map[string]bool)
	h.flushingOnline = true

	h.async(func(ctx context.Context) func() {
		for username, online := range batch {
			if err := h.store.SetUserOnline(ctx, username, online); err != nil {
				h.metrics.recordStoreFailure("set_user_online")
				h.logger.Error("Failed to update online flag", "username", username, "online", online, "error", err)
			}
		}
		return func() {
			h.flushingOnline = false
			if len(h.pendingOnline) > 0 {
				h.flushOnline()
			}
		}
	})
}

// OnlineUsers returns a snapshot of the online set. The hub must be running.
func (h *Hub) OnlineUsers() []string {
	var users []string
	h.call(func() { users = h.registry.Online() })
	return users
}

// RoomUsers returns a snapshot of the roster of room. The hub must be running.
func (h *Hub) RoomUsers(room string) []string {
	var users []string
	h.call(func() { users = h.rooms.Roster(room) })
	return users
}

// ClientCount returns the number of registered connections. The hub must be running.
func (h *Hub) ClientCount() int {
	var n int
	h.call(func() { n = len(h.clients) })
	return n
}

// shutdownClients closes every client's queue and connection.
func (h *Hub) shutdownClients() {
	h.logger.Info("Shutting down all client connections...")

	closed := 0
	for id, client := range h.clients {
		delete(h.clients, id)
		close(client.send)
		if client.conn != nil {
			client.closeConnection()
		}
		closed++
	}

	h.logger.Info("Closed client connections", "count", closed)
}

// Shutdown stops the loop and waits for client pumps and in-flight store
// calls to finish, or for timeout.
func (h *Hub) Shutdown(timeout time.Duration) error {
	h.logger.Info("Initiating hub shutdown...")

	h.cancel()
	<-h.done

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		h.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.logger.Info("Hub shutdown completed successfully")
		return nil
	case <-time.After(timeout):
		h.logger.Warn("Hub shutdown timeout reached, some goroutines may still be running")
		return context.DeadlineExceeded
	}
}
