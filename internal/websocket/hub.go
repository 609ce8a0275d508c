// Package websocket pushes realtime notifications to signed-in browsers.
// Each connection belongs to one session; the hub relays events from the
// in-process bus to the connections allowed to see their channel.
package websocket

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/marcus-qen/ecoscan/internal/auth"
	"github.com/marcus-qen/ecoscan/internal/events"
	"github.com/marcus-qen/ecoscan/internal/metrics"
	"github.com/marcus-qen/ecoscan/internal/notify"
	"go.uber.org/zap"
)

const (
	sendBuffer   = 32
	writeTimeout = 10 * time.Second
	pongTimeout  = 90 * time.Second
	pingInterval = 30 * time.Second
)

// A nil CheckOrigin rejects cross-origin upgrades, so a page on another
// site cannot ride the session cookie.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

type client struct {
	id     string
	userID string
	role   auth.Role
	conn   *websocket.Conn
	send   chan []byte
	once   sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub tracks connected clients.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*client
	bus      *events.Bus
	sessions auth.SessionLookup
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewHub creates a hub that authenticates upgrades with sessions.
func NewHub(bus *events.Bus, sessions auth.SessionLookup, m *metrics.Metrics, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:  make(map[string]*client),
		bus:      bus,
		sessions: sessions,
		metrics:  m,
		logger:   logger.Named("websocket"),
	}
}

// CanReceive reports whether a user with role may see events on channel.
func CanReceive(channel, userID string, role auth.Role) bool {
	switch channel {
	case notify.ChannelBroadcast:
		return true
	case notify.ChannelWasteManagers:
		return role.Rank() >= auth.RoleWasteManager.Rank()
	case notify.ChannelAdmins:
		return role.Rank() >= auth.RoleAdmin.Rank()
	}
	if strings.HasPrefix(channel, "user-") {
		return channel == notify.UserChannel(userID)
	}
	return false
}

// Run relays bus events to clients until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	const subID = "websocket-hub"
	ch := h.bus.Subscribe(subID)
	defer h.bus.Unsubscribe(subID)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			h.deliver(evt)
		}
	}
}

func (h *Hub) deliver(evt events.Event) {
	data := evt.JSON()
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !CanReceive(evt.Channel, c.userID, c.role) {
			continue
		}
		select {
		case c.send <- data:
		default:
			h.logger.Debug("dropping event for slow client", zap.String("client_id", c.id), zap.String("event", evt.Name))
		}
	}
}

// HandleWS upgrades an authenticated request to a websocket.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r)
	if token == "" {
		http.Error(w, `{"error":{"code":"UNAUTHORIZED","message":"authentication required"}}`, http.StatusUnauthorized)
		return
	}
	sess, err := h.sessions.Lookup(r.Context(), token)
	if err != nil || sess.Expired(time.Now()) {
		http.Error(w, `{"error":{"code":"UNAUTHORIZED","message":"authentication required"}}`, http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:     uuid.NewString(),
		userID: sess.UserID,
		role:   sess.Role,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
	}
	h.register(c)
	h.logger.Info("client connected", zap.String("client_id", c.id), zap.String("user_id", c.userID))

	go h.writeLoop(c)
	h.readLoop(c)
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c.id] = c
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetWebsocketClients(n)
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		c.close()
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetWebsocketClients(n)
}

// readLoop discards client messages and keeps the pong deadline fresh.
func (h *Hub) readLoop(c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close()
		h.logger.Info("client disconnected", zap.String("client_id", c.id))
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

// DisconnectUser closes every client the user holds and returns how many
// were dropped. Callers use it after revoking the user's sessions.
func (h *Hub) DisconnectUser(userID string) int {
	h.mu.Lock()
	dropped := 0
	for id, c := range h.clients {
		if c.userID != userID {
			continue
		}
		delete(h.clients, id)
		c.close()
		dropped++
	}
	n := len(h.clients)
	h.mu.Unlock()
	h.metrics.SetWebsocketClients(n)
	if dropped > 0 {
		h.logger.Info("user disconnected", zap.String("user_id", userID), zap.Int("clients", dropped))
	}
	return dropped
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	for id, c := range h.clients {
		delete(h.clients, id)
		c.close()
	}
	h.mu.Unlock()
	h.metrics.SetWebsocketClients(0)
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
