// Package stream is the client-facing fanout WebSocket server.
//
// Each client subscribes to a bounded set of symbols over
// /api/v1/market/stream; the hub routes tick and candle frames to exactly
// the clients watching each symbol. Subscriptions flow through the
// refcounted registry, so the first watcher of a symbol pulls it from the
// upstream broker and the last watcher releases it.
//
// A client that cannot drain its queue (buffered bytes past the configured
// cap) is evicted with close code 1008 rather than allowed to stall the
// fanout path.
package stream

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"papertrade/internal/config"
	"papertrade/internal/metrics"
	"papertrade/internal/subs"
	"papertrade/pkg/types"
)

// Hub owns all connected fanout clients.
type Hub struct {
	cfg      config.StreamConfig
	registry *subs.Registry
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.RWMutex
	clients map[*Client]bool
}

// NewHub creates the fanout hub.
func NewHub(cfg config.StreamConfig, registry *subs.Registry, logger *slog.Logger) *Hub {
	return &Hub{
		cfg:      cfg,
		registry: registry,
		logger:   logger.With("component", "stream"),
		clients:  make(map[*Client]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// ServeWS upgrades an HTTP request into a fanout client connection.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID := "anonymous"
	if h.cfg.AuthRequired {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		sub, err := VerifyToken(token, h.cfg.AuthSecret)
		if err != nil {
			h.logger.Warn("rejected ws auth", "error", err)
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		userID = sub
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "error", err)
		return
	}

	client := newClient(h, conn, userID)
	h.addClient(client)

	go client.writePump()
	go client.readPump()

	client.enqueueJSON(types.ControlMessage{Type: "connected"})
}

// BroadcastTick routes one tick to every client watching its symbol.
// Timestamps go out in milliseconds.
func (h *Hub) BroadcastTick(tick types.NormalizedTick) {
	msg := types.TickMessage{
		Type: "tick",
		Data: types.TickData{
			InstrumentKey: tick.InstrumentKey,
			Symbol:        tick.Symbol,
			Price:         tick.Price,
			Timestamp:     tick.Timestamp * 1000,
			Volume:        tick.Volume,
			Close:         tick.PrevClose,
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.routeToWatchers(tick.InstrumentKey, data)
}

// BroadcastCandle routes one candle update to every client watching its symbol.
func (h *Hub) BroadcastCandle(update types.CandleUpdate) {
	data, err := json.Marshal(types.CandleMessage{Type: "candle", Data: update})
	if err != nil {
		return
	}
	h.routeToWatchers(update.InstrumentKey, data)
}

func (h *Hub) routeToWatchers(key string, data []byte) {
	h.mu.RLock()
	var targets []*Client
	for c := range h.clients {
		if c.watching(key) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			h.evict(c)
			continue
		}
		metrics.TicksDispatched.Inc()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()

	metrics.ConnectedClients.Set(float64(count))
	h.logger.Info("client connected", "user", c.userID, "clients", count)
}

// removeClient detaches the client and releases every symbol it held.
func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	count := len(h.clients)
	h.mu.Unlock()

	for _, key := range c.symbolList() {
		h.registry.Remove(key)
	}
	c.closeSend()

	metrics.ConnectedClients.Set(float64(count))
	h.logger.Info("client disconnected", "user", c.userID, "clients", count)
}

// evict force-closes a client that cannot keep up. The 1008 close frame
// rides out through the write pump when the queue drains.
func (h *Hub) evict(c *Client) {
	metrics.DroppedSlowClients.Inc()
	h.logger.Warn("evicting slow client", "user", c.userID, "buffered", c.bufferedBytes())
	c.requestClose(websocket.ClosePolicyViolation, "slow consumer")
	h.removeClient(c)
}

func bearerToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
