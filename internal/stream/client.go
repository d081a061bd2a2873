package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"papertrade/internal/metrics"
	"papertrade/internal/symbols"
	"papertrade/pkg/types"
)

const (
	clientWriteWait = 10 * time.Second
	clientPongWait  = 60 * time.Second
	sendQueueSlots  = 512
)

// Client is one fanout WebSocket connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string

	send      chan []byte
	writeDone chan struct{}
	buffered  int64 // bytes sitting in send, atomic

	mu          sync.Mutex
	symbols     map[string]bool
	closed      bool
	closeCode   int
	closeReason string
}

func newClient(h *Hub, conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:       h,
		conn:      conn,
		userID:    userID,
		send:      make(chan []byte, sendQueueSlots),
		writeDone: make(chan struct{}),
		symbols:   make(map[string]bool),
	}
}

// watching reports whether this client subscribed to the canonical key.
func (c *Client) watching(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.symbols[key]
}

func (c *Client) symbolList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.symbols))
	for k := range c.symbols {
		out = append(out, k)
	}
	return out
}

func (c *Client) bufferedBytes() int64 {
	return atomic.LoadInt64(&c.buffered)
}

// enqueue queues one frame. Returns false when the client's buffer budget
// is blown or the queue is full; the caller evicts. Frames offered after
// the send queue closed are silently dropped.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	n := int64(len(data))
	if atomic.AddInt64(&c.buffered, n) > c.hub.cfg.MaxBufferedBytes {
		atomic.AddInt64(&c.buffered, -n)
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		atomic.AddInt64(&c.buffered, -n)
		return false
	}
}

func (c *Client) enqueueJSON(v interface{}) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return c.enqueue(data)
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// requestClose records the close status the write pump should send when
// the queue drains. First caller wins; the conn itself is only ever
// written by writePump.
func (c *Client) requestClose(code int, reason string) {
	c.mu.Lock()
	if c.closeCode == 0 {
		c.closeCode = code
		c.closeReason = reason
	}
	c.mu.Unlock()
}

func (c *Client) closeStatus() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeCode == 0 {
		return websocket.CloseNormalClosure, ""
	}
	return c.closeCode, c.closeReason
}

// writePump drains the send queue and emits heartbeats.
func (c *Client) writePump() {
	interval := c.hub.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		close(c.writeDone)
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if !ok {
				code, reason := c.closeStatus()
				c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, reason))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			atomic.AddInt64(&c.buffered, -int64(len(data)))

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(clientWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.enqueueJSON(types.ControlMessage{Type: "heartbeat"})
		}
	}
}

// readPump consumes subscribe/unsubscribe requests until the conn dies.
func (c *Client) readPump() {
	defer func() {
		// Detach first so the write pump drains and delivers the close
		// frame before the conn is torn down.
		c.hub.removeClient(c)
		select {
		case <-c.writeDone:
		case <-time.After(clientWriteWait):
		}
		c.conn.Close()
	}()

	// The gorilla read limit is a backstop; the manual size check below
	// owns the close code, so oversized frames go out as 1008.
	c.conn.SetReadLimit(2 * c.hub.cfg.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(clientPongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("client read error", "user", c.userID, "error", err)
			}
			return
		}
		if int64(len(raw)) > c.hub.cfg.MaxMessageBytes {
			metrics.RejectedMessages.Inc()
			c.requestClose(websocket.ClosePolicyViolation, "message too large")
			return
		}
		reply := c.handleMessage(raw)
		c.enqueueJSON(reply)
	}
}

// handleMessage applies one inbound request and builds the acknowledgement.
func (c *Client) handleMessage(raw []byte) types.ControlMessage {
	var msg types.ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		metrics.RejectedMessages.Inc()
		return types.ControlMessage{Type: "error", Error: "invalid_json"}
	}

	switch msg.Type {
	case "subscribe":
		return c.subscribe(msg.Symbols)
	case "unsubscribe":
		return c.unsubscribe(msg.Symbols)
	default:
		metrics.RejectedMessages.Inc()
		return types.ControlMessage{Type: "error", Error: "unknown_type"}
	}
}

func (c *Client) subscribe(raw []string) types.ControlMessage {
	ack := types.ControlMessage{Type: "subscribed"}

	c.mu.Lock()
	var adds []string
	for _, s := range raw {
		key, err := symbols.ToInstrumentKey(s)
		if err != nil {
			ack.Rejected = append(ack.Rejected, s)
			continue
		}
		if c.symbols[key] {
			ack.Ignored = append(ack.Ignored, key)
			continue
		}
		if len(c.symbols) >= c.hub.cfg.MaxSymbolsPerClient {
			ack.Rejected = append(ack.Rejected, s)
			continue
		}
		c.symbols[key] = true
		adds = append(adds, key)
	}
	ack.Added = adds
	ack.Total = len(c.symbols)
	c.mu.Unlock()

	// Registry calls cross the upstream boundary; keep them off the client lock.
	for _, key := range adds {
		c.hub.registry.Add(key)
	}
	return ack
}

func (c *Client) unsubscribe(raw []string) types.ControlMessage {
	ack := types.ControlMessage{Type: "unsubscribed"}

	c.mu.Lock()
	var removes []string
	for _, s := range raw {
		key, err := symbols.ToInstrumentKey(s)
		if err != nil {
			ack.Ignored = append(ack.Ignored, s)
			continue
		}
		if !c.symbols[key] {
			ack.Ignored = append(ack.Ignored, key)
			continue
		}
		delete(c.symbols, key)
		removes = append(removes, key)
	}
	ack.Removed = removes
	ack.Total = len(c.symbols)
	c.mu.Unlock()

	for _, key := range removes {
		c.hub.registry.Remove(key)
	}
	return ack
}
