// Package broker implements the upstream market-data connection.
//
// Exactly one WebSocket connection to the broker exists per process
// (Adapter). It decodes raw broker frames into types.NormalizedTick and
// hands them to the onTick callback; everything else — reconnect policy,
// health checks, re-subscription — belongs to the feed supervisor. The
// adapter keeps only the last sent subscription set so the supervisor can
// replay it.
//
// REST access (quotes for the snapshot cache, the instrument master dump)
// lives in rest.go behind per-category token buckets.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"papertrade/pkg/types"
)

const (
	writeTimeout = 10 * time.Second
	readTimeout  = 90 * time.Second
)

// TickFunc receives every decoded tick.
type TickFunc func(tick types.NormalizedTick)

// feedFrame is the broker's wire shape for market-data pushes. A single
// frame can carry many instruments.
type feedFrame struct {
	Type  string              `json:"type"` // "live_feed" | "error"
	Feeds map[string]feedData `json:"feeds,omitempty"`
	Error string              `json:"error,omitempty"`
}

type feedData struct {
	LTP       float64 `json:"ltp"`
	Volume    int64   `json:"vol"`
	Timestamp int64   `json:"ts"` // seconds
	Close     float64 `json:"close,omitempty"`
	Symbol    string  `json:"symbol,omitempty"`
	Exchange  string  `json:"exchange,omitempty"`
}

// subscribeMsg is the broker's subscription control frame.
type subscribeMsg struct {
	Action string   `json:"action"` // "subscribe" | "unsubscribe"
	Keys   []string `json:"keys"`
}

// Adapter owns the single upstream WebSocket connection.
type Adapter struct {
	url         string
	accessToken string
	cooldown    time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn

	mu            sync.Mutex
	connected     bool
	lastSent      map[string]bool // last subscription set sent upstream
	lastTickAt    time.Time
	authFailedAt  time.Time
	disconnectErr error

	logger *slog.Logger
}

// NewAdapter creates the adapter. cooldown is how long callers must wait
// after an authentication failure before dialing again.
func NewAdapter(wsURL, accessToken string, cooldown time.Duration, logger *slog.Logger) *Adapter {
	return &Adapter{
		url:         wsURL,
		accessToken: accessToken,
		cooldown:    cooldown,
		lastSent:    make(map[string]bool),
		logger:      logger.With("component", "broker_ws"),
	}
}

// Connect dials the broker and starts the read loop in its own goroutine.
// Returns once the connection is established; read errors surface through
// IsConnected flipping false. Callers must respect AuthCooldownRemaining.
func (a *Adapter) Connect(ctx context.Context, onTick func(types.NormalizedTick)) error {
	if remaining := a.AuthCooldownRemaining(); remaining > 0 {
		return fmt.Errorf("auth cooldown active for another %s", remaining)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.accessToken)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, a.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			a.recordAuthFailure()
			return fmt.Errorf("dial: auth rejected (%d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial: %w", err)
	}

	a.connMu.Lock()
	a.conn = conn
	a.connMu.Unlock()

	a.mu.Lock()
	a.connected = true
	a.disconnectErr = nil
	a.mu.Unlock()

	a.logger.Info("upstream connected", "url", a.url)

	go a.readLoop(conn, onTick)
	return nil
}

// Disconnect closes the connection. Safe to call when not connected.
func (a *Adapter) Disconnect() {
	a.connMu.Lock()
	conn := a.conn
	a.conn = nil
	a.connMu.Unlock()

	if conn != nil {
		conn.Close()
	}
	a.markDisconnected(nil)
}

// IsConnected reports whether the read loop is live.
func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// LastTickAt returns when the last tick was decoded (zero if never).
func (a *Adapter) LastTickAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastTickAt
}

// AuthCooldownRemaining returns how long until the adapter may dial again
// after an auth failure. Zero when clear.
func (a *Adapter) AuthCooldownRemaining() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.authFailedAt.IsZero() {
		return 0
	}
	remaining := a.cooldown - time.Since(a.authFailedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Subscribe sends a subscribe frame for the given keys and records them as
// the last sent set.
func (a *Adapter) Subscribe(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	a.mu.Lock()
	for _, k := range keys {
		a.lastSent[k] = true
	}
	a.mu.Unlock()
	return a.writeJSON(subscribeMsg{Action: "subscribe", Keys: keys})
}

// Unsubscribe sends an unsubscribe frame for the given keys.
func (a *Adapter) Unsubscribe(keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	a.mu.Lock()
	for _, k := range keys {
		delete(a.lastSent, k)
	}
	a.mu.Unlock()
	return a.writeJSON(subscribeMsg{Action: "unsubscribe", Keys: keys})
}

// LastSentKeys returns the last subscription set pushed upstream.
func (a *Adapter) LastSentKeys() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.lastSent))
	for k := range a.lastSent {
		keys = append(keys, k)
	}
	return keys
}

func (a *Adapter) readLoop(conn *websocket.Conn, onTick TickFunc) {
	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			a.logger.Warn("upstream read failed", "error", err)
			a.markDisconnected(err)
			conn.Close()
			return
		}
		a.decodeFrame(msg, onTick)
	}
}

func (a *Adapter) decodeFrame(data []byte, onTick TickFunc) {
	var frame feedFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		a.logger.Debug("ignoring non-json upstream frame")
		return
	}

	switch frame.Type {
	case "live_feed":
		now := time.Now()
		a.mu.Lock()
		a.lastTickAt = now
		a.mu.Unlock()

		for key, fd := range frame.Feeds {
			if fd.LTP <= 0 {
				continue
			}
			ts := fd.Timestamp
			if ts == 0 {
				ts = now.Unix()
			}
			exchange := fd.Exchange
			if exchange == "" {
				exchange = "NSE"
			}
			onTick(types.NormalizedTick{
				InstrumentKey: key,
				Symbol:        fd.Symbol,
				Price:         fd.LTP,
				Volume:        fd.Volume,
				Timestamp:     ts,
				Exchange:      exchange,
				PrevClose:     fd.Close,
			})
		}

	case "error":
		a.logger.Error("upstream error frame", "error", frame.Error)

	default:
		a.logger.Debug("unknown upstream frame type", "type", frame.Type)
	}
}

func (a *Adapter) recordAuthFailure() {
	a.mu.Lock()
	a.authFailedAt = time.Now()
	a.mu.Unlock()
	a.logger.Error("upstream auth failed, cooling down", "cooldown", a.cooldown)
}

func (a *Adapter) markDisconnected(err error) {
	a.mu.Lock()
	a.connected = false
	a.disconnectErr = err
	a.mu.Unlock()
}

func (a *Adapter) writeJSON(v interface{}) error {
	a.connMu.Lock()
	defer a.connMu.Unlock()
	if a.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	a.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return a.conn.WriteJSON(v)
}
