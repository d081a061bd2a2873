// Package feed supervises the upstream market-data connection.
//
// The supervisor owns reconnect policy: the broker adapter only dials and
// reads. Every health tick it classifies the session as NORMAL,
// EXPECTED_SILENCE (market closed, no ticks is fine) or SUSPECT_OUTAGE
// (silence during IST market hours), and drives reconnects with a fixed
// backoff ladder plus a circuit breaker so a flapping upstream cannot be
// hammered.
package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"papertrade/internal/config"
	"papertrade/internal/metrics"
	"papertrade/pkg/types"
)

// SessionState classifies feed liveness at the last health check.
type SessionState string

const (
	SessionNormal          SessionState = "NORMAL"
	SessionExpectedSilence SessionState = "EXPECTED_SILENCE"
	SessionSuspectOutage   SessionState = "SUSPECT_OUTAGE"
)

// backoffLadder is the per-attempt reconnect delay. Attempts past the end
// stay at the last rung.
var backoffLadder = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

var ist = time.FixedZone("IST", 5*3600+30*60)

// Connection is the slice of the broker adapter the supervisor drives.
type Connection interface {
	Connect(ctx context.Context, onTick func(types.NormalizedTick)) error
	Disconnect()
	IsConnected() bool
	LastTickAt() time.Time
	AuthCooldownRemaining() time.Duration
	Subscribe(keys []string) error
	Unsubscribe(keys []string) error
}

// Resubscriber replays the active symbol set after a reconnect.
type Resubscriber interface {
	FlushPending()
}

// Supervisor keeps the upstream connection healthy.
type Supervisor struct {
	cfg      config.FeedConfig
	conn     Connection
	registry Resubscriber
	onTick   func(types.NormalizedTick)
	logger   *slog.Logger

	mu            sync.Mutex
	state         SessionState
	connectedAt   time.Time
	failures      []time.Time // failure timestamps inside the rolling window
	attempt       int         // consecutive failed attempts, indexes the ladder
	nextAttemptAt time.Time
	breakerUntil  time.Time

	now func() time.Time // test hook
}

// New creates a supervisor. onTick receives every decoded upstream tick.
func New(cfg config.FeedConfig, conn Connection, registry Resubscriber, onTick func(types.NormalizedTick), logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		conn:     conn,
		registry: registry,
		onTick:   onTick,
		logger:   logger.With("component", "feed"),
		state:    SessionNormal,
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled, checking feed health every
// HealthInterval. It attempts an initial connect immediately.
func (s *Supervisor) Run(ctx context.Context) {
	s.check(ctx)

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.conn.Disconnect()
			return
		case <-ticker.C:
			s.check(ctx)
		}
	}
}

// State returns the session classification from the last health check.
func (s *Supervisor) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SubscribeUpstream implements subs.Upstream.
func (s *Supervisor) SubscribeUpstream(keys []string) {
	if err := s.conn.Subscribe(keys); err != nil {
		// The set is re-sent on reconnect via FlushPending.
		s.logger.Warn("upstream subscribe failed", "symbols", len(keys), "error", err)
	}
}

// UnsubscribeUpstream implements subs.Upstream.
func (s *Supervisor) UnsubscribeUpstream(keys []string) {
	if err := s.conn.Unsubscribe(keys); err != nil {
		s.logger.Warn("upstream unsubscribe failed", "symbols", len(keys), "error", err)
	}
}

// check runs one health evaluation and reconnects if needed.
func (s *Supervisor) check(ctx context.Context) {
	now := s.now()

	if !s.conn.IsConnected() {
		s.setState(SessionSuspectOutage)
		s.tryReconnect(ctx, now)
		return
	}

	last := s.conn.LastTickAt()
	s.mu.Lock()
	if last.Before(s.connectedAt) {
		last = s.connectedAt
	}
	s.mu.Unlock()

	silence := now.Sub(last)
	if silence <= s.cfg.SilenceTimeout {
		s.setState(SessionNormal)
		return
	}

	if !MarketOpen(now) {
		s.setState(SessionExpectedSilence)
		return
	}

	// Silent during market hours: the connection is up but dead. Cycle it.
	s.setState(SessionSuspectOutage)
	s.logger.Warn("feed silent during market hours, reconnecting", "silence", silence)
	s.conn.Disconnect()
	s.tryReconnect(ctx, now)
}

func (s *Supervisor) tryReconnect(ctx context.Context, now time.Time) {
	s.mu.Lock()
	if now.Before(s.breakerUntil) {
		s.mu.Unlock()
		return
	}
	if now.Before(s.nextAttemptAt) {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if remaining := s.conn.AuthCooldownRemaining(); remaining > 0 {
		s.logger.Warn("skipping reconnect, auth cooldown", "remaining", remaining)
		return
	}

	err := s.conn.Connect(ctx, s.onTick)
	if err != nil {
		s.recordFailure(now)
		s.logger.Error("reconnect failed", "attempt", s.attemptCount(), "error", err)
		return
	}

	s.mu.Lock()
	s.state = SessionNormal
	s.connectedAt = now
	s.failures = nil
	s.attempt = 0
	s.nextAttemptAt = time.Time{}
	s.mu.Unlock()

	metrics.FeedReconnects.Inc()
	s.logger.Info("feed connected, replaying subscriptions")
	s.registry.FlushPending()
}

func (s *Supervisor) recordFailure(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Prune failures that fell out of the rolling window.
	cutoff := now.Add(-s.cfg.FailureWindow)
	kept := s.failures[:0]
	for _, t := range s.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.failures = append(kept, now)

	delay := backoffLadder[min(s.attempt, len(backoffLadder)-1)]
	s.attempt++
	s.nextAttemptAt = now.Add(delay)

	// Strictly more than MaxFailures within the window opens the breaker.
	if len(s.failures) > s.cfg.MaxFailures {
		s.breakerUntil = now.Add(s.cfg.BreakerCooldown)
		s.failures = nil
		metrics.BreakerOpens.Inc()
		s.logger.Error("feed breaker open", "cooldown", s.cfg.BreakerCooldown)
	}
}

func (s *Supervisor) attemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

func (s *Supervisor) setState(st SessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// MarketOpen reports whether NSE equities are trading at t:
// 09:15–15:30 IST, Monday through Friday.
func MarketOpen(t time.Time) bool {
	local := t.In(ist)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	mins := local.Hour()*60 + local.Minute()
	return mins >= 9*60+15 && mins <= 15*60+30
}
