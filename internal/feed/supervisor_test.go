package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"papertrade/internal/config"
	"papertrade/pkg/types"
)

type fakeConn struct {
	mu           sync.Mutex
	connected    bool
	lastTick     time.Time
	authCooldown time.Duration
	connectErr   error
	connects     int
	disconnects  int
	subscribed   [][]string
}

func (f *fakeConn) Connect(ctx context.Context, onTick func(types.NormalizedTick)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeConn) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
}

func (f *fakeConn) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeConn) LastTickAt() time.Time                { return f.lastTick }
func (f *fakeConn) AuthCooldownRemaining() time.Duration { return f.authCooldown }

func (f *fakeConn) Subscribe(keys []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, keys)
	return nil
}

func (f *fakeConn) Unsubscribe(keys []string) error { return nil }

type fakeRegistry struct {
	mu      sync.Mutex
	flushes int
}

func (f *fakeRegistry) FlushPending() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
}

func testConfig() config.FeedConfig {
	return config.FeedConfig{
		HealthInterval:  15 * time.Second,
		SilenceTimeout:  time.Minute,
		FailureWindow:   2 * time.Minute,
		MaxFailures:     5,
		BreakerCooldown: time.Minute,
	}
}

func newTestSupervisor(conn *fakeConn, reg *fakeRegistry) *Supervisor {
	return New(testConfig(), conn, reg, func(types.NormalizedTick) {}, slog.Default())
}

// istTime builds a time at the given IST wall clock on 2026-08-24 (a Monday).
func istTime(hour, minute int) time.Time {
	loc := time.FixedZone("IST", 5*3600+30*60)
	return time.Date(2026, 8, 24, hour, minute, 0, 0, loc)
}

func TestMarketOpen(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		t    time.Time
		want bool
	}{
		{"monday open bell", istTime(9, 15), true},
		{"monday midday", istTime(12, 0), true},
		{"monday close bell", istTime(15, 30), true},
		{"monday pre-open", istTime(9, 14), false},
		{"monday after close", istTime(15, 31), false},
		{"saturday", istTime(12, 0).AddDate(0, 0, 5), false},
		{"sunday", istTime(12, 0).AddDate(0, 0, 6), false},
	}
	for _, tc := range cases {
		if got := MarketOpen(tc.t); got != tc.want {
			t.Errorf("%s: MarketOpen = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSuccessfulConnectReplaysSubscriptions(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{}
	reg := &fakeRegistry{}
	s := newTestSupervisor(conn, reg)

	s.check(context.Background())

	if !conn.IsConnected() {
		t.Fatal("expected connected")
	}
	if reg.flushes != 1 {
		t.Errorf("flushes = %d, want 1", reg.flushes)
	}
	if s.State() != SessionNormal {
		t.Errorf("state = %s, want NORMAL", s.State())
	}
}

func TestSilenceDuringMarketHoursCyclesConnection(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{connected: true}
	reg := &fakeRegistry{}
	s := newTestSupervisor(conn, reg)

	now := istTime(11, 0)
	conn.lastTick = now.Add(-2 * time.Minute)
	s.now = func() time.Time { return now }

	s.check(context.Background())

	if conn.disconnects != 1 {
		t.Errorf("disconnects = %d, want 1", conn.disconnects)
	}
	if conn.connects != 1 {
		t.Errorf("connects = %d, want 1", conn.connects)
	}
}

func TestSilenceOutsideMarketHoursIsExpected(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{connected: true}
	reg := &fakeRegistry{}
	s := newTestSupervisor(conn, reg)

	now := istTime(20, 0)
	conn.lastTick = now.Add(-10 * time.Minute)
	s.now = func() time.Time { return now }

	s.check(context.Background())

	if s.State() != SessionExpectedSilence {
		t.Errorf("state = %s, want EXPECTED_SILENCE", s.State())
	}
	if conn.disconnects != 0 {
		t.Error("should not cycle connection off-hours")
	}
}

func TestRecentTicksKeepSessionNormal(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{connected: true}
	reg := &fakeRegistry{}
	s := newTestSupervisor(conn, reg)

	now := istTime(11, 0)
	conn.lastTick = now.Add(-5 * time.Second)
	s.now = func() time.Time { return now }

	s.check(context.Background())

	if s.State() != SessionNormal {
		t.Errorf("state = %s, want NORMAL", s.State())
	}
}

func TestBackoffDefersNextAttempt(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{connectErr: errors.New("dial refused")}
	reg := &fakeRegistry{}
	s := newTestSupervisor(conn, reg)

	now := istTime(11, 0)
	s.now = func() time.Time { return now }

	s.check(context.Background())
	if conn.connects != 1 {
		t.Fatalf("connects = %d, want 1", conn.connects)
	}

	// Next check inside the 1s backoff window must not dial.
	now = now.Add(500 * time.Millisecond)
	s.check(context.Background())
	if conn.connects != 1 {
		t.Errorf("dialed during backoff, connects = %d", conn.connects)
	}

	// Past the first rung it dials again.
	now = now.Add(time.Second)
	s.check(context.Background())
	if conn.connects != 2 {
		t.Errorf("connects = %d, want 2", conn.connects)
	}
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{connectErr: errors.New("dial refused")}
	reg := &fakeRegistry{}
	s := newTestSupervisor(conn, reg)

	now := istTime(11, 0)
	s.now = func() time.Time { return now }

	// Step past each backoff rung while keeping all failures inside the
	// 2-minute window. Five failures is the limit, not past it.
	for i := 0; i < 5; i++ {
		s.check(context.Background())
		now = now.Add(11 * time.Second)
	}
	if conn.connects != 5 {
		t.Fatalf("connects = %d, want 5", conn.connects)
	}

	// The sixth failure inside the window is the one that trips it.
	now = now.Add(30 * time.Second)
	s.check(context.Background())
	if conn.connects != 6 {
		t.Fatalf("connects = %d, want 6", conn.connects)
	}

	// Breaker is open: no dial even past the backoff rung.
	s.check(context.Background())
	if conn.connects != 6 {
		t.Errorf("dialed with breaker open, connects = %d", conn.connects)
	}

	// After the cooldown the breaker closes and dialing resumes.
	now = now.Add(2 * time.Minute)
	s.check(context.Background())
	if conn.connects != 7 {
		t.Errorf("connects = %d, want 7 after breaker cooldown", conn.connects)
	}
}

func TestAuthCooldownSkipsDial(t *testing.T) {
	t.Parallel()
	conn := &fakeConn{authCooldown: time.Minute}
	reg := &fakeRegistry{}
	s := newTestSupervisor(conn, reg)

	s.check(context.Background())

	if conn.connects != 0 {
		t.Errorf("dialed during auth cooldown, connects = %d", conn.connects)
	}
}
