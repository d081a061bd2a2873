package tickbus

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"papertrade/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func tick(key string, ts int64, price float64) types.NormalizedTick {
	return types.NormalizedTick{InstrumentKey: key, Price: price, Timestamp: ts, Exchange: "NSE"}
}

// collector gathers delivered ticks behind a mutex so tests can poll.
type collector struct {
	mu    sync.Mutex
	ticks []types.NormalizedTick
}

func (c *collector) handler(t types.NormalizedTick) {
	c.mu.Lock()
	c.ticks = append(c.ticks, t)
	c.mu.Unlock()
}

func (c *collector) snapshot() []types.NormalizedTick {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.NormalizedTick, len(c.ticks))
	copy(out, c.ticks)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestDeliversToAllHandlers(t *testing.T) {
	t.Parallel()
	b := New(testLogger())
	defer b.Close()

	var c1, c2 collector
	b.Subscribe(c1.handler)
	b.Subscribe(c2.handler)

	b.EmitTick(tick("NSE_EQ|A", 100, 10))

	waitFor(t, func() bool { return len(c1.snapshot()) == 1 && len(c2.snapshot()) == 1 })
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()
	b := New(testLogger())
	defer b.Close()

	var c collector
	sub := b.Subscribe(c.handler)
	b.EmitTick(tick("NSE_EQ|A", 100, 10))
	waitFor(t, func() bool { return len(c.snapshot()) == 1 })

	b.Unsubscribe(sub)
	b.EmitTick(tick("NSE_EQ|A", 101, 11))

	// Give the dispatcher a chance to (wrongly) deliver.
	time.Sleep(50 * time.Millisecond)
	if got := len(c.snapshot()); got != 1 {
		t.Errorf("got %d ticks after unsubscribe, want 1", got)
	}
}

func TestLatestWinsCoalescing(t *testing.T) {
	t.Parallel()
	b := New(testLogger())
	defer b.Close()

	// Block the dispatcher with a slow handler so a burst piles up behind it.
	release := make(chan struct{})
	var c collector
	first := true
	b.Subscribe(func(tk types.NormalizedTick) {
		if first {
			first = false
			<-release
		}
		c.handler(tk)
	})

	b.EmitTick(tick("NSE_EQ|A", 100, 1))
	waitFor(t, func() bool { return b.Stats().Dispatched >= 1 })

	// These all land while the dispatcher is blocked; only the last survives.
	for i := int64(1); i <= 50; i++ {
		b.EmitTick(tick("NSE_EQ|A", 100+i, float64(i)))
	}
	close(release)

	waitFor(t, func() bool {
		ticks := c.snapshot()
		return len(ticks) == 2 && ticks[1].Price == 50
	})

	st := b.Stats()
	if st.Coalesced < 40 {
		t.Errorf("coalesced = %d, want most of the burst absorbed", st.Coalesced)
	}
}

func TestPerSymbolMonotonicTimestamps(t *testing.T) {
	t.Parallel()
	b := New(testLogger())
	defer b.Close()

	var c collector
	b.Subscribe(c.handler)

	b.EmitTick(tick("NSE_EQ|A", 200, 1))
	waitFor(t, func() bool { return len(c.snapshot()) == 1 })

	b.EmitTick(tick("NSE_EQ|A", 150, 2)) // regression, dropped
	b.EmitTick(tick("NSE_EQ|A", 201, 3))
	waitFor(t, func() bool { return len(c.snapshot()) == 2 })

	ticks := c.snapshot()
	for i := 1; i < len(ticks); i++ {
		if ticks[i].Timestamp < ticks[i-1].Timestamp {
			t.Fatalf("timestamps regressed: %d after %d", ticks[i].Timestamp, ticks[i-1].Timestamp)
		}
	}
	if b.Stats().Dropped != 1 {
		t.Errorf("dropped = %d, want 1", b.Stats().Dropped)
	}
}

func TestHandlerPanicIsolated(t *testing.T) {
	t.Parallel()
	b := New(testLogger())
	defer b.Close()

	var c collector
	b.Subscribe(func(types.NormalizedTick) { panic("boom") })
	b.Subscribe(c.handler)

	b.EmitTick(tick("NSE_EQ|A", 100, 10))
	b.EmitTick(tick("NSE_EQ|B", 100, 20))

	waitFor(t, func() bool { return len(c.snapshot()) == 2 })
}
