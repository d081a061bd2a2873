// Package tickbus is the in-process tick hub between the broker adapter and
// everything downstream (candle engine, fanout server, mark tracker).
//
// Backpressure contract: the emit path never blocks and never queues. Each
// symbol has exactly one pending slot holding its latest tick; bursts
// collapse into that slot (latest-wins) and a single dispatch pass delivers
// each symbol's latest tick once to every handler. Memory is O(1) per
// symbol regardless of tick rate.
//
// Handlers are isolated from each other: a panicking handler is recovered,
// counted, and does not affect siblings. Per symbol, delivered ticks are
// monotonic in broker timestamp; regressions are dropped at the door.
package tickbus

import (
	"log/slog"
	"sync"

	"papertrade/internal/metrics"
	"papertrade/pkg/types"
)

// Handler consumes ticks. Must not block: anything slow hands off to its
// own goroutine/channel.
type Handler func(tick types.NormalizedTick)

// Subscription identifies a registered handler for later removal.
type Subscription struct {
	id int
}

// Stats is a snapshot of bus counters.
type Stats struct {
	Emitted    uint64 // ticks offered via EmitTick
	Dispatched uint64 // tick deliveries per symbol per pass (not per handler)
	Coalesced  uint64 // ticks absorbed by an occupied pending slot
	Dropped    uint64 // ticks rejected as timestamp regressions
	Handlers   int
}

// Bus is the process-wide tick hub. Construct once at startup with New and
// share by reference.
type Bus struct {
	mu        sync.Mutex
	handlers  map[int]Handler
	nextID    int
	pending   map[string]types.NormalizedTick // latest tick per symbol awaiting dispatch
	lastSeen  map[string]int64                // last delivered broker timestamp per symbol
	scheduled bool
	stats     Stats

	wake   chan struct{}
	done   chan struct{}
	logger *slog.Logger
}

// New creates the bus and starts its dispatch goroutine.
func New(logger *slog.Logger) *Bus {
	b := &Bus{
		handlers: make(map[int]Handler),
		pending:  make(map[string]types.NormalizedTick),
		lastSeen: make(map[string]int64),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		logger:   logger.With("component", "tickbus"),
	}
	go b.dispatchLoop()
	return b
}

// Close stops the dispatch goroutine. Pending ticks are discarded.
func (b *Bus) Close() {
	close(b.done)
}

// Subscribe registers a handler for all ticks.
func (b *Bus) Subscribe(h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[b.nextID] = h
	return &Subscription{id: b.nextID}
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, sub.id)
}

// EmitTick offers a tick to the bus. Non-blocking; safe from any goroutine.
func (b *Bus) EmitTick(tick types.NormalizedTick) {
	b.mu.Lock()
	b.stats.Emitted++

	// Enforce per-symbol monotonicity against both the delivered watermark
	// and whatever is already pending.
	if last, ok := b.lastSeen[tick.InstrumentKey]; ok && tick.Timestamp < last {
		b.stats.Dropped++
		b.mu.Unlock()
		return
	}
	if prev, ok := b.pending[tick.InstrumentKey]; ok {
		if tick.Timestamp < prev.Timestamp {
			b.stats.Dropped++
			b.mu.Unlock()
			return
		}
		b.stats.Coalesced++
		metrics.TicksCoalesced.Inc()
	}
	b.pending[tick.InstrumentKey] = tick
	alreadyScheduled := b.scheduled
	b.scheduled = true
	b.mu.Unlock()

	metrics.TicksReceived.Inc()
	if !alreadyScheduled {
		select {
		case b.wake <- struct{}{}:
		default:
		}
	}
}

// Stats returns a snapshot of the bus counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Handlers = len(b.handlers)
	return s
}

// dispatchLoop drains the pending map one batch per wakeup. Swapping the
// map under the lock keeps the emit path O(1) and lets a burst that arrives
// mid-dispatch coalesce into a fresh map for the next pass.
func (b *Bus) dispatchLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.wake:
		}

		for {
			b.mu.Lock()
			if len(b.pending) == 0 {
				b.scheduled = false
				b.mu.Unlock()
				break
			}
			batch := b.pending
			b.pending = make(map[string]types.NormalizedTick)
			handlers := make([]Handler, 0, len(b.handlers))
			for _, h := range b.handlers {
				handlers = append(handlers, h)
			}
			for key, tick := range batch {
				b.lastSeen[key] = tick.Timestamp
			}
			b.stats.Dispatched += uint64(len(batch))
			b.mu.Unlock()

			for _, tick := range batch {
				metrics.TicksDispatched.Inc()
				for _, h := range handlers {
					b.deliver(h, tick)
				}
			}
		}
	}
}

func (b *Bus) deliver(h Handler, tick types.NormalizedTick) {
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.Inc()
			b.logger.Error("tick handler panicked", "panic", r, "symbol", tick.InstrumentKey)
		}
	}()
	h(tick)
}
