// Package marks tracks the best-known mark price per instrument for the
// trading and risk paths.
//
// Source precedence: a fresh live tick wins; past the staleness window a
// configured simulation price is used; failing that, the previous close.
// MARKET orders refuse to execute against a stale mark, so the precedence
// mostly matters to mark-to-market valuation.
package marks

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/pkg/types"
)

// Source says where a mark came from.
type Source string

const (
	SourceLive      Source = "LIVE"
	SourceSimulated Source = "SIMULATED"
	SourcePrevClose Source = "PREV_CLOSE"
)

// ErrNoPrice means no mark of any quality exists for the symbol.
var ErrNoPrice = errors.New("no mark price available")

type mark struct {
	price     float64
	prevClose float64
	at        time.Time
	simulated float64
	hasSim    bool
}

// Tracker holds the latest mark per instrument.
type Tracker struct {
	mu         sync.RWMutex
	marks      map[string]*mark
	staleAfter time.Duration

	now func() time.Time // test hook
}

// New creates a tracker; marks older than staleAfter stop counting as live.
func New(staleAfter time.Duration) *Tracker {
	return &Tracker{
		marks:      make(map[string]*mark),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// OnTick records a live price.
func (t *Tracker) OnTick(tick types.NormalizedTick) {
	t.mu.Lock()
	m := t.ensure(tick.InstrumentKey)
	m.price = tick.Price
	m.at = t.now()
	if tick.PrevClose > 0 {
		m.prevClose = tick.PrevClose
	}
	t.mu.Unlock()
}

// SetPrevClose seeds the fallback price, typically from the snapshot cache.
func (t *Tracker) SetPrevClose(key string, prevClose float64) {
	t.mu.Lock()
	t.ensure(key).prevClose = prevClose
	t.mu.Unlock()
}

// SetSimulated pins a simulation price used when the live mark is stale.
func (t *Tracker) SetSimulated(key string, price float64) {
	t.mu.Lock()
	m := t.ensure(key)
	m.simulated = price
	m.hasSim = true
	t.mu.Unlock()
}

func (t *Tracker) ensure(key string) *mark {
	m, ok := t.marks[key]
	if !ok {
		m = &mark{}
		t.marks[key] = m
	}
	return m
}

// Price returns the best mark by precedence, rounded to 2dp.
func (t *Tracker) Price(key string) (decimal.Decimal, Source, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	m, ok := t.marks[key]
	if !ok {
		return decimal.Zero, "", ErrNoPrice
	}
	if m.price > 0 && t.now().Sub(m.at) <= t.staleAfter {
		return decimal.NewFromFloat(m.price).Round(2), SourceLive, nil
	}
	if m.hasSim {
		return decimal.NewFromFloat(m.simulated).Round(2), SourceSimulated, nil
	}
	if m.prevClose > 0 {
		return decimal.NewFromFloat(m.prevClose).Round(2), SourcePrevClose, nil
	}
	return decimal.Zero, "", ErrNoPrice
}

// LivePrice returns the mark only when it is a fresh live tick. MARKET
// execution uses this.
func (t *Tracker) LivePrice(key string) (decimal.Decimal, bool) {
	price, src, err := t.Price(key)
	if err != nil || src != SourceLive {
		return decimal.Zero, false
	}
	return price, true
}

// IsStale reports whether the live mark for key is absent or too old.
func (t *Tracker) IsStale(key string) bool {
	_, ok := t.LivePrice(key)
	return !ok
}
