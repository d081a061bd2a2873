// Package candles aggregates the normalized tick stream into per-symbol,
// per-interval OHLCV candles.
//
// Bucketing: intraday intervals are aligned to IST wall-clock (offset
// +05:30), daily candles to the IST calendar day, weekly candles to the IST
// Monday. A tick that lands in a newer bucket closes the current candle
// (emitted with closed=true, exactly once per bucket) and opens the next;
// a tick older than the current bucket is dropped and counted.
//
// OnTick runs on the tick bus dispatch path and must stay in-memory and
// non-blocking; emission is a synchronous callback into the fanout hub,
// which itself only does channel handoff.
package candles

import (
	"log/slog"
	"sync"
	"time"

	"papertrade/internal/metrics"
	"papertrade/pkg/types"
)

// ist is the exchange timezone. A fixed zone keeps bucketing deterministic
// without depending on the host tz database.
var ist = time.FixedZone("IST", 5*3600+30*60)

const (
	daySeconds  = 86400
	weekSeconds = 7 * daySeconds
)

// EmitFunc receives every candle update (UPDATE and CLOSE).
type EmitFunc func(update types.CandleUpdate)

type seriesKey struct {
	instrumentKey string
	intervalSec   int64
}

// Engine maintains the rolling candle per (symbol, interval) series.
type Engine struct {
	mu        sync.Mutex
	intervals []int64
	current   map[seriesKey]*types.Candle
	lateTicks uint64
	emit      EmitFunc
	logger    *slog.Logger
}

// New creates an engine aggregating the given intervals (seconds).
func New(intervals []int64, emit EmitFunc, logger *slog.Logger) *Engine {
	return &Engine{
		intervals: intervals,
		current:   make(map[seriesKey]*types.Candle),
		emit:      emit,
		logger:    logger.With("component", "candles"),
	}
}

// OnTick applies one tick to every configured interval series.
func (e *Engine) OnTick(tick types.NormalizedTick) {
	if tick.Price <= 0 {
		return
	}

	var updates []types.CandleUpdate

	e.mu.Lock()
	for _, interval := range e.intervals {
		updates = e.applyLocked(tick, interval, updates)
	}
	e.mu.Unlock()

	for _, u := range updates {
		e.emit(u)
	}
}

// LateTicks returns how many out-of-order ticks have been dropped.
func (e *Engine) LateTicks() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lateTicks
}

// Current returns a copy of the open candle for a series, if any.
func (e *Engine) Current(instrumentKey string, intervalSec int64) (types.Candle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.current[seriesKey{instrumentKey, intervalSec}]
	if !ok {
		return types.Candle{}, false
	}
	return *c, true
}

func (e *Engine) applyLocked(tick types.NormalizedTick, interval int64, updates []types.CandleUpdate) []types.CandleUpdate {
	bucket := BucketStart(tick.Timestamp, interval)
	key := seriesKey{tick.InstrumentKey, interval}
	cur := e.current[key]

	if cur != nil && bucket < cur.OpenTime {
		// Late tick: older than the open bucket. Drop, count, move on.
		e.lateTicks++
		metrics.LateTicks.Inc()
		return updates
	}

	if cur == nil || bucket > cur.OpenTime {
		if cur != nil {
			closed := *cur
			closed.Closed = true
			updates = append(updates, e.update(tick.Symbol, interval, closed, types.CandleClose))
		}
		cur = &types.Candle{
			InstrumentKey: tick.InstrumentKey,
			IntervalSec:   interval,
			OpenTime:      bucket,
			Open:          tick.Price,
			High:          tick.Price,
			Low:           tick.Price,
			Close:         tick.Price,
			Volume:        tick.Volume,
		}
		e.current[key] = cur
	} else {
		if tick.Price > cur.High {
			cur.High = tick.Price
		}
		if tick.Price < cur.Low {
			cur.Low = tick.Price
		}
		cur.Close = tick.Price
		cur.Volume += tick.Volume
	}

	return append(updates, e.update(tick.Symbol, interval, *cur, types.CandleProgress))
}

func (e *Engine) update(symbol string, interval int64, c types.Candle, kind types.CandleUpdateType) types.CandleUpdate {
	return types.CandleUpdate{
		InstrumentKey: c.InstrumentKey,
		Symbol:        symbol,
		Interval:      interval,
		Candle:        c,
		Type:          kind,
	}
}

// BucketStart returns the unix-second start of the bucket containing ts.
// Intraday buckets shift by the IST offset so that, e.g., an hourly series
// opens on IST hour boundaries; daily and weekly buckets follow the IST
// calendar (weeks start Monday).
func BucketStart(ts, intervalSec int64) int64 {
	switch {
	case intervalSec >= weekSeconds:
		t := time.Unix(ts, 0).In(ist)
		// Walk back to Monday 00:00 IST.
		daysBack := (int(t.Weekday()) + 6) % 7
		monday := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, ist).AddDate(0, 0, -daysBack)
		return monday.Unix()
	case intervalSec >= daySeconds:
		t := time.Unix(ts, 0).In(ist)
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, ist).Unix()
	default:
		off := int64(5*3600 + 30*60)
		return ((ts+off)/intervalSec)*intervalSec - off
	}
}
