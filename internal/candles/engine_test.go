package candles

import (
	"log/slog"
	"testing"
	"time"

	"papertrade/pkg/types"
)

const key = "NSE_EQ|INE002A01018"

func newTestEngine(intervals []int64) (*Engine, *[]types.CandleUpdate) {
	var updates []types.CandleUpdate
	e := New(intervals, func(u types.CandleUpdate) { updates = append(updates, u) }, slog.Default())
	return e, &updates
}

func tickAt(ts int64, price float64, vol int64) types.NormalizedTick {
	return types.NormalizedTick{InstrumentKey: key, Symbol: "RELIANCE", Price: price, Volume: vol, Timestamp: ts, Exchange: "NSE"}
}

func TestAggregationWithinBucket(t *testing.T) {
	t.Parallel()
	e, updates := newTestEngine([]int64{60})

	base := int64(1_700_000_040) // mid-bucket somewhere
	bucket := BucketStart(base, 60)

	e.OnTick(tickAt(bucket, 100, 10))
	e.OnTick(tickAt(bucket+10, 105, 5))
	e.OnTick(tickAt(bucket+20, 95, 5))
	e.OnTick(tickAt(bucket+30, 102, 2))

	cur, ok := e.Current(key, 60)
	if !ok {
		t.Fatal("no open candle")
	}
	if cur.Open != 100 || cur.High != 105 || cur.Low != 95 || cur.Close != 102 {
		t.Errorf("OHLC = %v/%v/%v/%v, want 100/105/95/102", cur.Open, cur.High, cur.Low, cur.Close)
	}
	if cur.Volume != 22 {
		t.Errorf("volume = %d, want 22", cur.Volume)
	}
	if cur.Low > cur.Open || cur.Low > cur.Close || cur.High < cur.Open || cur.High < cur.Close {
		t.Error("low <= open,close <= high violated")
	}

	for _, u := range *updates {
		if u.Type != types.CandleProgress {
			t.Errorf("unexpected %s before bucket rollover", u.Type)
		}
	}
}

func TestBucketRolloverEmitsSingleClose(t *testing.T) {
	t.Parallel()
	e, updates := newTestEngine([]int64{60})

	bucket := BucketStart(1_700_000_000, 60)
	e.OnTick(tickAt(bucket+5, 100, 1))
	e.OnTick(tickAt(bucket+65, 110, 1)) // next bucket

	var closes []types.CandleUpdate
	for _, u := range *updates {
		if u.Type == types.CandleClose {
			closes = append(closes, u)
		}
	}
	if len(closes) != 1 {
		t.Fatalf("got %d CLOSE updates, want 1", len(closes))
	}
	if !closes[0].Candle.Closed || closes[0].Candle.Close != 100 {
		t.Errorf("closed candle = %+v", closes[0].Candle)
	}

	cur, _ := e.Current(key, 60)
	if cur.OpenTime != bucket+60 || cur.Open != 110 {
		t.Errorf("new candle openTime=%d open=%v, want %d / 110", cur.OpenTime, cur.Open, bucket+60)
	}
}

func TestOpenTimesMonotonic(t *testing.T) {
	t.Parallel()
	e, updates := newTestEngine([]int64{60})

	bucket := BucketStart(1_700_000_000, 60)
	for i := int64(0); i < 10; i++ {
		e.OnTick(tickAt(bucket+i*31, 100+float64(i), 1))
	}

	var last int64 = -1
	for _, u := range *updates {
		if u.Candle.OpenTime < last {
			t.Fatalf("openTime regressed: %d after %d", u.Candle.OpenTime, last)
		}
		last = u.Candle.OpenTime
	}
}

func TestLateTickDropped(t *testing.T) {
	t.Parallel()
	e, updates := newTestEngine([]int64{60})

	bucket := BucketStart(1_700_000_000, 60)
	e.OnTick(tickAt(bucket+65, 100, 1))
	before := len(*updates)

	e.OnTick(tickAt(bucket+5, 90, 1)) // previous bucket

	if got := len(*updates); got != before {
		t.Errorf("late tick produced %d updates", got-before)
	}
	if e.LateTicks() != 1 {
		t.Errorf("lateTicks = %d, want 1", e.LateTicks())
	}
	cur, _ := e.Current(key, 60)
	if cur.Low != 100 {
		t.Errorf("late tick mutated candle: low = %v", cur.Low)
	}
}

func TestMultipleIntervals(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine([]int64{60, 300})

	ts := BucketStart(1_700_000_000, 300) + 10
	e.OnTick(tickAt(ts, 100, 1))

	if _, ok := e.Current(key, 60); !ok {
		t.Error("no 60s candle")
	}
	if _, ok := e.Current(key, 300); !ok {
		t.Error("no 300s candle")
	}
}

func TestIntradayBucketISTAligned(t *testing.T) {
	t.Parallel()

	// 2023-11-14 10:17:30 IST
	loc := time.FixedZone("IST", 5*3600+30*60)
	ts := time.Date(2023, 11, 14, 10, 17, 30, 0, loc).Unix()

	got := BucketStart(ts, 3600)
	want := time.Date(2023, 11, 14, 10, 0, 0, 0, loc).Unix()
	if got != want {
		t.Errorf("hourly bucket = %d, want %d (IST 10:00)", got, want)
	}
}

func TestDailyBucketISTCalendarDay(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("IST", 5*3600+30*60)
	// 01:10 IST is still the previous UTC day; the daily bucket must follow IST.
	ts := time.Date(2023, 11, 14, 1, 10, 0, 0, loc).Unix()

	got := BucketStart(ts, 86400)
	want := time.Date(2023, 11, 14, 0, 0, 0, 0, loc).Unix()
	if got != want {
		t.Errorf("daily bucket = %d, want IST midnight %d", got, want)
	}
}

func TestWeeklyBucketStartsMonday(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("IST", 5*3600+30*60)
	// 2023-11-16 is a Thursday.
	ts := time.Date(2023, 11, 16, 12, 0, 0, 0, loc).Unix()

	got := BucketStart(ts, 7*86400)
	want := time.Date(2023, 11, 13, 0, 0, 0, 0, loc).Unix() // Monday
	if got != want {
		t.Errorf("weekly bucket = %d, want Monday %d", got, want)
	}
}
