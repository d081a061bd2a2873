package risk

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/config"
	"papertrade/internal/instruments"
	"papertrade/internal/journal"
	"papertrade/internal/ledger"
	"papertrade/internal/marks"
	"papertrade/internal/positions"
	"papertrade/internal/store"
	"papertrade/internal/trading"
	"papertrade/pkg/types"
)

const niftyFutKey = "NSE_FO|53001"

type env struct {
	mgr   *Manager
	svc   *trading.Service
	led   *ledger.Ledger
	book  *positions.Book
	marks *marks.Tracker
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.Default()
	wal := journal.New(st, logger)
	led := ledger.New(st, "INR", logger)
	book := positions.New(st, logger)
	repo := instruments.New(st, logger)
	tracker := marks.New(8 * time.Second)

	expiry := time.Now().Add(30 * 24 * time.Hour)
	seed := []types.Instrument{{
		InstrumentKey: niftyFutKey, TradingSymbol: "NIFTY26SEPFUT", Underlying: "NIFTY",
		Expiry: &expiry, LotSize: 75, TickSize: decimal.NewFromFloat(0.05),
		InstrumentType: types.InstrumentFuture, Segment: "NSE_FO",
	}}
	err = st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return repo.Upsert(context.Background(), tx, seed)
	})
	if err != nil {
		t.Fatal(err)
	}

	riskCfg := config.RiskConfig{
		CheckInterval:  5 * time.Second,
		MaxSteps:       32,
		IndexMarginPct: 0.12,
		StockMarginPct: 0.18,
		MaintenancePct: 0.75,
	}
	tradingCfg := config.TradingConfig{
		ExecInterval:    500 * time.Millisecond,
		StalePriceAfter: 8 * time.Second,
		DedupeWindow:    2 * time.Second,
		DefaultCurrency: "INR",
	}
	svc := trading.NewService(st, wal, led, book, repo, tracker, tradingCfg, riskCfg, logger)
	mgr := NewManager(riskCfg, svc, led, book, repo, tracker, logger)
	return &env{mgr: mgr, svc: svc, led: led, book: book, marks: tracker}
}

func (e *env) tick(key string, price float64) {
	e.marks.OnTick(types.NormalizedTick{InstrumentKey: key, Price: price, Timestamp: time.Now().Unix()})
}

// openShortFuture sells one lot at the given mark and fills it.
func (e *env) openShortFuture(t *testing.T, user string, price float64) {
	t.Helper()
	ctx := context.Background()
	e.tick(niftyFutKey, price)
	if _, err := e.svc.PlaceOrder(ctx, trading.PlaceOrderRequest{
		UserID: user, Symbol: niftyFutKey, Side: types.SELL,
		Quantity: 75, OrderType: types.OrderTypeMarket,
	}); err != nil {
		t.Fatal(err)
	}
	e.svc.ExecuteOnce(ctx)
	if _, found, _ := e.book.Get(ctx, user, niftyFutKey); !found {
		t.Fatal("short position did not open")
	}
}

func (e *env) state(t *testing.T, user string) types.AccountState {
	t.Helper()
	w, err := e.led.GetWallet(context.Background(), user)
	if err != nil {
		t.Fatal(err)
	}
	return w.AccountState
}

func TestHealthyAccountStaysNormal(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	e.openShortFuture(t, "u1", 22000)

	e.mgr.CheckOnce(context.Background())

	if got := e.state(t, "u1"); got != types.StateNormal {
		t.Errorf("state = %s, want NORMAL", got)
	}
	if _, found, _ := e.book.Get(context.Background(), "u1", niftyFutKey); !found {
		t.Error("position liquidated under normal margins")
	}
}

func TestUnderwaterAccountMarkedStressed(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	e.openShortFuture(t, "u1", 22000)

	// Short 75 @ 22000, mark 32000: unrealized -750,000, equity 250,000.
	// Required margin 12% x 32000 x 75 = 288,000; maintenance 216,000.
	// Below required, above maintenance.
	e.tick(niftyFutKey, 32000)
	e.mgr.CheckOnce(context.Background())

	if got := e.state(t, "u1"); got != types.StateMarginStressed {
		t.Errorf("state = %s, want MARGIN_STRESSED", got)
	}
	if _, found, _ := e.book.Get(context.Background(), "u1", niftyFutKey); !found {
		t.Error("stressed account must not be liquidated")
	}
}

func TestBreachedAccountLiquidated(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()
	e.openShortFuture(t, "u1", 22000)

	// Mark 33000: unrealized -825,000, equity 175,000, maintenance
	// 0.75 x 12% x 33000 x 75 = 222,750. Breached.
	e.tick(niftyFutKey, 33000)
	e.mgr.CheckOnce(ctx)

	if _, found, _ := e.book.Get(ctx, "u1", niftyFutKey); found {
		t.Fatal("position should be force-closed")
	}
	w, err := e.led.GetWallet(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if w.AccountState != types.StateNormal {
		t.Errorf("state = %s, want NORMAL after liquidation", w.AccountState)
	}
	// 1,000,000 seed - 825,000 realized loss, all margin released.
	if !w.Balance.Equal(decimal.NewFromInt(175_000)) {
		t.Errorf("balance = %s, want 175000", w.Balance)
	}
	if !w.BlockedBalance.IsZero() {
		t.Errorf("blocked = %s, want 0", w.BlockedBalance)
	}
}

func TestRecoveryClearsLiquidatingState(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()
	e.openShortFuture(t, "u1", 22000)

	// Simulate a crash that left the account flagged mid-liquidation.
	if err := e.led.SetAccountState(ctx, "u1", types.StateLiquidating); err != nil {
		t.Fatal(err)
	}

	e.tick(niftyFutKey, 22000)
	e.mgr.CheckOnce(ctx)

	if got := e.state(t, "u1"); got != types.StateNormal {
		t.Errorf("state = %s, want NORMAL after recovery sweep", got)
	}
}

func TestPickTargetPriority(t *testing.T) {
	t.Parallel()

	h := func(key string, margin, unrealized, notional int64) holding {
		return holding{
			pos:        types.Position{InstrumentKey: key},
			margin:     decimal.NewFromInt(margin),
			unrealized: decimal.NewFromInt(unrealized),
			notional:   decimal.NewFromInt(notional),
		}
	}

	cases := []struct {
		name     string
		holdings []holding
		want     string
	}{
		{
			"highest margin usage first",
			[]holding{h("a", 100, -50, 1000), h("b", 300, 0, 500), h("c", 200, -90, 2000)},
			"b",
		},
		{
			"margin tie broken by deeper loss",
			[]holding{h("a", 100, -50, 1000), h("b", 100, -200, 500)},
			"b",
		},
		{
			"loss tie broken by notional",
			[]holding{h("a", 100, -50, 1000), h("b", 100, -50, 3000)},
			"b",
		},
		{
			"full tie broken by key",
			[]holding{h("b", 100, -50, 1000), h("a", 100, -50, 1000)},
			"a",
		},
	}
	for _, tc := range cases {
		got := pickTarget(tc.holdings)
		if got.pos.InstrumentKey != tc.want {
			t.Errorf("%s: picked %s, want %s", tc.name, got.pos.InstrumentKey, tc.want)
		}
	}
}

func TestSnapshotBreached(t *testing.T) {
	t.Parallel()

	s := Snapshot{
		Equity:            decimal.NewFromInt(100),
		RequiredMargin:    decimal.NewFromInt(200),
		MaintenanceMargin: decimal.NewFromInt(150),
	}
	if !s.Breached() {
		t.Error("equity below maintenance must breach")
	}

	s.Equity = decimal.NewFromInt(160)
	if s.Breached() {
		t.Error("equity above maintenance must not breach")
	}

	// No margin requirement means nothing to liquidate.
	s = Snapshot{Equity: decimal.NewFromInt(-10)}
	if s.Breached() {
		t.Error("flat account cannot breach")
	}
}
