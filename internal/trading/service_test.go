package trading

import (
	"context"
	"database/sql"
	"errors"
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
	"papertrade/pkg/types"
)

const (
	relianceKey = "NSE_EQ|INE002A01018"
	niftyFutKey = "NSE_FO|53001"
	niftyPEKey  = "NSE_FO|53002"
)

type env struct {
	svc   *Service
	st    *store.Store
	wal   *journal.Journal
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
	seed := []types.Instrument{
		{
			InstrumentKey: relianceKey, TradingSymbol: "RELIANCE", LotSize: 1,
			TickSize: decimal.NewFromFloat(0.05), InstrumentType: types.InstrumentEquity,
			Segment: "NSE_EQ",
		},
		{
			InstrumentKey: niftyFutKey, TradingSymbol: "NIFTY26SEPFUT", Underlying: "NIFTY",
			Expiry: &expiry, LotSize: 75, TickSize: decimal.NewFromFloat(0.05),
			InstrumentType: types.InstrumentFuture, Segment: "NSE_FO",
		},
		{
			InstrumentKey: niftyPEKey, TradingSymbol: "NIFTY26SEP24000PE", Underlying: "NIFTY",
			Expiry: &expiry, Strike: decimal.NewFromInt(24000), OptionType: types.OptionPut,
			LotSize: 75, TickSize: decimal.NewFromFloat(0.05),
			InstrumentType: types.InstrumentOption, Segment: "NSE_FO",
		},
	}
	err = st.WithTx(context.Background(), func(tx *sql.Tx) error {
		return repo.Upsert(context.Background(), tx, seed)
	})
	if err != nil {
		t.Fatal(err)
	}

	cfg := config.TradingConfig{
		ExecInterval:    500 * time.Millisecond,
		StalePriceAfter: 8 * time.Second,
		DedupeWindow:    2 * time.Second,
		DefaultCurrency: "INR",
	}
	risk := config.RiskConfig{
		MaxSteps:       32,
		IndexMarginPct: 0.12,
		StockMarginPct: 0.18,
		MaintenancePct: 0.75,
	}

	svc := NewService(st, wal, led, book, repo, tracker, cfg, risk, logger)
	return &env{svc: svc, st: st, wal: wal, led: led, book: book, marks: tracker}
}

func (e *env) tick(key string, price float64) {
	e.marks.OnTick(types.NormalizedTick{InstrumentKey: key, Price: price, Timestamp: time.Now().Unix()})
}

func (e *env) balance(t *testing.T, user string) (balance, blocked decimal.Decimal) {
	t.Helper()
	w, err := e.led.GetWallet(context.Background(), user)
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	return w.Balance, w.BlockedBalance
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestMarketBuyPlacesAndBlocksMargin(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()
	e.tick(relianceKey, 2500)

	order, err := e.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "u1", Symbol: "NSE_EQ:INE002A01018", Side: types.BUY,
		Quantity: 10, OrderType: types.OrderTypeMarket,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if order.Status != types.OrderOpen {
		t.Errorf("status = %s", order.Status)
	}
	if !order.MarginBlocked.Equal(d("25000")) {
		t.Errorf("margin = %s, want 25000", order.MarginBlocked)
	}

	balance, blocked := e.balance(t, "u1")
	if !balance.Equal(d("975000")) || !blocked.Equal(d("25000")) {
		t.Errorf("wallet = %s / %s", balance, blocked)
	}
}

func TestDuplicatePlacementReturnsOriginal(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()
	e.tick(relianceKey, 2500)

	req := PlaceOrderRequest{
		UserID: "u1", Symbol: relianceKey, Side: types.BUY,
		Quantity: 10, OrderType: types.OrderTypeMarket,
		IdempotencyKey: "client-key-1",
	}
	first, err := e.svc.PlaceOrder(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := e.svc.PlaceOrder(ctx, req)
	if !errors.Is(err, ErrDuplicateOrder) {
		t.Fatalf("err = %v, want ErrDuplicateOrder", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate returned order %s, want %s", second.ID, first.ID)
	}

	// Margin must be blocked exactly once.
	_, blocked := e.balance(t, "u1")
	if !blocked.Equal(d("25000")) {
		t.Errorf("blocked = %s, want 25000", blocked)
	}
}

func TestPretradeRejections(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()
	e.tick(relianceKey, 2500)
	e.tick(niftyFutKey, 24000)

	expired := time.Now().Add(-24 * time.Hour)
	err := e.st.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`UPDATE instruments SET expiry = ? WHERE instrument_key = ?`,
			expired, niftyPEKey)
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name   string
		req    PlaceOrderRequest
		reason string
	}{
		{
			"unknown instrument",
			PlaceOrderRequest{UserID: "u1", Symbol: "NSE_EQ|NOPE", Side: types.BUY, Quantity: 1, OrderType: types.OrderTypeMarket},
			ReasonUnknownInstrument,
		},
		{
			"expired instrument",
			PlaceOrderRequest{UserID: "u1", Symbol: niftyPEKey, Side: types.BUY, Quantity: 75, OrderType: types.OrderTypeLimit, LimitPrice: d("100")},
			ReasonExpiredInstrument,
		},
		{
			"lot size",
			PlaceOrderRequest{UserID: "u1", Symbol: niftyFutKey, Side: types.BUY, Quantity: 50, OrderType: types.OrderTypeMarket},
			ReasonInvalidLotSize,
		},
		{
			"insufficient funds",
			PlaceOrderRequest{UserID: "u1", Symbol: relianceKey, Side: types.BUY, Quantity: 1000, OrderType: types.OrderTypeMarket},
			ReasonInsufficientFunds,
		},
		{
			"equity short",
			PlaceOrderRequest{UserID: "u1", Symbol: relianceKey, Side: types.SELL, Quantity: 5, OrderType: types.OrderTypeMarket},
			ReasonPartialExitNotAllowed,
		},
		{
			"zero quantity",
			PlaceOrderRequest{UserID: "u1", Symbol: relianceKey, Side: types.BUY, Quantity: 0, OrderType: types.OrderTypeMarket},
			ReasonInvalidOrder,
		},
	}
	for _, tc := range cases {
		_, err := e.svc.PlaceOrder(ctx, tc.req)
		var rej *RejectionError
		if !errors.As(err, &rej) {
			t.Errorf("%s: err = %v, want rejection", tc.name, err)
			continue
		}
		if rej.Reason != tc.reason {
			t.Errorf("%s: reason = %s, want %s", tc.name, rej.Reason, tc.reason)
		}
	}
}

func TestMarketOrderRejectedOnStalePrice(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)

	_, err := e.svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: "u1", Symbol: relianceKey, Side: types.BUY,
		Quantity: 1, OrderType: types.OrderTypeMarket,
	})
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Reason != ReasonStalePrice {
		t.Fatalf("err = %v, want STALE_PRICE", err)
	}
}

func TestMarketBuyFillsAndSettles(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()
	e.tick(relianceKey, 2500)

	order, err := e.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "u1", Symbol: relianceKey, Side: types.BUY,
		Quantity: 10, OrderType: types.OrderTypeMarket,
	})
	if err != nil {
		t.Fatal(err)
	}

	e.svc.ExecuteOnce(ctx)

	got, err := e.svc.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.OrderFilled {
		t.Fatalf("status = %s, want FILLED", got.Status)
	}

	pos, found, err := e.book.Get(ctx, "u1", relianceKey)
	if err != nil || !found {
		t.Fatalf("position missing (%v)", err)
	}
	if pos.Quantity != 10 || !pos.AveragePrice.Equal(d("2500")) {
		t.Errorf("position = %+v", pos)
	}

	balance, blocked := e.balance(t, "u1")
	if !balance.Equal(d("975000")) || !blocked.IsZero() {
		t.Errorf("wallet = %s / %s, want 975000 / 0", balance, blocked)
	}
}

func TestLimitOrderWaitsForCross(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()
	e.tick(relianceKey, 2500)

	order, err := e.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "u1", Symbol: relianceKey, Side: types.BUY,
		Quantity: 10, OrderType: types.OrderTypeLimit, LimitPrice: d("2400"),
	})
	if err != nil {
		t.Fatal(err)
	}

	e.svc.ExecuteOnce(ctx)
	if got, _ := e.svc.GetOrder(ctx, order.ID); got.Status != types.OrderOpen {
		t.Fatalf("filled above limit: %s", got.Status)
	}

	e.tick(relianceKey, 2395)
	e.svc.ExecuteOnce(ctx)
	got, _ := e.svc.GetOrder(ctx, order.ID)
	if got.Status != types.OrderFilled {
		t.Fatalf("status = %s after cross", got.Status)
	}

	// Filled at the live price (2395), blocked at the limit basis (24000):
	// the difference returns to cash.
	pos, _, _ := e.book.Get(ctx, "u1", relianceKey)
	if !pos.AveragePrice.Equal(d("2395")) {
		t.Errorf("avg = %s, want 2395", pos.AveragePrice)
	}
	balance, blocked := e.balance(t, "u1")
	if !blocked.IsZero() || !balance.Equal(d("976050")) {
		t.Errorf("wallet = %s / %s, want 976050 / 0", balance, blocked)
	}
}

func TestSellExitRealizesProfit(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()
	e.tick(relianceKey, 2500)

	if _, err := e.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "u1", Symbol: relianceKey, Side: types.BUY,
		Quantity: 10, OrderType: types.OrderTypeMarket,
	}); err != nil {
		t.Fatal(err)
	}
	e.svc.ExecuteOnce(ctx)

	e.tick(relianceKey, 2600)
	if _, err := e.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "u1", Symbol: relianceKey, Side: types.SELL,
		Quantity: 10, OrderType: types.OrderTypeMarket,
	}); err != nil {
		t.Fatal(err)
	}
	e.svc.ExecuteOnce(ctx)

	if _, found, _ := e.book.Get(ctx, "u1", relianceKey); found {
		t.Error("position should be flat")
	}
	balance, blocked := e.balance(t, "u1")
	if !balance.Equal(d("1001000")) || !blocked.IsZero() {
		t.Errorf("wallet = %s / %s, want 1001000 / 0", balance, blocked)
	}
}

func TestFutureMarginLifecycle(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()
	e.tick(niftyFutKey, 24000)

	// 75 @ 24000 notional 1,800,000; index margin 12% = 216,000.
	if _, err := e.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "u1", Symbol: niftyFutKey, Side: types.BUY,
		Quantity: 75, OrderType: types.OrderTypeMarket,
	}); err != nil {
		t.Fatal(err)
	}
	e.svc.ExecuteOnce(ctx)

	balance, blocked := e.balance(t, "u1")
	if !blocked.Equal(d("216000")) {
		t.Fatalf("blocked = %s, want 216000 (stays blocked while open)", blocked)
	}
	if !balance.Equal(d("784000")) {
		t.Errorf("balance = %s, want 784000", balance)
	}

	// Close at 24100: +100 x 75 = 7500 realized, margin released.
	e.tick(niftyFutKey, 24100)
	if _, err := e.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "u1", Symbol: niftyFutKey, Side: types.SELL,
		Quantity: 75, OrderType: types.OrderTypeMarket,
	}); err != nil {
		t.Fatal(err)
	}
	e.svc.ExecuteOnce(ctx)

	balance, blocked = e.balance(t, "u1")
	if !blocked.IsZero() {
		t.Errorf("blocked = %s after close", blocked)
	}
	if !balance.Equal(d("1007500")) {
		t.Errorf("balance = %s, want 1007500", balance)
	}
}

func TestExitMustCloseWholePosition(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()
	e.tick(relianceKey, 2500)

	if _, err := e.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "u1", Symbol: relianceKey, Side: types.BUY,
		Quantity: 10, OrderType: types.OrderTypeMarket,
	}); err != nil {
		t.Fatal(err)
	}
	e.svc.ExecuteOnce(ctx)

	// Selling less than the whole position is rejected outright.
	_, err := e.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "u1", Symbol: relianceKey, Side: types.SELL,
		Quantity: 5, OrderType: types.OrderTypeMarket,
	})
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Reason != ReasonPartialExitNotAllowed {
		t.Fatalf("partial sell err = %v, want PARTIAL_EXIT_NOT_ALLOWED", err)
	}

	// The full exit goes through.
	if _, err := e.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "u1", Symbol: relianceKey, Side: types.SELL,
		Quantity: 10, OrderType: types.OrderTypeMarket,
	}); err != nil {
		t.Fatalf("full exit rejected: %v", err)
	}
	e.svc.ExecuteOnce(ctx)
	if _, found, _ := e.book.Get(ctx, "u1", relianceKey); found {
		t.Error("position should be flat after full exit")
	}
}

func TestDerivativeReversalAllowedButPartialExitIsNot(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()
	e.tick(niftyFutKey, 24000)

	if _, err := e.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "u1", Symbol: niftyFutKey, Side: types.BUY,
		Quantity: 150, OrderType: types.OrderTypeMarket,
	}); err != nil {
		t.Fatal(err)
	}
	e.svc.ExecuteOnce(ctx)

	// Selling one lot against the two-lot position is a partial exit.
	_, err := e.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "u1", Symbol: niftyFutKey, Side: types.SELL,
		Quantity: 75, OrderType: types.OrderTypeMarket,
	})
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Reason != ReasonPartialExitNotAllowed {
		t.Fatalf("partial sell err = %v, want PARTIAL_EXIT_NOT_ALLOWED", err)
	}

	// Selling past flat closes the whole long and opens a short.
	if _, err := e.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "u1", Symbol: niftyFutKey, Side: types.SELL,
		Quantity: 300, OrderType: types.OrderTypeMarket,
	}); err != nil {
		t.Fatalf("reversal rejected: %v", err)
	}
	e.svc.ExecuteOnce(ctx)

	pos, found, err := e.book.Get(ctx, "u1", niftyFutKey)
	if err != nil || !found {
		t.Fatalf("position missing after reversal (%v)", err)
	}
	if pos.Quantity != -150 {
		t.Errorf("quantity = %d, want -150", pos.Quantity)
	}
	if !pos.MarginBlocked.Equal(d("432000")) {
		t.Errorf("position margin = %s, want 432000", pos.MarginBlocked)
	}
	balance, blocked := e.balance(t, "u1")
	if !balance.Equal(d("568000")) || !blocked.Equal(d("432000")) {
		t.Errorf("wallet = %s / %s, want 568000 / 432000", balance, blocked)
	}
}

func TestMarginReleaseMatchesPlacementBasis(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()
	e.tick(niftyFutKey, 22050)

	// LIMIT BUY 75 @ 22000: margin blocked on the limit basis,
	// 75 x 22000 x 12% = 198,000.
	if _, err := e.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "u1", Symbol: niftyFutKey, Side: types.BUY,
		Quantity: 75, OrderType: types.OrderTypeLimit, LimitPrice: d("22000"),
	}); err != nil {
		t.Fatal(err)
	}

	// Fills below the limit; the average price basis (21900) now differs
	// from the placement basis.
	e.tick(niftyFutKey, 21900)
	e.svc.ExecuteOnce(ctx)

	pos, found, _ := e.book.Get(ctx, "u1", niftyFutKey)
	if !found || !pos.MarginBlocked.Equal(d("198000")) {
		t.Fatalf("position margin = %s, want 198000", pos.MarginBlocked)
	}
	_, blocked := e.balance(t, "u1")
	if !blocked.Equal(d("198000")) {
		t.Fatalf("blocked = %s, want 198000", blocked)
	}

	// The exit releases exactly what was blocked at placement, not a
	// figure recomputed at the average price.
	e.tick(niftyFutKey, 22000)
	if _, err := e.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "u1", Symbol: niftyFutKey, Side: types.SELL,
		Quantity: 75, OrderType: types.OrderTypeMarket,
	}); err != nil {
		t.Fatal(err)
	}
	e.svc.ExecuteOnce(ctx)

	balance, blocked := e.balance(t, "u1")
	if !blocked.IsZero() {
		t.Errorf("blocked = %s after close, want 0", blocked)
	}
	if !balance.Equal(d("1007500")) {
		t.Errorf("balance = %s, want 1007500", balance)
	}
}

func TestInactiveInstrumentRejected(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()
	e.tick(relianceKey, 2500)

	if _, err := e.st.DB().Exec(
		`UPDATE instruments SET is_active = 0 WHERE instrument_key = ?`, relianceKey); err != nil {
		t.Fatal(err)
	}

	_, err := e.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "u1", Symbol: relianceKey, Side: types.BUY,
		Quantity: 1, OrderType: types.OrderTypeMarket,
	})
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Reason != ReasonExpiredInstrument {
		t.Fatalf("err = %v, want EXPIRED_INSTRUMENT", err)
	}
}

func TestCancelReleasesMargin(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()
	e.tick(relianceKey, 2500)

	order, err := e.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "u1", Symbol: relianceKey, Side: types.BUY,
		Quantity: 10, OrderType: types.OrderTypeLimit, LimitPrice: d("2000"),
	})
	if err != nil {
		t.Fatal(err)
	}

	cancelled, err := e.svc.CancelOrder(ctx, "u1", order.ID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Status != types.OrderCancelled {
		t.Errorf("status = %s", cancelled.Status)
	}
	balance, blocked := e.balance(t, "u1")
	if !balance.Equal(d("1000000")) || !blocked.IsZero() {
		t.Errorf("wallet = %s / %s", balance, blocked)
	}
}

func TestHaltBlocksPlacementAndExecution(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()
	e.tick(relianceKey, 2500)

	order, err := e.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "u1", Symbol: relianceKey, Side: types.BUY,
		Quantity: 10, OrderType: types.OrderTypeMarket,
	})
	if err != nil {
		t.Fatal(err)
	}

	// Tamper with a PREPARED entry: recovery detects the checksum mismatch
	// and halts trading.
	stuck, err := e.wal.Prepare(ctx, journal.OpTradeExecution, "exec:stuck", map[string]interface{}{
		"referenceId": order.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.st.DB().Exec(
		`UPDATE write_ahead_journal SET payload = '{"tampered":true}' WHERE journal_id = ?`,
		stuck.JournalID); err != nil {
		t.Fatal(err)
	}
	if err := e.wal.Recover(ctx, NewProber(e.svc)); !errors.Is(err, journal.ErrCorrupted) {
		t.Fatalf("Recover err = %v, want ErrCorrupted", err)
	}
	if halted, _ := e.wal.Halted(); !halted {
		t.Fatal("journal not halted after corruption")
	}

	if _, err := e.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "u1", Symbol: relianceKey, Side: types.BUY,
		Quantity: 1, OrderType: types.OrderTypeMarket,
	}); err == nil {
		t.Error("placement allowed while halted")
	}

	e.svc.ExecuteOnce(ctx)
	if got, _ := e.svc.GetOrder(ctx, order.ID); got.Status != types.OrderOpen {
		t.Errorf("executor ran while halted: %s", got.Status)
	}
}

func TestRecoveryProber(t *testing.T) {
	t.Parallel()
	e := newTestEnv(t)
	ctx := context.Background()
	e.tick(relianceKey, 2500)

	order, err := e.svc.PlaceOrder(ctx, PlaceOrderRequest{
		UserID: "u1", Symbol: relianceKey, Side: types.BUY,
		Quantity: 10, OrderType: types.OrderTypeMarket,
	})
	if err != nil {
		t.Fatal(err)
	}

	prober := NewProber(e.svc)

	// Placed but never filled: no trades, so the operation is incomplete.
	done, seqs, err := prober.Completed(ctx, journal.OpTradeExecution,
		map[string]interface{}{"referenceId": order.ID})
	if err != nil || done || seqs != nil {
		t.Errorf("unfilled trade = %v, %v, %v", done, seqs, err)
	}

	e.svc.ExecuteOnce(ctx)

	// After the fill, the trade and its ledger trail both resolve.
	done, seqs, err = prober.Completed(ctx, journal.OpTradeExecution,
		map[string]interface{}{"referenceId": order.ID})
	if err != nil || !done {
		t.Fatalf("filled trade = %v, %v", done, err)
	}
	if len(seqs) == 0 {
		t.Error("filled trade returned no ledger sequences")
	}

	// Pure ledger operations resolve by their reference directly.
	done, seqs, err = prober.Completed(ctx, journal.OpLedgerEntry,
		map[string]interface{}{"referenceId": order.ID})
	if err != nil || !done || len(seqs) == 0 {
		t.Errorf("ledger op = %v, %v, %v", done, seqs, err)
	}

	// An unknown reference is incomplete, not unresolvable.
	done, _, err = prober.Completed(ctx, journal.OpTradeExecution,
		map[string]interface{}{"referenceId": "ghost"})
	if err != nil || done {
		t.Errorf("ghost reference = %v, %v", done, err)
	}

	if _, _, err = prober.Completed(ctx, journal.OpTradeExecution,
		map[string]interface{}{}); !errors.Is(err, journal.ErrSequenceMissing) {
		t.Errorf("missing reference err = %v, want ErrSequenceMissing", err)
	}
	if _, _, err = prober.Completed(ctx, "UNKNOWN_OP",
		map[string]interface{}{"referenceId": order.ID}); !errors.Is(err, journal.ErrSequenceMissing) {
		t.Errorf("unknown op err = %v, want ErrSequenceMissing", err)
	}
}
