// Package risk is the liquidation engine.
//
// The manager sweeps every wallet on a fixed cadence, marks open positions
// to the freshest price, and compares account equity against the margin
// the positions require. Equity at or below the maintenance line moves the
// account to LIQUIDATING and force-closes positions one at a time, worst
// offender first, until the account is healthy again or the step budget
// runs out. Account state transitions happen nowhere else in the system.
package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/config"
	"papertrade/internal/instruments"
	"papertrade/internal/ledger"
	"papertrade/internal/marks"
	"papertrade/internal/metrics"
	"papertrade/internal/positions"
	"papertrade/internal/symbols"
	"papertrade/internal/trading"
	"papertrade/pkg/types"
)

// Snapshot is one user's mark-to-market risk picture.
type Snapshot struct {
	UserID            string
	Equity            decimal.Decimal
	RequiredMargin    decimal.Decimal
	MaintenanceMargin decimal.Decimal
	UnrealizedPnL     decimal.Decimal
}

// Breached reports whether the account must be liquidated.
func (s Snapshot) Breached() bool {
	return s.RequiredMargin.IsPositive() && s.Equity.LessThanOrEqual(s.MaintenanceMargin)
}

// holding is one open position with its marks and margin usage.
type holding struct {
	pos        types.Position
	inst       types.Instrument
	mark       decimal.Decimal
	margin     decimal.Decimal // ongoing requirement at the current mark
	unrealized decimal.Decimal
	notional   decimal.Decimal
}

// Manager runs the margin sweep and forced-close loop.
type Manager struct {
	cfg    config.RiskConfig
	svc    *trading.Service
	led    *ledger.Ledger
	book   *positions.Book
	repo   *instruments.Repo
	marks  *marks.Tracker
	logger *slog.Logger

	now func() time.Time // test hook
}

// NewManager wires the liquidation engine.
func NewManager(cfg config.RiskConfig, svc *trading.Service, led *ledger.Ledger,
	book *positions.Book, repo *instruments.Repo, mk *marks.Tracker, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		svc:    svc,
		led:    led,
		book:   book,
		repo:   repo,
		marks:  mk,
		logger: logger.With("component", "risk"),
		now:    time.Now,
	}
}

// Run sweeps on CheckInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckOnce(ctx)
		}
	}
}

// CheckOnce evaluates every wallet and liquidates the breached ones.
func (m *Manager) CheckOnce(ctx context.Context) {
	wallets, err := m.led.ListWallets(ctx)
	if err != nil {
		m.logger.Error("risk sweep failed", "error", err)
		return
	}
	for _, w := range wallets {
		m.checkUser(ctx, w)
	}
}

func (m *Manager) checkUser(ctx context.Context, w types.Wallet) {
	snap, holdings, err := m.evaluate(ctx, w)
	if err != nil {
		m.logger.Error("risk evaluation failed", "user", w.UserID, "error", err)
		return
	}

	if snap.Breached() && len(holdings) > 0 {
		m.liquidate(ctx, w.UserID)
		return
	}

	if target := m.stateFor(snap); w.AccountState != target {
		m.logger.Info("account state change",
			"user", w.UserID, "from", w.AccountState, "to", target,
			"equity", snap.Equity.StringFixed(2),
			"required", snap.RequiredMargin.StringFixed(2))
		if err := m.led.SetAccountState(ctx, w.UserID, target); err != nil {
			m.logger.Error("set account state failed", "user", w.UserID, "error", err)
		}
	}
}

// evaluate marks the user's positions and sizes their margin requirement.
// A position with no price at all is marked at its entry price.
func (m *Manager) evaluate(ctx context.Context, w types.Wallet) (Snapshot, []holding, error) {
	open, err := m.book.ListByUser(ctx, w.UserID)
	if err != nil {
		return Snapshot{}, nil, err
	}

	snap := Snapshot{UserID: w.UserID}
	holdings := make([]holding, 0, len(open))
	for _, pos := range open {
		inst, err := m.repo.Get(ctx, pos.InstrumentKey)
		if err != nil {
			return Snapshot{}, nil, fmt.Errorf("instrument %s: %w", pos.InstrumentKey, err)
		}

		mark := pos.AveragePrice
		if price, _, err := m.marks.Price(pos.InstrumentKey); err == nil {
			mark = price
		}

		qty := decimal.NewFromInt(pos.Quantity)
		h := holding{
			pos:        pos,
			inst:       inst,
			mark:       mark,
			unrealized: mark.Sub(pos.AveragePrice).Mul(qty).Round(2),
			notional:   mark.Mul(qty.Abs()).Round(2),
		}
		if trading.MarginSettled(inst, pos.Quantity) {
			side := types.SELL
			if pos.Quantity > 0 {
				side = types.BUY
			}
			h.margin = trading.RequiredMargin(m.cfg, inst, side, absQty(pos.Quantity),
				mark, m.underlyingPrice(inst))
		}

		snap.UnrealizedPnL = snap.UnrealizedPnL.Add(h.unrealized)
		snap.RequiredMargin = snap.RequiredMargin.Add(h.margin)
		holdings = append(holdings, h)
	}

	snap.Equity = w.Balance.Add(w.BlockedBalance).Add(snap.UnrealizedPnL)
	snap.MaintenanceMargin = snap.RequiredMargin.
		Mul(decimal.NewFromFloat(m.cfg.MaintenancePct)).Round(2)
	return snap, holdings, nil
}

// liquidate force-closes positions until the account recovers or the step
// budget is spent. The account stays LIQUIDATING across sweeps if a forced
// order could not fill.
func (m *Manager) liquidate(ctx context.Context, userID string) {
	if err := m.led.SetAccountState(ctx, userID, types.StateLiquidating); err != nil {
		m.logger.Error("set LIQUIDATING failed", "user", userID, "error", err)
		return
	}

	for step := 0; step < m.cfg.MaxSteps; step++ {
		w, err := m.led.GetWallet(ctx, userID)
		if err != nil {
			m.logger.Error("liquidation wallet read failed", "user", userID, "error", err)
			return
		}
		snap, holdings, err := m.evaluate(ctx, w)
		if err != nil {
			m.logger.Error("liquidation evaluation failed", "user", userID, "error", err)
			return
		}
		if !snap.Breached() || len(holdings) == 0 {
			target := m.stateFor(snap)
			m.logger.Info("liquidation complete",
				"user", userID, "steps", step, "state", target,
				"equity", snap.Equity.StringFixed(2))
			if err := m.led.SetAccountState(ctx, userID, target); err != nil {
				m.logger.Error("set account state failed", "user", userID, "error", err)
			}
			return
		}

		target := pickTarget(holdings)
		side := types.SELL
		if target.pos.Quantity < 0 {
			side = types.BUY
		}

		m.logger.Warn("forcing position closed",
			"user", userID, "symbol", target.pos.InstrumentKey, "qty", target.pos.Quantity,
			"equity", snap.Equity.StringFixed(2),
			"maintenance", snap.MaintenanceMargin.StringFixed(2))

		_, err = m.svc.PlaceOrder(ctx, trading.PlaceOrderRequest{
			UserID:         userID,
			Symbol:         target.pos.InstrumentKey,
			Side:           side,
			Quantity:       absQty(target.pos.Quantity),
			OrderType:      types.OrderTypeMarket,
			IdempotencyKey: fmt.Sprintf("liq:%s:%s:%d", userID, target.pos.InstrumentKey, m.now().Unix()),
			Force:          true,
		})
		if err != nil && !errors.Is(err, trading.ErrDuplicateOrder) {
			m.logger.Error("forced order rejected",
				"user", userID, "symbol", target.pos.InstrumentKey, "error", err)
			return
		}
		metrics.LiquidationSteps.Inc()

		m.svc.ExecuteOnce(ctx)

		// No fill means no price to fill against; retry next sweep rather
		// than stacking duplicate orders.
		after, found, err := m.book.Get(ctx, userID, target.pos.InstrumentKey)
		if err == nil && found && after.Quantity == target.pos.Quantity {
			m.logger.Warn("forced order did not fill",
				"user", userID, "symbol", target.pos.InstrumentKey)
			return
		}
	}
	m.logger.Error("liquidation step budget exhausted",
		"user", userID, "max_steps", m.cfg.MaxSteps)
}

// pickTarget orders holdings by margin usage, then unrealized loss, then
// notional, then key, and returns the worst.
func pickTarget(holdings []holding) holding {
	sorted := make([]holding, len(holdings))
	copy(sorted, holdings)
	sort.Slice(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.margin.Equal(b.margin) {
			return a.margin.GreaterThan(b.margin)
		}
		if !a.unrealized.Equal(b.unrealized) {
			return a.unrealized.LessThan(b.unrealized) // bigger loss first
		}
		if !a.notional.Equal(b.notional) {
			return a.notional.GreaterThan(b.notional)
		}
		return a.pos.InstrumentKey < b.pos.InstrumentKey
	})
	return sorted[0]
}

func (m *Manager) stateFor(snap Snapshot) types.AccountState {
	if snap.RequiredMargin.IsPositive() && snap.Equity.LessThan(snap.RequiredMargin) {
		return types.StateMarginStressed
	}
	return types.StateNormal
}

func (m *Manager) underlyingPrice(inst types.Instrument) decimal.Decimal {
	if inst.Underlying == "" {
		return decimal.Zero
	}
	key, err := symbols.ToInstrumentKey(inst.Underlying)
	if err != nil {
		return decimal.Zero
	}
	price, _, err := m.marks.Price(key)
	if err != nil {
		return decimal.Zero
	}
	return price
}

func absQty(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
