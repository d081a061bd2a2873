// Package instruments stores the instrument master and keeps it synced
// from the broker's daily dump.
//
// The sync refuses to apply a dump smaller than the configured safety
// count: a truncated download must never deactivate the whole universe.
package instruments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/store"
	"papertrade/pkg/types"
)

// ErrNotFound means no instrument exists for the key.
var ErrNotFound = errors.New("instrument not found")

// ErrSafetyCount means the dump was suspiciously small and was not applied.
var ErrSafetyCount = errors.New("instrument dump below safety count")

// Fetcher pulls the full instrument master from the broker.
type Fetcher interface {
	GetInstruments(ctx context.Context) ([]types.Instrument, error)
}

// Repo is the instrument store.
type Repo struct {
	st     *store.Store
	logger *slog.Logger
}

// New creates the repo.
func New(st *store.Store, logger *slog.Logger) *Repo {
	return &Repo{st: st, logger: logger.With("component", "instruments")}
}

// Get loads one instrument by canonical key.
func (r *Repo) Get(ctx context.Context, key string) (types.Instrument, error) {
	row := r.st.DB().QueryRowContext(ctx, `
		SELECT instrument_key, trading_symbol, name, underlying, expiry, strike,
		       option_type, lot_size, tick_size, instrument_type, segment, is_active
		FROM instruments WHERE instrument_key = ?`, key)

	var inst types.Instrument
	var expiry sql.NullTime
	var strike, tick string
	var active int
	err := row.Scan(&inst.InstrumentKey, &inst.TradingSymbol, &inst.Name,
		&inst.Underlying, &expiry, &strike, &inst.OptionType, &inst.LotSize,
		&tick, &inst.InstrumentType, &inst.Segment, &active)
	if err == sql.ErrNoRows {
		return inst, ErrNotFound
	}
	if err != nil {
		return inst, fmt.Errorf("load instrument %s: %w", key, err)
	}

	if expiry.Valid {
		t := expiry.Time
		inst.Expiry = &t
	}
	if inst.Strike, err = decimal.NewFromString(strike); err != nil {
		return inst, fmt.Errorf("parse strike: %w", err)
	}
	if inst.TickSize, err = decimal.NewFromString(tick); err != nil {
		return inst, fmt.Errorf("parse tick size: %w", err)
	}
	inst.IsActive = active == 1
	return inst, nil
}

// Count returns the number of active instruments.
func (r *Repo) Count(ctx context.Context) (int, error) {
	var n int
	err := r.st.DB().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM instruments WHERE is_active = 1`).Scan(&n)
	return n, err
}

// Upsert writes instruments in the caller's transaction.
func (r *Repo) Upsert(ctx context.Context, tx *sql.Tx, list []types.Instrument) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO instruments
			(instrument_key, trading_symbol, name, underlying, expiry, strike,
			 option_type, lot_size, tick_size, instrument_type, segment, is_active, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT(instrument_key) DO UPDATE SET
			trading_symbol = excluded.trading_symbol,
			name = excluded.name,
			underlying = excluded.underlying,
			expiry = excluded.expiry,
			strike = excluded.strike,
			option_type = excluded.option_type,
			lot_size = excluded.lot_size,
			tick_size = excluded.tick_size,
			instrument_type = excluded.instrument_type,
			segment = excluded.segment,
			is_active = 1,
			updated_at = CURRENT_TIMESTAMP`)
	if err != nil {
		return fmt.Errorf("prepare upsert: %w", err)
	}
	defer stmt.Close()

	for _, inst := range list {
		var expiry interface{}
		if inst.Expiry != nil {
			expiry = *inst.Expiry
		}
		if _, err := stmt.ExecContext(ctx,
			inst.InstrumentKey, inst.TradingSymbol, inst.Name, inst.Underlying,
			expiry, inst.Strike.String(), string(inst.OptionType), inst.LotSize,
			inst.TickSize.String(), string(inst.InstrumentType), inst.Segment); err != nil {
			return fmt.Errorf("upsert %s: %w", inst.InstrumentKey, err)
		}
	}
	return nil
}

// Sync replaces the active universe with the broker dump. Instruments
// absent from the dump are deactivated, not deleted, so historical orders
// keep resolving.
func (r *Repo) Sync(ctx context.Context, fetcher Fetcher, minSafetyCount int) error {
	start := time.Now()
	list, err := fetcher.GetInstruments(ctx)
	if err != nil {
		return fmt.Errorf("fetch instrument dump: %w", err)
	}
	if len(list) < minSafetyCount {
		r.logger.Error("instrument dump rejected",
			"rows", len(list), "min_safety_count", minSafetyCount)
		return fmt.Errorf("%w: got %d rows, need %d", ErrSafetyCount, len(list), minSafetyCount)
	}

	err = r.st.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE instruments SET is_active = 0`); err != nil {
			return fmt.Errorf("deactivate universe: %w", err)
		}
		return r.Upsert(ctx, tx, list)
	})
	if err != nil {
		return err
	}

	r.logger.Info("instrument master synced",
		"rows", len(list), "took", time.Since(start).Round(time.Millisecond))
	return nil
}

// RunDailySync re-syncs on the given cadence until ctx is cancelled.
func (r *Repo) RunDailySync(ctx context.Context, fetcher Fetcher, minSafetyCount int, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Sync(ctx, fetcher, minSafetyCount); err != nil {
				r.logger.Error("scheduled instrument sync failed", "error", err)
			}
		}
	}
}
