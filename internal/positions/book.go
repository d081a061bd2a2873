// Package positions maintains per-(user, instrument) holdings under
// weighted-average accounting.
//
// Quantity is signed: positive long, negative short. Increasing a position
// re-weights the average price; reducing one realizes P&L against the
// average and leaves it untouched; crossing through zero realizes the whole
// old side and opens the remainder at the fill price. A flat position has
// no row.
package positions

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"papertrade/internal/store"
	"papertrade/pkg/types"
)

// Book is the position store.
type Book struct {
	st     *store.Store
	logger *slog.Logger
}

// New creates the book.
func New(st *store.Store, logger *slog.Logger) *Book {
	return &Book{st: st, logger: logger.With("component", "positions")}
}

// ApplyFill folds one fill into the position inside the caller's
// transaction. Returns the resulting position (Quantity 0 when closed) and
// the P&L realized by this fill (zero when only increasing).
func (b *Book) ApplyFill(ctx context.Context, tx *sql.Tx, userID, instrumentKey string, side types.Side, qty int64, price decimal.Decimal) (types.Position, decimal.Decimal, error) {
	if qty <= 0 {
		return types.Position{}, decimal.Zero, fmt.Errorf("fill quantity must be positive, got %d", qty)
	}
	delta := qty
	if side == types.SELL {
		delta = -qty
	}

	pos, found, err := getTx(ctx, tx, userID, instrumentKey)
	if err != nil {
		return types.Position{}, decimal.Zero, err
	}
	if !found {
		pos = types.Position{
			UserID:        userID,
			InstrumentKey: instrumentKey,
			Quantity:      delta,
			AveragePrice:  price.Round(2),
		}
		return pos, decimal.Zero, upsertTx(ctx, tx, pos)
	}

	realized := decimal.Zero
	oldQty := pos.Quantity
	newQty := oldQty + delta

	sameDirection := (oldQty > 0) == (delta > 0)
	switch {
	case sameDirection:
		// Re-weight the average over the combined size.
		oldAbs := decimal.NewFromInt(abs(oldQty))
		addAbs := decimal.NewFromInt(qty)
		total := oldAbs.Add(addAbs)
		pos.AveragePrice = pos.AveragePrice.Mul(oldAbs).
			Add(price.Mul(addAbs)).
			Div(total).Round(2)
		pos.Quantity = newQty

	case abs(delta) <= abs(oldQty):
		// Pure reduction: realize against the average, keep it.
		closed := decimal.NewFromInt(int64(min(abs(delta), abs(oldQty))))
		realized = pnlPerUnit(pos.AveragePrice, price, oldQty).Mul(closed).Round(2)
		pos.Quantity = newQty
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)

	default:
		// Reversal: close the whole old side, open the rest at the fill.
		closed := decimal.NewFromInt(abs(oldQty))
		realized = pnlPerUnit(pos.AveragePrice, price, oldQty).Mul(closed).Round(2)
		pos.Quantity = newQty
		pos.AveragePrice = price.Round(2)
		pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	}

	if pos.Quantity == 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM positions WHERE user_id = ? AND instrument_key = ?`,
			userID, instrumentKey); err != nil {
			return types.Position{}, decimal.Zero, fmt.Errorf("delete flat position: %w", err)
		}
		return pos, realized, nil
	}
	return pos, realized, upsertTx(ctx, tx, pos)
}

// pnlPerUnit is the per-unit gain when reducing a position held at avg by
// trading at price. Longs gain when price > avg, shorts when price < avg.
func pnlPerUnit(avg, price decimal.Decimal, heldQty int64) decimal.Decimal {
	if heldQty > 0 {
		return price.Sub(avg)
	}
	return avg.Sub(price)
}

// Get returns the position, with found=false when flat.
func (b *Book) Get(ctx context.Context, userID, instrumentKey string) (types.Position, bool, error) {
	var pos types.Position
	var found bool
	err := b.st.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		pos, found, err = getTx(ctx, tx, userID, instrumentKey)
		return err
	})
	return pos, found, err
}

// SetMarginTx records the blocked balance backing the position. No-op when
// the position row is gone (closed in the same transaction).
func (b *Book) SetMarginTx(ctx context.Context, tx *sql.Tx, userID, instrumentKey string, margin decimal.Decimal) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE positions SET margin_blocked = ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ? AND instrument_key = ?`,
		margin.StringFixed(2), userID, instrumentKey)
	if err != nil {
		return fmt.Errorf("set position margin: %w", err)
	}
	return nil
}

// ListByUser returns all open positions for one user.
func (b *Book) ListByUser(ctx context.Context, userID string) ([]types.Position, error) {
	return b.list(ctx, `SELECT user_id, instrument_key, quantity, average_price, realized_pnl, margin_blocked
		FROM positions WHERE user_id = ? ORDER BY instrument_key`, userID)
}

// ListAll returns every open position. The liquidation engine walks this.
func (b *Book) ListAll(ctx context.Context) ([]types.Position, error) {
	return b.list(ctx, `SELECT user_id, instrument_key, quantity, average_price, realized_pnl, margin_blocked
		FROM positions ORDER BY user_id, instrument_key`)
}

func (b *Book) list(ctx context.Context, query string, args ...interface{}) ([]types.Position, error) {
	rows, err := b.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pos)
	}
	return out, rows.Err()
}

func getTx(ctx context.Context, tx *sql.Tx, userID, instrumentKey string) (types.Position, bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT user_id, instrument_key, quantity, average_price, realized_pnl, margin_blocked
		FROM positions WHERE user_id = ? AND instrument_key = ?`, userID, instrumentKey)
	pos, err := scanPosition(row)
	if err == sql.ErrNoRows {
		return types.Position{}, false, nil
	}
	if err != nil {
		return types.Position{}, false, err
	}
	return pos, true, nil
}

func upsertTx(ctx context.Context, tx *sql.Tx, pos types.Position) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO positions (user_id, instrument_key, quantity, average_price, realized_pnl, margin_blocked)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, instrument_key) DO UPDATE SET
			quantity = excluded.quantity,
			average_price = excluded.average_price,
			realized_pnl = excluded.realized_pnl,
			margin_blocked = excluded.margin_blocked,
			updated_at = CURRENT_TIMESTAMP`,
		pos.UserID, pos.InstrumentKey, pos.Quantity,
		pos.AveragePrice.StringFixed(2), pos.RealizedPnL.StringFixed(2),
		pos.MarginBlocked.StringFixed(2))
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (types.Position, error) {
	var pos types.Position
	var avg, realized, margin string
	if err := row.Scan(&pos.UserID, &pos.InstrumentKey, &pos.Quantity, &avg, &realized, &margin); err != nil {
		return pos, err
	}
	var err error
	if pos.AveragePrice, err = decimal.NewFromString(avg); err != nil {
		return pos, fmt.Errorf("parse average price: %w", err)
	}
	if pos.RealizedPnL, err = decimal.NewFromString(realized); err != nil {
		return pos, fmt.Errorf("parse realized pnl: %w", err)
	}
	if pos.MarginBlocked, err = decimal.NewFromString(margin); err != nil {
		return pos, fmt.Errorf("parse position margin: %w", err)
	}
	return pos, nil
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
