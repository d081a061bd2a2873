package trading

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papertrade/internal/journal"
	"papertrade/internal/ledger"
	"papertrade/internal/metrics"
	"papertrade/pkg/types"
)

// RunExecutor scans OPEN orders every ExecInterval and fills the ones
// whose price conditions hold. MARKET orders fill at the live mark; LIMIT
// orders fill at the live mark once it crosses the limit. Nothing fills
// against a stale price, and nothing fills while trading is halted.
func (s *Service) RunExecutor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ExecInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ExecuteOnce(ctx)
		}
	}
}

// ExecuteOnce runs a single execution sweep.
func (s *Service) ExecuteOnce(ctx context.Context) {
	if halted, _ := s.wal.Halted(); halted {
		return
	}

	open, err := s.listOpenOrders(ctx)
	if err != nil {
		s.logger.Error("scan open orders failed", "error", err)
		return
	}

	for _, order := range open {
		price, ok := s.executionPrice(order)
		if !ok {
			continue
		}
		if err := s.fill(ctx, order, price); err != nil {
			s.logger.Error("fill failed",
				"order_id", order.ID, "price", price.StringFixed(2), "error", err)
		}
	}
}

// executionPrice decides whether the order can fill now, and at what price.
func (s *Service) executionPrice(order types.Order) (decimal.Decimal, bool) {
	live, ok := s.marks.LivePrice(order.InstrumentKey)
	if !ok {
		metrics.StalePriceWarnings.Inc()
		return decimal.Zero, false
	}
	if order.OrderType == types.OrderTypeMarket {
		return live, true
	}
	// LIMIT: buy fills at or below the limit, sell at or above.
	if order.Side == types.BUY && live.LessThanOrEqual(order.LimitPrice) {
		return live, true
	}
	if order.Side == types.SELL && live.GreaterThanOrEqual(order.LimitPrice) {
		return live, true
	}
	return decimal.Zero, false
}

// fill executes one order at price: trade row, position update, ledger
// settlement, and the status flip, all in one transaction under the
// journal.
func (s *Service) fill(ctx context.Context, order types.Order, price decimal.Decimal) error {
	entry, err := s.wal.Prepare(ctx, journal.OpTradeExecution, "exec:"+order.ID, map[string]interface{}{
		"referenceId":   order.ID,
		"orderId":       order.ID,
		"userId":        order.UserID,
		"instrumentKey": order.InstrumentKey,
		"quantity":      order.Quantity,
		"price":         price.String(),
	})
	if errors.Is(err, journal.ErrDuplicate) {
		// A previous attempt prepared this execution; recovery owns it.
		return nil
	}
	if err != nil {
		return err
	}

	// Loaded before the transaction: the store runs on one connection, so
	// queries through the bare handle would deadlock against an open tx.
	inst, err := s.repo.Get(ctx, order.InstrumentKey)
	if err != nil {
		s.wal.Abort(ctx, entry.JournalID, err.Error())
		return err
	}
	posBefore, _, err := s.book.Get(ctx, order.UserID, order.InstrumentKey)
	if err != nil {
		s.wal.Abort(ctx, entry.JournalID, err.Error())
		return err
	}

	tradeID := uuid.NewString()
	var realized decimal.Decimal
	var seqs []int64
	err = s.st.WithTx(ctx, func(tx *sql.Tx) error {
		// Flip status first so a concurrent sweep cannot double-fill.
		res, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = 'FILLED', updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'OPEN'`, order.ID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("order %s no longer OPEN", order.ID)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trades (id, order_id, user_id, instrument_key, side, quantity, price)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			tradeID, order.ID, order.UserID, order.InstrumentKey,
			string(order.Side), order.Quantity, price.StringFixed(2)); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}

		posAfter, realizedNow, applyErr := s.book.ApplyFill(ctx, tx, order.UserID, order.InstrumentKey,
			order.Side, order.Quantity, price)
		if applyErr != nil {
			return applyErr
		}
		realized = realizedNow

		if posAfter.Quantity != 0 {
			if err := s.book.SetMarginTx(ctx, tx, order.UserID, order.InstrumentKey,
				s.positionMarginAfter(order, inst, posBefore)); err != nil {
				return err
			}
		}

		postings := s.settlementPostings(order, inst, posBefore, price, realized, tradeID)
		if len(postings) > 0 {
			if seqs, err = s.led.Post(ctx, tx, "trade:"+tradeID, postings); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.wal.Abort(ctx, entry.JournalID, err.Error())
		return err
	}

	if err := s.wal.Commit(ctx, entry.JournalID, map[string]interface{}{
		"tradeId":         tradeID,
		"fillPrice":       price.String(),
		"ledgerSequences": seqs,
	}); err != nil {
		return err
	}

	s.logger.Info("order filled",
		"order_id", order.ID, "trade_id", tradeID, "symbol", order.InstrumentKey,
		"side", order.Side, "qty", order.Quantity, "price", price.StringFixed(2),
		"realized", realized.StringFixed(2))
	return nil
}

// positionMarginAfter sizes the blocked balance backing the position once
// the fill lands. Exits release the whole recorded block (exits are always
// full); opening a margin-settled position carries the order's block
// forward, exactly as much as was taken from the wallet at placement.
func (s *Service) positionMarginAfter(order types.Order, inst types.Instrument,
	posBefore types.Position) decimal.Decimal {

	closing := int64(0)
	if oppositeSides(posBefore.Quantity, order.Side) {
		closing = min(order.Quantity, absQty(posBefore.Quantity))
	}
	opening := order.Quantity - closing

	margin := posBefore.MarginBlocked
	if closing > 0 {
		margin = decimal.Zero
	}
	if opening > 0 && MarginSettled(inst, signedQty(order.Side, opening, posBefore.Quantity)) {
		margin = margin.Add(order.MarginBlocked)
	}
	return margin
}

// settlementPostings builds the ledger movements for one fill, closing
// portion first, then the opening portion.
//
// Closing a margin-settled position (futures, short options) releases
// exactly the block recorded on the position — never a recomputed figure —
// and settles only the realized P&L in cash. Closing a cash-settled
// position (equity, long options) receives the sale proceeds. Opening
// margin-settled keeps the order's block as position margin; opening
// cash-settled releases the block and pays the cost. Realized P&L is
// always mirrored into the tracking account.
func (s *Service) settlementPostings(order types.Order, inst types.Instrument,
	posBefore types.Position, price decimal.Decimal, realized decimal.Decimal, tradeID string) []ledger.Posting {

	user := order.UserID

	closing := int64(0)
	if oppositeSides(posBefore.Quantity, order.Side) {
		closing = min(order.Quantity, absQty(posBefore.Quantity))
	}
	opening := order.Quantity - closing

	var postings []ledger.Posting

	if closing > 0 {
		if MarginSettled(inst, posBefore.Quantity) {
			if posBefore.MarginBlocked.IsPositive() {
				postings = append(postings, ledger.UnblockMargin(user, posBefore.MarginBlocked, order.ID))
			}
			if realized.IsPositive() {
				postings = append(postings, ledger.SettleSell(user, realized, tradeID))
			} else if realized.IsNegative() {
				postings = append(postings, ledger.SettleBuy(user, realized.Neg(), tradeID))
			}
		} else {
			// Cash-settled positions are always long; closing sells them.
			proceeds := price.Mul(decimal.NewFromInt(closing)).Round(2)
			postings = append(postings, ledger.SettleSell(user, proceeds, tradeID))
		}
	}

	if opening > 0 && !MarginSettled(inst, signedQty(order.Side, opening, posBefore.Quantity)) {
		if order.MarginBlocked.IsPositive() {
			postings = append(postings, ledger.UnblockMargin(user, order.MarginBlocked, order.ID))
		}
		cost := price.Mul(decimal.NewFromInt(opening)).Round(2)
		postings = append(postings, ledger.SettleBuy(user, cost, tradeID))
	}

	if realized.IsPositive() {
		postings = append(postings, ledger.RealizedProfit(user, realized, tradeID))
	} else if realized.IsNegative() {
		postings = append(postings, ledger.RealizedLoss(user, realized.Neg(), tradeID))
	}
	return postings
}

func (s *Service) listOpenOrders(ctx context.Context) ([]types.Order, error) {
	rows, err := s.st.DB().QueryContext(ctx,
		orderColumns+`WHERE status = 'OPEN' ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// signedQty is the sign the position would carry for the opening portion.
func signedQty(side types.Side, opening, positionQty int64) int64 {
	if opening > 0 {
		if side == types.SELL {
			return -opening
		}
		return opening
	}
	return positionQty
}

// Prober wires the journal's crash recovery to the trading tables. A
// PREPARED trade operation counts as completed when its trades exist and
// ledger entries reference them; a pure ledger operation when entries
// reference it directly. The sequences found ride back into the commit
// metadata.
type Prober struct {
	st interface {
		DB() *sql.DB
	}
}

// NewProber creates the recovery prober.
func NewProber(st *Service) *Prober { return &Prober{st: st.st} }

// Completed implements journal.Prober.
func (p *Prober) Completed(ctx context.Context, op string, payload map[string]interface{}) (bool, []int64, error) {
	ref, _ := payload["referenceId"].(string)
	if ref == "" {
		return false, nil, journal.ErrSequenceMissing
	}

	switch op {
	case journal.OpTradeExecution, journal.OpLiquidation, journal.OpExpirySettlement:
		tradeIDs, err := p.tradeIDs(ctx, ref)
		if err != nil {
			return false, nil, err
		}
		if len(tradeIDs) == 0 {
			return false, nil, nil
		}
		// Margin-only entries reference the order, settlements the trade;
		// both belong to this operation's trail.
		seqs, err := p.sequencesFor(ctx, append(tradeIDs, ref))
		if err != nil {
			return false, nil, err
		}
		return len(seqs) > 0, seqs, nil

	case journal.OpLedgerEntry, journal.OpManualAdjustment:
		seqs, err := p.sequencesFor(ctx, []string{ref})
		if err != nil {
			return false, nil, err
		}
		return len(seqs) > 0, seqs, nil

	default:
		return false, nil, journal.ErrSequenceMissing
	}
}

func (p *Prober) tradeIDs(ctx context.Context, orderID string) ([]string, error) {
	rows, err := p.st.DB().QueryContext(ctx,
		`SELECT id FROM trades WHERE order_id = ?`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (p *Prober) sequencesFor(ctx context.Context, refIDs []string) ([]int64, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(refIDs)), ",")
	args := make([]interface{}, len(refIDs))
	for i, id := range refIDs {
		args[i] = id
	}
	rows, err := p.st.DB().QueryContext(ctx, `
		SELECT global_sequence FROM ledger_entries
		WHERE reference_id IN (`+placeholders+`) ORDER BY global_sequence`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	return seqs, rows.Err()
}
