// Package trading implements order placement and execution for the paper
// engine.
//
// Placement is idempotent: an explicit idempotency key, or one derived
// from the order's content within a short window, maps retries onto the
// original order. Every money-touching step runs under the write-ahead
// journal: PREPARE, do the business transaction, COMMIT.
package trading

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"papertrade/internal/config"
	"papertrade/internal/instruments"
	"papertrade/internal/journal"
	"papertrade/internal/ledger"
	"papertrade/internal/marks"
	"papertrade/internal/metrics"
	"papertrade/internal/positions"
	"papertrade/internal/store"
	"papertrade/internal/symbols"
	"papertrade/pkg/types"
)

// Rejection reasons surfaced to the API.
const (
	ReasonUnknownInstrument     = "UNKNOWN_INSTRUMENT"
	ReasonExpiredInstrument     = "EXPIRED_INSTRUMENT"
	ReasonInvalidLotSize        = "INVALID_LOT_SIZE"
	ReasonInvalidOrder          = "INVALID_ORDER"
	ReasonStalePrice            = "STALE_PRICE"
	ReasonInsufficientFunds     = "INSUFFICIENT_FUNDS"
	ReasonPartialExitNotAllowed = "PARTIAL_EXIT_NOT_ALLOWED"
	ReasonTradingHalted         = "TRADING_HALTED"
)

// ErrDuplicateOrder maps to HTTP 409; the original order rides along in
// the PlaceOrder return value.
var ErrDuplicateOrder = errors.New("duplicate order")

// RejectionError is a pretrade check failure.
type RejectionError struct {
	Reason string
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Detail
}

func reject(reason, format string, args ...interface{}) *RejectionError {
	return &RejectionError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// PlaceOrderRequest is the placement input. Force is set only by the
// liquidation engine: it bypasses the stale-price and funds checks and
// must exit the full position.
type PlaceOrderRequest struct {
	UserID         string          `json:"userId"`
	Symbol         string          `json:"symbol"`
	Side           types.Side      `json:"side"`
	Quantity       int64           `json:"quantity"`
	OrderType      types.OrderType `json:"orderType"`
	LimitPrice     decimal.Decimal `json:"limitPrice"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
	Force          bool            `json:"-"`
}

// Service is the order service.
type Service struct {
	st     *store.Store
	wal    *journal.Journal
	led    *ledger.Ledger
	book   *positions.Book
	repo   *instruments.Repo
	marks  *marks.Tracker
	cfg    config.TradingConfig
	risk   config.RiskConfig
	logger *slog.Logger

	now func() time.Time // test hook
}

// NewService wires the order service.
func NewService(st *store.Store, wal *journal.Journal, led *ledger.Ledger, book *positions.Book,
	repo *instruments.Repo, mk *marks.Tracker, cfg config.TradingConfig, risk config.RiskConfig,
	logger *slog.Logger) *Service {
	return &Service{
		st:     st,
		wal:    wal,
		led:    led,
		book:   book,
		repo:   repo,
		marks:  mk,
		cfg:    cfg,
		risk:   risk,
		logger: logger.With("component", "trading"),
		now:    time.Now,
	}
}

// PlaceOrder validates, journals, and persists a new OPEN order with its
// margin blocked. Returns ErrDuplicateOrder (with the original order) when
// the idempotency key was seen before, or a *RejectionError on a failed
// pretrade check.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (types.Order, error) {
	if halted, reason := s.wal.Halted(); halted {
		metrics.OrdersRejected.WithLabelValues(ReasonTradingHalted).Inc()
		return types.Order{}, reject(ReasonTradingHalted, "%s", reason)
	}

	order, margin, err := s.pretrade(ctx, req)
	if err != nil {
		var rej *RejectionError
		if errors.As(err, &rej) {
			metrics.OrdersRejected.WithLabelValues(rej.Reason).Inc()
			s.recordRejected(ctx, order, rej.Reason)
		}
		return types.Order{}, err
	}

	idemKey := req.IdempotencyKey
	if idemKey == "" {
		idemKey = s.derivedKey(order)
	}
	order.IdempotencyKey = idemKey

	op := journal.OpTradeExecution
	if req.Force {
		op = journal.OpLiquidation
	}
	entry, err := s.wal.Prepare(ctx, op, idemKey, map[string]interface{}{
		"referenceId":   order.ID,
		"orderId":       order.ID,
		"userId":        order.UserID,
		"instrumentKey": order.InstrumentKey,
		"side":          string(order.Side),
		"quantity":      order.Quantity,
		"orderType":     string(order.OrderType),
		"limitPrice":    order.LimitPrice.String(),
		"margin":        margin.String(),
	})
	if errors.Is(err, journal.ErrDuplicate) {
		existing, getErr := s.GetOrderByIdempotencyKey(ctx, idemKey)
		if getErr != nil {
			return types.Order{}, fmt.Errorf("load duplicate order: %w", getErr)
		}
		metrics.OrdersRejected.WithLabelValues("DUPLICATE_ORDER").Inc()
		return existing, ErrDuplicateOrder
	}
	if err != nil {
		return types.Order{}, err
	}

	var seqs []int64
	err = s.st.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.led.EnsureUser(ctx, tx, order.UserID); err != nil {
			return err
		}
		if margin.IsPositive() && !req.Force {
			w, err := s.led.WalletTx(ctx, tx, order.UserID)
			if err != nil {
				return err
			}
			if w.Balance.LessThan(margin) {
				return reject(ReasonInsufficientFunds,
					"need %s, available %s", margin.StringFixed(2), w.Balance.StringFixed(2))
			}
		}
		if err := insertOrder(ctx, tx, order); err != nil {
			return err
		}
		if margin.IsPositive() {
			var err error
			seqs, err = s.led.Post(ctx, tx, "order:"+order.ID,
				[]ledger.Posting{ledger.BlockMargin(order.UserID, margin, order.ID)})
			return err
		}
		return nil
	})
	if err != nil {
		s.wal.Abort(ctx, entry.JournalID, err.Error())
		var rej *RejectionError
		if errors.As(err, &rej) {
			metrics.OrdersRejected.WithLabelValues(rej.Reason).Inc()
			s.recordRejected(ctx, order, rej.Reason)
		}
		return types.Order{}, err
	}

	if err := s.wal.Commit(ctx, entry.JournalID, map[string]interface{}{
		"orderId":         order.ID,
		"ledgerSequences": seqs,
	}); err != nil {
		return types.Order{}, err
	}

	metrics.OrdersPlaced.WithLabelValues(string(order.OrderType)).Inc()
	s.logger.Info("order placed",
		"order_id", order.ID, "user", order.UserID, "symbol", order.InstrumentKey,
		"side", order.Side, "qty", order.Quantity, "type", order.OrderType,
		"margin", margin.StringFixed(2))
	return order, nil
}

// pretrade runs every check that needs no money movement and sizes the
// margin to block.
func (s *Service) pretrade(ctx context.Context, req PlaceOrderRequest) (types.Order, decimal.Decimal, error) {
	order := types.Order{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Side:      req.Side,
		Quantity:  req.Quantity,
		OrderType: req.OrderType,
		Status:    types.OrderOpen,
		CreatedAt: s.now().UTC(),
	}

	if req.UserID == "" || (req.Side != types.BUY && req.Side != types.SELL) {
		return order, decimal.Zero, reject(ReasonInvalidOrder, "missing user or side")
	}
	if req.OrderType != types.OrderTypeMarket && req.OrderType != types.OrderTypeLimit {
		return order, decimal.Zero, reject(ReasonInvalidOrder, "order type %q", req.OrderType)
	}
	if req.Quantity <= 0 {
		return order, decimal.Zero, reject(ReasonInvalidOrder, "quantity %d", req.Quantity)
	}
	if req.OrderType == types.OrderTypeLimit && !req.LimitPrice.IsPositive() {
		return order, decimal.Zero, reject(ReasonInvalidOrder, "limit price %s", req.LimitPrice)
	}

	key, err := symbols.ToInstrumentKey(req.Symbol)
	if err != nil {
		return order, decimal.Zero, reject(ReasonUnknownInstrument, "%s", req.Symbol)
	}
	order.InstrumentKey = key

	inst, err := s.repo.Get(ctx, key)
	if errors.Is(err, instruments.ErrNotFound) {
		return order, decimal.Zero, reject(ReasonUnknownInstrument, "%s", key)
	}
	if err != nil {
		return order, decimal.Zero, err
	}
	if inst.Expired(s.now()) {
		return order, decimal.Zero, reject(ReasonExpiredInstrument, "%s expired %s", key, inst.Expiry)
	}
	if !inst.IsActive {
		return order, decimal.Zero, reject(ReasonExpiredInstrument, "%s is no longer tradable", key)
	}
	if req.Quantity%inst.LotSize != 0 {
		return order, decimal.Zero,
			reject(ReasonInvalidLotSize, "quantity %d not a multiple of lot %d", req.Quantity, inst.LotSize)
	}

	// Price basis for margin: the limit price, or the live mark.
	var basis decimal.Decimal
	if req.OrderType == types.OrderTypeLimit {
		basis = req.LimitPrice.Round(2)
		order.LimitPrice = basis
	} else {
		live, ok := s.marks.LivePrice(key)
		if !ok {
			if !req.Force {
				metrics.StalePriceWarnings.Inc()
				return order, decimal.Zero, reject(ReasonStalePrice, "no fresh price for %s", key)
			}
			fallback, _, err := s.marks.Price(key)
			if err != nil {
				return order, decimal.Zero, reject(ReasonStalePrice, "no price at all for %s", key)
			}
			live = fallback
		}
		basis = live
	}

	pos, havePos, err := s.book.Get(ctx, req.UserID, key)
	if err != nil {
		return order, decimal.Zero, err
	}
	closing := int64(0)
	if havePos && oppositeSides(pos.Quantity, req.Side) {
		closing = min(req.Quantity, absQty(pos.Quantity))
	}
	opening := req.Quantity - closing

	// Exits must be whole: an opposite-side order smaller than the
	// position would leave a sliver behind. Reversals (quantity past the
	// position) are fine for derivatives.
	if closing > 0 && req.Quantity < absQty(pos.Quantity) {
		return order, decimal.Zero,
			reject(ReasonPartialExitNotAllowed, "exit quantity %d below position %d",
				req.Quantity, absQty(pos.Quantity))
	}
	if req.Force && (!havePos || req.Quantity != absQty(pos.Quantity)) {
		return order, decimal.Zero,
			reject(ReasonPartialExitNotAllowed, "forced exit must close the full position")
	}
	// Equities cannot be shorted: a SELL is only valid as an exit of an
	// existing long.
	if inst.InstrumentType == types.InstrumentEquity && req.Side == types.SELL && opening > 0 {
		return order, decimal.Zero,
			reject(ReasonPartialExitNotAllowed, "sell exceeds held quantity by %d", opening)
	}

	margin := decimal.Zero
	if opening > 0 {
		underlying := s.underlyingPrice(inst)
		margin = RequiredMargin(s.risk, inst, req.Side, opening, basis, underlying)
	}
	order.MarginBlocked = margin
	return order, margin, nil
}

// derivedKey hashes the order's identity into a dedupe-window bucket, so a
// double-click retries onto the same journal entry.
func (s *Service) derivedKey(o types.Order) string {
	bucket := s.now().Unix() / int64(s.cfg.DedupeWindow.Seconds())
	h := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%d|%s|%s|%d",
		o.UserID, o.InstrumentKey, o.Side, o.Quantity, o.OrderType, o.LimitPrice.String(), bucket))
	return "derived:" + hex.EncodeToString(h[:16])
}

func (s *Service) underlyingPrice(inst types.Instrument) decimal.Decimal {
	if inst.Underlying == "" {
		return decimal.Zero
	}
	key, err := symbols.ToInstrumentKey(inst.Underlying)
	if err != nil {
		return decimal.Zero
	}
	price, _, err := s.marks.Price(key)
	if err != nil {
		return decimal.Zero
	}
	return price
}

// recordRejected keeps an audit row for rejected orders. Best effort.
func (s *Service) recordRejected(ctx context.Context, order types.Order, reason string) {
	if order.ID == "" || order.InstrumentKey == "" {
		return
	}
	order.Status = types.OrderRejected
	order.RejectionReason = reason
	order.MarginBlocked = decimal.Zero
	err := s.st.WithTx(ctx, func(tx *sql.Tx) error {
		return insertOrder(ctx, tx, order)
	})
	if err != nil {
		s.logger.Warn("could not record rejected order", "order_id", order.ID, "error", err)
	}
}

// CancelOrder cancels an OPEN order and releases its margin.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) (types.Order, error) {
	var out types.Order
	err := s.st.WithTx(ctx, func(tx *sql.Tx) error {
		order, err := getOrderTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return fmt.Errorf("order %s does not belong to user", orderID)
		}
		if order.Status != types.OrderOpen {
			return fmt.Errorf("order %s is %s, not OPEN", orderID, order.Status)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE orders SET status = 'CANCELLED', updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'OPEN'`, orderID); err != nil {
			return err
		}
		if order.MarginBlocked.IsPositive() {
			if _, err := s.led.Post(ctx, tx, "cancel:"+orderID,
				[]ledger.Posting{ledger.UnblockMargin(order.UserID, order.MarginBlocked, orderID)}); err != nil {
				return err
			}
		}
		order.Status = types.OrderCancelled
		out = order
		return nil
	})
	return out, err
}

// GetOrder loads one order.
func (s *Service) GetOrder(ctx context.Context, orderID string) (types.Order, error) {
	var out types.Order
	err := s.st.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = getOrderTx(ctx, tx, orderID)
		return err
	})
	return out, err
}

// GetOrderByIdempotencyKey resolves a duplicate placement to its original.
func (s *Service) GetOrderByIdempotencyKey(ctx context.Context, key string) (types.Order, error) {
	var out types.Order
	err := s.st.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = scanOrder(tx.QueryRowContext(ctx, orderColumns+`WHERE idempotency_key = ?`, key))
		return err
	})
	return out, err
}

// ListOrders returns a user's orders newest first.
func (s *Service) ListOrders(ctx context.Context, userID string, limit int) ([]types.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.st.DB().QueryContext(ctx,
		orderColumns+`WHERE user_id = ? ORDER BY created_at DESC, id LIMIT ?`, userID, limit)
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

const orderColumns = `SELECT id, user_id, instrument_key, side, quantity, order_type,
	limit_price, status, margin_blocked, idempotency_key, rejection_reason, created_at
	FROM orders `

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (types.Order, error) {
	var o types.Order
	var limitPrice, idemKey sql.NullString
	var margin string
	if err := row.Scan(&o.ID, &o.UserID, &o.InstrumentKey, &o.Side, &o.Quantity,
		&o.OrderType, &limitPrice, &o.Status, &margin, &idemKey,
		&o.RejectionReason, &o.CreatedAt); err != nil {
		return o, err
	}
	if limitPrice.Valid && limitPrice.String != "" {
		p, err := decimal.NewFromString(limitPrice.String)
		if err != nil {
			return o, fmt.Errorf("parse limit price: %w", err)
		}
		o.LimitPrice = p
	}
	m, err := decimal.NewFromString(margin)
	if err != nil {
		return o, fmt.Errorf("parse margin: %w", err)
	}
	o.MarginBlocked = m
	o.IdempotencyKey = idemKey.String
	return o, nil
}

func getOrderTx(ctx context.Context, tx *sql.Tx, orderID string) (types.Order, error) {
	return scanOrder(tx.QueryRowContext(ctx, orderColumns+`WHERE id = ?`, orderID))
}

func insertOrder(ctx context.Context, tx *sql.Tx, o types.Order) error {
	var limitPrice interface{}
	if o.LimitPrice.IsPositive() {
		limitPrice = o.LimitPrice.StringFixed(2)
	}
	var idemKey interface{}
	if o.IdempotencyKey != "" {
		idemKey = o.IdempotencyKey
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders
			(id, user_id, instrument_key, side, quantity, order_type, limit_price,
			 status, margin_blocked, idempotency_key, rejection_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, o.InstrumentKey, string(o.Side), o.Quantity, string(o.OrderType),
		limitPrice, string(o.Status), o.MarginBlocked.StringFixed(2), idemKey,
		o.RejectionReason, o.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

func oppositeSides(positionQty int64, side types.Side) bool {
	return (positionQty > 0 && side == types.SELL) || (positionQty < 0 && side == types.BUY)
}

func absQty(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}
