// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — instrument keys,
// normalized ticks, candles, orders, positions, and the client WebSocket
// payloads. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side. Used by the liquidation engine to close
// a position with a forced order.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "OPEN"
	OrderFilled    OrderStatus = "FILLED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderRejected  OrderStatus = "REJECTED"
)

// InstrumentType classifies what kind of contract an instrument is.
type InstrumentType string

const (
	InstrumentEquity InstrumentType = "EQUITY"
	InstrumentFuture InstrumentType = "FUTURE"
	InstrumentOption InstrumentType = "OPTION"
	InstrumentIndex  InstrumentType = "INDEX"
)

// OptionType is CE (call) or PE (put) for option contracts.
type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

// AccountType identifies one of the five per-user ledger accounts.
type AccountType string

const (
	AccountCash          AccountType = "CASH"
	AccountMarginBlocked AccountType = "MARGIN_BLOCKED"
	AccountUnrealizedPnL AccountType = "UNREALIZED_PNL"
	AccountRealizedPnL   AccountType = "REALIZED_PNL"
	AccountFees          AccountType = "FEES"
)

// AccountState tracks where a wallet sits on the margin curve. Transitions
// are owned exclusively by the liquidation engine.
type AccountState string

const (
	StateNormal         AccountState = "NORMAL"
	StateMarginStressed AccountState = "MARGIN_STRESSED"
	StateLiquidating    AccountState = "LIQUIDATING"
)

// ReferenceType tags a ledger entry with the business event that caused it.
type ReferenceType string

const (
	RefTrade       ReferenceType = "TRADE"
	RefOrder       ReferenceType = "ORDER"
	RefLiquidation ReferenceType = "LIQUIDATION"
	RefExpiry      ReferenceType = "EXPIRY"
	RefAdjustment  ReferenceType = "ADJUSTMENT"
)

// ————————————————————————————————————————————————————————————————————————
// Instruments
// ————————————————————————————————————————————————————————————————————————

// Instrument is master data for one tradable contract. The instrument key
// ("SEGMENT|TOKEN", e.g. "NSE_EQ|INE002A01018") is the canonical identity
// everywhere in the system; the trading symbol is a display attribute and
// is NOT unique across segments.
type Instrument struct {
	InstrumentKey  string          `json:"instrumentKey"`
	TradingSymbol  string          `json:"tradingSymbol"`
	Name           string          `json:"name"`
	Underlying     string          `json:"underlying,omitempty"`
	Expiry         *time.Time      `json:"expiry,omitempty"`
	Strike         decimal.Decimal `json:"strike,omitempty"`
	OptionType     OptionType      `json:"optionType,omitempty"`
	LotSize        int64           `json:"lotSize"`
	TickSize       decimal.Decimal `json:"tickSize"`
	InstrumentType InstrumentType  `json:"instrumentType"`
	Segment        string          `json:"segment"`
	IsActive       bool            `json:"isActive"`
}

// Expired reports whether the instrument's expiry has passed.
func (i Instrument) Expired(now time.Time) bool {
	return i.Expiry != nil && now.After(*i.Expiry)
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// NormalizedTick is a single trade/quote update decoded from the broker.
// Born in the broker adapter, consumed on the tick bus, never persisted.
// Timestamp is broker time in seconds.
type NormalizedTick struct {
	InstrumentKey string  `json:"instrumentKey"`
	Symbol        string  `json:"symbol,omitempty"`
	Price         float64 `json:"price"`
	Volume        int64   `json:"volume"`
	Timestamp     int64   `json:"timestamp"`
	Exchange      string  `json:"exchange"`
	PrevClose     float64 `json:"prevClose,omitempty"`
}

// Candle is one OHLCV aggregate for a fixed interval. OpenTime is the
// interval start in unix seconds, aligned to IST for intraday intervals
// and to the IST calendar day/week for daily/weekly.
type Candle struct {
	InstrumentKey string  `json:"instrumentKey"`
	IntervalSec   int64   `json:"intervalSec"`
	OpenTime      int64   `json:"openTime"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	Volume        int64   `json:"volume"`
	Closed        bool    `json:"closed"`
}

// CandleUpdateType distinguishes in-progress updates from bucket closes.
type CandleUpdateType string

const (
	CandleProgress CandleUpdateType = "UPDATE"
	CandleClose    CandleUpdateType = "CLOSE"
)

// CandleUpdate is emitted by the candle engine for every applied tick.
type CandleUpdate struct {
	InstrumentKey string           `json:"instrumentKey"`
	Symbol        string           `json:"symbol,omitempty"`
	Interval      int64            `json:"interval"`
	Candle        Candle           `json:"candle"`
	Type          CandleUpdateType `json:"type"`
}

// QuoteRecord is a cached per-symbol snapshot served from Redis (or fetched
// from the broker on a miss).
type QuoteRecord struct {
	InstrumentKey string  `json:"instrumentKey"`
	Symbol        string  `json:"symbol,omitempty"`
	Price         float64 `json:"price"`
	PrevClose     float64 `json:"prevClose"`
	Change        float64 `json:"change"`
	ChangePct     float64 `json:"changePct"`
	Timestamp     int64   `json:"timestamp"`
}

// ————————————————————————————————————————————————————————————————————————
// Trading
// ————————————————————————————————————————————————————————————————————————

// Order is a paper order. LimitPrice is zero for MARKET orders.
type Order struct {
	ID              string          `json:"id"`
	UserID          string          `json:"userId"`
	InstrumentKey   string          `json:"instrumentKey"`
	Side            Side            `json:"side"`
	Quantity        int64           `json:"quantity"`
	OrderType       OrderType       `json:"orderType"`
	LimitPrice      decimal.Decimal `json:"limitPrice,omitempty"`
	Status          OrderStatus     `json:"status"`
	MarginBlocked   decimal.Decimal `json:"marginBlocked,omitempty"`
	IdempotencyKey  string          `json:"idempotencyKey,omitempty"`
	RejectionReason string          `json:"rejectionReason,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// Trade records a single fill of an order.
type Trade struct {
	ID            string          `json:"id"`
	OrderID       string          `json:"orderId"`
	UserID        string          `json:"userId"`
	InstrumentKey string          `json:"instrumentKey"`
	Side          Side            `json:"side"`
	Quantity      int64           `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// Position is a per-(user, instrument) holding. Quantity is signed:
// positive long, negative short. A flat position (qty 0) has no row.
// MarginBlocked is the blocked balance backing the open position for
// margin-settled instruments; releasing exactly this amount on exit keeps
// the wallet's blocked balance honest regardless of how prices moved
// between placement and close.
type Position struct {
	UserID        string          `json:"userId"`
	InstrumentKey string          `json:"instrumentKey"`
	Quantity      int64           `json:"quantity"`
	AveragePrice  decimal.Decimal `json:"averagePrice"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	MarginBlocked decimal.Decimal `json:"marginBlocked"`
}

// Wallet is the materialized cash view, recomputable from the ledger.
type Wallet struct {
	UserID         string          `json:"userId"`
	Balance        decimal.Decimal `json:"balance"`
	BlockedBalance decimal.Decimal `json:"blockedBalance"`
	Equity         decimal.Decimal `json:"equity"`
	Currency       string          `json:"currency"`
	AccountState   AccountState    `json:"accountState"`
	LastReconciled time.Time       `json:"lastReconciled"`
}

// ————————————————————————————————————————————————————————————————————————
// Client WebSocket protocol
// ————————————————————————————————————————————————————————————————————————
// JSON text frames over /api/v1/market/stream. Inbound messages carry a
// symbols array; anything else is rejected with a typed error frame.

// ClientMessage is the inbound subscribe/unsubscribe request.
type ClientMessage struct {
	Type    string   `json:"type"`    // "subscribe" or "unsubscribe"
	Symbols []string `json:"symbols"` // raw symbols, normalized server-side
}

// TickMessage is the outbound per-tick frame. Timestamp is milliseconds.
type TickMessage struct {
	Type string   `json:"type"` // always "tick"
	Data TickData `json:"data"`
}

// TickData is the payload of a TickMessage.
type TickData struct {
	InstrumentKey string  `json:"instrumentKey"`
	Symbol        string  `json:"symbol,omitempty"`
	Price         float64 `json:"price"`
	Timestamp     int64   `json:"timestamp"` // ms
	Volume        int64   `json:"volume"`
	Close         float64 `json:"close,omitempty"`
}

// CandleMessage is the outbound candle frame.
type CandleMessage struct {
	Type string       `json:"type"` // always "candle"
	Data CandleUpdate `json:"data"`
}

// ControlMessage covers connected/heartbeat/error frames and the
// subscribe/unsubscribe acknowledgements.
type ControlMessage struct {
	Type     string   `json:"type"`
	Error    string   `json:"error,omitempty"`
	Added    []string `json:"added,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Rejected []string `json:"rejected,omitempty"`
	Ignored  []string `json:"ignored,omitempty"`
	Total    int      `json:"total,omitempty"`
}
