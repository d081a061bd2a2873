package trading

import (
	"strings"

	"github.com/shopspring/decimal"

	"papertrade/internal/config"
	"papertrade/pkg/types"
)

// Margin model:
//
//   - equity and long options: full cost (price x qty), paid at fill
//   - futures: a percentage of notional, lower for index underlyings
//   - short options: max(premium x 1.5, max(underlying, strike) x qty x 15%)
//   - orders that only reduce an existing position: zero
//
// The blocked amount backs the order until fill, and for margin-settled
// instruments stays blocked backing the open position.

var indexUnderlyings = map[string]bool{
	"NIFTY":      true,
	"BANKNIFTY":  true,
	"FINNIFTY":   true,
	"MIDCPNIFTY": true,
	"SENSEX":     true,
	"BANKEX":     true,
}

var (
	sellOptionPremiumMult = decimal.RequireFromString("1.5")
	sellOptionExposurePct = decimal.RequireFromString("0.15")
)

// RequiredMargin computes the margin to block for an opening order of qty
// units at the given price basis. underlyingPrice may be zero when unknown
// (the strike then bounds short-option exposure).
func RequiredMargin(cfg config.RiskConfig, inst types.Instrument, side types.Side, qty int64, price, underlyingPrice decimal.Decimal) decimal.Decimal {
	q := decimal.NewFromInt(qty)
	notional := price.Mul(q)

	switch inst.InstrumentType {
	case types.InstrumentFuture:
		pct := decimal.NewFromFloat(cfg.StockMarginPct)
		if isIndexUnderlying(inst.Underlying) {
			pct = decimal.NewFromFloat(cfg.IndexMarginPct)
		}
		return notional.Mul(pct).Round(2)

	case types.InstrumentOption:
		if side == types.BUY {
			return notional.Round(2) // premium
		}
		premiumLeg := notional.Mul(sellOptionPremiumMult)
		exposureBase := underlyingPrice
		if inst.Strike.GreaterThan(exposureBase) {
			exposureBase = inst.Strike
		}
		exposureLeg := exposureBase.Mul(q).Mul(sellOptionExposurePct)
		if exposureLeg.GreaterThan(premiumLeg) {
			return exposureLeg.Round(2)
		}
		return premiumLeg.Round(2)

	default:
		// Equity (and anything unclassified) is fully cash backed.
		return notional.Round(2)
	}
}

// MarginSettled reports whether an open position in inst holds blocked
// margin (vs being fully paid for in cash).
func MarginSettled(inst types.Instrument, positionQty int64) bool {
	switch inst.InstrumentType {
	case types.InstrumentFuture:
		return true
	case types.InstrumentOption:
		return positionQty < 0 // short option
	default:
		return false
	}
}

func isIndexUnderlying(underlying string) bool {
	return indexUnderlyings[strings.ToUpper(strings.TrimSpace(underlying))]
}
