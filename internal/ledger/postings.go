package ledger

import (
	"github.com/shopspring/decimal"

	"papertrade/pkg/types"
)

// Canonical posting shapes. Every trading flow is built from these, so the
// ledger never sees an ad-hoc transfer.

func cash(user string) AccountRef    { return AccountRef{UserID: user, Type: types.AccountCash} }
func blocked(user string) AccountRef { return AccountRef{UserID: user, Type: types.AccountMarginBlocked} }
func realized(user string) AccountRef {
	return AccountRef{UserID: user, Type: types.AccountRealizedPnL}
}
func fees(user string) AccountRef { return AccountRef{UserID: user, Type: types.AccountFees} }

// BlockMargin reserves margin for a new order.
func BlockMargin(user string, amount decimal.Decimal, orderID string) Posting {
	return Posting{
		Debit: cash(user), Credit: blocked(user),
		Amount: amount, RefType: types.RefOrder, RefID: orderID,
		Description: "margin blocked",
	}
}

// UnblockMargin releases reserved margin (rejected/cancelled order, or the
// unused remainder after a fill).
func UnblockMargin(user string, amount decimal.Decimal, orderID string) Posting {
	return Posting{
		Debit: blocked(user), Credit: cash(user),
		Amount: amount, RefType: types.RefOrder, RefID: orderID,
		Description: "margin released",
	}
}

// SettleBuy pays a buy fill's cost out of cash. The order's blocked margin
// is released (UnblockMargin) in the same transaction first.
func SettleBuy(user string, cost decimal.Decimal, tradeID string) Posting {
	return Posting{
		Debit: cash(user), Credit: SystemCash,
		Amount: cost, RefType: types.RefTrade, RefID: tradeID,
		Description: "buy settlement",
	}
}

// SettleSell credits sale proceeds to cash.
func SettleSell(user string, proceeds decimal.Decimal, tradeID string) Posting {
	return Posting{
		Debit: SystemCash, Credit: cash(user),
		Amount: proceeds, RefType: types.RefTrade, RefID: tradeID,
		Description: "sell settlement",
	}
}

// RealizedProfit records a realized gain in the tracking account.
func RealizedProfit(user string, amount decimal.Decimal, tradeID string) Posting {
	return Posting{
		Debit: SystemCash, Credit: realized(user),
		Amount: amount, RefType: types.RefTrade, RefID: tradeID,
		Description: "realized profit",
	}
}

// RealizedLoss records a realized loss in the tracking account.
func RealizedLoss(user string, amount decimal.Decimal, tradeID string) Posting {
	return Posting{
		Debit: realized(user), Credit: SystemCash,
		Amount: amount, RefType: types.RefTrade, RefID: tradeID,
		Description: "realized loss",
	}
}

// Fee charges brokerage/taxes from cash into the fees account.
func Fee(user string, amount decimal.Decimal, tradeID string) Posting {
	return Posting{
		Debit: cash(user), Credit: fees(user),
		Amount: amount, RefType: types.RefTrade, RefID: tradeID,
		Description: "fees",
	}
}
