// Package ledger is the double-entry book of record.
//
// Every rupee movement is an entry transferring a positive amount from one
// account to another; nothing is ever written single-sided. Each user has
// five accounts (CASH, MARGIN_BLOCKED, UNREALIZED_PNL, REALIZED_PNL, FEES);
// the SYSTEM user's CASH account is the counterparty for money entering or
// leaving a user (seed capital, settlements, realized P&L). Entries carry a
// strictly monotonic globalSequence drawn from a single-row counter in the
// same transaction, so the full history totally orders.
//
// The wallets table is a materialized view of the CASH and MARGIN_BLOCKED
// account balances, updated in the same transaction as the entries, and
// recomputable from scratch with Recalculate.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"papertrade/internal/store"
	"papertrade/pkg/types"
)

// SystemUser is the counterparty for flows into and out of user balances.
const SystemUser = "SYSTEM"

var seedBalance = decimal.NewFromInt(1_000_000)

// AccountRef names one ledger account.
type AccountRef struct {
	UserID string
	Type   types.AccountType
}

// SystemCash is the external-world account.
var SystemCash = AccountRef{UserID: SystemUser, Type: types.AccountCash}

// Posting is one transfer: Amount moves from Debit to Credit.
type Posting struct {
	Debit       AccountRef
	Credit      AccountRef
	Amount      decimal.Decimal
	RefType     types.ReferenceType
	RefID       string
	Description string
}

// Ledger posts entries and maintains the wallet view.
type Ledger struct {
	st       *store.Store
	currency string
	logger   *slog.Logger
}

// New creates the ledger.
func New(st *store.Store, currency string, logger *slog.Logger) *Ledger {
	return &Ledger{
		st:       st,
		currency: currency,
		logger:   logger.With("component", "ledger"),
	}
}

// Store exposes the underlying store for callers composing transactions.
func (l *Ledger) Store() *store.Store { return l.st }

// EnsureUser creates the user's wallet, accounts, and seed-capital entry if
// they do not exist yet. Idempotent; runs in the caller's transaction.
func (l *Ledger) EnsureUser(ctx context.Context, tx *sql.Tx, userID string) error {
	var exists int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wallets WHERE user_id = ?`, userID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check wallet: %w", err)
	}
	if exists > 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO wallets (user_id, balance, blocked_balance, currency) VALUES (?, ?, '0', ?)`,
		userID, seedBalance.StringFixed(2), l.currency); err != nil {
		return fmt.Errorf("create wallet: %w", err)
	}

	seed := Posting{
		Debit:       SystemCash,
		Credit:      AccountRef{UserID: userID, Type: types.AccountCash},
		Amount:      seedBalance,
		RefType:     types.RefAdjustment,
		RefID:       userID,
		Description: "seed capital",
	}
	// The wallet row was created with the seed already applied; post the
	// entry without touching the materialized balance again.
	if _, err := l.insertEntries(ctx, tx, "seed:"+userID, []Posting{seed}); err != nil {
		return err
	}
	l.logger.Info("user provisioned", "user", userID, "seed", seedBalance.StringFixed(2))
	return nil
}

// Post writes the postings with fresh sequence numbers and applies their
// net effect to the user's wallet, all in the caller's transaction.
// Returns the assigned global sequence numbers.
func (l *Ledger) Post(ctx context.Context, tx *sql.Tx, txnID string, postings []Posting) ([]int64, error) {
	seqs, err := l.insertEntries(ctx, tx, txnID, postings)
	if err != nil {
		return nil, err
	}
	if err := l.applyToWallets(ctx, tx, postings); err != nil {
		return nil, err
	}
	return seqs, nil
}

func (l *Ledger) insertEntries(ctx context.Context, tx *sql.Tx, txnID string, postings []Posting) ([]int64, error) {
	seqs := make([]int64, 0, len(postings))
	for i, p := range postings {
		amt := p.Amount.Round(2)
		if !amt.IsPositive() {
			return nil, fmt.Errorf("posting amount must be positive, got %s", p.Amount)
		}
		if p.Debit == p.Credit {
			return nil, fmt.Errorf("posting cannot transfer %s/%s to itself", p.Debit.UserID, p.Debit.Type)
		}

		debitID, err := l.accountID(ctx, tx, p.Debit)
		if err != nil {
			return nil, err
		}
		creditID, err := l.accountID(ctx, tx, p.Credit)
		if err != nil {
			return nil, err
		}

		seq, err := nextSequence(ctx, tx)
		if err != nil {
			return nil, err
		}

		// The per-entry idempotency key makes a replay of the same business
		// transaction a constraint violation instead of a double-apply.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO ledger_entries
				(transaction_id, idempotency_key, global_sequence, debit_account, credit_account,
				 amount, currency, reference_type, reference_id, description)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			txnID, fmt.Sprintf("%s:%d", txnID, i), seq, debitID, creditID, amt.StringFixed(2),
			l.currency, string(p.RefType), p.RefID, p.Description); err != nil {
			return nil, fmt.Errorf("insert entry seq %d: %w", seq, err)
		}
		seqs = append(seqs, seq)
	}
	return seqs, nil
}

// applyToWallets folds the postings' CASH and MARGIN_BLOCKED effects into
// the materialized wallet rows.
func (l *Ledger) applyToWallets(ctx context.Context, tx *sql.Tx, postings []Posting) error {
	type delta struct{ cash, blocked decimal.Decimal }
	deltas := make(map[string]*delta)

	get := func(user string) *delta {
		d, ok := deltas[user]
		if !ok {
			d = &delta{}
			deltas[user] = d
		}
		return d
	}
	for _, p := range postings {
		amt := p.Amount.Round(2)
		apply := func(ref AccountRef, sign decimal.Decimal) {
			if ref.UserID == SystemUser {
				return
			}
			switch ref.Type {
			case types.AccountCash:
				d := get(ref.UserID)
				d.cash = d.cash.Add(amt.Mul(sign))
			case types.AccountMarginBlocked:
				d := get(ref.UserID)
				d.blocked = d.blocked.Add(amt.Mul(sign))
			}
		}
		apply(p.Debit, decimal.NewFromInt(-1))
		apply(p.Credit, decimal.NewFromInt(1))
	}

	for user, d := range deltas {
		if d.cash.IsZero() && d.blocked.IsZero() {
			continue
		}
		w, err := getWalletTx(ctx, tx, user)
		if err != nil {
			return err
		}
		newBalance := w.Balance.Add(d.cash)
		newBlocked := w.BlockedBalance.Add(d.blocked)
		if newBlocked.IsNegative() {
			return fmt.Errorf("wallet %s blocked balance would go negative (%s)", user, newBlocked)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE wallets SET balance = ?, blocked_balance = ?, updated_at = CURRENT_TIMESTAMP
			WHERE user_id = ?`,
			newBalance.StringFixed(2), newBlocked.StringFixed(2), user); err != nil {
			return fmt.Errorf("update wallet %s: %w", user, err)
		}
	}
	return nil
}

// nextSequence increments and returns the global counter. The UPDATE takes
// the write lock, so concurrent transactions serialize here.
func nextSequence(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx,
		`UPDATE ledger_sequence SET value = value + 1 WHERE id = 1`); err != nil {
		return 0, fmt.Errorf("bump sequence: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT value FROM ledger_sequence WHERE id = 1`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("read sequence: %w", err)
	}
	return seq, nil
}

func (l *Ledger) accountID(ctx context.Context, tx *sql.Tx, ref AccountRef) (int64, error) {
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO ledger_accounts (user_id, account_type) VALUES (?, ?)`,
		ref.UserID, string(ref.Type)); err != nil {
		return 0, fmt.Errorf("ensure account: %w", err)
	}
	var id int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM ledger_accounts WHERE user_id = ? AND account_type = ?`,
		ref.UserID, string(ref.Type)).Scan(&id); err != nil {
		return 0, fmt.Errorf("lookup account: %w", err)
	}
	return id, nil
}

// GetWallet reads the materialized wallet.
func (l *Ledger) GetWallet(ctx context.Context, userID string) (types.Wallet, error) {
	var w types.Wallet
	err := l.st.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		w, err = getWalletTx(ctx, tx, userID)
		return err
	})
	return w, err
}

// WalletTx reads the wallet inside the caller's transaction.
func (l *Ledger) WalletTx(ctx context.Context, tx *sql.Tx, userID string) (types.Wallet, error) {
	return getWalletTx(ctx, tx, userID)
}

func getWalletTx(ctx context.Context, tx *sql.Tx, userID string) (types.Wallet, error) {
	var w types.Wallet
	var balance, blocked string
	var state string
	var reconciled sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT user_id, balance, blocked_balance, currency, account_state, last_reconciled
		FROM wallets WHERE user_id = ?`, userID).
		Scan(&w.UserID, &balance, &blocked, &w.Currency, &state, &reconciled)
	if err != nil {
		return w, fmt.Errorf("load wallet %s: %w", userID, err)
	}
	if w.Balance, err = decimal.NewFromString(balance); err != nil {
		return w, fmt.Errorf("parse balance: %w", err)
	}
	if w.BlockedBalance, err = decimal.NewFromString(blocked); err != nil {
		return w, fmt.Errorf("parse blocked: %w", err)
	}
	w.AccountState = types.AccountState(state)
	if reconciled.Valid {
		w.LastReconciled = reconciled.Time
	}
	w.Equity = w.Balance.Add(w.BlockedBalance)
	return w, nil
}

// ListWallets returns every user wallet, for the risk sweep.
func (l *Ledger) ListWallets(ctx context.Context) ([]types.Wallet, error) {
	rows, err := l.st.DB().QueryContext(ctx, `
		SELECT user_id, balance, blocked_balance, currency, account_state, last_reconciled
		FROM wallets ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var out []types.Wallet
	for rows.Next() {
		var w types.Wallet
		var balance, blocked, state string
		var reconciled sql.NullTime
		if err := rows.Scan(&w.UserID, &balance, &blocked, &w.Currency, &state, &reconciled); err != nil {
			return nil, err
		}
		if w.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, fmt.Errorf("parse balance: %w", err)
		}
		if w.BlockedBalance, err = decimal.NewFromString(blocked); err != nil {
			return nil, fmt.Errorf("parse blocked: %w", err)
		}
		w.AccountState = types.AccountState(state)
		if reconciled.Valid {
			w.LastReconciled = reconciled.Time
		}
		w.Equity = w.Balance.Add(w.BlockedBalance)
		out = append(out, w)
	}
	return out, rows.Err()
}

// SetAccountState moves the wallet along the margin curve. Only the
// liquidation engine calls this.
func (l *Ledger) SetAccountState(ctx context.Context, userID string, state types.AccountState) error {
	_, err := l.st.DB().ExecContext(ctx, `
		UPDATE wallets SET account_state = ?, updated_at = CURRENT_TIMESTAMP
		WHERE user_id = ?`, string(state), userID)
	if err != nil {
		return fmt.Errorf("set account state: %w", err)
	}
	return nil
}

// Recalculate rebuilds the wallet's cash and blocked balances from the
// full entry history and overwrites the materialized row. Returns the
// rebuilt wallet. Any drift found is logged; the ledger wins.
func (l *Ledger) Recalculate(ctx context.Context, userID string) (types.Wallet, error) {
	var out types.Wallet
	err := l.st.WithTx(ctx, func(tx *sql.Tx) error {
		cash, err := accountBalance(ctx, tx, userID, types.AccountCash)
		if err != nil {
			return err
		}
		blocked, err := accountBalance(ctx, tx, userID, types.AccountMarginBlocked)
		if err != nil {
			return err
		}

		current, err := getWalletTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		if !current.Balance.Equal(cash) || !current.BlockedBalance.Equal(blocked) {
			l.logger.Warn("wallet drift corrected",
				"user", userID,
				"cached_balance", current.Balance.StringFixed(2),
				"ledger_balance", cash.StringFixed(2),
				"cached_blocked", current.BlockedBalance.StringFixed(2),
				"ledger_blocked", blocked.StringFixed(2))
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `
			UPDATE wallets SET balance = ?, blocked_balance = ?, last_reconciled = ?,
				updated_at = CURRENT_TIMESTAMP
			WHERE user_id = ?`,
			cash.StringFixed(2), blocked.StringFixed(2), now, userID); err != nil {
			return fmt.Errorf("write recalculated wallet: %w", err)
		}

		out = current
		out.Balance = cash
		out.BlockedBalance = blocked
		out.Equity = cash.Add(blocked)
		out.LastReconciled = now
		return nil
	})
	return out, err
}

// accountBalance sums credits minus debits for one account in decimal, in
// Go rather than SQL so no float touches the totals.
func accountBalance(ctx context.Context, tx *sql.Tx, userID string, at types.AccountType) (decimal.Decimal, error) {
	var id int64
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM ledger_accounts WHERE user_id = ? AND account_type = ?`,
		userID, string(at)).Scan(&id)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT amount, credit_account = ? FROM ledger_entries
		WHERE debit_account = ? OR credit_account = ?
		ORDER BY global_sequence`, id, id, id)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amtStr string
		var isCredit bool
		if err := rows.Scan(&amtStr, &isCredit); err != nil {
			return decimal.Zero, err
		}
		amt, err := decimal.NewFromString(amtStr)
		if err != nil {
			return decimal.Zero, fmt.Errorf("parse entry amount: %w", err)
		}
		if isCredit {
			total = total.Add(amt)
		} else {
			total = total.Sub(amt)
		}
	}
	return total, rows.Err()
}
