// Package store owns the relational database: schema, migration, and the
// transaction helper every financial write path goes through.
//
// SQLite is the engine. All money columns are TEXT holding decimal strings
// so no float ever touches a balance; constraints enforce the structural
// ledger invariants (positive amounts, no self-transfer, unique global
// sequence) at the storage layer as a second line of defense.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at dsn and migrates it.
// Use ":memory:" in tests.
func Open(dsn string) (*Store, error) {
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY
	// races and keeps :memory: databases coherent.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// DB exposes the raw handle for read paths.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error or panic.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS instruments (
		instrument_key  TEXT PRIMARY KEY,
		trading_symbol  TEXT NOT NULL,
		name            TEXT NOT NULL DEFAULT '',
		underlying      TEXT NOT NULL DEFAULT '',
		expiry          TIMESTAMP,
		strike          TEXT NOT NULL DEFAULT '0',
		option_type     TEXT NOT NULL DEFAULT '',
		lot_size        INTEGER NOT NULL DEFAULT 1 CHECK (lot_size >= 1),
		tick_size       TEXT NOT NULL DEFAULT '0.05',
		instrument_type TEXT NOT NULL,
		segment         TEXT NOT NULL,
		is_active       INTEGER NOT NULL DEFAULT 1,
		updated_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_instruments_symbol ON instruments(trading_symbol)`,

	`CREATE TABLE IF NOT EXISTS orders (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL,
		instrument_key   TEXT NOT NULL,
		side             TEXT NOT NULL CHECK (side IN ('BUY','SELL')),
		quantity         INTEGER NOT NULL CHECK (quantity > 0),
		order_type       TEXT NOT NULL CHECK (order_type IN ('MARKET','LIMIT')),
		limit_price      TEXT,
		status           TEXT NOT NULL CHECK (status IN ('OPEN','FILLED','CANCELLED','REJECTED')),
		margin_blocked   TEXT NOT NULL DEFAULT '0',
		idempotency_key  TEXT UNIQUE,
		rejection_reason TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS trades (
		id             TEXT PRIMARY KEY,
		order_id       TEXT NOT NULL REFERENCES orders(id),
		user_id        TEXT NOT NULL,
		instrument_key TEXT NOT NULL,
		side           TEXT NOT NULL CHECK (side IN ('BUY','SELL')),
		quantity       INTEGER NOT NULL CHECK (quantity > 0),
		price          TEXT NOT NULL,
		created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_trades_user ON trades(user_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS positions (
		user_id        TEXT NOT NULL,
		instrument_key TEXT NOT NULL,
		quantity       INTEGER NOT NULL,
		average_price  TEXT NOT NULL,
		realized_pnl   TEXT NOT NULL DEFAULT '0',
		margin_blocked TEXT NOT NULL DEFAULT '0',
		updated_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, instrument_key)
	)`,

	`CREATE TABLE IF NOT EXISTS ledger_accounts (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id      TEXT NOT NULL,
		account_type TEXT NOT NULL CHECK (account_type IN
			('CASH','MARGIN_BLOCKED','UNREALIZED_PNL','REALIZED_PNL','FEES')),
		created_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		UNIQUE (user_id, account_type)
	)`,

	`CREATE TABLE IF NOT EXISTS ledger_entries (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		transaction_id  TEXT NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		global_sequence INTEGER NOT NULL UNIQUE,
		debit_account   INTEGER NOT NULL REFERENCES ledger_accounts(id),
		credit_account  INTEGER NOT NULL REFERENCES ledger_accounts(id),
		amount          TEXT NOT NULL CHECK (CAST(amount AS REAL) > 0),
		currency        TEXT NOT NULL DEFAULT 'INR',
		reference_type  TEXT NOT NULL,
		reference_id    TEXT NOT NULL DEFAULT '',
		description     TEXT NOT NULL DEFAULT '',
		created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		CHECK (debit_account != credit_account)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_txn ON ledger_entries(transaction_id)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_ref ON ledger_entries(reference_type, reference_id)`,

	// Single-row counter backing globalSequence. Incremented inside the
	// same transaction as the entries it numbers.
	`CREATE TABLE IF NOT EXISTS ledger_sequence (
		id    INTEGER PRIMARY KEY CHECK (id = 1),
		value INTEGER NOT NULL
	)`,
	`INSERT OR IGNORE INTO ledger_sequence (id, value) VALUES (1, 0)`,

	`CREATE TABLE IF NOT EXISTS wallets (
		user_id         TEXT PRIMARY KEY,
		balance         TEXT NOT NULL,
		blocked_balance TEXT NOT NULL DEFAULT '0',
		currency        TEXT NOT NULL DEFAULT 'INR',
		account_state   TEXT NOT NULL DEFAULT 'NORMAL' CHECK (account_state IN
			('NORMAL','MARGIN_STRESSED','LIQUIDATING')),
		last_reconciled TIMESTAMP,
		updated_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,

	`CREATE TABLE IF NOT EXISTS write_ahead_journal (
		journal_id      TEXT PRIMARY KEY,
		idempotency_key TEXT UNIQUE,
		operation_type  TEXT NOT NULL,
		status          TEXT NOT NULL CHECK (status IN ('PREPARED','COMMITTED','ABORTED')),
		payload         TEXT NOT NULL,
		checksum        TEXT NOT NULL,
		created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		updated_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_waj_status ON write_ahead_journal(status, created_at)`,
}

func (s *Store) migrate() error {
	for i, stmt := range migrations {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
