// Package journal is the write-ahead journal protecting every financial
// operation.
//
// Protocol: PREPARE a checksummed payload before touching money, do the
// business transaction, then COMMIT (or ABORT). After a crash, recovery
// walks PREPARED entries and asks the owning subsystem whether each
// operation actually completed, committing or aborting to match reality.
// A checksum mismatch means the journal itself cannot be trusted: the
// process halts trading until an operator intervenes.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"papertrade/internal/metrics"
	"papertrade/internal/store"
)

// Status is the journal entry lifecycle state.
type Status string

const (
	StatusPrepared  Status = "PREPARED"
	StatusCommitted Status = "COMMITTED"
	StatusAborted   Status = "ABORTED"
)

const recoveryBatchSize = 500

// commitMetaKey holds data merged into the payload at commit time. It is
// never part of the checksum.
const commitMetaKey = "__commitMeta"

// Operation types. Prepare refuses anything outside this set.
const (
	OpTradeExecution   = "TRADE_EXECUTION"
	OpLedgerEntry      = "LEDGER_ENTRY"
	OpLiquidation      = "LIQUIDATION"
	OpExpirySettlement = "EXPIRY_SETTLEMENT"
	OpManualAdjustment = "MANUAL_ADJUSTMENT"
)

var validOps = map[string]bool{
	OpTradeExecution:   true,
	OpLedgerEntry:      true,
	OpLiquidation:      true,
	OpExpirySettlement: true,
	OpManualAdjustment: true,
}

var (
	// ErrDuplicate reports that an idempotency key was already prepared;
	// the existing entry is returned alongside.
	ErrDuplicate = errors.New("duplicate idempotency key")

	// ErrCorrupted reports a checksum mismatch. Trading halts.
	ErrCorrupted = errors.New("journal entry corrupted")

	// ErrSequenceMissing is returned by probers when an operation's
	// referenced records cannot be located at all; the entry is
	// force-aborted during recovery.
	ErrSequenceMissing = errors.New("recovery sequence missing")
)

// Entry is one journal record.
type Entry struct {
	JournalID      string
	IdempotencyKey string
	OperationType  string
	Status         Status
	Payload        map[string]interface{}
	Checksum       string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Prober answers whether a PREPARED operation actually completed, so
// recovery can converge the journal with the ledger. A completed operation
// must come back with the ledger sequence numbers its business transaction
// wrote; a COMMIT decision without sequences is treated as unresolvable
// and force-aborted.
type Prober interface {
	Completed(ctx context.Context, op string, payload map[string]interface{}) (bool, []int64, error)
}

// Journal is the write-ahead journal over the relational store.
type Journal struct {
	store  *store.Store
	logger *slog.Logger

	mu         sync.RWMutex
	halted     bool
	haltReason string
}

// New creates the journal.
func New(st *store.Store, logger *slog.Logger) *Journal {
	return &Journal{
		store:  st,
		logger: logger.With("component", "journal"),
	}
}

// Halted reports whether trading is halted and why.
func (j *Journal) Halted() (bool, string) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.halted, j.haltReason
}

func (j *Journal) halt(reason string) {
	j.mu.Lock()
	j.halted = true
	j.haltReason = reason
	j.mu.Unlock()
	j.logger.Error("TRADING HALTED", "reason", reason)
}

// Prepare durably records an intent before any money moves. If the
// idempotency key was already prepared the existing entry is returned
// with ErrDuplicate after its checksum is re-verified.
func (j *Journal) Prepare(ctx context.Context, op, idempotencyKey string, payload map[string]interface{}) (*Entry, error) {
	if !validOps[op] {
		return nil, fmt.Errorf("unknown operation type %q", op)
	}
	sum, err := Checksum(payload)
	if err != nil {
		return nil, fmt.Errorf("checksum payload: %w", err)
	}
	data, err := CanonicalJSON(payload)
	if err != nil {
		return nil, err
	}

	entry := &Entry{
		JournalID:      uuid.NewString(),
		IdempotencyKey: idempotencyKey,
		OperationType:  op,
		Status:         StatusPrepared,
		Payload:        payload,
		Checksum:       sum,
	}

	_, err = j.store.DB().ExecContext(ctx, `
		INSERT INTO write_ahead_journal
			(journal_id, idempotency_key, operation_type, status, payload, checksum)
		VALUES (?, ?, ?, 'PREPARED', ?, ?)`,
		entry.JournalID, nullable(idempotencyKey), op, string(data), sum)
	if err != nil {
		if isUniqueViolation(err) && idempotencyKey != "" {
			existing, getErr := j.getByIdempotencyKey(ctx, idempotencyKey)
			if getErr != nil {
				return nil, fmt.Errorf("load duplicate entry: %w", getErr)
			}
			if verr := j.verify(existing); verr != nil {
				return nil, verr
			}
			return existing, ErrDuplicate
		}
		return nil, fmt.Errorf("prepare journal: %w", err)
	}
	return entry, nil
}

// Commit marks an entry COMMITTED after re-verifying its checksum.
// commitMeta (fill details, ledger sequences) is merged into the payload
// under a reserved key; the checksum keeps covering the prepared payload
// only. Committing a committed entry is a no-op; committing an aborted
// entry is an error.
func (j *Journal) Commit(ctx context.Context, journalID string, commitMeta map[string]interface{}) error {
	entry, err := j.Get(ctx, journalID)
	if err != nil {
		return err
	}
	switch entry.Status {
	case StatusCommitted:
		return nil
	case StatusAborted:
		return fmt.Errorf("commit aborted entry %s", journalID)
	}
	if err := j.verify(entry); err != nil {
		return err
	}

	if commitMeta != nil {
		entry.Payload[commitMetaKey] = commitMeta
	}
	sum, err := Checksum(entry.Payload)
	if err != nil {
		return err
	}
	data, err := CanonicalJSON(entry.Payload)
	if err != nil {
		return err
	}

	_, err = j.store.DB().ExecContext(ctx, `
		UPDATE write_ahead_journal
		SET status = 'COMMITTED', payload = ?, checksum = ?, updated_at = CURRENT_TIMESTAMP
		WHERE journal_id = ? AND status = 'PREPARED'`,
		string(data), sum, journalID)
	if err != nil {
		return fmt.Errorf("commit journal: %w", err)
	}
	return nil
}

// Abort marks an entry ABORTED. No-op when the entry is already terminal.
func (j *Journal) Abort(ctx context.Context, journalID, reason string) error {
	res, err := j.store.DB().ExecContext(ctx, `
		UPDATE write_ahead_journal
		SET status = 'ABORTED', updated_at = CURRENT_TIMESTAMP
		WHERE journal_id = ? AND status = 'PREPARED'`, journalID)
	if err != nil {
		return fmt.Errorf("abort journal: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		j.logger.Warn("journal entry aborted", "journal_id", journalID, "reason", reason)
	}
	return nil
}

// Get loads one entry by journal ID.
func (j *Journal) Get(ctx context.Context, journalID string) (*Entry, error) {
	return j.scanOne(j.store.DB().QueryRowContext(ctx, `
		SELECT journal_id, idempotency_key, operation_type, status, payload, checksum, created_at, updated_at
		FROM write_ahead_journal WHERE journal_id = ?`, journalID))
}

// GetUncommitted returns PREPARED entries oldest first, up to limit.
func (j *Journal) GetUncommitted(ctx context.Context, limit int) ([]*Entry, error) {
	rows, err := j.store.DB().QueryContext(ctx, `
		SELECT journal_id, idempotency_key, operation_type, status, payload, checksum, created_at, updated_at
		FROM write_ahead_journal WHERE status = 'PREPARED'
		ORDER BY created_at, journal_id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query uncommitted: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := j.scanOne(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Recover converges PREPARED entries with reality. Must finish before the
// execution loop starts. Returns an error (and halts trading) on
// journal corruption.
func (j *Journal) Recover(ctx context.Context, prober Prober) error {
	total := 0
	for {
		entries, err := j.GetUncommitted(ctx, recoveryBatchSize)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			break
		}

		for _, e := range entries {
			if err := j.recoverOne(ctx, prober, e); err != nil {
				return err
			}
			total++
		}

		if len(entries) < recoveryBatchSize {
			break
		}
	}
	if total > 0 {
		j.logger.Info("journal recovery complete", "entries", total)
	}
	return nil
}

func (j *Journal) recoverOne(ctx context.Context, prober Prober, e *Entry) error {
	if err := j.verify(e); err != nil {
		metrics.JournalRecovered.WithLabelValues("corrupted").Inc()
		return err
	}

	completed, seqs, err := prober.Completed(ctx, e.OperationType, e.Payload)
	if errors.Is(err, ErrSequenceMissing) {
		metrics.JournalRecovered.WithLabelValues("aborted").Inc()
		return j.Abort(ctx, e.JournalID, "RECOVERY_SEQUENCE_MISSING")
	}
	if err != nil {
		return fmt.Errorf("probe %s (%s): %w", e.JournalID, e.OperationType, err)
	}

	if completed && len(seqs) == 0 {
		// The business rows exist but no ledger entries reference them;
		// the trail cannot be reconstructed.
		j.logger.Error("recovered entry has no ledger sequences",
			"journal_id", e.JournalID, "op", e.OperationType)
		metrics.JournalRecovered.WithLabelValues("aborted").Inc()
		return j.Abort(ctx, e.JournalID, "RECOVERY_SEQUENCE_MISSING")
	}
	if completed {
		metrics.JournalRecovered.WithLabelValues("committed").Inc()
		return j.Commit(ctx, e.JournalID, map[string]interface{}{
			"recovered":       true,
			"ledgerSequences": seqs,
		})
	}
	metrics.JournalRecovered.WithLabelValues("aborted").Inc()
	return j.Abort(ctx, e.JournalID, "RECOVERY_INCOMPLETE")
}

// verify recomputes the payload checksum; a mismatch halts trading.
func (j *Journal) verify(e *Entry) error {
	sum, err := Checksum(e.Payload)
	if err != nil {
		return err
	}
	if sum != e.Checksum {
		j.halt(fmt.Sprintf("JOURNAL_CORRUPTION journal_id=%s", e.JournalID))
		return fmt.Errorf("%w: %s", ErrCorrupted, e.JournalID)
	}
	return nil
}

func (j *Journal) getByIdempotencyKey(ctx context.Context, key string) (*Entry, error) {
	return j.scanOne(j.store.DB().QueryRowContext(ctx, `
		SELECT journal_id, idempotency_key, operation_type, status, payload, checksum, created_at, updated_at
		FROM write_ahead_journal WHERE idempotency_key = ?`, key))
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (j *Journal) scanOne(row rowScanner) (*Entry, error) {
	var e Entry
	var idemKey sql.NullString
	var payload string
	if err := row.Scan(&e.JournalID, &idemKey, &e.OperationType, &e.Status,
		&payload, &e.Checksum, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	e.IdempotencyKey = idemKey.String

	p, err := decodePayload([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("decode payload %s: %w", e.JournalID, err)
	}
	e.Payload = p
	return &e, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
