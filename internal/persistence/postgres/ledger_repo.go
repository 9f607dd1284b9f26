package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/floatwatch/internal/persistence"
)

// ledgerRepo implements persistence.LedgerRepo for PostgreSQL
type ledgerRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewLedgerRepo creates a new PostgreSQL float ledger
func NewLedgerRepo(db *sqlx.DB, timeout time.Duration) persistence.LedgerRepo {
	return &ledgerRepo{db: db, timeout: timeout}
}

// Snapshot returns the agent's current float snapshot
func (r *ledgerRepo) Snapshot(ctx context.Context, agentID string) (*persistence.FloatSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var snap persistence.FloatSnapshot
	err := r.db.GetContext(ctx, &snap, `
		SELECT agent_id, bank_id, e_float, source, version, last_updated_at
		FROM agent_float_snapshots
		WHERE agent_id = $1`, agentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get float snapshot: %w", err)
	}
	return &snap, nil
}

// Apply writes the snapshot and the ledger entry atomically
func (r *ledgerRepo) Apply(ctx context.Context, w persistence.LedgerWrite) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer tx.Rollback()

	snap := w.Snapshot
	var res sql.Result
	if w.ExpectedVersion == 0 {
		res, err = tx.ExecContext(ctx, `
			INSERT INTO agent_float_snapshots (agent_id, bank_id, e_float, source, version, last_updated_at)
			VALUES ($1, $2, $3, $4, 1, $5)
			ON CONFLICT (agent_id) DO NOTHING`,
			snap.AgentID, snap.BankID, snap.EFloat, snap.Source, snap.LastUpdatedAt)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE agent_float_snapshots
			SET e_float = $3, source = $4, version = version + 1, last_updated_at = $5
			WHERE agent_id = $1 AND version = $2`,
			snap.AgentID, w.ExpectedVersion, snap.EFloat, snap.Source, snap.LastUpdatedAt)
	}
	if err != nil {
		return fmt.Errorf("failed to write float snapshot: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read snapshot rows affected: %w", err)
	}
	if affected == 0 {
		return persistence.ErrVersionConflict
	}

	e := w.Entry
	_, err = tx.ExecContext(ctx, `
		INSERT INTO transaction_logs
		(bank_id, agent_id, terminal_id, tx_type, amount, currency, status, payment_method, reference, tx_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.BankID, e.AgentID, e.TerminalID, e.TxType, e.Amount, e.Currency,
		e.Status, e.PaymentMethod, e.Reference, e.TxTime)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23514" {
			return fmt.Errorf("ledger entry rejected by check constraint: %w", err)
		}
		return fmt.Errorf("failed to append transaction log: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE agents
		SET last_active_at = GREATEST(COALESCE(last_active_at, $2), $2)
		WHERE id = $1`, e.AgentID, e.TxTime)
	if err != nil {
		return fmt.Errorf("failed to update agent activity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger transaction: %w", err)
	}
	return nil
}

// Window returns the agent's ledger entries inside [from, to], oldest first
func (r *ledgerRepo) Window(ctx context.Context, agentID string, from, to time.Time) ([]persistence.TransactionLog, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	entries := []persistence.TransactionLog{}
	err := r.db.SelectContext(ctx, &entries, `
		SELECT id, bank_id, agent_id, terminal_id, tx_type, amount, currency, status,
		       payment_method, reference, tx_time, created_at
		FROM transaction_logs
		WHERE agent_id = $1 AND tx_time >= $2 AND tx_time <= $3
		ORDER BY tx_time ASC`, agentID, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query transaction window: %w", err)
	}
	return entries, nil
}

// SnapshotsByBank returns every snapshot for the bank
func (r *ledgerRepo) SnapshotsByBank(ctx context.Context, bankID string) ([]persistence.FloatSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	snaps := []persistence.FloatSnapshot{}
	err := r.db.SelectContext(ctx, &snaps, `
		SELECT agent_id, bank_id, e_float, source, version, last_updated_at
		FROM agent_float_snapshots
		WHERE bank_id = $1`, bankID)
	if err != nil {
		return nil, fmt.Errorf("failed to query bank snapshots: %w", err)
	}
	return snaps, nil
}

// StatsSince counts and sums the bank's entries since the given time
func (r *ledgerRepo) StatsSince(ctx context.Context, bankID string, since time.Time) (persistence.TxStats, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var stats persistence.TxStats
	err := r.db.GetContext(ctx, &stats, `
		SELECT COUNT(*) AS count, COALESCE(SUM(amount), 0) AS total
		FROM transaction_logs
		WHERE bank_id = $1 AND tx_time >= $2`, bankID, since)
	if err != nil {
		return persistence.TxStats{}, fmt.Errorf("failed to aggregate transactions: %w", err)
	}
	return stats, nil
}
