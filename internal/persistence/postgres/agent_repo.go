package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/floatwatch/internal/persistence"
)

const agentColumns = `id, agent_id, bank_id, full_name, email, terminal_id, assigned_limit,
	threshold_low, threshold_high, status, last_active_at, created_at`

// agentRepo implements persistence.AgentRepo for PostgreSQL
type agentRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewAgentRepo creates a new PostgreSQL agent repository
func NewAgentRepo(db *sqlx.DB, timeout time.Duration) persistence.AgentRepo {
	return &agentRepo{db: db, timeout: timeout}
}

// GetByCode resolves an agent by its external code
func (r *agentRepo) GetByCode(ctx context.Context, code string) (*persistence.Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var agent persistence.Agent
	err := r.db.GetContext(ctx, &agent, `SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, code)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrAgentNotFound, code)
		}
		return nil, fmt.Errorf("failed to get agent by code: %w", err)
	}
	return &agent, nil
}

// GetByID resolves an agent by its internal id
func (r *agentRepo) GetByID(ctx context.Context, id string) (*persistence.Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var agent persistence.Agent
	err := r.db.GetContext(ctx, &agent, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", persistence.ErrAgentNotFound, id)
		}
		return nil, fmt.Errorf("failed to get agent by id: %w", err)
	}
	return &agent, nil
}

// ListActiveByBank pages through the bank's active agents
func (r *agentRepo) ListActiveByBank(ctx context.Context, bankID string, offset, limit int) ([]persistence.Agent, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `SELECT ` + agentColumns + `
		FROM agents
		WHERE bank_id = $1 AND status = 'active'
		ORDER BY last_active_at DESC NULLS LAST, agent_id
		OFFSET $2 LIMIT $3`

	agents := []persistence.Agent{}
	if err := r.db.SelectContext(ctx, &agents, query, bankID, offset, limit); err != nil {
		return nil, fmt.Errorf("failed to list agents for bank %s: %w", bankID, err)
	}
	return agents, nil
}

// CountActiveByBank counts the bank's active agents
func (r *agentRepo) CountActiveByBank(ctx context.Context, bankID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var count int64
	err := r.db.GetContext(ctx, &count,
		`SELECT COUNT(*) FROM agents WHERE bank_id = $1 AND status = 'active'`, bankID)
	if err != nil {
		return 0, fmt.Errorf("failed to count agents for bank %s: %w", bankID, err)
	}
	return count, nil
}

// BankConfig returns the bank's overrides or nil when the bank has none
func (r *agentRepo) BankConfig(ctx context.Context, bankID string) (*persistence.BankConfig, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var cfg persistence.BankConfig
	err := r.db.GetContext(ctx, &cfg, `
		SELECT bank_id, threshold_low, threshold_high, low_float_confidence,
		       cash_rich_confidence, redistribution_amount
		FROM bank_configs
		WHERE bank_id = $1`, bankID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get bank config: %w", err)
	}
	return &cfg, nil
}
