package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sawpanic/floatwatch/internal/persistence"
)

type refillRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRefillRepo creates a new PostgreSQL refill repository
func NewRefillRepo(db *sqlx.DB, timeout time.Duration) persistence.RefillRepo {
	return &refillRepo{db: db, timeout: timeout}
}

func (r *refillRepo) Insert(ctx context.Context, ev persistence.RefillEvent) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refill_events (agent_id, bank_id, amount, refill_at)
		VALUES ($1, $2, $3, $4)`, ev.AgentID, ev.BankID, ev.Amount, ev.RefillAt)
	if err != nil {
		return fmt.Errorf("failed to insert refill event: %w", err)
	}
	return nil
}

func (r *refillRepo) LatestRefillAt(ctx context.Context, agentID string) (*time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	// MAX over zero rows yields one NULL row rather than sql.ErrNoRows
	var latest *time.Time
	err := r.db.GetContext(ctx, &latest,
		`SELECT MAX(refill_at) FROM refill_events WHERE agent_id = $1`, agentID)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest refill: %w", err)
	}
	return latest, nil
}
