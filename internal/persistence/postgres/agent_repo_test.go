package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/floatwatch/internal/persistence"
)

var agentCols = []string{"id", "agent_id", "bank_id", "full_name", "email", "terminal_id",
	"assigned_limit", "threshold_low", "threshold_high", "status", "last_active_at", "created_at"}

func TestAgentRepo_GetByCode(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAgentRepo(db, time.Second)
	created := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`FROM agents WHERE agent_id = \$1`).WithArgs("emp_007").
		WillReturnRows(sqlmock.NewRows(agentCols).AddRow(
			"a-1", "emp_007", "bank-1", "Jane Doe", nil, "POS_123",
			"500000.00", "0.3000", nil, "active", nil, created))

	agent, err := repo.GetByCode(context.Background(), "emp_007")
	require.NoError(t, err)
	assert.Equal(t, "a-1", agent.ID)
	assert.True(t, agent.AssignedLimit.Equal(decimal.NewFromInt(500000)))
	require.True(t, agent.ThresholdLow.Valid)
	assert.Equal(t, "0.3", agent.ThresholdLow.Decimal.String())
	assert.False(t, agent.ThresholdHigh.Valid)
	assert.Nil(t, agent.Email)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAgentRepo_GetByCode_NotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAgentRepo(db, time.Second)

	mock.ExpectQuery(`FROM agents WHERE agent_id = \$1`).WithArgs("ghost").WillReturnError(sql.ErrNoRows)

	_, err := repo.GetByCode(context.Background(), "ghost")
	assert.ErrorIs(t, err, persistence.ErrAgentNotFound)
}

func TestAgentRepo_BankConfig_Absent(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewAgentRepo(db, time.Second)

	mock.ExpectQuery(`FROM bank_configs`).WithArgs("bank-9").WillReturnError(sql.ErrNoRows)

	cfg, err := repo.BankConfig(context.Background(), "bank-9")
	require.NoError(t, err)
	assert.Nil(t, cfg)
}
