package features

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/floatwatch/internal/config"
	"github.com/sawpanic/floatwatch/internal/persistence"
	"github.com/sawpanic/floatwatch/internal/persistence/memstore"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func setup(t *testing.T) (*memstore.Store, *Extractor) {
	t.Helper()
	store := memstore.New()
	store.AddAgent(persistence.Agent{ID: "a-1", AgentCode: "AG001", BankID: "bank-1", AssignedLimit: dec("500000")})
	ex, err := NewExtractor(store.Repository(), config.Default().Features)
	require.NoError(t, err)
	return store, ex
}

func TestExtract_NoSnapshot(t *testing.T) {
	_, ex := setup(t)
	_, err := ex.Extract(context.Background(), "a-1", time.Now())
	assert.ErrorIs(t, err, ErrNotEnoughData)
}

func TestExtract_UnknownAgent(t *testing.T) {
	_, ex := setup(t)
	_, err := ex.Extract(context.Background(), "missing", time.Now())
	assert.ErrorIs(t, err, persistence.ErrAgentNotFound)
}

func TestExtract_Vector(t *testing.T) {
	store, ex := setup(t)
	// 08:00 in Lagos (UTC+1)
	now := time.Date(2025, 9, 7, 7, 0, 0, 0, time.UTC)

	store.SetSnapshot(persistence.FloatSnapshot{AgentID: "a-1", BankID: "bank-1", EFloat: dec("70000")})
	store.AddEntry(persistence.TransactionLog{AgentID: "a-1", BankID: "bank-1", TxType: persistence.TxWithdrawal, Amount: dec("50000"), TxTime: now.Add(-time.Hour)})
	store.AddEntry(persistence.TransactionLog{AgentID: "a-1", BankID: "bank-1", TxType: persistence.TxWithdrawal, Amount: dec("10000"), TxTime: now.Add(-2 * time.Hour)})
	store.AddEntry(persistence.TransactionLog{AgentID: "a-1", BankID: "bank-1", TxType: persistence.TxDeposit, Amount: dec("30000"), TxTime: now.Add(-3 * time.Hour)})
	// outside the 6h window
	store.AddEntry(persistence.TransactionLog{AgentID: "a-1", BankID: "bank-1", TxType: persistence.TxWithdrawal, Amount: dec("999999"), TxTime: now.Add(-7 * time.Hour)})
	require.NoError(t, store.Insert(context.Background(), persistence.RefillEvent{AgentID: "a-1", RefillAt: now.Add(-50 * time.Hour)}))

	v, err := ex.Extract(context.Background(), "a-1", now)
	require.NoError(t, err)

	assert.InDelta(t, 0.14, v.EFloatPct(), 1e-9)
	assert.InDelta(t, 60000.0/6/100000, v.WithdrawalVelocity(), 1e-9)
	assert.InDelta(t, 30000.0/6/100000, v.DepositVelocity(), 1e-9)
	assert.InDelta(t, 0.3, v.AvgWithdrawalSize(), 1e-9)
	assert.InDelta(t, 0.5, v.TimeSinceRefill(), 1e-9)
	assert.InDelta(t, math.Sin(2*math.Pi*8/24), v.HourSin(), 1e-9)
	assert.InDelta(t, math.Cos(2*math.Pi*8/24), v.HourCos(), 1e-9)
	assert.Equal(t, 1.0, v.IsPeakHour())
}

func TestExtract_NoRefillSentinelAndOffPeak(t *testing.T) {
	store, ex := setup(t)
	now := time.Date(2025, 9, 7, 12, 0, 0, 0, time.UTC) // 13:00 local
	store.SetSnapshot(persistence.FloatSnapshot{AgentID: "a-1", BankID: "bank-1", EFloat: dec("500000")})

	v, err := ex.Extract(context.Background(), "a-1", now)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, v.EFloatPct(), 1e-9)
	assert.InDelta(t, NoRefillHours/100, v.TimeSinceRefill(), 1e-9)
	assert.Zero(t, v.AvgWithdrawalSize())
	assert.Zero(t, v.IsPeakHour())
}

func TestExtract_RefillCapped(t *testing.T) {
	store, ex := setup(t)
	now := time.Date(2025, 9, 7, 12, 0, 0, 0, time.UTC)
	store.SetSnapshot(persistence.FloatSnapshot{AgentID: "a-1", BankID: "bank-1", EFloat: dec("1")})
	require.NoError(t, store.Insert(context.Background(), persistence.RefillEvent{AgentID: "a-1", RefillAt: now.Add(-2000 * time.Hour)}))

	v, err := ex.Extract(context.Background(), "a-1", now)
	require.NoError(t, err)
	assert.Equal(t, 10.0, v.TimeSinceRefill())
}

func TestPeakHours(t *testing.T) {
	_, ex := setup(t)
	for hour, want := range map[int]bool{6: false, 7: true, 9: true, 10: false, 15: false, 16: true, 18: true, 19: false} {
		assert.Equal(t, want, ex.isPeak(hour), "hour %d", hour)
	}
}

func TestNewExtractor_BadTimezone(t *testing.T) {
	cfg := config.Default().Features
	cfg.Timezone = "Mars/Olympus"
	_, err := NewExtractor(memstore.New().Repository(), cfg)
	assert.Error(t, err)
}
