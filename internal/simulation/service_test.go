package simulation

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/floatwatch/internal/config"
	"github.com/sawpanic/floatwatch/internal/decision"
	"github.com/sawpanic/floatwatch/internal/features"
	"github.com/sawpanic/floatwatch/internal/ledger"
	"github.com/sawpanic/floatwatch/internal/metrics"
	"github.com/sawpanic/floatwatch/internal/model"
	"github.com/sawpanic/floatwatch/internal/persistence"
	"github.com/sawpanic/floatwatch/internal/persistence/memstore"
	"github.com/sawpanic/floatwatch/internal/pipeline"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixedPredictor struct{ pred model.Prediction }

func (f fixedPredictor) Classify(features.Vector) (model.Prediction, error) { return f.pred, nil }

func newService(t *testing.T, pred model.Prediction) (*Service, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	store.AddAgent(persistence.Agent{ID: "a-1", AgentCode: "emp_007", BankID: "bank-1", AssignedLimit: dec("500000")})
	store.SetSnapshot(persistence.FloatSnapshot{AgentID: "a-1", BankID: "bank-1", EFloat: dec("120000")})

	ex, err := features.NewExtractor(store.Repository(), config.Default().Features)
	require.NoError(t, err)
	p := pipeline.NewProcessor(pipeline.Deps{
		Ledger:    ledger.New(store.Repository()),
		Features:  ex,
		Predictor: fixedPredictor{pred: pred},
		Banks:     store,
		Policy:    decision.DefaultPolicy(config.Default().Decision),
		Metrics:   metrics.New(),
	})
	svc := NewService(p)
	svc.now = func() time.Time { return time.Date(2025, 9, 7, 10, 30, 0, 0, time.UTC) }
	return svc, store
}

func TestProcessTransaction_LowFloatRaisesRefill(t *testing.T) {
	svc, store := newService(t, model.Prediction{
		Class:         model.LowEFloat,
		Probabilities: model.Probabilities{Low: 0.9, Balanced: 0.05, Rich: 0.05},
		Confidence:    0.9,
	})

	resp, err := svc.ProcessTransaction(context.Background(), Request{AgentID: "emp_007", Amount: dec("50000")})
	require.NoError(t, err)

	assert.Equal(t, "LOW_E_FLOAT", resp.Classification)
	assert.InDelta(t, 90.0, resp.Confidence, 1e-9)
	assert.True(t, resp.NewBalance.Equal(dec("70000")))
	require.NotNil(t, resp.Alert)
	assert.Equal(t, ActionRefillATM, resp.Alert.Action)
	assert.True(t, resp.Alert.Amount.Equal(dec("200000")))
	assert.Len(t, resp.Alert.Code, 6)

	entries := store.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "simulation", entries[0].PaymentMethod)
	assert.Equal(t, "sim_1757241000000000000", entries[0].Reference)
}

func TestProcessTransaction_CashRichKeepsPolarity(t *testing.T) {
	svc, _ := newService(t, model.Prediction{
		Class:         model.CashRich,
		Probabilities: model.Probabilities{Low: 0.05, Balanced: 0.05, Rich: 0.9},
		Confidence:    0.9,
	})

	resp, err := svc.ProcessTransaction(context.Background(), Request{
		AgentID:      "emp_007",
		Amount:       dec("10000"),
		BalanceAfter: func() *decimal.Decimal { d := dec("480000"); return &d }(),
		TxType:       persistence.TxDeposit,
	})
	require.NoError(t, err)
	assert.Equal(t, "CASH_RICH", resp.Classification)
	assert.Nil(t, resp.Alert, "refill instructions are only for low float")
	assert.True(t, resp.NewBalance.Equal(dec("480000")))
}

func TestProcessTransaction_Validation(t *testing.T) {
	svc, _ := newService(t, model.Prediction{})

	_, err := svc.ProcessTransaction(context.Background(), Request{Amount: dec("1")})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.ProcessTransaction(context.Background(), Request{AgentID: "emp_007", Amount: dec("-1")})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.ProcessTransaction(context.Background(), Request{AgentID: "emp_007", Amount: dec("1"), TxType: "refund"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestProcessTransaction_UnknownAgent(t *testing.T) {
	svc, _ := newService(t, model.Prediction{})
	_, err := svc.ProcessTransaction(context.Background(), Request{AgentID: "ghost", Amount: dec("1")})
	assert.ErrorIs(t, err, persistence.ErrAgentNotFound)
}

func TestRandomCode(t *testing.T) {
	code, err := randomCode(6)
	require.NoError(t, err)
	assert.Len(t, code, 6)
	for _, c := range code {
		assert.Contains(t, codeAlphabet, string(c))
	}
}
