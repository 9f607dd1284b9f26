package decision

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/floatwatch/internal/config"
	"github.com/sawpanic/floatwatch/internal/model"
	"github.com/sawpanic/floatwatch/internal/persistence"
)

var (
	now     = time.Date(2025, 9, 7, 10, 30, 0, 0, time.UTC)
	subject = Subject{AgentCode: "AG001", BankID: "bank-1"}
)

func defaults() Policy {
	return DefaultPolicy(config.Default().Decision)
}

func prediction(c model.Class, low, bal, rich float64) model.Prediction {
	conf := low
	if bal > conf {
		conf = bal
	}
	if rich > conf {
		conf = rich
	}
	return model.Prediction{Class: c, Probabilities: model.Probabilities{Low: low, Balanced: bal, Rich: rich}, Confidence: conf}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name string
		pred model.Prediction
		want AlertType
	}{
		{"low above floor", prediction(model.LowEFloat, 0.80, 0.15, 0.05), LowFloatAlert},
		{"low below floor", prediction(model.LowEFloat, 0.60, 0.30, 0.10), ""},
		{"low exactly at floor", prediction(model.LowEFloat, 0.75, 0.20, 0.05), ""},
		{"rich above floor", prediction(model.CashRich, 0.05, 0.20, 0.75), CashRichAlert},
		{"rich below floor", prediction(model.CashRich, 0.20, 0.15, 0.65), ""},
		{"balanced never alerts", prediction(model.Balanced, 0.01, 0.98, 0.01), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := Evaluate(subject, tt.pred, defaults(), now)
			if tt.want == "" {
				assert.Nil(t, a)
				return
			}
			require.NotNil(t, a)
			assert.Equal(t, tt.want, a.Type)
		})
	}
}

func TestEvaluate_LowFloatPayload(t *testing.T) {
	a := Evaluate(subject, prediction(model.LowEFloat, 0.80, 0.15, 0.05), defaults(), now)
	require.NotNil(t, a)
	assert.Equal(t, "AG001", a.AgentID)
	assert.Equal(t, "bank-1", a.BankID)
	assert.Equal(t, 0.80, a.Confidence)
	assert.Equal(t, RefillFloat, a.SuggestedAction.Action)
	assert.True(t, a.SuggestedAction.Amount.Equal(decimal.NewFromInt(200000)))
	assert.Equal(t, now, a.RaisedAt)
	assert.Contains(t, a.Message, "AG001")
}

func TestEvaluate_CashRichSuggestsOffload(t *testing.T) {
	a := Evaluate(subject, prediction(model.CashRich, 0.05, 0.10, 0.85), defaults(), now)
	require.NotNil(t, a)
	assert.Equal(t, OffloadCash, a.SuggestedAction.Action)
	assert.Equal(t, 0.85, a.Confidence)
}

func TestPolicyFor_BankOverrides(t *testing.T) {
	low := 0.9
	bank := &persistence.BankConfig{
		BankID:               "bank-1",
		LowFloatConfidence:   &low,
		RedistributionAmount: decimal.NewNullDecimal(decimal.NewFromInt(50000)),
	}
	p := PolicyFor(defaults(), bank)
	assert.Equal(t, 0.9, p.LowFloatConfidence)
	assert.Equal(t, 0.70, p.CashRichConfidence)
	assert.True(t, p.RedistributionAmount.Equal(decimal.NewFromInt(50000)))

	assert.Nil(t, Evaluate(subject, prediction(model.LowEFloat, 0.80, 0.15, 0.05), p, now))
	assert.Equal(t, defaults(), PolicyFor(defaults(), nil))
}
