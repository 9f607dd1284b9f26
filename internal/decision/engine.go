// Package decision turns a prediction into at most one actionable alert.
package decision

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/floatwatch/internal/config"
	"github.com/sawpanic/floatwatch/internal/model"
	"github.com/sawpanic/floatwatch/internal/persistence"
)

// AlertType names the alert raised
type AlertType string

const (
	LowFloatAlert AlertType = "LOW_FLOAT_ALERT"
	CashRichAlert AlertType = "CASH_RICH_ALERT"
)

// Action is the suggested remediation
type Action string

const (
	RefillFloat Action = "REFILL_FLOAT"
	OffloadCash Action = "OFFLOAD_CASH"
)

// SuggestedAction carries the remediation and its amount
type SuggestedAction struct {
	Action Action          `json:"action"`
	Amount decimal.Decimal `json:"amount"`
}

// Alert is the payload handed to notifiers
type Alert struct {
	AgentID         string              `json:"agent_id"`
	BankID          string              `json:"bank_id"`
	Type            AlertType           `json:"alert_type"`
	Confidence      float64             `json:"confidence"`
	Probabilities   model.Probabilities `json:"probabilities"`
	SuggestedAction SuggestedAction     `json:"suggested_action"`
	Message         string              `json:"message"`
	RaisedAt        time.Time           `json:"raised_at"`
}

// Subject identifies who the prediction is about
type Subject struct {
	AgentCode string
	BankID    string
}

// Policy holds the confidence floors and remediation amount for one bank
type Policy struct {
	LowFloatConfidence   float64
	CashRichConfidence   float64
	RedistributionAmount decimal.Decimal
}

// DefaultPolicy builds the policy from configuration
func DefaultPolicy(cfg config.DecisionConfig) Policy {
	amount, err := decimal.NewFromString(cfg.RedistributionAmount)
	if err != nil {
		amount = decimal.NewFromInt(200000)
	}
	return Policy{
		LowFloatConfidence:   cfg.LowFloatConfidence,
		CashRichConfidence:   cfg.CashRichConfidence,
		RedistributionAmount: amount,
	}
}

// PolicyFor overlays a bank's configuration on the defaults; bank may be nil
func PolicyFor(defaults Policy, bank *persistence.BankConfig) Policy {
	p := defaults
	if bank == nil {
		return p
	}
	if bank.LowFloatConfidence != nil {
		p.LowFloatConfidence = *bank.LowFloatConfidence
	}
	if bank.CashRichConfidence != nil {
		p.CashRichConfidence = *bank.CashRichConfidence
	}
	if bank.RedistributionAmount.Valid {
		p.RedistributionAmount = bank.RedistributionAmount.Decimal
	}
	return p
}

// Evaluate returns the alert for the prediction, or nil when none is warranted
func Evaluate(s Subject, p model.Prediction, policy Policy, now time.Time) *Alert {
	var a *Alert
	switch {
	case p.Class == model.LowEFloat && p.Probabilities.Low > policy.LowFloatConfidence:
		a = &Alert{
			Type:            LowFloatAlert,
			Confidence:      p.Probabilities.Low,
			SuggestedAction: SuggestedAction{Action: RefillFloat, Amount: policy.RedistributionAmount},
			Message: fmt.Sprintf("Agent %s is likely to run out of e-float (%.0f%% confidence). Refill %s.",
				s.AgentCode, p.Probabilities.Low*100, policy.RedistributionAmount.StringFixed(2)),
		}
	case p.Class == model.CashRich && p.Probabilities.Rich > policy.CashRichConfidence:
		a = &Alert{
			Type:            CashRichAlert,
			Confidence:      p.Probabilities.Rich,
			SuggestedAction: SuggestedAction{Action: OffloadCash, Amount: policy.RedistributionAmount},
			Message: fmt.Sprintf("Agent %s is holding excess cash (%.0f%% confidence). Offload %s.",
				s.AgentCode, p.Probabilities.Rich*100, policy.RedistributionAmount.StringFixed(2)),
		}
	default:
		return nil
	}
	a.AgentID = s.AgentCode
	a.BankID = s.BankID
	a.Probabilities = p.Probabilities
	a.RaisedAt = now.UTC()
	return a
}
