// Package pipeline moves payment events from ingress through the ledger,
// classifier and decision engine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/floatwatch/internal/alerts"
	"github.com/sawpanic/floatwatch/internal/decision"
	"github.com/sawpanic/floatwatch/internal/features"
	"github.com/sawpanic/floatwatch/internal/ledger"
	"github.com/sawpanic/floatwatch/internal/metrics"
	"github.com/sawpanic/floatwatch/internal/model"
	"github.com/sawpanic/floatwatch/internal/persistence"
)

// ErrPermanent marks a failure that a retry cannot fix
var ErrPermanent = errors.New("permanent failure")

// Permanent wraps err so errors.Is(err, ErrPermanent) holds
func Permanent(err error) error {
	if err == nil || errors.Is(err, ErrPermanent) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// LedgerApplier applies events to the float ledger
type LedgerApplier interface {
	ApplyEvent(ctx context.Context, ev ledger.Event) (*ledger.Result, error)
}

// FeatureSource extracts model inputs
type FeatureSource interface {
	Extract(ctx context.Context, agentID string, now time.Time) (features.Vector, error)
}

// Predictor classifies a feature vector
type Predictor interface {
	Classify(v features.Vector) (model.Prediction, error)
}

// BankConfigs resolves per-bank overrides
type BankConfigs interface {
	BankConfig(ctx context.Context, bankID string) (*persistence.BankConfig, error)
}

// Invalidator drops cached aggregates for a bank
type Invalidator interface {
	Invalidate(ctx context.Context, bankID string) error
}

// Deps are the collaborators of a Processor
type Deps struct {
	Ledger      LedgerApplier
	Features    FeatureSource
	Predictor   Predictor
	Banks       BankConfigs
	Policy      decision.Policy
	Notifier    alerts.Notifier
	Invalidator Invalidator
	Metrics     *metrics.Registry
	Now         func() time.Time
}

// Outcome is what one processed event produced
type Outcome struct {
	Ledger     *ledger.Result
	Prediction *model.Prediction
	Alert      *decision.Alert
}

// Processor runs the ledger, features, classify, decide, notify, invalidate sequence
type Processor struct {
	deps Deps
}

// NewProcessor creates a processor
func NewProcessor(deps Deps) *Processor {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Notifier == nil {
		deps.Notifier = alerts.LogNotifier{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	return &Processor{deps: deps}
}

// Process applies one event. Only the ledger step can fail the call; every
// later step is best-effort once the ledger has committed.
func (p *Processor) Process(ctx context.Context, ev *PaymentEvent) (*Outcome, error) {
	if err := ev.Validate(); err != nil {
		return nil, Permanent(err)
	}
	logger := log.With().Str("event_id", ev.DedupID()).Str("agent_id", ev.Transaction.Metadata.AgentID).Logger()

	if !ev.Settled() {
		logger.Info().Str("status", ev.Transaction.Status).Msg("Transaction not settled, ledger unchanged")
		return &Outcome{}, nil
	}

	timer := p.deps.Metrics.StartStage("ledger")
	res, err := p.deps.Ledger.ApplyEvent(ctx, ev.LedgerEvent())
	if err != nil {
		timer.Stop("error")
		if errors.Is(err, persistence.ErrAgentNotFound) || errors.Is(err, ledger.ErrFloatUnresolvable) {
			return nil, Permanent(err)
		}
		return nil, err
	}
	timer.Stop("ok")

	out := &Outcome{Ledger: res}
	agent := res.Agent
	logger = logger.With().Str("bank_id", agent.BankID).Logger()

	defer p.invalidate(ctx, agent.BankID)

	pred, ok := p.predict(ctx, agent.ID, logger)
	if !ok {
		return out, nil
	}
	out.Prediction = &pred

	policy := p.deps.Policy
	if p.deps.Banks != nil {
		bank, err := p.deps.Banks.BankConfig(ctx, agent.BankID)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to load bank config, using default alert policy")
		} else {
			policy = decision.PolicyFor(policy, bank)
		}
	}

	alert := decision.Evaluate(decision.Subject{AgentCode: agent.AgentCode, BankID: agent.BankID}, pred, policy, p.deps.Now())
	if alert == nil {
		return out, nil
	}
	out.Alert = alert
	p.deps.Metrics.Alert(string(alert.Type))
	if err := p.deps.Notifier.Notify(ctx, *alert); err != nil {
		logger.Error().Err(err).Str("alert_type", string(alert.Type)).Msg("Failed to deliver alert")
	}
	return out, nil
}

func (p *Processor) predict(ctx context.Context, agentID string, logger zerolog.Logger) (model.Prediction, bool) {
	timer := p.deps.Metrics.StartStage("features")
	vec, err := p.deps.Features.Extract(ctx, agentID, p.deps.Now())
	if err != nil {
		timer.Stop("error")
		p.deps.Metrics.PredictionSkipped("features")
		logger.Warn().Err(err).Msg("Feature extraction failed, skipping prediction")
		return model.Prediction{}, false
	}
	timer.Stop("ok")

	timer = p.deps.Metrics.StartStage("classify")
	pred, err := p.deps.Predictor.Classify(vec)
	if err != nil {
		timer.Stop("error")
		reason := "classify"
		if errors.Is(err, model.ErrModelUnavailable) {
			reason = "model_unavailable"
		}
		p.deps.Metrics.PredictionSkipped(reason)
		logger.Warn().Err(err).Msg("Prediction skipped")
		return model.Prediction{}, false
	}
	timer.Stop("ok")

	p.deps.Metrics.Prediction(pred.Class.String())
	logger.Info().Str("class", pred.Class.String()).Float64("confidence", pred.Confidence).Msg("Liquidity classified")
	return pred, true
}

func (p *Processor) invalidate(ctx context.Context, bankID string) {
	if p.deps.Invalidator == nil {
		return
	}
	if err := p.deps.Invalidator.Invalidate(ctx, bankID); err != nil {
		log.Warn().Err(err).Str("bank_id", bankID).Msg("Failed to invalidate dashboard cache")
	}
}
