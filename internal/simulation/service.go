// Package simulation applies manual test transactions synchronously and
// reports what the classifier made of them.
package simulation

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/floatwatch/internal/decision"
	"github.com/sawpanic/floatwatch/internal/persistence"
	"github.com/sawpanic/floatwatch/internal/pipeline"
)

// ErrInvalidRequest rejects malformed simulation requests
var ErrInvalidRequest = errors.New("invalid simulation request")

// ActionRefillATM tells the agent to collect float at an ATM
const ActionRefillATM = "REFILL_ATM"

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Request is one simulated transaction
type Request struct {
	AgentID      string             `json:"agent_id"`
	Amount       decimal.Decimal    `json:"amount"`
	BalanceAfter *decimal.Decimal   `json:"balance_after,omitempty"`
	TxType       persistence.TxType `json:"tx_type"`
}

// RefillAlert is the agent-facing instruction raised on a low-float prediction
type RefillAlert struct {
	Message string          `json:"message"`
	Action  string          `json:"action"`
	Amount  decimal.Decimal `json:"amount"`
	Code    string          `json:"code"`
}

// Response reports the outcome of a simulated transaction
type Response struct {
	Classification string          `json:"classification"`
	Confidence     float64         `json:"confidence"` // percent
	Alert          *RefillAlert    `json:"alert,omitempty"`
	NewBalance     decimal.Decimal `json:"new_balance"`
}

// Processor is the synchronous pipeline entry point
type Processor interface {
	Process(ctx context.Context, ev *pipeline.PaymentEvent) (*pipeline.Outcome, error)
}

// Service runs simulations through the regular pipeline
type Service struct {
	processor Processor
	now       func() time.Time
}

// NewService creates a simulation service
func NewService(p Processor) *Service {
	return &Service{processor: p, now: time.Now}
}

// Validate checks the request and fills defaults
func (r *Request) Validate() error {
	if r.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidRequest)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if r.BalanceAfter != nil && r.BalanceAfter.IsNegative() {
		return fmt.Errorf("%w: balance_after cannot be negative", ErrInvalidRequest)
	}
	if r.TxType == "" {
		r.TxType = persistence.TxWithdrawal
	}
	if !r.TxType.Valid() {
		return fmt.Errorf("%w: tx_type must be withdrawal or deposit", ErrInvalidRequest)
	}
	return nil
}

// ProcessTransaction applies the transaction, classifies the agent and
// returns the resulting posture
func (s *Service) ProcessTransaction(ctx context.Context, req Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	at := s.now().UTC()
	ref := fmt.Sprintf("sim_%d", at.UnixNano())

	ev := &pipeline.PaymentEvent{
		ID:        ref,
		EventType: "transaction.simulated",
		Timestamp: at,
		Transaction: pipeline.Transaction{
			ID:            ref,
			Amount:        req.Amount,
			Currency:      "NGN",
			Status:        "succeeded",
			Type:          req.TxType,
			PaymentMethod: &pipeline.PaymentMethod{Type: "simulation"},
			Metadata:      pipeline.Metadata{AgentID: req.AgentID},
			BalanceAfter:  req.BalanceAfter,
		},
	}

	out, err := s.processor.Process(ctx, ev)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		Classification: "UNKNOWN",
		NewBalance:     out.Ledger.Snapshot.EFloat,
	}
	if out.Prediction != nil {
		resp.Classification = out.Prediction.Class.String()
		resp.Confidence = out.Prediction.Confidence * 100
	}
	if a := out.Alert; a != nil && a.Type == decision.LowFloatAlert {
		code, err := randomCode(6)
		if err != nil {
			return nil, err
		}
		resp.Alert = &RefillAlert{
			Message: fmt.Sprintf("Low Float Alert! Refill %s at nearest ATM", a.SuggestedAction.Amount.StringFixed(2)),
			Action:  ActionRefillATM,
			Amount:  a.SuggestedAction.Amount,
			Code:    code,
		}
	}
	return resp, nil
}

func randomCode(n int) (string, error) {
	out := make([]byte, n)
	limit := big.NewInt(int64(len(codeAlphabet)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to generate refill code: %w", err)
		}
		out[i] = codeAlphabet[idx.Int64()]
	}
	return string(out), nil
}
