package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/floatwatch/internal/ledger"
	"github.com/sawpanic/floatwatch/internal/persistence"
)

// JobName is the queue job name for payment events
const JobName = "payment.process"

// ErrInvalidEvent rejects payloads that cannot be applied
var ErrInvalidEvent = errors.New("invalid payment event")

// PaymentEvent is the inbound webhook payload
type PaymentEvent struct {
	ID          string      `json:"id"`
	EventType   string      `json:"event_type"`
	Timestamp   time.Time   `json:"timestamp"`
	Transaction Transaction `json:"transaction"`
}

// Transaction is the payment carried by an event
type Transaction struct {
	ID            string             `json:"id"`
	Amount        decimal.Decimal    `json:"amount"`
	Currency      string             `json:"currency"`
	Status        string             `json:"status"`
	Type          persistence.TxType `json:"type"`
	PaymentMethod *PaymentMethod     `json:"payment_method,omitempty"`
	Metadata      Metadata           `json:"metadata"`
	BalanceAfter  *decimal.Decimal   `json:"balance_after,omitempty"`
}

// PaymentMethod describes the instrument used
type PaymentMethod struct {
	Type  string `json:"type"`
	Brand string `json:"brand,omitempty"`
	Last4 string `json:"last4,omitempty"`
}

// Metadata links the payment to an agent and terminal
type Metadata struct {
	AgentID    string `json:"agent_id"`
	TerminalID string `json:"terminal_id,omitempty"`
}

// Validate checks the fields the pipeline depends on
func (e *PaymentEvent) Validate() error {
	if e.DedupID() == "" {
		return fmt.Errorf("%w: id or transaction.id is required", ErrInvalidEvent)
	}
	if e.Transaction.Metadata.AgentID == "" {
		return fmt.Errorf("%w: transaction.metadata.agent_id is required", ErrInvalidEvent)
	}
	if !e.Transaction.Type.Valid() {
		return fmt.Errorf("%w: transaction.type must be withdrawal or deposit, got %q", ErrInvalidEvent, e.Transaction.Type)
	}
	if !e.Transaction.Amount.IsPositive() {
		return fmt.Errorf("%w: transaction.amount must be positive", ErrInvalidEvent)
	}
	return nil
}

// DedupID is the identity used by the idempotency gate: the transaction id,
// or the event id when the transaction carries none
func (e *PaymentEvent) DedupID() string {
	if e.Transaction.ID != "" {
		return e.Transaction.ID
	}
	return e.ID
}

// Settled reports whether the transaction moved money
func (e *PaymentEvent) Settled() bool {
	switch strings.ToLower(e.Transaction.Status) {
	case "", "succeeded", "success", "successful", "completed":
		return true
	default:
		return false
	}
}

// LedgerEvent maps the payload onto a ledger event
func (e *PaymentEvent) LedgerEvent() ledger.Event {
	method := "pos"
	if pm := e.Transaction.PaymentMethod; pm != nil && pm.Type != "" {
		method = pm.Type
	}
	var terminal *string
	if t := e.Transaction.Metadata.TerminalID; t != "" {
		terminal = &t
	}
	return ledger.Event{
		AgentCode:     e.Transaction.Metadata.AgentID,
		TxType:        e.Transaction.Type,
		Amount:        e.Transaction.Amount,
		BalanceAfter:  e.Transaction.BalanceAfter,
		Timestamp:     e.Timestamp,
		Reference:     e.DedupID(),
		Currency:      e.Transaction.Currency,
		Status:        e.Transaction.Status,
		PaymentMethod: method,
		TerminalID:    terminal,
	}
}
