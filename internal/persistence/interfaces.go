package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrAgentNotFound is returned when an agent code or id does not resolve
	ErrAgentNotFound = errors.New("agent not found")

	// ErrVersionConflict is returned when a snapshot write loses a compare-and-swap race
	ErrVersionConflict = errors.New("float snapshot version conflict")
)

// TxType is the direction of a POS transaction relative to the agent's float
type TxType string

const (
	TxWithdrawal TxType = "withdrawal"
	TxDeposit    TxType = "deposit"
)

// Valid reports whether t is a known transaction type
func (t TxType) Valid() bool {
	return t == TxWithdrawal || t == TxDeposit
}

// BalanceSource tags which path supplied a snapshot's float
type BalanceSource string

const (
	SourceEvent    BalanceSource = "event"    // balance_after carried by the event
	SourceAPIPull  BalanceSource = "api_pull" // fetched from the external balance API
	SourceComputed BalanceSource = "computed" // derived from the previous snapshot
)

// Agent is a cash agent operating one or more POS terminals
type Agent struct {
	ID            string              `json:"id" db:"id"`
	AgentCode     string              `json:"agent_id" db:"agent_id"`
	BankID        string              `json:"bank_id" db:"bank_id"`
	FullName      *string             `json:"full_name,omitempty" db:"full_name"`
	Email         *string             `json:"email,omitempty" db:"email"`
	TerminalID    *string             `json:"terminal_id,omitempty" db:"terminal_id"`
	AssignedLimit decimal.Decimal     `json:"assigned_limit" db:"assigned_limit"`
	ThresholdLow  decimal.NullDecimal `json:"threshold_low" db:"threshold_low"`   // fraction of assigned limit
	ThresholdHigh decimal.NullDecimal `json:"threshold_high" db:"threshold_high"` // fraction of assigned limit
	Status        string              `json:"status" db:"status"`
	LastActiveAt  *time.Time          `json:"last_active_at,omitempty" db:"last_active_at"`
	CreatedAt     time.Time           `json:"created_at" db:"created_at"`
}

// BankConfig carries bank-wide overrides for thresholds and alert policy
type BankConfig struct {
	BankID               string              `json:"bank_id" db:"bank_id"`
	ThresholdLow         decimal.NullDecimal `json:"threshold_low" db:"threshold_low"`
	ThresholdHigh        decimal.NullDecimal `json:"threshold_high" db:"threshold_high"`
	LowFloatConfidence   *float64            `json:"low_float_confidence,omitempty" db:"low_float_confidence"`
	CashRichConfidence   *float64            `json:"cash_rich_confidence,omitempty" db:"cash_rich_confidence"`
	RedistributionAmount decimal.NullDecimal `json:"redistribution_amount" db:"redistribution_amount"`
}

// FloatSnapshot is the single current-float row kept per agent
type FloatSnapshot struct {
	AgentID       string          `json:"agent_id" db:"agent_id"`
	BankID        string          `json:"bank_id" db:"bank_id"`
	EFloat        decimal.Decimal `json:"e_float" db:"e_float"`
	Source        BalanceSource   `json:"source" db:"source"`
	Version       int64           `json:"version" db:"version"`
	LastUpdatedAt time.Time       `json:"last_updated_at" db:"last_updated_at"`
}

// TransactionLog is one immutable ledger entry
type TransactionLog struct {
	ID            int64           `json:"id" db:"id"`
	BankID        string          `json:"bank_id" db:"bank_id"`
	AgentID       string          `json:"agent_id" db:"agent_id"`
	TerminalID    *string         `json:"terminal_id,omitempty" db:"terminal_id"`
	TxType        TxType          `json:"tx_type" db:"tx_type"`
	Amount        decimal.Decimal `json:"amount" db:"amount"`
	Currency      string          `json:"currency" db:"currency"`
	Status        string          `json:"status" db:"status"`
	PaymentMethod string          `json:"payment_method" db:"payment_method"`
	Reference     string          `json:"reference" db:"reference"` // external event id, audit only
	TxTime        time.Time       `json:"tx_time" db:"tx_time"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// RefillEvent records a physical cash refill
type RefillEvent struct {
	ID       int64           `json:"id" db:"id"`
	AgentID  string          `json:"agent_id" db:"agent_id"`
	BankID   string          `json:"bank_id" db:"bank_id"`
	Amount   decimal.Decimal `json:"amount" db:"amount"`
	RefillAt time.Time       `json:"refill_at" db:"refill_at"`
}

// LedgerWrite is one logical ledger mutation: a snapshot upsert plus one appended entry.
// ExpectedVersion 0 means no snapshot existed when the float was computed.
type LedgerWrite struct {
	Snapshot        FloatSnapshot
	ExpectedVersion int64
	Entry           TransactionLog
}

// TxStats aggregates transactions for a bank over a period
type TxStats struct {
	Count int64           `db:"count"`
	Total decimal.Decimal `db:"total"`
}

// AgentRepo resolves agents and their bank configuration
type AgentRepo interface {
	// GetByCode resolves an agent by its external code, ErrAgentNotFound if absent
	GetByCode(ctx context.Context, code string) (*Agent, error)

	// GetByID resolves an agent by internal id, ErrAgentNotFound if absent
	GetByID(ctx context.Context, id string) (*Agent, error)

	// ListActiveByBank pages through active agents, most recently active first
	ListActiveByBank(ctx context.Context, bankID string, offset, limit int) ([]Agent, error)

	// CountActiveByBank counts active agents for pagination totals
	CountActiveByBank(ctx context.Context, bankID string) (int64, error)

	// BankConfig returns the bank's overrides, or nil when none are configured
	BankConfig(ctx context.Context, bankID string) (*BankConfig, error)
}

// LedgerRepo is the durable float ledger
type LedgerRepo interface {
	// Snapshot returns the agent's current snapshot, or nil when none exists yet
	Snapshot(ctx context.Context, agentID string) (*FloatSnapshot, error)

	// Apply upserts the snapshot and appends the entry in one transaction.
	// Returns ErrVersionConflict when the snapshot moved since it was read.
	Apply(ctx context.Context, w LedgerWrite) error

	// Window returns the agent's entries with from <= tx_time <= to, oldest first
	Window(ctx context.Context, agentID string, from, to time.Time) ([]TransactionLog, error)

	// SnapshotsByBank returns every snapshot belonging to the bank
	SnapshotsByBank(ctx context.Context, bankID string) ([]FloatSnapshot, error)

	// StatsSince aggregates the bank's entries since the given time
	StatsSince(ctx context.Context, bankID string, since time.Time) (TxStats, error)
}

// RefillRepo records refills and answers "when was the last one"
type RefillRepo interface {
	// Insert appends a refill event
	Insert(ctx context.Context, r RefillEvent) error

	// LatestRefillAt returns the most recent refill time, or nil when none is on record
	LatestRefillAt(ctx context.Context, agentID string) (*time.Time, error)
}

// Repository bundles the store's repositories
type Repository struct {
	Agents  AgentRepo
	Ledger  LedgerRepo
	Refills RefillRepo
}

// HealthCheck represents repository health status
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health checking for the store
type RepositoryHealth interface {
	Health(ctx context.Context) HealthCheck
	Ping(ctx context.Context) error
}
