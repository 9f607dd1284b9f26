package http

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/floatwatch/internal/queue"
)

// ErrorResponse is the body of every non-2xx JSON reply
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookResponse acknowledges an inbound payment event
type WebhookResponse struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate,omitempty"`
	JobID     string `json:"job_id,omitempty"`
}

// RefillRequest records a physical cash refill for an agent
type RefillRequest struct {
	Amount   decimal.Decimal `json:"amount"`
	RefillAt *time.Time      `json:"refill_at,omitempty"`
}

// RefillResponse echoes the recorded refill
type RefillResponse struct {
	AgentID  string          `json:"agent_id"`
	BankID   string          `json:"bank_id"`
	Amount   decimal.Decimal `json:"amount"`
	RefillAt time.Time       `json:"refill_at"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string                 `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
	Queue     *queue.Stats           `json:"queue,omitempty"`
}

// CheckResult represents individual health check results
type CheckResult struct {
	Status   string        `json:"status"` // "pass", "warn", "fail"
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}
