package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/floatwatch/internal/alerts"
	"github.com/sawpanic/floatwatch/internal/dashboard"
	"github.com/sawpanic/floatwatch/internal/metrics"
	"github.com/sawpanic/floatwatch/internal/persistence"
	"github.com/sawpanic/floatwatch/internal/pipeline"
	"github.com/sawpanic/floatwatch/internal/queue"
	"github.com/sawpanic/floatwatch/internal/simulation"
)

const maxBodyBytes = 1 << 20

// Ingestor accepts inbound payment events
type Ingestor interface {
	Accept(ctx context.Context, ev *pipeline.PaymentEvent) (*queue.Job, error)
}

// Dashboard serves the cached bank views
type Dashboard interface {
	AgentList(ctx context.Context, bankID string, page, limit int) (*dashboard.AgentPage, error)
	Summary(ctx context.Context, bankID string) (*dashboard.Summary, error)
	Invalidate(ctx context.Context, bankID string) error
}

// Simulator runs manual test transactions
type Simulator interface {
	ProcessTransaction(ctx context.Context, req simulation.Request) (*simulation.Response, error)
}

// Refiller records physical refills
type Refiller interface {
	RecordRefill(ctx context.Context, agentCode string, amount decimal.Decimal, at time.Time) (*persistence.Agent, error)
}

// AlertSubscriber opens a live alert feed for one bank
type AlertSubscriber interface {
	Subscribe(ctx context.Context, bankID string) (*alerts.Subscription, error)
}

// Pinger is any dependency with a liveness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// ModelStatus reports whether the classifier can serve predictions
type ModelStatus interface {
	IsReady() bool
}

// QueueStats reports queue depth
type QueueStats interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// Deps are the services behind the HTTP surface. Nil members disable the
// routes or checks that need them.
type Deps struct {
	Ingestor  Ingestor
	Dashboard Dashboard
	Simulator Simulator
	Refills   Refiller
	Alerts    AlertSubscriber
	Database  Pinger
	Redis     Pinger
	Model     ModelStatus
	Queue     QueueStats
	Metrics   *metrics.Registry
}

// Handlers manages all HTTP endpoint handlers
type Handlers struct {
	deps      Deps
	startTime time.Time
	now       func() time.Time
}

// NewHandlers creates a new handlers instance
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps, startTime: time.Now(), now: time.Now}
}

// writeJSON writes JSON response with proper error handling
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

// writeError writes standardized error response
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: RequestID(r.Context()),
		Timestamp: h.now().UTC(),
	})
}

// decodeBody reads a size-limited JSON body into dst
func (h *Handlers) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_json", "Request body is not valid JSON: "+err.Error())
		return false
	}
	return true
}

// unavailable answers routes whose backing service is not configured
func (h *Handlers) unavailable(w http.ResponseWriter, r *http.Request, what string) {
	h.writeError(w, r, http.StatusServiceUnavailable, "service_unavailable", what+" is not available")
}

// NotFound handles 404 responses
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}
