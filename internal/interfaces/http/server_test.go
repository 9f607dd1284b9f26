package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/floatwatch/internal/alerts"
	"github.com/sawpanic/floatwatch/internal/config"
	"github.com/sawpanic/floatwatch/internal/dashboard"
	"github.com/sawpanic/floatwatch/internal/decision"
	"github.com/sawpanic/floatwatch/internal/idempotency"
	"github.com/sawpanic/floatwatch/internal/metrics"
	"github.com/sawpanic/floatwatch/internal/persistence"
	"github.com/sawpanic/floatwatch/internal/pipeline"
	"github.com/sawpanic/floatwatch/internal/queue"
	"github.com/sawpanic/floatwatch/internal/simulation"
)

type fakeIngestor struct {
	err  error
	last *pipeline.PaymentEvent
}

func (f *fakeIngestor) Accept(_ context.Context, ev *pipeline.PaymentEvent) (*queue.Job, error) {
	f.last = ev
	if f.err != nil {
		return nil, f.err
	}
	return &queue.Job{ID: "job-1", Name: pipeline.JobName}, nil
}

type fakeDashboard struct {
	page, limit int
	invalidated []string
}

func (f *fakeDashboard) AgentList(_ context.Context, bankID string, page, limit int) (*dashboard.AgentPage, error) {
	f.page, f.limit = page, limit
	return &dashboard.AgentPage{
		Data:       []dashboard.AgentItem{{AgentID: "emp_001", FullName: "Ada", Status: "BALANCED"}},
		Pagination: dashboard.Pagination{Page: page, Limit: limit, Total: 1},
	}, nil
}

func (f *fakeDashboard) Summary(context.Context, string) (*dashboard.Summary, error) {
	return &dashboard.Summary{TotalAgents: 3, TotalFloatInCirculation: decimal.NewFromInt(250000)}, nil
}

func (f *fakeDashboard) Invalidate(_ context.Context, bankID string) error {
	f.invalidated = append(f.invalidated, bankID)
	return nil
}

type fakeSimulator struct{ err error }

func (f fakeSimulator) ProcessTransaction(_ context.Context, req simulation.Request) (*simulation.Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &simulation.Response{Classification: "BALANCED", Confidence: 81, NewBalance: decimal.NewFromInt(70000)}, nil
}

type fakeRefiller struct{}

func (fakeRefiller) RecordRefill(_ context.Context, code string, _ decimal.Decimal, _ time.Time) (*persistence.Agent, error) {
	if code != "emp_001" {
		return nil, persistence.ErrAgentNotFound
	}
	return &persistence.Agent{ID: "a-1", AgentCode: code, BankID: "bank-1"}, nil
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type fakeModel bool

func (f fakeModel) IsReady() bool { return bool(f) }

type fakeQueue struct{}

func (fakeQueue) Stats(context.Context) (queue.Stats, error) {
	return queue.Stats{Ready: 2, Dead: 1}, nil
}

type fakeSubscriber struct{ ch chan decision.Alert }

func (f fakeSubscriber) Subscribe(context.Context, string) (*alerts.Subscription, error) {
	return &alerts.Subscription{C: f.ch}, nil
}

func newTestServer(deps Deps) *Server {
	return NewServer(config.Default().Server, deps)
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, req)
	return rr
}

const eventJSON = `{
	"id": "evt_1",
	"event_type": "transaction.completed",
	"timestamp": "2025-09-07T10:30:00Z",
	"transaction": {
		"id": "tx_123",
		"amount": 5000,
		"currency": "NGN",
		"status": "succeeded",
		"type": "withdrawal",
		"payment_method": {"type": "card", "brand": "visa", "last4": "4242"},
		"metadata": {"agent_id": "emp_001", "terminal_id": "T-9"},
		"balance_after": 245000
	}
}`

func TestPaymentWebhook(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		err       error
		status    int
		duplicate bool
	}{
		{name: "accepted", body: eventJSON, status: http.StatusOK},
		{name: "duplicate acknowledged", body: eventJSON, err: idempotency.ErrDuplicateEvent, status: http.StatusOK, duplicate: true},
		{name: "malformed json", body: `{"id":`, status: http.StatusBadRequest},
		{name: "invalid event", body: eventJSON, err: fmt.Errorf("%w: bad", pipeline.ErrInvalidEvent), status: http.StatusBadRequest},
		{name: "enqueue failed", body: eventJSON, err: queue.ErrQueueUnavailable, status: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ing := &fakeIngestor{err: tt.err}
			rr := do(t, newTestServer(Deps{Ingestor: ing}), http.MethodPost, "/webhooks/payments", tt.body)
			assert.Equal(t, tt.status, rr.Code)
			assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))

			if tt.status == http.StatusOK {
				var resp WebhookResponse
				require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
				assert.True(t, resp.Received)
				assert.Equal(t, tt.duplicate, resp.Duplicate)
			}
		})
	}
}

func TestPaymentWebhook_DecodesEvent(t *testing.T) {
	ing := &fakeIngestor{}
	rr := do(t, newTestServer(Deps{Ingestor: ing}), http.MethodPost, "/webhooks/payments", eventJSON)
	require.Equal(t, http.StatusOK, rr.Code)

	require.NotNil(t, ing.last)
	assert.Equal(t, "tx_123", ing.last.DedupID())
	assert.True(t, ing.last.Transaction.Amount.Equal(decimal.NewFromInt(5000)))
	require.NotNil(t, ing.last.Transaction.BalanceAfter)
	assert.True(t, ing.last.Transaction.BalanceAfter.Equal(decimal.NewFromInt(245000)))
	assert.Equal(t, persistence.TxWithdrawal, ing.last.Transaction.Type)
}

func TestAgents(t *testing.T) {
	dash := &fakeDashboard{}
	s := newTestServer(Deps{Dashboard: dash})

	rr := do(t, s, http.MethodGet, "/banks/bank-1/agents", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, dash.page)
	assert.Equal(t, 10, dash.limit)

	rr = do(t, s, http.MethodGet, "/banks/bank-1/agents?page=3&limit=25", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 3, dash.page)
	assert.Equal(t, 25, dash.limit)

	var page dashboard.AgentPage
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &page))
	require.Len(t, page.Data, 1)
	assert.Equal(t, "emp_001", page.Data[0].AgentID)

	for _, q := range []string{"page=0", "page=x", "limit=0", "limit=101"} {
		rr = do(t, s, http.MethodGet, "/banks/bank-1/agents?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rr.Code, q)
	}
}

func TestSummary(t *testing.T) {
	rr := do(t, newTestServer(Deps{Dashboard: &fakeDashboard{}}), http.MethodGet, "/banks/bank-1/summary", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var sum dashboard.Summary
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sum))
	assert.EqualValues(t, 3, sum.TotalAgents)
	assert.True(t, sum.TotalFloatInCirculation.Equal(decimal.NewFromInt(250000)))
}

func TestSimulate(t *testing.T) {
	body := `{"agent_id":"emp_001","amount":5000,"tx_type":"withdrawal"}`

	rr := do(t, newTestServer(Deps{Simulator: fakeSimulator{}}), http.MethodPost, "/simulation/transactions", body)
	require.Equal(t, http.StatusOK, rr.Code)
	var resp simulation.Response
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "BALANCED", resp.Classification)

	rr = do(t, newTestServer(Deps{Simulator: fakeSimulator{err: persistence.ErrAgentNotFound}}), http.MethodPost, "/simulation/transactions", body)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, newTestServer(Deps{Simulator: fakeSimulator{err: fmt.Errorf("%w: amount", simulation.ErrInvalidRequest)}}), http.MethodPost, "/simulation/transactions", body)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(t, newTestServer(Deps{Simulator: fakeSimulator{err: errors.New("boom")}}), http.MethodPost, "/simulation/transactions", body)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}

func TestRefill(t *testing.T) {
	dash := &fakeDashboard{}
	s := newTestServer(Deps{Refills: fakeRefiller{}, Dashboard: dash})

	rr := do(t, s, http.MethodPost, "/agents/emp_001/refills", `{"amount":200000,"refill_at":"2025-09-07T09:00:00Z"}`)
	require.Equal(t, http.StatusCreated, rr.Code)
	var resp RefillResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "bank-1", resp.BankID)
	assert.Equal(t, time.Date(2025, 9, 7, 9, 0, 0, 0, time.UTC), resp.RefillAt)
	assert.Equal(t, []string{"bank-1"}, dash.invalidated)

	rr = do(t, s, http.MethodPost, "/agents/ghost/refills", `{"amount":1}`)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = do(t, s, http.MethodPost, "/agents/emp_001/refills", `{"amount":0}`)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHealth(t *testing.T) {
	healthy := Deps{Database: fakePinger{}, Redis: fakePinger{}, Model: fakeModel(true), Queue: fakeQueue{}}
	rr := do(t, newTestServer(healthy), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	require.NotNil(t, resp.Queue)
	assert.EqualValues(t, 2, resp.Queue.Ready)

	degraded := healthy
	degraded.Model = fakeModel(false)
	rr = do(t, newTestServer(degraded), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)

	down := healthy
	down.Database = fakePinger{err: errors.New("connection refused")}
	rr = do(t, newTestServer(down), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "fail", resp.Checks["database"].Status)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := metrics.New()
	reg.EventReceived("accepted")
	rr := do(t, newTestServer(Deps{Metrics: reg}), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "floatwatch_events_received_total")
}

func TestNotFoundAndRequestID(t *testing.T) {
	rr := do(t, newTestServer(Deps{}), http.MethodGet, "/nope", "")
	require.Equal(t, http.StatusNotFound, rr.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "endpoint_not_found", resp.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestUnconfiguredRoutes(t *testing.T) {
	rr := do(t, newTestServer(Deps{}), http.MethodPost, "/webhooks/payments", eventJSON)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestAlertStream(t *testing.T) {
	ch := make(chan decision.Alert, 1)
	srv := httptest.NewServer(newTestServer(Deps{Alerts: fakeSubscriber{ch: ch}}).Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/banks/bank-1/alerts/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	ch <- decision.Alert{AgentID: "emp_001", BankID: "bank-1", Type: decision.LowFloatAlert, Confidence: 0.9}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got decision.Alert
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "emp_001", got.AgentID)
	assert.Equal(t, decision.LowFloatAlert, got.Type)
}
