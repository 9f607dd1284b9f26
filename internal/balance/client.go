// Package balance pulls an agent's authoritative float from the external
// balance API. Lookups are bounded, rate limited and circuit broken; callers
// fall back to a computed balance on any failure.
package balance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/floatwatch/internal/config"
)

var (
	// ErrLookupTimeout reports a lookup that did not finish within its deadline
	ErrLookupTimeout = errors.New("external balance lookup timed out")

	// ErrLookupUnavailable reports a lookup rejected by the breaker or the API
	ErrLookupUnavailable = errors.New("external balance lookup unavailable")
)

// Fetcher returns the current float for an agent code
type Fetcher interface {
	FetchBalance(ctx context.Context, agentCode string) (decimal.Decimal, error)
}

// HTTPFetcher calls GET {base}/agents/{code}/balance
type HTTPFetcher struct {
	baseURL string
	token   string
	timeout time.Duration
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

type balanceResponse struct {
	Balance *decimal.Decimal `json:"balance"`
}

// NewHTTPFetcher builds a fetcher from configuration
func NewHTTPFetcher(cfg config.BalanceConfig) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	settings := gobreaker.Settings{
		Name:        "balance-api",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Balance API circuit breaker changed state")
		},
	}

	return &HTTPFetcher{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		timeout: cfg.Timeout,
		client:  &http.Client{},
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(limit, burst),
	}
}

// FetchBalance looks up the agent's balance within the configured timeout
func (f *HTTPFetcher) FetchBalance(ctx context.Context, agentCode string) (decimal.Decimal, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	if err := f.limiter.Wait(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("%w: rate limiter: %v", ErrLookupTimeout, err)
	}

	result, err := f.breaker.Execute(func() (interface{}, error) {
		return f.fetch(ctx, agentCode)
	})
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return decimal.Zero, fmt.Errorf("%w: agent %s", ErrLookupTimeout, agentCode)
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return decimal.Zero, fmt.Errorf("%w: %v", ErrLookupUnavailable, err)
		default:
			return decimal.Zero, err
		}
	}
	return result.(decimal.Decimal), nil
}

func (f *HTTPFetcher) fetch(ctx context.Context, agentCode string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/agents/%s/balance", f.baseURL, url.PathEscape(agentCode))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("build balance request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("%w: status %d", ErrLookupUnavailable, resp.StatusCode)
	}

	var body balanceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode balance response: %w", err)
	}
	if body.Balance == nil {
		return decimal.Zero, fmt.Errorf("%w: response for agent %s has no balance", ErrLookupUnavailable, agentCode)
	}
	if body.Balance.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative balance %s for agent %s", body.Balance, agentCode)
	}
	return *body.Balance, nil
}

// State reports the breaker state for health output
func (f *HTTPFetcher) State() string {
	return f.breaker.State().String()
}
