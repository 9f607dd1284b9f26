// Package dashboard serves per-bank agent views through a short-lived
// read-through cache. The cache is never the source of truth.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/floatwatch/internal/config"
	"github.com/sawpanic/floatwatch/internal/decision"
	"github.com/sawpanic/floatwatch/internal/features"
	"github.com/sawpanic/floatwatch/internal/metrics"
	"github.com/sawpanic/floatwatch/internal/model"
	"github.com/sawpanic/floatwatch/internal/persistence"
)

// StatusUnknown is shown when no prediction is available
const StatusUnknown = "UNKNOWN"

// Cache is the key-value store behind the views
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeleteMatching(ctx context.Context, pattern string) (int, error)
}

// Predictor is the classifier as used by the views
type Predictor interface {
	IsReady() bool
	Classify(v features.Vector) (model.Prediction, error)
}

// FeatureSource extracts model inputs
type FeatureSource interface {
	Extract(ctx context.Context, agentID string, now time.Time) (features.Vector, error)
}

// AgentItem is one row of the agent management view
type AgentItem struct {
	AgentID       string          `json:"agent_id"`
	FullName      string          `json:"full_name"`
	Email         string          `json:"email"`
	EFloat        decimal.Decimal `json:"e_float"`
	AssignedLimit decimal.Decimal `json:"assigned_limit"`
	Status        string          `json:"status"`
	Confidence    float64         `json:"confidence"` // percent
	LastActivity  *time.Time      `json:"last_activity"`
}

// Pagination describes the requested page
type Pagination struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
}

// AgentPage is the agent management view
type AgentPage struct {
	Data       []AgentItem `json:"data"`
	Pagination Pagination  `json:"pagination"`
}

// Summary is the bank overview
type Summary struct {
	TotalAgents              int64           `json:"total_agents"`
	ActiveAgents             int64           `json:"active_agents"`
	TotalFloatInCirculation  decimal.Decimal `json:"total_float_in_circulation"`
	AgentsBelowThreshold     int64           `json:"agents_below_threshold"`
	CriticalAlerts           int64           `json:"critical_alerts"`
	PredictedFloatFailures6h int64           `json:"predicted_float_failures_6h"`
	TotalTransactionsToday   int64           `json:"total_transactions_today"`
	AvgTransactionSize       decimal.Decimal `json:"avg_transaction_size"`
}

// AgentsKey is the cache key of one agent-list page
func AgentsKey(bankID string, page, limit int) string {
	return fmt.Sprintf("dashboard:agents:%s:p%d:l%d", bankID, page, limit)
}

// SummaryKey is the cache key of the bank summary
func SummaryKey(bankID string) string {
	return "dashboard:summary:" + bankID
}

// Service builds and caches the views
type Service struct {
	agents    persistence.AgentRepo
	ledger    persistence.LedgerRepo
	features  FeatureSource
	predictor Predictor
	cache     Cache
	metrics   *metrics.Registry
	policy    decision.Policy
	cfg       config.DashboardConfig
	loc       *time.Location
	now       func() time.Time
}

// Options configure a Service
type Options struct {
	Repo      *persistence.Repository
	Features  FeatureSource
	Predictor Predictor
	Cache     Cache
	Metrics   *metrics.Registry
	Policy    decision.Policy
	Config    config.DashboardConfig
	Location  *time.Location // "today" boundary for transaction stats
	Now       func() time.Time
}

// NewService creates the dashboard service
func NewService(o Options) *Service {
	if o.Config.TTL <= 0 {
		o.Config.TTL = 30 * time.Second
	}
	if o.Config.DefaultThreshold <= 0 {
		o.Config.DefaultThreshold = 0.7
	}
	if o.Config.ActiveWindow <= 0 {
		o.Config.ActiveWindow = 6 * time.Hour
	}
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return &Service{
		agents:    o.Repo.Agents,
		ledger:    o.Repo.Ledger,
		features:  o.Features,
		predictor: o.Predictor,
		cache:     o.Cache,
		metrics:   o.Metrics,
		policy:    o.Policy,
		cfg:       o.Config,
		loc:       o.Location,
		now:       o.Now,
	}
}

// AgentList returns one page of active agents, most recently active first
func (s *Service) AgentList(ctx context.Context, bankID string, page, limit int) (*AgentPage, error) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	key := AgentsKey(bankID, page, limit)

	var cached AgentPage
	if s.readCache(ctx, "agents", key, &cached) {
		return &cached, nil
	}

	agents, err := s.agents.ListActiveByBank(ctx, bankID, (page-1)*limit, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	total, err := s.agents.CountActiveByBank(ctx, bankID)
	if err != nil {
		return nil, fmt.Errorf("failed to count agents: %w", err)
	}

	now := s.now()
	items := make([]AgentItem, 0, len(agents))
	for _, a := range agents {
		snap, err := s.ledger.Snapshot(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to read snapshot for %s: %w", a.AgentCode, err)
		}
		item := AgentItem{
			AgentID:       a.AgentCode,
			FullName:      "N/A",
			AssignedLimit: a.AssignedLimit,
			EFloat:        decimal.Zero,
			Status:        StatusUnknown,
			LastActivity:  a.LastActiveAt,
		}
		if a.FullName != nil && *a.FullName != "" {
			item.FullName = *a.FullName
		}
		if a.Email != nil {
			item.Email = *a.Email
		}
		if snap != nil {
			item.EFloat = snap.EFloat
		}
		if pred, ok := s.predict(ctx, a.ID, now); ok {
			item.Status = pred.Class.String()
			item.Confidence = pred.Confidence * 100
		}
		items = append(items, item)
	}

	out := &AgentPage{Data: items, Pagination: Pagination{Page: page, Limit: limit, Total: total}}
	s.writeCache(ctx, key, out)
	return out, nil
}

// Summary returns the bank overview
func (s *Service) Summary(ctx context.Context, bankID string) (*Summary, error) {
	key := SummaryKey(bankID)

	var cached Summary
	if s.readCache(ctx, "summary", key, &cached) {
		return &cached, nil
	}

	total, err := s.agents.CountActiveByBank(ctx, bankID)
	if err != nil {
		return nil, fmt.Errorf("failed to count agents: %w", err)
	}
	agents, err := s.agents.ListActiveByBank(ctx, bankID, 0, int(total))
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	snaps, err := s.ledger.SnapshotsByBank(ctx, bankID)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshots: %w", err)
	}
	bank, err := s.agents.BankConfig(ctx, bankID)
	if err != nil {
		return nil, fmt.Errorf("failed to read bank config: %w", err)
	}

	now := s.now()
	y, m, d := now.In(s.loc).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, s.loc)
	stats, err := s.ledger.StatsSince(ctx, bankID, today)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate transactions: %w", err)
	}

	byAgent := make(map[string]decimal.Decimal, len(snaps))
	sum := &Summary{
		TotalAgents:             int64(len(agents)),
		TotalFloatInCirculation: decimal.Zero,
		TotalTransactionsToday:  stats.Count,
		AvgTransactionSize:      decimal.Zero,
	}
	for _, snap := range snaps {
		byAgent[snap.AgentID] = snap.EFloat
		sum.TotalFloatInCirculation = sum.TotalFloatInCirculation.Add(snap.EFloat)
	}
	if stats.Count > 0 {
		sum.AvgTransactionSize = stats.Total.Div(decimal.NewFromInt(stats.Count)).Round(2)
	}

	bankThreshold := decimal.NewFromFloat(s.cfg.DefaultThreshold)
	if bank != nil && bank.ThresholdLow.Valid {
		bankThreshold = bank.ThresholdLow.Decimal
	}
	policy := decision.PolicyFor(s.policy, bank)

	for _, a := range agents {
		if a.LastActiveAt != nil && now.Sub(*a.LastActiveAt) < s.cfg.ActiveWindow {
			sum.ActiveAgents++
		}
		if ef, ok := byAgent[a.ID]; ok && a.AssignedLimit.IsPositive() {
			threshold := bankThreshold
			if a.ThresholdLow.Valid {
				threshold = a.ThresholdLow.Decimal
			}
			if ef.Div(a.AssignedLimit).LessThan(threshold) {
				sum.AgentsBelowThreshold++
			}
		}
		if pred, ok := s.predict(ctx, a.ID, now); ok {
			if pred.Class == model.LowEFloat && pred.Probabilities.Low > policy.LowFloatConfidence {
				sum.PredictedFloatFailures6h++
			}
		}
	}
	sum.CriticalAlerts = sum.PredictedFloatFailures6h

	s.writeCache(ctx, key, sum)
	return sum, nil
}

// Invalidate drops the summary and every agent-list page cached for the bank
func (s *Service) Invalidate(ctx context.Context, bankID string) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Delete(ctx, SummaryKey(bankID)); err != nil {
		return err
	}
	n, err := s.cache.DeleteMatching(ctx, fmt.Sprintf("dashboard:agents:%s:*", bankID))
	if err != nil {
		return err
	}
	log.Debug().Str("bank_id", bankID).Int("pages", n).Msg("Dashboard cache invalidated")
	return nil
}

func (s *Service) predict(ctx context.Context, agentID string, now time.Time) (model.Prediction, bool) {
	if s.predictor == nil || s.features == nil || !s.predictor.IsReady() {
		return model.Prediction{}, false
	}
	vec, err := s.features.Extract(ctx, agentID, now)
	if err != nil {
		return model.Prediction{}, false
	}
	pred, err := s.predictor.Classify(vec)
	if err != nil {
		log.Debug().Err(err).Str("agent_id", agentID).Msg("Dashboard prediction skipped")
		return model.Prediction{}, false
	}
	return pred, true
}

func (s *Service) readCache(ctx context.Context, view, key string, dst interface{}) bool {
	if s.cache == nil {
		return false
	}
	data, found, err := s.cache.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Dashboard cache read failed, reading store")
		return false
	}
	if !found {
		s.cacheMiss(view)
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Discarding undecodable cache entry")
		s.cacheMiss(view)
		return false
	}
	if s.metrics != nil {
		s.metrics.CacheHit(view)
	}
	return true
}

func (s *Service) cacheMiss(view string) {
	if s.metrics != nil {
		s.metrics.CacheMiss(view)
	}
}

func (s *Service) writeCache(ctx context.Context, key string, v interface{}) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to encode dashboard view")
		return
	}
	if err := s.cache.Set(ctx, key, data, s.cfg.TTL); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Dashboard cache write failed")
	}
}
