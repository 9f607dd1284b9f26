// Package features turns ledger state into the classifier's input vector.
package features

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
	_ "time/tzdata"

	"github.com/sawpanic/floatwatch/internal/config"
	"github.com/sawpanic/floatwatch/internal/persistence"
)

// ErrNotEnoughData is returned when the agent has no baseline float
var ErrNotEnoughData = errors.New("not enough data to extract features")

// NoRefillHours is the raw hours value used when no refill is on record
const NoRefillHours = 999.0

// Size is the number of features in a Vector
const Size = 8

// Vector is the ordered model input:
// e_float_pct, withdrawal_velocity_6h, deposit_velocity_6h, avg_withdrawal_size,
// time_since_refill_hrs, hour_sin, hour_cos, is_peak_hour
type Vector [Size]float64

func (v Vector) EFloatPct() float64          { return v[0] }
func (v Vector) WithdrawalVelocity() float64 { return v[1] }
func (v Vector) DepositVelocity() float64    { return v[2] }
func (v Vector) AvgWithdrawalSize() float64  { return v[3] }
func (v Vector) TimeSinceRefill() float64    { return v[4] }
func (v Vector) HourSin() float64            { return v[5] }
func (v Vector) HourCos() float64            { return v[6] }
func (v Vector) IsPeakHour() float64         { return v[7] }

// Slice returns the vector as a slice for the classifier
func (v Vector) Slice() []float64 {
	out := make([]float64, Size)
	copy(out, v[:])
	return out
}

// Extractor reads snapshots, ledger windows and refills
type Extractor struct {
	agents  persistence.AgentRepo
	ledger  persistence.LedgerRepo
	refills persistence.RefillRepo
	cfg     config.FeaturesConfig
	loc     *time.Location
}

// NewExtractor builds an extractor; an unknown timezone is an error
func NewExtractor(repo *persistence.Repository, cfg config.FeaturesConfig) (*Extractor, error) {
	if cfg.Timezone == "" {
		cfg.Timezone = "Africa/Lagos"
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %s: %w", cfg.Timezone, err)
	}
	if cfg.Window <= 0 {
		cfg.Window = 6 * time.Hour
	}
	if cfg.MoneyScale <= 0 {
		cfg.MoneyScale = 100000
	}
	if cfg.RefillScale <= 0 {
		cfg.RefillScale = 100
	}
	if cfg.RefillCap <= 0 {
		cfg.RefillCap = 10
	}
	if cfg.PeakWindows == nil {
		cfg.PeakWindows = [][2]int{{7, 9}, {16, 18}}
	}
	return &Extractor{
		agents:  repo.Agents,
		ledger:  repo.Ledger,
		refills: repo.Refills,
		cfg:     cfg,
		loc:     loc,
	}, nil
}

// Extract computes the vector for the agent (internal id) as of now
func (e *Extractor) Extract(ctx context.Context, agentID string, now time.Time) (Vector, error) {
	var v Vector

	agent, err := e.agents.GetByID(ctx, agentID)
	if err != nil {
		return v, err
	}
	snap, err := e.ledger.Snapshot(ctx, agentID)
	if err != nil {
		return v, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if snap == nil {
		return v, fmt.Errorf("%w: agent %s has no float snapshot", ErrNotEnoughData, agent.AgentCode)
	}
	if !agent.AssignedLimit.IsPositive() {
		return v, fmt.Errorf("%w: agent %s has no assigned limit", ErrNotEnoughData, agent.AgentCode)
	}

	entries, err := e.ledger.Window(ctx, agentID, now.Add(-e.cfg.Window), now)
	if err != nil {
		return v, fmt.Errorf("failed to read ledger window: %w", err)
	}
	lastRefill, err := e.refills.LatestRefillAt(ctx, agentID)
	if err != nil {
		return v, fmt.Errorf("failed to read latest refill: %w", err)
	}

	pct, _ := snap.EFloat.Div(agent.AssignedLimit).Float64()
	v[0] = pct

	var withdrawn, deposited float64
	var withdrawals int
	for _, tx := range entries {
		amt, _ := tx.Amount.Float64()
		switch tx.TxType {
		case persistence.TxWithdrawal:
			withdrawn += amt
			withdrawals++
		case persistence.TxDeposit:
			deposited += amt
		}
	}
	hours := e.cfg.Window.Hours()
	v[1] = withdrawn / hours / e.cfg.MoneyScale
	v[2] = deposited / hours / e.cfg.MoneyScale
	if withdrawals > 0 {
		v[3] = withdrawn / float64(withdrawals) / e.cfg.MoneyScale
	}

	sinceRefill := NoRefillHours
	if lastRefill != nil {
		sinceRefill = math.Max(0, now.Sub(*lastRefill).Hours())
	}
	v[4] = math.Min(sinceRefill/e.cfg.RefillScale, e.cfg.RefillCap)

	hour := now.In(e.loc).Hour()
	angle := 2 * math.Pi * float64(hour) / 24
	v[5] = math.Sin(angle)
	v[6] = math.Cos(angle)
	if e.isPeak(hour) {
		v[7] = 1
	}
	return v, nil
}

func (e *Extractor) isPeak(hour int) bool {
	for _, w := range e.cfg.PeakWindows {
		if hour >= w[0] && hour <= w[1] {
			return true
		}
	}
	return false
}
