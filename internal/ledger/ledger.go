// Package ledger keeps each agent's running float. Every accepted event
// produces exactly one snapshot write and one appended transaction row.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/sawpanic/floatwatch/internal/balance"
	"github.com/sawpanic/floatwatch/internal/persistence"
)

// ErrFloatUnresolvable is returned when no observed, fetched or prior balance exists
var ErrFloatUnresolvable = errors.New("float cannot be resolved")

// MaxApplyAttempts bounds compare-and-swap retries for one event
const MaxApplyAttempts = 5

const lockStripes = 64

// ResolutionKind says which path produced the new float
type ResolutionKind int

const (
	Observed ResolutionKind = iota // carried by the event
	Fetched                        // pulled from the balance API
	Derived                        // previous snapshot plus or minus the amount
)

func (k ResolutionKind) String() string {
	switch k {
	case Observed:
		return "observed"
	case Fetched:
		return "fetched"
	case Derived:
		return "derived"
	default:
		return "unknown"
	}
}

// Source maps the resolution to the snapshot source tag
func (k ResolutionKind) Source() persistence.BalanceSource {
	switch k {
	case Observed:
		return persistence.SourceEvent
	case Fetched:
		return persistence.SourceAPIPull
	default:
		return persistence.SourceComputed
	}
}

// Resolution is a resolved balance and where it came from
type Resolution struct {
	Kind    ResolutionKind
	Balance decimal.Decimal
}

// Event is one payment applied to an agent's float
type Event struct {
	AgentCode     string
	TxType        persistence.TxType
	Amount        decimal.Decimal
	BalanceAfter  *decimal.Decimal
	Timestamp     time.Time
	Reference     string
	Currency      string
	Status        string
	PaymentMethod string
	TerminalID    *string
}

// Result describes a committed ledger write
type Result struct {
	Agent      *persistence.Agent
	Snapshot   persistence.FloatSnapshot
	Resolution Resolution
	Clamped    bool
	Attempts   int
}

// Observer receives ledger outcomes, typically metrics
type Observer interface {
	LedgerWrite(source persistence.BalanceSource)
	LedgerConflict()
}

type nopObserver struct{}

func (nopObserver) LedgerWrite(persistence.BalanceSource) {}
func (nopObserver) LedgerConflict()                       {}

// Ledger applies events against the store
type Ledger struct {
	agents   persistence.AgentRepo
	store    persistence.LedgerRepo
	refills  persistence.RefillRepo
	fetcher  balance.Fetcher
	observer Observer
	now      func() time.Time
	locks    [lockStripes]sync.Mutex
}

// Option customizes a Ledger
type Option func(*Ledger)

// WithFetcher enables external balance pulls for events without balance_after
func WithFetcher(f balance.Fetcher) Option {
	return func(l *Ledger) { l.fetcher = f }
}

// WithObserver attaches an outcome observer
func WithObserver(o Observer) Option {
	return func(l *Ledger) {
		if o != nil {
			l.observer = o
		}
	}
}

// New creates a ledger over the repository
func New(repo *persistence.Repository, opts ...Option) *Ledger {
	l := &Ledger{
		agents:   repo.Agents,
		store:    repo.Ledger,
		refills:  repo.Refills,
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Ledger) lockFor(agentID string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(agentID))
	return &l.locks[h.Sum32()%lockStripes]
}

// ApplyEvent resolves the agent's new float and commits it with one ledger entry
func (l *Ledger) ApplyEvent(ctx context.Context, ev Event) (*Result, error) {
	if !ev.TxType.Valid() {
		return nil, fmt.Errorf("unknown transaction type %q", ev.TxType)
	}
	if !ev.Amount.IsPositive() {
		return nil, fmt.Errorf("amount must be positive, got %s", ev.Amount)
	}

	agent, err := l.agents.GetByCode(ctx, ev.AgentCode)
	if err != nil {
		return nil, err
	}

	// The external pull happens once per event, outside the stripe lock;
	// CAS retries reuse it.
	var fetched *decimal.Decimal
	if ev.BalanceAfter == nil {
		fetched = l.fetch(ctx, agent)
	}

	mu := l.lockFor(agent.ID)
	mu.Lock()
	defer mu.Unlock()

	for attempt := 1; attempt <= MaxApplyAttempts; attempt++ {
		snap, err := l.store.Snapshot(ctx, agent.ID)
		if err != nil {
			return nil, err
		}

		var res Resolution
		switch {
		case ev.BalanceAfter != nil:
			res = Resolution{Kind: Observed, Balance: *ev.BalanceAfter}
		case fetched != nil:
			res = Resolution{Kind: Fetched, Balance: *fetched}
		case snap != nil:
			res = Resolution{Kind: Derived, Balance: derive(snap.EFloat, ev.TxType, ev.Amount)}
		default:
			return nil, fmt.Errorf("%w: agent %s has no snapshot and no balance", ErrFloatUnresolvable, agent.AgentCode)
		}

		clamped := false
		if res.Balance.IsNegative() {
			clamped = true
			res.Balance = decimal.Zero
		}

		var expected int64
		if snap != nil {
			expected = snap.Version
		}

		at := ev.Timestamp
		if at.IsZero() {
			at = l.now()
		}
		write := persistence.LedgerWrite{
			Snapshot: persistence.FloatSnapshot{
				AgentID:       agent.ID,
				BankID:        agent.BankID,
				EFloat:        res.Balance,
				Source:        res.Kind.Source(),
				Version:       expected + 1,
				LastUpdatedAt: l.now().UTC(),
			},
			ExpectedVersion: expected,
			Entry: persistence.TransactionLog{
				BankID:        agent.BankID,
				AgentID:       agent.ID,
				TerminalID:    ev.TerminalID,
				TxType:        ev.TxType,
				Amount:        ev.Amount,
				Currency:      orDefault(ev.Currency, "NGN"),
				Status:        orDefault(ev.Status, "success"),
				PaymentMethod: orDefault(ev.PaymentMethod, "pos"),
				Reference:     ev.Reference,
				TxTime:        at.UTC(),
			},
		}

		err = l.store.Apply(ctx, write)
		if errors.Is(err, persistence.ErrVersionConflict) {
			l.observer.LedgerConflict()
			log.Debug().Str("agent_id", agent.AgentCode).Int("attempt", attempt).
				Msg("Float snapshot moved, recomputing")
			continue
		}
		if err != nil {
			return nil, err
		}

		if clamped {
			log.Warn().Str("agent_id", agent.AgentCode).Str("bank_id", agent.BankID).
				Str("reference", ev.Reference).Msg("Resolved float was negative, clamped to zero")
		}
		l.observer.LedgerWrite(write.Snapshot.Source)
		log.Debug().Str("agent_id", agent.AgentCode).Str("bank_id", agent.BankID).
			Str("source", string(write.Snapshot.Source)).Str("e_float", res.Balance.String()).
			Msg("Float updated")

		return &Result{
			Agent:      agent,
			Snapshot:   write.Snapshot,
			Resolution: res,
			Clamped:    clamped,
			Attempts:   attempt,
		}, nil
	}

	return nil, fmt.Errorf("agent %s: %w after %d attempts", agent.AgentCode, persistence.ErrVersionConflict, MaxApplyAttempts)
}

func (l *Ledger) fetch(ctx context.Context, agent *persistence.Agent) *decimal.Decimal {
	if l.fetcher == nil {
		return nil
	}
	bal, err := l.fetcher.FetchBalance(ctx, agent.AgentCode)
	if err != nil {
		log.Warn().Err(err).Str("agent_id", agent.AgentCode).Msg("Balance lookup failed, deriving from snapshot")
		return nil
	}
	return &bal
}

func derive(prev decimal.Decimal, t persistence.TxType, amount decimal.Decimal) decimal.Decimal {
	if t == persistence.TxWithdrawal {
		return prev.Sub(amount)
	}
	return prev.Add(amount)
}

// RecordRefill appends a physical cash refill for the agent
func (l *Ledger) RecordRefill(ctx context.Context, agentCode string, amount decimal.Decimal, at time.Time) (*persistence.Agent, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("refill amount must be positive, got %s", amount)
	}
	agent, err := l.agents.GetByCode(ctx, agentCode)
	if err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = l.now()
	}
	ev := persistence.RefillEvent{
		AgentID:  agent.ID,
		BankID:   agent.BankID,
		Amount:   amount,
		RefillAt: at.UTC(),
	}
	if err := l.refills.Insert(ctx, ev); err != nil {
		return nil, err
	}
	log.Info().Str("agent_id", agent.AgentCode).Str("bank_id", agent.BankID).
		Str("amount", amount.String()).Msg("Refill recorded")
	return agent, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
