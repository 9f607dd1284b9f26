// Package memstore is an in-memory persistence.Repository for tests and
// local runs. It honors the same version compare-and-swap as PostgreSQL.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sawpanic/floatwatch/internal/persistence"
)

// Store holds agents, snapshots, ledger entries and refills
type Store struct {
	mu        sync.RWMutex
	agents    map[string]*persistence.Agent // by internal id
	byCode    map[string]string             // agent code -> internal id
	banks     map[string]*persistence.BankConfig
	snapshots map[string]persistence.FloatSnapshot
	entries   []persistence.TransactionLog
	refills   []persistence.RefillEvent
	nextID    int64

	// ApplyHook, when set, runs before each Apply and may return an error to inject
	ApplyHook func(w persistence.LedgerWrite) error
}

// New creates an empty store
func New() *Store {
	return &Store{
		agents:    make(map[string]*persistence.Agent),
		byCode:    make(map[string]string),
		banks:     make(map[string]*persistence.BankConfig),
		snapshots: make(map[string]persistence.FloatSnapshot),
	}
}

// Repository exposes the store through the repository bundle
func (s *Store) Repository() *persistence.Repository {
	return &persistence.Repository{Agents: s, Ledger: s, Refills: s}
}

// AddAgent registers an agent
func (s *Store) AddAgent(a persistence.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.Status == "" {
		a.Status = "active"
	}
	cp := a
	s.agents[a.ID] = &cp
	s.byCode[a.AgentCode] = a.ID
}

// SetBankConfig registers bank overrides
func (s *Store) SetBankConfig(c persistence.BankConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := c
	s.banks[c.BankID] = &cp
}

// SetSnapshot seeds an agent's snapshot directly
func (s *Store) SetSnapshot(snap persistence.FloatSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Version == 0 {
		snap.Version = 1
	}
	s.snapshots[snap.AgentID] = snap
}

// AddEntry seeds a ledger entry without touching the snapshot
func (s *Store) AddEntry(e persistence.TransactionLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e.ID = s.nextID
	s.entries = append(s.entries, e)
}

// Entries returns a copy of every ledger entry
func (s *Store) Entries() []persistence.TransactionLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]persistence.TransactionLog(nil), s.entries...)
}

// GetByCode implements persistence.AgentRepo
func (s *Store) GetByCode(_ context.Context, code string) (*persistence.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byCode[code]
	if !ok {
		return nil, persistence.ErrAgentNotFound
	}
	cp := *s.agents[id]
	return &cp, nil
}

// GetByID implements persistence.AgentRepo
func (s *Store) GetByID(_ context.Context, id string) (*persistence.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, persistence.ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) activeByBank(bankID string) []persistence.Agent {
	var out []persistence.Agent
	for _, a := range s.agents {
		if a.BankID == bankID && a.Status == "active" {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ti, tj := out[i].LastActiveAt, out[j].LastActiveAt
		switch {
		case ti != nil && tj != nil && !ti.Equal(*tj):
			return ti.After(*tj)
		case ti != nil && tj == nil:
			return true
		case ti == nil && tj != nil:
			return false
		}
		return out[i].AgentCode < out[j].AgentCode
	})
	return out
}

// ListActiveByBank implements persistence.AgentRepo
func (s *Store) ListActiveByBank(_ context.Context, bankID string, offset, limit int) ([]persistence.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.activeByBank(bankID)
	if offset >= len(all) {
		return []persistence.Agent{}, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

// CountActiveByBank implements persistence.AgentRepo
func (s *Store) CountActiveByBank(_ context.Context, bankID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.activeByBank(bankID))), nil
}

// BankConfig implements persistence.AgentRepo
func (s *Store) BankConfig(_ context.Context, bankID string) (*persistence.BankConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.banks[bankID]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

// Snapshot implements persistence.LedgerRepo
func (s *Store) Snapshot(_ context.Context, agentID string) (*persistence.FloatSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[agentID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

// Apply implements persistence.LedgerRepo
func (s *Store) Apply(_ context.Context, w persistence.LedgerWrite) error {
	if s.ApplyHook != nil {
		if err := s.ApplyHook(w); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur, exists := s.snapshots[w.Snapshot.AgentID]
	switch {
	case w.ExpectedVersion == 0 && exists:
		return persistence.ErrVersionConflict
	case w.ExpectedVersion != 0 && (!exists || cur.Version != w.ExpectedVersion):
		return persistence.ErrVersionConflict
	}

	snap := w.Snapshot
	snap.Version = w.ExpectedVersion + 1
	s.snapshots[snap.AgentID] = snap

	s.nextID++
	e := w.Entry
	e.ID = s.nextID
	e.CreatedAt = time.Now().UTC()
	s.entries = append(s.entries, e)

	if a, ok := s.agents[e.AgentID]; ok {
		if a.LastActiveAt == nil || e.TxTime.After(*a.LastActiveAt) {
			t := e.TxTime
			a.LastActiveAt = &t
		}
	}
	return nil
}

// Window implements persistence.LedgerRepo
func (s *Store) Window(_ context.Context, agentID string, from, to time.Time) ([]persistence.TransactionLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []persistence.TransactionLog
	for _, e := range s.entries {
		if e.AgentID == agentID && !e.TxTime.Before(from) && !e.TxTime.After(to) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].TxTime.Before(out[j].TxTime) })
	return out, nil
}

// SnapshotsByBank implements persistence.LedgerRepo
func (s *Store) SnapshotsByBank(_ context.Context, bankID string) ([]persistence.FloatSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []persistence.FloatSnapshot
	for _, snap := range s.snapshots {
		if snap.BankID == bankID {
			out = append(out, snap)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// StatsSince implements persistence.LedgerRepo
func (s *Store) StatsSince(_ context.Context, bankID string, since time.Time) (persistence.TxStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := persistence.TxStats{Total: decimal.Zero}
	for _, e := range s.entries {
		if e.BankID == bankID && !e.TxTime.Before(since) {
			stats.Count++
			stats.Total = stats.Total.Add(e.Amount)
		}
	}
	return stats, nil
}

// Insert implements persistence.RefillRepo
func (s *Store) Insert(_ context.Context, r persistence.RefillEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	r.ID = s.nextID
	s.refills = append(s.refills, r)
	return nil
}

// LatestRefillAt implements persistence.RefillRepo
func (s *Store) LatestRefillAt(_ context.Context, agentID string) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *time.Time
	for _, r := range s.refills {
		if r.AgentID != agentID {
			continue
		}
		if latest == nil || r.RefillAt.After(*latest) {
			t := r.RefillAt
			latest = &t
		}
	}
	return latest, nil
}
