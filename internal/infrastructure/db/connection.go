package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/sawpanic/floatwatch/internal/config"
	"github.com/sawpanic/floatwatch/internal/persistence"
	"github.com/sawpanic/floatwatch/internal/persistence/postgres"
)

// Manager owns the PostgreSQL connection pool and the repositories built on it
type Manager struct {
	db     *sqlx.DB
	config config.DatabaseConfig
	repos  *persistence.Repository
	health *healthChecker
}

// NewManager opens and pings the database, then wires the repositories
func NewManager(ctx context.Context, cfg config.DatabaseConfig) (*Manager, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return newManager(db, cfg), nil
}

// NewManagerWithDB wraps an existing connection, used by tests and tools
func NewManagerWithDB(db *sqlx.DB, cfg config.DatabaseConfig) *Manager {
	return newManager(db, cfg)
}

func newManager(db *sqlx.DB, cfg config.DatabaseConfig) *Manager {
	return &Manager{
		db:     db,
		config: cfg,
		repos: &persistence.Repository{
			Agents:  postgres.NewAgentRepo(db, cfg.QueryTimeout),
			Ledger:  postgres.NewLedgerRepo(db, cfg.QueryTimeout),
			Refills: postgres.NewRefillRepo(db, cfg.QueryTimeout),
		},
		health: &healthChecker{db: db, timeout: cfg.QueryTimeout},
	}
}

// Repository returns the repository collection
func (m *Manager) Repository() *persistence.Repository {
	return m.repos
}

// Health returns the health checker
func (m *Manager) Health() persistence.RepositoryHealth {
	return m.health
}

// DB returns the underlying connection (for migrations)
func (m *Manager) DB() *sqlx.DB {
	return m.db
}

// Migrate applies the embedded schema
func (m *Manager) Migrate(ctx context.Context) error {
	return postgres.Migrate(ctx, m.db)
}

// Close closes the database connection
func (m *Manager) Close() error {
	if m.db == nil {
		return nil
	}
	return m.db.Close()
}

// healthChecker implements persistence.RepositoryHealth
type healthChecker struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Health returns current repository health status
func (h *healthChecker) Health(ctx context.Context) persistence.HealthCheck {
	start := time.Now()

	var errors []string
	healthy := true
	if err := h.Ping(ctx); err != nil {
		errors = append(errors, fmt.Sprintf("ping failed: %v", err))
		healthy = false
	}

	stats := h.db.Stats()
	return persistence.HealthCheck{
		Healthy: healthy,
		Errors:  errors,
		ConnectionPool: map[string]int{
			"max_open":   stats.MaxOpenConnections,
			"open":       stats.OpenConnections,
			"in_use":     stats.InUse,
			"idle":       stats.Idle,
			"wait_count": int(stats.WaitCount),
		},
		LastCheck:      time.Now(),
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
}

// Ping tests basic connectivity to database
func (h *healthChecker) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	return h.db.PingContext(pingCtx)
}
