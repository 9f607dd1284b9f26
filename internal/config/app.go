package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// AppConfig is the complete floatwatch configuration
type AppConfig struct {
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Queue     QueueConfig     `yaml:"queue"`
	Workers   WorkersConfig   `yaml:"workers"`
	Model     ModelConfig     `yaml:"model"`
	Features  FeaturesConfig  `yaml:"features"`
	Decision  DecisionConfig  `yaml:"decision"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Balance   BalanceConfig   `yaml:"balance_api"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// LogConfig controls zerolog output
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`  // force JSON output even on a TTY
}

// ServerConfig holds HTTP ingress settings
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DatabaseConfig holds PostgreSQL connection settings
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
}

// RedisConfig holds the shared Redis connection used for dedup, cache and queue
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// DedupConfig controls the idempotency gate
type DedupConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// QueueConfig controls the durable payment queue
type QueueConfig struct {
	Name         string        `yaml:"name"`
	MaxLength    int64         `yaml:"max_length"` // 0 disables the backpressure check
	MaxAttempts  int           `yaml:"max_attempts"`
	BackoffBase  time.Duration `yaml:"backoff_base"`
	BackoffMax   time.Duration `yaml:"backoff_max"`
	BlockTimeout time.Duration `yaml:"block_timeout"`
}

// WorkersConfig sizes the worker pool
type WorkersConfig struct {
	Count      int           `yaml:"count"`
	JobTimeout time.Duration `yaml:"job_timeout"`
}

// ModelConfig points at the classifier artifact directory
type ModelConfig struct {
	Path string `yaml:"path"`
}

// FeaturesConfig tunes feature extraction
type FeaturesConfig struct {
	Timezone    string        `yaml:"timezone"`
	Window      time.Duration `yaml:"window"`
	MoneyScale  float64       `yaml:"money_scale"`
	RefillScale float64       `yaml:"refill_scale"`
	RefillCap   float64       `yaml:"refill_cap"`
	PeakWindows [][2]int      `yaml:"peak_windows"` // inclusive [from, to] local hours
}

// DecisionConfig holds default alert policy values; bank configuration overrides them
type DecisionConfig struct {
	LowFloatConfidence   float64 `yaml:"low_float_confidence"`
	CashRichConfidence   float64 `yaml:"cash_rich_confidence"`
	RedistributionAmount string  `yaml:"redistribution_amount"`
}

// DashboardConfig controls the aggregate cache
type DashboardConfig struct {
	TTL              time.Duration `yaml:"ttl"`
	DefaultThreshold float64       `yaml:"default_threshold"`
	ActiveWindow     time.Duration `yaml:"active_window"`
}

// BalanceConfig configures the external balance API; empty BaseURL disables lookups
type BalanceConfig struct {
	BaseURL             string        `yaml:"base_url"`
	Token               string        `yaml:"token"`
	Timeout             time.Duration `yaml:"timeout"`
	RPS                 float64       `yaml:"rps"`
	Burst               int           `yaml:"burst"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
}

// SchedulerConfig holds cron expressions for background jobs
type SchedulerConfig struct {
	PromoteSchedule string `yaml:"promote_schedule"`
	ReloadSchedule  string `yaml:"reload_schedule"`
}

// Default returns the configuration used when no file is supplied
func Default() *AppConfig {
	return &AppConfig{
		Log: LogConfig{Level: "info"},
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			ReadTimeout:    10 * time.Second,
			WriteTimeout:   10 * time.Second,
			IdleTimeout:    60 * time.Second,
			RequestTimeout: 5 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			QueryTimeout:    5 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 20,
		},
		Dedup: DedupConfig{TTL: 10 * time.Minute},
		Queue: QueueConfig{
			Name:         "payments",
			MaxLength:    100000,
			MaxAttempts:  5,
			BackoffBase:  time.Second,
			BackoffMax:   time.Minute,
			BlockTimeout: 2 * time.Second,
		},
		Workers: WorkersConfig{
			Count:      4,
			JobTimeout: 30 * time.Second,
		},
		Model: ModelConfig{Path: "./models/liquidity-v1"},
		Features: FeaturesConfig{
			Timezone:    "Africa/Lagos",
			Window:      6 * time.Hour,
			MoneyScale:  100000,
			RefillScale: 100,
			RefillCap:   10,
			PeakWindows: [][2]int{{7, 9}, {16, 18}},
		},
		Decision: DecisionConfig{
			LowFloatConfidence:   0.75,
			CashRichConfidence:   0.70,
			RedistributionAmount: "200000",
		},
		Dashboard: DashboardConfig{
			TTL:              30 * time.Second,
			DefaultThreshold: 0.7,
			ActiveWindow:     6 * time.Hour,
		},
		Balance: BalanceConfig{
			Timeout:             3 * time.Second,
			RPS:                 20,
			Burst:               40,
			ConsecutiveFailures: 5,
			OpenTimeout:         30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			PromoteSchedule: "@every 2s",
			ReloadSchedule:  "@every 15m",
		},
	}
}

// Load reads the YAML file at path (if it exists) over the defaults and applies
// environment variable overrides
func Load(path string) (*AppConfig, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides on top of file values
func applyEnvOverrides(cfg *AppConfig) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("HTTP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("PG_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("PG_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Database.MaxOpenConns = n
		}
	}
	if v := os.Getenv("PG_QUERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Database.QueryTimeout = d
		}
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	if v := os.Getenv("WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers.Count = n
		}
	}
	if v := os.Getenv("MODEL_PATH"); v != "" {
		cfg.Model.Path = v
	}
	if v := os.Getenv("BALANCE_API_URL"); v != "" {
		cfg.Balance.BaseURL = v
	}
	if v := os.Getenv("BALANCE_API_TOKEN"); v != "" {
		cfg.Balance.Token = v
	}
}

// Validate checks the configuration for values the service cannot run with
func (c *AppConfig) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be positive")
	}
	if c.Database.MaxIdleConns > c.Database.MaxOpenConns {
		return fmt.Errorf("database.max_idle_conns cannot exceed max_open_conns")
	}
	if c.Database.QueryTimeout <= 0 {
		return fmt.Errorf("database.query_timeout must be positive")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Dedup.TTL <= 0 {
		return fmt.Errorf("dedup.ttl must be positive")
	}
	if c.Queue.Name == "" {
		return fmt.Errorf("queue.name is required")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue.max_attempts must be positive")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be positive")
	}
	if _, err := time.LoadLocation(c.Features.Timezone); err != nil {
		return fmt.Errorf("features.timezone: %w", err)
	}
	if c.Features.MoneyScale <= 0 || c.Features.RefillScale <= 0 {
		return fmt.Errorf("features scales must be positive")
	}
	for _, w := range c.Features.PeakWindows {
		if w[0] < 0 || w[1] > 23 || w[0] > w[1] {
			return fmt.Errorf("invalid peak window %v", w)
		}
	}
	for name, v := range map[string]float64{
		"decision.low_float_confidence": c.Decision.LowFloatConfidence,
		"decision.cash_rich_confidence": c.Decision.CashRichConfidence,
	} {
		if v < 0 || v >= 1 {
			return fmt.Errorf("%s must be in [0, 1): %v", name, v)
		}
	}
	if _, err := decimal.NewFromString(c.Decision.RedistributionAmount); err != nil {
		return fmt.Errorf("decision.redistribution_amount: %w", err)
	}
	if c.Dashboard.TTL <= 0 {
		return fmt.Errorf("dashboard.ttl must be positive")
	}
	return nil
}
