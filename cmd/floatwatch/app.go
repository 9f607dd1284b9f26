package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/floatwatch/internal/alerts"
	"github.com/sawpanic/floatwatch/internal/balance"
	"github.com/sawpanic/floatwatch/internal/config"
	"github.com/sawpanic/floatwatch/internal/dashboard"
	"github.com/sawpanic/floatwatch/internal/decision"
	"github.com/sawpanic/floatwatch/internal/features"
	"github.com/sawpanic/floatwatch/internal/idempotency"
	"github.com/sawpanic/floatwatch/internal/infrastructure/cache"
	"github.com/sawpanic/floatwatch/internal/infrastructure/db"
	"github.com/sawpanic/floatwatch/internal/ledger"
	"github.com/sawpanic/floatwatch/internal/metrics"
	"github.com/sawpanic/floatwatch/internal/model"
	"github.com/sawpanic/floatwatch/internal/pipeline"
	"github.com/sawpanic/floatwatch/internal/queue"
	"github.com/sawpanic/floatwatch/internal/scheduler"
	"github.com/sawpanic/floatwatch/internal/simulation"
)

// app holds every wired component of one floatwatch process
type app struct {
	cfg        *config.AppConfig
	db         *db.Manager
	redis      *redis.Client
	cache      *cache.RedisCache
	metrics    *metrics.Registry
	queue      *queue.Queue
	ingestor   *pipeline.Ingestor
	ledger     *ledger.Ledger
	classifier *model.Classifier
	dashboard  *dashboard.Service
	publisher  *alerts.RedisPublisher
	processor  *pipeline.Processor
	simulator  *simulation.Service
	scheduler  *scheduler.Scheduler
}

func newApp(ctx context.Context, cfg *config.AppConfig) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.New()}

	var err error
	if a.db, err = db.NewManager(ctx, cfg.Database); err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	if a.redis, err = cache.NewClient(ctx, cfg.Redis); err != nil {
		a.db.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	a.cache = cache.NewRedisCache(a.redis)
	repo := a.db.Repository()

	a.classifier = model.NewClassifier(cfg.Model)
	if err := a.classifier.Initialize(); err != nil {
		// Predictions are skipped until the reload job finds a valid artifact
		log.Warn().Err(err).Str("path", cfg.Model.Path).Msg("Classifier not loaded, continuing without predictions")
	}
	a.metrics.SetModelReady(a.classifier.IsReady())

	opts := []ledger.Option{ledger.WithObserver(a.metrics)}
	if cfg.Balance.BaseURL != "" {
		opts = append(opts, ledger.WithFetcher(balance.NewHTTPFetcher(cfg.Balance)))
	}
	a.ledger = ledger.New(repo, opts...)

	extractor, err := features.NewExtractor(repo, cfg.Features)
	if err != nil {
		a.Close()
		return nil, err
	}
	loc, _ := time.LoadLocation(cfg.Features.Timezone)

	policy := decision.DefaultPolicy(cfg.Decision)
	a.dashboard = dashboard.NewService(dashboard.Options{
		Repo:      repo,
		Features:  extractor,
		Predictor: a.classifier,
		Cache:     a.cache,
		Metrics:   a.metrics,
		Policy:    policy,
		Config:    cfg.Dashboard,
		Location:  loc,
	})

	a.publisher = alerts.NewRedisPublisher(a.redis)
	a.processor = pipeline.NewProcessor(pipeline.Deps{
		Ledger:      a.ledger,
		Features:    extractor,
		Predictor:   a.classifier,
		Banks:       repo.Agents,
		Policy:      policy,
		Notifier:    alerts.Multi{alerts.LogNotifier{}, a.publisher},
		Invalidator: a.dashboard,
		Metrics:     a.metrics,
	})
	a.simulator = simulation.NewService(a.processor)

	a.queue = queue.New(a.redis, cfg.Queue)
	a.ingestor = pipeline.NewIngestor(idempotency.NewGate(a.redis, cfg.Dedup.TTL), a.queue, a.metrics)

	if a.scheduler, err = scheduler.New(cfg.Scheduler, a.queue, a.classifier, a.metrics); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// recoverInflight returns jobs a crashed worker left in the processing list
func (a *app) recoverInflight(ctx context.Context) error {
	n, err := a.queue.RequeueInflight(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Warn().Int("jobs", n).Str("queue", a.queue.Name()).Msg("Requeued in-flight jobs from a previous run")
	}
	return nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close database")
		}
	}
}
