package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/floatwatch/internal/config"
	"github.com/sawpanic/floatwatch/internal/metrics"
	"github.com/sawpanic/floatwatch/internal/queue"
)

// JobQueue is the consumer side of the durable queue
type JobQueue interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Ack(ctx context.Context, job *queue.Job) error
	Retry(ctx context.Context, job *queue.Job, cause error) (bool, error)
	Bury(ctx context.Context, job *queue.Job, cause error) error
}

// Pool runs a fixed number of workers, each with one job in flight
type Pool struct {
	queue      JobQueue
	processor  *Processor
	metrics    *metrics.Registry
	workers    int
	jobTimeout time.Duration
	idleDelay  time.Duration
}

// NewPool creates a worker pool
func NewPool(q JobQueue, p *Processor, m *metrics.Registry, cfg config.WorkersConfig) *Pool {
	if cfg.Count <= 0 {
		cfg.Count = 4
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Second
	}
	if m == nil {
		m = metrics.New()
	}
	return &Pool{
		queue:      q,
		processor:  p,
		metrics:    m,
		workers:    cfg.Count,
		jobTimeout: cfg.JobTimeout,
		idleDelay:  time.Second,
	}
}

// Run blocks until ctx is cancelled and every worker has finished its job
func (p *Pool) Run(ctx context.Context) error {
	log.Info().Int("workers", p.workers).Msg("Starting payment workers")
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(ctx, id)
		}(i)
	}
	wg.Wait()
	log.Info().Msg("Payment workers stopped")
	return nil
}

func (p *Pool) worker(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Int("worker", id).Msg("Dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.idleDelay):
			}
			continue
		}
		if job == nil {
			continue
		}
		// A picked-up job is finished even if shutdown starts meanwhile.
		p.handle(context.WithoutCancel(ctx), id, job)
	}
}

// handle processes one job and settles it on the queue
func (p *Pool) handle(ctx context.Context, workerID int, job *queue.Job) {
	logger := log.With().Str("job_id", job.ID).Int("worker", workerID).Int("attempt", job.Attempts+1).Logger()
	logger.Info().Str("state", string(queue.StateProcessing)).Msg("Processing payment job")
	p.metrics.JobState(string(queue.StateProcessing))

	var ev PaymentEvent
	if err := json.Unmarshal(job.Payload, &ev); err != nil {
		p.fail(ctx, job, Permanent(err))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.jobTimeout)
	out, err := p.processor.Process(jobCtx, &ev)
	cancel()

	if err != nil {
		p.fail(ctx, job, err)
		return
	}

	if err := p.queue.Ack(ctx, job); err != nil {
		logger.Error().Err(err).Msg("Failed to ack completed job")
	}
	p.metrics.JobState(string(queue.StateCompleted))
	entry := logger.Info().Str("state", string(queue.StateCompleted)).Str("agent_id", ev.Transaction.Metadata.AgentID)
	if out != nil && out.Ledger != nil {
		entry = entry.Str("e_float", out.Ledger.Snapshot.EFloat.String()).Str("source", string(out.Ledger.Snapshot.Source))
	}
	if out != nil && out.Alert != nil {
		entry = entry.Str("alert_type", string(out.Alert.Type))
	}
	entry.Msg("Payment job completed")
}

func (p *Pool) fail(ctx context.Context, job *queue.Job, cause error) {
	logger := log.With().Str("job_id", job.ID).Logger()

	if errors.Is(cause, ErrPermanent) {
		if err := p.queue.Bury(ctx, job, cause); err != nil {
			logger.Error().Err(err).Msg("Failed to dead-letter job")
		}
		p.metrics.JobState(string(queue.StateFailed))
		logger.Error().Err(cause).Str("state", string(queue.StateFailed)).Msg("Payment job failed permanently")
		return
	}

	dead, err := p.queue.Retry(ctx, job, cause)
	if err != nil {
		// The job stays in the processing list until in-flight recovery requeues it.
		logger.Error().Err(err).AnErr("cause", cause).Int("attempts", job.Attempts).
			Msg("Payment job failed and could not be settled")
		return
	}
	if dead {
		p.metrics.JobState(string(queue.StateFailed))
		logger.Error().Err(cause).Str("state", string(queue.StateFailed)).Int("attempts", job.Attempts).
			Msg("Payment job exhausted retries")
		return
	}
	logger.Warn().Err(cause).Int("attempts", job.Attempts).Msg("Payment job failed, retry scheduled")
}
