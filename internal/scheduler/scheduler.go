// Package scheduler runs floatwatch's periodic maintenance jobs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/floatwatch/internal/config"
	"github.com/sawpanic/floatwatch/internal/metrics"
	"github.com/sawpanic/floatwatch/internal/queue"
)

const (
	JobQueuePromote = "queue.promote"
	JobModelReload  = "model.reload"

	promoteBatch = 500
)

// QueueMaintainer is the part of the queue the scheduler drives
type QueueMaintainer interface {
	PromoteDue(ctx context.Context, batch int) (int, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// ModelReloader swaps in a fresh classifier artifact
type ModelReloader interface {
	Reload() error
	IsReady() bool
}

// Job is one registered periodic task
type Job struct {
	Name        string `json:"name"`
	Schedule    string `json:"schedule"`
	Description string `json:"description"`
	run         func(ctx context.Context) error
}

// JobResult represents the result of a job execution
type JobResult struct {
	JobName   string        `json:"job_name"`
	StartTime time.Time     `json:"start_time"`
	EndTime   time.Time     `json:"end_time"`
	Duration  time.Duration `json:"duration"`
	Success   bool          `json:"success"`
	Error     string        `json:"error,omitempty"`
}

// Status represents scheduler status
type Status struct {
	Running bool                 `json:"running"`
	Jobs    int                  `json:"jobs"`
	NextRun map[string]time.Time `json:"next_run,omitempty"`
	LastRun map[string]JobResult `json:"last_run,omitempty"`
	Uptime  time.Duration        `json:"uptime"`
}

// Scheduler manages scheduled jobs
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]*Job
	entries map[string]cron.EntryID
	metrics *metrics.Registry

	mu        sync.Mutex
	last      map[string]JobResult
	running   bool
	startTime time.Time
}

// New registers the promote and reload jobs. A nil queue or model skips the
// corresponding job.
func New(cfg config.SchedulerConfig, q QueueMaintainer, m ModelReloader, reg *metrics.Registry) (*Scheduler, error) {
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cron.DiscardLogger), cron.SkipIfStillRunning(cron.DiscardLogger))),
		jobs:    make(map[string]*Job),
		entries: make(map[string]cron.EntryID),
		metrics: reg,
		last:    make(map[string]JobResult),
	}

	if q != nil {
		if err := s.register(&Job{
			Name:        JobQueuePromote,
			Schedule:    cfg.PromoteSchedule,
			Description: "Move delayed retries whose backoff elapsed back to the ready list",
			run: func(ctx context.Context) error {
				return s.promote(ctx, q)
			},
		}); err != nil {
			return nil, err
		}
	}
	if m != nil {
		if err := s.register(&Job{
			Name:        JobModelReload,
			Schedule:    cfg.ReloadSchedule,
			Description: "Reload the classifier artifact from disk",
			run: func(context.Context) error {
				err := m.Reload()
				if s.metrics != nil {
					s.metrics.SetModelReady(m.IsReady())
				}
				return err
			},
		}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Scheduler) register(job *Job) error {
	if job.Schedule == "" {
		log.Info().Str("job", job.Name).Msg("No schedule configured, job disabled")
		return nil
	}
	id, err := s.cron.AddFunc(job.Schedule, func() {
		if _, err := s.RunJob(context.Background(), job.Name); err != nil {
			log.Error().Err(err).Str("job", job.Name).Msg("Scheduled job could not start")
		}
	})
	if err != nil {
		return fmt.Errorf("register %s (%q): %w", job.Name, job.Schedule, err)
	}
	s.jobs[job.Name] = job
	s.entries[job.Name] = id
	return nil
}

func (s *Scheduler) promote(ctx context.Context, q QueueMaintainer) error {
	n, err := q.PromoteDue(ctx, promoteBatch)
	if err != nil {
		return err
	}
	if n > 0 {
		log.Debug().Int("promoted", n).Msg("Delayed jobs promoted")
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.SetQueueDepth(stats.Ready, stats.Processing, stats.Delayed, stats.Dead)
	}
	return nil
}

// ListJobs returns all registered jobs ordered by name
func (s *Scheduler) ListJobs() []Job {
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}

// RunJob executes a specific job immediately
func (s *Scheduler) RunJob(ctx context.Context, name string) (*JobResult, error) {
	job, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("job not found: %s", name)
	}

	result := &JobResult{JobName: name, StartTime: time.Now(), Success: true}
	log.Debug().Str("job", name).Msg("Job started")

	if err := execute(ctx, job); err != nil {
		result.Success = false
		result.Error = err.Error()
		log.Error().Err(err).Str("job", name).Msg("Job failed")
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	if result.Success {
		log.Debug().Str("job", name).Dur("duration", result.Duration).Msg("Job completed")
	}

	s.mu.Lock()
	s.last[name] = *result
	s.mu.Unlock()
	return result, nil
}

// execute turns a panicking job into a failed run
func execute(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.run(ctx)
}

// Start runs the cron loop until ctx is cancelled, then waits for running jobs
func (s *Scheduler) Start(ctx context.Context) error {
	s.cron.Start()
	s.mu.Lock()
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()
	log.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")

	<-ctx.Done()
	<-s.cron.Stop().Done()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	log.Info().Msg("Scheduler stopped")
	return nil
}

// GetStatus returns current scheduler status
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running: s.running,
		Jobs:    len(s.jobs),
		NextRun: make(map[string]time.Time, len(s.entries)),
		LastRun: make(map[string]JobResult, len(s.last)),
	}
	if s.running {
		st.Uptime = time.Since(s.startTime)
	}
	for name, id := range s.entries {
		if next := s.cron.Entry(id).Next; !next.IsZero() {
			st.NextRun[name] = next
		}
	}
	for name, res := range s.last {
		st.LastRun[name] = res
	}
	return st
}
