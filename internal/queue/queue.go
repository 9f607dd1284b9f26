// Package queue implements a durable Redis-backed work queue with bounded
// retries, exponential backoff and a dead-letter list.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/sawpanic/floatwatch/internal/config"
)

// ErrQueueUnavailable is returned when a job cannot be durably enqueued,
// either because Redis failed or the ready list is at capacity.
var ErrQueueUnavailable = errors.New("queue unavailable")

// State is a job's position in its lifecycle
type State string

const (
	StateReceived   State = "RECEIVED"
	StateEnqueued   State = "ENQUEUED"
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateFailed     State = "FAILED"
)

// Job is the envelope stored in Redis
type Job struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	State       State           `json:"state"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	LastError   string          `json:"last_error,omitempty"`

	raw string // exact bytes held in the processing list
}

// Stats reports list lengths for health and metrics
type Stats struct {
	Ready      int64 `json:"ready"`
	Processing int64 `json:"processing"`
	Delayed    int64 `json:"delayed"`
	Dead       int64 `json:"dead"`
}

// Queue is a reliable queue: ready list, processing list, delayed zset, dead list
type Queue struct {
	client *redis.Client
	cfg    config.QueueConfig
	now    func() time.Time
	newID  func() string
}

// New creates a queue bound to cfg.Name
func New(client *redis.Client, cfg config.QueueConfig) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 2 * time.Second
	}
	return &Queue{client: client, cfg: cfg, now: time.Now, newID: uuid.NewString}
}

// Name returns the queue name
func (q *Queue) Name() string { return q.cfg.Name }

func (q *Queue) key(suffix string) string {
	return "queue:" + q.cfg.Name + ":" + suffix
}

func (q *Queue) readyKey() string      { return q.key("ready") }
func (q *Queue) processingKey() string { return q.key("processing") }
func (q *Queue) delayedKey() string    { return q.key("delayed") }
func (q *Queue) deadKey() string       { return q.key("dead") }

// Enqueue stores payload as a new job. The job is durable once this returns nil.
func (q *Queue) Enqueue(ctx context.Context, name string, payload interface{}) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	if q.cfg.MaxLength > 0 {
		depth, err := q.client.LLen(ctx, q.readyKey()).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}
		if depth >= q.cfg.MaxLength {
			return nil, fmt.Errorf("%w: %d jobs waiting", ErrQueueUnavailable, depth)
		}
	}

	job := &Job{
		ID:          q.newID(),
		Name:        name,
		Payload:     body,
		MaxAttempts: q.cfg.MaxAttempts,
		State:       StateEnqueued,
		EnqueuedAt:  q.now().UTC(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.readyKey(), data).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return job, nil
}

// Dequeue blocks up to the configured timeout for the next job and moves it to
// the processing list atomically. It returns nil, nil when nothing arrived.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	raw, err := q.client.BRPopLPush(ctx, q.readyKey(), q.processingKey(), q.cfg.BlockTimeout).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("dequeue: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// unreadable envelopes go straight to the dead list
		pipe := q.client.TxPipeline()
		pipe.LRem(ctx, q.processingKey(), 1, raw)
		pipe.LPush(ctx, q.deadKey(), raw)
		if _, perr := pipe.Exec(ctx); perr != nil {
			return nil, fmt.Errorf("dead-letter corrupt job: %w", perr)
		}
		return nil, fmt.Errorf("corrupt job envelope: %w", err)
	}
	job.raw = raw
	job.State = StateProcessing
	return &job, nil
}

// Ack removes a finished job from the processing list
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	if err := q.client.LRem(ctx, q.processingKey(), 1, job.raw).Err(); err != nil {
		return fmt.Errorf("ack job %s: %w", job.ID, err)
	}
	job.State = StateCompleted
	return nil
}

// Retry schedules the job for another attempt after a backoff, or moves it to
// the dead list once attempts are exhausted. It reports whether the job died.
func (q *Queue) Retry(ctx context.Context, job *Job, cause error) (bool, error) {
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}
	if job.Attempts >= job.MaxAttempts {
		return true, q.bury(ctx, job)
	}

	job.State = StateEnqueued
	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job: %w", err)
	}
	readyAt := q.now().Add(q.Backoff(job.Attempts))

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, job.raw)
	pipe.ZAdd(ctx, q.delayedKey(), &redis.Z{Score: float64(readyAt.UnixMilli()), Member: string(data)})
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("retry job %s: %w", job.ID, err)
	}
	return false, nil
}

// Bury moves the job to the dead list without further attempts
func (q *Queue) Bury(ctx context.Context, job *Job, cause error) error {
	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}
	return q.bury(ctx, job)
}

func (q *Queue) bury(ctx context.Context, job *Job) error {
	job.State = StateFailed
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, job.raw)
	pipe.LPush(ctx, q.deadKey(), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bury job %s: %w", job.ID, err)
	}
	return nil
}

// Backoff returns the delay before the given attempt: base * 2^(attempt-1), capped
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := q.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= q.cfg.BackoffMax {
			return q.cfg.BackoffMax
		}
	}
	return d
}

// promoteScript moves due members of the delayed zset onto the ready list
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, member in ipairs(due) do
	redis.call('ZREM', KEYS[1], member)
	redis.call('LPUSH', KEYS[2], member)
end
return #due
`)

// PromoteDue moves up to batch delayed jobs whose backoff elapsed back to ready
func (q *Queue) PromoteDue(ctx context.Context, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.readyKey()}, now, batch).Int()
	if err != nil {
		return 0, fmt.Errorf("promote delayed jobs: %w", err)
	}
	return n, nil
}

// RequeueInflight returns jobs stranded in the processing list (after a crash)
// to the ready list. Call it before any worker of this queue starts.
func (q *Queue) RequeueInflight(ctx context.Context) (int, error) {
	moved := 0
	for {
		err := q.client.RPopLPush(ctx, q.processingKey(), q.readyKey()).Err()
		if err == redis.Nil {
			return moved, nil
		}
		if err != nil {
			return moved, fmt.Errorf("requeue inflight jobs: %w", err)
		}
		moved++
	}
}

// Stats returns the current list lengths
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey())
	processing := pipe.LLen(ctx, q.processingKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	dead := pipe.LLen(ctx, q.deadKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{
		Ready:      ready.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
		Dead:       dead.Val(),
	}, nil
}
