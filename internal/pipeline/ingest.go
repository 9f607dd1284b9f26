package pipeline

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/floatwatch/internal/idempotency"
	"github.com/sawpanic/floatwatch/internal/queue"
)

// DedupGate is the idempotency gate as seen by ingress
type DedupGate interface {
	CheckAndMark(ctx context.Context, id string) (bool, error)
	Release(ctx context.Context, id string) error
}

// Enqueuer hands jobs to the durable queue
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload interface{}) (*queue.Job, error)
}

// IngestObserver counts ingress outcomes
type IngestObserver interface {
	EventReceived(outcome string)
	JobState(state string)
}

// Ingestor is the ingress side of the pipeline: gate, then enqueue
type Ingestor struct {
	gate     DedupGate
	queue    Enqueuer
	observer IngestObserver
}

type nopIngestObserver struct{}

func (nopIngestObserver) EventReceived(string) {}
func (nopIngestObserver) JobState(string)      {}

// NewIngestor wires the gate and queue. A nil observer counts nothing.
func NewIngestor(gate DedupGate, q Enqueuer, observer IngestObserver) *Ingestor {
	if observer == nil {
		observer = nopIngestObserver{}
	}
	return &Ingestor{gate: gate, queue: q, observer: observer}
}

// Accept validates, deduplicates and enqueues the event. It returns
// idempotency.ErrDuplicateEvent for a resend within the marker TTL and
// queue.ErrQueueUnavailable when the event could not be made durable.
func (i *Ingestor) Accept(ctx context.Context, ev *PaymentEvent) (*queue.Job, error) {
	if err := ev.Validate(); err != nil {
		i.observer.EventReceived("rejected")
		return nil, err
	}
	id := ev.DedupID()
	logger := log.With().Str("event_id", id).Str("agent_id", ev.Transaction.Metadata.AgentID).Logger()
	logger.Debug().Str("state", string(queue.StateReceived)).Msg("Payment event received")
	i.observer.JobState(string(queue.StateReceived))

	isNew, err := i.gate.CheckAndMark(ctx, id)
	if err != nil {
		i.observer.EventReceived("gate_error")
		return nil, err
	}
	if !isNew {
		i.observer.EventReceived("duplicate")
		logger.Warn().Msg("Duplicate payment event ignored")
		return nil, idempotency.ErrDuplicateEvent
	}

	job, err := i.queue.Enqueue(ctx, JobName, ev)
	if err != nil {
		i.observer.EventReceived("enqueue_failed")
		// Drop the marker so the sender's retry is not treated as a duplicate.
		if relErr := i.gate.Release(ctx, id); relErr != nil {
			logger.Error().Err(relErr).Msg("Failed to release dedup marker after enqueue failure")
		}
		logger.Error().Err(err).Msg("Failed to enqueue payment event")
		if !errors.Is(err, queue.ErrQueueUnavailable) {
			err = errors.Join(queue.ErrQueueUnavailable, err)
		}
		return nil, err
	}

	i.observer.EventReceived("accepted")
	i.observer.JobState(string(queue.StateEnqueued))
	logger.Info().Str("job_id", job.ID).Str("state", string(queue.StateEnqueued)).Msg("Payment event enqueued")
	return job, nil
}
