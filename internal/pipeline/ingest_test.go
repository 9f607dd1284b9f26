package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/floatwatch/internal/config"
	"github.com/sawpanic/floatwatch/internal/idempotency"
	"github.com/sawpanic/floatwatch/internal/metrics"
	"github.com/sawpanic/floatwatch/internal/queue"
)

type memGate struct {
	mu       sync.Mutex
	marked   map[string]bool
	released []string
}

func newMemGate() *memGate { return &memGate{marked: make(map[string]bool)} }

func (g *memGate) CheckAndMark(_ context.Context, id string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.marked[id] {
		return false, nil
	}
	g.marked[id] = true
	return true, nil
}

func (g *memGate) Release(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.marked, id)
	g.released = append(g.released, id)
	return nil
}

type memQueue struct {
	mu     sync.Mutex
	seq    int
	err    error
	jobs   []*queue.Job
	acked  []string
	buried []string
	retry  []string

	retryErr error
}

func (q *memQueue) Enqueue(_ context.Context, name string, payload interface{}) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return nil, q.err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	q.seq++
	job := &queue.Job{ID: fmt.Sprintf("job-%d", q.seq), Name: name, Payload: body, MaxAttempts: 5, State: queue.StateEnqueued}
	q.jobs = append(q.jobs, job)
	return job, nil
}

func (q *memQueue) Dequeue(ctx context.Context) (*queue.Job, error) {
	q.mu.Lock()
	if len(q.jobs) == 0 {
		q.mu.Unlock()
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Millisecond):
		}
		return nil, nil
	}
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	q.mu.Unlock()
	return job, nil
}

func (q *memQueue) Ack(_ context.Context, job *queue.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, job.ID)
	return nil
}

func (q *memQueue) Retry(_ context.Context, job *queue.Job, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.retryErr != nil {
		return false, q.retryErr
	}
	job.Attempts++
	q.retry = append(q.retry, job.ID)
	return job.Attempts >= job.MaxAttempts, nil
}

func (q *memQueue) Bury(_ context.Context, job *queue.Job, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.buried = append(q.buried, job.ID)
	return nil
}

func (q *memQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func TestAccept_EnqueuesNewEvent(t *testing.T) {
	gate, q := newMemGate(), &memQueue{}
	in := NewIngestor(gate, q, metrics.New())

	job, err := in.Accept(context.Background(), withdrawal("1", "5500", nil))
	require.NoError(t, err)
	assert.Equal(t, JobName, job.Name)
	assert.Equal(t, 1, q.pending())
	assert.True(t, gate.marked["txn_1"])
}

func TestAccept_DuplicateWithinTTL(t *testing.T) {
	gate, q := newMemGate(), &memQueue{}
	in := NewIngestor(gate, q, metrics.New())

	_, err := in.Accept(context.Background(), withdrawal("1", "5500", nil))
	require.NoError(t, err)
	_, err = in.Accept(context.Background(), withdrawal("1", "5500", nil))
	assert.ErrorIs(t, err, idempotency.ErrDuplicateEvent)
	assert.Equal(t, 1, q.pending())
}

func TestAccept_EnqueueFailureReleasesMarker(t *testing.T) {
	gate, q := newMemGate(), &memQueue{err: errors.New("READONLY")}
	in := NewIngestor(gate, q, metrics.New())

	_, err := in.Accept(context.Background(), withdrawal("1", "5500", nil))
	assert.ErrorIs(t, err, queue.ErrQueueUnavailable)
	assert.Equal(t, []string{"txn_1"}, gate.released)

	q.err = nil
	_, err = in.Accept(context.Background(), withdrawal("1", "5500", nil))
	assert.NoError(t, err, "sender retry is accepted once the queue recovers")
}

func TestAccept_WithoutObserver(t *testing.T) {
	gate, q := newMemGate(), &memQueue{}
	in := NewIngestor(gate, q, nil)

	require.NotPanics(t, func() {
		_, err := in.Accept(context.Background(), withdrawal("1", "5500", nil))
		require.NoError(t, err)
		_, err = in.Accept(context.Background(), withdrawal("1", "5500", nil))
		assert.ErrorIs(t, err, idempotency.ErrDuplicateEvent)
	})
	assert.Equal(t, 1, q.pending())
}

func TestAccept_InvalidEvent(t *testing.T) {
	gate, q := newMemGate(), &memQueue{}
	in := NewIngestor(gate, q, metrics.New())
	ev := withdrawal("1", "5500", nil)
	ev.Transaction.Type = "refund"

	_, err := in.Accept(context.Background(), ev)
	assert.ErrorIs(t, err, ErrInvalidEvent)
	assert.Empty(t, gate.marked)
}

func TestDuplicateReplay_OneLedgerRowOneClassification(t *testing.T) {
	h := newHarness(t)
	gate, q := newMemGate(), &memQueue{}
	in := NewIngestor(gate, q, h.metrics)
	pool := NewPool(q, h.processor, h.metrics, config.WorkersConfig{Count: 1, JobTimeout: time.Second})

	ev := withdrawal("1", "5500", ptr(dec("245000")))
	_, err := in.Accept(context.Background(), ev)
	require.NoError(t, err)
	_, err = in.Accept(context.Background(), ev)
	require.ErrorIs(t, err, idempotency.ErrDuplicateEvent)

	for q.pending() > 0 {
		job, _ := q.Dequeue(context.Background())
		pool.handle(context.Background(), 0, job)
	}

	assert.Len(t, h.store.Entries(), 1)
	assert.Equal(t, 1, h.predictor.calls)
	assert.Len(t, q.acked, 1)
}
