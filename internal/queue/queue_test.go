package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/floatwatch/internal/config"
)

var fixedNow = time.Date(2025, 9, 7, 10, 30, 0, 0, time.UTC)

func newTestQueue(t *testing.T, maxLength int64) (*Queue, redismock.ClientMock) {
	t.Helper()
	db, mock := redismock.NewClientMock()
	q := New(db, config.QueueConfig{
		Name:         "payments",
		MaxLength:    maxLength,
		MaxAttempts:  3,
		BackoffBase:  time.Second,
		BackoffMax:   10 * time.Second,
		BlockTimeout: time.Second,
	})
	q.now = func() time.Time { return fixedNow }
	q.newID = func() string { return "job-1" }
	return q, mock
}

type payload struct {
	TxID string `json:"tx_id"`
}

func TestQueue_Enqueue(t *testing.T) {
	q, mock := newTestQueue(t, 100)

	expected, err := json.Marshal(&Job{
		ID:          "job-1",
		Name:        "processPayment",
		Payload:     json.RawMessage(`{"tx_id":"txn_1"}`),
		MaxAttempts: 3,
		State:       StateEnqueued,
		EnqueuedAt:  fixedNow,
	})
	require.NoError(t, err)

	mock.ExpectLLen("queue:payments:ready").SetVal(4)
	mock.ExpectLPush("queue:payments:ready", expected).SetVal(5)

	job, err := q.Enqueue(context.Background(), "processPayment", payload{TxID: "txn_1"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", job.ID)
	assert.Equal(t, StateEnqueued, job.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueue_Enqueue_Backpressure(t *testing.T) {
	t.Run("saturated", func(t *testing.T) {
		q, mock := newTestQueue(t, 2)
		mock.ExpectLLen("queue:payments:ready").SetVal(2)

		_, err := q.Enqueue(context.Background(), "processPayment", payload{TxID: "txn_1"})
		assert.ErrorIs(t, err, ErrQueueUnavailable)
	})

	t.Run("redis_down", func(t *testing.T) {
		q, mock := newTestQueue(t, 2)
		mock.ExpectLLen("queue:payments:ready").SetErr(errors.New("dial tcp: connection refused"))

		_, err := q.Enqueue(context.Background(), "processPayment", payload{TxID: "txn_1"})
		assert.ErrorIs(t, err, ErrQueueUnavailable)
	})
}

func TestQueue_Dequeue(t *testing.T) {
	q, mock := newTestQueue(t, 0)
	raw := `{"id":"job-9","name":"processPayment","payload":{"tx_id":"txn_9"},"attempts":1,"max_attempts":3,"state":"ENQUEUED","enqueued_at":"2025-09-07T10:00:00Z"}`

	mock.ExpectBRPopLPush("queue:payments:ready", "queue:payments:processing", time.Second).SetVal(raw)
	mock.ExpectBRPopLPush("queue:payments:ready", "queue:payments:processing", time.Second).RedisNil()

	job, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job-9", job.ID)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, StateProcessing, job.State)
	assert.Equal(t, raw, job.raw)

	job, err = q.Dequeue(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueue_Ack(t *testing.T) {
	q, mock := newTestQueue(t, 0)
	job := &Job{ID: "job-1", raw: `{"id":"job-1"}`}

	mock.ExpectLRem("queue:payments:processing", 1, `{"id":"job-1"}`).SetVal(1)

	require.NoError(t, q.Ack(context.Background(), job))
	assert.Equal(t, StateCompleted, job.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueue_Retry_SchedulesWithBackoff(t *testing.T) {
	q, mock := newTestQueue(t, 0)
	job := &Job{ID: "job-1", Name: "processPayment", MaxAttempts: 3, EnqueuedAt: fixedNow, raw: `{"id":"job-1"}`}

	next := *job
	next.Attempts = 1
	next.LastError = "db timeout"
	next.State = StateEnqueued
	member, err := json.Marshal(&next)
	require.NoError(t, err)

	mock.ExpectTxPipeline()
	mock.ExpectLRem("queue:payments:processing", 1, `{"id":"job-1"}`).SetVal(1)
	mock.ExpectZAdd("queue:payments:delayed", &redis.Z{
		Score:  float64(fixedNow.Add(time.Second).UnixMilli()),
		Member: string(member),
	}).SetVal(1)
	mock.ExpectTxPipelineExec()

	dead, err := q.Retry(context.Background(), job, errors.New("db timeout"))
	require.NoError(t, err)
	assert.False(t, dead)
	assert.Equal(t, 1, job.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueue_Retry_ExhaustedGoesToDeadList(t *testing.T) {
	q, mock := newTestQueue(t, 0)
	job := &Job{ID: "job-1", Attempts: 2, MaxAttempts: 3, EnqueuedAt: fixedNow, raw: `{"id":"job-1"}`}

	final := *job
	final.Attempts = 3
	final.LastError = "db timeout"
	final.State = StateFailed
	data, err := json.Marshal(&final)
	require.NoError(t, err)

	mock.ExpectTxPipeline()
	mock.ExpectLRem("queue:payments:processing", 1, `{"id":"job-1"}`).SetVal(1)
	mock.ExpectLPush("queue:payments:dead", data).SetVal(1)
	mock.ExpectTxPipelineExec()

	dead, err := q.Retry(context.Background(), job, errors.New("db timeout"))
	require.NoError(t, err)
	assert.True(t, dead)
	assert.Equal(t, StateFailed, job.State)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueue_Backoff(t *testing.T) {
	q, _ := newTestQueue(t, 0)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{12, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, q.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestQueue_PromoteDue(t *testing.T) {
	q, mock := newTestQueue(t, 0)

	mock.ExpectEvalSha(promoteScript.Hash(),
		[]string{"queue:payments:delayed", "queue:payments:ready"},
		"1757241000000", 50).SetVal(int64(2))

	n, err := q.PromoteDue(context.Background(), 50)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueue_RequeueInflight(t *testing.T) {
	q, mock := newTestQueue(t, 0)

	mock.ExpectRPopLPush("queue:payments:processing", "queue:payments:ready").SetVal("a")
	mock.ExpectRPopLPush("queue:payments:processing", "queue:payments:ready").SetVal("b")
	mock.ExpectRPopLPush("queue:payments:processing", "queue:payments:ready").RedisNil()

	n, err := q.RequeueInflight(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
