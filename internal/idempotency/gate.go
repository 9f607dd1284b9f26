// Package idempotency discards inbound events that were already accepted.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// KeyPrefix namespaces dedup markers in Redis
const KeyPrefix = "dedup:"

// DefaultTTL bounds how long a marker suppresses a resend
const DefaultTTL = 10 * time.Minute

var (
	// ErrDuplicateEvent reports an event id that already holds a live marker
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrMissingID rejects events without an identifier
	ErrMissingID = errors.New("event id is required")
)

// Gate is an atomic set-if-absent marker store
type Gate struct {
	client *redis.Client
	ttl    time.Duration
}

// NewGate creates a gate whose markers expire after ttl
func NewGate(client *redis.Client, ttl time.Duration) *Gate {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Gate{client: client, ttl: ttl}
}

// Key returns the marker key for an event id
func Key(id string) string {
	return KeyPrefix + id
}

// CheckAndMark writes the marker for id if absent. Exactly one concurrent caller
// for the same id observes isNew == true. The marker is written regardless of
// what happens downstream.
func (g *Gate) CheckAndMark(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrMissingID
	}
	isNew, err := g.client.SetNX(ctx, Key(id), "processed", g.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup marker for %s: %w", id, err)
	}
	return isNew, nil
}

// Release drops the marker so a later resend is accepted again. Only the
// ingress calls this, when the event could not be handed to the queue.
func (g *Gate) Release(ctx context.Context, id string) error {
	if err := g.client.Del(ctx, Key(id)).Err(); err != nil {
		return fmt.Errorf("release dedup marker for %s: %w", id, err)
	}
	return nil
}
