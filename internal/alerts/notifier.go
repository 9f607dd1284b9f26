// Package alerts fans decision alerts out to logs and Redis pub/sub.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/floatwatch/internal/decision"
)

// ChannelPrefix namespaces per-bank alert channels
const ChannelPrefix = "alerts:"

// Channel returns the pub/sub channel for a bank
func Channel(bankID string) string {
	return ChannelPrefix + bankID
}

// Notifier delivers an alert somewhere
type Notifier interface {
	Notify(ctx context.Context, a decision.Alert) error
}

// LogNotifier writes alerts to the structured log
type LogNotifier struct{}

// Notify implements Notifier
func (LogNotifier) Notify(_ context.Context, a decision.Alert) error {
	log.Warn().
		Str("agent_id", a.AgentID).
		Str("bank_id", a.BankID).
		Str("alert_type", string(a.Type)).
		Float64("confidence", a.Confidence).
		Str("action", string(a.SuggestedAction.Action)).
		Str("amount", a.SuggestedAction.Amount.String()).
		Msg(a.Message)
	return nil
}

// RedisPublisher publishes alerts as JSON on alerts:<bank_id>
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher creates a publisher
func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client}
}

// Notify implements Notifier
func (p *RedisPublisher) Notify(ctx context.Context, a decision.Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if err := p.client.Publish(ctx, Channel(a.BankID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish alert for %s: %w", a.AgentID, err)
	}
	return nil
}

// Subscription is a live feed of one bank's alerts
type Subscription struct {
	pubsub *redis.PubSub
	C      <-chan decision.Alert
}

// Close stops the feed
func (s *Subscription) Close() error {
	if s.pubsub == nil {
		return nil
	}
	return s.pubsub.Close()
}

// Subscribe opens a feed of the bank's alerts. Messages that do not decode
// are skipped. The feed closes when ctx is done or Close is called.
func (p *RedisPublisher) Subscribe(ctx context.Context, bankID string) (*Subscription, error) {
	ps := p.client.Subscribe(ctx, Channel(bankID))
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", Channel(bankID), err)
	}

	out := make(chan decision.Alert, 16)
	go func() {
		defer close(out)
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var a decision.Alert
				if err := json.Unmarshal([]byte(m.Payload), &a); err != nil {
					log.Debug().Err(err).Str("channel", m.Channel).Msg("Skipping undecodable alert")
					continue
				}
				select {
				case out <- a:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return &Subscription{pubsub: ps, C: out}, nil
}

// Multi delivers to every notifier and joins their errors
type Multi []Notifier

// Notify implements Notifier
func (m Multi) Notify(ctx context.Context, a decision.Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
