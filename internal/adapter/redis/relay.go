package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/pscheid92/reviewpulse/internal/adapter/metrics"
	"github.com/pscheid92/reviewpulse/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// RelayChannel carries live events between server instances.
const RelayChannel = "reviewpulse:events"

// LocalEmitter delivers a relayed event to this instance's connections.
type LocalEmitter interface {
	EmitToTopic(topic, event string, body any) domain.PublishStatus
}

type envelope struct {
	Topic string          `json:"topic"`
	Event string          `json:"event"`
	Body  json.RawMessage `json:"body"`
}

// Relay fans events out to every instance subscribed to RelayChannel, including the
// publishing one, which then emits to its own connections.
type Relay struct {
	rdb        *goredis.Client
	local      LocalEmitter
	metrics    *metrics.RedisMetrics
	breaker    *Breaker
	subscribed atomic.Bool
}

type RelayOption func(*Relay)

// WithBreaker makes the relay report not ready while b is open.
func WithBreaker(b *Breaker) RelayOption {
	return func(r *Relay) { r.breaker = b }
}

func NewRelay(rdb *goredis.Client, local LocalEmitter, m *metrics.RedisMetrics, opts ...RelayOption) *Relay {
	r := &Relay{rdb: rdb, local: local, metrics: m}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Ready reports whether this instance currently receives relayed events and Redis
// accepts commands. Publishing while not subscribed would skip local connections.
func (r *Relay) Ready() bool {
	if r.breaker != nil && r.breaker.Open() {
		return false
	}
	return r.subscribed.Load()
}

// Publish sends an event to all subscribed instances and returns how many received it.
func (r *Relay) Publish(ctx context.Context, topic, event string, body any) (int64, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %s body: %w", event, err)
	}
	payload, err := json.Marshal(envelope{Topic: topic, Event: event, Body: data})
	if err != nil {
		return 0, fmt.Errorf("failed to encode envelope: %w", err)
	}

	receivers, err := r.rdb.Publish(ctx, RelayChannel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish %s: %w", event, err)
	}
	return receivers, nil
}

// Run subscribes and forwards relayed events until ctx is cancelled or the subscription
// fails. Callers restart it to resubscribe.
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.rdb.Subscribe(ctx, RelayChannel)
	defer func() { _ = pubsub.Close() }()

	// Receive blocks until the subscription is confirmed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", RelayChannel, err)
	}

	r.subscribed.Store(true)
	r.metrics.RelaySubscribed.Set(1)
	defer func() {
		r.subscribed.Store(false)
		r.metrics.RelaySubscribed.Set(0)
	}()
	slog.Info("Relay subscribed", "channel", RelayChannel)

	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("relay channel closed")
			}
			r.handle(msg.Payload)
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Relay) handle(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || env.Topic == "" || env.Event == "" {
		r.metrics.RelayDropped.Inc()
		slog.Warn("Dropping malformed relay message", "error", err)
		return
	}

	r.metrics.RelayReceived.WithLabelValues(env.Event).Inc()
	status := r.local.EmitToTopic(env.Topic, env.Event, env.Body)
	if !status.OK() {
		slog.Warn("Relayed event not emitted", "event", env.Event, "error", status.Err)
	}
}
