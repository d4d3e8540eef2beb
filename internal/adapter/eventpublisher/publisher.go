package eventpublisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pscheid92/reviewpulse/internal/adapter/metrics"
	"github.com/pscheid92/reviewpulse/internal/domain"
	"github.com/pscheid92/reviewpulse/internal/wire"
)

const (
	routeRelay  = "relay"
	routeLocal  = "local"
	routeFailed = "failed"
)

var errMissingReview = errors.New("event publisher: review without id")

// counterFields are left out of review:updated; only vote events carry counters, and those
// leave in vote order.
var counterFields = []string{"helpfulCount", "downVoteCount", "_count"}

// Emitter delivers an event to this instance's connections.
type Emitter interface {
	EmitToTopic(topic, event string, body any) domain.PublishStatus
}

// Relay delivers an event to every instance, this one included.
type Relay interface {
	Ready() bool
	Publish(ctx context.Context, topic, event string, body any) (int64, error)
}

// Publisher implements domain.EventPublisher. Events go through the relay when it is
// subscribed and fall back to a local emit otherwise.
type Publisher struct {
	local   Emitter
	relay   Relay
	metrics *metrics.EventMetrics
}

var _ domain.EventPublisher = (*Publisher)(nil)

// New returns a Publisher. relay may be nil for single-instance deployments.
func New(local Emitter, relay Relay, m *metrics.EventMetrics) *Publisher {
	return &Publisher{local: local, relay: relay, metrics: m}
}

func (p *Publisher) ReviewCreated(ctx context.Context, review *domain.Review) domain.PublishStatus {
	return p.publishReview(ctx, wire.EventReviewCreated, review)
}

// ReviewUpdated sends the edited review without its vote counters, so a review read
// before a concurrent vote cannot roll clients back to older counts.
func (p *Publisher) ReviewUpdated(ctx context.Context, review *domain.Review) domain.PublishStatus {
	if review == nil || review.ID == "" {
		return p.fail(ctx, wire.EventReviewUpdated, errMissingReview)
	}
	public := *review
	public.UserVote = nil
	body, err := withoutCounters(&public)
	if err != nil {
		return p.fail(ctx, wire.EventReviewUpdated, err)
	}
	return p.publish(ctx, wire.EventReviewUpdated, body)
}

func (p *Publisher) VoteUpdated(ctx context.Context, update domain.VoteUpdate) domain.PublishStatus {
	if update.ReviewID == "" {
		return p.fail(ctx, wire.EventReviewVoteUpdated, errMissingReview)
	}
	return p.publish(ctx, wire.EventReviewVoteUpdated, wire.VoteUpdated{
		ReviewID:      update.ReviewID,
		HelpfulCount:  update.HelpfulCount,
		DownVoteCount: update.DownVoteCount,
	})
}

// publishReview sends the public representation; the viewer-specific vote is stripped.
func (p *Publisher) publishReview(ctx context.Context, event string, review *domain.Review) domain.PublishStatus {
	if review == nil || review.ID == "" {
		return p.fail(ctx, event, errMissingReview)
	}
	public := *review
	public.UserVote = nil
	return p.publish(ctx, event, &public)
}

func (p *Publisher) publish(ctx context.Context, event string, body any) (status domain.PublishStatus) {
	defer func() {
		if r := recover(); r != nil {
			status = p.fail(ctx, event, fmt.Errorf("panic during emit: %v", r))
		}
	}()

	if p.relay != nil && p.relay.Ready() {
		receivers, err := p.relay.Publish(ctx, wire.TopicReviews, event, body)
		if err == nil && receivers > 0 {
			p.metrics.Published.WithLabelValues(event, routeRelay).Inc()
			slog.DebugContext(ctx, "Event relayed", "event", event, "instances", receivers)
			return domain.PublishStatus{Event: event, Recipients: int(receivers), Relayed: true}
		}
		p.metrics.Fallbacks.Inc()
		slog.WarnContext(ctx, "Relay unavailable, emitting locally", "event", event, "receivers", receivers, "error", err)
	}

	status = p.local.EmitToTopic(wire.TopicReviews, event, body)
	if !status.OK() {
		return p.fail(ctx, event, status.Err)
	}
	p.metrics.Published.WithLabelValues(event, routeLocal).Inc()
	slog.DebugContext(ctx, "Event emitted", "event", event, "recipients", status.Recipients)
	return status
}

func (p *Publisher) fail(ctx context.Context, event string, err error) domain.PublishStatus {
	p.metrics.Published.WithLabelValues(event, routeFailed).Inc()
	slog.WarnContext(ctx, "Failed to publish event", "event", event, "error", err)
	return domain.PublishStatus{Event: event, Err: err}
}

func withoutCounters(review *domain.Review) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(review)
	if err != nil {
		return nil, fmt.Errorf("encode review: %w", err)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("encode review: %w", err)
	}
	for _, field := range counterFields {
		delete(body, field)
	}
	return body, nil
}
