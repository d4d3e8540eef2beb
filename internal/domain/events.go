package domain

import "context"

// EventPublisher turns committed mutations into live events. Implementations never fail
// the caller: the returned status reports the outcome and may be ignored.
type EventPublisher interface {
	ReviewCreated(ctx context.Context, review *Review) PublishStatus
	ReviewUpdated(ctx context.Context, review *Review) PublishStatus
	VoteUpdated(ctx context.Context, update VoteUpdate) PublishStatus
}

// PublishStatus reports a best-effort fan-out. Recipients counts local connections, or
// subscribed instances when Relayed is set.
type PublishStatus struct {
	Event      string
	Recipients int
	Relayed    bool
	Err        error
}

func (s PublishStatus) OK() bool { return s.Err == nil }
