package gateway

import (
	"context"
	"log/slog"

	"github.com/pscheid92/reviewpulse/internal/wire"
)

// dispatch handles one inbound frame. Replies go through the hub so they are ordered
// with topic events on the same connection.
func (g *Gateway) dispatch(ctx context.Context, connID string, f wire.Frame) {
	if f.Kind != wire.KindEvent {
		slog.DebugContext(ctx, "Ignoring non-event frame", "kind", f.Kind)
		return
	}

	switch f.Event {
	case wire.EventPing:
		if f.AckID != 0 {
			pong, err := wire.NewAck(f.AckID, wire.PongBody)
			g.reply(ctx, connID, pong, err)
			return
		}
		pong, err := wire.NewEvent(wire.EventPong, wire.PongBody)
		g.reply(ctx, connID, pong, err)

	case wire.EventJoinReviews:
		size, err := g.hub.Join(connID, wire.TopicReviews)
		ack := wire.JoinAck{Success: err == nil, RoomSize: size}
		if err != nil {
			slog.WarnContext(ctx, "Join failed", "topic", wire.TopicReviews, "error", err)
		} else {
			slog.DebugContext(ctx, "Joined topic", "topic", wire.TopicReviews, "room_size", size)
		}
		if f.AckID != 0 {
			reply, err := wire.NewAck(f.AckID, ack)
			g.reply(ctx, connID, reply, err)
		}

	case wire.EventLeaveReviews:
		g.hub.Leave(connID, wire.TopicReviews)
		slog.DebugContext(ctx, "Left topic", "topic", wire.TopicReviews)

	default:
		slog.DebugContext(ctx, "Ignoring unknown event", "event", f.Event)
	}
}

func (g *Gateway) reply(ctx context.Context, connID string, f wire.Frame, err error) {
	if err != nil {
		slog.ErrorContext(ctx, "Failed to build reply", "error", err)
		return
	}
	msg, err := wire.Encode(f)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode reply", "error", err)
		return
	}
	g.hub.SendTo(connID, msg)
}
