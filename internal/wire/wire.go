// Package wire defines the frame format spoken between the live gateway and its clients.
//
// Every message is a JSON object. A transport (websocket or long-polling) carries frames
// unchanged; polling bundles several frames into a JSON array per request.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Topic names.
const TopicReviews = "reviews"

// Event names. Server-to-client events are emitted to topic members; client-to-server
// events are handled by the gateway.
const (
	EventReviewCreated     = "review:created"
	EventReviewUpdated     = "review:updated"
	EventReviewVoteUpdated = "review:vote:updated"
	EventPong              = "pong"

	EventPing         = "ping"
	EventJoinReviews  = "join:reviews"
	EventLeaveReviews = "leave:reviews"
)

// Paths served by the gateway. Kept apart from the REST prefix.
const (
	BasePath      = "/live"
	WebSocketPath = BasePath + "/ws"
	PollingPath   = BasePath + "/poll"
	StatsPath     = BasePath + "/stats"
)

// PongBody is the literal liveness reply.
const PongBody = "pong"

type Kind string

const (
	KindOpen  Kind = "open"
	KindEvent Kind = "event"
	KindAck   Kind = "ack"
	KindClose Kind = "close"
)

type Transport string

const (
	TransportWebSocket Transport = "websocket"
	TransportPolling   Transport = "polling"
)

var ErrMalformedFrame = errors.New("malformed frame")

// Frame is the unit exchanged over every transport. An event frame with a non-zero
// AckID asks the receiver to answer with an ack frame carrying the same id.
type Frame struct {
	Kind  Kind            `json:"kind"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID uint64          `json:"ackId,omitempty"`
}

// Handshake is the body of the open frame sent as the first frame of every connection.
type Handshake struct {
	SID          string    `json:"sid"`
	Transport    Transport `json:"transport"`
	PingInterval int64     `json:"pingInterval"`
	PingTimeout  int64     `json:"pingTimeout"`
}

// JoinAck answers join:reviews.
type JoinAck struct {
	Success  bool `json:"success"`
	RoomSize int  `json:"roomSize"`
}

// VoteUpdated is the review:vote:updated body.
type VoteUpdated struct {
	ReviewID      string `json:"reviewId"`
	HelpfulCount  int    `json:"helpfulCount"`
	DownVoteCount int    `json:"downVoteCount"`
}

func NewEvent(event string, body any) (Frame, error) {
	data, err := marshalBody(body)
	if err != nil {
		return Frame{}, fmt.Errorf("encode %s body: %w", event, err)
	}
	return Frame{Kind: KindEvent, Event: event, Data: data}, nil
}

func NewAck(ackID uint64, body any) (Frame, error) {
	data, err := marshalBody(body)
	if err != nil {
		return Frame{}, fmt.Errorf("encode ack body: %w", err)
	}
	return Frame{Kind: KindAck, AckID: ackID, Data: data}, nil
}

func NewOpen(h Handshake) (Frame, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return Frame{}, fmt.Errorf("encode handshake: %w", err)
	}
	return Frame{Kind: KindOpen, Data: data}, nil
}

func NewClose(reason string) Frame {
	data, _ := json.Marshal(reason)
	return Frame{Kind: KindClose, Data: data}
}

func marshalBody(body any) (json.RawMessage, error) {
	if body == nil {
		return nil, nil
	}
	if raw, ok := body.(json.RawMessage); ok {
		if !json.Valid(raw) {
			return nil, ErrMalformedFrame
		}
		return raw, nil
	}
	return json.Marshal(body)
}

func Encode(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return data, nil
}

// Decode parses and validates a single frame.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if err := f.validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}

func (f Frame) validate() error {
	switch f.Kind {
	case KindEvent:
		if f.Event == "" {
			return fmt.Errorf("%w: event frame without event name", ErrMalformedFrame)
		}
	case KindAck:
		if f.AckID == 0 {
			return fmt.Errorf("%w: ack frame without ack id", ErrMalformedFrame)
		}
	case KindOpen, KindClose:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedFrame, f.Kind)
	}
	return nil
}

// EncodeBatch joins already encoded frames into a JSON array.
func EncodeBatch(frames [][]byte) []byte {
	size := 2
	for _, f := range frames {
		size += len(f) + 1
	}
	out := make([]byte, 0, size)
	out = append(out, '[')
	for i, f := range frames {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, f...)
	}
	return append(out, ']')
}

// DecodeBatch parses a JSON array of frames. A single invalid frame rejects the batch.
func DecodeBatch(data []byte) ([]Frame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	frames := make([]Frame, 0, len(raw))
	for _, r := range raw {
		f, err := Decode(r)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// ParseHandshake reads the body of an open frame.
func ParseHandshake(f Frame) (Handshake, error) {
	if f.Kind != KindOpen {
		return Handshake{}, fmt.Errorf("%w: expected open frame, got %q", ErrMalformedFrame, f.Kind)
	}
	var h Handshake
	if err := json.Unmarshal(f.Data, &h); err != nil {
		return Handshake{}, fmt.Errorf("%w: handshake: %v", ErrMalformedFrame, err)
	}
	if h.SID == "" {
		return Handshake{}, fmt.Errorf("%w: handshake without sid", ErrMalformedFrame)
	}
	return h, nil
}
