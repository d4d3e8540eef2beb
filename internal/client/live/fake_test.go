package live

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/pscheid92/reviewpulse/internal/wire"
)

type fakeTransport struct {
	name    wire.Transport
	sid     string
	ackPing bool

	in        chan wire.Frame
	closed    chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	sent []wire.Frame
}

func newFakeTransport(name wire.Transport, sid string, ackPing bool) *fakeTransport {
	return &fakeTransport{
		name:    name,
		sid:     sid,
		ackPing: ackPing,
		in:      make(chan wire.Frame, 64),
		closed:  make(chan struct{}),
	}
}

func (t *fakeTransport) Name() wire.Transport { return t.name }

func (t *fakeTransport) Handshake() wire.Handshake {
	return wire.Handshake{SID: t.sid, Transport: t.name}
}

func (t *fakeTransport) Send(_ context.Context, data []byte) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	f, err := wire.Decode(data)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.sent = append(t.sent, f)
	t.mu.Unlock()

	switch {
	case f.Event == wire.EventJoinReviews && f.AckID != 0:
		ack, _ := wire.NewAck(f.AckID, wire.JoinAck{Success: true, RoomSize: 1})
		t.in <- ack
	case f.Event == wire.EventPing && f.AckID != 0 && t.ackPing:
		ack, _ := wire.NewAck(f.AckID, wire.PongBody)
		t.in <- ack
	}
	return nil
}

func (t *fakeTransport) Recv() (wire.Frame, error) {
	select {
	case f := <-t.in:
		return f, nil
	case <-t.closed:
		return wire.Frame{}, ErrTransportClosed
	}
}

func (t *fakeTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) isClosed() bool {
	select {
	case <-t.closed:
		return true
	default:
		return false
	}
}

func (t *fakeTransport) push(event string, body any) {
	f, err := wire.NewEvent(event, body)
	if err != nil {
		panic(err)
	}
	t.in <- f
}

func (t *fakeTransport) sentFrames() []wire.Frame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]wire.Frame(nil), t.sent...)
}

func (t *fakeTransport) sentEvents(event string) []wire.Frame {
	var out []wire.Frame
	for _, f := range t.sentFrames() {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

type fakeDialer struct {
	name    wire.Transport
	ackPing bool

	mu         sync.Mutex
	fails      int
	dials      int
	transports []*fakeTransport
	started    chan *fakeTransport
}

func newFakeDialer(name wire.Transport, fails int) *fakeDialer {
	return &fakeDialer{name: name, fails: fails, ackPing: true, started: make(chan *fakeTransport, 16)}
}

func (d *fakeDialer) dial(_ context.Context, _ string, _ http.Header) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.fails > 0 {
		d.fails--
		return nil, errors.New("connection refused")
	}

	t := newFakeTransport(d.name, "sid-"+string(rune('a'+len(d.transports))), d.ackPing)
	d.transports = append(d.transports, t)
	d.started <- t
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

const alwaysFail = 1 << 30
