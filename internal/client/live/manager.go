// Package live is the client side of the live gateway.
//
// A Manager owns one logical connection: it dials the preferred transport, falls back to
// the next on failure, rejoins the reviews topic on every connect and reconnects forever
// with capped backoff. Handlers are registered on the Manager, not on a transport, so they
// survive reconnects. Provider hands out one Manager per process.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/reviewpulse/internal/platform/retry"
	"github.com/pscheid92/reviewpulse/internal/wire"
)

// Lifecycle events delivered through On alongside server events.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
)

const (
	DefaultInitialDelay      = time.Second
	DefaultMaxDelay          = 5 * time.Second
	DefaultTimeout           = 20 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
)

var (
	ErrNotConnected = errors.New("live: not connected")
	ErrClosed       = errors.New("live: manager closed")
	ErrAckTimeout   = errors.New("live: ack timeout")
)

// ConnectInfo is the body of the connect lifecycle event.
type ConnectInfo struct {
	Transport wire.Transport `json:"transport"`
	SID       string         `json:"sid"`
	Reconnect bool           `json:"reconnect"`
}

// DisconnectInfo is the body of the disconnect lifecycle event.
type DisconnectInfo struct {
	Reason string `json:"reason"`
}

// Handler receives the raw event body. Handlers run on the manager's connection goroutine
// in arrival order and must not block.
type Handler func(data json.RawMessage)

type Options struct {
	URL    string // gateway base URL, e.g. http://localhost:8080
	Origin string
	Header http.Header

	// Transports in order of preference.
	Transports []wire.Transport
	Dialers    map[wire.Transport]DialFunc

	InitialDelay      time.Duration
	MaxDelay          time.Duration
	Timeout           time.Duration
	HeartbeatInterval time.Duration

	Clock clockwork.Clock
}

func (o Options) withDefaults() Options {
	if len(o.Transports) == 0 {
		o.Transports = []wire.Transport{wire.TransportWebSocket, wire.TransportPolling}
	}
	dialers := map[wire.Transport]DialFunc{
		wire.TransportWebSocket: DialWebSocket,
		wire.TransportPolling:   PollingDialer(nil),
	}
	for name, d := range o.Dialers {
		dialers[name] = d
	}
	o.Dialers = dialers

	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultInitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}

	header := o.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if o.Origin != "" {
		header.Set("Origin", o.Origin)
	}
	o.Header = header
	return o
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type Manager struct {
	opts    Options
	clock   clockwork.Clock
	backoff retry.Backoff

	mu        sync.Mutex
	transport Transport
	connected bool
	watchers  map[uint64]chan bool
	handlers  map[string][]handlerEntry
	acks      map[uint64]chan json.RawMessage

	nextID  atomic.Uint64
	nextAck atomic.Uint64

	closed    chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// New starts connecting immediately and keeps the connection alive until Close.
func New(opts Options) (*Manager, error) {
	if opts.URL == "" {
		return nil, errors.New("live: URL is required")
	}
	opts = opts.withDefaults()
	for _, name := range opts.Transports {
		if opts.Dialers[name] == nil {
			return nil, fmt.Errorf("live: no dialer for transport %q", name)
		}
	}
	if _, err := endpoint(opts.URL, "", false); err != nil {
		return nil, err
	}

	m := &Manager{
		opts:     opts,
		clock:    opts.Clock,
		backoff:  retry.Backoff{Initial: opts.InitialDelay, Max: opts.MaxDelay},
		watchers: make(map[uint64]chan bool),
		handlers: make(map[string][]handlerEntry),
		acks:     make(map[uint64]chan json.RawMessage),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.run()
	return m, nil
}

// On registers handler for event and returns a function that removes it. Registering the
// same function twice delivers twice; call sites keep the off func to avoid that.
func (m *Manager) On(event string, handler Handler) (off func()) {
	id := m.nextID.Add(1)

	m.mu.Lock()
	m.handlers[event] = append(m.handlers[event], handlerEntry{id: id, fn: handler})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.handlers[event] = slices.DeleteFunc(m.handlers[event], func(e handlerEntry) bool { return e.id == id })
			if len(m.handlers[event]) == 0 {
				delete(m.handlers, event)
			}
		})
	}
}

// Connected reports whether a transport is currently established.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// WatchConnected returns a channel that yields the current state and then every change.
// Slow readers only see the latest state. cancel releases the watcher.
func (m *Manager) WatchConnected() (<-chan bool, func()) {
	id := m.nextID.Add(1)
	ch := make(chan bool, 1)

	m.mu.Lock()
	ch <- m.connected
	m.watchers[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
		})
	}
}

// Emit sends a client event without waiting for an answer.
func (m *Manager) Emit(ctx context.Context, event string, body any) error {
	f, err := wire.NewEvent(event, body)
	if err != nil {
		return err
	}
	return m.send(ctx, f)
}

// EmitWithAck sends a client event and waits for the gateway's ack body.
func (m *Manager) EmitWithAck(ctx context.Context, event string, body any) (json.RawMessage, error) {
	f, err := wire.NewEvent(event, body)
	if err != nil {
		return nil, err
	}
	f.AckID = m.nextAck.Add(1)

	ch := make(chan json.RawMessage, 1)
	m.mu.Lock()
	m.acks[f.AckID] = ch
	m.mu.Unlock()
	defer m.dropAck(f.AckID)

	if err := m.send(ctx, f); err != nil {
		return nil, err
	}

	timer := m.clock.NewTimer(m.opts.Timeout)
	defer timer.Stop()

	select {
	case data, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return data, nil
	case <-timer.Chan():
		return nil, ErrAckTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.closed:
		return nil, ErrClosed
	}
}

// Close stops reconnecting, closes the transport and waits for the connection goroutine.
func (m *Manager) Close() {
	m.closeOnce.Do(func() { close(m.closed) })
	<-m.done
}

func (m *Manager) send(ctx context.Context, f wire.Frame) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
	}

	m.mu.Lock()
	t := m.transport
	m.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}

	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	return t.Send(ctx, data)
}

func (m *Manager) dropAck(id uint64) {
	m.mu.Lock()
	delete(m.acks, id)
	m.mu.Unlock()
}

func (m *Manager) resolveAck(f wire.Frame) {
	m.mu.Lock()
	ch, ok := m.acks[f.AckID]
	delete(m.acks, f.AckID)
	m.mu.Unlock()

	if ok {
		ch <- f.Data
	}
}

func (m *Manager) run() {
	defer close(m.done)

	attempt := 0
	everConnected := false
	for {
		t, err := m.dial()
		if err == nil {
			attempt = 0
			reason := m.serve(t, everConnected)
			everConnected = true
			slog.Info("Live connection lost", "reason", reason)
		} else {
			if IsRejected(err) {
				slog.Warn("Live connection rejected", "error", err, "attempt", attempt+1)
			} else {
				slog.Debug("Live dial failed", "error", err, "attempt", attempt+1)
			}
		}

		if m.isClosed() {
			return
		}

		delay := m.backoff.Delay(attempt)
		attempt++
		timer := m.clock.NewTimer(delay)
		select {
		case <-timer.Chan():
		case <-m.closed:
			timer.Stop()
			return
		}
	}
}

// dial tries each transport in order of preference.
func (m *Manager) dial() (Transport, error) {
	var errs []error
	for _, name := range m.opts.Transports {
		ctx, cancel := context.WithTimeout(context.Background(), m.opts.Timeout)
		t, err := m.opts.Dialers[name](ctx, m.opts.URL, m.opts.Header)
		cancel()
		if err == nil {
			return t, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
		if m.isClosed() {
			break
		}
	}
	return nil, errors.Join(errs...)
}

// serve runs one connected session and returns the disconnect reason.
func (m *Manager) serve(t Transport, reconnect bool) string {
	frames := make(chan wire.Frame)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		for {
			f, err := t.Recv()
			if errors.Is(err, wire.ErrMalformedFrame) {
				slog.Warn("Dropping malformed live frame", "error", err)
				continue
			}
			if err != nil {
				readErr <- err
				return
			}
			if f.Kind == wire.KindAck {
				m.resolveAck(f)
				continue
			}
			select {
			case frames <- f:
			case <-stop:
				return
			}
		}
	}()

	m.setTransport(t)
	m.join(t)

	h := t.Handshake()
	m.dispatchLifecycle(EventConnect, ConnectInfo{Transport: t.Name(), SID: h.SID, Reconnect: reconnect})
	slog.Info("Live connected", "transport", t.Name(), "sid", h.SID, "reconnect", reconnect)

	heartbeat := m.clock.NewTicker(m.opts.HeartbeatInterval)

	var reason string
loop:
	for {
		select {
		case f := <-frames:
			if f.Kind == wire.KindClose {
				var r string
				_ = json.Unmarshal(f.Data, &r)
				reason = "server closed: " + r
				break loop
			}
			if f.Kind == wire.KindEvent {
				m.dispatch(f.Event, f.Data)
			}
		case err := <-readErr:
			reason = err.Error()
			break loop
		case <-heartbeat.Chan():
			go m.ping(t)
		case <-m.closed:
			reason = "client closed"
			break loop
		}
	}

	heartbeat.Stop()
	_ = t.Close()
	m.clearTransport(t)
	m.dispatchLifecycle(EventDisconnect, DisconnectInfo{Reason: reason})
	return reason
}

// join subscribes to the reviews topic; sent before any event of this session is dispatched.
func (m *Manager) join(t Transport) {
	f, _ := wire.NewEvent(wire.EventJoinReviews, nil)
	f.AckID = m.nextAck.Add(1)

	ch := make(chan json.RawMessage, 1)
	m.mu.Lock()
	m.acks[f.AckID] = ch
	m.mu.Unlock()

	data, _ := wire.Encode(f)
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.Timeout)
	defer cancel()
	if err := t.Send(ctx, data); err != nil {
		m.dropAck(f.AckID)
		slog.Warn("Failed to join reviews", "error", err)
		_ = t.Close()
		return
	}

	go func() {
		defer m.dropAck(f.AckID)
		body, err := m.awaitAck(ch)
		if err != nil {
			slog.Warn("Join not acknowledged", "error", err)
			return
		}
		var ack wire.JoinAck
		if err := json.Unmarshal(body, &ack); err != nil || !ack.Success {
			slog.Warn("Join rejected", "body", string(body))
			return
		}
		slog.Debug("Joined reviews", "room_size", ack.RoomSize)
	}()
}

// ping sends a heartbeat with ack. A missing answer within the timeout drops the
// transport, which triggers a reconnect.
func (m *Manager) ping(t Transport) {
	f, _ := wire.NewEvent(wire.EventPing, nil)
	f.AckID = m.nextAck.Add(1)

	ch := make(chan json.RawMessage, 1)
	m.mu.Lock()
	m.acks[f.AckID] = ch
	m.mu.Unlock()
	defer m.dropAck(f.AckID)

	data, _ := wire.Encode(f)
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.Timeout)
	defer cancel()
	if err := t.Send(ctx, data); err != nil {
		slog.Debug("Heartbeat send failed", "error", err)
		_ = t.Close()
		return
	}

	if _, err := m.awaitAck(ch); errors.Is(err, ErrAckTimeout) {
		slog.Warn("Heartbeat missed, reconnecting", "timeout", m.opts.Timeout)
		_ = t.Close()
	}
}

func (m *Manager) awaitAck(ch chan json.RawMessage) (json.RawMessage, error) {
	timer := m.clock.NewTimer(m.opts.Timeout)
	defer timer.Stop()

	select {
	case data, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return data, nil
	case <-timer.Chan():
		return nil, ErrAckTimeout
	case <-m.closed:
		return nil, ErrClosed
	}
}

func (m *Manager) setTransport(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transport = t
	m.connected = true
	m.notifyLocked()
}

// clearTransport marks the manager disconnected and fails acks still waiting on t.
func (m *Manager) clearTransport(t Transport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transport != t {
		return
	}
	m.transport = nil
	m.connected = false
	for id, ch := range m.acks {
		close(ch)
		delete(m.acks, id)
	}
	m.notifyLocked()
}

func (m *Manager) notifyLocked() {
	for _, ch := range m.watchers {
		select {
		case <-ch:
		default:
		}
		ch <- m.connected
	}
}

func (m *Manager) dispatch(event string, data json.RawMessage) {
	m.mu.Lock()
	entries := slices.Clone(m.handlers[event])
	m.mu.Unlock()

	for _, e := range entries {
		m.safeCall(event, e.fn, data)
	}
}

func (m *Manager) dispatchLifecycle(event string, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		return
	}
	m.dispatch(event, data)
}

func (m *Manager) safeCall(event string, fn Handler, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Live handler panicked", "event", event, "panic", r)
		}
	}()
	fn(data)
}

func (m *Manager) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}
