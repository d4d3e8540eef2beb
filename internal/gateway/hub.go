package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/reviewpulse/internal/adapter/metrics"
	"github.com/pscheid92/reviewpulse/internal/wire"
)

const (
	commandTimeout     = 5 * time.Second  // Actor command timeout
	stopTimeout        = 10 * time.Second // Graceful shutdown timeout
	commandChannelSize = 256
	sweepInterval      = time.Second
)

var (
	errHubStopped        = errors.New("hub stopped")
	errCommandTimeout    = errors.New("hub command timed out")
	errUnknownConn       = errors.New("unknown connection")
	errDuplicateConn     = errors.New("connection already registered")
	closeReasonShutdown  = "Server shutting down"
	closeReasonAbandoned = "registration timed out"
)

// outbox is the write side of a connection. enqueue never blocks; a false return means
// the connection cannot keep up.
type outbox interface {
	enqueue(msg []byte) bool
	close(reason string)
	expired(now time.Time) bool
}

// member is a registered connection. Only the hub goroutine touches topics.
type member struct {
	id        string
	transport wire.Transport
	out       outbox
	topics    map[string]struct{}
	release   func()
}

func newMember(id string, transport wire.Transport, out outbox, release func()) *member {
	return &member{id: id, transport: transport, out: out, topics: make(map[string]struct{}), release: release}
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connections map[wire.Transport]int `json:"connections"`
	Topics      map[string]int         `json:"topics"`
}

type hubCmd interface{ isHubCmd() }

type baseHubCmd struct{}

func (baseHubCmd) isHubCmd() {}

type registerCmd struct {
	baseHubCmd
	member *member
	topics []string
	reply  chan error
}

type unregisterCmd struct {
	baseHubCmd
	id     string
	reason string
}

type joinCmd struct {
	baseHubCmd
	id    string
	topic string
	reply chan int
}

type leaveCmd struct {
	baseHubCmd
	id    string
	topic string
}

type emitCmd struct {
	baseHubCmd
	topic string
	msg   []byte
	reply chan int
}

type sendCmd struct {
	baseHubCmd
	id  string
	msg []byte
}

type roomSizeCmd struct {
	baseHubCmd
	topic string
	reply chan int
}

type statsCmd struct {
	baseHubCmd
	reply chan Stats
}

type stopCmd struct {
	baseHubCmd
}

// Hub owns all connections and topic memberships. A single goroutine serializes every
// membership change and emission, so per-topic delivery order equals emission order.
type Hub struct {
	cmdCh       chan hubCmd
	clock       clockwork.Clock
	conns       map[string]*member
	topics      map[string]map[string]*member
	metrics     *metrics.GatewayMetrics
	done        chan struct{}
	stopTimeout time.Duration
}

func NewHub(clock clockwork.Clock, m *metrics.GatewayMetrics) *Hub {
	h := &Hub{
		cmdCh:       make(chan hubCmd, commandChannelSize),
		clock:       clock,
		conns:       make(map[string]*member),
		topics:      make(map[string]map[string]*member),
		metrics:     m,
		done:        make(chan struct{}),
		stopTimeout: stopTimeout,
	}
	go h.run()
	return h
}

func (h *Hub) send(cmd hubCmd) bool {
	select {
	case h.cmdCh <- cmd:
		return true
	case <-h.done:
		return false
	}
}

func awaitReply[T any](h *Hub, ch <-chan T) (T, error) {
	timer := h.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-h.done:
		return zero, errHubStopped
	case <-timer.Chan():
		return zero, errCommandTimeout
	}
}

// Register adds a connection and joins it to topics before the call returns, so the
// connection is a member before any of its frames are processed.
func (h *Hub) Register(m *member, topics ...string) error {
	reply := make(chan error, 1)
	if !h.send(registerCmd{member: m, topics: topics, reply: reply}) {
		return errHubStopped
	}
	err, waitErr := awaitReply(h, reply)
	if errors.Is(waitErr, errCommandTimeout) {
		// The command stays queued; drop the member right after it lands so its release
		// runs exactly once.
		go h.send(unregisterCmd{id: m.id, reason: closeReasonAbandoned})
	}
	if waitErr != nil {
		return fmt.Errorf("register %s: %w", m.id, waitErr)
	}
	return err
}

// releasedByHub reports whether a failed Register still hands the member to the hub,
// which then owns calling its release.
func releasedByHub(err error) bool {
	return errors.Is(err, errCommandTimeout)
}

// Unregister closes the connection and releases every reference to it.
func (h *Hub) Unregister(id, reason string) {
	h.send(unregisterCmd{id: id, reason: reason})
}

// Join is idempotent and returns the topic size afterwards.
func (h *Hub) Join(id, topic string) (int, error) {
	reply := make(chan int, 1)
	if !h.send(joinCmd{id: id, topic: topic, reply: reply}) {
		return 0, errHubStopped
	}
	size, err := awaitReply(h, reply)
	if err != nil {
		return 0, err
	}
	if size < 0 {
		return 0, errUnknownConn
	}
	return size, nil
}

func (h *Hub) Leave(id, topic string) {
	h.send(leaveCmd{id: id, topic: topic})
}

// Emit queues msg for every member of topic and returns how many accepted it.
func (h *Hub) Emit(topic string, msg []byte) (int, error) {
	reply := make(chan int, 1)
	if !h.send(emitCmd{topic: topic, msg: msg, reply: reply}) {
		return 0, errHubStopped
	}
	return awaitReply(h, reply)
}

// SendTo queues msg for a single connection.
func (h *Hub) SendTo(id string, msg []byte) {
	h.send(sendCmd{id: id, msg: msg})
}

// RoomSize returns the number of members of topic, or -1 if the hub does not answer.
func (h *Hub) RoomSize(topic string) int {
	reply := make(chan int, 1)
	if !h.send(roomSizeCmd{topic: topic, reply: reply}) {
		return -1
	}
	size, err := awaitReply(h, reply)
	if err != nil {
		slog.Warn("RoomSize timed out", "topic", topic, "error", err)
		return -1
	}
	return size
}

func (h *Hub) Stats() (Stats, error) {
	reply := make(chan Stats, 1)
	if !h.send(statsCmd{reply: reply}) {
		return Stats{}, errHubStopped
	}
	return awaitReply(h, reply)
}

// Stop closes every connection gracefully and waits for the hub goroutine to exit.
func (h *Hub) Stop() {
	if !h.send(stopCmd{}) {
		return
	}

	timeout := h.clock.NewTimer(h.stopTimeout)
	defer timeout.Stop()

	select {
	case <-h.done:
		slog.Info("Hub stopped gracefully")
	case <-timeout.Chan():
		slog.Error("Hub stop timeout exceeded, goroutine may have leaked", "timeout", h.stopTimeout)
	}
}

func (h *Hub) run() {
	defer close(h.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Hub panic recovered", "panic", r)
			h.metrics.HubPanics.Inc()
			h.closeAll("hub failure")
		}
	}()

	sweep := h.clock.NewTicker(sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-sweep.Chan():
			h.metrics.CommandQueueDepth.Set(float64(len(h.cmdCh)))
			if depth := len(h.cmdCh); depth > commandChannelSize*4/5 {
				slog.Warn("Hub command channel near capacity", "depth", depth, "capacity", cap(h.cmdCh))
			}
			h.handleSweep()

		case cmd := <-h.cmdCh:
			switch c := cmd.(type) {
			case registerCmd:
				c.reply <- h.handleRegister(c)
			case unregisterCmd:
				h.handleUnregister(c.id, c.reason)
			case joinCmd:
				c.reply <- h.handleJoin(c.id, c.topic)
			case leaveCmd:
				h.handleLeave(c.id, c.topic)
			case emitCmd:
				c.reply <- h.handleEmit(c.topic, c.msg)
			case sendCmd:
				h.handleSend(c.id, c.msg)
			case roomSizeCmd:
				c.reply <- len(h.topics[c.topic])
			case statsCmd:
				c.reply <- h.stats()
			case stopCmd:
				slog.Info("Hub shutting down", "connections", len(h.conns))
				h.closeAll(closeReasonShutdown)
				return
			default:
				slog.Warn("Hub received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (h *Hub) handleRegister(c registerCmd) error {
	m := c.member
	if _, exists := h.conns[m.id]; exists {
		return errDuplicateConn
	}

	h.conns[m.id] = m
	h.metrics.ActiveConnections.WithLabelValues(string(m.transport)).Inc()
	for _, topic := range c.topics {
		h.handleJoin(m.id, topic)
	}

	slog.Debug("Connection registered", "conn_id", m.id, "transport", m.transport, "total", len(h.conns))
	return nil
}

func (h *Hub) handleUnregister(id, reason string) {
	m, exists := h.conns[id]
	if !exists {
		return
	}

	for topic := range m.topics {
		h.removeFromTopic(m, topic)
	}
	delete(h.conns, id)
	h.metrics.ActiveConnections.WithLabelValues(string(m.transport)).Dec()

	m.out.close(reason)
	if m.release != nil {
		m.release()
	}

	slog.Debug("Connection unregistered", "conn_id", id, "reason", reason, "remaining", len(h.conns))
}

func (h *Hub) handleJoin(id, topic string) int {
	m, exists := h.conns[id]
	if !exists {
		return -1
	}

	if _, joined := m.topics[topic]; !joined {
		members, ok := h.topics[topic]
		if !ok {
			members = make(map[string]*member)
			h.topics[topic] = members
		}
		members[id] = m
		m.topics[topic] = struct{}{}
		h.metrics.TopicMembers.WithLabelValues(topic).Set(float64(len(members)))
	}

	return len(h.topics[topic])
}

func (h *Hub) handleLeave(id, topic string) {
	if m, exists := h.conns[id]; exists {
		h.removeFromTopic(m, topic)
	}
}

func (h *Hub) removeFromTopic(m *member, topic string) {
	if _, joined := m.topics[topic]; !joined {
		return
	}
	delete(m.topics, topic)

	members := h.topics[topic]
	delete(members, m.id)
	h.metrics.TopicMembers.WithLabelValues(topic).Set(float64(len(members)))
	if len(members) == 0 {
		delete(h.topics, topic)
	}
}

func (h *Hub) handleEmit(topic string, msg []byte) int {
	delivered := 0
	var slow []string
	for id, m := range h.topics[topic] {
		if m.out.enqueue(msg) {
			delivered++
		} else {
			slow = append(slow, id)
		}
	}

	for _, id := range slow {
		slog.Warn("Disconnecting slow client", "conn_id", id, "topic", topic)
		h.metrics.SlowClientsEvicted.Inc()
		h.handleUnregister(id, "send buffer full")
	}
	return delivered
}

func (h *Hub) handleSend(id string, msg []byte) {
	m, exists := h.conns[id]
	if !exists {
		return
	}
	if !m.out.enqueue(msg) {
		slog.Warn("Disconnecting slow client", "conn_id", id)
		h.metrics.SlowClientsEvicted.Inc()
		h.handleUnregister(id, "send buffer full")
	}
}

func (h *Hub) handleSweep() {
	now := h.clock.Now()
	var expired []*member
	for _, m := range h.conns {
		if m.out.expired(now) {
			expired = append(expired, m)
		}
	}

	for _, m := range expired {
		slog.Info("Connection liveness timeout", "conn_id", m.id, "transport", m.transport)
		h.metrics.LivenessTimeouts.WithLabelValues(string(m.transport)).Inc()
		h.handleUnregister(m.id, "ping timeout")
	}
}

func (h *Hub) stats() Stats {
	s := Stats{
		Connections: map[wire.Transport]int{wire.TransportWebSocket: 0, wire.TransportPolling: 0},
		Topics:      make(map[string]int, len(h.topics)),
	}
	for _, m := range h.conns {
		s.Connections[m.transport]++
	}
	for topic, members := range h.topics {
		s.Topics[topic] = len(members)
	}
	return s
}

// closeAll closes every connection with the given reason.
// Used during panic recovery and graceful shutdown.
func (h *Hub) closeAll(reason string) {
	for _, id := range slices.Collect(maps.Keys(h.conns)) {
		h.handleUnregister(id, reason)
	}
}
