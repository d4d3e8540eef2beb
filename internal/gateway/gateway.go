package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/reviewpulse/internal/adapter/metrics"
	"github.com/pscheid92/reviewpulse/internal/domain"
	"github.com/pscheid92/reviewpulse/internal/platform/correlation"
	"github.com/pscheid92/reviewpulse/internal/wire"
)

const (
	DefaultPingInterval = 25 * time.Second
	DefaultPingTimeout  = 60 * time.Second
	DefaultPollWait     = 20 * time.Second

	maxFrameSize = 64 * 1024
	maxBatchSize = 256 * 1024

	rejectReasonOrigin = "origin"
)

// Options configures a Gateway. Zero values fall back to defaults; a nil Limits accepts
// a generous default budget.
type Options struct {
	AllowedOrigins []string
	Production     bool
	PingInterval   time.Duration
	PingTimeout    time.Duration
	PollWait       time.Duration
	Limits         *ConnectionLimits
	Metrics        *metrics.GatewayMetrics
	Clock          clockwork.Clock
}

// Router is satisfied by *echo.Echo and *echo.Group.
type Router interface {
	Add(method, path string, handler echo.HandlerFunc, middleware ...echo.MiddlewareFunc) *echo.Route
}

// Gateway accepts live connections over websocket and long-polling, keeps every client
// in its topics and fans events out to them.
type Gateway struct {
	hub          *Hub
	clock        clockwork.Clock
	metrics      *metrics.GatewayMetrics
	limits       *ConnectionLimits
	origins      []string
	checkOrigin  func(*http.Request) bool
	upgrader     websocket.Upgrader
	pingInterval time.Duration
	pingTimeout  time.Duration
	pollWait     time.Duration

	pollMu sync.Mutex
	polls  map[string]*pollQueue
}

func New(opts Options) (*Gateway, error) {
	origins, err := resolveAllowedOrigins(opts.AllowedOrigins, opts.Production)
	if err != nil {
		return nil, err
	}

	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewGatewayMetrics(prometheus.NewRegistry())
	}
	if opts.Limits == nil {
		opts.Limits = NewConnectionLimits(10000, 50, 10, 20, opts.Clock)
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = DefaultPingInterval
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultPingTimeout
	}
	if opts.PollWait <= 0 {
		opts.PollWait = DefaultPollWait
	}

	checkOrigin := newCheckOrigin(origins)
	g := &Gateway{
		hub:          NewHub(opts.Clock, opts.Metrics),
		clock:        opts.Clock,
		metrics:      opts.Metrics,
		limits:       opts.Limits,
		origins:      origins,
		checkOrigin:  checkOrigin,
		pingInterval: opts.PingInterval,
		pingTimeout:  opts.PingTimeout,
		pollWait:     opts.PollWait,
		polls:        make(map[string]*pollQueue),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
	}

	slog.Info("Live gateway initialized",
		"allowed_origins", origins,
		"ping_interval", opts.PingInterval,
		"ping_timeout", opts.PingTimeout,
	)
	return g, nil
}

// Mount registers the live routes on r.
func (g *Gateway) Mount(r Router) {
	cors := middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     g.origins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowCredentials: true,
	})

	r.Add(http.MethodGet, wire.WebSocketPath, g.handleWebSocket)
	r.Add(http.MethodOptions, wire.PollingPath, func(c echo.Context) error { return c.NoContent(http.StatusNoContent) }, cors)
	r.Add(http.MethodPost, wire.PollingPath, g.handlePollPost, cors, g.requireOrigin)
	r.Add(http.MethodGet, wire.PollingPath, g.handlePollGet, cors, g.requireOrigin)
	r.Add(http.MethodDelete, wire.PollingPath, g.handlePollDelete, cors, g.requireOrigin)
	r.Add(http.MethodGet, wire.StatsPath, g.handleStats)
}

// EmitToTopic sends event to every current member of topic. It returns once the frame is
// queued for each member; delivery is best-effort.
func (g *Gateway) EmitToTopic(topic, event string, body any) domain.PublishStatus {
	status := domain.PublishStatus{Event: event}

	frame, err := wire.NewEvent(event, body)
	if err != nil {
		g.metrics.EmitFailures.WithLabelValues(event).Inc()
		status.Err = err
		return status
	}
	msg, err := wire.Encode(frame)
	if err != nil {
		g.metrics.EmitFailures.WithLabelValues(event).Inc()
		status.Err = err
		return status
	}

	n, err := g.hub.Emit(topic, msg)
	if err != nil {
		g.metrics.EmitFailures.WithLabelValues(event).Inc()
		status.Err = err
		return status
	}

	g.metrics.EventsEmitted.WithLabelValues(event).Inc()
	status.Recipients = n
	return status
}

// RoomSize returns the current member count of topic.
func (g *Gateway) RoomSize(topic string) int {
	return g.hub.RoomSize(topic)
}

func (g *Gateway) Stats() (Stats, error) {
	return g.hub.Stats()
}

// Stop closes all connections.
func (g *Gateway) Stop() {
	g.hub.Stop()
}

func (g *Gateway) handshake(id string, transport wire.Transport) ([]byte, error) {
	open, err := wire.NewOpen(wire.Handshake{
		SID:          id,
		Transport:    transport,
		PingInterval: g.pingInterval.Milliseconds(),
		PingTimeout:  g.pingTimeout.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}
	return wire.Encode(open)
}

func (g *Gateway) reject(c echo.Context, reason LimitReason) error {
	g.metrics.RejectedConnections.WithLabelValues(string(reason)).Inc()
	slog.Warn("Live connection rejected", "reason", reason, "ip", c.RealIP())

	status := http.StatusTooManyRequests
	if reason == LimitReasonGlobal {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, map[string]string{"error": "connection limit reached"})
}

func (g *Gateway) requireOrigin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !g.checkOrigin(c.Request()) {
			g.metrics.RejectedConnections.WithLabelValues(rejectReasonOrigin).Inc()
			return c.JSON(http.StatusForbidden, map[string]string{"error": "origin not allowed"})
		}
		return next(c)
	}
}

func (g *Gateway) handleWebSocket(c echo.Context) error {
	if !g.checkOrigin(c.Request()) {
		g.metrics.RejectedConnections.WithLabelValues(rejectReasonOrigin).Inc()
		return c.JSON(http.StatusForbidden, map[string]string{"error": "origin not allowed"})
	}

	ip := c.RealIP()
	if ok, reason := g.limits.Acquire(ip); !ok {
		return g.reject(c, reason)
	}

	conn, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		g.limits.Release(ip)
		slog.Debug("WebSocket upgrade failed", "error", err)
		return nil
	}

	id := uuid.NewString()
	ctx := correlation.WithConnection(context.WithoutCancel(c.Request().Context()), id)

	w := newWSWriter(conn, g.clock, g.metrics, g.pingInterval, g.pingTimeout)
	open, err := g.handshake(id, wire.TransportWebSocket)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to encode handshake", "error", err)
		w.close("internal error")
		g.limits.Release(ip)
		return nil
	}
	w.enqueue(open)

	m := newMember(id, wire.TransportWebSocket, w, func() { g.limits.Release(ip) })
	if err := g.hub.Register(m, wire.TopicReviews); err != nil {
		slog.ErrorContext(ctx, "Failed to register connection", "error", err)
		w.close("server unavailable")
		if !releasedByHub(err) {
			g.limits.Release(ip)
		}
		return nil
	}
	defer g.hub.Unregister(id, "client disconnected")

	slog.InfoContext(ctx, "Live connection accepted", "transport", wire.TransportWebSocket, "ip", ip)

	conn.SetReadLimit(maxFrameSize)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.DebugContext(ctx, "WebSocket read ended", "error", err)
			return nil
		}
		w.touch()

		f, err := wire.Decode(data)
		if err != nil {
			g.metrics.MalformedFrames.Inc()
			slog.WarnContext(ctx, "Dropping malformed frame", "error", err)
			continue
		}
		g.dispatch(ctx, id, f)
	}
}

func (g *Gateway) handlePollPost(c echo.Context) error {
	sid := c.QueryParam("sid")
	if sid == "" {
		return g.openPollSession(c)
	}

	q := g.pollSession(sid)
	if q == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown session"})
	}
	q.touch()

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBatchSize))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable body"})
	}

	ctx := correlation.WithConnection(c.Request().Context(), sid)
	frames, err := wire.DecodeBatch(body)
	if err != nil {
		g.metrics.MalformedFrames.Inc()
		slog.WarnContext(ctx, "Dropping malformed batch", "error", err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed frames"})
	}

	for _, f := range frames {
		g.dispatch(ctx, sid, f)
	}
	return c.String(http.StatusOK, "ok")
}

func (g *Gateway) openPollSession(c echo.Context) error {
	ip := c.RealIP()
	if ok, reason := g.limits.Acquire(ip); !ok {
		return g.reject(c, reason)
	}

	id := uuid.NewString()
	open, err := g.handshake(id, wire.TransportPolling)
	if err != nil {
		g.limits.Release(ip)
		return err
	}

	q := newPollQueue(g.clock, g.pingInterval+g.pingTimeout)
	g.pollMu.Lock()
	g.polls[id] = q
	g.pollMu.Unlock()

	m := newMember(id, wire.TransportPolling, q, func() {
		g.removePollSession(id)
		g.limits.Release(ip)
	})
	if err := g.hub.Register(m, wire.TopicReviews); err != nil {
		if !releasedByHub(err) {
			g.removePollSession(id)
			g.limits.Release(ip)
		}
		slog.Error("Failed to register polling session", "error", err)
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "server unavailable"})
	}

	slog.InfoContext(correlation.WithConnection(c.Request().Context(), id), "Live connection accepted",
		"transport", wire.TransportPolling, "ip", ip)
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, wire.EncodeBatch([][]byte{open}))
}

func (g *Gateway) handlePollGet(c echo.Context) error {
	q := g.pollSession(c.QueryParam("sid"))
	if q == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown session"})
	}

	frames, err := q.drain(c.Request().Context(), g.pollWait)
	if errors.Is(err, errPollInFlight) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err != nil {
		// Client went away mid-poll.
		return nil
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationJSON, wire.EncodeBatch(frames))
}

func (g *Gateway) handlePollDelete(c echo.Context) error {
	sid := c.QueryParam("sid")
	if g.pollSession(sid) == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown session"})
	}
	g.hub.Unregister(sid, "client closed")
	return c.String(http.StatusOK, "ok")
}

func (g *Gateway) handleStats(c echo.Context) error {
	stats, err := g.hub.Stats()
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"connections":    stats.Connections,
		"topics":         stats.Topics,
		"reserved":       g.limits.Current(),
		"pingIntervalMs": g.pingInterval.Milliseconds(),
		"pingTimeoutMs":  g.pingTimeout.Milliseconds(),
	})
}

func (g *Gateway) pollSession(sid string) *pollQueue {
	if sid == "" {
		return nil
	}
	g.pollMu.Lock()
	defer g.pollMu.Unlock()
	return g.polls[sid]
}

func (g *Gateway) removePollSession(sid string) {
	g.pollMu.Lock()
	delete(g.polls, sid)
	g.pollMu.Unlock()
}

// Handle holds the process-wide gateway. Until Initialize succeeds, emits are dropped
// with domain.ErrBusNotInitialized.
type Handle struct {
	mu sync.RWMutex
	gw *Gateway
}

// Initialize builds the gateway and mounts it on r. Later calls return the existing
// gateway and ignore their arguments.
func (h *Handle) Initialize(r Router, opts Options) (*Gateway, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.gw != nil {
		slog.Debug("Live gateway already initialized")
		return h.gw, nil
	}

	gw, err := New(opts)
	if err != nil {
		return nil, err
	}
	gw.Mount(r)
	h.gw = gw
	return gw, nil
}

// Gateway returns the initialized gateway or nil.
func (h *Handle) Gateway() *Gateway {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.gw
}

func (h *Handle) EmitToTopic(topic, event string, body any) domain.PublishStatus {
	gw := h.Gateway()
	if gw == nil {
		slog.Warn("Live gateway not initialized, dropping event", "topic", topic, "event", event)
		return domain.PublishStatus{Event: event, Err: domain.ErrBusNotInitialized}
	}
	return gw.EmitToTopic(topic, event, body)
}

func (h *Handle) Stop() {
	if gw := h.Gateway(); gw != nil {
		gw.Stop()
	}
}
