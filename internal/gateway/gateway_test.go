package gateway

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/reviewpulse/internal/adapter/metrics"
	"github.com/pscheid92/reviewpulse/internal/domain"
	"github.com/pscheid92/reviewpulse/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOrigin = "http://localhost:3000"

func newTestGateway(t *testing.T, opts Options) (*Gateway, *httptest.Server) {
	t.Helper()
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewGatewayMetrics(prometheus.NewRegistry())
	}
	if opts.PollWait == 0 {
		opts.PollWait = 500 * time.Millisecond
	}

	gw, err := New(opts)
	require.NoError(t, err)

	e := echo.New()
	gw.Mount(e)
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		gw.Stop()
		srv.Close()
	})
	return gw, srv
}

func dialWS(t *testing.T, srv *httptest.Server, origin string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	url := strings.Replace(srv.URL, "http://", "ws://", 1) + wire.WebSocketPath
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wire.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := wire.Decode(data)
	require.NoError(t, err)
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, f wire.Frame) {
	t.Helper()
	data, err := wire.Encode(f)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestGateway_WebSocketHandshakeAndAutoJoin(t *testing.T) {
	gw, srv := newTestGateway(t, Options{})
	conn := dialWS(t, srv, testOrigin)

	h, err := wire.ParseHandshake(readFrame(t, conn))
	require.NoError(t, err)
	assert.Equal(t, wire.TransportWebSocket, h.Transport)
	assert.Equal(t, DefaultPingInterval.Milliseconds(), h.PingInterval)
	assert.Equal(t, DefaultPingTimeout.Milliseconds(), h.PingTimeout)

	assert.Eventually(t, func() bool { return gw.RoomSize(wire.TopicReviews) == 1 }, time.Second, 10*time.Millisecond)
}

func TestGateway_JoinAck(t *testing.T) {
	_, srv := newTestGateway(t, Options{})
	conn := dialWS(t, srv, testOrigin)
	readFrame(t, conn)

	// Joining twice is harmless and still reports one member.
	for _, ackID := range []uint64{1, 2} {
		writeFrame(t, conn, wire.Frame{Kind: wire.KindEvent, Event: wire.EventJoinReviews, AckID: ackID})

		ack := readFrame(t, conn)
		assert.Equal(t, wire.KindAck, ack.Kind)
		assert.Equal(t, ackID, ack.AckID)

		var body wire.JoinAck
		require.NoError(t, json.Unmarshal(ack.Data, &body))
		assert.Equal(t, wire.JoinAck{Success: true, RoomSize: 1}, body)
	}
}

func TestGateway_Ping(t *testing.T) {
	_, srv := newTestGateway(t, Options{})
	conn := dialWS(t, srv, testOrigin)
	readFrame(t, conn)

	writeFrame(t, conn, wire.Frame{Kind: wire.KindEvent, Event: wire.EventPing, AckID: 9})
	ack := readFrame(t, conn)
	assert.Equal(t, wire.KindAck, ack.Kind)
	assert.Equal(t, uint64(9), ack.AckID)
	assert.JSONEq(t, `"pong"`, string(ack.Data))

	writeFrame(t, conn, wire.Frame{Kind: wire.KindEvent, Event: wire.EventPing})
	pong := readFrame(t, conn)
	assert.Equal(t, wire.EventPong, pong.Event)
	assert.JSONEq(t, `"pong"`, string(pong.Data))
}

func TestGateway_MalformedFrameKeepsConnection(t *testing.T) {
	m := metrics.NewGatewayMetrics(prometheus.NewRegistry())
	_, srv := newTestGateway(t, Options{Metrics: m})
	conn := dialWS(t, srv, testOrigin)
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"kind":`)))
	writeFrame(t, conn, wire.Frame{Kind: wire.KindEvent, Event: wire.EventPing, AckID: 1})

	ack := readFrame(t, conn)
	assert.Equal(t, uint64(1), ack.AckID)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.MalformedFrames))
}

func TestGateway_EmitReachesMembersInOrder(t *testing.T) {
	gw, srv := newTestGateway(t, Options{})
	a := dialWS(t, srv, testOrigin)
	b := dialWS(t, srv, "")
	readFrame(t, a)
	readFrame(t, b)

	require.Eventually(t, func() bool { return gw.RoomSize(wire.TopicReviews) == 2 }, time.Second, 10*time.Millisecond)

	for i := range 3 {
		status := gw.EmitToTopic(wire.TopicReviews, wire.EventReviewVoteUpdated,
			wire.VoteUpdated{ReviewID: "r1", HelpfulCount: i})
		require.NoError(t, status.Err)
		assert.Equal(t, 2, status.Recipients)
	}

	for _, conn := range []*websocket.Conn{a, b} {
		for i := range 3 {
			f := readFrame(t, conn)
			assert.Equal(t, wire.EventReviewVoteUpdated, f.Event)

			var body wire.VoteUpdated
			require.NoError(t, json.Unmarshal(f.Data, &body))
			assert.Equal(t, i, body.HelpfulCount)
		}
	}
}

func TestGateway_LeaveStopsDelivery(t *testing.T) {
	gw, srv := newTestGateway(t, Options{})
	conn := dialWS(t, srv, testOrigin)
	readFrame(t, conn)

	writeFrame(t, conn, wire.Frame{Kind: wire.KindEvent, Event: wire.EventLeaveReviews})
	require.Eventually(t, func() bool { return gw.RoomSize(wire.TopicReviews) == 0 }, time.Second, 10*time.Millisecond)

	status := gw.EmitToTopic(wire.TopicReviews, wire.EventReviewCreated, map[string]string{"id": "r1"})
	require.NoError(t, status.Err)
	assert.Zero(t, status.Recipients)
}

func TestGateway_RejectsForeignOrigin(t *testing.T) {
	m := metrics.NewGatewayMetrics(prometheus.NewRegistry())
	_, srv := newTestGateway(t, Options{AllowedOrigins: []string{"https://reviews.example.com"}, Metrics: m})

	url := strings.Replace(srv.URL, "http://", "ws://", 1) + wire.WebSocketPath
	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, srv.URL+wire.PollingPath, nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://evil.example.com")
	pollResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer pollResp.Body.Close()
	assert.Equal(t, http.StatusForbidden, pollResp.StatusCode)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RejectedConnections.WithLabelValues(rejectReasonOrigin)))
}

func TestGateway_ConnectionLimit(t *testing.T) {
	limits := NewConnectionLimits(1, 10, 100, 100, clockwork.NewRealClock())
	_, srv := newTestGateway(t, Options{Limits: limits})

	conn := dialWS(t, srv, testOrigin)
	readFrame(t, conn)

	url := strings.Replace(srv.URL, "http://", "ws://", 1) + wire.WebSocketPath
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return limits.Current() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestGateway_StopSendsCloseFrame(t *testing.T) {
	gw, srv := newTestGateway(t, Options{})
	conn := dialWS(t, srv, testOrigin)
	readFrame(t, conn)

	gw.Stop()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if assert.ErrorAs(t, err, &closeErr) {
		assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
		assert.Contains(t, closeErr.Text, "shutting down")
	}
}

func pollRequest(t *testing.T, method, url string, body []byte) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Origin", testOrigin)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func TestGateway_PollingSession(t *testing.T) {
	gw, srv := newTestGateway(t, Options{})

	status, body := pollRequest(t, http.MethodPost, srv.URL+wire.PollingPath, nil)
	require.Equal(t, http.StatusOK, status)
	frames, err := wire.DecodeBatch(body)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	h, err := wire.ParseHandshake(frames[0])
	require.NoError(t, err)
	assert.Equal(t, wire.TransportPolling, h.Transport)
	assert.Equal(t, 1, gw.RoomSize(wire.TopicReviews))

	sessionURL := srv.URL + wire.PollingPath + "?sid=" + h.SID

	gw.EmitToTopic(wire.TopicReviews, wire.EventReviewCreated, map[string]string{"id": "r1"})
	status, body = pollRequest(t, http.MethodGet, sessionURL, nil)
	require.Equal(t, http.StatusOK, status)
	frames, err = wire.DecodeBatch(body)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, wire.EventReviewCreated, frames[0].Event)

	ping, err := wire.Encode(wire.Frame{Kind: wire.KindEvent, Event: wire.EventPing, AckID: 3})
	require.NoError(t, err)
	status, _ = pollRequest(t, http.MethodPost, sessionURL, wire.EncodeBatch([][]byte{ping}))
	require.Equal(t, http.StatusOK, status)

	status, body = pollRequest(t, http.MethodGet, sessionURL, nil)
	require.Equal(t, http.StatusOK, status)
	frames, err = wire.DecodeBatch(body)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, wire.KindAck, frames[0].Kind)
	assert.Equal(t, uint64(3), frames[0].AckID)

	// An idle poll returns an empty batch once the wait elapses.
	status, body = pollRequest(t, http.MethodGet, sessionURL, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "[]", string(body))

	status, _ = pollRequest(t, http.MethodPost, sessionURL, []byte(`not frames`))
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = pollRequest(t, http.MethodDelete, sessionURL, nil)
	require.Equal(t, http.StatusOK, status)
	require.Eventually(t, func() bool { return gw.RoomSize(wire.TopicReviews) == 0 }, time.Second, 10*time.Millisecond)

	status, _ = pollRequest(t, http.MethodGet, sessionURL, nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestGateway_PollSessionExpiresAfterIntervalPlusTimeout(t *testing.T) {
	clock := clockwork.NewFakeClock()
	gw, srv := newTestGateway(t, Options{Clock: clock, PingInterval: 10 * time.Second, PingTimeout: 5 * time.Second})

	status, body := pollRequest(t, http.MethodPost, srv.URL+wire.PollingPath, nil)
	require.Equal(t, http.StatusOK, status)
	frames, err := wire.DecodeBatch(body)
	require.NoError(t, err)
	h, err := wire.ParseHandshake(frames[0])
	require.NoError(t, err)

	q := gw.pollSession(h.SID)
	require.NotNil(t, q)
	opened := clock.Now()
	assert.False(t, q.expired(opened.Add(14*time.Second)))
	assert.True(t, q.expired(opened.Add(16*time.Second)))
}

func TestGateway_ProductionRequiresOrigins(t *testing.T) {
	_, err := New(Options{Production: true})
	assert.ErrorIs(t, err, ErrMissingAllowedOrigins)
}

func TestHandle_EmitBeforeInitialize(t *testing.T) {
	var h Handle

	status := h.EmitToTopic(wire.TopicReviews, wire.EventReviewCreated, map[string]string{"id": "r1"})
	assert.ErrorIs(t, status.Err, domain.ErrBusNotInitialized)
	assert.Equal(t, wire.EventReviewCreated, status.Event)
	assert.False(t, status.OK())
}

func TestHandle_InitializeIsIdempotent(t *testing.T) {
	var h Handle
	t.Cleanup(h.Stop)
	e := echo.New()

	first, err := h.Initialize(e, Options{Metrics: metrics.NewGatewayMetrics(prometheus.NewRegistry())})
	require.NoError(t, err)

	// A second call must not build a new gateway or mount routes twice.
	second, err := h.Initialize(e, Options{Production: true})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Same(t, first, h.Gateway())

	status := h.EmitToTopic(wire.TopicReviews, wire.EventReviewUpdated, map[string]string{"id": "r1"})
	require.NoError(t, status.Err)
	assert.Zero(t, status.Recipients)
}
