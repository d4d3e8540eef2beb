package live

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pscheid92/reviewpulse/internal/wire"
)

const (
	wsWriteDeadline = 5 * time.Second
	wsMaxFrameSize  = 1 << 20
)

type wsTransport struct {
	conn      *websocket.Conn
	handshake wire.Handshake

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// DialWebSocket upgrades to the gateway's websocket endpoint and reads the open frame.
func DialWebSocket(ctx context.Context, baseURL string, header http.Header) (Transport, error) {
	target, err := endpoint(baseURL, wire.WebSocketPath, true)
	if err != nil {
		return nil, err
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(wsMaxFrameSize)

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("websocket handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	f, err := wire.Decode(data)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	h, err := wire.ParseHandshake(f)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &wsTransport{conn: conn, handshake: h}, nil
}

func (t *wsTransport) Name() wire.Transport      { return wire.TransportWebSocket }
func (t *wsTransport) Handshake() wire.Handshake { return t.handshake }

func (t *wsTransport) Send(_ context.Context, frame []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(wsWriteDeadline))
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("websocket send: %w", err)
	}
	return nil
}

// Recv returns the next frame. Malformed frames are reported with wire.ErrMalformedFrame
// and do not end the connection.
func (t *wsTransport) Recv() (wire.Frame, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return wire.Frame{}, ErrTransportClosed
		}
		return wire.Frame{}, fmt.Errorf("websocket recv: %w", err)
	}
	return wire.Decode(data)
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closed"),
			time.Now().Add(time.Second))
		t.writeMu.Unlock()
		_ = t.conn.Close()
	})
	return nil
}
