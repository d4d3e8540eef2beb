package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/reviewpulse/internal/adapter/metrics"
)

const (
	writeDeadline     = 5 * time.Second
	messageBufferSize = 16
)

// wsWriter owns all writes to one websocket connection. The hub enqueues frames; a
// dedicated goroutine writes them and sends protocol pings.
type wsWriter struct {
	connection   *websocket.Conn
	clock        clockwork.Clock
	metrics      *metrics.GatewayMetrics
	pingInterval time.Duration
	pongTimeout  time.Duration
	sendChannel  chan []byte
	doneChannel  chan struct{}
	stopOnce     sync.Once
	wg           sync.WaitGroup
}

func newWSWriter(conn *websocket.Conn, clock clockwork.Clock, m *metrics.GatewayMetrics, pingInterval, pongTimeout time.Duration) *wsWriter {
	w := &wsWriter{
		connection:   conn,
		clock:        clock,
		metrics:      m,
		pingInterval: pingInterval,
		pongTimeout:  pongTimeout,
		sendChannel:  make(chan []byte, messageBufferSize),
		doneChannel:  make(chan struct{}),
	}
	w.touch()
	conn.SetPongHandler(func(string) error {
		w.touch()
		return nil
	})
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *wsWriter) run() {
	ticker := w.clock.NewTicker(w.pingInterval)
	defer ticker.Stop()
	defer w.wg.Done()

	for {
		select {
		case msg := <-w.sendChannel:
			w.updateWriteDeadline()
			if err := w.connection.WriteMessage(websocket.TextMessage, msg); err != nil {
				// Unblocks the reader, which unregisters the connection.
				_ = w.connection.Close()
				return
			}
		case <-ticker.Chan():
			w.updateWriteDeadline()
			if err := w.connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				w.metrics.PingFailures.Inc()
				_ = w.connection.Close()
				return
			}
		case <-w.doneChannel:
			return
		}
	}
}

func (w *wsWriter) enqueue(msg []byte) bool {
	select {
	case <-w.doneChannel:
		return false
	default:
	}

	select {
	case w.sendChannel <- msg:
		return true
	default:
		return false
	}
}

// close stops the writer, flushes nothing further and sends a close frame with reason.
func (w *wsWriter) close(reason string) {
	w.stopOnce.Do(func() {
		close(w.doneChannel)

		// The run goroutine must exit before the close frame is written.
		w.wg.Wait()

		closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
		w.updateWriteDeadline()
		_ = w.connection.WriteMessage(websocket.CloseMessage, closeMsg)
		_ = w.connection.Close()
	})
}

// expired is always false; the read deadline enforces websocket liveness.
func (w *wsWriter) expired(time.Time) bool { return false }

// touch extends the read deadline. Called on pongs and on every inbound frame.
func (w *wsWriter) touch() {
	_ = w.connection.SetReadDeadline(w.clock.Now().Add(w.pongTimeout))
}

func (w *wsWriter) updateWriteDeadline() {
	_ = w.connection.SetWriteDeadline(w.clock.Now().Add(writeDeadline))
}
