package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/reviewpulse/internal/wire"
)

const pollBufferSize = 64

var errPollInFlight = errors.New("another poll is already pending for this session")

// pollQueue buffers frames for a long-polling connection between requests. A session
// without a pending poll that stays silent longer than timeout is expired by the hub.
type pollQueue struct {
	clock   clockwork.Clock
	timeout time.Duration
	limit   int

	mu       sync.Mutex
	frames   [][]byte
	closed   bool
	inFlight bool
	lastSeen time.Time

	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newPollQueue(clock clockwork.Clock, timeout time.Duration) *pollQueue {
	return &pollQueue{
		clock:    clock,
		timeout:  timeout,
		limit:    pollBufferSize,
		lastSeen: clock.Now(),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (q *pollQueue) enqueue(msg []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.frames) >= q.limit {
		return false
	}
	q.frames = append(q.frames, msg)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// close appends a close frame for the next poll and wakes any pending one.
func (q *pollQueue) close(reason string) {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		if msg, err := wire.Encode(wire.NewClose(reason)); err == nil {
			q.frames = append(q.frames, msg)
		}
		q.closed = true
		q.mu.Unlock()
		close(q.done)
	})
}

func (q *pollQueue) expired(now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight || q.closed {
		return false
	}
	return now.Sub(q.lastSeen) > q.timeout
}

// touch records client activity.
func (q *pollQueue) touch() {
	q.mu.Lock()
	q.lastSeen = q.clock.Now()
	q.mu.Unlock()
}

// drain returns buffered frames, waiting up to wait for the first one. An empty result
// means the wait elapsed; the client simply polls again.
func (q *pollQueue) drain(ctx context.Context, wait time.Duration) ([][]byte, error) {
	q.mu.Lock()
	if q.inFlight {
		q.mu.Unlock()
		return nil, errPollInFlight
	}
	q.inFlight = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.inFlight = false
		q.lastSeen = q.clock.Now()
		q.mu.Unlock()
	}()

	timer := q.clock.NewTimer(wait)
	defer timer.Stop()

	for {
		if frames := q.take(); len(frames) > 0 {
			return frames, nil
		}

		select {
		case <-q.notify:
		case <-q.done:
			return q.take(), nil
		case <-timer.Chan():
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *pollQueue) take() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()

	frames := q.frames
	q.frames = nil
	return frames
}

func (q *pollQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
