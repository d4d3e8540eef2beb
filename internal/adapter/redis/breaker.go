package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/pscheid92/reviewpulse/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// ErrBreakerOpen is returned for commands rejected while Redis is considered down.
var ErrBreakerOpen = fmt.Errorf("redis unavailable: %w", circuitbreaker.ErrOpen)

// Breaker is a go-redis hook that stops sending commands once Redis keeps failing.
// While it is open the relay reports not ready and events are emitted locally, so a
// review mutation never waits on a dead Redis.
type Breaker struct {
	cb circuitbreaker.CircuitBreaker[any]
}

var _ goredis.Hook = (*Breaker)(nil)

// NewBreaker trips at a 60% failure rate over at least 5 commands within 10s. After
// delay one probe is let through; its success closes the breaker again.
func NewBreaker(m *metrics.RedisMetrics, delay time.Duration) *Breaker {
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(delay).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			level := slog.LevelWarn
			if e.NewState == circuitbreaker.ClosedState {
				level = slog.LevelInfo
			}
			slog.Log(context.Background(), level, "Redis breaker changed state",
				"from", e.OldState.String(), "to", e.NewState.String())
			m.CircuitStateChanges.WithLabelValues(e.NewState.String()).Inc()
			m.CircuitState.Set(gaugeValue(e.NewState))
		}).
		Build()

	return &Breaker{cb: cb}
}

// Open reports whether commands are currently rejected.
func (b *Breaker) Open() bool {
	return b.cb.State() == circuitbreaker.OpenState
}

func (b *Breaker) State() circuitbreaker.State {
	return b.cb.State()
}

func gaugeValue(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	}
	return -1
}

// guard runs call under the breaker. A redis.Nil reply is an answer, not a failure.
func (b *Breaker) guard(call func() error) error {
	if !b.cb.TryAcquirePermit() {
		return ErrBreakerOpen
	}
	err := call()
	if err != nil && !errors.Is(err, goredis.Nil) {
		b.cb.RecordError(err)
		return err
	}
	b.cb.RecordSuccess()
	return err
}

func (b *Breaker) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		var conn net.Conn
		err := b.guard(func() (err error) {
			conn, err = next(ctx, network, addr)
			return err
		})
		return conn, err
	}
}

func (b *Breaker) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		return b.guard(func() error { return next(ctx, cmd) })
	}
}

func (b *Breaker) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		return b.guard(func() error { return next(ctx, cmds) })
	}
}
