package redis

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/pscheid92/reviewpulse/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

// Commands the server issues. Anything else is counted as "other".
var knownCommands = map[string]bool{
	"publish":     true,
	"subscribe":   true,
	"unsubscribe": true,
	"ping":        true,
	"get":         true,
	"set":         true,
	"hello":       true,
}

// MetricsHook counts Redis commands by outcome and records their latency. It must be
// installed before the Breaker so rejected commands are counted too.
type MetricsHook struct {
	metrics *metrics.RedisMetrics
}

var _ goredis.Hook = (*MetricsHook)(nil)

func NewMetricsHook(m *metrics.RedisMetrics) *MetricsHook {
	return &MetricsHook{metrics: m}
}

func commandLabel(name string) string {
	if knownCommands[name] {
		return name
	}
	return "other"
}

// outcome classifies a reply: a missing key is still a successful round trip.
func outcome(err error) string {
	switch {
	case err == nil, errors.Is(err, goredis.Nil):
		return "success"
	case errors.Is(err, ErrBreakerOpen):
		return "rejected"
	}
	return "error"
}

func (h *MetricsHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil && !errors.Is(err, ErrBreakerOpen) {
			h.metrics.ConnectionErrors.Inc()
		}
		return conn, err
	}
}

func (h *MetricsHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		started := time.Now()
		err := next(ctx, cmd)
		h.record(commandLabel(cmd.Name()), err, started)
		return err
	}
}

func (h *MetricsHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		started := time.Now()
		err := next(ctx, cmds)
		h.record("pipeline", err, started)
		return err
	}
}

func (h *MetricsHook) record(command string, err error, started time.Time) {
	result := outcome(err)
	h.metrics.OpsTotal.WithLabelValues(command, result).Inc()
	if result != "rejected" {
		h.metrics.OpDuration.WithLabelValues(command).Observe(time.Since(started).Seconds())
	}
}
