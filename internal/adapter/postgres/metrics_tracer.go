package postgres

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pscheid92/reviewpulse/internal/adapter/metrics"
)

// slowQueryThreshold is the duration above which a statement is logged.
const slowQueryThreshold = 250 * time.Millisecond

type operationKey struct{}

// withOperation names every statement issued under ctx after a repository call
// ("reviews.vote"). The outermost name wins, so Create's read-back of the new row is
// still accounted to create.
func withOperation(ctx context.Context, name string) context.Context {
	if _, ok := ctx.Value(operationKey{}).(string); ok {
		return ctx
	}
	return context.WithValue(ctx, operationKey{}, name)
}

// MetricsTracer implements pgx.QueryTracer. Statements are measured per repository
// operation; statements issued outside one (migrations, pings) fall back to their verb.
type MetricsTracer struct {
	metrics *metrics.DBMetrics
	slow    time.Duration
}

var _ pgx.QueryTracer = (*MetricsTracer)(nil)

func NewMetricsTracer(m *metrics.DBMetrics) *MetricsTracer {
	return &MetricsTracer{metrics: m, slow: slowQueryThreshold}
}

type traceKey struct{}

type trace struct {
	operation string
	started   time.Time
}

func (t *MetricsTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	op, ok := ctx.Value(operationKey{}).(string)
	if !ok {
		op = statementVerb(data.SQL)
	}
	return context.WithValue(ctx, traceKey{}, trace{operation: op, started: time.Now()})
}

func (t *MetricsTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	tr, ok := ctx.Value(traceKey{}).(trace)
	if !ok {
		return
	}

	elapsed := time.Since(tr.started)
	t.metrics.QueryDuration.WithLabelValues(tr.operation).Observe(elapsed.Seconds())
	if data.Err != nil {
		t.metrics.Errors.WithLabelValues(tr.operation).Inc()
	}
	if elapsed >= t.slow {
		slog.WarnContext(ctx, "Slow database query", "operation", tr.operation, "duration", elapsed, "rows", data.CommandTag.RowsAffected())
	}
}

func statementVerb(sql string) string {
	verb, _, _ := strings.Cut(strings.TrimSpace(sql), " ")
	if verb == "" {
		return "unknown"
	}
	return strings.ToLower(strings.TrimSpace(verb))
}
