package metrics

import (
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

// routeUnmatched labels requests that hit no registered route, keeping raw paths out of
// label values.
const routeUnmatched = "unmatched"

// HTTPMetrics tracks the REST API. Labels use the route pattern, never the raw path.
type HTTPMetrics struct {
	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
	InFlightGauge   prometheus.Gauge
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	labels := []string{"method", "route", "status_code"}
	m := &HTTPMetrics{
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "REST request latency by route.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, labels),
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "REST requests by route and status.",
		}, labels),
		InFlightGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "REST requests currently being served.",
		}),
	}

	reg.MustRegister(m.RequestDuration, m.RequestsTotal, m.InFlightGauge)
	return m
}

// Middleware records every request whose route does not start with one of skipPrefixes.
// Long-lived transports belong in the skip list; their duration is meaningless here.
func (m *HTTPMetrics) Middleware(skipPrefixes ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			route := c.Path()
			for _, prefix := range skipPrefixes {
				if strings.HasPrefix(route, prefix) {
					return next(c)
				}
			}
			if route == "" {
				route = routeUnmatched
			}

			m.InFlightGauge.Inc()
			timer := prometheus.NewTimer(prometheus.ObserverFunc(func(seconds float64) {
				values := []string{c.Request().Method, route, strconv.Itoa(c.Response().Status)}
				m.RequestDuration.WithLabelValues(values...).Observe(seconds)
				m.RequestsTotal.WithLabelValues(values...).Inc()
			}))
			defer func() {
				timer.ObserveDuration()
				m.InFlightGauge.Dec()
			}()

			return next(c)
		}
	}
}
