package httpserver

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pscheid92/reviewpulse/internal/adapter/metrics"
	"github.com/pscheid92/reviewpulse/internal/platform/correlation"
)

const (
	mutationRatePerSecond = 2
	mutationBurst         = 10
)

// Paths excluded from HTTP metrics. Live traffic has its own gateway metrics, and
// long-poll latency is the poll wait rather than server work.
var unmeteredPrefixes = []string{"/metrics", "/health/", "/live/"}

func (s *Server) registerRoutes() {
	s.echo.Use(correlationMiddleware)
	s.echo.Use(requestLogger())
	s.echo.Use(middleware.Recover())
	s.echo.Use(s.httpMetrics.Middleware(unmeteredPrefixes...))
	s.echo.Use(ErrorHandlingMiddleware())
	s.echo.Use(middleware.SecureWithConfig(middleware.SecureConfig{
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
		HSTSMaxAge:         63072000,
		ReferrerPolicy:     "strict-origin-when-cross-origin",
	}))

	// The review UI runs on its own origin and calls the API with the session cookie.
	// Global rather than on the group so preflights for unregistered methods are answered.
	s.echo.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		Skipper:          func(c echo.Context) bool { return !strings.HasPrefix(c.Request().URL.Path, "/api/") },
		AllowOrigins:     s.config.APIOrigins(),
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowHeaders:     []string{echo.HeaderContentType, correlation.Header},
		ExposeHeaders:    []string{correlation.Header, "Retry-After"},
		AllowCredentials: true,
	}))

	s.registerHealthRoutes()
	s.registerReviewRoutes(s.echo.Group("/api"), newMutationLimiter(mutationRatePerSecond, mutationBurst))

	s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(s.registry)))
}

// requestLogger logs API requests at info and live transport requests at debug, since
// every polling client issues one per wait cycle.
func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			level := slog.LevelInfo
			switch {
			case v.Status >= http.StatusInternalServerError:
				level = slog.LevelError
			case strings.HasPrefix(v.URI, "/live/"), strings.HasPrefix(v.URI, "/health/"):
				level = slog.LevelDebug
			}

			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency", v.Latency}
			if v.Error != nil {
				attrs = append(attrs, "error", v.Error)
			}
			slog.Log(c.Request().Context(), level, "Request", attrs...)
			return nil
		},
	})
}
