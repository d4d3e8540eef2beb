package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/reviewpulse/internal/platform/version"
	"golang.org/x/sync/errgroup"
)

const (
	startupProbeTimeout   = 2 * time.Second
	readinessProbeTimeout = 5 * time.Second

	checkOK = "ok"
)

// HealthCheck is a named dependency probe.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

func (s *Server) registerHealthRoutes() {
	s.echo.GET("/health/startup", s.handleStartup)
	s.echo.GET("/health/live", s.handleLiveness)
	s.echo.GET("/health/ready", s.handleReadiness)
	s.echo.GET("/version", s.handleVersion)
}

func (s *Server) handleStartup(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), startupProbeTimeout)
	defer cancel()
	return s.writeProbe(c, s.runHealthChecks(ctx))
}

func (s *Server) handleReadiness(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), readinessProbeTimeout)
	defer cancel()
	return s.writeProbe(c, s.runHealthChecks(ctx))
}

// handleLiveness never touches dependencies; it reports process uptime and live connections.
func (s *Server) handleLiveness(c echo.Context) error {
	response := map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Seconds(),
	}
	if s.live != nil {
		if stats, err := s.live.Stats(); err == nil {
			response["connections"] = stats.Connections
		}
	}

	if err := c.JSON(http.StatusOK, response); err != nil {
		return fmt.Errorf("failed to write liveness response: %w", err)
	}
	return nil
}

// runHealthChecks probes every dependency concurrently plus the live gateway, and returns
// "ok" or the error text per check name.
func (s *Server) runHealthChecks(ctx context.Context) map[string]string {
	checks := s.healthChecks
	if s.live != nil {
		checks = append(checks[:len(checks):len(checks)], HealthCheck{Name: "live", Check: func(context.Context) error {
			_, err := s.live.Stats()
			return err
		}})
	}

	results := make([]string, len(checks))
	var g errgroup.Group
	for i, hc := range checks {
		g.Go(func() error {
			results[i] = checkOK
			if err := hc.Check(ctx); err != nil {
				results[i] = err.Error()
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]string, len(checks))
	for i, hc := range checks {
		out[hc.Name] = results[i]
	}
	return out
}

func (s *Server) writeProbe(c echo.Context, results map[string]string) error {
	status, code := "ready", http.StatusOK
	for _, result := range results {
		if result != checkOK {
			status, code = "unhealthy", http.StatusServiceUnavailable
			break
		}
	}

	if err := c.JSON(code, map[string]any{"status": status, "checks": results}); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleVersion(c echo.Context) error {
	if err := c.JSON(http.StatusOK, version.Get()); err != nil {
		return fmt.Errorf("failed to write version response: %w", err)
	}
	return nil
}
