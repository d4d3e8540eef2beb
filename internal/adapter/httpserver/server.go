package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/reviewpulse/internal/adapter/metrics"
	"github.com/pscheid92/reviewpulse/internal/domain"
	"github.com/pscheid92/reviewpulse/internal/gateway"
	"github.com/pscheid92/reviewpulse/internal/platform/config"
)

type reviewService interface {
	ListReviews(ctx context.Context, filter domain.ReviewFilter) (*domain.ReviewPage, error)
	GetReview(ctx context.Context, reviewID string) (*domain.Review, error)
	CreateReview(ctx context.Context, input domain.NewReview) (*domain.Review, error)
	UpdateReview(ctx context.Context, reviewID, authorID string, patch domain.ReviewPatch) (*domain.Review, error)
	CastVote(ctx context.Context, reviewID, userID string, voteType domain.VoteType) (*domain.VoteResult, error)
}

type Server struct {
	echo   *echo.Echo
	config *config.Config

	reviews reviewService
	live    *gateway.Gateway

	registry     *prometheus.Registry
	httpMetrics  *metrics.HTTPMetrics
	sessionStore *sessions.CookieStore
	healthChecks []HealthCheck
	startTime    time.Time
}

// NewServer builds the HTTP surface and mounts the live gateway on it. The gateway is
// initialized through handle so the event publisher sees the same instance.
func NewServer(cfg *config.Config, reviews reviewService, handle *gateway.Handle, liveOpts gateway.Options, registry *prometheus.Registry, healthChecks []HealthCheck) (*Server, error) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:         e,
		config:       cfg,
		reviews:      reviews,
		registry:     registry,
		httpMetrics:  metrics.NewHTTPMetrics(registry),
		sessionStore: setupSessionStore(cfg),
		healthChecks: healthChecks,
		startTime:    time.Now(),
	}

	srv.registerRoutes()

	live, err := handle.Initialize(e, liveOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize live gateway: %w", err)
	}
	srv.live = live

	return srv, nil
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port)
	if err := s.echo.Start(":" + s.config.Port); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown closes live connections with a close frame, then drains HTTP.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.live != nil {
		s.live.Stop()
	}
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// Session keys
const (
	sessionName      = "reviewpulse-session"
	sessionKeyUserID = "user_id"
)

func setupSessionStore(cfg *config.Config) *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(cfg.SessionSecret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int(cfg.SessionMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
	}
	return store
}
