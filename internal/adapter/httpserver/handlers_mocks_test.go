package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/sessions"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/reviewpulse/internal/adapter/metrics"
	"github.com/pscheid92/reviewpulse/internal/domain"
	"github.com/pscheid92/reviewpulse/internal/platform/config"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockReviewService struct {
	listFn   func(ctx context.Context, filter domain.ReviewFilter) (*domain.ReviewPage, error)
	getFn    func(ctx context.Context, reviewID string) (*domain.Review, error)
	createFn func(ctx context.Context, input domain.NewReview) (*domain.Review, error)
	updateFn func(ctx context.Context, reviewID, authorID string, patch domain.ReviewPatch) (*domain.Review, error)
	voteFn   func(ctx context.Context, reviewID, userID string, voteType domain.VoteType) (*domain.VoteResult, error)
}

func (m *mockReviewService) ListReviews(ctx context.Context, filter domain.ReviewFilter) (*domain.ReviewPage, error) {
	if m.listFn != nil {
		return m.listFn(ctx, filter)
	}
	return domain.NewReviewPage(nil, filter.Normalize(), 0), nil
}

func (m *mockReviewService) GetReview(ctx context.Context, reviewID string) (*domain.Review, error) {
	if m.getFn != nil {
		return m.getFn(ctx, reviewID)
	}
	return nil, domain.ErrReviewNotFound
}

func (m *mockReviewService) CreateReview(ctx context.Context, input domain.NewReview) (*domain.Review, error) {
	if m.createFn != nil {
		return m.createFn(ctx, input)
	}
	return nil, errors.New("not implemented")
}

func (m *mockReviewService) UpdateReview(ctx context.Context, reviewID, authorID string, patch domain.ReviewPatch) (*domain.Review, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, reviewID, authorID, patch)
	}
	return nil, errors.New("not implemented")
}

func (m *mockReviewService) CastVote(ctx context.Context, reviewID, userID string, voteType domain.VoteType) (*domain.VoteResult, error) {
	if m.voteFn != nil {
		return m.voteFn(ctx, reviewID, userID, voteType)
	}
	return nil, errors.New("not implemented")
}

// --- Test helpers ---

const testSessionSecret = "test-secret-key-32-bytes-long!!!"

func newTestServer(t *testing.T, reviews reviewService, opts ...func(*Server)) *Server {
	t.Helper()

	store := sessions.NewCookieStore([]byte(testSessionSecret))
	store.Options = &sessions.Options{
		Path:   "/",
		MaxAge: 3600,
	}

	registry := prometheus.NewRegistry()
	srv := &Server{
		echo:         echo.New(),
		config:       &config.Config{Port: "0", SessionMaxAge: time.Hour},
		reviews:      reviews,
		registry:     registry,
		httpMetrics:  metrics.NewHTTPMetrics(registry),
		sessionStore: store,
		startTime:    time.Now(),
	}

	for _, opt := range opts {
		opt(srv)
	}

	// Register routes so endpoints are available for testing
	srv.registerRoutes()

	return srv
}

func withHealthChecks(checks ...HealthCheck) func(*Server) {
	return func(s *Server) {
		s.healthChecks = checks
	}
}

// sessionCookie signs a session for userID the way the account service would.
func sessionCookie(t *testing.T, srv *Server, userID string) *http.Cookie {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()

	session, err := srv.sessionStore.Get(req, sessionName)
	require.NoError(t, err)
	session.Values[sessionKeyUserID] = userID
	require.NoError(t, session.Save(req, rec))

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	return cookies[0]
}
