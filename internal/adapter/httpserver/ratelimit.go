package httpserver

import (
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	apperrors "github.com/pscheid92/reviewpulse/internal/platform/errors"
	"golang.org/x/time/rate"
)

const limiterIdleExpiry = 5 * time.Minute

// newMutationLimiter throttles review writes per signed-in user. It must run after
// requireAuth; requests without a user fall back to the client IP.
func newMutationLimiter(perSecond float64, burst int) echo.MiddlewareFunc {
	store := middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(perSecond),
		Burst:     burst,
		ExpiresIn: limiterIdleExpiry,
	})

	retryAfter := "1"
	if perSecond > 0 {
		retryAfter = strconv.Itoa(int(math.Ceil(1 / perSecond)))
	}

	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store:               store,
		IdentifierExtractor: mutationIdentity,
		DenyHandler: func(c echo.Context, identifier string, _ error) error {
			slog.WarnContext(c.Request().Context(), "Mutation rate limited", "identifier", identifier, "path", c.Path())
			c.Response().Header().Set("Retry-After", retryAfter)
			return apperrors.RateLimitedError("too many review changes, slow down")
		},
	})
}

func mutationIdentity(c echo.Context) (string, error) {
	if userID, ok := c.Get(contextKeyUserID).(string); ok && userID != "" {
		return "user:" + userID, nil
	}
	return "ip:" + c.RealIP(), nil
}
