package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/reviewpulse/internal/platform/correlation"
	apperrors "github.com/pscheid92/reviewpulse/internal/platform/errors"
)

// correlationMiddleware honours a well-formed inbound X-Request-ID and echoes the id back.
func correlationMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id := correlation.FromHeader(c.Request().Header.Get(correlation.Header))
		c.SetRequest(c.Request().WithContext(correlation.WithID(c.Request().Context(), id)))
		c.Response().Header().Set(correlation.Header, id)
		return next(c)
	}
}

// ErrorHandlingMiddleware renders every error a handler or inner middleware returns as
// {"error", "type"}, including echo's own routing errors, so API clients parse one shape.
func ErrorHandlingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			return HandleError(c, next(c))
		}
	}
}

// HandleError logs err and writes the structured response. Errors after the response was
// committed (a hijacked websocket, a half-written body) are only logged.
func HandleError(c echo.Context, err error) error {
	if err == nil {
		return nil
	}

	appErr := structured(err)
	logError(c, appErr)

	if c.Response().Committed {
		return nil
	}
	if c.Request().Method == http.MethodHead {
		return c.NoContent(appErr.HTTPStatus())
	}
	if err := c.JSON(appErr.HTTPStatus(), appErr.ToResponse()); err != nil {
		return fmt.Errorf("failed to write error response: %w", err)
	}
	return nil
}

// structured maps echo's HTTP errors onto the matching error type.
func structured(err error) *apperrors.Error {
	var httpErr *echo.HTTPError
	if !errors.As(err, &httpErr) {
		return apperrors.AsStructuredError(err)
	}

	message, ok := httpErr.Message.(string)
	if !ok || message == "" {
		message = http.StatusText(httpErr.Code)
	}
	switch httpErr.Code {
	case http.StatusBadRequest, http.StatusMethodNotAllowed, http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return withStatus(apperrors.ValidationError(message), httpErr.Code)
	case http.StatusUnauthorized:
		return apperrors.UnauthorizedError(message)
	case http.StatusForbidden:
		return apperrors.ForbiddenError(message)
	case http.StatusNotFound:
		return apperrors.NotFoundError(message)
	case http.StatusTooManyRequests:
		return apperrors.RateLimitedError(message)
	}
	return withStatus(apperrors.InternalError(message, err), httpErr.Code)
}

func withStatus(e *apperrors.Error, status int) *apperrors.Error {
	if status != e.HTTPStatus() {
		e.Status = status
	}
	return e
}

// errorLevels picks the log level per error type. Client mistakes are info, the rate
// limiter already logged its decision.
var errorLevels = map[apperrors.ErrorType]slog.Level{
	apperrors.TypeValidation:   slog.LevelInfo,
	apperrors.TypeNotFound:     slog.LevelInfo,
	apperrors.TypeUnauthorized: slog.LevelInfo,
	apperrors.TypeForbidden:    slog.LevelInfo,
	apperrors.TypeConflict:     slog.LevelWarn,
	apperrors.TypeRateLimited:  slog.LevelDebug,
}

func logError(c echo.Context, err *apperrors.Error) {
	attrs := []any{
		"error_type", err.Type,
		"message", err.Message,
		"method", c.Request().Method,
		"path", c.Request().URL.Path,
		"status", err.HTTPStatus(),
	}
	if reviewID := c.Param("id"); reviewID != "" {
		attrs = append(attrs, "review_id", reviewID)
	}
	if userID := c.Get(contextKeyUserID); userID != nil {
		attrs = append(attrs, "user_id", userID)
	}
	for k, v := range err.Context {
		attrs = append(attrs, k, v)
	}

	level, ok := errorLevels[err.Type]
	if !ok {
		level = slog.LevelError
		if err.Cause != nil {
			attrs = append(attrs, "cause", err.Cause)
		}
	}
	slog.Log(c.Request().Context(), level, "Request failed", attrs...)
}
