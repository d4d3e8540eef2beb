package httpserver

import (
	"github.com/labstack/echo/v4"
	apperrors "github.com/pscheid92/reviewpulse/internal/platform/errors"
)

const contextKeyUserID = "userID"

// requireAuth reads the user id from the signed session cookie. Sessions are issued by the
// account service; this server only verifies them.
func (s *Server) requireAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		session, err := s.sessionStore.Get(c.Request(), sessionName)
		if err != nil {
			return apperrors.UnauthorizedError("authentication required")
		}

		userID, ok := session.Values[sessionKeyUserID].(string)
		if !ok || userID == "" {
			return apperrors.UnauthorizedError("authentication required")
		}

		c.Set(contextKeyUserID, userID)
		return next(c)
	}
}

func currentUserID(c echo.Context) (string, error) {
	userID, ok := c.Get(contextKeyUserID).(string)
	if !ok {
		return "", apperrors.InternalError("invalid user ID in context", nil)
	}
	return userID, nil
}
