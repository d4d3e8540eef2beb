package gateway

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// ErrMissingAllowedOrigins is returned when a production gateway has no allow-list.
var ErrMissingAllowedOrigins = errors.New("gateway: allowed origins must be configured in production")

var developmentOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000"}

// resolveAllowedOrigins normalizes the configured allow-list. Without one, development
// falls back to the local frontend and production refuses to start.
func resolveAllowedOrigins(configured []string, production bool) ([]string, error) {
	var origins []string
	for _, o := range configured {
		if n := normalizeOrigin(o); n != "" {
			origins = append(origins, n)
		}
	}

	if len(origins) > 0 {
		return origins, nil
	}
	if production {
		return nil, ErrMissingAllowedOrigins
	}
	return append([]string(nil), developmentOrigins...), nil
}

// newCheckOrigin returns a CheckOrigin function for the upgrader and polling routes.
// Requests without an Origin header (non-browser clients) are accepted.
func newCheckOrigin(allowed []string) func(r *http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		if _, ok := set[normalizeOrigin(origin)]; ok {
			return true
		}

		slog.Warn("Live origin rejected", "origin", origin, "remote_addr", r.RemoteAddr)
		return false
	}
}

func normalizeOrigin(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)
}
