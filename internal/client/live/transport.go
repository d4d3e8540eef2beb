package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/pscheid92/reviewpulse/internal/wire"
)

// ErrTransportClosed is returned by Recv and Send once the transport is closed.
var ErrTransportClosed = errors.New("live: transport closed")

// Transport is one established connection to the gateway. Recv is called from a single
// goroutine; Send may be called concurrently.
type Transport interface {
	Name() wire.Transport
	Handshake() wire.Handshake
	Send(ctx context.Context, frame []byte) error
	Recv() (wire.Frame, error)
	Close() error
}

// DialFunc opens a transport against the gateway at baseURL (http or https).
type DialFunc func(ctx context.Context, baseURL string, header http.Header) (Transport, error)

// endpoint rewrites baseURL to the transport path, switching to ws/wss when asked.
func endpoint(baseURL, path string, websocket bool) (string, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("invalid live URL: %w", err)
	}

	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "http"
		if websocket {
			u.Scheme = "ws"
		}
	case "https", "wss":
		u.Scheme = "https"
		if websocket {
			u.Scheme = "wss"
		}
	default:
		return "", fmt.Errorf("invalid live URL scheme %q", u.Scheme)
	}

	u.Path = strings.TrimRight(u.Path, "/") + path
	return u.String(), nil
}
