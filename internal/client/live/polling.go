package live

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/pscheid92/reviewpulse/internal/platform/version"
	"github.com/pscheid92/reviewpulse/internal/wire"
)

const maxPollResponse = 1 << 20

type pollTransport struct {
	client    *http.Client
	endpoint  string
	header    http.Header
	handshake wire.Handshake

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []wire.Frame

	closeOnce sync.Once
}

// PollingDialer returns a DialFunc for the long-polling transport. Each Recv holds one GET
// open until the gateway has frames or its poll window elapses.
func PollingDialer(client *http.Client) DialFunc {
	if client == nil {
		client = http.DefaultClient
	}

	return func(ctx context.Context, baseURL string, header http.Header) (Transport, error) {
		target, err := endpoint(baseURL, wire.PollingPath, false)
		if err != nil {
			return nil, err
		}

		t := &pollTransport{client: client, endpoint: target, header: header.Clone()}
		body, err := t.do(ctx, http.MethodPost, "", nil)
		if err != nil {
			return nil, fmt.Errorf("polling open: %w", err)
		}

		frames, err := wire.DecodeBatch(body)
		if err != nil {
			return nil, err
		}
		if len(frames) == 0 {
			return nil, fmt.Errorf("%w: empty polling handshake", wire.ErrMalformedFrame)
		}
		h, err := wire.ParseHandshake(frames[0])
		if err != nil {
			return nil, err
		}

		t.handshake = h
		t.pending = frames[1:]
		t.ctx, t.cancel = context.WithCancel(context.Background())
		return t, nil
	}
}

func (t *pollTransport) Name() wire.Transport      { return wire.TransportPolling }
func (t *pollTransport) Handshake() wire.Handshake { return t.handshake }

func (t *pollTransport) Send(ctx context.Context, frame []byte) error {
	if t.ctx.Err() != nil {
		return ErrTransportClosed
	}
	if _, err := t.do(ctx, http.MethodPost, t.handshake.SID, wire.EncodeBatch([][]byte{frame})); err != nil {
		return fmt.Errorf("polling send: %w", err)
	}
	return nil
}

func (t *pollTransport) Recv() (wire.Frame, error) {
	for {
		t.mu.Lock()
		if len(t.pending) > 0 {
			f := t.pending[0]
			t.pending = t.pending[1:]
			t.mu.Unlock()
			return f, nil
		}
		t.mu.Unlock()

		body, err := t.do(t.ctx, http.MethodGet, t.handshake.SID, nil)
		if err != nil {
			if t.ctx.Err() != nil {
				return wire.Frame{}, ErrTransportClosed
			}
			return wire.Frame{}, fmt.Errorf("polling recv: %w", err)
		}

		frames, err := wire.DecodeBatch(body)
		if err != nil {
			return wire.Frame{}, err
		}

		t.mu.Lock()
		t.pending = append(t.pending, frames...)
		t.mu.Unlock()
	}
}

// Close ends the session on the gateway and aborts an outstanding poll.
func (t *pollTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), wsWriteDeadline)
		defer cancel()
		_, err = t.do(ctx, http.MethodDelete, t.handshake.SID, nil)
	})
	return err
}

func (t *pollTransport) do(ctx context.Context, method, sid string, body []byte) ([]byte, error) {
	target := t.endpoint
	if sid != "" {
		target += "?sid=" + url.QueryEscape(sid)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	for k, v := range t.header {
		req.Header[k] = v
	}
	req.Header.Set("User-Agent", version.UserAgent("livefeed"))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPollResponse))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Message: errorMessage(data)}
	}
	return data, nil
}

// StatusError reports a non-200 answer from the gateway.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway returned %d", e.Code)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.Code, e.Message)
}

// IsRejected reports whether err is a gateway refusal (origin or connection limits).
func IsRejected(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}
	return false
}

func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		return payload.Error
	}
	return ""
}
