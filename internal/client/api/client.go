// Package api is the REST client for the review endpoints. Live clients use it for the
// initial listing, for mutations, and to refetch the feed after a reconnect.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pscheid92/reviewpulse/internal/client/feed"
	"github.com/pscheid92/reviewpulse/internal/domain"
	"github.com/pscheid92/reviewpulse/internal/platform/version"
	"github.com/sony/gobreaker"
)

const (
	defaultTimeout = 10 * time.Second
	// FeedLimit is the page size used when refetching the live feed.
	FeedLimit = 20
)

// ErrUnavailable is returned while the breaker is open.
var ErrUnavailable = errors.New("review api unavailable")

// Error is a non-2xx response. Type and Message come from the server's error body.
type Error struct {
	Status  int
	Type    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("review api: status %d", e.Status)
	}
	return fmt.Sprintf("review api: status %d: %s", e.Status, e.Message)
}

// IsStatus reports whether err is an *Error with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status == status
}

type Option func(*Client)

// WithHTTPClient replaces the default client. Its timeout applies per request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithSessionCookie attaches the signed session cookie issued by the account service.
func WithSessionCookie(cookie *http.Cookie) Option {
	return func(c *Client) { c.session = cookie }
}

type Client struct {
	base    *url.URL
	http    *http.Client
	session *http.Cookie
	cb      *gobreaker.CircuitBreaker
}

// New returns a client for the server at baseURL, e.g. "https://reviews.example.com".
func New(baseURL string, opts ...Option) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		base: base,
		http: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "review-api",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Client errors are the caller's fault, not the server's.
		IsSuccessful: func(err error) bool {
			var apiErr *Error
			if errors.As(err, &apiErr) {
				return apiErr.Status < http.StatusInternalServerError
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
		},
	})
	return c, nil
}

// State exposes the breaker state.
func (c *Client) State() gobreaker.State {
	return c.cb.State()
}

// ListReviews fetches one page. Zero-valued filter fields use the server defaults.
func (c *Client) ListReviews(ctx context.Context, filter domain.ReviewFilter) (*domain.ReviewPage, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.CompanyID != "" {
		q.Set("companyId", filter.CompanyID)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Page > 0 {
		q.Set("page", strconv.Itoa(filter.Page))
	}

	var page domain.ReviewPage
	if err := c.do(ctx, http.MethodGet, "/api/reviews", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) GetReview(ctx context.Context, reviewID string) (*domain.Review, error) {
	var review domain.Review
	if err := c.do(ctx, http.MethodGet, "/api/reviews/"+url.PathEscape(reviewID), nil, nil, &review); err != nil {
		return nil, err
	}
	return &review, nil
}

type CreateReviewInput struct {
	CompanyID    string  `json:"companyId"`
	ProductID    *string `json:"productId,omitempty"`
	Title        string  `json:"title"`
	Content      string  `json:"content"`
	OverallScore int     `json:"overallScore"`
}

func (c *Client) CreateReview(ctx context.Context, input CreateReviewInput) (*domain.Review, error) {
	var review domain.Review
	if err := c.do(ctx, http.MethodPost, "/api/reviews", nil, input, &review); err != nil {
		return nil, err
	}
	return &review, nil
}

func (c *Client) UpdateReview(ctx context.Context, reviewID string, patch domain.ReviewPatch) (*domain.Review, error) {
	var review domain.Review
	if err := c.do(ctx, http.MethodPatch, "/api/reviews/"+url.PathEscape(reviewID), nil, patch, &review); err != nil {
		return nil, err
	}
	return &review, nil
}

// Vote casts, switches or retracts the caller's vote. The result carries the new counters.
func (c *Client) Vote(ctx context.Context, reviewID string, voteType domain.VoteType) (*domain.VoteResult, error) {
	body := map[string]string{"voteType": string(voteType)}
	var result domain.VoteResult
	if err := c.do(ctx, http.MethodPost, "/api/reviews/"+url.PathEscape(reviewID)+"/vote", nil, body, &result); err != nil {
		return nil, err
	}
	result.ReviewID = reviewID
	return &result, nil
}

// Refetcher lists the first page of approved reviews for a feed.
func (c *Client) Refetcher() feed.Refetcher {
	return func(ctx context.Context) ([]domain.Review, error) {
		page, err := c.ListReviews(ctx, domain.ReviewFilter{Status: domain.ReviewStatusApproved, Limit: FeedLimit})
		if err != nil {
			return nil, err
		}
		return page.Reviews, nil
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, c.roundTrip(ctx, method, path, query, in, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query url.Values, in, out any) error {
	target := c.base.String() + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent("api-client"))
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.session != nil {
		req.AddCookie(c.session)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	apiErr := &Error{Status: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
		Type  string `json:"type"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &body) == nil {
		apiErr.Message = body.Error
		apiErr.Type = body.Type
	}
	return apiErr
}
