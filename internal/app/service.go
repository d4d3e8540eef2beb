package app

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pscheid92/reviewpulse/internal/domain"
	"golang.org/x/sync/singleflight"
)

const (
	maxTitleLength   = 200
	maxContentLength = 10000
	minScore         = 1
	maxScore         = 5

	lockStripes = 64

	sharedReadTimeout = 10 * time.Second
)

// Service orchestrates review use cases on top of a repository and an event publisher.
type Service struct {
	reviews   domain.ReviewRepository
	publisher domain.EventPublisher
	reads     singleflight.Group

	// Votes and edits of one review are mutated and published under the same stripe,
	// so its events leave in mutation order.
	reviewLocks [lockStripes]sync.Mutex
}

func NewService(reviews domain.ReviewRepository, publisher domain.EventPublisher) *Service {
	return &Service{reviews: reviews, publisher: publisher}
}

func (s *Service) ListReviews(ctx context.Context, filter domain.ReviewFilter) (*domain.ReviewPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidReview, filter.Status)
	}
	return s.reviews.List(ctx, filter)
}

// GetReview collapses concurrent reads of the same review into one repository call.
// The shared read outlives any single caller; each caller stops waiting when its ctx ends.
func (s *Service) GetReview(ctx context.Context, reviewID string) (*domain.Review, error) {
	ch := s.reads.DoChan(reviewID, func() (any, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedReadTimeout)
		defer cancel()
		return s.reviews.Get(readCtx, reviewID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		review := *res.Val.(*domain.Review)
		return &review, nil
	}
}

func (s *Service) CreateReview(ctx context.Context, input domain.NewReview) (*domain.Review, error) {
	input.Title = strings.TrimSpace(input.Title)
	input.Content = strings.TrimSpace(input.Content)
	if err := validateReview(input.Title, input.Content, input.OverallScore); err != nil {
		return nil, err
	}

	review, err := s.reviews.Create(ctx, input)
	if err != nil {
		return nil, err
	}

	s.logStatus(ctx, s.publisher.ReviewCreated(ctx, review), review.ID)
	return review, nil
}

// UpdateReview applies a partial edit by the review's author.
func (s *Service) UpdateReview(ctx context.Context, reviewID, authorID string, patch domain.ReviewPatch) (*domain.Review, error) {
	if patch.Empty() {
		return nil, fmt.Errorf("%w: nothing to update", domain.ErrInvalidReview)
	}
	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		patch.Title = &title
	}
	if patch.Content != nil {
		content := strings.TrimSpace(*patch.Content)
		patch.Content = &content
	}
	if err := validatePatch(patch); err != nil {
		return nil, err
	}

	mu := s.reviewLock(reviewID)
	mu.Lock()
	defer mu.Unlock()

	review, err := s.reviews.Update(ctx, reviewID, authorID, patch)
	if err != nil {
		return nil, err
	}

	s.logStatus(ctx, s.publisher.ReviewUpdated(ctx, review), review.ID)
	return review, nil
}

// CastVote toggles the user's vote and broadcasts the resulting counts.
func (s *Service) CastVote(ctx context.Context, reviewID, userID string, voteType domain.VoteType) (*domain.VoteResult, error) {
	if _, err := domain.ParseVoteType(string(voteType)); err != nil {
		return nil, err
	}

	mu := s.reviewLock(reviewID)
	mu.Lock()
	defer mu.Unlock()

	result, err := s.reviews.Vote(ctx, reviewID, userID, voteType)
	if err != nil {
		return nil, err
	}

	s.logStatus(ctx, s.publisher.VoteUpdated(ctx, result.Update()), reviewID)
	return result, nil
}

func (s *Service) reviewLock(reviewID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(reviewID))
	return &s.reviewLocks[h.Sum32()%lockStripes]
}

func (s *Service) logStatus(ctx context.Context, status domain.PublishStatus, reviewID string) {
	if !status.OK() {
		// The mutation is committed; live clients catch up on their next refetch.
		slog.WarnContext(ctx, "Live event not delivered", "event", status.Event, "review_id", reviewID, "error", status.Err)
		return
	}
	slog.DebugContext(ctx, "Live event published",
		"event", status.Event,
		"review_id", reviewID,
		"recipients", status.Recipients,
		"relayed", status.Relayed,
	)
}

func validateReview(title, content string, score int) error {
	switch {
	case title == "":
		return fmt.Errorf("%w: title is required", domain.ErrInvalidReview)
	case content == "":
		return fmt.Errorf("%w: content is required", domain.ErrInvalidReview)
	}
	return validatePatch(domain.ReviewPatch{Title: &title, Content: &content, OverallScore: &score})
}

func validatePatch(p domain.ReviewPatch) error {
	if p.Title != nil && (*p.Title == "" || len(*p.Title) > maxTitleLength) {
		return fmt.Errorf("%w: title must be 1-%d characters", domain.ErrInvalidReview, maxTitleLength)
	}
	if p.Content != nil && (*p.Content == "" || len(*p.Content) > maxContentLength) {
		return fmt.Errorf("%w: content must be 1-%d characters", domain.ErrInvalidReview, maxContentLength)
	}
	if p.OverallScore != nil && (*p.OverallScore < minScore || *p.OverallScore > maxScore) {
		return fmt.Errorf("%w: overall score must be between %d and %d", domain.ErrInvalidReview, minScore, maxScore)
	}
	return nil
}
