package app

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pscheid92/reviewpulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock implementations ---

type mockReviewRepo struct {
	listFn   func(ctx context.Context, filter domain.ReviewFilter) (*domain.ReviewPage, error)
	getFn    func(ctx context.Context, reviewID string) (*domain.Review, error)
	createFn func(ctx context.Context, input domain.NewReview) (*domain.Review, error)
	updateFn func(ctx context.Context, reviewID, authorID string, patch domain.ReviewPatch) (*domain.Review, error)
	voteFn   func(ctx context.Context, reviewID, userID string, voteType domain.VoteType) (*domain.VoteResult, error)
}

func (m *mockReviewRepo) List(ctx context.Context, filter domain.ReviewFilter) (*domain.ReviewPage, error) {
	if m.listFn != nil {
		return m.listFn(ctx, filter)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *mockReviewRepo) Get(ctx context.Context, reviewID string) (*domain.Review, error) {
	if m.getFn != nil {
		return m.getFn(ctx, reviewID)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *mockReviewRepo) Create(ctx context.Context, input domain.NewReview) (*domain.Review, error) {
	if m.createFn != nil {
		return m.createFn(ctx, input)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *mockReviewRepo) Update(ctx context.Context, reviewID, authorID string, patch domain.ReviewPatch) (*domain.Review, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, reviewID, authorID, patch)
	}
	return nil, fmt.Errorf("not implemented")
}

func (m *mockReviewRepo) Vote(ctx context.Context, reviewID, userID string, voteType domain.VoteType) (*domain.VoteResult, error) {
	if m.voteFn != nil {
		return m.voteFn(ctx, reviewID, userID, voteType)
	}
	return nil, fmt.Errorf("not implemented")
}

type mockPublisher struct {
	mu      sync.Mutex
	created []*domain.Review
	updated []*domain.Review
	votes   []domain.VoteUpdate
	events  []string
	status  domain.PublishStatus
}

func (m *mockPublisher) ReviewCreated(_ context.Context, review *domain.Review) domain.PublishStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created = append(m.created, review)
	m.events = append(m.events, "created")
	return m.status
}

func (m *mockPublisher) ReviewUpdated(_ context.Context, review *domain.Review) domain.PublishStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated = append(m.updated, review)
	m.events = append(m.events, "updated")
	return m.status
}

func (m *mockPublisher) VoteUpdated(_ context.Context, update domain.VoteUpdate) domain.PublishStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.votes = append(m.votes, update)
	m.events = append(m.events, "voted")
	return m.status
}

func ptr[T any](v T) *T { return &v }

func validInput() domain.NewReview {
	return domain.NewReview{
		AuthorID:     "user-1",
		CompanyID:    "company-1",
		Title:        "  Solid exchange  ",
		Content:      "Fast withdrawals.",
		OverallScore: 4,
	}
}

// --- CreateReview ---

func TestCreateReview_PublishesAfterCommit(t *testing.T) {
	pub := &mockPublisher{}
	repo := &mockReviewRepo{
		createFn: func(_ context.Context, input domain.NewReview) (*domain.Review, error) {
			assert.Equal(t, "Solid exchange", input.Title)
			return &domain.Review{ID: "r1", Title: input.Title}, nil
		},
	}
	svc := NewService(repo, pub)

	review, err := svc.CreateReview(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, "r1", review.ID)
	require.Len(t, pub.created, 1)
	assert.Equal(t, "r1", pub.created[0].ID)
}

func TestCreateReview_Validation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*domain.NewReview)
	}{
		{"blank title", func(in *domain.NewReview) { in.Title = "   " }},
		{"missing content", func(in *domain.NewReview) { in.Content = "" }},
		{"score too low", func(in *domain.NewReview) { in.OverallScore = 0 }},
		{"score too high", func(in *domain.NewReview) { in.OverallScore = 6 }},
		{"title too long", func(in *domain.NewReview) { in.Title = string(make([]byte, maxTitleLength+1)) + "x" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &mockPublisher{}
			svc := NewService(&mockReviewRepo{}, pub)

			input := validInput()
			tt.modify(&input)
			_, err := svc.CreateReview(context.Background(), input)
			assert.ErrorIs(t, err, domain.ErrInvalidReview)
			assert.Empty(t, pub.created)
		})
	}
}

func TestCreateReview_RepositoryErrorSkipsEvent(t *testing.T) {
	pub := &mockPublisher{}
	repo := &mockReviewRepo{
		createFn: func(context.Context, domain.NewReview) (*domain.Review, error) {
			return nil, domain.ErrCompanyNotFound
		},
	}
	svc := NewService(repo, pub)

	_, err := svc.CreateReview(context.Background(), validInput())
	assert.ErrorIs(t, err, domain.ErrCompanyNotFound)
	assert.Empty(t, pub.created)
}

func TestCreateReview_PublishFailureDoesNotFailRequest(t *testing.T) {
	pub := &mockPublisher{status: domain.PublishStatus{Event: "review:created", Err: domain.ErrBusNotInitialized}}
	repo := &mockReviewRepo{
		createFn: func(context.Context, domain.NewReview) (*domain.Review, error) {
			return &domain.Review{ID: "r1"}, nil
		},
	}
	svc := NewService(repo, pub)

	review, err := svc.CreateReview(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, "r1", review.ID)
}

// --- UpdateReview ---

func TestUpdateReview_EmptyPatch(t *testing.T) {
	svc := NewService(&mockReviewRepo{}, &mockPublisher{})

	_, err := svc.UpdateReview(context.Background(), "r1", "user-1", domain.ReviewPatch{})
	assert.ErrorIs(t, err, domain.ErrInvalidReview)
}

func TestUpdateReview_PublishesUpdatedReview(t *testing.T) {
	pub := &mockPublisher{}
	repo := &mockReviewRepo{
		updateFn: func(_ context.Context, reviewID, authorID string, patch domain.ReviewPatch) (*domain.Review, error) {
			assert.Equal(t, "user-1", authorID)
			require.NotNil(t, patch.Title)
			assert.Equal(t, "New title", *patch.Title)
			assert.Nil(t, patch.Content)
			return &domain.Review{ID: reviewID, Title: *patch.Title}, nil
		},
	}
	svc := NewService(repo, pub)

	review, err := svc.UpdateReview(context.Background(), "r1", "user-1", domain.ReviewPatch{Title: ptr(" New title ")})
	require.NoError(t, err)
	assert.Equal(t, "New title", review.Title)
	require.Len(t, pub.updated, 1)
}

func TestUpdateReview_NotAuthor(t *testing.T) {
	pub := &mockPublisher{}
	repo := &mockReviewRepo{
		updateFn: func(context.Context, string, string, domain.ReviewPatch) (*domain.Review, error) {
			return nil, domain.ErrNotReviewAuthor
		},
	}
	svc := NewService(repo, pub)

	_, err := svc.UpdateReview(context.Background(), "r1", "user-2", domain.ReviewPatch{OverallScore: ptr(3)})
	assert.ErrorIs(t, err, domain.ErrNotReviewAuthor)
	assert.Empty(t, pub.updated)
}

func TestUpdateReview_InvalidScore(t *testing.T) {
	svc := NewService(&mockReviewRepo{}, &mockPublisher{})

	_, err := svc.UpdateReview(context.Background(), "r1", "user-1", domain.ReviewPatch{OverallScore: ptr(9)})
	assert.ErrorIs(t, err, domain.ErrInvalidReview)
}

// --- CastVote ---

func TestCastVote_PublishesCounts(t *testing.T) {
	pub := &mockPublisher{}
	repo := &mockReviewRepo{
		voteFn: func(_ context.Context, reviewID, userID string, voteType domain.VoteType) (*domain.VoteResult, error) {
			assert.Equal(t, domain.VoteUp, voteType)
			return &domain.VoteResult{ReviewID: reviewID, VoteType: &voteType, HelpfulCount: 3, DownVoteCount: 1}, nil
		},
	}
	svc := NewService(repo, pub)

	result, err := svc.CastVote(context.Background(), "r1", "user-1", domain.VoteUp)
	require.NoError(t, err)
	assert.Equal(t, 3, result.HelpfulCount)
	require.Len(t, pub.votes, 1)
	assert.Equal(t, domain.VoteUpdate{ReviewID: "r1", HelpfulCount: 3, DownVoteCount: 1}, pub.votes[0])
}

func TestCastVote_PublishesInMutationOrder(t *testing.T) {
	pub := &mockPublisher{}
	var mu sync.Mutex
	helpful := 0
	repo := &mockReviewRepo{
		voteFn: func(_ context.Context, reviewID, _ string, _ domain.VoteType) (*domain.VoteResult, error) {
			mu.Lock()
			helpful++
			n := helpful
			mu.Unlock()
			// Widen the gap between mutation and publish.
			time.Sleep(time.Millisecond)
			return &domain.VoteResult{ReviewID: reviewID, HelpfulCount: n}, nil
		},
	}
	svc := NewService(repo, pub)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.CastVote(context.Background(), "r1", fmt.Sprintf("user-%d", i), domain.VoteUp)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, pub.votes, 20)
	for i, v := range pub.votes {
		assert.Equal(t, i+1, v.HelpfulCount)
	}
}

func TestUpdateReview_VoteWaitsForEditToPublish(t *testing.T) {
	pub := &mockPublisher{}
	updating := make(chan struct{})
	proceed := make(chan struct{})
	var votes atomic.Int32
	repo := &mockReviewRepo{
		updateFn: func(_ context.Context, reviewID, _ string, _ domain.ReviewPatch) (*domain.Review, error) {
			close(updating)
			<-proceed
			return &domain.Review{ID: reviewID, Title: "Edited", HelpfulCount: 3}, nil
		},
		voteFn: func(_ context.Context, reviewID, _ string, _ domain.VoteType) (*domain.VoteResult, error) {
			votes.Add(1)
			return &domain.VoteResult{ReviewID: reviewID, HelpfulCount: 4}, nil
		},
	}
	svc := NewService(repo, pub)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := svc.UpdateReview(context.Background(), "r1", "user-1", domain.ReviewPatch{Title: ptr("Edited")})
		assert.NoError(t, err)
	}()
	<-updating
	go func() {
		defer wg.Done()
		_, err := svc.CastVote(context.Background(), "r1", "user-2", domain.VoteUp)
		assert.NoError(t, err)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, votes.Load(), "vote must wait for the edit to publish")
	close(proceed)
	wg.Wait()

	assert.Equal(t, []string{"updated", "voted"}, pub.events)
	assert.Equal(t, 4, pub.votes[0].HelpfulCount)
}

func TestCastVote_InvalidType(t *testing.T) {
	pub := &mockPublisher{}
	svc := NewService(&mockReviewRepo{}, pub)

	_, err := svc.CastVote(context.Background(), "r1", "user-1", domain.VoteType("SIDEWAYS"))
	assert.ErrorIs(t, err, domain.ErrInvalidVoteType)
	assert.Empty(t, pub.votes)
}

func TestCastVote_ReviewNotFound(t *testing.T) {
	pub := &mockPublisher{}
	repo := &mockReviewRepo{
		voteFn: func(context.Context, string, string, domain.VoteType) (*domain.VoteResult, error) {
			return nil, domain.ErrReviewNotFound
		},
	}
	svc := NewService(repo, pub)

	_, err := svc.CastVote(context.Background(), "missing", "user-1", domain.VoteDown)
	assert.ErrorIs(t, err, domain.ErrReviewNotFound)
	assert.Empty(t, pub.votes)
}

// --- Reads ---

func TestListReviews_RejectsUnknownStatus(t *testing.T) {
	svc := NewService(&mockReviewRepo{}, &mockPublisher{})

	_, err := svc.ListReviews(context.Background(), domain.ReviewFilter{Status: "ARCHIVED"})
	assert.ErrorIs(t, err, domain.ErrInvalidReview)
}

func TestListReviews_PassesFilter(t *testing.T) {
	repo := &mockReviewRepo{
		listFn: func(_ context.Context, filter domain.ReviewFilter) (*domain.ReviewPage, error) {
			assert.Equal(t, "company-1", filter.CompanyID)
			return domain.NewReviewPage(nil, filter.Normalize(), 0), nil
		},
	}
	svc := NewService(repo, &mockPublisher{})

	page, err := svc.ListReviews(context.Background(), domain.ReviewFilter{CompanyID: "company-1"})
	require.NoError(t, err)
	assert.Empty(t, page.Reviews)
	assert.Equal(t, 1, page.Pagination.Page)
}

func TestGetReview_CollapsesConcurrentReads(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	repo := &mockReviewRepo{
		getFn: func(_ context.Context, reviewID string) (*domain.Review, error) {
			calls.Add(1)
			<-release
			return &domain.Review{ID: reviewID}, nil
		},
	}
	svc := NewService(repo, &mockPublisher{})

	var wg sync.WaitGroup
	results := make([]*domain.Review, 5)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := svc.GetReview(context.Background(), "r1")
			assert.NoError(t, err)
			results[i] = r
		}()
	}

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, r := range results {
		require.NotNil(t, r)
		assert.Equal(t, "r1", r.ID)
	}
	// Callers get independent copies.
	results[0].Title = "changed"
	assert.Empty(t, results[1].Title)
}

func TestGetReview_CancelledCallerDoesNotFailOthers(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	repo := &mockReviewRepo{
		getFn: func(ctx context.Context, reviewID string) (*domain.Review, error) {
			calls.Add(1)
			select {
			case <-release:
				return &domain.Review{ID: reviewID}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
	svc := NewService(repo, &mockPublisher{})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := svc.GetReview(firstCtx, "r1")
		firstErr <- err
	}()
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)

	second := make(chan *domain.Review, 1)
	go func() {
		r, err := svc.GetReview(context.Background(), "r1")
		assert.NoError(t, err)
		second <- r
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	assert.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	r := <-second
	require.NotNil(t, r)
	assert.Equal(t, "r1", r.ID)
	assert.Equal(t, int32(1), calls.Load())
}

func TestGetReview_NotFound(t *testing.T) {
	repo := &mockReviewRepo{
		getFn: func(context.Context, string) (*domain.Review, error) {
			return nil, domain.ErrReviewNotFound
		},
	}
	svc := NewService(repo, &mockPublisher{})

	_, err := svc.GetReview(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrReviewNotFound)
}
