package postgres

import (
	"context"
	"sync"
	"testing"

	"github.com/pscheid92/reviewpulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestReview(t *testing.T, repo *ReviewRepo, authorID, companyID, title string) *domain.Review {
	t.Helper()
	review, err := repo.Create(context.Background(), domain.NewReview{
		AuthorID:     authorID,
		CompanyID:    companyID,
		Title:        title,
		Content:      "Withdrawals were quick and support answered within an hour.",
		OverallScore: 4,
	})
	require.NoError(t, err)
	return review
}

func TestReviewRepo_CreateAndGet(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewReviewRepo(pool)
	userID := insertUser(t, pool, "alice")
	companyID := insertCompany(t, pool, "Kraken")

	created := createTestReview(t, repo, userID, companyID, "Reliable exchange")

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, domain.ReviewStatusApproved, created.Status)
	assert.Equal(t, "alice", created.Author.Username)
	assert.Equal(t, "Kraken", created.Company.Name)
	assert.Nil(t, created.Product)
	assert.Zero(t, created.HelpfulCount)

	got, err := repo.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "Reliable exchange", got.Title)
}

func TestReviewRepo_CreateUnknownReferences(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewReviewRepo(pool)
	userID := insertUser(t, pool, "alice")
	companyID := insertCompany(t, pool, "Kraken")

	_, err := repo.Create(context.Background(), domain.NewReview{AuthorID: "ghost", CompanyID: companyID, Title: "t", Content: "c", OverallScore: 3})
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	_, err = repo.Create(context.Background(), domain.NewReview{AuthorID: userID, CompanyID: "ghost", Title: "t", Content: "c", OverallScore: 3})
	assert.ErrorIs(t, err, domain.ErrCompanyNotFound)

	missing := "ghost"
	_, err = repo.Create(context.Background(), domain.NewReview{AuthorID: userID, CompanyID: companyID, ProductID: &missing, Title: "t", Content: "c", OverallScore: 3})
	assert.ErrorIs(t, err, domain.ErrProductNotFound)
}

func TestReviewRepo_GetNotFound(t *testing.T) {
	pool := setupTestDB(t)
	_, err := NewReviewRepo(pool).Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrReviewNotFound)
}

func TestReviewRepo_ListNewestFirst(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewReviewRepo(pool)
	userID := insertUser(t, pool, "alice")
	kraken := insertCompany(t, pool, "Kraken")
	ledger := insertCompany(t, pool, "Ledger")

	first := createTestReview(t, repo, userID, kraken, "first")
	second := createTestReview(t, repo, userID, kraken, "second")
	createTestReview(t, repo, userID, ledger, "other company")

	page, err := repo.List(context.Background(), domain.ReviewFilter{CompanyID: kraken})
	require.NoError(t, err)
	require.Len(t, page.Reviews, 2)
	assert.Equal(t, second.ID, page.Reviews[0].ID)
	assert.Equal(t, first.ID, page.Reviews[1].ID)
	assert.Equal(t, domain.Pagination{Page: 1, Limit: domain.DefaultPageLimit, Total: 2, Pages: 1}, page.Pagination)

	page, err = repo.List(context.Background(), domain.ReviewFilter{Limit: 1, Page: 2})
	require.NoError(t, err)
	require.Len(t, page.Reviews, 1)
	assert.Equal(t, 3, page.Pagination.Total)
	assert.Equal(t, 3, page.Pagination.Pages)

	page, err = repo.List(context.Background(), domain.ReviewFilter{Status: domain.ReviewStatusPending})
	require.NoError(t, err)
	assert.Empty(t, page.Reviews)
	assert.NotNil(t, page.Reviews)
}

func TestReviewRepo_UpdateByAuthorOnly(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewReviewRepo(pool)
	author := insertUser(t, pool, "alice")
	other := insertUser(t, pool, "bob")
	companyID := insertCompany(t, pool, "Kraken")
	review := createTestReview(t, repo, author, companyID, "before")

	title := "after"
	updated, err := repo.Update(context.Background(), review.ID, author, domain.ReviewPatch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "after", updated.Title)
	assert.Equal(t, review.Content, updated.Content, "unset fields are kept")
	assert.False(t, updated.UpdatedAt.Before(review.UpdatedAt))

	_, err = repo.Update(context.Background(), review.ID, other, domain.ReviewPatch{Title: &title})
	assert.ErrorIs(t, err, domain.ErrNotReviewAuthor)

	_, err = repo.Update(context.Background(), "missing", author, domain.ReviewPatch{Title: &title})
	assert.ErrorIs(t, err, domain.ErrReviewNotFound)
}

func TestReviewRepo_VoteTransitions(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewReviewRepo(pool)
	author := insertUser(t, pool, "alice")
	voter := insertUser(t, pool, "bob")
	companyID := insertCompany(t, pool, "Kraken")
	review := createTestReview(t, repo, author, companyID, "votes")
	ctx := context.Background()

	result, err := repo.Vote(ctx, review.ID, voter, domain.VoteUp)
	require.NoError(t, err)
	require.NotNil(t, result.VoteType)
	assert.Equal(t, domain.VoteUp, *result.VoteType)
	assert.Equal(t, 1, result.HelpfulCount)
	assert.Zero(t, result.DownVoteCount)

	result, err = repo.Vote(ctx, review.ID, voter, domain.VoteDown)
	require.NoError(t, err)
	assert.Equal(t, domain.VoteDown, *result.VoteType)
	assert.Zero(t, result.HelpfulCount)
	assert.Equal(t, 1, result.DownVoteCount)

	result, err = repo.Vote(ctx, review.ID, voter, domain.VoteDown)
	require.NoError(t, err)
	assert.Nil(t, result.VoteType)
	assert.Zero(t, result.HelpfulCount)
	assert.Zero(t, result.DownVoteCount)

	stored, err := repo.Get(ctx, review.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.DownVoteCount)
	assert.Zero(t, stored.Counts.HelpfulVotes)
}

func TestReviewRepo_VoteErrors(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewReviewRepo(pool)
	author := insertUser(t, pool, "alice")
	companyID := insertCompany(t, pool, "Kraken")
	review := createTestReview(t, repo, author, companyID, "votes")

	_, err := repo.Vote(context.Background(), "missing", author, domain.VoteUp)
	assert.ErrorIs(t, err, domain.ErrReviewNotFound)

	_, err = repo.Vote(context.Background(), review.ID, "ghost", domain.VoteUp)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestReviewRepo_ConcurrentVotesAreSerialized(t *testing.T) {
	pool := setupTestDB(t)
	repo := NewReviewRepo(pool)
	author := insertUser(t, pool, "alice")
	companyID := insertCompany(t, pool, "Kraken")
	review := createTestReview(t, repo, author, companyID, "popular")

	const voters = 10
	ids := make([]string, voters)
	for i := range voters {
		ids[i] = insertUser(t, pool, "voter"+string(rune('a'+i)))
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repo.Vote(context.Background(), review.ID, id, domain.VoteUp)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := repo.Get(context.Background(), review.ID)
	require.NoError(t, err)
	assert.Equal(t, voters, stored.HelpfulCount)
	assert.Equal(t, voters, stored.Counts.HelpfulVotes)
}
