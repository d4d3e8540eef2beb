package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/reviewpulse/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	repo    *ReviewRepo
	clock   *clockwork.FakeClock
	author  domain.User
	voter   domain.User
	company domain.Company
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClock()
	repo := NewReviewRepo(clock)
	return &fixture{
		repo:    repo,
		clock:   clock,
		author:  repo.AddUser(domain.User{Username: "alice", Verified: true}),
		voter:   repo.AddUser(domain.User{Username: "bob"}),
		company: repo.AddCompany(domain.Company{Name: "Kraken", Category: "EXCHANGE"}),
	}
}

func (f *fixture) create(t *testing.T, title string) *domain.Review {
	t.Helper()
	r, err := f.repo.Create(context.Background(), domain.NewReview{
		AuthorID: f.author.ID, CompanyID: f.company.ID, Title: title, Content: "content", OverallScore: 5,
	})
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	return r
}

func TestCreate_ResolvesReferences(t *testing.T) {
	f := newFixture(t)
	product, err := f.repo.AddProduct(domain.Product{Name: "Pro", CompanyID: f.company.ID})
	require.NoError(t, err)

	r, err := f.repo.Create(context.Background(), domain.NewReview{
		AuthorID: f.author.ID, CompanyID: f.company.ID, ProductID: &product.ID,
		Title: "t", Content: "c", OverallScore: 4,
	})
	require.NoError(t, err)

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, domain.ReviewStatusApproved, r.Status)
	assert.Equal(t, "alice", r.Author.Username)
	assert.Equal(t, "Kraken", r.Company.Name)
	require.NotNil(t, r.Product)
	assert.Equal(t, "Pro", r.Product.Name)
}

func TestCreate_UnknownReferences(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.repo.Create(ctx, domain.NewReview{AuthorID: "ghost", CompanyID: f.company.ID})
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	_, err = f.repo.Create(ctx, domain.NewReview{AuthorID: f.author.ID, CompanyID: "ghost"})
	assert.ErrorIs(t, err, domain.ErrCompanyNotFound)

	ghost := "ghost"
	_, err = f.repo.Create(ctx, domain.NewReview{AuthorID: f.author.ID, CompanyID: f.company.ID, ProductID: &ghost})
	assert.ErrorIs(t, err, domain.ErrProductNotFound)

	_, err = f.repo.AddProduct(domain.Product{Name: "x", CompanyID: "ghost"})
	assert.ErrorIs(t, err, domain.ErrCompanyNotFound)
}

func TestList_NewestFirstWithPaging(t *testing.T) {
	f := newFixture(t)
	first := f.create(t, "first")
	second := f.create(t, "second")
	third := f.create(t, "third")

	page, err := f.repo.List(context.Background(), domain.ReviewFilter{})
	require.NoError(t, err)
	require.Len(t, page.Reviews, 3)
	assert.Equal(t, []string{third.ID, second.ID, first.ID},
		[]string{page.Reviews[0].ID, page.Reviews[1].ID, page.Reviews[2].ID})

	page, err = f.repo.List(context.Background(), domain.ReviewFilter{Limit: 2, Page: 2})
	require.NoError(t, err)
	require.Len(t, page.Reviews, 1)
	assert.Equal(t, first.ID, page.Reviews[0].ID)
	assert.Equal(t, domain.Pagination{Page: 2, Limit: 2, Total: 3, Pages: 2}, page.Pagination)

	page, err = f.repo.List(context.Background(), domain.ReviewFilter{Page: 9})
	require.NoError(t, err)
	assert.Empty(t, page.Reviews)

	page, err = f.repo.List(context.Background(), domain.ReviewFilter{CompanyID: "other"})
	require.NoError(t, err)
	assert.Zero(t, page.Pagination.Total)
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, "before")

	title := "after"
	updated, err := f.repo.Update(context.Background(), r.ID, f.author.ID, domain.ReviewPatch{Title: &title})
	require.NoError(t, err)
	assert.Equal(t, "after", updated.Title)
	assert.Equal(t, "content", updated.Content)
	assert.True(t, updated.UpdatedAt.After(r.UpdatedAt))

	_, err = f.repo.Update(context.Background(), r.ID, f.voter.ID, domain.ReviewPatch{Title: &title})
	assert.ErrorIs(t, err, domain.ErrNotReviewAuthor)

	_, err = f.repo.Update(context.Background(), "missing", f.author.ID, domain.ReviewPatch{Title: &title})
	assert.ErrorIs(t, err, domain.ErrReviewNotFound)
}

func TestVote_CastSwitchRetract(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, "votes")
	ctx := context.Background()

	res, err := f.repo.Vote(ctx, r.ID, f.voter.ID, domain.VoteUp)
	require.NoError(t, err)
	assert.Equal(t, domain.VoteUp, *res.VoteType)
	assert.Equal(t, 1, res.HelpfulCount)

	got, err := f.repo.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Counts.HelpfulVotes)

	res, err = f.repo.Vote(ctx, r.ID, f.voter.ID, domain.VoteDown)
	require.NoError(t, err)
	assert.Equal(t, domain.VoteDown, *res.VoteType)
	assert.Equal(t, 0, res.HelpfulCount)
	assert.Equal(t, 1, res.DownVoteCount)

	res, err = f.repo.Vote(ctx, r.ID, f.voter.ID, domain.VoteDown)
	require.NoError(t, err)
	assert.Nil(t, res.VoteType)
	assert.Zero(t, res.DownVoteCount)
	assert.Equal(t, r.ID, res.ReviewID)

	got, err = f.repo.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Counts.HelpfulVotes)
}

func TestVote_Errors(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, "votes")

	_, err := f.repo.Vote(context.Background(), "missing", f.voter.ID, domain.VoteUp)
	assert.ErrorIs(t, err, domain.ErrReviewNotFound)

	_, err = f.repo.Vote(context.Background(), r.ID, "ghost", domain.VoteUp)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}

func TestVote_Concurrent(t *testing.T) {
	f := newFixture(t)
	r := f.create(t, "popular")

	const voters = 50
	ids := make([]string, voters)
	for i := range voters {
		ids[i] = f.repo.AddUser(domain.User{}).ID
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.repo.Vote(context.Background(), r.ID, id, domain.VoteUp)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := f.repo.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, voters, got.HelpfulCount)
}

func TestSeedDemo(t *testing.T) {
	repo := NewReviewRepo(clockwork.NewFakeClock())

	users, err := SeedDemo(context.Background(), repo)
	require.NoError(t, err)
	assert.Len(t, users, 2)

	page, err := repo.List(context.Background(), domain.ReviewFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Pagination.Total)
	for _, r := range page.Reviews {
		assert.Equal(t, domain.ReviewStatusApproved, r.Status)
		assert.NotEmpty(t, r.Author.Username)
	}
}
