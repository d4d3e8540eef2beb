// Package memory is an in-process review store for development and tests. It follows the
// same rules as the Postgres repository.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/reviewpulse/internal/domain"
)

type review struct {
	domain.Review
	authorID  string
	companyID string
	productID *string
}

type voteKey struct {
	userID   string
	reviewID string
}

type ReviewRepo struct {
	mu        sync.RWMutex
	clock     clockwork.Clock
	users     map[string]domain.User
	companies map[string]domain.Company
	products  map[string]domain.Product
	reviews   map[string]*review
	votes     map[voteKey]domain.VoteType
}

var _ domain.ReviewRepository = (*ReviewRepo)(nil)

func NewReviewRepo(clock clockwork.Clock) *ReviewRepo {
	return &ReviewRepo{
		clock:     clock,
		users:     make(map[string]domain.User),
		companies: make(map[string]domain.Company),
		products:  make(map[string]domain.Product),
		reviews:   make(map[string]*review),
		votes:     make(map[voteKey]domain.VoteType),
	}
}

// AddUser stores u, assigning an id when empty, and returns the stored value.
func (r *ReviewRepo) AddUser(u domain.User) domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = r.clock.Now()
	}
	r.users[u.ID] = u
	return u
}

func (r *ReviewRepo) AddCompany(c domain.Company) domain.Company {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	r.companies[c.ID] = c
	return c
}

func (r *ReviewRepo) AddProduct(p domain.Product) (domain.Product, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.companies[p.CompanyID]; !ok {
		return domain.Product{}, domain.ErrCompanyNotFound
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	r.products[p.ID] = p
	return p, nil
}

func (r *ReviewRepo) List(_ context.Context, filter domain.ReviewFilter) (*domain.ReviewPage, error) {
	filter = filter.Normalize()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*review
	for _, rv := range r.reviews {
		if rv.Status != filter.Status {
			continue
		}
		if filter.CompanyID != "" && rv.companyID != filter.CompanyID {
			continue
		}
		matched = append(matched, rv)
	}

	slices.SortFunc(matched, func(a, b *review) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	total := len(matched)
	start := min(filter.Offset(), total)
	end := min(start+filter.Limit, total)

	reviews := make([]domain.Review, 0, end-start)
	for _, rv := range matched[start:end] {
		reviews = append(reviews, r.view(rv))
	}
	return domain.NewReviewPage(reviews, filter, total), nil
}

func (r *ReviewRepo) Get(_ context.Context, reviewID string) (*domain.Review, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rv, ok := r.reviews[reviewID]
	if !ok {
		return nil, domain.ErrReviewNotFound
	}
	out := r.view(rv)
	return &out, nil
}

func (r *ReviewRepo) Create(_ context.Context, input domain.NewReview) (*domain.Review, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.users[input.AuthorID]; !ok {
		return nil, domain.ErrUserNotFound
	}
	if _, ok := r.companies[input.CompanyID]; !ok {
		return nil, domain.ErrCompanyNotFound
	}
	if input.ProductID != nil {
		if _, ok := r.products[*input.ProductID]; !ok {
			return nil, domain.ErrProductNotFound
		}
	}

	now := r.clock.Now()
	rv := &review{
		Review: domain.Review{
			ID:           uuid.NewString(),
			Title:        input.Title,
			Content:      input.Content,
			OverallScore: input.OverallScore,
			Status:       domain.ReviewStatusApproved,
			CreatedAt:    now,
			UpdatedAt:    now,
		},
		authorID:  input.AuthorID,
		companyID: input.CompanyID,
		productID: input.ProductID,
	}
	r.reviews[rv.ID] = rv

	out := r.view(rv)
	return &out, nil
}

func (r *ReviewRepo) Update(_ context.Context, reviewID, authorID string, patch domain.ReviewPatch) (*domain.Review, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rv, ok := r.reviews[reviewID]
	if !ok {
		return nil, domain.ErrReviewNotFound
	}
	if rv.authorID != authorID {
		return nil, domain.ErrNotReviewAuthor
	}

	if patch.Title != nil {
		rv.Title = *patch.Title
	}
	if patch.Content != nil {
		rv.Content = *patch.Content
	}
	if patch.OverallScore != nil {
		rv.OverallScore = *patch.OverallScore
	}
	rv.UpdatedAt = r.clock.Now()

	out := r.view(rv)
	return &out, nil
}

func (r *ReviewRepo) Vote(_ context.Context, reviewID, userID string, voteType domain.VoteType) (*domain.VoteResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rv, ok := r.reviews[reviewID]
	if !ok {
		return nil, domain.ErrReviewNotFound
	}
	if _, ok := r.users[userID]; !ok {
		return nil, domain.ErrUserNotFound
	}

	key := voteKey{userID: userID, reviewID: reviewID}
	var previous *domain.VoteType
	if v, ok := r.votes[key]; ok {
		previous = &v
	}

	next := domain.NextVote(previous, voteType, rv.HelpfulCount, rv.DownVoteCount)
	if next.Vote == nil {
		delete(r.votes, key)
	} else {
		r.votes[key] = *next.Vote
	}
	rv.HelpfulCount = next.HelpfulCount
	rv.DownVoteCount = next.DownVoteCount

	return &domain.VoteResult{
		ReviewID:      reviewID,
		VoteType:      next.Vote,
		HelpfulCount:  next.HelpfulCount,
		DownVoteCount: next.DownVoteCount,
	}, nil
}

// view resolves references into the public representation. Callers hold r.mu.
func (r *ReviewRepo) view(rv *review) domain.Review {
	out := rv.Review
	out.Author = r.users[rv.authorID]
	out.Company = r.companies[rv.companyID]
	if rv.productID != nil {
		if p, ok := r.products[*rv.productID]; ok {
			out.Product = &p
		}
	}

	out.Counts = domain.ReviewCounts{}
	for key := range r.votes {
		if key.reviewID == rv.ID {
			out.Counts.HelpfulVotes++
		}
	}
	return out
}
