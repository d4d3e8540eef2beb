package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/reviewpulse/internal/domain"
)

const pgForeignKeyViolation = "23503"

const reviewColumns = `
	r.id, r.title, r.content, r.overall_score, r.status, r.helpful_count, r.down_vote_count,
	r.created_at, r.updated_at,
	u.id, u.username, u.avatar, u.verified, u.reputation,
	c.id, c.name, c.category,
	p.id, p.name,
	(SELECT count(*) FROM helpful_votes hv WHERE hv.review_id = r.id),
	(SELECT count(*) FROM comments cm WHERE cm.review_id = r.id)
FROM reviews r
JOIN users u ON u.id = r.author_id
JOIN companies c ON c.id = r.company_id
LEFT JOIN products p ON p.id = r.product_id`

type ReviewRepo struct {
	pool *pgxpool.Pool
}

var _ domain.ReviewRepository = (*ReviewRepo)(nil)

func NewReviewRepo(pool *pgxpool.Pool) *ReviewRepo {
	return &ReviewRepo{pool: pool}
}

func scanReview(row pgx.Row) (*domain.Review, error) {
	var (
		r           domain.Review
		productID   *string
		productName *string
	)
	err := row.Scan(
		&r.ID, &r.Title, &r.Content, &r.OverallScore, &r.Status, &r.HelpfulCount, &r.DownVoteCount,
		&r.CreatedAt, &r.UpdatedAt,
		&r.Author.ID, &r.Author.Username, &r.Author.Avatar, &r.Author.Verified, &r.Author.Reputation,
		&r.Company.ID, &r.Company.Name, &r.Company.Category,
		&productID, &productName,
		&r.Counts.HelpfulVotes, &r.Counts.Comments,
	)
	if err != nil {
		return nil, err
	}
	if productID != nil {
		r.Product = &domain.Product{ID: *productID, Name: *productName, CompanyID: r.Company.ID}
	}
	return &r, nil
}

func (r *ReviewRepo) List(ctx context.Context, filter domain.ReviewFilter) (*domain.ReviewPage, error) {
	ctx = withOperation(ctx, "reviews.list")
	filter = filter.Normalize()

	rows, err := r.pool.Query(ctx, `SELECT `+reviewColumns+`
		WHERE r.status = $1 AND ($2 = '' OR r.company_id = $2)
		ORDER BY r.created_at DESC, r.id
		LIMIT $3 OFFSET $4`,
		filter.Status, filter.CompanyID, filter.Limit, filter.Offset())
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}
	defer rows.Close()

	var reviews []domain.Review
	for rows.Next() {
		review, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		reviews = append(reviews, *review)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list reviews: %w", err)
	}

	var total int
	err = r.pool.QueryRow(ctx,
		`SELECT count(*) FROM reviews r WHERE r.status = $1 AND ($2 = '' OR r.company_id = $2)`,
		filter.Status, filter.CompanyID).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("failed to count reviews: %w", err)
	}

	return domain.NewReviewPage(reviews, filter, total), nil
}

func (r *ReviewRepo) Get(ctx context.Context, reviewID string) (*domain.Review, error) {
	ctx = withOperation(ctx, "reviews.get")
	review, err := scanReview(r.pool.QueryRow(ctx, `SELECT `+reviewColumns+` WHERE r.id = $1`, reviewID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrReviewNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review: %w", err)
	}
	return review, nil
}

// Create publishes the review immediately.
func (r *ReviewRepo) Create(ctx context.Context, input domain.NewReview) (*domain.Review, error) {
	ctx = withOperation(ctx, "reviews.create")
	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO reviews (author_id, company_id, product_id, title, content, overall_score, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		input.AuthorID, input.CompanyID, input.ProductID, input.Title, input.Content, input.OverallScore,
		domain.ReviewStatusApproved,
	).Scan(&id)
	if err != nil {
		if mapped := mapForeignKeyError(err); mapped != nil {
			return nil, mapped
		}
		return nil, fmt.Errorf("failed to create review: %w", err)
	}
	return r.Get(ctx, id)
}

// Update applies patch when authorID wrote the review.
func (r *ReviewRepo) Update(ctx context.Context, reviewID, authorID string, patch domain.ReviewPatch) (*domain.Review, error) {
	ctx = withOperation(ctx, "reviews.update")
	tag, err := r.pool.Exec(ctx, `
		UPDATE reviews SET
			title = COALESCE($3, title),
			content = COALESCE($4, content),
			overall_score = COALESCE($5, overall_score),
			updated_at = now()
		WHERE id = $1 AND author_id = $2`,
		reviewID, authorID, patch.Title, patch.Content, patch.OverallScore)
	if err != nil {
		return nil, fmt.Errorf("failed to update review: %w", err)
	}

	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reviews WHERE id = $1)`, reviewID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("failed to check review: %w", err)
		}
		if exists {
			return nil, domain.ErrNotReviewAuthor
		}
		return nil, domain.ErrReviewNotFound
	}
	return r.Get(ctx, reviewID)
}

// Vote applies one vote request atomically. The review row is locked so concurrent votes
// on the same review serialize and the returned counts are authoritative.
func (r *ReviewRepo) Vote(ctx context.Context, reviewID, userID string, voteType domain.VoteType) (*domain.VoteResult, error) {
	ctx = withOperation(ctx, "reviews.vote")
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var helpful, down int
	err = tx.QueryRow(ctx,
		`SELECT helpful_count, down_vote_count FROM reviews WHERE id = $1 FOR UPDATE`, reviewID,
	).Scan(&helpful, &down)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrReviewNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock review: %w", err)
	}

	var previous *domain.VoteType
	err = tx.QueryRow(ctx,
		`SELECT vote_type FROM helpful_votes WHERE user_id = $1 AND review_id = $2`, userID, reviewID,
	).Scan(&previous)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to read vote: %w", err)
	}

	next := domain.NextVote(previous, voteType, helpful, down)
	switch next.Action {
	case domain.VoteActionCast:
		_, err = tx.Exec(ctx,
			`INSERT INTO helpful_votes (user_id, review_id, vote_type) VALUES ($1, $2, $3)`,
			userID, reviewID, voteType)
	case domain.VoteActionRetract:
		_, err = tx.Exec(ctx,
			`DELETE FROM helpful_votes WHERE user_id = $1 AND review_id = $2`, userID, reviewID)
	case domain.VoteActionSwitch:
		_, err = tx.Exec(ctx,
			`UPDATE helpful_votes SET vote_type = $3 WHERE user_id = $1 AND review_id = $2`,
			userID, reviewID, voteType)
	}
	if err != nil {
		if mapped := mapForeignKeyError(err); mapped != nil {
			return nil, mapped
		}
		return nil, fmt.Errorf("failed to %s vote: %w", next.Action, err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE reviews SET helpful_count = $2, down_vote_count = $3 WHERE id = $1`,
		reviewID, next.HelpfulCount, next.DownVoteCount)
	if err != nil {
		return nil, fmt.Errorf("failed to update vote counts: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit vote: %w", err)
	}

	return &domain.VoteResult{
		ReviewID:      reviewID,
		VoteType:      next.Vote,
		HelpfulCount:  next.HelpfulCount,
		DownVoteCount: next.DownVoteCount,
	}, nil
}

func mapForeignKeyError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgForeignKeyViolation {
		return nil
	}

	switch pgErr.ConstraintName {
	case "reviews_author_id_fkey", "helpful_votes_user_id_fkey":
		return domain.ErrUserNotFound
	case "reviews_company_id_fkey":
		return domain.ErrCompanyNotFound
	case "reviews_product_id_fkey":
		return domain.ErrProductNotFound
	}
	return nil
}
