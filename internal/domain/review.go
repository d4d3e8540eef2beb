package domain

import (
	"context"
	"time"
)

type ReviewStatus string

const (
	ReviewStatusPending  ReviewStatus = "PENDING"
	ReviewStatusApproved ReviewStatus = "APPROVED"
	ReviewStatusRejected ReviewStatus = "REJECTED"
)

func (s ReviewStatus) Valid() bool {
	switch s {
	case ReviewStatusPending, ReviewStatusApproved, ReviewStatusRejected:
		return true
	}
	return false
}

type ReviewCounts struct {
	Comments     int `json:"comments"`
	HelpfulVotes int `json:"helpfulVotes"`
}

// Review is the public representation shared by the REST API, live events and clients.
type Review struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	Content       string       `json:"content"`
	OverallScore  int          `json:"overallScore"`
	Status        ReviewStatus `json:"status"`
	HelpfulCount  int          `json:"helpfulCount"`
	DownVoteCount int          `json:"downVoteCount"`
	UserVote      *VoteType    `json:"userVote,omitempty"`
	CreatedAt     time.Time    `json:"createdAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	Author        User         `json:"author"`
	Company       Company      `json:"company"`
	Product       *Product     `json:"product,omitempty"`
	Counts        ReviewCounts `json:"_count"`
}

type NewReview struct {
	AuthorID     string
	CompanyID    string
	ProductID    *string
	Title        string
	Content      string
	OverallScore int
}

// ReviewPatch carries the editable fields; nil fields stay unchanged.
type ReviewPatch struct {
	Title        *string `json:"title,omitempty"`
	Content      *string `json:"content,omitempty"`
	OverallScore *int    `json:"overallScore,omitempty"`
}

func (p ReviewPatch) Empty() bool {
	return p.Title == nil && p.Content == nil && p.OverallScore == nil
}

const (
	DefaultPageLimit = 10
	MaxPageLimit     = 50
)

type ReviewFilter struct {
	Status    ReviewStatus
	CompanyID string
	Limit     int
	Page      int
}

// Normalize fills defaults and clamps paging.
func (f ReviewFilter) Normalize() ReviewFilter {
	if f.Status == "" {
		f.Status = ReviewStatusApproved
	}
	if f.Limit <= 0 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	return f
}

func (f ReviewFilter) Offset() int { return (f.Page - 1) * f.Limit }

type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

type ReviewPage struct {
	Reviews    []Review   `json:"reviews"`
	Pagination Pagination `json:"pagination"`
}

func NewReviewPage(reviews []Review, f ReviewFilter, total int) *ReviewPage {
	pages := 0
	if f.Limit > 0 {
		pages = (total + f.Limit - 1) / f.Limit
	}
	if reviews == nil {
		reviews = []Review{}
	}
	return &ReviewPage{
		Reviews:    reviews,
		Pagination: Pagination{Page: f.Page, Limit: f.Limit, Total: total, Pages: pages},
	}
}

type ReviewRepository interface {
	List(ctx context.Context, filter ReviewFilter) (*ReviewPage, error)
	Get(ctx context.Context, reviewID string) (*Review, error)
	Create(ctx context.Context, input NewReview) (*Review, error)
	Update(ctx context.Context, reviewID, authorID string, patch ReviewPatch) (*Review, error)
	Vote(ctx context.Context, reviewID, userID string, voteType VoteType) (*VoteResult, error)
}
