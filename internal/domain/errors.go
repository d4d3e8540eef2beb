package domain

import "errors"

var (
	ErrReviewNotFound    = errors.New("review not found")
	ErrUserNotFound      = errors.New("user not found")
	ErrCompanyNotFound   = errors.New("company not found")
	ErrProductNotFound   = errors.New("product not found")
	ErrNotReviewAuthor   = errors.New("only the author may edit a review")
	ErrInvalidVoteType   = errors.New("invalid vote type")
	ErrInvalidReview     = errors.New("invalid review")
	ErrBusNotInitialized = errors.New("event bus not initialized")
)
