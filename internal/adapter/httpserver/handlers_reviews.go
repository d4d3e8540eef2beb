package httpserver

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/reviewpulse/internal/domain"
	apperrors "github.com/pscheid92/reviewpulse/internal/platform/errors"
)

type createReviewRequest struct {
	CompanyID    string  `json:"companyId"`
	ProductID    *string `json:"productId"`
	Title        string  `json:"title"`
	Content      string  `json:"content"`
	OverallScore int     `json:"overallScore"`
}

type voteRequest struct {
	VoteType string `json:"voteType"`
}

func (s *Server) registerReviewRoutes(api *echo.Group, rateLimiter echo.MiddlewareFunc) {
	api.GET("/reviews", s.handleListReviews)
	api.GET("/reviews/:id", s.handleGetReview)
	api.POST("/reviews", s.handleCreateReview, s.requireAuth, rateLimiter)
	api.PATCH("/reviews/:id", s.handleUpdateReview, s.requireAuth, rateLimiter)
	api.POST("/reviews/:id/vote", s.handleVote, s.requireAuth, rateLimiter)
}

func (s *Server) handleListReviews(c echo.Context) error {
	filter := domain.ReviewFilter{
		Status:    domain.ReviewStatus(c.QueryParam("status")),
		CompanyID: c.QueryParam("companyId"),
	}

	var err error
	if filter.Limit, err = queryInt(c, "limit"); err != nil {
		return err
	}
	if filter.Page, err = queryInt(c, "page"); err != nil {
		return err
	}

	page, err := s.reviews.ListReviews(c.Request().Context(), filter)
	if err != nil {
		return mapDomainError(err, "failed to list reviews")
	}

	if err := c.JSON(http.StatusOK, page); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleGetReview(c echo.Context) error {
	reviewID := c.Param("id")

	review, err := s.reviews.GetReview(c.Request().Context(), reviewID)
	if err != nil {
		return mapDomainError(err, "failed to load review").WithField("review_id", reviewID)
	}

	if err := c.JSON(http.StatusOK, review); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleCreateReview(c echo.Context) error {
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}

	var req createReviewRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	if req.CompanyID == "" {
		return apperrors.ValidationError("companyId is required")
	}

	review, err := s.reviews.CreateReview(c.Request().Context(), domain.NewReview{
		AuthorID:     userID,
		CompanyID:    req.CompanyID,
		ProductID:    req.ProductID,
		Title:        req.Title,
		Content:      req.Content,
		OverallScore: req.OverallScore,
	})
	if err != nil {
		return mapDomainError(err, "failed to create review")
	}

	if err := c.JSON(http.StatusCreated, review); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleUpdateReview(c echo.Context) error {
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}

	var patch domain.ReviewPatch
	if err := c.Bind(&patch); err != nil {
		return apperrors.ValidationError("invalid request body")
	}

	reviewID := c.Param("id")
	review, err := s.reviews.UpdateReview(c.Request().Context(), reviewID, userID, patch)
	if err != nil {
		return mapDomainError(err, "failed to update review").WithField("review_id", reviewID)
	}

	if err := c.JSON(http.StatusOK, review); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func (s *Server) handleVote(c echo.Context) error {
	userID, err := currentUserID(c)
	if err != nil {
		return err
	}

	var req voteRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid request body")
	}
	voteType, err := domain.ParseVoteType(req.VoteType)
	if err != nil {
		return apperrors.ValidationError("voteType must be UP or DOWN").WithField("vote_type", req.VoteType)
	}

	reviewID := c.Param("id")
	result, err := s.reviews.CastVote(c.Request().Context(), reviewID, userID, voteType)
	if err != nil {
		return mapDomainError(err, "failed to record vote").WithField("review_id", reviewID)
	}

	if err := c.JSON(http.StatusOK, result); err != nil {
		return fmt.Errorf("failed to send JSON response: %w", err)
	}
	return nil
}

func queryInt(c echo.Context, name string) (int, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperrors.ValidationError(name + " must be a non-negative integer").WithField(name, raw)
	}
	return n, nil
}

// mapDomainError turns repository and service sentinels into structured HTTP errors.
func mapDomainError(err error, internalMessage string) *apperrors.Error {
	switch {
	case errors.Is(err, domain.ErrReviewNotFound):
		return apperrors.NotFoundError("review not found")
	case errors.Is(err, domain.ErrNotReviewAuthor):
		return apperrors.ForbiddenError(err.Error())
	case errors.Is(err, domain.ErrUserNotFound),
		errors.Is(err, domain.ErrCompanyNotFound),
		errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrInvalidReview),
		errors.Is(err, domain.ErrInvalidVoteType):
		return apperrors.ValidationError(err.Error())
	}
	return apperrors.InternalError(internalMessage, err)
}
