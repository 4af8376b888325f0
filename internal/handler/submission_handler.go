package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-skills/internal/middleware"
	"github.com/stemsi/exstem-skills/internal/response"
	"github.com/stemsi/exstem-skills/internal/service"
	"github.com/stemsi/exstem-skills/internal/submission"
)

// SubmissionHandler exposes evaluation status to learners.
type SubmissionHandler struct {
	submissions *service.SubmissionService
	log         zerolog.Logger
}

func NewSubmissionHandler(submissions *service.SubmissionService, log zerolog.Logger) *SubmissionHandler {
	return &SubmissionHandler{
		submissions: submissions,
		log:         log.With().Str("component", "submission_handler").Logger(),
	}
}

// GetSubmission godoc
// GET /api/v1/learner/submissions/:submission_id
// Refreshes the status once. When the evaluation service is unreachable the
// stored submission is returned with STATUS_UNAVAILABLE.
func (h *SubmissionHandler) GetSubmission(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	id := c.Param("submission_id")
	if id == "" || len(id) > 128 {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	sub, err := h.submissions.Refresh(c.Request.Context(), claims.LearnerID, id)
	if err != nil {
		if errors.Is(err, submission.ErrStatusUnavailable) && sub != nil {
			h.log.Warn().Err(err).Str("submission_id", id).Msg("Status refresh failed")
			fail(c, err, gin.H{"submission": sub})
			return
		}
		fail(c, err, nil)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"submission": sub})
}
