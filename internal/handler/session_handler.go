package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-skills/internal/media"
	"github.com/stemsi/exstem-skills/internal/middleware"
	"github.com/stemsi/exstem-skills/internal/model"
	"github.com/stemsi/exstem-skills/internal/response"
	"github.com/stemsi/exstem-skills/internal/service"
	"github.com/stemsi/exstem-skills/internal/session"
	"github.com/stemsi/exstem-skills/internal/validation"
	"github.com/stemsi/exstem-skills/internal/validator"
)

// multipartOverhead is allowed on top of the audio size limit for form
// boundaries and headers.
const multipartOverhead = 1 << 20

// SessionHandler handles learner exercise sessions.
type SessionHandler struct {
	sessions       *service.SessionService
	maxUploadBytes int64
	log            zerolog.Logger
}

func NewSessionHandler(sessions *service.SessionService, maxUploadBytes int64, log zerolog.Logger) *SessionHandler {
	return &SessionHandler{
		sessions:       sessions,
		maxUploadBytes: maxUploadBytes,
		log:            log.With().Str("component", "session_handler").Logger(),
	}
}

// StartSession godoc
// POST /api/v1/learner/exercises/:exercise_id/sessions
// Starts a session, or returns the learner's open one for this exercise.
func (h *SessionHandler) StartSession(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	exerciseID, err := uuid.Parse(c.Param("exercise_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	ctrl, resumed, err := h.sessions.Start(c.Request.Context(), claims.LearnerID, exerciseID)
	if err != nil {
		h.logFailure(c, err, "Start session failed")
		fail(c, err, nil)
		return
	}

	status := http.StatusCreated
	if resumed {
		status = http.StatusOK
	}
	response.Success(c, status, gin.H{"session": ctrl.View(), "resumed": resumed})
}

// GetSession godoc
// GET /api/v1/learner/sessions/:session_id
// Returns the session view used to restore the client after a reload.
func (h *SessionHandler) GetSession(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	response.Success(c, http.StatusOK, gin.H{"session": ctrl.View()})
}

// Navigate godoc
// POST /api/v1/learner/sessions/:session_id/navigate
func (h *SessionHandler) Navigate(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}

	var req model.NavigateRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	var current model.Question
	switch {
	case req.QuestionID != nil:
		if err := ctrl.Goto(*req.QuestionID); err != nil {
			fail(c, err, nil)
			return
		}
		current = ctrl.Current()
	case req.Direction == "next":
		current = ctrl.Next()
	default:
		current = ctrl.Prev()
	}

	response.Success(c, http.StatusOK, gin.H{"current_question_id": current.ID})
}

// SetAnswer godoc
// PUT /api/v1/learner/sessions/:session_id/answers/:question_id
// Saves an option or text answer. Returns the current verdict for the answer.
func (h *SessionHandler) SetAnswer(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	questionID, ok := questionParam(c)
	if !ok {
		return
	}

	var req model.SetAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	if err := ctrl.SetAnswer(questionID, req.Payload()); err != nil {
		fail(c, err, nil)
		return
	}

	violations, _ := ctrl.Validate(questionID)
	response.Success(c, http.StatusOK, gin.H{
		"question_id": questionID,
		"violations":  nonNil(violations),
	})
}

// UploadAudio godoc
// POST /api/v1/learner/sessions/:session_id/answers/:question_id/audio
// Accepts a multipart "file" as the audio answer.
func (h *SessionHandler) UploadAudio(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	questionID, ok := questionParam(c)
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes+multipartOverhead)
	header, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			// The body was cut off, so only a lower bound on the file size is known.
			fail(c, validation.Violations{{
				Reason:   validation.ReasonFileTooLarge,
				Field:    "size_at_least",
				Measured: float64(h.maxUploadBytes + 1),
				Limit:    float64(h.maxUploadBytes),
			}}, nil)
			return
		}
		response.Fail(c, http.StatusBadRequest, response.ErrFileRequired)
		return
	}

	file, err := header.Open()
	if err != nil {
		h.log.Error().Err(err).Msg("Open uploaded file failed")
		response.Fail(c, http.StatusInternalServerError, response.ErrInternal)
		return
	}
	defer file.Close()

	info, violations, err := ctrl.UploadAudio(questionID, media.Upload{
		Filename: header.Filename,
		MIMEType: header.Header.Get("Content-Type"),
		Size:     header.Size,
		Body:     file,
	})
	if err != nil {
		h.logFailure(c, err, "Audio upload rejected")
		fail(c, err, nil)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"audio":      info,
		"violations": nonNil(violations),
	})
}

// RemoveAudio godoc
// DELETE /api/v1/learner/sessions/:session_id/answers/:question_id/audio
func (h *SessionHandler) RemoveAudio(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	questionID, ok := questionParam(c)
	if !ok {
		return
	}

	if err := ctrl.RemoveAudio(questionID); err != nil {
		fail(c, err, nil)
		return
	}
	response.Success(c, http.StatusOK, gin.H{"question_id": questionID})
}

// ReportDuration godoc
// PUT /api/v1/learner/sessions/:session_id/answers/:question_id/audio/duration
// Records the duration measured by the client for audio the server could
// not decode.
func (h *SessionHandler) ReportDuration(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	questionID, ok := questionParam(c)
	if !ok {
		return
	}

	var req model.ReportDurationRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	violations, err := ctrl.ReportDuration(questionID, req.Seconds)
	if err != nil {
		fail(c, err, nil)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"question_id": questionID,
		"violations":  nonNil(violations),
	})
}

// GetValidation godoc
// GET /api/v1/learner/sessions/:session_id/answers/:question_id/validation
func (h *SessionHandler) GetValidation(c *gin.Context) {
	ctrl, ok := h.controller(c)
	if !ok {
		return
	}
	questionID, ok := questionParam(c)
	if !ok {
		return
	}

	violations, err := ctrl.Validate(questionID)
	if err != nil {
		fail(c, err, nil)
		return
	}
	response.Success(c, http.StatusOK, gin.H{
		"question_id": questionID,
		"valid":       violations.OK(),
		"violations":  nonNil(violations),
	})
}

// Submit godoc
// POST /api/v1/learner/sessions/:session_id/submit
// Blocking violations and evaluation failures come back with the session
// view so the client keeps the learner's answers on screen.
func (h *SessionHandler) Submit(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	attemptID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	sub, err := h.sessions.Submit(c.Request.Context(), claims.LearnerID, attemptID)
	if err != nil {
		h.logFailure(c, err, "Submit failed")
		ctrl, lookupErr := h.sessions.Get(claims.LearnerID, attemptID)
		if lookupErr != nil {
			fail(c, err, nil)
			return
		}
		fail(c, err, gin.H{"session": ctrl.View()})
		return
	}

	response.Success(c, http.StatusCreated, gin.H{"submission": sub})
}

// Abandon godoc
// DELETE /api/v1/learner/sessions/:session_id
func (h *SessionHandler) Abandon(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}
	attemptID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	if err := h.sessions.Abandon(claims.LearnerID, attemptID); err != nil {
		fail(c, err, nil)
		return
	}
	c.Status(http.StatusNoContent)
}

// ─── Helpers ────────────────────────────────────────────────────────

// controller resolves the learner's session from the path. It writes the
// error response itself.
func (h *SessionHandler) controller(c *gin.Context) (*session.Controller, bool) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return nil, false
	}
	attemptID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return nil, false
	}
	ctrl, err := h.sessions.Get(claims.LearnerID, attemptID)
	if err != nil {
		fail(c, err, nil)
		return nil, false
	}
	return ctrl, true
}

func (h *SessionHandler) logFailure(c *gin.Context, err error, msg string) {
	if status, _ := errorStatus(err); status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("request_id", response.RequestID(c)).Msg(msg)
		return
	}
	h.log.Debug().Err(err).Str("request_id", response.RequestID(c)).Msg(msg)
}

func questionParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("question_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return uuid.Nil, false
	}
	return id, true
}

func nonNil(vs validation.Violations) validation.Violations {
	if vs == nil {
		return validation.Violations{}
	}
	return vs
}
