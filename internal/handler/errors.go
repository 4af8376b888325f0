package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stemsi/exstem-skills/internal/answers"
	"github.com/stemsi/exstem-skills/internal/media"
	"github.com/stemsi/exstem-skills/internal/repository"
	"github.com/stemsi/exstem-skills/internal/response"
	"github.com/stemsi/exstem-skills/internal/service"
	"github.com/stemsi/exstem-skills/internal/session"
	"github.com/stemsi/exstem-skills/internal/submission"
	"github.com/stemsi/exstem-skills/internal/validation"
)

// errorStatus maps a domain error to its HTTP status and API code.
func errorStatus(err error) (int, response.ErrCode) {
	var vs validation.Violations
	switch {
	case errors.As(err, &vs):
		return http.StatusUnprocessableEntity, response.ErrAnswerViolations

	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound, response.ErrSessionNotFound
	case errors.Is(err, service.ErrSessionNotOwned), errors.Is(err, service.ErrSubmissionNotOwned):
		return http.StatusForbidden, response.ErrForbidden
	case errors.Is(err, service.ErrSessionActiveElsewhere):
		return http.StatusConflict, response.ErrSessionElsewhere
	case errors.Is(err, service.ErrExerciseNotPublished), errors.Is(err, repository.ErrExerciseNotFound):
		return http.StatusNotFound, response.ErrExerciseNotAvailable
	case errors.Is(err, service.ErrNoQuestions), errors.Is(err, session.ErrEmptySession):
		return http.StatusUnprocessableEntity, response.ErrNoQuestions

	case errors.Is(err, session.ErrNotOpen), errors.Is(err, media.ErrClosed):
		return http.StatusConflict, response.ErrSessionClosed
	case errors.Is(err, answers.ErrUnknownQuestion):
		return http.StatusNotFound, response.ErrNotFound
	case errors.Is(err, answers.ErrKindMismatch), errors.Is(err, session.ErrAudioViaCapture):
		return http.StatusBadRequest, response.ErrAnswerNotAccepted
	case errors.Is(err, session.ErrNotAudioQuestion):
		return http.StatusBadRequest, response.ErrNotAudioQuestion
	case errors.Is(err, session.ErrNoAudioAnswer):
		return http.StatusNotFound, response.ErrNoAudioAnswer
	case errors.Is(err, media.ErrInvalidDuration):
		return http.StatusBadRequest, response.ErrValidation

	case errors.Is(err, media.ErrPermissionDenied):
		return http.StatusForbidden, response.ErrMicrophoneDenied
	case errors.Is(err, media.ErrNotRecording), errors.Is(err, media.ErrStillRecording):
		return http.StatusConflict, response.ErrConflict
	case errors.Is(err, media.ErrHardware), errors.Is(err, media.ErrSuperseded):
		return http.StatusConflict, response.ErrRecordingFailed

	case errors.Is(err, submission.ErrCreateFailed):
		return http.StatusBadGateway, response.ErrSubmissionFailed
	case errors.Is(err, submission.ErrStatusUnavailable):
		return http.StatusServiceUnavailable, response.ErrStatusUnavailable
	case errors.Is(err, submission.ErrNotFound):
		return http.StatusNotFound, response.ErrNotFound
	}
	return http.StatusInternalServerError, response.ErrInternal
}

// fail writes err as an API error. Violations travel in details; data is
// whatever state the client still needs.
func fail(c *gin.Context, err error, data interface{}) {
	status, code := errorStatus(err)

	var vs validation.Violations
	switch {
	case errors.As(err, &vs):
		response.FailWithDetails(c, status, code, vs, data)
	case data != nil:
		response.FailWithDetails(c, status, code, nil, data)
	default:
		response.Fail(c, status, code)
	}
}
