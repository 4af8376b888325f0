package response

// ErrCode is a typed error code enum for consistent API error identification.
type ErrCode string

const (
	// ─── Authentication ────────────────────────────────────────────────
	ErrTokenRequired ErrCode = "TOKEN_REQUIRED"
	ErrTokenInvalid  ErrCode = "TOKEN_INVALID"
	ErrTokenExpired  ErrCode = "TOKEN_EXPIRED"

	// ─── Authorization ─────────────────────────────────────────────────
	ErrForbidden         ErrCode = "FORBIDDEN"
	ErrLearnerAccessOnly ErrCode = "LEARNER_ACCESS_ONLY"

	// ─── Validation ────────────────────────────────────────────────────
	ErrValidation        ErrCode = "VALIDATION_ERROR"
	ErrInvalidID         ErrCode = "INVALID_ID"
	ErrInvalidPayload    ErrCode = "INVALID_PAYLOAD"
	ErrAnswerNotAccepted ErrCode = "ANSWER_NOT_ACCEPTED"
	ErrAnswerViolations  ErrCode = "ANSWER_VIOLATIONS"

	// ─── Resources ─────────────────────────────────────────────────────
	ErrNotFound ErrCode = "NOT_FOUND"
	ErrConflict ErrCode = "CONFLICT"

	// ─── Exercise & session ────────────────────────────────────────────
	ErrExerciseNotAvailable ErrCode = "EXERCISE_NOT_AVAILABLE"
	ErrNoQuestions          ErrCode = "NO_QUESTIONS"
	ErrSessionNotFound      ErrCode = "SESSION_NOT_FOUND"
	ErrSessionClosed        ErrCode = "SESSION_CLOSED"
	ErrSessionElsewhere     ErrCode = "SESSION_ACTIVE_ELSEWHERE"

	// ─── Audio ─────────────────────────────────────────────────────────
	ErrFileRequired     ErrCode = "FILE_REQUIRED"
	ErrNotAudioQuestion ErrCode = "NOT_AUDIO_QUESTION"
	ErrNoAudioAnswer    ErrCode = "NO_AUDIO_ANSWER"
	ErrMicrophoneDenied ErrCode = "MICROPHONE_DENIED"
	ErrRecordingFailed  ErrCode = "RECORDING_FAILED"

	// ─── Submission ────────────────────────────────────────────────────
	ErrSubmissionFailed  ErrCode = "SUBMISSION_FAILED"
	ErrStatusUnavailable ErrCode = "STATUS_UNAVAILABLE"

	// ─── Rate Limiting ─────────────────────────────────────────────────
	ErrRateLimitExceeded ErrCode = "RATE_LIMIT_EXCEEDED"

	// ─── Server ────────────────────────────────────────────────────────
	ErrInternal ErrCode = "INTERNAL_ERROR"
)

// GetMessage returns a human-readable message for a given error code.
func GetMessage(code ErrCode) string {
	switch code {
	// ─── Authentication ────────────────────────────────────────────────
	case ErrTokenRequired:
		return "Authentication token is required."
	case ErrTokenInvalid:
		return "Authentication token is invalid."
	case ErrTokenExpired:
		return "Authentication token has expired."

	// ─── Authorization ─────────────────────────────────────────────────
	case ErrForbidden:
		return "You do not have access to this resource."
	case ErrLearnerAccessOnly:
		return "This resource is limited to learners."

	// ─── Validation ────────────────────────────────────────────────────
	case ErrValidation:
		return "Validation failed. Please check your input."
	case ErrInvalidID:
		return "Invalid ID format."
	case ErrInvalidPayload:
		return "Invalid request payload."
	case ErrAnswerNotAccepted:
		return "This answer does not fit the question."
	case ErrAnswerViolations:
		return "The answer does not meet the requirements yet."

	// ─── Resources ─────────────────────────────────────────────────────
	case ErrNotFound:
		return "Resource not found."
	case ErrConflict:
		return "Resource already exists."

	// ─── Exercise & session ────────────────────────────────────────────
	case ErrExerciseNotAvailable:
		return "This exercise is not available."
	case ErrNoQuestions:
		return "This exercise has no questions."
	case ErrSessionNotFound:
		return "Session not found or already closed."
	case ErrSessionClosed:
		return "This session no longer accepts changes."
	case ErrSessionElsewhere:
		return "You already have this exercise open on another device."

	// ─── Audio ─────────────────────────────────────────────────────────
	case ErrFileRequired:
		return "An audio file is required."
	case ErrNotAudioQuestion:
		return "This question does not take an audio answer."
	case ErrNoAudioAnswer:
		return "This question has no audio answer."
	case ErrMicrophoneDenied:
		return "Microphone access was denied."
	case ErrRecordingFailed:
		return "Recording failed. Please try again."

	// ─── Submission ────────────────────────────────────────────────────
	case ErrSubmissionFailed:
		return "Your answers could not be submitted. They are kept; please try again."
	case ErrStatusUnavailable:
		return "Evaluation status is temporarily unavailable."

	// ─── Rate Limiting ─────────────────────────────────────────────────
	case ErrRateLimitExceeded:
		return "Too many requests. Please try again later."

	// ─── Server ────────────────────────────────────────────────────────
	case ErrInternal:
		return "Internal server error."
	default:
		return "An unexpected error occurred."
	}
}
