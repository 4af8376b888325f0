package session

import (
	"github.com/google/uuid"
	"github.com/stemsi/exstem-skills/internal/media"
	"github.com/stemsi/exstem-skills/internal/submission"
	"github.com/stemsi/exstem-skills/internal/timer"
	"github.com/stemsi/exstem-skills/internal/validation"
)

type EventType string

const (
	EventTick             EventType = "tick"
	EventExpired          EventType = "expired"
	EventState            EventType = "state"
	EventAnswerSaved      EventType = "answer_saved"
	EventRecordingStarted EventType = "recording_started"
	EventRecordingFailed  EventType = "recording_failed"
	EventAudioReady       EventType = "audio_ready"
	EventAudioRemoved     EventType = "audio_removed"
	EventDurationResolved EventType = "duration_resolved"
	EventValidation       EventType = "validation"
	EventSubmitted        EventType = "submitted"
	EventSubmitFailed     EventType = "submit_failed"
)

// Event is what a controller tells its observers. Only the fields relevant to
// Type are set.
type Event struct {
	Type       EventType              `json:"event"`
	AttemptID  uuid.UUID              `json:"attempt_id"`
	State      State                  `json:"state,omitempty"`
	Timer      *timer.Snapshot        `json:"timer,omitempty"`
	QuestionID *uuid.UUID             `json:"question_id,omitempty"`
	Audio      *media.Info            `json:"audio,omitempty"`
	Violations validation.Violations  `json:"violations,omitempty"`
	Submission *submission.Submission `json:"submission,omitempty"`
	Error      string                 `json:"error,omitempty"`
}
