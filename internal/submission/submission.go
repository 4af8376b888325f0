// Package submission turns a finished answer set into a submission with the
// evaluation service and tracks its evaluation status.
package submission

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-skills/internal/model"
)

var (
	ErrCreateFailed      = errors.New("submission could not be created")
	ErrStatusUnavailable = errors.New("evaluation status unavailable")
	ErrNotFound          = errors.New("submission not found")
	ErrStaleStatus       = errors.New("submission status changed concurrently")
	ErrMissingAudio      = errors.New("audio answer has no resource")
)

// Submission is the durable record of one attempt sent for grading. Its ID is
// assigned by the evaluation service and never changes.
type Submission struct {
	ID         string            `json:"id"`
	AttemptID  uuid.UUID         `json:"attempt_id"`
	ExerciseID uuid.UUID         `json:"exercise_id"`
	LearnerID  int               `json:"learner_id"`
	Skill      model.SkillType   `json:"skill"`
	Status     Status            `json:"status"`
	StatusRaw  string            `json:"-"`
	Forced     bool              `json:"forced"`
	Answers    []SubmittedAnswer `json:"answers"`
	Result     json.RawMessage   `json:"result,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Retryable reports whether the learner should be offered a new attempt.
// A failed submission is never resubmitted.
func (s *Submission) Retryable() bool {
	return s.Status == StatusFailed
}

// SubmittedAnswer is one answer as sent to the evaluation service.
type SubmittedAnswer struct {
	QuestionID uuid.UUID        `json:"question_id"`
	Kind       model.AnswerKind `json:"kind"`
	OptionID   string           `json:"option_id,omitempty"`
	Text       string           `json:"text,omitempty"`
	WordCount  *int             `json:"word_count,omitempty"`
	Audio      *AudioMeta       `json:"audio,omitempty"`
}

// AudioMeta travels alongside the audio bytes.
type AudioMeta struct {
	ResourceID uuid.UUID `json:"resource_id"`
	FileName   string    `json:"file_name"`
	Size       int64     `json:"size_bytes"`
	Duration   *float64  `json:"duration_seconds,omitempty"`
	MIMEType   string    `json:"mime_type"`
}

// Payload is what the evaluation service receives.
type Payload struct {
	AttemptID   uuid.UUID         `json:"attempt_id"`
	ExerciseID  uuid.UUID         `json:"exercise_id"`
	LearnerID   int               `json:"learner_id"`
	Skill       model.SkillType   `json:"skill"`
	Forced      bool              `json:"forced"`
	SubmittedAt time.Time         `json:"submitted_at"`
	Answers     []SubmittedAnswer `json:"answers"`
	Audio       []AudioPart       `json:"-"`
}

// AudioPart is one audio file of the payload.
type AudioPart struct {
	QuestionID uuid.UUID
	FileName   string
	MIMEType   string
	Open       func() (io.ReadCloser, error)
}

// Receipt is the evaluation service's answer to a create call.
type Receipt struct {
	ID     string
	Status string
}

// Observation is one status read.
type Observation struct {
	Status string
	Result json.RawMessage
}

// Evaluator is the external evaluation service.
type Evaluator interface {
	Create(ctx context.Context, payload *Payload) (Receipt, error)
	Status(ctx context.Context, id string) (Observation, error)
}

// Store persists submissions.
type Store interface {
	Create(ctx context.Context, sub *Submission) error
	Get(ctx context.Context, id string) (*Submission, error)
	// UpdateStatus applies from → to only if the stored status is still from,
	// otherwise it returns ErrStaleStatus.
	UpdateStatus(ctx context.Context, id string, from, to Status, raw string, result json.RawMessage, at time.Time) error
}

// Scheduler arranges a later status refresh.
type Scheduler interface {
	Schedule(ctx context.Context, id string, at time.Time) error
}

type EventType string

const (
	EventCreated       EventType = "submission.created"
	EventStatusChanged EventType = "submission.status_changed"
)

// Event describes a submission lifecycle change.
type Event struct {
	Type       EventType  `json:"type"`
	Submission Submission `json:"submission"`
	Previous   Status     `json:"previous_status,omitempty"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// EventSink receives submission events.
type EventSink interface {
	Publish(ctx context.Context, ev Event) error
}
