package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Question represents a single exercise question. Correct answers never leave
// the evaluation service, so there is no key here.
type Question struct {
	ID           uuid.UUID       `json:"id"`
	SectionID    uuid.UUID       `json:"section_id"`
	QuestionType QuestionType    `json:"question_type"`
	TaskType     TaskType        `json:"task_type,omitempty"`
	Prompt       string          `json:"prompt"`
	Options      json.RawMessage `json:"options,omitempty"`
	OrderNum     int             `json:"order_num"`
}

type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionTypeShortAnswer    QuestionType = "SHORT_ANSWER"
	QuestionTypeEssay          QuestionType = "ESSAY"
	QuestionTypeSpeaking       QuestionType = "SPEAKING"
)

// AnswerKind returns the payload kind a question of this type accepts.
func (t QuestionType) AnswerKind() AnswerKind {
	switch t {
	case QuestionTypeMultipleChoice:
		return AnswerKindOption
	case QuestionTypeSpeaking:
		return AnswerKindAudio
	default:
		return AnswerKindText
	}
}

// FreeResponse reports whether answers to this question go through the
// validation engine.
func (t QuestionType) FreeResponse() bool {
	return t == QuestionTypeEssay || t == QuestionTypeSpeaking
}

// TaskType distinguishes the writing prompt styles, which carry different
// minimum word counts.
type TaskType string

const (
	TaskType1 TaskType = "TASK_1"
	TaskType2 TaskType = "TASK_2"
)
