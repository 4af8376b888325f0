package model

import (
	"time"

	"github.com/google/uuid"
)

// SkillType is the category of an exercise. Each skill has its own answer
// and validation semantics.
type SkillType string

const (
	SkillListening SkillType = "LISTENING"
	SkillReading   SkillType = "READING"
	SkillWriting   SkillType = "WRITING"
	SkillSpeaking  SkillType = "SPEAKING"
)

// FreeResponse reports whether answers of this skill are validated before submit.
func (s SkillType) FreeResponse() bool {
	return s == SkillWriting || s == SkillSpeaking
}

// ExerciseStatus enumerates the possible states of an exercise.
type ExerciseStatus string

const (
	ExerciseStatusDraft     ExerciseStatus = "DRAFT"
	ExerciseStatusPublished ExerciseStatus = "PUBLISHED"
	ExerciseStatusArchived  ExerciseStatus = "ARCHIVED"
)

// Exercise represents an exercise as read from the exercise data source.
type Exercise struct {
	ID               uuid.UUID      `json:"id"`
	Title            string         `json:"title"`
	Skill            SkillType      `json:"skill"`
	TimeLimitSeconds *int           `json:"time_limit_seconds,omitempty"`
	Status           ExerciseStatus `json:"status"`
	Sections         []Section      `json:"sections"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// Section groups an ordered list of questions.
type Section struct {
	ID        uuid.UUID  `json:"id"`
	Title     string     `json:"title"`
	OrderNum  int        `json:"order_num"`
	Questions []Question `json:"questions"`
}

// Questions flattens the sections into a single ordered question list.
func (e *Exercise) Questions() []Question {
	var out []Question
	for _, s := range e.Sections {
		out = append(out, s.Questions...)
	}
	return out
}

// QuestionCount returns the number of questions across all sections.
func (e *Exercise) QuestionCount() int {
	n := 0
	for _, s := range e.Sections {
		n += len(s.Questions)
	}
	return n
}
