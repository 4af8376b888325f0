package model

import (
	"time"

	"github.com/google/uuid"
)

// Session identifies one attempt at one exercise. Sections and questions are
// fixed when the session starts.
type Session struct {
	AttemptID        uuid.UUID `json:"attempt_id"`
	ExerciseID       uuid.UUID `json:"exercise_id"`
	LearnerID        int       `json:"learner_id"`
	Skill            SkillType `json:"skill"`
	Title            string    `json:"title"`
	Sections         []Section `json:"sections"`
	TimeLimitSeconds *int      `json:"time_limit_seconds,omitempty"`
	StartedAt        time.Time `json:"started_at"`
}

// NewSession snapshots an exercise into a fresh attempt.
func NewSession(ex *Exercise, learnerID int, now time.Time) *Session {
	sections := make([]Section, len(ex.Sections))
	for i, s := range ex.Sections {
		qs := make([]Question, len(s.Questions))
		copy(qs, s.Questions)
		s.Questions = qs
		sections[i] = s
	}
	return &Session{
		AttemptID:        uuid.New(),
		ExerciseID:       ex.ID,
		LearnerID:        learnerID,
		Skill:            ex.Skill,
		Title:            ex.Title,
		Sections:         sections,
		TimeLimitSeconds: ex.TimeLimitSeconds,
		StartedAt:        now,
	}
}

// Questions returns the ordered question list across sections.
func (s *Session) Questions() []Question {
	var out []Question
	for _, sec := range s.Sections {
		out = append(out, sec.Questions...)
	}
	return out
}
