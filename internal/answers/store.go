// Package answers holds the in-progress answer set of one session.
package answers

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-skills/internal/model"
)

var (
	ErrUnknownQuestion = errors.New("question is not part of this session")
	ErrKindMismatch    = errors.New("answer kind does not match question type")
)

// Store maps question IDs to answers. Writes come from the session
// controller only; reads are safe from any goroutine.
type Store struct {
	mu      sync.RWMutex
	order   []uuid.UUID
	kinds   map[uuid.UUID]model.AnswerKind
	answers map[uuid.UUID]model.Answer
	now     func() time.Time
}

// NewStore creates an empty store for the given questions.
func NewStore(questions []model.Question) *Store {
	s := &Store{
		order:   make([]uuid.UUID, 0, len(questions)),
		kinds:   make(map[uuid.UUID]model.AnswerKind, len(questions)),
		answers: make(map[uuid.UUID]model.Answer, len(questions)),
		now:     time.Now,
	}
	for _, q := range questions {
		s.order = append(s.order, q.ID)
		s.kinds[q.ID] = q.QuestionType.AnswerKind()
	}
	return s
}

// Set inserts or replaces the answer for questionID and returns the answer it
// replaced, if any. The payload content is not inspected.
func (s *Store) Set(questionID uuid.UUID, payload model.Payload) (*model.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind, ok := s.kinds[questionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQuestion, questionID)
	}
	if payload.Kind != kind {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrKindMismatch, payload.Kind, kind)
	}

	var previous *model.Answer
	if prev, ok := s.answers[questionID]; ok {
		previous = &prev
	}
	s.answers[questionID] = model.Answer{
		QuestionID: questionID,
		Payload:    payload,
		UpdatedAt:  s.now(),
	}
	return previous, nil
}

// Get returns the answer for questionID.
func (s *Store) Get(questionID uuid.UUID) (model.Answer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.answers[questionID]
	return a, ok
}

// Remove deletes the answer for questionID and returns it.
func (s *Store) Remove(questionID uuid.UUID) (model.Answer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.answers[questionID]
	if ok {
		delete(s.answers, questionID)
	}
	return a, ok
}

// AnsweredCount returns the number of questions with an answer.
func (s *Store) AnsweredCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.answers)
}

// Total returns the number of questions in the session.
func (s *Store) Total() int {
	return len(s.order)
}

// ProgressFraction returns answered / total, or 0 for an empty session.
func (s *Store) ProgressFraction() float64 {
	if len(s.order) == 0 {
		return 0
	}
	return float64(s.AnsweredCount()) / float64(len(s.order))
}

// Snapshot returns the current answers in question order.
func (s *Store) Snapshot() []model.Answer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Answer, 0, len(s.answers))
	for _, id := range s.order {
		if a, ok := s.answers[id]; ok {
			out = append(out, a)
		}
	}
	return out
}
