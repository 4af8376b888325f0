package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-skills/internal/submission"
)

var ErrSubmissionNotOwned = errors.New("submission belongs to another learner")

// SubmissionService exposes submissions to the learner who made them.
type SubmissionService struct {
	pipeline *submission.Pipeline
	notifier *StatusNotifier
	log      zerolog.Logger
}

func NewSubmissionService(pipeline *submission.Pipeline, notifier *StatusNotifier, log zerolog.Logger) *SubmissionService {
	return &SubmissionService{
		pipeline: pipeline,
		notifier: notifier,
		log:      log.With().Str("component", "submission_service").Logger(),
	}
}

// Refresh reads the latest evaluation status for one of the learner's
// submissions. When the evaluation service cannot be reached the stored
// submission is returned along with submission.ErrStatusUnavailable.
func (s *SubmissionService) Refresh(ctx context.Context, learnerID int, id string) (*submission.Submission, error) {
	stored, err := s.pipeline.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if stored.LearnerID != learnerID {
		return nil, ErrSubmissionNotOwned
	}
	return s.pipeline.RefreshStatus(ctx, id)
}

// Owned checks that id belongs to the learner before a stream is opened.
func (s *SubmissionService) Owned(ctx context.Context, learnerID int, id string) (*submission.Submission, error) {
	sub, err := s.pipeline.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.LearnerID != learnerID {
		return nil, ErrSubmissionNotOwned
	}
	return sub, nil
}

func (s *SubmissionService) Notifier() *StatusNotifier { return s.notifier }
