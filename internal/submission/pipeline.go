package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-skills/internal/media"
)

// Pipeline creates submissions and keeps their evaluation status current.
// It never evaluates anything itself and never retries a failed create.
type Pipeline struct {
	evaluator Evaluator
	store     Store
	sink      EventSink
	scheduler Scheduler
	pollDelay time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

type Option func(*Pipeline)

// WithEventSink publishes created and status-changed events to sink.
func WithEventSink(sink EventSink) Option {
	return func(p *Pipeline) { p.sink = sink }
}

// WithScheduler schedules a status refresh delay after creation.
func WithScheduler(s Scheduler, delay time.Duration) Option {
	return func(p *Pipeline) {
		p.scheduler = s
		p.pollDelay = delay
	}
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func NewPipeline(evaluator Evaluator, store Store, log zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		evaluator: evaluator,
		store:     store,
		now:       time.Now,
		log:       log.With().Str("component", "submission_pipeline").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Submit sends the answers to the evaluation service and records the new
// submission as pending. Failures wrap ErrCreateFailed; the learner decides
// whether to try again.
func (p *Pipeline) Submit(ctx context.Context, req Request) (*Submission, error) {
	now := p.now()
	payload, err := BuildPayload(req, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCreateFailed, err)
	}

	log := p.log.With().
		Str("attempt_id", payload.AttemptID.String()).
		Str("exercise_id", payload.ExerciseID.String()).
		Int("learner_id", payload.LearnerID).
		Logger()

	receipt, err := p.evaluator.Create(ctx, payload)
	if err != nil {
		log.Warn().Err(err).Msg("Evaluation service rejected submission")
		return nil, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}
	if receipt.ID == "" {
		return nil, fmt.Errorf("%w: empty submission id", ErrCreateFailed)
	}

	sub := &Submission{
		ID:         receipt.ID,
		AttemptID:  payload.AttemptID,
		ExerciseID: payload.ExerciseID,
		LearnerID:  payload.LearnerID,
		Skill:      payload.Skill,
		Status:     StatusPending,
		StatusRaw:  receipt.Status,
		Forced:     payload.Forced,
		Answers:    payload.Answers,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	// The evaluation service already holds the submission, so a local
	// persistence failure must not turn into a learner-visible retry.
	if err := p.store.Create(ctx, sub); err != nil {
		log.Error().Err(err).Str("submission_id", sub.ID).Msg("Failed to persist submission")
	}

	if p.scheduler != nil {
		if err := p.scheduler.Schedule(ctx, sub.ID, now.Add(p.pollDelay)); err != nil {
			log.Warn().Err(err).Str("submission_id", sub.ID).Msg("Failed to schedule status refresh")
		}
	}
	p.publish(ctx, Event{Type: EventCreated, Submission: *sub, OccurredAt: now})

	log.Info().
		Str("submission_id", sub.ID).
		Bool("forced", sub.Forced).
		Int("answers", len(sub.Answers)).
		Int("audio_parts", len(payload.Audio)).
		Msg("Submission created")
	return sub, nil
}

// Adopt takes ownership of an audio resource handed off after a successful
// submit. The evaluation service has the bytes, so the spool file goes.
func (p *Pipeline) Adopt(res *media.Resource) {
	if err := res.Release(); err != nil && !errors.Is(err, media.ErrReleased) {
		p.log.Warn().Err(err).Str("resource_id", res.ID.String()).Msg("Failed to release submitted audio")
	}
}

// Get returns the stored submission without contacting the evaluation service.
func (p *Pipeline) Get(ctx context.Context, id string) (*Submission, error) {
	return p.store.Get(ctx, id)
}

// RefreshStatus reads the current evaluation status and moves the submission
// forward when the read allows it. Terminal submissions are returned as
// stored. A failed read returns the stored submission together with
// ErrStatusUnavailable; it never marks the submission failed.
func (p *Pipeline) RefreshStatus(ctx context.Context, id string) (*Submission, error) {
	sub, err := p.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status.Terminal() {
		return sub, nil
	}

	obs, err := p.evaluator.Status(ctx, id)
	if err != nil {
		return sub, fmt.Errorf("%w: %v", ErrStatusUnavailable, err)
	}
	if _, known := ParseStatus(obs.Status); !known {
		p.log.Warn().Str("submission_id", id).Str("status", obs.Status).Msg("Unrecognized evaluation status")
	}

	next := Reconcile(sub.Status, obs.Status, sub.Skill)
	if next == sub.Status {
		return sub, nil
	}

	prev := sub.Status
	now := p.now()
	result := sub.Result
	if len(obs.Result) > 0 {
		result = obs.Result
	}

	if err := p.store.UpdateStatus(ctx, id, prev, next, obs.Status, result, now); err != nil {
		if errors.Is(err, ErrStaleStatus) {
			return p.store.Get(ctx, id)
		}
		return sub, fmt.Errorf("update status: %w", err)
	}

	sub.Status = next
	sub.StatusRaw = obs.Status
	sub.Result = result
	sub.UpdatedAt = now

	p.publish(ctx, Event{Type: EventStatusChanged, Submission: *sub, Previous: prev, OccurredAt: now})
	p.log.Info().
		Str("submission_id", id).
		Str("from", string(prev)).
		Str("to", string(next)).
		Msg("Evaluation status advanced")
	return sub, nil
}

func (p *Pipeline) publish(ctx context.Context, ev Event) {
	if p.sink == nil {
		return
	}
	if err := p.sink.Publish(ctx, ev); err != nil {
		p.log.Warn().Err(err).Str("event", string(ev.Type)).Str("submission_id", ev.Submission.ID).Msg("Failed to publish event")
	}
}
