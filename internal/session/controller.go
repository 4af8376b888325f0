// Package session drives one attempt at an exercise: navigation, answers,
// audio capture, the timer and the hand-off to the submission pipeline.
//
// A Controller moves in_progress → submitting → {submitted, submit_failed}.
// submit_failed keeps every answer and accepts another RequestSubmit.
// Controller state is guarded by one mutex; network and device waits happen
// outside it, and observers are notified after it is released.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-skills/internal/answers"
	"github.com/stemsi/exstem-skills/internal/media"
	"github.com/stemsi/exstem-skills/internal/model"
	"github.com/stemsi/exstem-skills/internal/submission"
	"github.com/stemsi/exstem-skills/internal/timer"
	"github.com/stemsi/exstem-skills/internal/validation"
)

var (
	ErrNotOpen          = errors.New("session is not accepting changes")
	ErrNotAudioQuestion = errors.New("question does not take an audio answer")
	ErrAudioViaCapture  = errors.New("audio answers are set by recording or upload")
	ErrNoAudioAnswer    = errors.New("question has no audio answer")
	ErrEmptySession     = errors.New("exercise has no questions")
)

type State string

const (
	StateInProgress   State = "in_progress"
	StateSubmitting   State = "submitting"
	StateSubmitted    State = "submitted"
	StateSubmitFailed State = "submit_failed"
	StateAbandoned    State = "abandoned"
)

// open reports whether answers may change and a submit may start.
func (s State) open() bool {
	return s == StateInProgress || s == StateSubmitFailed
}

// Submitter is the submission pipeline as seen by the controller.
type Submitter interface {
	Submit(ctx context.Context, req submission.Request) (*submission.Submission, error)
	Adopt(res *media.Resource)
}

type Config struct {
	Timer   timer.Config
	Capture media.Config
	Device  media.Device
	// ExpirySubmitTimeout bounds the forced submit that follows expiry.
	ExpirySubmitTimeout time.Duration
}

type Controller struct {
	mu        sync.Mutex
	sess      *model.Session
	questions []model.Question
	index     map[uuid.UUID]int
	answers   *answers.Store
	timer     *timer.Timer
	capture   *media.Capture
	submitter Submitter
	cfg       Config
	log       zerolog.Logger

	state        State
	cursor       int
	expired      bool
	closed       bool
	closePending bool
	submission   *submission.Submission
	lastErr      error
	stopTimer    func()

	pending []Event
	subs    map[int]func(Event)
	nextSub int
}

func NewController(sess *model.Session, submitter Submitter, cfg Config, log zerolog.Logger) (*Controller, error) {
	questions := sess.Questions()
	if len(questions) == 0 {
		return nil, ErrEmptySession
	}
	if cfg.Device == nil {
		cfg.Device = media.NewRemoteDevice()
	}
	if cfg.ExpirySubmitTimeout <= 0 {
		cfg.ExpirySubmitTimeout = 30 * time.Second
	}

	c := &Controller{
		sess:      sess,
		questions: questions,
		index:     make(map[uuid.UUID]int, len(questions)),
		answers:   answers.NewStore(questions),
		timer:     timer.New(cfg.Timer),
		submitter: submitter,
		cfg:       cfg,
		state:     StateInProgress,
		subs:      make(map[int]func(Event)),
		log: log.With().
			Str("component", "session_controller").
			Str("attempt_id", sess.AttemptID.String()).
			Logger(),
	}
	for i, q := range questions {
		c.index[q.ID] = i
	}

	captureCfg := cfg.Capture
	captureCfg.Hooks = media.Hooks{
		OnDurationResolved: c.onDurationResolved,
		OnRecordingFailed:  c.onRecordingFailed,
	}
	c.capture = media.NewCapture(cfg.Device, captureCfg, c.log)
	return c, nil
}

// Start starts the session timer in countdown mode when the exercise has a
// time limit, elapsed mode otherwise.
func (c *Controller) Start() error {
	c.mu.Lock()
	c.stopTimer = c.timer.Subscribe(c.onTimer)
	c.mu.Unlock()
	return c.timer.Start(c.sess.TimeLimitSeconds)
}

func (c *Controller) Session() *model.Session { return c.sess }

func (c *Controller) Timer() timer.Snapshot { return c.timer.Snapshot() }

func (c *Controller) Ledger() media.Ledger { return c.capture.Ledger() }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe registers fn for controller events. fn runs without the
// controller lock held and may call back into the controller.
func (c *Controller) Subscribe(fn func(Event)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// ─── Navigation ─────────────────────────────────────────────────────

// Goto moves the cursor to questionID. Any order is allowed.
func (c *Controller) Goto(questionID uuid.UUID) error {
	c.mu.Lock()
	defer c.unlockAndFlush()

	i, ok := c.index[questionID]
	if !ok {
		return fmt.Errorf("%w: %s", answers.ErrUnknownQuestion, questionID)
	}
	if !c.state.open() {
		return ErrNotOpen
	}
	c.cursor = i
	return nil
}

// Next advances the cursor, stopping at the last question.
func (c *Controller) Next() model.Question {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.open() && c.cursor < len(c.questions)-1 {
		c.cursor++
	}
	return c.questions[c.cursor]
}

// Prev moves the cursor back, stopping at the first question.
func (c *Controller) Prev() model.Question {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.open() && c.cursor > 0 {
		c.cursor--
	}
	return c.questions[c.cursor]
}

func (c *Controller) Current() model.Question {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.questions[c.cursor]
}

// ─── Answers ────────────────────────────────────────────────────────

// SetAnswer stores an option or text answer. Audio answers go through
// recording or upload so the capture keeps ownership of the bytes.
func (c *Controller) SetAnswer(questionID uuid.UUID, payload model.Payload) error {
	if payload.Kind == model.AnswerKindAudio {
		return ErrAudioViaCapture
	}

	c.mu.Lock()
	defer c.unlockAndFlush()
	if !c.state.open() {
		return ErrNotOpen
	}
	if _, err := c.answers.Set(questionID, payload); err != nil {
		return err
	}
	c.queue(Event{Type: EventAnswerSaved, QuestionID: &questionID})
	return nil
}

func (c *Controller) Answer(questionID uuid.UUID) (model.Answer, bool) {
	return c.answers.Get(questionID)
}

// Validate runs the validation engine on the current answer to questionID.
// Objective questions always pass.
func (c *Controller) Validate(questionID uuid.UUID) (validation.Violations, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[questionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", answers.ErrUnknownQuestion, questionID)
	}
	return c.validateLocked(c.questions[i]), nil
}

func (c *Controller) validateLocked(q model.Question) validation.Violations {
	a, ok := c.answers.Get(q.ID)

	switch q.QuestionType {
	case model.QuestionTypeEssay:
		return validation.ValidateEssay(a.Payload.Text, q.TaskType)
	case model.QuestionTypeSpeaking:
		if !ok || a.Payload.AudioID == nil {
			return validation.Missing("audio")
		}
		res, held := c.capture.Resource(*a.Payload.AudioID)
		if !held {
			return validation.Missing("audio")
		}
		return validation.ValidateAudio(res.AudioInput())
	}
	return nil
}

// ─── Audio ──────────────────────────────────────────────────────────

// StartRecording acquires the microphone and records an answer for
// questionID. It waits for the learner's permission outside the controller
// lock; a newer call supersedes an older one.
func (c *Controller) StartRecording(ctx context.Context, questionID uuid.UUID, mimeType string) (media.Info, error) {
	if err := c.checkAudioQuestion(questionID); err != nil {
		return media.Info{}, err
	}

	res, err := c.capture.Record(ctx, questionID, mimeType)
	if err != nil {
		c.mu.Lock()
		c.queue(Event{Type: EventRecordingFailed, QuestionID: &questionID, Error: err.Error()})
		c.unlockAndFlush()
		return media.Info{}, err
	}

	info := res.Info()
	c.mu.Lock()
	c.queue(Event{Type: EventRecordingStarted, QuestionID: &questionID, Audio: &info})
	c.unlockAndFlush()
	return info, nil
}

// StopRecording finalizes the recording and makes it the answer to its
// question, discarding the audio it replaces.
func (c *Controller) StopRecording() (media.Info, validation.Violations, error) {
	res, err := c.capture.StopRecording()
	if err != nil {
		return media.Info{}, nil, err
	}

	c.mu.Lock()
	defer c.unlockAndFlush()
	if !c.state.open() {
		c.capture.Discard(res.ID)
		return media.Info{}, nil, ErrNotOpen
	}
	vs, err := c.attachAudioLocked(res)
	return res.Info(), vs, err
}

// UploadAudio accepts an uploaded file as the answer to questionID. A file
// failing the upload checks leaves the current answer untouched.
func (c *Controller) UploadAudio(questionID uuid.UUID, up media.Upload) (media.Info, validation.Violations, error) {
	if err := c.checkAudioQuestion(questionID); err != nil {
		return media.Info{}, nil, err
	}

	res, err := c.capture.AcceptUpload(questionID, up)
	if err != nil {
		return media.Info{}, nil, err
	}

	c.mu.Lock()
	defer c.unlockAndFlush()
	if !c.state.open() {
		c.capture.Discard(res.ID)
		return media.Info{}, nil, ErrNotOpen
	}
	vs, err := c.attachAudioLocked(res)
	return res.Info(), vs, err
}

// RemoveAudio discards the audio answer to questionID.
func (c *Controller) RemoveAudio(questionID uuid.UUID) error {
	c.mu.Lock()
	defer c.unlockAndFlush()
	if !c.state.open() {
		return ErrNotOpen
	}

	a, ok := c.answers.Get(questionID)
	if !ok || a.Payload.AudioID == nil {
		return ErrNoAudioAnswer
	}
	c.answers.Remove(questionID)
	if err := c.capture.Discard(*a.Payload.AudioID); err != nil {
		c.log.Warn().Err(err).Msg("Discard on remove failed")
	}
	c.queue(Event{Type: EventAudioRemoved, QuestionID: &questionID})
	return nil
}

// ReportDuration records a client-measured duration for the audio answer to
// questionID and re-runs audio validation.
func (c *Controller) ReportDuration(questionID uuid.UUID, seconds float64) (validation.Violations, error) {
	c.mu.Lock()
	defer c.unlockAndFlush()

	a, ok := c.answers.Get(questionID)
	if !ok || a.Payload.AudioID == nil {
		return nil, ErrNoAudioAnswer
	}
	res, err := c.capture.ResolveDuration(*a.Payload.AudioID, seconds)
	if err != nil {
		return nil, err
	}

	vs := validation.ValidateAudio(res.AudioInput())
	info := res.Info()
	c.queue(Event{Type: EventDurationResolved, QuestionID: &questionID, Audio: &info, Violations: vs})
	return vs, nil
}

func (c *Controller) checkAudioQuestion(questionID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[questionID]
	if !ok {
		return fmt.Errorf("%w: %s", answers.ErrUnknownQuestion, questionID)
	}
	if c.questions[i].QuestionType != model.QuestionTypeSpeaking {
		return ErrNotAudioQuestion
	}
	if !c.state.open() {
		return ErrNotOpen
	}
	return nil
}

func (c *Controller) attachAudioLocked(res *media.Resource) (validation.Violations, error) {
	prev, err := c.answers.Set(res.QuestionID, model.AudioAnswer(res.ID))
	if err != nil {
		c.capture.Discard(res.ID)
		return nil, err
	}
	if prev != nil && prev.Payload.AudioID != nil && *prev.Payload.AudioID != res.ID {
		if err := c.capture.Discard(*prev.Payload.AudioID); err != nil {
			c.log.Warn().Err(err).Msg("Discard of replaced audio failed")
		}
	}

	vs := validation.ValidateAudio(res.AudioInput())
	info := res.Info()
	qID := res.QuestionID
	c.queue(Event{Type: EventAudioReady, QuestionID: &qID, Audio: &info, Violations: vs})
	return vs, nil
}

func (c *Controller) onDurationResolved(res *media.Resource) {
	c.mu.Lock()
	defer c.unlockAndFlush()

	a, ok := c.answers.Get(res.QuestionID)
	if !ok || a.Payload.AudioID == nil || *a.Payload.AudioID != res.ID {
		return
	}
	info := res.Info()
	qID := res.QuestionID
	c.queue(Event{
		Type:       EventDurationResolved,
		QuestionID: &qID,
		Audio:      &info,
		Violations: validation.ValidateAudio(res.AudioInput()),
	})
}

func (c *Controller) onRecordingFailed(res *media.Resource, err error) {
	c.mu.Lock()
	defer c.unlockAndFlush()
	qID := res.QuestionID
	c.queue(Event{Type: EventRecordingFailed, QuestionID: &qID, Error: err.Error()})
}

// ─── Submission ─────────────────────────────────────────────────────

// RequestSubmit validates the active answer for writing and speaking
// sessions, then submits. Violations are returned as validation.Violations
// and leave the state unchanged. A pipeline failure moves the session to
// submit_failed, from which the learner may try again.
func (c *Controller) RequestSubmit(ctx context.Context) (*submission.Submission, error) {
	return c.submit(ctx, false)
}

func (c *Controller) onTimer(ev timer.Event) {
	snap := ev.Snapshot
	switch ev.Kind {
	case timer.EventTick:
		c.mu.Lock()
		c.queue(Event{Type: EventTick, Timer: &snap})
		c.unlockAndFlush()

	case timer.EventExpired:
		c.mu.Lock()
		c.expired = true
		c.queue(Event{Type: EventExpired, Timer: &snap})
		c.unlockAndFlush()

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ExpirySubmitTimeout)
		defer cancel()
		if _, err := c.submit(ctx, true); err != nil && !errors.Is(err, ErrNotOpen) {
			c.log.Warn().Err(err).Msg("Forced submit after expiry failed")
		}
	}
}

func (c *Controller) submit(ctx context.Context, forced bool) (*submission.Submission, error) {
	c.mu.Lock()
	if !c.state.open() {
		c.unlockAndFlush()
		return nil, ErrNotOpen
	}
	forced = forced || c.expired

	// Whatever is being recorded becomes part of the answer set.
	if c.capture.Recording() {
		if res, err := c.capture.StopRecording(); err == nil {
			c.attachAudioLocked(res)
		}
	}

	if !forced && c.sess.Skill.FreeResponse() {
		q := c.questions[c.cursor]
		if vs := c.validateLocked(q); !vs.OK() {
			qID := q.ID
			c.queue(Event{Type: EventValidation, QuestionID: &qID, Violations: vs})
			c.unlockAndFlush()
			return nil, vs
		}
	}

	c.setStateLocked(StateSubmitting)
	req, audioIDs := c.buildRequestLocked(forced)
	c.unlockAndFlush()

	sub, err := c.submitter.Submit(ctx, req)

	c.mu.Lock()
	defer c.unlockAndFlush()

	if err != nil {
		c.lastErr = err
		c.setStateLocked(StateSubmitFailed)
		c.queue(Event{Type: EventSubmitFailed, Error: err.Error()})
		c.finishPendingCloseLocked()
		return nil, err
	}

	for _, id := range audioIDs {
		owned, herr := c.capture.HandOff(id)
		if herr != nil {
			c.log.Warn().Err(herr).Str("resource_id", id.String()).Msg("Hand-off failed")
			continue
		}
		c.submitter.Adopt(owned)
	}
	req.Audio = nil

	c.submission = sub
	c.lastErr = nil
	c.timer.Stop()
	c.setStateLocked(StateSubmitted)
	c.queue(Event{Type: EventSubmitted, Submission: sub})
	c.capture.Close()
	c.closePending = false
	return sub, nil
}

func (c *Controller) buildRequestLocked(forced bool) (submission.Request, []uuid.UUID) {
	all := c.answers.Snapshot()
	kept := make([]model.Answer, 0, len(all))
	audio := make(map[uuid.UUID]*media.Resource)
	var ids []uuid.UUID

	for _, a := range all {
		if a.Payload.Kind == model.AnswerKindAudio {
			if a.Payload.AudioID == nil {
				continue
			}
			res, ok := c.capture.Resource(*a.Payload.AudioID)
			if !ok {
				continue
			}
			audio[res.ID] = res
			ids = append(ids, res.ID)
		}
		kept = append(kept, a)
	}

	return submission.Request{
		Session: c.sess,
		Answers: kept,
		Audio:   audio,
		Forced:  forced,
	}, ids
}

// ─── Teardown ───────────────────────────────────────────────────────

// Close stops the timer, discards in-flight and unsubmitted audio and
// releases the microphone. An open session becomes abandoned. When a submit
// is in flight the capture is closed as soon as it returns.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.unlockAndFlush()
	if c.closed {
		return
	}
	c.closed = true

	c.timer.Stop()
	if c.stopTimer != nil {
		c.stopTimer()
	}

	if c.state == StateSubmitting {
		c.closePending = true
		return
	}
	c.capture.Close()
	if c.state.open() {
		c.setStateLocked(StateAbandoned)
	}
}

func (c *Controller) finishPendingCloseLocked() {
	if !c.closePending {
		return
	}
	c.closePending = false
	c.capture.Close()
	c.setStateLocked(StateAbandoned)
}

// ─── View ───────────────────────────────────────────────────────────

// View is a read-only snapshot for clients.
type View struct {
	AttemptID         uuid.UUID              `json:"attempt_id"`
	ExerciseID        uuid.UUID              `json:"exercise_id"`
	Skill             model.SkillType        `json:"skill"`
	Title             string                 `json:"title"`
	State             State                  `json:"state"`
	CurrentQuestionID uuid.UUID              `json:"current_question_id"`
	Answered          int                    `json:"answered"`
	Total             int                    `json:"total"`
	Progress          float64                `json:"progress"`
	Timer             timer.Snapshot         `json:"timer"`
	Recording         bool                   `json:"recording"`
	Sections          []model.Section        `json:"sections"`
	Answers           []model.Answer         `json:"answers"`
	Audio             []media.Info           `json:"audio"`
	Submission        *submission.Submission `json:"submission,omitempty"`
	LastError         string                 `json:"last_error,omitempty"`
	StartedAt         time.Time              `json:"started_at"`
}

func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := View{
		AttemptID:         c.sess.AttemptID,
		ExerciseID:        c.sess.ExerciseID,
		Skill:             c.sess.Skill,
		Title:             c.sess.Title,
		State:             c.state,
		CurrentQuestionID: c.questions[c.cursor].ID,
		Answered:          c.answers.AnsweredCount(),
		Total:             c.answers.Total(),
		Progress:          c.answers.ProgressFraction(),
		Timer:             c.timer.Snapshot(),
		Recording:         c.capture.Recording(),
		Sections:          c.sess.Sections,
		Answers:           c.answers.Snapshot(),
		Audio:             []media.Info{},
		Submission:        c.submission,
		StartedAt:         c.sess.StartedAt,
	}
	for _, a := range v.Answers {
		if a.Payload.AudioID == nil {
			continue
		}
		if res, ok := c.capture.Resource(*a.Payload.AudioID); ok {
			v.Audio = append(v.Audio, res.Info())
		}
	}
	if c.lastErr != nil {
		v.LastError = c.lastErr.Error()
	}
	return v
}

// ─── Events ─────────────────────────────────────────────────────────

func (c *Controller) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.log.Info().Str("from", string(c.state)).Str("to", string(s)).Msg("Session state changed")
	c.state = s
	c.queue(Event{Type: EventState, State: s})
}

func (c *Controller) queue(ev Event) {
	ev.AttemptID = c.sess.AttemptID
	c.pending = append(c.pending, ev)
}

// unlockAndFlush releases the lock and then delivers queued events, so
// observers never run under the controller lock.
func (c *Controller) unlockAndFlush() {
	events := c.pending
	c.pending = nil
	subs := make([]func(Event), 0, len(c.subs))
	for _, fn := range c.subs {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}
