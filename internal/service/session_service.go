package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-skills/internal/config"
	"github.com/stemsi/exstem-skills/internal/media"
	"github.com/stemsi/exstem-skills/internal/model"
	"github.com/stemsi/exstem-skills/internal/session"
	"github.com/stemsi/exstem-skills/internal/submission"
	"github.com/stemsi/exstem-skills/internal/timer"
)

var (
	ErrSessionNotFound        = errors.New("session not found")
	ErrSessionNotOwned        = errors.New("session belongs to another learner")
	ErrSessionActiveElsewhere = errors.New("learner has an active session for this exercise on another instance")
)

// releaseIfOwner deletes the lock only while it still names this attempt.
var releaseIfOwner = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type SessionConfig struct {
	SpoolDir       string
	MaxUploadBytes int64
	SubmitTimeout  time.Duration
	// Retention keeps finished sessions readable after submit or abandon.
	Retention time.Duration
	Timer     timer.Config
	Prober    media.Prober
}

// liveSession is one controller plus the remote microphone feeding it.
type liveSession struct {
	ctrl       *session.Controller
	device     *media.RemoteDevice
	learnerID  int
	exerciseID uuid.UUID
}

// SessionService owns the live session controllers of this instance and
// keeps one active attempt per learner and exercise.
type SessionService struct {
	exercises *ExerciseService
	submitter session.Submitter
	rdb       *redis.Client
	cfg       SessionConfig
	log       zerolog.Logger
	baseLog   zerolog.Logger

	mu       sync.Mutex
	sessions map[uuid.UUID]*liveSession
}

// NewSessionService creates a new SessionService.
func NewSessionService(exercises *ExerciseService, submitter session.Submitter, rdb *redis.Client, cfg SessionConfig, log zerolog.Logger) *SessionService {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 2 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 15 * time.Minute
	}
	if cfg.Prober == nil {
		cfg.Prober = media.FileProber{}
	}
	return &SessionService{
		exercises: exercises,
		submitter: submitter,
		rdb:       rdb,
		cfg:       cfg,
		log:       log.With().Str("component", "session_service").Logger(),
		baseLog:   log,
		sessions:  make(map[uuid.UUID]*liveSession),
	}
}

// Start opens a session for the learner, or returns the attempt they already
// have open for this exercise. resumed reports the latter.
func (s *SessionService) Start(ctx context.Context, learnerID int, exerciseID uuid.UUID) (ctrl *session.Controller, resumed bool, err error) {
	lockKey := config.CacheKey.LearnerActiveSessionKey(learnerID, exerciseID.String())

	if ctrl, ok := s.activeFor(ctx, lockKey); ok {
		return ctrl, true, nil
	}

	ex, err := s.exercises.GetPublished(ctx, exerciseID)
	if err != nil {
		return nil, false, err
	}

	sess := model.NewSession(ex, learnerID, time.Now())
	lockTTL := 6 * time.Hour
	if sess.TimeLimitSeconds != nil {
		lockTTL = time.Duration(*sess.TimeLimitSeconds)*time.Second + s.cfg.SubmitTimeout + time.Minute
	}

	won, err := s.rdb.SetNX(ctx, lockKey, sess.AttemptID.String(), lockTTL).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire session lock: %w", err)
	}
	if !won {
		if ctrl, ok := s.activeFor(ctx, lockKey); ok {
			return ctrl, true, nil
		}
		return nil, false, ErrSessionActiveElsewhere
	}

	live, err := s.open(sess)
	if err != nil {
		releaseIfOwner.Run(ctx, s.rdb, []string{lockKey}, sess.AttemptID.String())
		return nil, false, err
	}

	startKey := config.CacheKey.SessionStartKey(sess.AttemptID.String())
	if err := s.rdb.Set(ctx, startKey, sess.StartedAt.Unix(), lockTTL).Err(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to cache session start")
	}

	s.log.Info().
		Str("attempt_id", sess.AttemptID.String()).
		Str("exercise_id", exerciseID.String()).
		Int("learner_id", learnerID).
		Str("skill", string(sess.Skill)).
		Msg("Session started")
	return live.ctrl, false, nil
}

// activeFor returns the controller named by the lock when it lives on this
// instance and still accepts work.
func (s *SessionService) activeFor(ctx context.Context, lockKey string) (*session.Controller, bool) {
	raw, err := s.rdb.Get(ctx, lockKey).Result()
	if err != nil {
		return nil, false
	}
	attemptID, err := uuid.Parse(raw)
	if err != nil {
		return nil, false
	}

	s.mu.Lock()
	live, ok := s.sessions[attemptID]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	switch live.ctrl.State() {
	case session.StateInProgress, session.StateSubmitting, session.StateSubmitFailed:
		return live.ctrl, true
	}
	return nil, false
}

func (s *SessionService) open(sess *model.Session) (*liveSession, error) {
	device := media.NewRemoteDevice()
	ctrl, err := session.NewController(sess, s.submitter, session.Config{
		Timer: s.cfg.Timer,
		Capture: media.Config{
			SpoolDir: s.cfg.SpoolDir,
			MaxBytes: s.cfg.MaxUploadBytes,
			Prober:   s.cfg.Prober,
		},
		Device:              device,
		ExpirySubmitTimeout: s.cfg.SubmitTimeout,
	}, s.baseLog)
	if err != nil {
		return nil, err
	}

	live := &liveSession{ctrl: ctrl, device: device, learnerID: sess.LearnerID, exerciseID: sess.ExerciseID}
	ctrl.Subscribe(func(ev session.Event) {
		if ev.Type != session.EventState {
			return
		}
		switch ev.State {
		case session.StateSubmitted, session.StateAbandoned:
			s.finish(live)
		}
	})

	s.mu.Lock()
	s.sessions[sess.AttemptID] = live
	s.mu.Unlock()

	if err := ctrl.Start(); err != nil {
		s.drop(sess.AttemptID)
		ctrl.Close()
		return nil, err
	}
	return live, nil
}

// finish releases the learner's lock and schedules the controller for removal.
func (s *SessionService) finish(live *liveSession) {
	attemptID := live.ctrl.Session().AttemptID
	lockKey := config.CacheKey.LearnerActiveSessionKey(live.learnerID, live.exerciseID.String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseIfOwner.Run(ctx, s.rdb, []string{lockKey}, attemptID.String()).Err(); err != nil && !errors.Is(err, redis.Nil) {
		s.log.Warn().Err(err).Str("attempt_id", attemptID.String()).Msg("Failed to release session lock")
	}

	time.AfterFunc(s.cfg.Retention, func() {
		live.ctrl.Close()
		s.drop(attemptID)
	})
}

func (s *SessionService) drop(attemptID uuid.UUID) {
	s.mu.Lock()
	delete(s.sessions, attemptID)
	s.mu.Unlock()
}

func (s *SessionService) lookup(learnerID int, attemptID uuid.UUID) (*liveSession, error) {
	s.mu.Lock()
	live, ok := s.sessions[attemptID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, attemptID)
	}
	if live.learnerID != learnerID {
		return nil, ErrSessionNotOwned
	}
	return live, nil
}

// Get returns the learner's controller for attemptID.
func (s *SessionService) Get(learnerID int, attemptID uuid.UUID) (*session.Controller, error) {
	live, err := s.lookup(learnerID, attemptID)
	if err != nil {
		return nil, err
	}
	return live.ctrl, nil
}

// Device returns the remote microphone of the learner's session.
func (s *SessionService) Device(learnerID int, attemptID uuid.UUID) (*media.RemoteDevice, error) {
	live, err := s.lookup(learnerID, attemptID)
	if err != nil {
		return nil, err
	}
	return live.device, nil
}

// Submit asks the controller to submit, bounded by the submit timeout.
func (s *SessionService) Submit(ctx context.Context, learnerID int, attemptID uuid.UUID) (*submission.Submission, error) {
	live, err := s.lookup(learnerID, attemptID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
	defer cancel()
	return live.ctrl.RequestSubmit(ctx)
}

// Abandon tears the session down and frees the learner to start again.
func (s *SessionService) Abandon(learnerID int, attemptID uuid.UUID) error {
	live, err := s.lookup(learnerID, attemptID)
	if err != nil {
		return err
	}
	live.ctrl.Close()
	s.log.Info().Str("attempt_id", attemptID.String()).Int("learner_id", learnerID).Msg("Session abandoned")
	return nil
}

// Shutdown closes every live controller. Used on server shutdown.
func (s *SessionService) Shutdown() {
	s.mu.Lock()
	live := make([]*liveSession, 0, len(s.sessions))
	for _, l := range s.sessions {
		live = append(live, l)
	}
	s.mu.Unlock()

	for _, l := range live {
		l.ctrl.Close()
	}
	s.log.Info().Int("count", len(live)).Msg("Live sessions closed")
}
