package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-skills/internal/config"
	"github.com/stemsi/exstem-skills/internal/model"
)

// Domain Errors
var (
	ErrNoQuestions          = errors.New("exercise has no questions")
	ErrExerciseNotPublished = errors.New("exercise status is not PUBLISHED")
)

const exercisePayloadTTL = 6 * time.Hour

// ExerciseSource is the exercise data source.
type ExerciseSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Exercise, error)
	ListPublished(ctx context.Context) ([]model.Exercise, error)
}

// ExerciseService serves published exercises through a Redis cache.
type ExerciseService struct {
	source ExerciseSource
	rdb    *redis.Client
	log    zerolog.Logger
}

// NewExerciseService creates a new ExerciseService.
func NewExerciseService(source ExerciseSource, rdb *redis.Client, log zerolog.Logger) *ExerciseService {
	return &ExerciseService{
		source: source,
		rdb:    rdb,
		log:    log.With().Str("component", "exercise_service").Logger(),
	}
}

// GetPublished returns a published exercise with its questions. Cache misses
// and cache errors fall back to the data source.
func (s *ExerciseService) GetPublished(ctx context.Context, id uuid.UUID) (*model.Exercise, error) {
	key := config.CacheKey.ExercisePayloadKey(id.String())
	data, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var ex model.Exercise
		if err := json.Unmarshal(data, &ex); err == nil {
			return &ex, nil
		}
		s.log.Warn().Str("exercise_id", id.String()).Msg("Corrupt cached payload, reloading")
	case !errors.Is(err, redis.Nil):
		s.log.Warn().Err(err).Str("exercise_id", id.String()).Msg("Cache read failed")
	}

	ex, err := s.source.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.WarmExerciseCache(ctx, ex); err != nil {
		if errors.Is(err, ErrExerciseNotPublished) || errors.Is(err, ErrNoQuestions) {
			return nil, err
		}
		s.log.Warn().Err(err).Str("exercise_id", id.String()).Msg("Cache write failed")
	}
	return ex, nil
}

// WarmExerciseCache stores a published exercise's payload in Redis.
func (s *ExerciseService) WarmExerciseCache(ctx context.Context, ex *model.Exercise) error {
	if ex.Status != model.ExerciseStatusPublished {
		return fmt.Errorf("%w: %s", ErrExerciseNotPublished, ex.Status)
	}
	if ex.QuestionCount() == 0 {
		return ErrNoQuestions
	}

	payload, err := json.Marshal(ex)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := s.rdb.Set(ctx, config.CacheKey.ExercisePayloadKey(ex.ID.String()), payload, exercisePayloadTTL).Err(); err != nil {
		return fmt.Errorf("cache to redis: %w", err)
	}

	s.log.Debug().
		Str("exercise_id", ex.ID.String()).
		Int("questions", ex.QuestionCount()).
		Msg("Cache warmed")
	return nil
}

// PrewarmAllCaches loads all published exercises into Redis on startup.
func (s *ExerciseService) PrewarmAllCaches(ctx context.Context) error {
	headers, err := s.source.ListPublished(ctx)
	if err != nil {
		return fmt.Errorf("list published exercises: %w", err)
	}
	if len(headers) == 0 {
		s.log.Info().Msg("No published exercises to prewarm")
		return nil
	}

	warmed := 0
	for _, h := range headers {
		ex, err := s.source.GetByID(ctx, h.ID)
		if err == nil {
			err = s.WarmExerciseCache(ctx, ex)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("exercise_id", h.ID.String()).Msg("Failed to warm exercise, skipping")
			continue
		}
		warmed++
	}

	s.log.Info().Int("warmed", warmed).Int("total", len(headers)).Msg("Prewarming complete")
	return nil
}
