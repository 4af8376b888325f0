package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-skills/internal/config"
	"github.com/stemsi/exstem-skills/internal/model"
	"github.com/stemsi/exstem-skills/internal/submission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyStore struct {
	*submission.MemoryStore
	failures int
}

func (s *flakyStore) Create(ctx context.Context, sub *submission.Submission) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("connection reset")
	}
	return s.MemoryStore.Create(ctx, sub)
}

func TestQueueingStore_RetriesFailedCreate(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()
	backing := &flakyStore{MemoryStore: submission.NewMemoryStore(), failures: 1}
	store := NewQueueingStore(backing, rdb, zerolog.Nop())

	sub := &submission.Submission{
		ID:         "sub-1",
		AttemptID:  uuid.New(),
		ExerciseID: uuid.New(),
		LearnerID:  3,
		Skill:      model.SkillSpeaking,
		Status:     submission.StatusPending,
		StatusRaw:  "QUEUED",
		CreatedAt:  time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.Create(ctx, sub))

	queued, err := mr.List(config.WorkerKey.PersistSubmissionsQueue)
	require.NoError(t, err)
	assert.Len(t, queued, 1)

	_, err = store.Get(ctx, "sub-1")
	assert.ErrorIs(t, err, submission.ErrNotFound)

	w := NewPersistWorker(backing, rdb, zerolog.Nop())
	w.processNext(ctx)

	got, err := store.Get(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "QUEUED", got.StatusRaw)
	assert.Equal(t, submission.StatusPending, got.Status)
	assert.False(t, mr.Exists(config.WorkerKey.PersistSubmissionsQueue))
}

func TestPersistWorker_DrainOnShutdown(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()
	backing := &flakyStore{MemoryStore: submission.NewMemoryStore(), failures: 2}
	store := NewQueueingStore(backing, rdb, zerolog.Nop())

	require.NoError(t, store.Create(ctx, &submission.Submission{ID: "a", Status: submission.StatusPending}))
	require.NoError(t, store.Create(ctx, &submission.Submission{ID: "b", Status: submission.StatusPending}))

	w := NewPersistWorker(backing, rdb, zerolog.Nop())
	stopped, cancel := context.WithCancel(ctx)
	cancel()
	w.Start(stopped)

	for _, id := range []string{"a", "b"} {
		_, err := backing.Get(ctx, id)
		assert.NoError(t, err, id)
	}
}
