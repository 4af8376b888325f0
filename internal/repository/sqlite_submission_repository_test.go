package repository

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-skills/internal/database"
	"github.com/stemsi/exstem-skills/internal/model"
	"github.com/stemsi/exstem-skills/internal/submission"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteRepo(t *testing.T) *SQLiteSubmissionRepository {
	t.Helper()
	db, err := database.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "subs.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteSubmissionRepository(db)
}

func sampleSubmission(id string, learnerID int, at time.Time) *submission.Submission {
	words := 251
	return &submission.Submission{
		ID:         id,
		AttemptID:  uuid.New(),
		ExerciseID: uuid.New(),
		LearnerID:  learnerID,
		Skill:      model.SkillWriting,
		Status:     submission.StatusPending,
		StatusRaw:  "PENDING",
		Answers: []submission.SubmittedAnswer{{
			QuestionID: uuid.New(),
			Kind:       model.AnswerKindText,
			Text:       "essay body",
			WordCount:  &words,
		}},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func TestSQLiteSubmissionRepository_CreateAndGet(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 123000000, time.UTC)
	want := sampleSubmission("sub-1", 7, at)

	require.NoError(t, repo.Create(ctx, want))

	got, err := repo.Get(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, want.AttemptID, got.AttemptID)
	assert.Equal(t, want.ExerciseID, got.ExerciseID)
	assert.Equal(t, submission.StatusPending, got.Status)
	assert.Equal(t, "PENDING", got.StatusRaw)
	assert.False(t, got.Forced)
	assert.True(t, at.Equal(got.CreatedAt))
	require.Len(t, got.Answers, 1)
	assert.Equal(t, 251, *got.Answers[0].WordCount)
	assert.Nil(t, got.Result)

	assert.Error(t, repo.Create(ctx, want))
}

func TestSQLiteSubmissionRepository_GetMissing(t *testing.T) {
	repo := newSQLiteRepo(t)
	_, err := repo.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, submission.ErrNotFound)
}

func TestSQLiteSubmissionRepository_UpdateStatusIsGuarded(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Create(ctx, sampleSubmission("sub-1", 7, at)))

	result := json.RawMessage(`{"band":6.5}`)
	require.NoError(t, repo.UpdateStatus(ctx, "sub-1", submission.StatusPending, submission.StatusCompleted, "COMPLETED", result, at.Add(time.Minute)))

	err := repo.UpdateStatus(ctx, "sub-1", submission.StatusPending, submission.StatusProcessing, "PROCESSING", nil, at.Add(2*time.Minute))
	assert.ErrorIs(t, err, submission.ErrStaleStatus)

	err = repo.UpdateStatus(ctx, "missing", submission.StatusPending, submission.StatusProcessing, "", nil, at)
	assert.ErrorIs(t, err, submission.ErrNotFound)

	got, err := repo.Get(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, submission.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"band":6.5}`, string(got.Result))
	assert.True(t, at.Add(time.Minute).Equal(got.UpdatedAt))
}

func TestSQLiteSubmissionRepository_ListByLearner(t *testing.T) {
	repo := newSQLiteRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Create(ctx, sampleSubmission("a", 7, base)))
	require.NoError(t, repo.Create(ctx, sampleSubmission("b", 7, base.Add(time.Hour))))
	require.NoError(t, repo.Create(ctx, sampleSubmission("c", 8, base)))

	subs, err := repo.ListByLearner(ctx, 7, 10)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "b", subs[0].ID)
	assert.Equal(t, "a", subs[1].ID)
}

func TestSubmissionStores_SatisfyPipelineStore(t *testing.T) {
	var _ submission.Store = (*SQLiteSubmissionRepository)(nil)
	var _ submission.Store = (*SubmissionRepository)(nil)
}
