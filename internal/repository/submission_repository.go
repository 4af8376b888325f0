package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-skills/internal/submission"
)

// SubmissionRepository persists submissions in PostgreSQL.
type SubmissionRepository struct {
	pool *pgxpool.Pool
}

// NewSubmissionRepository creates a new SubmissionRepository.
func NewSubmissionRepository(pool *pgxpool.Pool) *SubmissionRepository {
	return &SubmissionRepository{pool: pool}
}

// Create inserts a new submission.
func (r *SubmissionRepository) Create(ctx context.Context, s *submission.Submission) error {
	answers, err := json.Marshal(s.Answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO submissions (id, attempt_id, exercise_id, learner_id, skill, status,
		                          status_raw, forced, answers, result, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		s.ID, s.AttemptID, s.ExerciseID, s.LearnerID, s.Skill, s.Status,
		s.StatusRaw, s.Forced, answers, nullableJSON(s.Result), s.CreatedAt, s.UpdatedAt)
	return err
}

// Get retrieves a submission by its evaluation-service ID.
func (r *SubmissionRepository) Get(ctx context.Context, id string) (*submission.Submission, error) {
	s := &submission.Submission{}
	var answers, result []byte
	err := r.pool.QueryRow(ctx,
		`SELECT id, attempt_id, exercise_id, learner_id, skill, status, status_raw,
		        forced, answers, result, created_at, updated_at
		 FROM submissions WHERE id = $1`, id,
	).Scan(&s.ID, &s.AttemptID, &s.ExerciseID, &s.LearnerID, &s.Skill, &s.Status, &s.StatusRaw,
		&s.Forced, &answers, &result, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", submission.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(answers, &s.Answers); err != nil {
		return nil, fmt.Errorf("decode answers of %s: %w", id, err)
	}
	if len(result) > 0 {
		s.Result = json.RawMessage(result)
	}
	return s, nil
}

// UpdateStatus moves a submission from one status to another. It returns
// submission.ErrStaleStatus when the stored status is no longer from.
func (r *SubmissionRepository) UpdateStatus(ctx context.Context, id string, from, to submission.Status, raw string, result json.RawMessage, at time.Time) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE submissions
		 SET status = $1, status_raw = $2, result = $3, updated_at = $4
		 WHERE id = $5 AND status = $6`,
		to, raw, nullableJSON(result), at, id, from)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM submissions WHERE id = $1)`, id,
	).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", submission.ErrNotFound, id)
	}
	return submission.ErrStaleStatus
}

// ListByLearner returns a learner's most recent submissions.
func (r *SubmissionRepository) ListByLearner(ctx context.Context, learnerID, limit int) ([]submission.Submission, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, attempt_id, exercise_id, learner_id, skill, status, status_raw,
		        forced, created_at, updated_at
		 FROM submissions WHERE learner_id = $1
		 ORDER BY created_at DESC LIMIT $2`, learnerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []submission.Submission
	for rows.Next() {
		var s submission.Submission
		if err := rows.Scan(&s.ID, &s.AttemptID, &s.ExerciseID, &s.LearnerID, &s.Skill, &s.Status,
			&s.StatusRaw, &s.Forced, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
