package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-skills/internal/model"
	"github.com/stemsi/exstem-skills/internal/submission"
)

// SQLiteSubmissionRepository persists submissions in a local SQLite file.
// Timestamps are stored as RFC 3339 text.
type SQLiteSubmissionRepository struct {
	db *sql.DB
}

func NewSQLiteSubmissionRepository(db *sql.DB) *SQLiteSubmissionRepository {
	return &SQLiteSubmissionRepository{db: db}
}

func (r *SQLiteSubmissionRepository) Create(ctx context.Context, s *submission.Submission) error {
	answers, err := json.Marshal(s.Answers)
	if err != nil {
		return fmt.Errorf("marshal answers: %w", err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO submissions (id, attempt_id, exercise_id, learner_id, skill, status,
		                          status_raw, forced, answers, result, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.AttemptID.String(), s.ExerciseID.String(), s.LearnerID, string(s.Skill), string(s.Status),
		s.StatusRaw, s.Forced, string(answers), nullableText(s.Result),
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	return err
}

func (r *SQLiteSubmissionRepository) Get(ctx context.Context, id string) (*submission.Submission, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, attempt_id, exercise_id, learner_id, skill, status, status_raw,
		        forced, answers, result, created_at, updated_at
		 FROM submissions WHERE id = ?`, id)

	s, err := scanSQLiteSubmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", submission.ErrNotFound, id)
	}
	return s, err
}

func (r *SQLiteSubmissionRepository) UpdateStatus(ctx context.Context, id string, from, to submission.Status, raw string, result json.RawMessage, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE submissions SET status = ?, status_raw = ?, result = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		string(to), raw, nullableText(result), formatTime(at), id, string(from))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 1 {
		return nil
	}

	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions WHERE id = ?`, id).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", submission.ErrNotFound, id)
	}
	return submission.ErrStaleStatus
}

func (r *SQLiteSubmissionRepository) ListByLearner(ctx context.Context, learnerID, limit int) ([]submission.Submission, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, attempt_id, exercise_id, learner_id, skill, status, status_raw,
		        forced, answers, result, created_at, updated_at
		 FROM submissions WHERE learner_id = ?
		 ORDER BY created_at DESC LIMIT ?`, learnerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []submission.Submission
	for rows.Next() {
		s, err := scanSQLiteSubmission(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *s)
	}
	return subs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSubmission(row rowScanner) (*submission.Submission, error) {
	var (
		s                    submission.Submission
		attemptID, exercise  string
		skill, status        string
		answers              string
		result               sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&s.ID, &attemptID, &exercise, &s.LearnerID, &skill, &status, &s.StatusRaw,
		&s.Forced, &answers, &result, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if s.AttemptID, err = uuid.Parse(attemptID); err != nil {
		return nil, fmt.Errorf("parse attempt_id of %s: %w", s.ID, err)
	}
	if s.ExerciseID, err = uuid.Parse(exercise); err != nil {
		return nil, fmt.Errorf("parse exercise_id of %s: %w", s.ID, err)
	}
	if s.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at of %s: %w", s.ID, err)
	}
	if s.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at of %s: %w", s.ID, err)
	}
	if err := json.Unmarshal([]byte(answers), &s.Answers); err != nil {
		return nil, fmt.Errorf("decode answers of %s: %w", s.ID, err)
	}
	if result.Valid && result.String != "" {
		s.Result = json.RawMessage(result.String)
	}
	s.Skill = model.SkillType(skill)
	s.Status = submission.Status(status)
	return &s, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func nullableText(raw json.RawMessage) sql.NullString {
	if len(raw) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(raw), Valid: true}
}
