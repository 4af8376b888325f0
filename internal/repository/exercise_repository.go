package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-skills/internal/model"
)

var ErrExerciseNotFound = errors.New("exercise not found")

// ExerciseRepository reads exercises with their sections and questions.
type ExerciseRepository struct {
	pool *pgxpool.Pool
}

// NewExerciseRepository creates a new ExerciseRepository.
func NewExerciseRepository(pool *pgxpool.Pool) *ExerciseRepository {
	return &ExerciseRepository{pool: pool}
}

// GetByID retrieves an exercise with its ordered sections and questions.
func (r *ExerciseRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Exercise, error) {
	e := &model.Exercise{}
	err := r.pool.QueryRow(ctx,
		`SELECT id, title, skill, time_limit_seconds, status, created_at, updated_at
		 FROM exercises WHERE id = $1`, id,
	).Scan(&e.ID, &e.Title, &e.Skill, &e.TimeLimitSeconds, &e.Status, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrExerciseNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	sections, err := r.loadSections(ctx, id)
	if err != nil {
		return nil, err
	}
	e.Sections = sections
	return e, nil
}

func (r *ExerciseRepository) loadSections(ctx context.Context, exerciseID uuid.UUID) ([]model.Section, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT s.id, s.title, s.order_num,
		        q.id, q.question_type, COALESCE(q.task_type, ''), q.prompt, q.options, q.order_num
		 FROM exercise_sections s
		 LEFT JOIN exercise_questions q ON q.section_id = s.id
		 WHERE s.exercise_id = $1
		 ORDER BY s.order_num, q.order_num`, exerciseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sections []model.Section
	for rows.Next() {
		var (
			s        model.Section
			qID      *uuid.UUID
			qType    *string
			taskType string
			prompt   *string
			q        model.Question
			qOrder   *int
		)
		if err := rows.Scan(&s.ID, &s.Title, &s.OrderNum,
			&qID, &qType, &taskType, &prompt, &q.Options, &qOrder); err != nil {
			return nil, err
		}

		if n := len(sections); n == 0 || sections[n-1].ID != s.ID {
			s.Questions = []model.Question{}
			sections = append(sections, s)
		}
		if qID == nil {
			continue
		}

		q.ID = *qID
		q.SectionID = s.ID
		q.QuestionType = model.QuestionType(*qType)
		q.TaskType = model.TaskType(taskType)
		q.Prompt = *prompt
		q.OrderNum = *qOrder
		last := &sections[len(sections)-1]
		last.Questions = append(last.Questions, q)
	}
	return sections, rows.Err()
}

// ListPublished returns all exercises with PUBLISHED status, without content.
// Used for cache prewarming on application startup.
func (r *ExerciseRepository) ListPublished(ctx context.Context) ([]model.Exercise, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, title, skill, time_limit_seconds, status, created_at, updated_at
		 FROM exercises WHERE status = $1
		 ORDER BY created_at DESC`, model.ExerciseStatusPublished)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exercises []model.Exercise
	for rows.Next() {
		var e model.Exercise
		if err := rows.Scan(&e.ID, &e.Title, &e.Skill, &e.TimeLimitSeconds, &e.Status,
			&e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		exercises = append(exercises, e)
	}
	return exercises, rows.Err()
}

// Create inserts an exercise with its sections and questions in one
// transaction, filling in the generated IDs.
func (r *ExerciseRepository) Create(ctx context.Context, e *model.Exercise) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := tx.QueryRow(ctx,
		`INSERT INTO exercises (title, skill, time_limit_seconds, status)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, created_at, updated_at`,
		e.Title, e.Skill, e.TimeLimitSeconds, e.Status,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return fmt.Errorf("insert exercise: %w", err)
	}

	for i := range e.Sections {
		s := &e.Sections[i]
		if err := tx.QueryRow(ctx,
			`INSERT INTO exercise_sections (exercise_id, title, order_num)
			 VALUES ($1, $2, $3) RETURNING id`,
			e.ID, s.Title, s.OrderNum,
		).Scan(&s.ID); err != nil {
			return fmt.Errorf("insert section %q: %w", s.Title, err)
		}

		for j := range s.Questions {
			q := &s.Questions[j]
			q.SectionID = s.ID
			var taskType *string
			if q.TaskType != "" {
				t := string(q.TaskType)
				taskType = &t
			}
			if err := tx.QueryRow(ctx,
				`INSERT INTO exercise_questions (section_id, question_type, task_type, prompt, options, order_num)
				 VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
				s.ID, q.QuestionType, taskType, q.Prompt, q.Options, q.OrderNum,
			).Scan(&q.ID); err != nil {
				return fmt.Errorf("insert question %d of %q: %w", q.OrderNum, s.Title, err)
			}
		}
	}

	return tx.Commit(ctx)
}
