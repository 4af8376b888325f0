package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS submissions (
    id          TEXT PRIMARY KEY,
    attempt_id  TEXT    NOT NULL,
    exercise_id TEXT    NOT NULL,
    learner_id  INTEGER NOT NULL,
    skill       TEXT    NOT NULL,
    status      TEXT    NOT NULL,
    status_raw  TEXT    NOT NULL DEFAULT '',
    forced      INTEGER NOT NULL DEFAULT 0,
    answers     TEXT    NOT NULL DEFAULT '[]',
    result      TEXT,
    created_at  TEXT    NOT NULL,
    updated_at  TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_submissions_learner ON submissions (learner_id, created_at);
`

// NewSQLite opens the SQLite submission database at path and creates its
// schema.
func NewSQLite(ctx context.Context, path string, log zerolog.Logger) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// sqlite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("bootstrap sqlite schema: %w", err)
	}

	log.Info().Str("path", path).Msg("SQLite connected")
	return db, nil
}
