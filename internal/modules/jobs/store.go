package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nextconvert/fxstudio/internal/shared/database"
)

// Store persists render records.
type Store interface {
	Create(ctx context.Context, r *Render) error
	Update(ctx context.Context, r *Render) error
	Get(ctx context.Context, id string) (*Render, error)
	List(ctx context.Context, limit int) ([]*Render, error)
}

// Schema creates the render_jobs table.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS render_jobs (
		id            TEXT PRIMARY KEY,
		state         TEXT NOT NULL,
		input         TEXT NOT NULL,
		output_kind   TEXT NOT NULL,
		preview       BOOLEAN NOT NULL DEFAULT FALSE,
		output_path   TEXT NOT NULL,
		output_key    TEXT NOT NULL DEFAULT '',
		audio_filter  TEXT NOT NULL DEFAULT '',
		video_filter  TEXT NOT NULL DEFAULT '',
		percent       DOUBLE PRECISION NOT NULL DEFAULT 0,
		current_ms    BIGINT NOT NULL DEFAULT 0,
		total_ms      BIGINT NOT NULL DEFAULT 0,
		error_code    TEXT,
		error_message TEXT,
		created_at    TIMESTAMPTZ NOT NULL,
		started_at    TIMESTAMPTZ,
		finished_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS render_jobs_created_at_idx ON render_jobs (created_at DESC)`,
}

// PostgresStore keeps render records in PostgreSQL
type PostgresStore struct {
	db *database.Postgres
}

// NewPostgresStore migrates the schema and returns the store.
func NewPostgresStore(ctx context.Context, db *database.Postgres) (*PostgresStore, error) {
	if err := db.Migrate(ctx, Schema...); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

const renderColumns = `id, state, input, output_kind, preview, output_path, output_key,
	audio_filter, video_filter, percent, current_ms, total_ms, error_code, error_message,
	created_at, started_at, finished_at`

// Create inserts a new render record
func (s *PostgresStore) Create(ctx context.Context, r *Render) error {
	code, message := errorColumns(r.Error)
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO render_jobs (`+renderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`, r.ID, r.State, r.Input, r.OutputKind, r.Preview, r.OutputPath, r.OutputKey,
		r.Compiled.AudioFilter, r.Compiled.VideoFilter, r.Percent, r.CurrentMs, r.TotalMs,
		code, message, r.CreatedAt, r.StartedAt, r.FinishedAt)
	return err
}

// Update writes the mutable columns of a render record
func (s *PostgresStore) Update(ctx context.Context, r *Render) error {
	code, message := errorColumns(r.Error)
	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE render_jobs
		SET state = $2, output_key = $3, percent = $4, current_ms = $5, total_ms = $6,
		    error_code = $7, error_message = $8, started_at = $9, finished_at = $10
		WHERE id = $1
	`, r.ID, r.State, r.OutputKey, r.Percent, r.CurrentMs, r.TotalMs,
		code, message, r.StartedAt, r.FinishedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

// Get retrieves a render record by ID
func (s *PostgresStore) Get(ctx context.Context, id string) (*Render, error) {
	row := s.db.Pool.QueryRow(ctx, `SELECT `+renderColumns+` FROM render_jobs WHERE id = $1`, id)
	r, err := scanRender(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return r, err
}

// List returns the newest render records
func (s *PostgresStore) List(ctx context.Context, limit int) ([]*Render, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT `+renderColumns+` FROM render_jobs
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var renders []*Render
	for rows.Next() {
		r, err := scanRender(rows)
		if err != nil {
			return nil, err
		}
		renders = append(renders, r)
	}
	return renders, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRender(row rowScanner) (*Render, error) {
	var (
		r          Render
		code, msg  *string
		startedAt  *time.Time
		finishedAt *time.Time
	)
	err := row.Scan(&r.ID, &r.State, &r.Input, &r.OutputKind, &r.Preview, &r.OutputPath, &r.OutputKey,
		&r.Compiled.AudioFilter, &r.Compiled.VideoFilter, &r.Percent, &r.CurrentMs, &r.TotalMs,
		&code, &msg, &r.CreatedAt, &startedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	if code != nil {
		r.Error = &JobError{Code: *code}
		if msg != nil {
			r.Error.Message = *msg
		}
	}
	r.StartedAt = startedAt
	r.FinishedAt = finishedAt
	return &r, nil
}

func errorColumns(e *JobError) (*string, *string) {
	if e == nil {
		return nil, nil
	}
	return &e.Code, &e.Message
}
