package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kalambet/reel/internal/video"
)

// PostgresStore is the PostgreSQL-backed job store.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// OpenPostgres connects to databaseURL and runs pending migrations.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	// Postgres keeps microsecond precision; truncate so returned records
	// match what a later read yields.
	s := &PostgresStore{pool: pool, now: func() time.Time { return time.Now().Truncate(time.Microsecond) }}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close releases all pooled connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	migrations, err := loadMigrations("postgres")
	if err != nil {
		return err
	}

	for _, m := range migrations {
		var exists int
		if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM schema_version WHERE version = $1`, m.version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", m.version, err)
		}
		if exists > 0 {
			continue
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, m.sql); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("applying migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, m.version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Insert persists a new job with a generated id.
func (s *PostgresStore) Insert(ctx context.Context, d Draft) (video.Job, error) {
	j, err := newJob(uuid.New().String(), d, s.now())
	if err != nil {
		return video.Job{}, err
	}
	params, content, err := encodeRecord(j)
	if err != nil {
		return video.Job{}, err
	}

	_, err = s.pool.Exec(ctx, `
INSERT INTO video_jobs (`+jobColumns+`)
VALUES ($1, $2, $3::jsonb, $4, $5, $6::jsonb, $7, $8, $9, $10);
`,
		j.ID, j.Prompt, params, j.RemoteJobID, string(j.Status), content, j.ErrorMessage,
		j.ContentReadyAt, j.CreatedAt, j.UpdatedAt,
	)
	if err != nil {
		return video.Job{}, fmt.Errorf("inserting job: %w", err)
	}
	return j, nil
}

// Get returns the job with id, or ErrNotFound.
func (s *PostgresStore) Get(ctx context.Context, id string) (video.Job, error) {
	return scanPGJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM video_jobs WHERE id = $1`, id))
}

// ListAll returns every job, most recent first.
func (s *PostgresStore) ListAll(ctx context.Context) ([]video.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM video_jobs ORDER BY created_at DESC, seq DESC`)
}

// ListPending returns jobs that have not reached a terminal status.
func (s *PostgresStore) ListPending(ctx context.Context) ([]video.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM video_jobs WHERE status = ANY($1) ORDER BY created_at ASC, seq ASC`, pendingStatuses)
}

// Update merges p into the stored job. The row is locked with SELECT ... FOR
// UPDATE so concurrent writers to the same job serialize.
func (s *PostgresStore) Update(ctx context.Context, id string, p Patch) (video.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return video.Job{}, fmt.Errorf("beginning update transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	current, err := scanPGJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM video_jobs WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return video.Job{}, err
	}

	next, err := p.apply(current, s.now())
	if err != nil {
		return video.Job{}, err
	}
	params, content, err := encodeRecord(next)
	if err != nil {
		return video.Job{}, err
	}

	_, err = tx.Exec(ctx, `
UPDATE video_jobs
SET params_json = $2::jsonb,
    status = $3,
    content_json = $4::jsonb,
    error_message = $5,
    content_ready_at = $6,
    updated_at = $7
WHERE id = $1;
`, id, params, string(next.Status), content, next.ErrorMessage, next.ContentReadyAt, next.UpdatedAt)
	if err != nil {
		return video.Job{}, fmt.Errorf("updating job %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return video.Job{}, fmt.Errorf("committing update: %w", err)
	}
	return next, nil
}

func (s *PostgresStore) list(ctx context.Context, query string, args ...any) ([]video.Job, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []video.Job{}
	for rows.Next() {
		j, err := scanPGJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanPGJob(row pgx.Row) (video.Job, error) {
	var (
		j               video.Job
		status          string
		params, content []byte
		readyAt         *time.Time
	)
	err := row.Scan(&j.ID, &j.Prompt, &params, &j.RemoteJobID, &status, &content, &j.ErrorMessage, &readyAt, &j.CreatedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return video.Job{}, ErrNotFound
	}
	if err != nil {
		return video.Job{}, err
	}
	j.Status = video.Status(status)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	if readyAt != nil {
		t := readyAt.UTC()
		j.ContentReadyAt = &t
	}
	if err := decodeRecord(&j, params, content); err != nil {
		return video.Job{}, err
	}
	return j, nil
}
