package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/kalambet/reel/internal/video"
)

const jobColumns = `id, prompt, params_json, remote_job_id, status, content_json, error_message, content_ready_at, created_at, updated_at`

// Store is the SQLite-backed job store.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "reel.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// A single connection serializes every transaction, so read-modify-write
	// in Update cannot interleave with another writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded migrations that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	migrations, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}

	for _, m := range migrations {
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", m.version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", m.version, err)
		}
		if exists > 0 {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", m.version, err)
		}
	}

	return nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// Insert persists a new job with a generated id.
func (s *Store) Insert(ctx context.Context, d Draft) (video.Job, error) {
	j, err := newJob(uuid.New().String(), d, s.now())
	if err != nil {
		return video.Job{}, err
	}
	params, content, err := encodeRecord(j)
	if err != nil {
		return video.Job{}, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO video_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Prompt, params, j.RemoteJobID, string(j.Status), content, j.ErrorMessage,
		nullableTime(j.ContentReadyAt), formatTime(j.CreatedAt), formatTime(j.UpdatedAt),
	)
	if err != nil {
		return video.Job{}, fmt.Errorf("inserting job: %w", err)
	}
	return j, nil
}

// Get returns the job with id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (video.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM video_jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListAll returns every job, most recent first.
func (s *Store) ListAll(ctx context.Context) ([]video.Job, error) {
	return s.list(ctx, `SELECT `+jobColumns+` FROM video_jobs ORDER BY created_at DESC, seq DESC`)
}

// ListPending returns jobs that have not reached a terminal status.
func (s *Store) ListPending(ctx context.Context) ([]video.Job, error) {
	placeholders := strings.Repeat(",?", len(pendingStatuses)-1)
	args := make([]any, 0, len(pendingStatuses))
	for _, st := range pendingStatuses {
		args = append(args, st)
	}
	return s.list(ctx, `SELECT `+jobColumns+` FROM video_jobs
		WHERE status IN (?`+placeholders+`)
		ORDER BY created_at ASC, seq ASC`, args...)
}

// Update merges p into the stored job inside one transaction and returns the
// result. An empty patch only bumps updated_at.
func (s *Store) Update(ctx context.Context, id string, p Patch) (video.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return video.Job{}, fmt.Errorf("beginning update transaction: %w", err)
	}
	defer tx.Rollback()

	current, err := scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM video_jobs WHERE id = ?`, id))
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

	_, err = tx.ExecContext(ctx, `
		UPDATE video_jobs
		SET params_json = ?, status = ?, content_json = ?, error_message = ?, content_ready_at = ?, updated_at = ?
		WHERE id = ?`,
		params, string(next.Status), content, next.ErrorMessage,
		nullableTime(next.ContentReadyAt), formatTime(next.UpdatedAt), id,
	)
	if err != nil {
		return video.Job{}, fmt.Errorf("updating job %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return video.Job{}, fmt.Errorf("committing update: %w", err)
	}
	return next, nil
}

func (s *Store) list(ctx context.Context, query string, args ...any) ([]video.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	jobs := []video.Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (video.Job, error) {
	var (
		j                    video.Job
		status               string
		params, content      string
		readyAt              sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&j.ID, &j.Prompt, &params, &j.RemoteJobID, &status, &content, &j.ErrorMessage, &readyAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return video.Job{}, ErrNotFound
	}
	if err != nil {
		return video.Job{}, err
	}
	j.Status = video.Status(status)
	if err := decodeRecord(&j, []byte(params), []byte(content)); err != nil {
		return video.Job{}, err
	}
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return video.Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return video.Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	if readyAt.Valid && readyAt.String != "" {
		t, err := parseTime(readyAt.String)
		if err != nil {
			return video.Job{}, fmt.Errorf("parsing content_ready_at for job %s: %w", j.ID, err)
		}
		j.ContentReadyAt = &t
	}
	return j, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
