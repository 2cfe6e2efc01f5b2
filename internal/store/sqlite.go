package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/errs"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

// SQLiteStore implements Store on an embedded SQLite database. Timestamps
// are stored as Unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

type migration struct {
	Version string
	Up      string
}

var sqliteMigrations = []migration{
	{
		Version: "001_initial",
		Up: `
CREATE TABLE backup_jobs (
	id                 TEXT PRIMARY KEY,
	strategy_name      TEXT NOT NULL,
	strategy_type      TEXT NOT NULL,
	status             TEXT NOT NULL,
	started_at         INTEGER NOT NULL,
	completed_at       INTEGER,
	artifact_ref       TEXT NOT NULL DEFAULT '',
	size_bytes         INTEGER NOT NULL DEFAULT 0,
	checksum           TEXT NOT NULL DEFAULT '',
	error              TEXT NOT NULL DEFAULT '',
	attempts           INTEGER NOT NULL DEFAULT 0,
	artifact_purged_at INTEGER
);
CREATE INDEX idx_backup_jobs_strategy ON backup_jobs(strategy_name, started_at DESC);

CREATE TABLE backup_strategies (
	name        TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	schedule    TEXT NOT NULL DEFAULT '',
	max_count   INTEGER NOT NULL DEFAULT 0,
	max_age_ns  INTEGER NOT NULL DEFAULT 0,
	allow_empty INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE failover_plans (
	id   TEXT PRIMARY KEY,
	body TEXT NOT NULL
);

CREATE TABLE failover_status (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	body TEXT NOT NULL
);`,
	},
}

// OpenSQLite opens (creating if needed) the database at path and applies
// pending migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: failed to create database directory: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to resolve database path: %w", err)
	}
	absPath = strings.ReplaceAll(absPath, "\\", "/")
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", absPath)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}
	// A single writer connection serialises transactions.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: failed to ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS migrations (
			version    TEXT PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`); err != nil {
		return fmt.Errorf("sqlite: create migrations table: %w", err)
	}

	for _, m := range sqliteMigrations {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM migrations WHERE version = ?`, m.Version).Scan(&exists)
		if err != nil {
			return fmt.Errorf("sqlite: check migration %s: %w", m.Version, err)
		}
		if exists > 0 {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
		}
		if _, err := tx.ExecContext(ctx, m.Up); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite: failed to execute migration %s: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO migrations (version, applied_at) VALUES (?, ?)`,
			m.Version, time.Now().UnixNano()); err != nil {
			tx.Rollback()
			return fmt.Errorf("sqlite: failed to record migration %s: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("sqlite: failed to commit migration %s: %w", m.Version, err)
		}
	}
	return nil
}

func (s *SQLiteStore) SaveJob(ctx context.Context, job *models.BackupJob) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_jobs (`+jobCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT (id) DO UPDATE SET
			status=excluded.status, completed_at=excluded.completed_at,
			artifact_ref=excluded.artifact_ref, size_bytes=excluded.size_bytes,
			checksum=excluded.checksum, error=excluded.error, attempts=excluded.attempts
		WHERE backup_jobs.status IN ('pending', 'running')`,
		job.ID, job.StrategyName, string(job.StrategyType), string(job.Status),
		job.StartedAt.UnixNano(), nullableTime(job.CompletedAt), job.ArtifactRef, job.SizeBytes,
		job.Checksum, job.Error, job.Attempts, nullableTime(job.ArtifactPurgedAt))
	if err != nil {
		return fmt.Errorf("sqlite: save job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errs.Conflict("sqlite: job %s is already terminal", job.ID)
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*models.BackupJob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM backup_jobs WHERE id = ?`, id)
	return scanSQLiteJob(row)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, strategy string) ([]*models.BackupJob, error) {
	query := `SELECT ` + jobCols + ` FROM backup_jobs`
	var args []any
	if strategy != "" {
		query += ` WHERE strategy_name = ?`
		args = append(args, strategy)
	}
	query += ` ORDER BY started_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.BackupJob
	for rows.Next() {
		job, scanErr := scanSQLiteJob(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *SQLiteStore) MarkArtifactPurged(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE backup_jobs SET artifact_purged_at = COALESCE(artifact_purged_at, ?) WHERE id = ?`,
		at.UnixNano(), id)
	if err != nil {
		return fmt.Errorf("sqlite: mark purged: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errs.NotFound("sqlite: job %q", id)
	}
	return nil
}

func (s *SQLiteStore) SaveStrategy(ctx context.Context, st *models.BackupStrategy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backup_strategies (`+strategyCols+`)
		VALUES (?,?,?,?,?,?,?,?)
		ON CONFLICT (name) DO UPDATE SET
			type=excluded.type, schedule=excluded.schedule, max_count=excluded.max_count,
			max_age_ns=excluded.max_age_ns, allow_empty=excluded.allow_empty,
			updated_at=excluded.updated_at`,
		st.Name, string(st.Type), st.Schedule, st.Retention.MaxCount, int64(st.Retention.MaxAge),
		st.Retention.AllowEmpty, st.CreatedAt.UnixNano(), st.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: save strategy: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteStrategy(ctx context.Context, name string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM backup_strategies WHERE name = ?`, name); err != nil {
		return fmt.Errorf("sqlite: delete strategy: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListStrategies(ctx context.Context) ([]*models.BackupStrategy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+strategyCols+` FROM backup_strategies ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list strategies: %w", err)
	}
	defer rows.Close()

	var out []*models.BackupStrategy
	for rows.Next() {
		var (
			st               models.BackupStrategy
			typ              string
			maxAge           int64
			created, updated int64
		)
		if err := rows.Scan(&st.Name, &typ, &st.Schedule, &st.Retention.MaxCount, &maxAge,
			&st.Retention.AllowEmpty, &created, &updated); err != nil {
			return nil, fmt.Errorf("sqlite: scan strategy: %w", err)
		}
		st.Type = models.StrategyType(typ)
		st.Retention.MaxAge = models.Duration(maxAge)
		st.CreatedAt = time.Unix(0, created).UTC()
		st.UpdatedAt = time.Unix(0, updated).UTC()
		out = append(out, &st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SavePlan(ctx context.Context, p *models.FailoverPlan) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("sqlite: marshal plan: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO failover_plans (id, body) VALUES (?, ?)
		ON CONFLICT (id) DO UPDATE SET body = excluded.body`, p.ID, string(body))
	if err != nil {
		return fmt.Errorf("sqlite: save plan: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListPlans(ctx context.Context) ([]*models.FailoverPlan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM failover_plans ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list plans: %w", err)
	}
	defer rows.Close()

	var out []*models.FailoverPlan
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("sqlite: scan plan: %w", err)
		}
		var p models.FailoverPlan
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			return nil, fmt.Errorf("sqlite: decode plan: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveFailoverStatus(ctx context.Context, st *models.FailoverStatus) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("sqlite: marshal failover status: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO failover_status (id, body) VALUES (1, ?)
		ON CONFLICT (id) DO UPDATE SET body = excluded.body`, string(body))
	if err != nil {
		return fmt.Errorf("sqlite: save failover status: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadFailoverStatus(ctx context.Context) (*models.FailoverStatus, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM failover_status WHERE id = 1`).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("sqlite: failover status")
		}
		return nil, fmt.Errorf("sqlite: load failover status: %w", err)
	}
	var st models.FailoverStatus
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		return nil, fmt.Errorf("sqlite: decode failover status: %w", err)
	}
	return &st, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanSQLiteJob(s scannable) (*models.BackupJob, error) {
	var (
		job                 models.BackupJob
		typ, status         string
		started             int64
		completed, purgedAt sql.NullInt64
	)
	err := s.Scan(
		&job.ID, &job.StrategyName, &typ, &status, &started, &completed,
		&job.ArtifactRef, &job.SizeBytes, &job.Checksum, &job.Error, &job.Attempts, &purgedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errs.NotFound("sqlite: job not found")
		}
		return nil, fmt.Errorf("sqlite: scan job: %w", err)
	}
	job.StrategyType = models.StrategyType(typ)
	job.Status = models.JobStatus(status)
	job.StartedAt = time.Unix(0, started).UTC()
	job.CompletedAt = fromNullable(completed)
	job.ArtifactPurgedAt = fromNullable(purgedAt)
	return &job, nil
}

func nullableTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullable(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
