package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/errs"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

// PgStore implements Store using PostgreSQL via pgxpool.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore wraps an existing pool.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// OpenPostgres connects to dsn, verifies the connection and applies the
// schema.
func OpenPostgres(ctx context.Context, dsn string) (*PgStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parsing database config: %w", err)
	}
	config.MaxConns = 10
	config.MinConns = 1
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("pgstore: creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: pinging database: %w", err)
	}
	s := NewPgStore(pool)
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// migrationLockID keeps concurrent replicas from racing on DDL.
const migrationLockID int64 = 0x4F43_4F05

const pgSchema = `
CREATE TABLE IF NOT EXISTS backup_jobs (
	id                 TEXT PRIMARY KEY,
	strategy_name      TEXT NOT NULL,
	strategy_type      TEXT NOT NULL,
	status             TEXT NOT NULL,
	started_at         TIMESTAMPTZ NOT NULL,
	completed_at       TIMESTAMPTZ,
	artifact_ref       TEXT NOT NULL DEFAULT '',
	size_bytes         BIGINT NOT NULL DEFAULT 0,
	checksum           TEXT NOT NULL DEFAULT '',
	error              TEXT NOT NULL DEFAULT '',
	attempts           INTEGER NOT NULL DEFAULT 0,
	artifact_purged_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_backup_jobs_strategy ON backup_jobs(strategy_name, started_at DESC);

CREATE TABLE IF NOT EXISTS backup_strategies (
	name        TEXT PRIMARY KEY,
	type        TEXT NOT NULL,
	schedule    TEXT NOT NULL DEFAULT '',
	max_count   INTEGER NOT NULL DEFAULT 0,
	max_age_ns  BIGINT NOT NULL DEFAULT 0,
	allow_empty BOOLEAN NOT NULL DEFAULT FALSE,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS failover_plans (
	id   TEXT PRIMARY KEY,
	body JSONB NOT NULL
);

CREATE TABLE IF NOT EXISTS failover_status (
	id   SMALLINT PRIMARY KEY CHECK (id = 1),
	body JSONB NOT NULL
);
`

// Migrate creates the schema under an advisory lock.
func (s *PgStore) Migrate(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("pgstore: acquiring connection for migration: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("pgstore: acquiring migration lock: %w", err)
	}
	defer conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockID)

	if _, err := conn.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("pgstore: running migrations: %w", err)
	}
	return nil
}

// SaveJob upserts a job. The update only applies while the stored row is
// still pending or running.
func (s *PgStore) SaveJob(ctx context.Context, job *models.BackupJob) error {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO backup_jobs (`+jobCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			status=$4, completed_at=$6, artifact_ref=$7, size_bytes=$8,
			checksum=$9, error=$10, attempts=$11
		WHERE backup_jobs.status IN ('pending', 'running')`,
		job.ID, job.StrategyName, string(job.StrategyType), string(job.Status),
		job.StartedAt, job.CompletedAt, job.ArtifactRef, job.SizeBytes,
		job.Checksum, job.Error, job.Attempts, job.ArtifactPurgedAt)
	if err != nil {
		return fmt.Errorf("pgstore: save job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.Conflict("pgstore: job %s is already terminal", job.ID)
	}
	return nil
}

func (s *PgStore) GetJob(ctx context.Context, id string) (*models.BackupJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobCols+` FROM backup_jobs WHERE id = $1`, id)
	return scanPgJob(row)
}

func (s *PgStore) ListJobs(ctx context.Context, strategy string) ([]*models.BackupJob, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if strategy == "" {
		rows, err = s.pool.Query(ctx,
			`SELECT `+jobCols+` FROM backup_jobs ORDER BY started_at DESC, id DESC`)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+jobCols+` FROM backup_jobs WHERE strategy_name = $1 ORDER BY started_at DESC, id DESC`,
			strategy)
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.BackupJob
	for rows.Next() {
		job, scanErr := scanPgJob(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *PgStore) MarkArtifactPurged(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE backup_jobs SET artifact_purged_at = COALESCE(artifact_purged_at, $2) WHERE id = $1`,
		id, at)
	if err != nil {
		return fmt.Errorf("pgstore: mark purged: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return errs.NotFound("pgstore: job %q", id)
	}
	return nil
}

func (s *PgStore) SaveStrategy(ctx context.Context, st *models.BackupStrategy) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO backup_strategies (`+strategyCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (name) DO UPDATE SET
			type=$2, schedule=$3, max_count=$4, max_age_ns=$5,
			allow_empty=$6, updated_at=$8`,
		st.Name, string(st.Type), st.Schedule, st.Retention.MaxCount,
		int64(st.Retention.MaxAge), st.Retention.AllowEmpty, st.CreatedAt, st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("pgstore: save strategy: %w", err)
	}
	return nil
}

func (s *PgStore) DeleteStrategy(ctx context.Context, name string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM backup_strategies WHERE name = $1`, name); err != nil {
		return fmt.Errorf("pgstore: delete strategy: %w", err)
	}
	return nil
}

func (s *PgStore) ListStrategies(ctx context.Context) ([]*models.BackupStrategy, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+strategyCols+` FROM backup_strategies ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list strategies: %w", err)
	}
	defer rows.Close()

	var out []*models.BackupStrategy
	for rows.Next() {
		var (
			st     models.BackupStrategy
			typ    string
			maxAge int64
		)
		if err := rows.Scan(&st.Name, &typ, &st.Schedule, &st.Retention.MaxCount,
			&maxAge, &st.Retention.AllowEmpty, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, fmt.Errorf("pgstore: scan strategy: %w", err)
		}
		st.Type = models.StrategyType(typ)
		st.Retention.MaxAge = models.Duration(maxAge)
		out = append(out, &st)
	}
	return out, rows.Err()
}

func (s *PgStore) SavePlan(ctx context.Context, p *models.FailoverPlan) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("pgstore: marshal plan: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO failover_plans (id, body) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET body = $2`, p.ID, body)
	if err != nil {
		return fmt.Errorf("pgstore: save plan: %w", err)
	}
	return nil
}

func (s *PgStore) ListPlans(ctx context.Context) ([]*models.FailoverPlan, error) {
	rows, err := s.pool.Query(ctx, `SELECT body FROM failover_plans ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("pgstore: list plans: %w", err)
	}
	defer rows.Close()

	var out []*models.FailoverPlan
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("pgstore: scan plan: %w", err)
		}
		var p models.FailoverPlan
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, fmt.Errorf("pgstore: decode plan: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *PgStore) SaveFailoverStatus(ctx context.Context, st *models.FailoverStatus) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("pgstore: marshal failover status: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO failover_status (id, body) VALUES (1, $1)
		ON CONFLICT (id) DO UPDATE SET body = $1`, body)
	if err != nil {
		return fmt.Errorf("pgstore: save failover status: %w", err)
	}
	return nil
}

func (s *PgStore) LoadFailoverStatus(ctx context.Context) (*models.FailoverStatus, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM failover_status WHERE id = 1`).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.NotFound("pgstore: failover status")
		}
		return nil, fmt.Errorf("pgstore: load failover status: %w", err)
	}
	var st models.FailoverStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("pgstore: decode failover status: %w", err)
	}
	return &st, nil
}

// Close releases the pool.
func (s *PgStore) Close() error {
	s.pool.Close()
	return nil
}

func scanPgJob(s scannable) (*models.BackupJob, error) {
	var (
		job         models.BackupJob
		typ, status string
	)
	err := s.Scan(
		&job.ID, &job.StrategyName, &typ, &status, &job.StartedAt, &job.CompletedAt,
		&job.ArtifactRef, &job.SizeBytes, &job.Checksum, &job.Error, &job.Attempts,
		&job.ArtifactPurgedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.NotFound("pgstore: job not found")
		}
		return nil, fmt.Errorf("pgstore: scan job: %w", err)
	}
	job.StrategyType = models.StrategyType(typ)
	job.Status = models.JobStatus(status)
	return &job, nil
}
