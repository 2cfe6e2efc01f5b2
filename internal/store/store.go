// Package store persists Phoenix state: backup job history, strategy
// definitions, failover plans and the orchestrator status.
//
// Three implementations share one contract: Memory for tests and ephemeral
// deployments, PgStore on PostgreSQL and SQLiteStore for single-node
// installs. Job history is append-only: once a job is terminal its row is
// never rewritten, and retention purges are recorded in a separate column.
package store

import (
	"context"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

// Store is the full persistence contract.
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveJob inserts or updates a job. Updating a terminal job is a conflict.
	SaveJob(ctx context.Context, job *models.BackupJob) error
	GetJob(ctx context.Context, id string) (*models.BackupJob, error)
	// ListJobs returns jobs newest first; an empty strategy lists all.
	ListJobs(ctx context.Context, strategy string) ([]*models.BackupJob, error)
	// MarkArtifactPurged records that a job's artifact was deleted by retention.
	MarkArtifactPurged(ctx context.Context, id string, at time.Time) error

	SaveStrategy(ctx context.Context, s *models.BackupStrategy) error
	DeleteStrategy(ctx context.Context, name string) error
	ListStrategies(ctx context.Context) ([]*models.BackupStrategy, error)

	SavePlan(ctx context.Context, p *models.FailoverPlan) error
	ListPlans(ctx context.Context) ([]*models.FailoverPlan, error)

	SaveFailoverStatus(ctx context.Context, s *models.FailoverStatus) error
	// LoadFailoverStatus returns ErrNotFound when nothing has been saved.
	LoadFailoverStatus(ctx context.Context) (*models.FailoverStatus, error)

	Close() error
}

// scannable is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

const jobCols = `id, strategy_name, strategy_type, status, started_at, completed_at,
	artifact_ref, size_bytes, checksum, error, attempts, artifact_purged_at`

const strategyCols = `name, type, schedule, max_count, max_age_ns, allow_empty, created_at, updated_at`

func cloneJob(j *models.BackupJob) *models.BackupJob {
	c := *j
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	if j.ArtifactPurgedAt != nil {
		t := *j.ArtifactPurgedAt
		c.ArtifactPurgedAt = &t
	}
	return &c
}

func clonePlan(p *models.FailoverPlan) *models.FailoverPlan {
	c := *p
	c.Steps = append([]models.FailoverStep(nil), p.Steps...)
	c.RecoverySteps = append([]models.FailoverStep(nil), p.RecoverySteps...)
	if p.LastTestedAt != nil {
		t := *p.LastTestedAt
		c.LastTestedAt = &t
	}
	if p.LastTestResult != nil {
		r := *p.LastTestResult
		r.Steps = append([]models.StepResult(nil), p.LastTestResult.Steps...)
		c.LastTestResult = &r
	}
	return &c
}
