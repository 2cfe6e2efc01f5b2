// Package restore restores backup artifacts into a target directory.
//
// A restore never modifies the live tree until the artifact has been fetched,
// verified and fully extracted into a staging directory next to it. The live
// tree is then moved aside and the staged tree renamed into place. If the
// promotion fails the preserved tree is moved back, and the caller learns
// whether that rollback succeeded.
package restore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/artifact"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/metrics"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/errs"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

// JobSource looks up backup jobs.
type JobSource interface {
	GetJob(ctx context.Context, id string) (*models.BackupJob, error)
}

// ArtifactFetcher reads artifacts.
type ArtifactFetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Notifier receives restore events.
type Notifier interface {
	Notify(event models.Event)
}

// DefaultTimeout bounds a whole restore when none is configured.
const DefaultTimeout = 30 * time.Minute

const historySize = 50

// Engine runs restores. Restores into different targets may run
// concurrently; a second restore into a busy target is refused.
type Engine struct {
	jobs          JobSource
	artifacts     ArtifactFetcher
	target        Target
	notifier      Notifier
	metrics       *metrics.Collectors
	logger        *zap.Logger
	validate      *validator.Validate
	defaultTarget string
	timeout       time.Duration
	now           func() time.Time

	mu      sync.Mutex
	active  map[string]string // target path -> backup ID
	history []*models.RestoreResult
}

// NewEngine creates an Engine restoring into defaultTarget unless a request
// names another path.
func NewEngine(jobs JobSource, artifacts ArtifactFetcher, target Target, notifier Notifier,
	m *metrics.Collectors, logger *zap.Logger, defaultTarget string, timeout time.Duration) *Engine {

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if target == nil {
		target = DirTarget{}
	}
	return &Engine{
		jobs:          jobs,
		artifacts:     artifacts,
		target:        target,
		notifier:      notifier,
		metrics:       m,
		logger:        logger.Named("restore"),
		validate:      validator.New(),
		defaultTarget: defaultTarget,
		timeout:       timeout,
		now:           func() time.Time { return time.Now().UTC() },
		active:        make(map[string]string),
	}
}

// Restore restores the artifact of req.BackupID into the target path.
func (e *Engine) Restore(ctx context.Context, req models.RestoreRequest) (*models.RestoreResult, error) {
	if err := e.validate.Struct(req); err != nil {
		return nil, errs.Validation("restore: backup_id is required")
	}
	path := req.TargetPath
	if path == "" {
		path = e.defaultTarget
	}
	if !filepath.IsAbs(path) {
		return nil, errs.Validation("restore: target path %q must be absolute", path)
	}
	path = filepath.Clean(path)

	if err := e.acquire(path, req.BackupID); err != nil {
		return nil, err
	}
	defer e.release(path)

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	result := &models.RestoreResult{BackupID: req.BackupID, TargetPath: path, StartedAt: e.now()}
	log := e.logger.With(zap.String("backup_id", req.BackupID), zap.String("target", path))
	log.Info("restore started", zap.Bool("verify", req.ShouldVerify()))

	err := e.run(ctx, log, req, result)
	result.CompletedAt = e.now()
	e.record(result)

	if err != nil {
		e.fail(log, result, err)
		return result, err
	}

	e.metrics.RestoreFinished("completed")
	log.Info("restore completed",
		zap.Int("files", result.Files),
		zap.Int64("size_bytes", result.SizeBytes),
		zap.Duration("duration", result.CompletedAt.Sub(result.StartedAt)))
	e.emit(models.EventRestoreCompleted, models.SeverityInfo, result, nil)
	return result, nil
}

func (e *Engine) run(ctx context.Context, log *zap.Logger, req models.RestoreRequest, result *models.RestoreResult) error {
	job, data, err := e.load(ctx, req.BackupID, req.ShouldVerify())
	if err != nil {
		return err
	}
	result.ChecksumVerified = req.ShouldVerify()
	result.SizeBytes = int64(len(data))

	id := uuid.NewString()[:8]
	staged, err := e.target.Stage(ctx, result.TargetPath, id)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.target.Discard(staged); err != nil {
			log.Warn("failed to remove staging dir", zap.String("path", staged), zap.Error(err))
		}
	}()

	files, err := e.unpack(ctx, job, data, staged)
	if err != nil {
		return err
	}
	result.Files = files

	// Last point at which giving up leaves the live tree untouched.
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("restore: %w", err)
	}

	saved, existed, err := e.target.Preserve(result.TargetPath, id)
	if err != nil {
		return err
	}
	if err := e.target.Promote(staged, result.TargetPath); err != nil {
		rbErr := e.target.Rollback(saved, result.TargetPath, existed)
		if rbErr != nil {
			log.Error("rollback failed", zap.String("preserved", saved), zap.Error(rbErr))
		}
		result.RolledBack = rbErr == nil
		return &errs.RestoreFailedError{BackupID: req.BackupID, RolledBack: rbErr == nil, Cause: err}
	}
	result.Promoted = true

	if existed {
		if err := e.target.Discard(saved); err != nil {
			log.Warn("failed to remove preserved tree", zap.String("path", saved), zap.Error(err))
		}
	}
	return nil
}

// load resolves a restorable job and fetches its artifact, verifying the
// checksum when asked.
func (e *Engine) load(ctx context.Context, backupID string, verify bool) (*models.BackupJob, []byte, error) {
	job, err := e.jobs.GetJob(ctx, backupID)
	if err != nil {
		return nil, nil, fmt.Errorf("restore: %w", err)
	}
	if job.Status != models.JobStatusCompleted {
		return nil, nil, errs.NotFound("restore: backup %s is %s, not completed", backupID, job.Status)
	}
	if !job.Restorable() {
		return nil, nil, errs.NotFound("restore: artifact of backup %s has been purged", backupID)
	}

	data, err := e.artifacts.Fetch(ctx, job.ArtifactRef)
	if err != nil {
		return nil, nil, fmt.Errorf("restore: fetch %s: %w", job.ArtifactRef, err)
	}
	if verify {
		if sum := artifact.Checksum(data); sum != job.Checksum {
			return nil, nil, errs.Integrity("restore: backup %s checksum %s does not match recorded %s",
				backupID, sum, job.Checksum)
		}
	}
	return job, data, nil
}

// unpack extracts data into dir and checks the tree against the manifest.
func (e *Engine) unpack(ctx context.Context, job *models.BackupJob, data []byte, dir string) (int, error) {
	manifest, files, err := artifact.Extract(ctx, data, dir)
	if err != nil {
		return 0, fmt.Errorf("restore: extract: %w", err)
	}
	if manifest == nil {
		return 0, errs.Integrity("restore: backup %s has no manifest", job.ID)
	}
	if manifest.JobID != job.ID {
		return 0, errs.Integrity("restore: artifact belongs to job %s, not %s", manifest.JobID, job.ID)
	}
	if manifest.Files != files {
		return 0, errs.Integrity("restore: manifest lists %d files, extracted %d", manifest.Files, files)
	}
	return files, nil
}

// Validate checks that a backup can be restored without touching the
// target: the job is restorable, the checksum matches and the archive
// extracts completely into a scratch directory.
func (e *Engine) Validate(ctx context.Context, backupID string) (*models.RestoreResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	job, data, err := e.load(ctx, backupID, true)
	if err != nil {
		return nil, err
	}
	staged, err := e.target.Stage(ctx, e.defaultTarget, "validate-"+uuid.NewString()[:8])
	if err != nil {
		return nil, err
	}
	defer e.target.Discard(staged)

	files, err := e.unpack(ctx, job, data, staged)
	if err != nil {
		return nil, err
	}
	now := e.now()
	return &models.RestoreResult{
		BackupID:         backupID,
		ChecksumVerified: true,
		SizeBytes:        int64(len(data)),
		Files:            files,
		StartedAt:        now,
		CompletedAt:      now,
	}, nil
}

// History returns recent restore results, newest first.
func (e *Engine) History() []*models.RestoreResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.RestoreResult, 0, len(e.history))
	for i := len(e.history) - 1; i >= 0; i-- {
		r := *e.history[i]
		out = append(out, &r)
	}
	return out
}

func (e *Engine) acquire(path, backupID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if other, busy := e.active[path]; busy {
		return errs.Conflict("restore: %s is already being restored from backup %s", path, other)
	}
	e.active[path] = backupID
	return nil
}

func (e *Engine) release(path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, path)
}

func (e *Engine) record(r *models.RestoreResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := *r
	e.history = append(e.history, &c)
	if len(e.history) > historySize {
		e.history = e.history[len(e.history)-historySize:]
	}
}

func (e *Engine) fail(log *zap.Logger, result *models.RestoreResult, err error) {
	severity := models.SeverityWarning
	outcome := "failed"
	var rf *errs.RestoreFailedError
	if errors.As(err, &rf) {
		outcome = "rolled_back"
		if !rf.RolledBack {
			outcome = "rollback_failed"
			severity = models.SeverityCritical
		}
	}
	e.metrics.RestoreFinished(outcome)
	log.Error("restore failed", zap.String("outcome", outcome), zap.Error(err))
	e.emit(models.EventRestoreFailed, severity, result, err)
}

func (e *Engine) emit(kind models.EventKind, sev models.Severity, r *models.RestoreResult, err error) {
	if e.notifier == nil {
		return
	}
	payload := map[string]any{
		"backup_id":         r.BackupID,
		"target_path":       r.TargetPath,
		"checksum_verified": r.ChecksumVerified,
		"promoted":          r.Promoted,
		"files":             r.Files,
	}
	if err != nil {
		payload["error"] = err.Error()
		payload["rolled_back"] = r.RolledBack
	}
	e.notifier.Notify(models.Event{Kind: kind, Severity: sev, Payload: payload, Timestamp: e.now()})
}
