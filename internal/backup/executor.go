// Package backup runs backup jobs for named strategies.
//
// The Executor guarantees at most one running job per strategy, retries
// transient capture failures with exponential backoff, verifies every
// artifact's checksum after capture, and applies the strategy's retention
// policy after each successful run. Job records are persisted at every
// transition and are never modified once terminal.
package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/artifact"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/metrics"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/errs"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

// JobStore persists job history.
type JobStore interface {
	SaveJob(ctx context.Context, job *models.BackupJob) error
	GetJob(ctx context.Context, id string) (*models.BackupJob, error)
	ListJobs(ctx context.Context, strategy string) ([]*models.BackupJob, error)
	MarkArtifactPurged(ctx context.Context, id string, at time.Time) error
}

// ArtifactStore captures, fetches and deletes artifacts.
type ArtifactStore interface {
	Capture(ctx context.Context, req artifact.CaptureRequest) (*artifact.Artifact, error)
	Fetch(ctx context.Context, ref string) ([]byte, error)
	Delete(ctx context.Context, ref string) error
}

// StrategySource resolves strategies by name at execution time.
type StrategySource interface {
	WithStrategy(name string, fn func(models.BackupStrategy) error) error
}

// Notifier receives job events.
type Notifier interface {
	Notify(event models.Event)
}

// Options tunes retries.
type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

// DefaultOptions returns three attempts with sub-second initial backoff.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:    3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		AttemptTimeout: 10 * time.Minute,
	}
}

// persistTimeout bounds writes of terminal job state, which happen even
// after the job's own context is cancelled.
const persistTimeout = 10 * time.Second

// Executor runs backup jobs.
type Executor struct {
	strategies StrategySource
	jobs       JobStore
	artifacts  ArtifactStore
	notifier   Notifier
	metrics    *metrics.Collectors
	logger     *zap.Logger
	opts       Options
	now        func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[string]string // strategy name -> job ID
	ready   bool
	closed  bool
}

// NewExecutor creates an Executor. It accepts work only after Reconcile.
func NewExecutor(strategies StrategySource, jobs JobStore, artifacts ArtifactStore, notifier Notifier,
	m *metrics.Collectors, logger *zap.Logger, opts Options) *Executor {

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultOptions().AttemptTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		strategies: strategies,
		jobs:       jobs,
		artifacts:  artifacts,
		notifier:   notifier,
		metrics:    m,
		logger:     logger.Named("backup"),
		opts:       opts,
		now:        func() time.Time { return time.Now().UTC() },
		baseCtx:    ctx,
		cancel:     cancel,
		running:    make(map[string]string),
	}
}

// Reconcile fails every job left pending or running by a previous process
// and then opens the executor for work.
func (e *Executor) Reconcile(ctx context.Context) error {
	jobs, err := e.jobs.ListJobs(ctx, "")
	if err != nil {
		return fmt.Errorf("backup: reconcile: %w", err)
	}

	interrupted := 0
	for _, job := range jobs {
		if job.Status.Terminal() {
			continue
		}
		now := e.now()
		job.Status = models.JobStatusFailed
		job.Error = "interrupted: process restarted"
		job.CompletedAt = &now
		if err := e.jobs.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("backup: reconcile job %s: %w", job.ID, err)
		}
		interrupted++
		e.logger.Warn("interrupted job marked failed",
			zap.String("job_id", job.ID),
			zap.String("strategy", job.StrategyName))
	}

	e.mu.Lock()
	e.ready = true
	e.mu.Unlock()

	e.logger.Info("job history reconciled",
		zap.Int("jobs", len(jobs)),
		zap.Int("interrupted", interrupted))
	return nil
}

// IsRunning reports whether strategy has a job in flight.
func (e *Executor) IsRunning(strategy string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[strategy]
	return ok
}

// Execute runs one job for the named strategy to completion and returns
// its terminal record. A job that ends in failed is returned together with
// the error that caused it.
func (e *Executor) Execute(ctx context.Context, strategyName string) (*models.BackupJob, error) {
	var (
		strat models.BackupStrategy
		job   *models.BackupJob
	)
	// The running mark is taken under the registry's read lock so that a
	// concurrent Remove either sees it or completes first.
	err := e.strategies.WithStrategy(strategyName, func(s models.BackupStrategy) error {
		e.mu.Lock()
		defer e.mu.Unlock()

		if !e.ready || e.closed {
			return errs.Unavailable("backup: executor is not accepting jobs")
		}
		if id, busy := e.running[strategyName]; busy {
			return errs.Conflict("backup: strategy %q already has job %s running", strategyName, id)
		}
		strat = s
		job = &models.BackupJob{
			ID:           uuid.NewString(),
			StrategyName: s.Name,
			StrategyType: s.Type,
			Status:       models.JobStatusPending,
			StartedAt:    e.now(),
		}
		e.running[strategyName] = job.ID
		e.wg.Add(1)
		return nil
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		e.mu.Lock()
		delete(e.running, strategyName)
		e.mu.Unlock()
		e.wg.Done()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.baseCtx, cancel)
	defer stop()

	return e.run(runCtx, strat, job)
}

func (e *Executor) run(ctx context.Context, strat models.BackupStrategy, job *models.BackupJob) (*models.BackupJob, error) {
	log := e.logger.With(zap.String("job_id", job.ID), zap.String("strategy", strat.Name))

	if err := e.jobs.SaveJob(ctx, job); err != nil {
		return nil, fmt.Errorf("backup: record job %s: %w", job.ID, err)
	}
	job.Status = models.JobStatusRunning
	if err := e.jobs.SaveJob(ctx, job); err != nil {
		return e.finish(ctx, log, job, nil, fmt.Errorf("record running state: %w", err))
	}
	log.Info("backup started", zap.String("type", string(strat.Type)))

	capturer, ok := capturers[strat.Type]
	if !ok {
		return e.finish(ctx, log, job, nil, errs.Validation("unsupported strategy type %q", strat.Type))
	}

	var prev *models.BackupJob
	if strat.Type == models.StrategyIncremental {
		p, err := e.lastRestorable(ctx, strat.Name)
		if err != nil {
			return e.finish(ctx, log, job, nil, err)
		}
		prev = p
	}

	art, err := e.captureWithRetry(ctx, log, capturer.Request(strat, job, prev), job)
	return e.finish(ctx, log, job, art, err)
}

// captureWithRetry captures and verifies an artifact, retrying transient
// failures. job.Attempts counts every attempt made.
func (e *Executor) captureWithRetry(ctx context.Context, log *zap.Logger, req artifact.CaptureRequest,
	job *models.BackupJob) (*artifact.Artifact, error) {

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.InitialBackoff
	if e.opts.MaxBackoff > 0 {
		b.MaxInterval = e.opts.MaxBackoff
	}
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.opts.MaxAttempts-1)), ctx)

	var art *artifact.Artifact
	op := func() error {
		job.Attempts++
		attemptCtx, cancel := context.WithTimeout(ctx, e.opts.AttemptTimeout)
		defer cancel()

		a, err := e.captureAndVerify(attemptCtx, req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if !errs.IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		art = a
		return nil
	}
	notify := func(err error, wait time.Duration) {
		e.metrics.BackupRetried(req.Strategy)
		log.Warn("transient capture failure, retrying",
			zap.Int("attempt", job.Attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return art, nil
}

// captureAndVerify captures an artifact, reads it back and compares its
// SHA-256 with the checksum the store reported.
func (e *Executor) captureAndVerify(ctx context.Context, req artifact.CaptureRequest) (*artifact.Artifact, error) {
	art, err := e.artifacts.Capture(ctx, req)
	if err != nil {
		return nil, err
	}
	data, err := e.artifacts.Fetch(ctx, art.Ref)
	if err != nil {
		return nil, fmt.Errorf("read back %s: %w", art.Ref, err)
	}
	if sum := artifact.Checksum(data); sum != art.Checksum {
		return nil, errs.Integrity("artifact %s checksum %s does not match stored checksum %s", art.Ref, sum, art.Checksum)
	}
	art.SizeBytes = int64(len(data))
	return art, nil
}

// finish moves the job to its terminal state, persists it with a context
// that survives cancellation, emits the outcome and applies retention.
func (e *Executor) finish(ctx context.Context, log *zap.Logger, job *models.BackupJob,
	art *artifact.Artifact, cause error) (*models.BackupJob, error) {

	completed := e.now()
	job.CompletedAt = &completed
	if cause == nil {
		job.Status = models.JobStatusCompleted
		job.ArtifactRef = art.Ref
		job.SizeBytes = art.SizeBytes
		job.Checksum = art.Checksum
	} else {
		job.Status = models.JobStatusFailed
		job.Error = e.describe(cause)
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := e.jobs.SaveJob(persistCtx, job); err != nil {
		log.Error("failed to persist terminal job state", zap.Error(err))
		if cause == nil {
			cause = fmt.Errorf("persist completed job: %w", err)
		}
	}

	duration := completed.Sub(job.StartedAt)
	e.metrics.BackupFinished(job.StrategyName, string(job.Status), duration, job.SizeBytes)

	if cause != nil {
		log.Error("backup failed",
			zap.Int("attempts", job.Attempts),
			zap.Duration("duration", duration),
			zap.Error(cause))
		e.emit(models.EventBackupFailed, models.SeverityWarning, job)
		return job, fmt.Errorf("backup: job %s failed: %w", job.ID, cause)
	}

	log.Info("backup completed",
		zap.String("artifact", job.ArtifactRef),
		zap.Int64("size_bytes", job.SizeBytes),
		zap.Int("attempts", job.Attempts),
		zap.Duration("duration", duration))
	e.emit(models.EventBackupCompleted, models.SeverityInfo, job)

	if _, err := e.ApplyRetention(persistCtx, job.StrategyName); err != nil {
		log.Warn("retention enforcement failed", zap.Error(err))
	}
	return job, nil
}

func (e *Executor) describe(err error) string {
	if errors.Is(err, context.Canceled) {
		if e.baseCtx.Err() != nil {
			return "cancelled: executor shutting down"
		}
		return "cancelled"
	}
	return err.Error()
}

func (e *Executor) emit(kind models.EventKind, sev models.Severity, job *models.BackupJob) {
	if e.notifier == nil {
		return
	}
	payload := map[string]any{
		"job_id":   job.ID,
		"strategy": job.StrategyName,
		"status":   string(job.Status),
		"attempts": job.Attempts,
	}
	if job.Error != "" {
		payload["error"] = job.Error
	}
	if job.ArtifactRef != "" {
		payload["artifact_ref"] = job.ArtifactRef
		payload["size_bytes"] = job.SizeBytes
		payload["checksum"] = job.Checksum
	}
	e.notifier.Notify(models.Event{Kind: kind, Severity: sev, Payload: payload, Timestamp: e.now()})
}

// Shutdown stops accepting jobs, cancels those in flight and waits until
// each has persisted its terminal state or ctx expires.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	inFlight := len(e.running)
	e.mu.Unlock()

	e.cancel()
	e.logger.Info("executor shutting down", zap.Int("in_flight", inFlight))

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("backup: shutdown: %w", ctx.Err())
	}
}

// ListJobs returns the job history of strategy (all strategies when empty)
// with per-status counts.
func (e *Executor) ListJobs(ctx context.Context, strategy string) (*models.JobList, error) {
	jobs, err := e.jobs.ListJobs(ctx, strategy)
	if err != nil {
		return nil, fmt.Errorf("backup: list jobs: %w", err)
	}
	list := &models.JobList{Jobs: jobs}
	if list.Jobs == nil {
		list.Jobs = []*models.BackupJob{}
	}
	for _, j := range jobs {
		switch j.Status {
		case models.JobStatusPending, models.JobStatusRunning:
			list.Counts.Active++
		case models.JobStatusCompleted:
			list.Counts.Completed++
		case models.JobStatusFailed:
			list.Counts.Failed++
		}
	}
	return list, nil
}

// GetJob returns one job.
func (e *Executor) GetJob(ctx context.Context, id string) (*models.BackupJob, error) {
	return e.jobs.GetJob(ctx, id)
}

// LastCompleted returns the newest completed job of strategy, or
// ErrNotFound when there is none.
func (e *Executor) LastCompleted(ctx context.Context, strategy string) (*models.BackupJob, error) {
	jobs, err := e.jobs.ListJobs(ctx, strategy)
	if err != nil {
		return nil, fmt.Errorf("backup: list jobs: %w", err)
	}
	for _, j := range jobs {
		if j.Status == models.JobStatusCompleted {
			return j, nil
		}
	}
	return nil, errs.NotFound("backup: no completed job for %q", strategy)
}

func (e *Executor) lastRestorable(ctx context.Context, strategy string) (*models.BackupJob, error) {
	jobs, err := e.jobs.ListJobs(ctx, strategy)
	if err != nil {
		return nil, fmt.Errorf("list previous jobs: %w", err)
	}
	for _, j := range jobs {
		if j.Restorable() {
			return j, nil
		}
	}
	return nil, nil
}
