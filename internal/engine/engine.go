// Package engine assembles the DR components and owns their lifecycle.
//
// New builds every component explicitly from a configuration and a set of
// external dependencies. Start reconciles persisted state and starts the
// background loops; Shutdown stops them and drains in-flight work. Commands
// issued before Start, or after Shutdown, fail with ErrUnavailable.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/backup"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/compliance"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/drconfig"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/failover"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/health"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/metrics"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/notify"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/restore"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/scheduler"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/store"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/strategy"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/config"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/errs"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

// Deps are the external collaborators of the engine.
type Deps struct {
	Store     store.Store
	Artifacts backup.ArtifactStore
	Probe     health.Probe
	// Window holds health samples; nil keeps them in memory.
	Window health.Window
	// Sinks maps notification channel names to sinks. A "log" sink is
	// added when none is given.
	Sinks map[string]notify.Sink
	// Target applies restores; nil restores into directories.
	Target     restore.Target
	HTTPClient *http.Client
	Metrics    *metrics.Collectors
	Logger     *zap.Logger
}

type lifecycle int

const (
	stateNew lifecycle = iota
	stateRunning
	stateStopped
)

// Engine is the assembled DR engine.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	drcfg      *drconfig.Store
	dispatcher *notify.Dispatcher
	strategies *strategy.Registry
	executor   *backup.Executor
	scheduler  *scheduler.Scheduler
	restores   *restore.Engine
	monitor    *health.Monitor
	failover   *failover.Orchestrator
	compliance *compliance.Evaluator

	mu           sync.RWMutex
	state        lifecycle
	cancelLoops  context.CancelFunc
	cancelNotify context.CancelFunc
	loops        sync.WaitGroup
	notifyDone   chan struct{}
}

// New constructs the engine. Nothing runs until Start.
func New(cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Artifacts == nil || deps.Probe == nil {
		return nil, errs.Validation("engine: store, artifacts and probe are required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	m := deps.Metrics

	drcfg, err := drconfig.New(cfg.DRConfig(), logger)
	if err != nil {
		return nil, err
	}

	dispatcher := notify.NewDispatcher(drcfg, cfg.Notify.QueueSize, cfg.Notify.SendTimeout, m, logger)
	if _, ok := deps.Sinks[notify.DefaultChannel]; !ok {
		dispatcher.Register(notify.DefaultChannel, notify.NewLogSink(logger))
	}
	for name, sink := range deps.Sinks {
		dispatcher.Register(name, sink)
	}

	registry := strategy.NewRegistry(deps.Store, logger)
	executor := backup.NewExecutor(registry, deps.Store, deps.Artifacts, dispatcher, m, logger, backup.Options{
		MaxAttempts:    cfg.Backup.MaxAttempts,
		InitialBackoff: cfg.Backup.InitialBackoff,
		MaxBackoff:     cfg.Backup.MaxBackoff,
		AttemptTimeout: cfg.Backup.AttemptTimeout,
	})
	registry.SetTracker(executor)

	monitor := health.NewMonitor(drcfg, deps.Probe, deps.Window, dispatcher, m, logger)
	orch := failover.New(drcfg, monitor, deps.Store, failover.NewActions(logger, deps.HTTPClient),
		dispatcher, m, logger)
	monitor.Subscribe(orch.OnRegionTransition)

	e := &Engine{
		cfg:        cfg,
		logger:     logger.Named("engine"),
		drcfg:      drcfg,
		dispatcher: dispatcher,
		strategies: registry,
		executor:   executor,
		scheduler:  scheduler.New(registry, executor, cfg.Backup.SchedulerInterval, logger),
		restores: restore.NewEngine(executor, deps.Artifacts, deps.Target, dispatcher, m, logger,
			cfg.Storage.RestoreTarget, cfg.Restore.Timeout),
		monitor:  monitor,
		failover: orch,
		compliance: compliance.NewEvaluator(drcfg, registry, executor, orch, dispatcher, m, logger,
			cfg.Compliance.PlanTestMaxAge),
	}
	return e, nil
}

// Start reconciles persisted state, seeds the declared strategies and plans,
// and starts the background loops. The loops outlive ctx; they stop on
// Shutdown.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != stateNew {
		return errs.Conflict("engine: already started")
	}

	if err := e.strategies.Load(ctx); err != nil {
		return err
	}
	if err := e.executor.Reconcile(ctx); err != nil {
		return err
	}
	if err := e.failover.Load(ctx); err != nil {
		return err
	}
	if err := e.seed(ctx); err != nil {
		return err
	}

	notifyCtx, cancelNotify := context.WithCancel(context.Background())
	e.cancelNotify = cancelNotify
	e.notifyDone = make(chan struct{})
	go func() {
		defer close(e.notifyDone)
		e.dispatcher.Run(notifyCtx)
	}()

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	e.cancelLoops = cancelLoops
	e.goLoop(func() { e.scheduler.Run(loopCtx) })
	e.goLoop(func() { e.monitor.Run(loopCtx) })
	e.goLoop(func() { e.failover.Run(loopCtx) })
	e.goLoop(func() { e.compliance.Run(loopCtx, e.cfg.Compliance.Interval) })

	e.state = stateRunning
	e.logger.Info("engine started",
		zap.Int("strategies", len(e.strategies.List())),
		zap.Int("plans", len(e.failover.ListPlans())),
		zap.String("primary_region", e.drcfg.Current().PrimaryRegion))
	return nil
}

func (e *Engine) goLoop(fn func()) {
	e.loops.Add(1)
	go func() {
		defer e.loops.Done()
		fn()
	}()
}

// seed registers declared strategies and plans that are not yet known.
// Definitions changed through the API since are left alone.
func (e *Engine) seed(ctx context.Context) error {
	for _, def := range e.cfg.StrategyDefinitions() {
		if _, err := e.strategies.Get(def.Name); err == nil {
			continue
		}
		if _, err := e.strategies.Add(ctx, def.Name, def); err != nil {
			return fmt.Errorf("engine: seed strategy %q: %w", def.Name, err)
		}
	}
	for _, plan := range e.cfg.PlanDefinitions() {
		if _, err := e.failover.GetPlan(plan.ID); err == nil {
			continue
		}
		if _, err := e.failover.AddPlan(ctx, plan); err != nil {
			return fmt.Errorf("engine: seed plan %q: %w", plan.ID, err)
		}
	}
	return nil
}

// Shutdown stops the loops, cancels running jobs and waits for them to
// record their outcome, then flushes pending notifications.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.state != stateRunning {
		e.state = stateStopped
		e.mu.Unlock()
		return nil
	}
	e.state = stateStopped
	e.mu.Unlock()

	e.logger.Info("engine shutting down")
	e.cancelLoops()
	var errList []error
	if err := e.executor.Shutdown(ctx); err != nil {
		errList = append(errList, err)
	}

	loopsDone := make(chan struct{})
	go func() {
		e.loops.Wait()
		close(loopsDone)
	}()
	select {
	case <-loopsDone:
	case <-ctx.Done():
		errList = append(errList, fmt.Errorf("engine: waiting for loops: %w", ctx.Err()))
	}

	e.cancelNotify()
	select {
	case <-e.notifyDone:
	case <-ctx.Done():
		errList = append(errList, fmt.Errorf("engine: flushing notifications: %w", ctx.Err()))
	}
	e.logger.Info("engine stopped")
	return errors.Join(errList...)
}

// guard fails unless the engine is running.
func (e *Engine) guard() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	switch e.state {
	case stateNew:
		return errs.Unavailable("engine: not started")
	case stateStopped:
		return errs.Unavailable("engine: shutting down")
	}
	return nil
}

// Running reports whether the engine accepts commands.
func (e *Engine) Running() bool { return e.guard() == nil }

// Strategies

func (e *Engine) AddStrategy(ctx context.Context, def models.BackupStrategy) (*models.BackupStrategy, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.strategies.Add(ctx, def.Name, def)
}

func (e *Engine) UpdateStrategy(ctx context.Context, name string, def models.BackupStrategy) (*models.BackupStrategy, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.strategies.Update(ctx, name, def)
}

func (e *Engine) RemoveStrategy(ctx context.Context, name string) error {
	if err := e.guard(); err != nil {
		return err
	}
	return e.strategies.Remove(ctx, name)
}

func (e *Engine) GetStrategy(name string) (*models.BackupStrategy, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.strategies.Get(name)
}

func (e *Engine) ListStrategies() ([]*models.BackupStrategy, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.strategies.List(), nil
}

// Backups

// ExecuteBackup runs a job for strategy to completion. The job is not tied
// to the caller's cancellation; Shutdown still interrupts it.
func (e *Engine) ExecuteBackup(ctx context.Context, strategyName string) (*models.BackupJob, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.executor.Execute(context.WithoutCancel(ctx), strategyName)
}

func (e *Engine) ListJobs(ctx context.Context, strategyName string) (*models.JobList, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.executor.ListJobs(ctx, strategyName)
}

func (e *Engine) GetJob(ctx context.Context, id string) (*models.BackupJob, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.executor.GetJob(ctx, id)
}

// ApplyRetention purges artifacts of strategy outside its retention policy.
func (e *Engine) ApplyRetention(ctx context.Context, strategyName string) (int, error) {
	if err := e.guard(); err != nil {
		return 0, err
	}
	return e.executor.ApplyRetention(ctx, strategyName)
}

// Restores

func (e *Engine) Restore(ctx context.Context, req models.RestoreRequest) (*models.RestoreResult, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.restores.Restore(ctx, req)
}

func (e *Engine) ValidateBackup(ctx context.Context, backupID string) (*models.RestoreResult, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.restores.Validate(ctx, backupID)
}

func (e *Engine) RestoreHistory() ([]*models.RestoreResult, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.restores.History(), nil
}

// Health

func (e *Engine) SystemHealth() (*models.SystemHealth, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.monitor.GetSystemHealth(), nil
}

func (e *Engine) RegionHistory(ctx context.Context, region string, n int) ([]models.HealthSample, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	if _, ok := e.monitor.Region(region); !ok && !e.knownRegion(region) {
		return nil, errs.NotFound("engine: region %q is not configured", region)
	}
	return e.monitor.History(ctx, region, n)
}

func (e *Engine) knownRegion(region string) bool {
	for _, r := range e.drcfg.Current().Regions() {
		if r == region {
			return true
		}
	}
	return false
}

// CheckHealth probes every region once.
func (e *Engine) CheckHealth(ctx context.Context) ([]models.HealthSample, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.monitor.CheckOnce(ctx)
}

// Failover

func (e *Engine) FailoverStatus() (models.FailoverStatus, error) {
	if err := e.guard(); err != nil {
		return models.FailoverStatus{}, err
	}
	return e.failover.Status(), nil
}

func (e *Engine) AddPlan(ctx context.Context, plan models.FailoverPlan) (*models.FailoverPlan, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.failover.AddPlan(ctx, plan)
}

func (e *Engine) GetPlan(id string) (*models.FailoverPlan, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.failover.GetPlan(id)
}

func (e *Engine) ListPlans() ([]*models.FailoverPlan, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.failover.ListPlans(), nil
}

func (e *Engine) TestPlan(ctx context.Context, id string) (*models.PlanTestResult, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.failover.TestPlan(ctx, id)
}

func (e *Engine) TriggerFailover(ctx context.Context, opts failover.TriggerOptions) (*models.FailoverStatus, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	opts.Auto = false
	return e.failover.TriggerFailover(context.WithoutCancel(ctx), opts)
}

func (e *Engine) InitiateRecovery(ctx context.Context) (*models.FailoverStatus, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.failover.InitiateRecovery(context.WithoutCancel(ctx))
}

// Configuration

func (e *Engine) Config() (*models.DRConfig, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.drcfg.Current(), nil
}

// Reconfigure swaps the live DR configuration. An invalid configuration is
// rejected and the previous one stays live.
func (e *Engine) Reconfigure(cfg models.DRConfig) (*models.DRConfig, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	prev := e.drcfg.Current()
	if err := e.drcfg.Reconfigure(cfg); err != nil {
		return nil, err
	}
	next := e.drcfg.Current()
	e.dispatcher.Notify(models.Event{
		Kind:     models.EventConfigChanged,
		Severity: models.SeverityInfo,
		Payload: map[string]any{
			"previous_primary": prev.PrimaryRegion,
			"primary_region":   next.PrimaryRegion,
			"rpo_minutes":      next.RPOMinutes,
			"rto_minutes":      next.RTOMinutes,
			"auto_failover":    next.Monitoring.AutoFailover,
		},
	})
	return next, nil
}

// Compliance evaluates the current state against the RPO.
func (e *Engine) Compliance(ctx context.Context) (*models.ComplianceReport, error) {
	if err := e.guard(); err != nil {
		return nil, err
	}
	return e.compliance.Evaluate(ctx)
}
