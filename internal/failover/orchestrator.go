// Package failover drives regional failover through an explicit state
// machine.
//
// The orchestrator is in exactly one of four states. Every operation moves
// it along the transition table below and is refused with a conflict when
// the move is not allowed or another operation is still in progress:
//
//	normal      -> testing_failover (TestPlan), failed_over (TriggerFailover)
//	testing     -> normal
//	failed_over -> recovering (InitiateRecovery)
//	recovering  -> normal, failed_over (recovery step failed)
//
// Plans are owned here; nothing else changes their status.
package failover

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/health"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/metrics"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/errs"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

// ConfigSource supplies the live DR configuration.
type ConfigSource interface {
	Current() *models.DRConfig
}

// HealthView exposes the monitor's debounced region states.
type HealthView interface {
	IsHealthy(region string) bool
	Region(region string) (models.RegionHealth, bool)
}

// Store persists plans and the orchestrator status.
type Store interface {
	SavePlan(ctx context.Context, p *models.FailoverPlan) error
	ListPlans(ctx context.Context) ([]*models.FailoverPlan, error)
	SaveFailoverStatus(ctx context.Context, s *models.FailoverStatus) error
	LoadFailoverStatus(ctx context.Context) (*models.FailoverStatus, error)
}

// Notifier receives failover events.
type Notifier interface {
	Notify(event models.Event)
}

var transitions = map[models.FailoverState][]models.FailoverState{
	models.FailoverNormal:     {models.FailoverTesting, models.FailoverFailedOver},
	models.FailoverTesting:    {models.FailoverNormal},
	models.FailoverFailedOver: {models.FailoverRecovering},
	models.FailoverRecovering: {models.FailoverNormal, models.FailoverFailedOver},
}

var allStates = []string{
	string(models.FailoverNormal),
	string(models.FailoverTesting),
	string(models.FailoverFailedOver),
	string(models.FailoverRecovering),
}

func canTransition(from, to models.FailoverState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// defaultRecoverySteps run when a plan declares none.
var defaultRecoverySteps = []models.FailoverStep{
	{Name: "resync", Action: "log", Params: map[string]string{"message": "re-sync primary from failover region"}},
	{Name: "cutover", Action: "log", Params: map[string]string{"message": "cut traffic back to primary"}},
}

// TriggerOptions parameterise a failover.
type TriggerOptions struct {
	// PlanID selects a plan; empty picks the first healthy failover region.
	PlanID string `json:"plan_id,omitempty"`
	Reason string `json:"reason,omitempty"`
	Auto   bool   `json:"-"`
}

// Orchestrator runs failover, plan tests and recovery.
type Orchestrator struct {
	cfg      ConfigSource
	health   HealthView
	store    Store
	actions  *Actions
	notifier Notifier
	metrics  *metrics.Collectors
	logger   *zap.Logger
	validate *validator.Validate
	now      func() time.Time
	kick     chan struct{}

	mu     sync.Mutex
	status models.FailoverStatus
	plans  map[string]*models.FailoverPlan
	busy   string // name of the operation in progress
}

// New creates an Orchestrator in the normal state. store may be nil.
func New(cfg ConfigSource, hv HealthView, store Store, actions *Actions, notifier Notifier,
	m *metrics.Collectors, logger *zap.Logger) *Orchestrator {

	return &Orchestrator{
		cfg:      cfg,
		health:   hv,
		store:    store,
		actions:  actions,
		notifier: notifier,
		metrics:  m,
		logger:   logger.Named("failover"),
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
		kick:     make(chan struct{}, 1),
		status: models.FailoverStatus{
			State:        models.FailoverNormal,
			ActiveRegion: cfg.Current().PrimaryRegion,
		},
		plans: make(map[string]*models.FailoverPlan),
	}
}

// Load restores plans and status from the store. An operation interrupted
// by a restart is resolved to the state it started from: a plan test
// returns to normal and a recovery returns to failed_over.
func (o *Orchestrator) Load(ctx context.Context) error {
	if o.store == nil {
		o.metrics.FailoverStateChanged(string(o.status.State), allStates)
		return nil
	}
	plans, err := o.store.ListPlans(ctx)
	if err != nil {
		return fmt.Errorf("failover: load plans: %w", err)
	}
	status, err := o.store.LoadFailoverStatus(ctx)
	if err != nil && !errors.Is(err, errs.ErrNotFound) {
		return fmt.Errorf("failover: load status: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, p := range plans {
		o.plans[p.ID] = p
	}
	if status != nil {
		o.status = *status
		switch status.State {
		case models.FailoverTesting:
			o.setStateLocked(ctx, models.FailoverNormal, "plan test interrupted by restart")
		case models.FailoverRecovering:
			o.setStateLocked(ctx, models.FailoverFailedOver, "recovery interrupted by restart")
		}
	}
	o.metrics.FailoverStateChanged(string(o.status.State), allStates)
	o.logger.Info("failover state loaded",
		zap.String("state", string(o.status.State)),
		zap.String("active_region", o.status.ActiveRegion),
		zap.Int("plans", len(o.plans)))
	return nil
}

// Status returns the current orchestrator status.
func (o *Orchestrator) Status() models.FailoverStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return copyStatus(o.status)
}

// AddPlan registers or replaces a plan. The active plan cannot be replaced.
func (o *Orchestrator) AddPlan(ctx context.Context, plan models.FailoverPlan) (*models.FailoverPlan, error) {
	if err := o.validate.Struct(plan); err != nil {
		return nil, errs.Validation("failover: invalid plan: %v", err)
	}
	cfg := o.cfg.Current()
	if plan.TargetRegion == cfg.PrimaryRegion {
		return nil, errs.Validation("failover: plan %q targets the primary region", plan.ID)
	}
	for _, s := range append(append([]models.FailoverStep(nil), plan.Steps...), plan.RecoverySteps...) {
		if !o.actions.Known(s.Action) {
			return nil, errs.Validation("failover: plan %q step %q uses unknown action %q", plan.ID, s.Name, s.Action)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.plans[plan.ID]; ok && existing.Status == models.PlanActive {
		return nil, errs.Conflict("failover: plan %q is active", plan.ID)
	}
	plan.Status = models.PlanUntested
	plan.LastTestedAt = nil
	plan.LastTestResult = nil
	p := clonePlan(&plan)
	if err := o.savePlanLocked(ctx, p); err != nil {
		return nil, err
	}
	o.plans[p.ID] = p
	o.logger.Info("failover plan registered",
		zap.String("plan_id", p.ID),
		zap.String("target_region", p.TargetRegion),
		zap.Int("steps", len(p.Steps)))
	return clonePlan(p), nil
}

// GetPlan returns one plan.
func (o *Orchestrator) GetPlan(id string) (*models.FailoverPlan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.plans[id]
	if !ok {
		return nil, errs.NotFound("failover: plan %q", id)
	}
	return clonePlan(p), nil
}

// ListPlans returns all plans sorted by ID.
func (o *Orchestrator) ListPlans() []*models.FailoverPlan {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*models.FailoverPlan, 0, len(o.plans))
	for _, p := range o.plans {
		out = append(out, clonePlan(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TestPlan dry-runs a plan's steps against its target region. A failing
// step stops the test and is reported in the result; the error return is
// reserved for plans that could not be tested at all.
func (o *Orchestrator) TestPlan(ctx context.Context, planID string) (*models.PlanTestResult, error) {
	o.mu.Lock()
	plan, ok := o.plans[planID]
	if !ok {
		o.mu.Unlock()
		return nil, errs.NotFound("failover: plan %q", planID)
	}
	if err := o.beginLocked("plan test", models.FailoverTesting); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	plan = clonePlan(plan)
	o.setStateLocked(ctx, models.FailoverTesting, "testing plan "+planID)
	o.mu.Unlock()

	log := o.logger.With(zap.String("plan_id", planID), zap.String("target_region", plan.TargetRegion))
	log.Info("plan test started")

	result := &models.PlanTestResult{PlanID: planID, StartedAt: o.now()}
	steps, failed, err := o.runSteps(ctx, log, plan.Steps, plan.TargetRegion, true)
	result.Steps = steps
	result.CompletedAt = o.now()
	result.Passed = err == nil
	if err != nil {
		result.FailedStep = failed
		result.Error = err.Error()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if p, ok := o.plans[planID]; ok {
		tested := result.CompletedAt
		p.LastTestedAt = &tested
		r := *result
		p.LastTestResult = &r
		if result.Passed && p.Status == models.PlanUntested {
			p.Status = models.PlanTested
		}
		if err := o.savePlanLocked(ctx, p); err != nil {
			log.Error("failed to persist plan test result", zap.Error(err))
		}
	}
	o.setStateLocked(ctx, models.FailoverNormal, "plan test finished")
	o.busy = ""

	sev := models.SeverityInfo
	if !result.Passed {
		sev = models.SeverityWarning
		log.Warn("plan test failed", zap.String("step", result.FailedStep), zap.String("error", result.Error))
	} else {
		log.Info("plan test passed", zap.Int("steps", len(result.Steps)))
	}
	o.emit(models.EventFailoverTestComplete, sev, map[string]any{
		"plan_id":       planID,
		"target_region": plan.TargetRegion,
		"passed":        result.Passed,
		"failed_step":   result.FailedStep,
	})
	return result, nil
}

// TriggerFailover moves service to a healthy failover region.
func (o *Orchestrator) TriggerFailover(ctx context.Context, opts TriggerOptions) (*models.FailoverStatus, error) {
	mode := "manual"
	if opts.Auto {
		mode = "auto"
	}
	cfg := o.cfg.Current()

	o.mu.Lock()
	if err := o.beginLocked("failover", models.FailoverFailedOver); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	plan, target, err := o.selectTargetLocked(cfg, opts.PlanID)
	if err != nil {
		o.busy = ""
		o.mu.Unlock()
		o.metrics.FailoverAttempted(mode, "refused")
		if errors.Is(err, errs.ErrUnavailable) {
			o.logger.Error("no healthy failover target", zap.Error(err))
			o.emit(models.EventSystemCritical, models.SeverityCritical, map[string]any{
				"primary_region":   cfg.PrimaryRegion,
				"failover_regions": cfg.FailoverRegions,
				"reason":           err.Error(),
			})
		}
		return nil, err
	}
	o.mu.Unlock()

	planID := ""
	var steps []models.FailoverStep
	if plan != nil {
		planID = plan.ID
		steps = plan.Steps
	}
	log := o.logger.With(zap.String("mode", mode), zap.String("target_region", target), zap.String("plan_id", planID))
	log.Warn("failover started", zap.String("reason", opts.Reason))
	o.emit(models.EventFailoverStarted, models.SeverityCritical, map[string]any{
		"mode":          mode,
		"from_region":   cfg.PrimaryRegion,
		"target_region": target,
		"plan_id":       planID,
		"reason":        opts.Reason,
	})

	_, failed, stepErr := o.runSteps(ctx, log, steps, target, false)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.busy = ""
	if stepErr != nil {
		o.metrics.FailoverAttempted(mode, "failed")
		log.Error("failover failed", zap.String("step", failed), zap.Error(stepErr))
		o.emit(models.EventFailoverFailed, models.SeverityCritical, map[string]any{
			"target_region": target,
			"plan_id":       planID,
			"failed_step":   failed,
			"error":         stepErr.Error(),
		})
		return nil, fmt.Errorf("failover: step %q failed: %w", failed, stepErr)
	}

	now := o.now()
	o.status.ActiveRegion = target
	o.status.ActivePlanID = planID
	o.status.FailedFromRegion = cfg.PrimaryRegion
	o.status.FailedOverAt = &now
	o.setStateLocked(ctx, models.FailoverFailedOver, opts.Reason)
	if p, ok := o.plans[planID]; ok {
		p.Status = models.PlanActive
		if err := o.savePlanLocked(ctx, p); err != nil {
			log.Error("failed to persist active plan", zap.Error(err))
		}
	}
	o.metrics.FailoverAttempted(mode, "completed")
	log.Warn("failover completed")
	o.emit(models.EventFailoverCompleted, models.SeverityCritical, map[string]any{
		"mode":          mode,
		"from_region":   cfg.PrimaryRegion,
		"target_region": target,
		"plan_id":       planID,
	})
	return ptrStatus(o.status), nil
}

// selectTargetLocked resolves the failover target and the plan to run.
// Without a plan ID the first healthy region in preference order wins and
// the first plan targeting it, if any, supplies the steps.
func (o *Orchestrator) selectTargetLocked(cfg *models.DRConfig, planID string) (*models.FailoverPlan, string, error) {
	if planID != "" {
		p, ok := o.plans[planID]
		if !ok {
			return nil, "", errs.NotFound("failover: plan %q", planID)
		}
		if !o.health.IsHealthy(p.TargetRegion) {
			return nil, "", errs.Unavailable("failover: target region %s of plan %q is not healthy", p.TargetRegion, planID)
		}
		return clonePlan(p), p.TargetRegion, nil
	}

	for _, region := range cfg.FailoverRegions {
		if !o.health.IsHealthy(region) {
			continue
		}
		var ids []string
		for id, p := range o.plans {
			if p.TargetRegion == region {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return nil, region, nil
		}
		sort.Strings(ids)
		return clonePlan(o.plans[ids[0]]), region, nil
	}
	return nil, "", errs.Unavailable("failover: no healthy failover region among %v", cfg.FailoverRegions)
}

// InitiateRecovery returns service to the original primary. It is only
// allowed once the primary reports healthy and is never started
// automatically.
func (o *Orchestrator) InitiateRecovery(ctx context.Context) (*models.FailoverStatus, error) {
	o.mu.Lock()
	if err := o.beginLocked("recovery", models.FailoverRecovering); err != nil {
		o.mu.Unlock()
		return nil, err
	}
	primary := o.status.FailedFromRegion
	if primary == "" {
		primary = o.cfg.Current().PrimaryRegion
	}
	if !o.health.IsHealthy(primary) {
		o.busy = ""
		o.mu.Unlock()
		return nil, errs.Unavailable("failover: original primary %s is not healthy", primary)
	}
	steps := defaultRecoverySteps
	planID := o.status.ActivePlanID
	if p, ok := o.plans[planID]; ok && len(p.RecoverySteps) > 0 {
		steps = append([]models.FailoverStep(nil), p.RecoverySteps...)
	}
	from := o.status.ActiveRegion
	o.setStateLocked(ctx, models.FailoverRecovering, "recovery to "+primary)
	o.mu.Unlock()

	log := o.logger.With(zap.String("primary_region", primary), zap.String("from_region", from))
	log.Info("recovery started")
	o.emit(models.EventRecoveryStarted, models.SeverityWarning, map[string]any{
		"primary_region": primary,
		"from_region":    from,
		"plan_id":        planID,
	})

	_, failed, stepErr := o.runSteps(ctx, log, steps, primary, false)

	o.mu.Lock()
	defer o.mu.Unlock()
	o.busy = ""
	if stepErr != nil {
		o.setStateLocked(ctx, models.FailoverFailedOver, "recovery failed")
		log.Error("recovery failed", zap.String("step", failed), zap.Error(stepErr))
		o.emit(models.EventRecoveryFailed, models.SeverityCritical, map[string]any{
			"primary_region": primary,
			"failed_step":    failed,
			"error":          stepErr.Error(),
		})
		return nil, fmt.Errorf("failover: recovery step %q failed: %w", failed, stepErr)
	}

	o.status.ActiveRegion = primary
	o.status.ActivePlanID = ""
	o.status.FailedFromRegion = ""
	o.status.FailedOverAt = nil
	o.setStateLocked(ctx, models.FailoverNormal, "recovered to "+primary)
	if p, ok := o.plans[planID]; ok {
		p.Status = models.PlanTested
		if err := o.savePlanLocked(ctx, p); err != nil {
			log.Error("failed to persist plan", zap.Error(err))
		}
	}
	log.Info("recovery completed")
	o.emit(models.EventRecoveryCompleted, models.SeverityInfo, map[string]any{
		"primary_region": primary,
		"from_region":    from,
	})
	return ptrStatus(o.status), nil
}

// Evaluate triggers an automatic failover when it is enabled, the primary
// is unhealthy and it has been failing for at least RTO times
// AutoFailoverRTOFraction. It reports whether a failover was performed.
func (o *Orchestrator) Evaluate(ctx context.Context) (bool, error) {
	cfg := o.cfg.Current()
	if !cfg.Monitoring.AutoFailover {
		return false, nil
	}

	o.mu.Lock()
	idle := o.busy == "" && o.status.State == models.FailoverNormal
	o.mu.Unlock()
	if !idle {
		return false, nil
	}

	rh, ok := o.health.Region(cfg.PrimaryRegion)
	if !ok || rh.State != models.RegionUnhealthy || rh.FailingSince == nil {
		return false, nil
	}
	failing := o.now().Sub(*rh.FailingSince)
	threshold := time.Duration(float64(cfg.RTO()) * cfg.Monitoring.AutoFailoverRTOFraction)
	if failing < threshold {
		o.logger.Debug("primary unhealthy, below auto-failover threshold",
			zap.Duration("failing", failing), zap.Duration("threshold", threshold))
		return false, nil
	}

	_, err := o.TriggerFailover(ctx, TriggerOptions{
		Auto:   true,
		Reason: fmt.Sprintf("primary %s unhealthy for %s", cfg.PrimaryRegion, failing.Round(time.Second)),
	})
	if errors.Is(err, errs.ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// OnRegionTransition wakes the evaluation loop when the primary degrades.
func (o *Orchestrator) OnRegionTransition(t models.RegionTransition) {
	if t.To != models.RegionUnhealthy || t.Region != o.cfg.Current().PrimaryRegion {
		return
	}
	select {
	case o.kick <- struct{}{}:
	default:
	}
}

// Run evaluates auto-failover every health check interval and whenever
// the primary turns unhealthy, until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("failover evaluator started")
	for {
		interval := time.Duration(o.cfg.Current().Monitoring.HealthCheckIntervalSec) * time.Second
		if interval <= 0 {
			interval = 30 * time.Second
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			o.logger.Info("failover evaluator stopped")
			return
		case <-o.kick:
			timer.Stop()
		case <-timer.C:
		}
		if _, err := o.Evaluate(ctx); err != nil && ctx.Err() == nil {
			o.logger.Warn("auto-failover evaluation failed", zap.Error(err))
		}
	}
}

// runSteps executes steps in order and stops at the first failure,
// returning the failing step's name.
func (o *Orchestrator) runSteps(ctx context.Context, log *zap.Logger, steps []models.FailoverStep,
	target string, dryRun bool) ([]models.StepResult, string, error) {

	results := make([]models.StepResult, 0, len(steps))
	for _, step := range steps {
		start := time.Now()
		err := o.actions.Run(ctx, step, target, dryRun)
		res := models.StepResult{
			Name:       step.Name,
			Action:     step.Action,
			Success:    err == nil,
			DurationMs: time.Since(start).Milliseconds(),
		}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
		if err != nil {
			return results, step.Name, err
		}
		log.Debug("step completed", zap.String("step", step.Name), zap.Bool("dry_run", dryRun))
	}
	return results, "", nil
}

// beginLocked reserves the orchestrator for op, which will move it to
// next. The caller clears busy when op finishes.
func (o *Orchestrator) beginLocked(op string, next models.FailoverState) error {
	if o.busy != "" {
		return errs.Conflict("failover: %s in progress", o.busy)
	}
	if !canTransition(o.status.State, next) {
		return errs.Conflict("failover: cannot start %s while %s", op, o.status.State)
	}
	o.busy = op
	return nil
}

func (o *Orchestrator) setStateLocked(ctx context.Context, next models.FailoverState, reason string) {
	prev := o.status.State
	o.status.State = next
	o.status.LastTransition = o.now()
	if reason != "" {
		o.status.Reason = reason
	}
	o.metrics.FailoverStateChanged(string(next), allStates)
	o.logger.Info("failover state changed",
		zap.String("from", string(prev)),
		zap.String("to", string(next)),
		zap.String("reason", reason))

	if o.store == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	s := copyStatus(o.status)
	if err := o.store.SaveFailoverStatus(saveCtx, &s); err != nil {
		o.logger.Error("failed to persist failover status", zap.Error(err))
	}
}

func (o *Orchestrator) savePlanLocked(ctx context.Context, p *models.FailoverPlan) error {
	if o.store == nil {
		return nil
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.store.SavePlan(saveCtx, p); err != nil {
		return fmt.Errorf("failover: save plan %q: %w", p.ID, err)
	}
	return nil
}

func (o *Orchestrator) emit(kind models.EventKind, sev models.Severity, payload map[string]any) {
	if o.notifier == nil {
		return
	}
	o.notifier.Notify(models.Event{Kind: kind, Severity: sev, Payload: payload, Timestamp: o.now()})
}

func copyStatus(s models.FailoverStatus) models.FailoverStatus {
	if s.FailedOverAt != nil {
		t := *s.FailedOverAt
		s.FailedOverAt = &t
	}
	return s
}

func ptrStatus(s models.FailoverStatus) *models.FailoverStatus {
	c := copyStatus(s)
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

// Monitor is satisfied by *health.Monitor.
var _ HealthView = (*health.Monitor)(nil)
