// Package compliance evaluates the live backup and failover state against
// the configured recovery point objective.
//
// The evaluator checks every scheduled strategy for a recent completed
// backup and every failover plan for a recent passing test, and produces a
// ComplianceReport listing the violations.
package compliance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/metrics"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/errs"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

const (
	DefaultInterval       = 5 * time.Minute
	DefaultPlanTestMaxAge = 30 * 24 * time.Hour
)

// Violation types reported by the evaluator.
const (
	ViolationRPO           = "rpo"
	ViolationMissingBackup = "missing_backup"
	ViolationPlanUntested  = "plan_untested"
)

type ConfigSource interface {
	Current() *models.DRConfig
}

type Strategies interface {
	List() []*models.BackupStrategy
}

// Backups returns the newest completed job of a strategy, or ErrNotFound.
type Backups interface {
	LastCompleted(ctx context.Context, strategy string) (*models.BackupJob, error)
}

type Plans interface {
	ListPlans() []*models.FailoverPlan
}

type Notifier interface {
	Notify(event models.Event)
}

// Evaluator produces compliance reports and notifies new violations.
type Evaluator struct {
	cfg            ConfigSource
	strategies     Strategies
	backups        Backups
	plans          Plans
	notifier       Notifier
	metrics        *metrics.Collectors
	logger         *zap.Logger
	planTestMaxAge time.Duration
	now            func() time.Time

	mu     sync.Mutex
	last   *models.ComplianceReport
	active map[string]bool // violations already notified
}

// NewEvaluator creates an Evaluator. plans and notifier may be nil.
func NewEvaluator(cfg ConfigSource, strategies Strategies, backups Backups, plans Plans,
	notifier Notifier, m *metrics.Collectors, logger *zap.Logger, planTestMaxAge time.Duration) *Evaluator {

	if planTestMaxAge <= 0 {
		planTestMaxAge = DefaultPlanTestMaxAge
	}
	return &Evaluator{
		cfg:            cfg,
		strategies:     strategies,
		backups:        backups,
		plans:          plans,
		notifier:       notifier,
		metrics:        m,
		logger:         logger.Named("compliance"),
		planTestMaxAge: planTestMaxAge,
		now:            func() time.Time { return time.Now().UTC() },
		active:         make(map[string]bool),
	}
}

// Evaluate checks every scheduled strategy and every failover plan and
// returns the resulting report. Manual strategies have no cadence and are
// not evaluated against the RPO.
func (e *Evaluator) Evaluate(ctx context.Context) (*models.ComplianceReport, error) {
	cfg := e.cfg.Current()
	rpo := cfg.RPO()
	now := e.now()

	report := &models.ComplianceReport{
		GeneratedAt: now,
		RPOMinutes:  cfg.RPOMinutes,
		Violations:  make([]models.ComplianceViolation, 0),
	}

	strategies := e.strategies.List()
	sort.Slice(strategies, func(i, j int) bool { return strategies[i].Name < strategies[j].Name })
	for _, s := range strategies {
		if s.Schedule == "" || s.Type == models.StrategyManual {
			continue
		}
		report.Evaluated++

		last, err := e.backups.LastCompleted(ctx, s.Name)
		if errors.Is(err, errs.ErrNotFound) {
			report.Violations = append(report.Violations, models.ComplianceViolation{
				Subject:       s.Name,
				ViolationType: ViolationMissingBackup,
				Description:   fmt.Sprintf("No completed backup for strategy %q", s.Name),
				Severity:      models.SeverityCritical,
			})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("compliance: strategy %q: %w", s.Name, err)
		}

		if age := now.Sub(completedAt(last)); age > rpo {
			report.Violations = append(report.Violations, models.ComplianceViolation{
				Subject:       s.Name,
				ViolationType: ViolationRPO,
				Description: fmt.Sprintf("Last backup for strategy %q completed %s ago (RPO: %s)",
					s.Name, age.Round(time.Minute), rpo),
				Severity: models.SeverityCritical,
			})
			continue
		}
		report.CompliantCount++
	}

	if e.plans != nil {
		for _, p := range e.plans.ListPlans() {
			report.Evaluated++
			if v, ok := e.checkPlan(p, now); ok {
				report.Violations = append(report.Violations, v)
				continue
			}
			report.CompliantCount++
		}
	}

	report.ViolationCount = len(report.Violations)
	report.OverallStatus = "compliant"
	if report.ViolationCount > 0 {
		report.OverallStatus = "non_compliant"
	}

	e.mu.Lock()
	e.last = report
	e.mu.Unlock()
	e.metrics.ComplianceEvaluated(report.ViolationCount)
	e.logger.Debug("compliance evaluated",
		zap.Int("evaluated", report.Evaluated),
		zap.Int("violations", report.ViolationCount))
	return report, nil
}

func (e *Evaluator) checkPlan(p *models.FailoverPlan, now time.Time) (models.ComplianceViolation, bool) {
	v := models.ComplianceViolation{
		Subject:       "plan/" + p.ID,
		ViolationType: ViolationPlanUntested,
		Severity:      models.SeverityWarning,
	}
	switch {
	case p.LastTestedAt == nil:
		v.Description = fmt.Sprintf("Failover plan %q has never been tested", p.ID)
	case p.LastTestResult != nil && !p.LastTestResult.Passed:
		v.Description = fmt.Sprintf("Last test of failover plan %q failed at step %q", p.ID, p.LastTestResult.FailedStep)
	case now.Sub(*p.LastTestedAt) > e.planTestMaxAge:
		v.Description = fmt.Sprintf("Failover plan %q was last tested %s ago (max %s)",
			p.ID, now.Sub(*p.LastTestedAt).Round(time.Hour), e.planTestMaxAge)
	default:
		return v, false
	}
	return v, true
}

// Last returns the most recent report, or nil before the first evaluation.
func (e *Evaluator) Last() *models.ComplianceReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

// Check evaluates once and emits an rpo_violation event for each violation
// that was not present in the previous evaluation.
func (e *Evaluator) Check(ctx context.Context) (*models.ComplianceReport, error) {
	report, err := e.Evaluate(ctx)
	if err != nil {
		return nil, err
	}

	current := make(map[string]bool, len(report.Violations))
	var fresh []models.ComplianceViolation
	e.mu.Lock()
	for _, v := range report.Violations {
		key := v.Subject + "|" + v.ViolationType
		current[key] = true
		if !e.active[key] {
			fresh = append(fresh, v)
		}
	}
	e.active = current
	e.mu.Unlock()

	for _, v := range fresh {
		e.logger.Warn("compliance violation",
			zap.String("subject", v.Subject),
			zap.String("type", v.ViolationType),
			zap.String("description", v.Description))
		if e.notifier != nil {
			e.notifier.Notify(models.Event{
				Kind:     models.EventRPOViolation,
				Severity: v.Severity,
				Payload: map[string]any{
					"subject":        v.Subject,
					"violation_type": v.ViolationType,
					"description":    v.Description,
				},
				Timestamp: report.GeneratedAt,
			})
		}
	}
	return report, nil
}

// Run calls Check every interval until ctx is cancelled.
func (e *Evaluator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("compliance evaluator started", zap.Duration("interval", interval))
	for {
		if _, err := e.Check(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("compliance evaluation failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			e.logger.Info("compliance evaluator stopped")
			return
		case <-ticker.C:
		}
	}
}

func completedAt(j *models.BackupJob) time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return j.StartedAt
}
