package compliance

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/errs"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

type staticConfig struct{ cfg models.DRConfig }

func (s staticConfig) Current() *models.DRConfig { return &s.cfg }

type strategyList []*models.BackupStrategy

func (l strategyList) List() []*models.BackupStrategy { return l }

type backupIndex struct {
	last map[string]time.Time
	err  error
}

func (b backupIndex) LastCompleted(_ context.Context, strategy string) (*models.BackupJob, error) {
	if b.err != nil {
		return nil, b.err
	}
	t, ok := b.last[strategy]
	if !ok {
		return nil, errs.NotFound("no completed job for %q", strategy)
	}
	return &models.BackupJob{ID: strategy + "-job", StrategyName: strategy, Status: models.JobStatusCompleted,
		StartedAt: t.Add(-time.Minute), CompletedAt: &t}, nil
}

type planList []*models.FailoverPlan

func (l planList) ListPlans() []*models.FailoverPlan { return l }

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Notify(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func ago(d time.Duration) *time.Time {
	t := now.Add(-d)
	return &t
}

func newEvaluator(t *testing.T, backups Backups, plans Plans, n Notifier) *Evaluator {
	t.Helper()
	strategies := strategyList{
		{Name: "nightly", Type: models.StrategyFull, Schedule: "@hourly"},
		{Name: "fresh", Type: models.StrategyIncremental, Schedule: "@hourly"},
		{Name: "never", Type: models.StrategySnapshot, Schedule: "@daily"},
		{Name: "adhoc", Type: models.StrategyManual},
	}
	e := NewEvaluator(staticConfig{models.DRConfig{RPOMinutes: 60}}, strategies, backups, plans, n, nil,
		zaptest.NewLogger(t), 7*24*time.Hour)
	e.now = func() time.Time { return now }
	return e
}

func TestEvaluate(t *testing.T) {
	backups := backupIndex{last: map[string]time.Time{
		"nightly": now.Add(-3 * time.Hour),
		"fresh":   now.Add(-10 * time.Minute),
	}}
	plans := planList{
		{ID: "tested", LastTestedAt: ago(24 * time.Hour), LastTestResult: &models.PlanTestResult{Passed: true}},
		{ID: "untested"},
		{ID: "stale", LastTestedAt: ago(30 * 24 * time.Hour), LastTestResult: &models.PlanTestResult{Passed: true}},
		{ID: "broken", LastTestedAt: ago(time.Hour), LastTestResult: &models.PlanTestResult{Passed: false, FailedStep: "dns"}},
	}
	e := newEvaluator(t, backups, plans, nil)

	report, err := e.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 60, report.RPOMinutes)
	assert.Equal(t, 7, report.Evaluated, "three scheduled strategies and four plans")
	assert.Equal(t, 2, report.CompliantCount)
	assert.Equal(t, 5, report.ViolationCount)
	assert.Equal(t, "non_compliant", report.OverallStatus)

	bySubject := map[string]models.ComplianceViolation{}
	for _, v := range report.Violations {
		bySubject[v.Subject] = v
	}
	assert.Equal(t, ViolationRPO, bySubject["nightly"].ViolationType)
	assert.Equal(t, models.SeverityCritical, bySubject["nightly"].Severity)
	assert.Equal(t, ViolationMissingBackup, bySubject["never"].ViolationType)
	assert.NotContains(t, bySubject, "fresh")
	assert.NotContains(t, bySubject, "adhoc")
	assert.NotContains(t, bySubject, "plan/tested")
	for _, id := range []string{"plan/untested", "plan/stale", "plan/broken"} {
		assert.Equal(t, ViolationPlanUntested, bySubject[id].ViolationType, id)
	}
	assert.Same(t, report, e.Last())
}

func TestEvaluateCompliant(t *testing.T) {
	backups := backupIndex{last: map[string]time.Time{
		"nightly": now.Add(-time.Minute),
		"fresh":   now.Add(-time.Minute),
		"never":   now.Add(-time.Minute),
	}}
	e := newEvaluator(t, backups, nil, nil)

	report, err := e.Evaluate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "compliant", report.OverallStatus)
	assert.Equal(t, 3, report.CompliantCount)
	assert.Empty(t, report.Violations)
}

func TestEvaluateStoreError(t *testing.T) {
	e := newEvaluator(t, backupIndex{err: errors.New("db down")}, nil, nil)
	_, err := e.Evaluate(context.Background())
	assert.Error(t, err)
	assert.Nil(t, e.Last())
}

func TestCheckNotifiesNewViolationsOnce(t *testing.T) {
	rec := &recorder{}
	backups := backupIndex{last: map[string]time.Time{
		"nightly": now.Add(-3 * time.Hour),
		"fresh":   now.Add(-time.Minute),
		"never":   now.Add(-time.Minute),
	}}
	e := newEvaluator(t, backups, nil, rec)
	ctx := context.Background()

	_, err := e.Check(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rec.count())
	assert.Equal(t, models.EventRPOViolation, rec.events[0].Kind)
	assert.Equal(t, "nightly", rec.events[0].Payload["subject"])

	_, err = e.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.count(), "unchanged violation is not re-notified")

	// Resolved, then violated again.
	backups.last["nightly"] = now.Add(-time.Minute)
	_, err = e.Check(ctx)
	require.NoError(t, err)
	backups.last["nightly"] = now.Add(-2 * time.Hour)
	_, err = e.Check(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rec.count())
}

func TestRunStopsOnCancel(t *testing.T) {
	e := newEvaluator(t, backupIndex{last: map[string]time.Time{}}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx, time.Hour)
		close(done)
	}()
	require.Eventually(t, func() bool { return e.Last() != nil }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
