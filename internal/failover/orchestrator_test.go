package failover

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/drconfig"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/store"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/errs"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

type fakeHealth struct {
	mu      sync.Mutex
	regions map[string]models.RegionHealth
}

func newFakeHealth() *fakeHealth {
	return &fakeHealth{regions: map[string]models.RegionHealth{}}
}

func (f *fakeHealth) setUnhealthy(region string, since time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regions[region] = models.RegionHealth{
		Region: region, State: models.RegionUnhealthy, FailingSince: &since, UnhealthySince: &since,
	}
}

func (f *fakeHealth) setHealthy(region string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.regions, region)
}

func (f *fakeHealth) IsHealthy(region string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	rh, ok := f.regions[region]
	return !ok || rh.State == models.RegionHealthy
}

func (f *fakeHealth) Region(region string) (models.RegionHealth, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rh, ok := f.regions[region]
	if !ok {
		return models.RegionHealth{Region: region, State: models.RegionHealthy}, false
	}
	return rh, true
}

type recorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recorder) Notify(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []models.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.EventKind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	orch    *Orchestrator
	cfg     *drconfig.Store
	health  *fakeHealth
	store   *store.Memory
	events  *recorder
	actions *Actions
	now     time.Time
}

func drConfig(auto bool) models.DRConfig {
	return models.DRConfig{
		RPOMinutes:      60,
		RTOMinutes:      30,
		PrimaryRegion:   "us-east-1",
		FailoverRegions: []string{"us-west-2", "eu-west-1"},
		Monitoring: models.MonitoringConfig{
			HealthCheckIntervalSec:  30,
			FailureThreshold:        3,
			AutoFailover:            auto,
			AutoFailoverRTOFraction: 0.5,
			ProbeTimeoutSec:         5,
		},
	}
}

func newFixture(t *testing.T, auto bool) *fixture {
	t.Helper()
	cfg, err := drconfig.New(drConfig(auto), zaptest.NewLogger(t))
	require.NoError(t, err)

	f := &fixture{
		cfg:     cfg,
		health:  newFakeHealth(),
		store:   store.NewMemory(),
		events:  &recorder{},
		actions: NewActions(zaptest.NewLogger(t), nil),
		now:     time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	f.actions.Register("fail", ActionFunc(func(context.Context, models.FailoverStep, string, bool) error {
		return errors.New("dns api rejected the change")
	}))
	f.orch = New(cfg, f.health, f.store, f.actions, f.events, nil, zaptest.NewLogger(t))
	f.orch.now = func() time.Time { return f.now }
	require.NoError(t, f.orch.Load(context.Background()))
	return f
}

func (f *fixture) addPlan(t *testing.T, id, target string, steps ...models.FailoverStep) {
	t.Helper()
	if len(steps) == 0 {
		steps = []models.FailoverStep{
			{Name: "announce", Action: "log", Params: map[string]string{"message": "failing over"}},
			{Name: "promote", Action: "noop"},
		}
	}
	_, err := f.orch.AddPlan(context.Background(), models.FailoverPlan{
		ID: id, Name: "to " + target, TargetRegion: target, Steps: steps,
	})
	require.NoError(t, err)
}

func TestPlanTestPasses(t *testing.T) {
	f := newFixture(t, false)
	f.addPlan(t, "west", "us-west-2")

	res, err := f.orch.TestPlan(context.Background(), "west")
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Len(t, res.Steps, 2)
	assert.Equal(t, models.FailoverNormal, f.orch.Status().State)

	plan, err := f.orch.GetPlan("west")
	require.NoError(t, err)
	assert.Equal(t, models.PlanTested, plan.Status)
	require.NotNil(t, plan.LastTestedAt)
	assert.True(t, plan.LastTestedAt.Equal(f.now))

	stored, err := f.store.ListPlans(context.Background())
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, models.PlanTested, stored[0].Status)
	assert.Contains(t, f.events.kinds(), models.EventFailoverTestComplete)
}

func TestPlanTestStopsAtFailingStep(t *testing.T) {
	f := newFixture(t, false)
	f.addPlan(t, "west", "us-west-2",
		models.FailoverStep{Name: "announce", Action: "log"},
		models.FailoverStep{Name: "switch-dns", Action: "fail"},
		models.FailoverStep{Name: "promote", Action: "noop"},
	)

	res, err := f.orch.TestPlan(context.Background(), "west")
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, "switch-dns", res.FailedStep)
	assert.Contains(t, res.Error, "dns api rejected")
	require.Len(t, res.Steps, 2)
	assert.True(t, res.Steps[0].Success)
	assert.False(t, res.Steps[1].Success)

	plan, _ := f.orch.GetPlan("west")
	assert.Equal(t, models.PlanUntested, plan.Status)
	require.NotNil(t, plan.LastTestResult)
	assert.False(t, plan.LastTestResult.Passed)
	assert.Equal(t, models.FailoverNormal, f.orch.Status().State)

	_, err = f.orch.TestPlan(context.Background(), "ghost")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestManualFailoverPicksFirstHealthyRegion(t *testing.T) {
	f := newFixture(t, false)
	f.addPlan(t, "west", "us-west-2")
	f.addPlan(t, "eu", "eu-west-1")
	f.health.setUnhealthy("us-west-2", f.now)

	st, err := f.orch.TriggerFailover(context.Background(), TriggerOptions{Reason: "drill"})
	require.NoError(t, err)
	assert.Equal(t, models.FailoverFailedOver, st.State)
	assert.Equal(t, "eu-west-1", st.ActiveRegion)
	assert.Equal(t, "eu", st.ActivePlanID)
	assert.Equal(t, "us-east-1", st.FailedFromRegion)
	assert.Equal(t, "drill", st.Reason)

	plan, _ := f.orch.GetPlan("eu")
	assert.Equal(t, models.PlanActive, plan.Status)

	persisted, err := f.store.LoadFailoverStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.FailoverFailedOver, persisted.State)

	_, err = f.orch.TriggerFailover(context.Background(), TriggerOptions{})
	assert.ErrorIs(t, err, errs.ErrConflict)
	_, err = f.orch.TestPlan(context.Background(), "west")
	assert.ErrorIs(t, err, errs.ErrConflict)
	_, err = f.orch.AddPlan(context.Background(), models.FailoverPlan{ID: "eu", Name: "x", TargetRegion: "eu-west-1"})
	assert.ErrorIs(t, err, errs.ErrConflict)
}

func TestFailoverWithoutPlanRunsNoSteps(t *testing.T) {
	f := newFixture(t, false)
	st, err := f.orch.TriggerFailover(context.Background(), TriggerOptions{})
	require.NoError(t, err)
	assert.Equal(t, "us-west-2", st.ActiveRegion)
	assert.Empty(t, st.ActivePlanID)
}

func TestFailoverToUnhealthyPlanTargetIsRefused(t *testing.T) {
	f := newFixture(t, false)
	f.addPlan(t, "west", "us-west-2")
	f.health.setUnhealthy("us-west-2", f.now)

	_, err := f.orch.TriggerFailover(context.Background(), TriggerOptions{PlanID: "west"})
	assert.ErrorIs(t, err, errs.ErrUnavailable)
	_, err = f.orch.TriggerFailover(context.Background(), TriggerOptions{PlanID: "ghost"})
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Equal(t, models.FailoverNormal, f.orch.Status().State)
}

func TestNoHealthyRegionIsCritical(t *testing.T) {
	f := newFixture(t, false)
	for _, r := range []string{"us-east-1", "us-west-2", "eu-west-1"} {
		f.health.setUnhealthy(r, f.now)
	}

	_, err := f.orch.TriggerFailover(context.Background(), TriggerOptions{})
	assert.ErrorIs(t, err, errs.ErrUnavailable)
	assert.Equal(t, models.FailoverNormal, f.orch.Status().State)
	assert.Equal(t, []models.EventKind{models.EventSystemCritical}, f.events.kinds())
}

func TestFailedStepReturnsToNormal(t *testing.T) {
	f := newFixture(t, false)
	f.addPlan(t, "west", "us-west-2", models.FailoverStep{Name: "switch-dns", Action: "fail"})

	_, err := f.orch.TriggerFailover(context.Background(), TriggerOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "switch-dns")

	st := f.orch.Status()
	assert.Equal(t, models.FailoverNormal, st.State)
	assert.Equal(t, "us-east-1", st.ActiveRegion)
	plan, _ := f.orch.GetPlan("west")
	assert.Equal(t, models.PlanUntested, plan.Status)
	assert.Contains(t, f.events.kinds(), models.EventFailoverFailed)
}

func TestConcurrentOperationsConflict(t *testing.T) {
	f := newFixture(t, false)
	started := make(chan struct{})
	release := make(chan struct{})
	f.actions.Register("block", ActionFunc(func(ctx context.Context, _ models.FailoverStep, _ string, _ bool) error {
		close(started)
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}))
	f.addPlan(t, "west", "us-west-2", models.FailoverStep{Name: "drain", Action: "block"})

	done := make(chan error, 1)
	go func() {
		_, err := f.orch.TriggerFailover(context.Background(), TriggerOptions{})
		done <- err
	}()
	<-started

	_, err := f.orch.TriggerFailover(context.Background(), TriggerOptions{})
	assert.ErrorIs(t, err, errs.ErrConflict)
	_, err = f.orch.TestPlan(context.Background(), "west")
	assert.ErrorIs(t, err, errs.ErrConflict)
	_, err = f.orch.InitiateRecovery(context.Background())
	assert.ErrorIs(t, err, errs.ErrConflict)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, models.FailoverFailedOver, f.orch.Status().State)
}

func TestRecovery(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.orch.InitiateRecovery(ctx)
	assert.ErrorIs(t, err, errs.ErrConflict, "recovery requires failed_over")

	f.addPlan(t, "west", "us-west-2")
	f.health.setUnhealthy("us-east-1", f.now)
	_, err = f.orch.TriggerFailover(ctx, TriggerOptions{})
	require.NoError(t, err)

	_, err = f.orch.InitiateRecovery(ctx)
	assert.ErrorIs(t, err, errs.ErrUnavailable)
	assert.Equal(t, models.FailoverFailedOver, f.orch.Status().State)

	f.health.setHealthy("us-east-1")
	st, err := f.orch.InitiateRecovery(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.FailoverNormal, st.State)
	assert.Equal(t, "us-east-1", st.ActiveRegion)
	assert.Empty(t, st.ActivePlanID)
	assert.Nil(t, st.FailedOverAt)

	plan, _ := f.orch.GetPlan("west")
	assert.Equal(t, models.PlanTested, plan.Status)
	assert.Contains(t, f.events.kinds(), models.EventRecoveryCompleted)
}

func TestFailedRecoveryStaysFailedOver(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.orch.AddPlan(context.Background(), models.FailoverPlan{
		ID: "west", Name: "west", TargetRegion: "us-west-2",
		Steps:         []models.FailoverStep{{Name: "promote", Action: "noop"}},
		RecoverySteps: []models.FailoverStep{{Name: "resync", Action: "fail"}},
	})
	require.NoError(t, err)
	_, err = f.orch.TriggerFailover(context.Background(), TriggerOptions{})
	require.NoError(t, err)

	_, err = f.orch.InitiateRecovery(context.Background())
	require.Error(t, err)
	st := f.orch.Status()
	assert.Equal(t, models.FailoverFailedOver, st.State)
	assert.Equal(t, "us-west-2", st.ActiveRegion)
	assert.Contains(t, f.events.kinds(), models.EventRecoveryFailed)
}

func TestAutoFailover(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled", func(t *testing.T) {
		f := newFixture(t, false)
		f.health.setUnhealthy("us-east-1", f.now.Add(-time.Hour))
		ok, err := f.orch.Evaluate(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("below threshold", func(t *testing.T) {
		f := newFixture(t, true)
		f.health.setUnhealthy("us-east-1", f.now.Add(-10*time.Minute))
		ok, err := f.orch.Evaluate(ctx)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, models.FailoverNormal, f.orch.Status().State)
	})

	t.Run("fails over to healthy region", func(t *testing.T) {
		f := newFixture(t, true)
		f.health.setUnhealthy("us-east-1", f.now.Add(-15*time.Minute))
		ok, err := f.orch.Evaluate(ctx)
		require.NoError(t, err)
		assert.True(t, ok)
		st := f.orch.Status()
		assert.Equal(t, models.FailoverFailedOver, st.State)
		assert.Equal(t, "us-west-2", st.ActiveRegion)

		ok, err = f.orch.Evaluate(ctx)
		require.NoError(t, err)
		assert.False(t, ok, "already failed over")
	})

	t.Run("all regions unhealthy", func(t *testing.T) {
		f := newFixture(t, true)
		for _, r := range []string{"us-east-1", "us-west-2", "eu-west-1"} {
			f.health.setUnhealthy(r, f.now.Add(-time.Hour))
		}
		ok, err := f.orch.Evaluate(ctx)
		assert.ErrorIs(t, err, errs.ErrUnavailable)
		assert.False(t, ok)
		assert.Equal(t, models.FailoverNormal, f.orch.Status().State)
		assert.Contains(t, f.events.kinds(), models.EventSystemCritical)
	})
}

func TestRunEvaluatesOnPrimaryTransition(t *testing.T) {
	f := newFixture(t, true)
	f.health.setUnhealthy("us-east-1", f.now.Add(-time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.orch.Run(ctx)

	f.orch.OnRegionTransition(models.RegionTransition{Region: "us-west-2", To: models.RegionUnhealthy})
	f.orch.OnRegionTransition(models.RegionTransition{Region: "us-east-1", To: models.RegionUnhealthy})
	require.Eventually(t, func() bool {
		return f.orch.Status().State == models.FailoverFailedOver
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLoadReconcilesInterruptedOperations(t *testing.T) {
	tests := []struct {
		stored models.FailoverState
		want   models.FailoverState
	}{
		{models.FailoverTesting, models.FailoverNormal},
		{models.FailoverRecovering, models.FailoverFailedOver},
		{models.FailoverFailedOver, models.FailoverFailedOver},
	}
	for _, tt := range tests {
		t.Run(string(tt.stored), func(t *testing.T) {
			cfg, err := drconfig.New(drConfig(false), zaptest.NewLogger(t))
			require.NoError(t, err)
			mem := store.NewMemory()
			ctx := context.Background()
			require.NoError(t, mem.SaveFailoverStatus(ctx, &models.FailoverStatus{
				State: tt.stored, ActiveRegion: "us-west-2", FailedFromRegion: "us-east-1",
			}))
			require.NoError(t, mem.SavePlan(ctx, &models.FailoverPlan{
				ID: "west", Name: "west", TargetRegion: "us-west-2", Status: models.PlanActive,
			}))

			o := New(cfg, newFakeHealth(), mem, NewActions(zaptest.NewLogger(t), nil), nil, nil, zaptest.NewLogger(t))
			require.NoError(t, o.Load(ctx))
			assert.Equal(t, tt.want, o.Status().State)
			assert.Len(t, o.ListPlans(), 1)

			persisted, err := mem.LoadFailoverStatus(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, persisted.State)
		})
	}
}

func TestAddPlanValidation(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	_, err := f.orch.AddPlan(ctx, models.FailoverPlan{ID: "p", Name: "p", TargetRegion: "us-east-1"})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = f.orch.AddPlan(ctx, models.FailoverPlan{
		ID: "p", Name: "p", TargetRegion: "us-west-2",
		Steps: []models.FailoverStep{{Name: "x", Action: "teleport"}},
	})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = f.orch.AddPlan(ctx, models.FailoverPlan{Name: "no id", TargetRegion: "us-west-2"})
	assert.ErrorIs(t, err, errs.ErrValidation)

	assert.Empty(t, f.orch.ListPlans())
}
