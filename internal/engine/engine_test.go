package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/artifact"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/failover"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/health"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/notify"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/store"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/config"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/errs"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

type captureSink struct {
	mu     sync.Mutex
	events []models.Event
}

func (c *captureSink) Send(_ context.Context, e models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *captureSink) has(kind models.EventKind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func testConfig(dir string) *config.Config {
	return &config.Config{
		Port:     "0",
		Database: config.DatabaseConfig{Driver: "memory"},
		Storage: config.StorageConfig{
			Backend:       "local",
			Path:          filepath.Join(dir, "artifacts"),
			SourceDir:     filepath.Join(dir, "src"),
			RestoreTarget: filepath.Join(dir, "restored"),
		},
		DR: config.DRSettings{
			RPOMinutes:              60,
			RTOMinutes:              30,
			PrimaryRegion:           "us-east-1",
			FailoverRegions:         []string{"us-west-2"},
			HealthCheckIntervalSec:  30,
			FailureThreshold:        3,
			AutoFailoverRTOFraction: 0.5,
			ProbeTimeoutSec:         5,
			WindowSize:              10,
			Channels:                []string{"log"},
		},
		Backup: config.BackupSettings{
			MaxAttempts:       2,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			AttemptTimeout:    time.Minute,
			SchedulerInterval: time.Hour,
		},
		Restore:    config.RestoreSettings{Timeout: time.Minute},
		Compliance: config.ComplianceConfig{Interval: time.Hour, PlanTestMaxAge: 24 * time.Hour},
		Notify:     config.NotifySettings{QueueSize: 64, SendTimeout: time.Second},
		Strategies: []config.StrategyConfig{
			{Name: "nightly", Type: "full", Schedule: "@daily", MaxCount: 5},
		},
		Plans: []config.PlanConfig{{
			ID: "to-west", Name: "Fail over to us-west-2", TargetRegion: "us-west-2",
			Steps: []config.StepConfig{{Name: "announce", Action: "log"}},
		}},
	}
}

type fixture struct {
	engine *Engine
	cfg    *config.Config
	store  *store.Memory
	sink   *captureSink
}

func newFixture(t *testing.T, mem *store.Memory) *fixture {
	t.Helper()
	dir := t.TempDir()
	cfg := testConfig(dir)
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.Storage.SourceDir, "db"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Storage.SourceDir, "db", "orders.csv"), []byte("1,widget\n"), 0o644))

	backend, err := artifact.NewLocalBackend(cfg.Storage.Path)
	require.NoError(t, err)
	arts, err := artifact.NewStore(artifact.DirSource{Root: cfg.Storage.SourceDir}, backend, zaptest.NewLogger(t))
	require.NoError(t, err)

	if mem == nil {
		mem = store.NewMemory()
	}
	sink := &captureSink{}
	e, err := New(cfg, Deps{
		Store:     mem,
		Artifacts: arts,
		Probe: health.ProbeFunc(func(context.Context, string) (bool, int64, error) {
			return true, 1, nil
		}),
		Sinks:  map[string]notify.Sink{"log": sink},
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return &fixture{engine: e, cfg: cfg, store: mem, sink: sink}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.engine.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.engine.Shutdown(ctx)
	})
}

func TestCommandsBeforeStartAreUnavailable(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.engine.ExecuteBackup(ctx, "nightly")
	assert.ErrorIs(t, err, errs.ErrUnavailable)
	_, err = f.engine.Restore(ctx, models.RestoreRequest{BackupID: "x"})
	assert.ErrorIs(t, err, errs.ErrUnavailable)
	_, err = f.engine.SystemHealth()
	assert.ErrorIs(t, err, errs.ErrUnavailable)
	_, err = f.engine.TriggerFailover(ctx, failover.TriggerOptions{})
	assert.ErrorIs(t, err, errs.ErrUnavailable)
	assert.False(t, f.engine.Running())

	// Shutdown before Start is a no-op that still closes the engine.
	require.NoError(t, f.engine.Shutdown(ctx))
	assert.ErrorIs(t, f.engine.Start(ctx), errs.ErrConflict)
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	ctx := context.Background()

	strategies, err := f.engine.ListStrategies()
	require.NoError(t, err)
	require.Len(t, strategies, 1)
	assert.Equal(t, "nightly", strategies[0].Name)

	plans, err := f.engine.ListPlans()
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, models.PlanUntested, plans[0].Status)

	job, err := f.engine.ExecuteBackup(ctx, "nightly")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	res, err := f.engine.Restore(ctx, models.RestoreRequest{BackupID: job.ID})
	require.NoError(t, err)
	assert.True(t, res.ChecksumVerified)
	data, err := os.ReadFile(filepath.Join(f.cfg.Storage.RestoreTarget, "db", "orders.csv"))
	require.NoError(t, err)
	assert.Equal(t, "1,widget\n", string(data))

	history, err := f.engine.RestoreHistory()
	require.NoError(t, err)
	assert.Len(t, history, 1)

	report, err := f.engine.Compliance(ctx)
	require.NoError(t, err)
	// The plan has never been tested.
	assert.Equal(t, 1, report.ViolationCount)

	_, err = f.engine.TestPlan(ctx, "to-west")
	require.NoError(t, err)
	report, err = f.engine.Compliance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "compliant", report.OverallStatus)

	require.Eventually(t, func() bool { return f.sink.has(models.EventBackupCompleted) }, 2*time.Second, 10*time.Millisecond)
}

func TestStartReconcilesAndKeepsStoredDefinitions(t *testing.T) {
	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.SaveJob(ctx, &models.BackupJob{
		ID: "job-interrupted", StrategyName: "nightly", StrategyType: models.StrategyFull,
		Status: models.JobStatusRunning, StartedAt: time.Now().UTC(),
	}))
	require.NoError(t, mem.SaveStrategy(ctx, &models.BackupStrategy{
		Name: "nightly", Type: models.StrategyFull, Schedule: "@hourly",
	}))

	f := newFixture(t, mem)
	f.start(t)

	job, err := f.engine.GetJob(ctx, "job-interrupted")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)

	s, err := f.engine.GetStrategy("nightly")
	require.NoError(t, err)
	assert.Equal(t, "@hourly", s.Schedule, "stored definition wins over the declared one")
}

func TestReconfigure(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)

	cur, err := f.engine.Config()
	require.NoError(t, err)

	bad := *cur
	bad.RPOMinutes = 0
	_, err = f.engine.Reconfigure(bad)
	assert.ErrorIs(t, err, errs.ErrValidation)
	cur2, _ := f.engine.Config()
	assert.Equal(t, 60, cur2.RPOMinutes)

	next := *cur
	next.RPOMinutes = 15
	got, err := f.engine.Reconfigure(next)
	require.NoError(t, err)
	assert.Equal(t, 15, got.RPOMinutes)
	require.Eventually(t, func() bool { return f.sink.has(models.EventConfigChanged) }, 2*time.Second, 10*time.Millisecond)
}

func TestShutdownRefusesFurtherCommands(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.engine.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.engine.Shutdown(ctx))

	_, err := f.engine.ListJobs(context.Background(), "")
	assert.ErrorIs(t, err, errs.ErrUnavailable)
	require.NoError(t, f.engine.Shutdown(ctx))
}

func TestRegionHistory(t *testing.T) {
	f := newFixture(t, nil)
	f.start(t)
	ctx := context.Background()

	_, err := f.engine.CheckHealth(ctx)
	require.NoError(t, err)
	samples, err := f.engine.RegionHistory(ctx, "us-west-2", 5)
	require.NoError(t, err)
	assert.NotEmpty(t, samples)

	_, err = f.engine.RegionHistory(ctx, "mars-1", 5)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
