package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/errs"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

// Memory is an in-process Store. State is lost on restart.
type Memory struct {
	mu         sync.RWMutex
	jobs       map[string]*models.BackupJob
	strategies map[string]*models.BackupStrategy
	plans      map[string]*models.FailoverPlan
	status     *models.FailoverStatus
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		jobs:       make(map[string]*models.BackupJob),
		strategies: make(map[string]*models.BackupStrategy),
		plans:      make(map[string]*models.FailoverPlan),
	}
}

func (m *Memory) SaveJob(_ context.Context, job *models.BackupJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.jobs[job.ID]; ok && existing.Status.Terminal() {
		return errs.Conflict("store: job %s is already %s", job.ID, existing.Status)
	}
	m.jobs[job.ID] = cloneJob(job)
	return nil
}

func (m *Memory) GetJob(_ context.Context, id string) (*models.BackupJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, errs.NotFound("store: job %q", id)
	}
	return cloneJob(job), nil
}

func (m *Memory) ListJobs(_ context.Context, strategy string) ([]*models.BackupJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.BackupJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		if strategy == "" || j.StrategyName == strategy {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if !out[i].StartedAt.Equal(out[k].StartedAt) {
			return out[i].StartedAt.After(out[k].StartedAt)
		}
		return out[i].ID > out[k].ID
	})
	return out, nil
}

func (m *Memory) MarkArtifactPurged(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return errs.NotFound("store: job %q", id)
	}
	if job.ArtifactPurgedAt == nil {
		t := at
		job.ArtifactPurgedAt = &t
	}
	return nil
}

func (m *Memory) SaveStrategy(_ context.Context, s *models.BackupStrategy) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.strategies[s.Name] = &c
	return nil
}

func (m *Memory) DeleteStrategy(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.strategies, name)
	return nil
}

func (m *Memory) ListStrategies(_ context.Context) ([]*models.BackupStrategy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.BackupStrategy, 0, len(m.strategies))
	for _, s := range m.strategies {
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

func (m *Memory) SavePlan(_ context.Context, p *models.FailoverPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.ID] = clonePlan(p)
	return nil
}

func (m *Memory) ListPlans(_ context.Context) ([]*models.FailoverPlan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.FailoverPlan, 0, len(m.plans))
	for _, p := range m.plans {
		out = append(out, clonePlan(p))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (m *Memory) SaveFailoverStatus(_ context.Context, s *models.FailoverStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *s
	m.status = &c
	return nil
}

func (m *Memory) LoadFailoverStatus(_ context.Context) (*models.FailoverStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.status == nil {
		return nil, errs.NotFound("store: failover status")
	}
	c := *m.status
	return &c, nil
}

func (m *Memory) Close() error { return nil }
