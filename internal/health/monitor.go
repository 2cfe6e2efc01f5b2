// Package health monitors the health of the primary and failover regions.
//
// Each region carries a debounced state. A region turns Unhealthy only after
// FailureThreshold consecutive failed probes and turns Healthy again on the
// first successful one. Transitions are delivered to subscribed listeners
// and to notifications.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/metrics"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

// ConfigSource supplies the live DR configuration.
type ConfigSource interface {
	Current() *models.DRConfig
}

// Notifier receives health events.
type Notifier interface {
	Notify(event models.Event)
}

// Listener is called with each region transition, after the monitor's
// state has been updated.
type Listener func(models.RegionTransition)

const (
	defaultProbeTimeout = 5 * time.Second
	defaultWindowSize   = 100
)

// Monitor polls regions and tracks their debounced health.
type Monitor struct {
	cfg      ConfigSource
	probe    Probe
	window   Window
	notifier Notifier
	metrics  *metrics.Collectors
	logger   *zap.Logger
	now      func() time.Time

	mu         sync.RWMutex
	regions    map[string]*models.RegionHealth
	lastStatus models.SystemStatus
	checkedAt  time.Time
	listeners  []Listener

	checkMu sync.Mutex // serializes CheckOnce
}

// NewMonitor creates a Monitor. window may be nil.
func NewMonitor(cfg ConfigSource, probe Probe, window Window, notifier Notifier,
	m *metrics.Collectors, logger *zap.Logger) *Monitor {

	if window == nil {
		window = NewMemoryWindow()
	}
	return &Monitor{
		cfg:        cfg,
		probe:      probe,
		window:     window,
		notifier:   notifier,
		metrics:    m,
		logger:     logger.Named("health"),
		now:        func() time.Time { return time.Now().UTC() },
		regions:    make(map[string]*models.RegionHealth),
		lastStatus: models.SystemOperational,
	}
}

// Subscribe registers l for region transitions.
func (m *Monitor) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Run checks all regions until ctx is cancelled. The interval is re-read
// from the configuration after every check.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("health monitor started")
	for {
		if _, err := m.CheckOnce(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("health check failed", zap.Error(err))
		}

		interval := time.Duration(m.cfg.Current().Monitoring.HealthCheckIntervalSec) * time.Second
		if interval <= 0 {
			interval = 30 * time.Second
		}
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			m.logger.Info("health monitor stopped")
			return
		case <-timer.C:
		}
	}
}

// CheckOnce probes every configured region concurrently, applies the
// samples and returns them in configuration order.
func (m *Monitor) CheckOnce(ctx context.Context) ([]models.HealthSample, error) {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	cfg := m.cfg.Current()
	regions := cfg.Regions()
	timeout := time.Duration(cfg.Monitoring.ProbeTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}

	samples := make([]models.HealthSample, len(regions))
	g, gctx := errgroup.WithContext(ctx)
	for i, region := range regions {
		g.Go(func() error {
			samples[i] = m.sample(gctx, region, timeout)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	size := cfg.Monitoring.WindowSize
	if size <= 0 {
		size = defaultWindowSize
	}
	for _, s := range samples {
		if err := m.window.Append(ctx, s, size); err != nil {
			m.logger.Warn("failed to record health sample", zap.String("region", s.Region), zap.Error(err))
		}
	}

	transitions, status, statusChanged := m.apply(cfg, samples)
	m.dispatch(transitions)
	if statusChanged && status == models.SystemCritical {
		m.logger.Error("no healthy region available")
		m.notify(models.EventSystemCritical, models.SeverityCritical, map[string]any{
			"primary_region": cfg.PrimaryRegion,
			"regions":        regions,
		})
	}
	return samples, nil
}

func (m *Monitor) sample(ctx context.Context, region string, timeout time.Duration) models.HealthSample {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	healthy, latency, err := m.probe.Probe(ctx, region)
	if latency == 0 {
		latency = time.Since(start).Milliseconds()
	}
	s := models.HealthSample{
		Region:     region,
		Healthy:    healthy && err == nil,
		LatencyMs:  latency,
		ObservedAt: m.now(),
	}
	if err != nil {
		s.Error = err.Error()
	}
	m.metrics.RegionObserved(region, s.Healthy, time.Duration(latency)*time.Millisecond)
	return s
}

// apply folds samples into the region states and returns the resulting
// transitions and aggregate status.
func (m *Monitor) apply(cfg *models.DRConfig, samples []models.HealthSample) ([]models.RegionTransition, models.SystemStatus, bool) {
	threshold := cfg.Monitoring.FailureThreshold
	if threshold < 1 {
		threshold = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	configured := make(map[string]bool, len(samples))
	var transitions []models.RegionTransition
	for _, s := range samples {
		configured[s.Region] = true
		rh := m.regions[s.Region]
		if rh == nil {
			// Unknown regions start Healthy.
			rh = &models.RegionHealth{Region: s.Region, State: models.RegionHealthy, LastTransition: s.ObservedAt}
			m.regions[s.Region] = rh
		}
		sample := s
		rh.LastSample = &sample

		if s.Healthy {
			rh.ConsecutiveFailures = 0
			rh.FailingSince = nil
			if rh.State == models.RegionUnhealthy {
				rh.State = models.RegionHealthy
				rh.UnhealthySince = nil
				rh.LastTransition = s.ObservedAt
				transitions = append(transitions, models.RegionTransition{
					Region: s.Region, From: models.RegionUnhealthy, To: models.RegionHealthy, At: s.ObservedAt,
				})
			}
			continue
		}

		rh.ConsecutiveFailures++
		if rh.FailingSince == nil {
			at := s.ObservedAt
			rh.FailingSince = &at
		}
		if rh.State == models.RegionHealthy && rh.ConsecutiveFailures >= threshold {
			at := s.ObservedAt
			rh.State = models.RegionUnhealthy
			rh.UnhealthySince = &at
			rh.LastTransition = at
			transitions = append(transitions, models.RegionTransition{
				Region: s.Region, From: models.RegionHealthy, To: models.RegionUnhealthy, At: at,
			})
		}
	}
	for region := range m.regions {
		if !configured[region] {
			delete(m.regions, region)
		}
	}

	status := m.statusLocked(cfg)
	changed := status != m.lastStatus
	m.lastStatus = status
	m.checkedAt = m.now()
	return transitions, status, changed
}

func (m *Monitor) dispatch(transitions []models.RegionTransition) {
	if len(transitions) == 0 {
		return
	}
	m.mu.RLock()
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.RUnlock()

	for _, t := range transitions {
		kind, sev := models.EventRegionHealthy, models.SeverityInfo
		if t.To == models.RegionUnhealthy {
			kind, sev = models.EventRegionUnhealthy, models.SeverityWarning
			m.logger.Warn("region unhealthy", zap.String("region", t.Region))
		} else {
			m.logger.Info("region recovered", zap.String("region", t.Region))
		}
		m.notify(kind, sev, map[string]any{
			"region": t.Region,
			"from":   string(t.From),
			"to":     string(t.To),
		})
		for _, l := range listeners {
			l(t)
		}
	}
}

func (m *Monitor) notify(kind models.EventKind, sev models.Severity, payload map[string]any) {
	if m.notifier == nil {
		return
	}
	m.notifier.Notify(models.Event{Kind: kind, Severity: sev, Payload: payload, Timestamp: m.now()})
}

// statusLocked computes the aggregate status. Regions never sampled count
// as Healthy.
func (m *Monitor) statusLocked(cfg *models.DRConfig) models.SystemStatus {
	if m.healthyLocked(cfg.PrimaryRegion) {
		return models.SystemOperational
	}
	for _, r := range cfg.FailoverRegions {
		if m.healthyLocked(r) {
			return models.SystemDegraded
		}
	}
	return models.SystemCritical
}

func (m *Monitor) healthyLocked(region string) bool {
	rh, ok := m.regions[region]
	return !ok || rh.State == models.RegionHealthy
}

// IsHealthy reports the debounced state of region.
func (m *Monitor) IsHealthy(region string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthyLocked(region)
}

// Region returns a copy of the state of one region.
func (m *Monitor) Region(region string) (models.RegionHealth, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rh, ok := m.regions[region]
	if !ok {
		return models.RegionHealth{Region: region, State: models.RegionHealthy}, false
	}
	return copyRegion(rh), true
}

// GetSystemHealth returns every configured region's state and the
// aggregate status.
func (m *Monitor) GetSystemHealth() *models.SystemHealth {
	cfg := m.cfg.Current()

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := &models.SystemHealth{
		Status:        m.statusLocked(cfg),
		PrimaryRegion: cfg.PrimaryRegion,
		Regions:       make(map[string]*models.RegionHealth),
		CheckedAt:     m.checkedAt,
	}
	for _, region := range cfg.Regions() {
		rh, ok := m.regions[region]
		if !ok {
			out.Regions[region] = &models.RegionHealth{Region: region, State: models.RegionHealthy}
			continue
		}
		c := copyRegion(rh)
		out.Regions[region] = &c
	}
	return out
}

// History returns up to n recent samples of region, newest first.
func (m *Monitor) History(ctx context.Context, region string, n int) ([]models.HealthSample, error) {
	return m.window.Recent(ctx, region, n)
}

func copyRegion(rh *models.RegionHealth) models.RegionHealth {
	c := *rh
	if rh.FailingSince != nil {
		t := *rh.FailingSince
		c.FailingSince = &t
	}
	if rh.UnhealthySince != nil {
		t := *rh.UnhealthySince
		c.UnhealthySince = &t
	}
	if rh.LastSample != nil {
		s := *rh.LastSample
		c.LastSample = &s
	}
	return c
}
