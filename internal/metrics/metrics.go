// Package metrics exposes Prometheus collectors for the DR engine.
//
// All methods are safe on a nil *Collectors so components can run without
// metrics in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors groups the engine's metrics.
type Collectors struct {
	backupJobs      *prometheus.CounterVec
	backupDuration  *prometheus.HistogramVec
	backupBytes     *prometheus.CounterVec
	backupRetries   *prometheus.CounterVec
	retentionPurged *prometheus.CounterVec
	restores        *prometheus.CounterVec
	regionHealthy   *prometheus.GaugeVec
	probeLatency    *prometheus.HistogramVec
	failoverState   *prometheus.GaugeVec
	failovers       *prometheus.CounterVec
	notifyDropped   prometheus.Counter
	violations      prometheus.Gauge
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Collectors {
	f := promauto.With(reg)
	return &Collectors{
		backupJobs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phoenix", Name: "backup_jobs_total",
			Help: "Backup jobs reaching a terminal state.",
		}, []string{"strategy", "status"}),
		backupDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "phoenix", Name: "backup_duration_seconds",
			Help:    "Wall time of backup jobs.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}, []string{"strategy"}),
		backupBytes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phoenix", Name: "backup_bytes_total",
			Help: "Bytes of completed backup artifacts.",
		}, []string{"strategy"}),
		backupRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phoenix", Name: "backup_retries_total",
			Help: "Retried backup attempts after transient errors.",
		}, []string{"strategy"}),
		retentionPurged: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phoenix", Name: "retention_purged_total",
			Help: "Artifacts deleted by retention.",
		}, []string{"strategy"}),
		restores: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phoenix", Name: "restores_total",
			Help: "Restore operations by outcome.",
		}, []string{"result"}),
		regionHealthy: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "phoenix", Name: "region_healthy",
			Help: "1 when the region is healthy, 0 otherwise.",
		}, []string{"region"}),
		probeLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "phoenix", Name: "probe_latency_seconds",
			Help:    "Region health probe latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"region"}),
		failoverState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "phoenix", Name: "failover_state",
			Help: "1 for the orchestrator's current state.",
		}, []string{"state"}),
		failovers: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "phoenix", Name: "failovers_total",
			Help: "Failover attempts by mode and result.",
		}, []string{"mode", "result"}),
		notifyDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "phoenix", Name: "notifications_dropped_total",
			Help: "Events dropped because the dispatch queue was full.",
		}),
		violations: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "phoenix", Name: "compliance_violations",
			Help: "Violations found by the last compliance evaluation.",
		}),
	}
}

func (c *Collectors) BackupFinished(strategy, status string, d time.Duration, size int64) {
	if c == nil {
		return
	}
	c.backupJobs.WithLabelValues(strategy, status).Inc()
	c.backupDuration.WithLabelValues(strategy).Observe(d.Seconds())
	if size > 0 {
		c.backupBytes.WithLabelValues(strategy).Add(float64(size))
	}
}

func (c *Collectors) BackupRetried(strategy string) {
	if c == nil {
		return
	}
	c.backupRetries.WithLabelValues(strategy).Inc()
}

func (c *Collectors) ArtifactPurged(strategy string) {
	if c == nil {
		return
	}
	c.retentionPurged.WithLabelValues(strategy).Inc()
}

func (c *Collectors) RestoreFinished(result string) {
	if c == nil {
		return
	}
	c.restores.WithLabelValues(result).Inc()
}

func (c *Collectors) RegionObserved(region string, healthy bool, latency time.Duration) {
	if c == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	c.regionHealthy.WithLabelValues(region).Set(v)
	c.probeLatency.WithLabelValues(region).Observe(latency.Seconds())
}

// FailoverStateChanged marks state as current and clears the others.
func (c *Collectors) FailoverStateChanged(state string, all []string) {
	if c == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		c.failoverState.WithLabelValues(s).Set(v)
	}
}

func (c *Collectors) FailoverAttempted(mode, result string) {
	if c == nil {
		return
	}
	c.failovers.WithLabelValues(mode, result).Inc()
}

func (c *Collectors) NotificationDropped() {
	if c == nil {
		return
	}
	c.notifyDropped.Inc()
}

func (c *Collectors) ComplianceEvaluated(violations int) {
	if c == nil {
		return
	}
	c.violations.Set(float64(violations))
}
