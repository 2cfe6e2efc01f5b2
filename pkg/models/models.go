// Package models defines the core data structures used across Phoenix.
//
// Phoenix is the Disaster Recovery Engine for Open Cloud Ops. It schedules
// and executes backups under named strategies, restores them with integrity
// verification, monitors regional health against RPO/RTO targets, and
// drives regional failover. These models represent DR configuration, backup
// strategies and jobs, health samples, failover plans and emitted events.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// StrategyType selects the capture procedure of a backup strategy.
type StrategyType string

const (
	StrategyFull        StrategyType = "full"
	StrategyIncremental StrategyType = "incremental"
	StrategySnapshot    StrategyType = "snapshot"
	StrategyManual      StrategyType = "manual"
)

// Valid reports whether t is a known strategy type.
func (t StrategyType) Valid() bool {
	switch t {
	case StrategyFull, StrategyIncremental, StrategySnapshot, StrategyManual:
		return true
	}
	return false
}

// ManualStrategyName is the implicit strategy used for ad hoc backups.
const ManualStrategyName = "manual"

// JobStatus represents the state of a single backup execution.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Duration is a time.Duration that encodes as a Go duration string in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// RetentionPolicy bounds how many completed artifacts a strategy keeps.
// A zero MaxCount or MaxAge disables that bound. The newest completed
// artifact is always kept unless AllowEmpty is set.
type RetentionPolicy struct {
	MaxCount   int      `json:"max_count" validate:"gte=0"`
	MaxAge     Duration `json:"max_age" validate:"gte=0"`
	AllowEmpty bool     `json:"allow_empty"`
}

// BackupStrategy is a named, schedulable backup definition.
type BackupStrategy struct {
	Name      string          `json:"name" validate:"required,max=63"`
	Type      StrategyType    `json:"type" validate:"required"`
	Schedule  string          `json:"schedule,omitempty"` // Cron expression
	Retention RetentionPolicy `json:"retention"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// BackupJob is one execution of a strategy. Once terminal it never changes;
// a retention purge is recorded separately in ArtifactPurgedAt.
type BackupJob struct {
	ID               string       `json:"id" db:"id"`
	StrategyName     string       `json:"strategy_name" db:"strategy_name"`
	StrategyType     StrategyType `json:"strategy_type" db:"strategy_type"`
	Status           JobStatus    `json:"status" db:"status"`
	StartedAt        time.Time    `json:"started_at" db:"started_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty" db:"completed_at"`
	ArtifactRef      string       `json:"artifact_ref,omitempty" db:"artifact_ref"`
	SizeBytes        int64        `json:"size_bytes" db:"size_bytes"`
	Checksum         string       `json:"checksum,omitempty" db:"checksum"`
	Error            string       `json:"error,omitempty" db:"error"`
	Attempts         int          `json:"attempts" db:"attempts"`
	ArtifactPurgedAt *time.Time   `json:"artifact_purged_at,omitempty" db:"artifact_purged_at"`
}

// Restorable reports whether the job has a live artifact to restore from.
func (j *BackupJob) Restorable() bool {
	return j.Status == JobStatusCompleted && j.ArtifactRef != "" && j.ArtifactPurgedAt == nil
}

// JobCounts summarises a job listing.
type JobCounts struct {
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// JobList is the result of listing backup jobs.
type JobList struct {
	Jobs   []*BackupJob `json:"jobs"`
	Counts JobCounts    `json:"counts"`
}

// RestoreRequest asks for a backup to be restored. VerifyIntegrity defaults
// to true when nil. TargetPath overrides the configured restore target.
type RestoreRequest struct {
	BackupID        string `json:"backup_id" validate:"required"`
	VerifyIntegrity *bool  `json:"verify_integrity,omitempty"`
	TargetPath      string `json:"target_path,omitempty"`
}

// ShouldVerify resolves the VerifyIntegrity default.
func (r RestoreRequest) ShouldVerify() bool {
	return r.VerifyIntegrity == nil || *r.VerifyIntegrity
}

// RestoreResult describes a finished restore.
type RestoreResult struct {
	BackupID         string    `json:"backup_id"`
	TargetPath       string    `json:"target_path"`
	ChecksumVerified bool      `json:"checksum_verified"`
	Promoted         bool      `json:"promoted"`
	RolledBack       bool      `json:"rolled_back"`
	SizeBytes        int64     `json:"size_bytes"`
	Files            int       `json:"files"`
	StartedAt        time.Time `json:"started_at"`
	CompletedAt      time.Time `json:"completed_at"`
}

// HealthSample is a single probe observation of a region.
type HealthSample struct {
	Region     string    `json:"region"`
	Healthy    bool      `json:"healthy"`
	LatencyMs  int64     `json:"latency_ms"`
	ObservedAt time.Time `json:"observed_at"`
	Error      string    `json:"error,omitempty"`
}

// RegionState is the debounced health state of a region.
type RegionState string

const (
	RegionHealthy   RegionState = "healthy"
	RegionUnhealthy RegionState = "unhealthy"
)

// RegionHealth is the monitor's current view of one region.
type RegionHealth struct {
	Region              string        `json:"region"`
	State               RegionState   `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	FailingSince        *time.Time    `json:"failing_since,omitempty"`
	UnhealthySince      *time.Time    `json:"unhealthy_since,omitempty"`
	LastSample          *HealthSample `json:"last_sample,omitempty"`
	LastTransition      time.Time     `json:"last_transition"`
}

// RegionTransition is emitted when a region changes state.
type RegionTransition struct {
	Region string      `json:"region"`
	From   RegionState `json:"from"`
	To     RegionState `json:"to"`
	At     time.Time   `json:"at"`
}

// SystemStatus aggregates region health.
type SystemStatus string

const (
	SystemOperational SystemStatus = "operational"
	SystemDegraded    SystemStatus = "degraded"
	SystemCritical    SystemStatus = "critical"
)

// SystemHealth is the aggregate health report.
type SystemHealth struct {
	Status        SystemStatus             `json:"status"`
	PrimaryRegion string                   `json:"primary_region"`
	Regions       map[string]*RegionHealth `json:"regions"`
	CheckedAt     time.Time                `json:"checked_at"`
}

// FailoverState is the orchestrator's state machine position.
type FailoverState string

const (
	FailoverNormal     FailoverState = "normal"
	FailoverTesting    FailoverState = "testing_failover"
	FailoverFailedOver FailoverState = "failed_over"
	FailoverRecovering FailoverState = "recovering"
)

// PlanStatus tracks whether a failover plan has been exercised.
type PlanStatus string

const (
	PlanUntested PlanStatus = "untested"
	PlanTested   PlanStatus = "tested"
	PlanActive   PlanStatus = "active"
)

// FailoverStep is one action of a failover or recovery procedure.
type FailoverStep struct {
	Name       string            `json:"name" validate:"required"`
	Action     string            `json:"action" validate:"required"`
	Params     map[string]string `json:"params,omitempty"`
	TimeoutSec int               `json:"timeout_sec,omitempty" validate:"gte=0"`
}

// StepResult records the outcome of one executed step.
type StepResult struct {
	Name       string `json:"name"`
	Action     string `json:"action"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// PlanTestResult is the outcome of a dry-run plan test.
type PlanTestResult struct {
	PlanID      string       `json:"plan_id"`
	Passed      bool         `json:"passed"`
	FailedStep  string       `json:"failed_step,omitempty"`
	Error       string       `json:"error,omitempty"`
	Steps       []StepResult `json:"steps"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt time.Time    `json:"completed_at"`
}

// FailoverPlan is an ordered procedure for moving service to TargetRegion.
// RecoverySteps run when returning to the primary; a default re-sync and
// cutover pair is used when empty.
type FailoverPlan struct {
	ID             string          `json:"id" validate:"required"`
	Name           string          `json:"name" validate:"required"`
	TargetRegion   string          `json:"target_region" validate:"required"`
	Steps          []FailoverStep  `json:"steps" validate:"dive"`
	RecoverySteps  []FailoverStep  `json:"recovery_steps,omitempty" validate:"dive"`
	Status         PlanStatus      `json:"status"`
	LastTestedAt   *time.Time      `json:"last_tested_at,omitempty"`
	LastTestResult *PlanTestResult `json:"last_test_result,omitempty"`
}

// FailoverStatus is the persisted orchestrator state.
type FailoverStatus struct {
	State            FailoverState `json:"state"`
	ActiveRegion     string        `json:"active_region"`
	ActivePlanID     string        `json:"active_plan_id,omitempty"`
	FailedFromRegion string        `json:"failed_from_region,omitempty"`
	FailedOverAt     *time.Time    `json:"failed_over_at,omitempty"`
	Reason           string        `json:"reason,omitempty"`
	LastTransition   time.Time     `json:"last_transition"`
}

// Severity ranks events for notification routing.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	}
	return 0
}

// EventKind names a significant engine transition.
type EventKind string

const (
	EventBackupCompleted      EventKind = "backup_completed"
	EventBackupFailed         EventKind = "backup_failed"
	EventBackupPurged         EventKind = "backup_purged"
	EventRestoreCompleted     EventKind = "restore_completed"
	EventRestoreFailed        EventKind = "restore_failed"
	EventRegionUnhealthy      EventKind = "region_unhealthy"
	EventRegionHealthy        EventKind = "region_healthy"
	EventFailoverStarted      EventKind = "failover_started"
	EventFailoverCompleted    EventKind = "failover_completed"
	EventFailoverFailed       EventKind = "failover_failed"
	EventFailoverTestComplete EventKind = "failover_test_completed"
	EventRecoveryStarted      EventKind = "recovery_started"
	EventRecoveryCompleted    EventKind = "recovery_completed"
	EventRecoveryFailed       EventKind = "recovery_failed"
	EventSystemCritical       EventKind = "system_critical"
	EventRPOViolation         EventKind = "rpo_violation"
	EventConfigChanged        EventKind = "config_changed"
)

// Event is a notification payload.
type Event struct {
	Kind      EventKind      `json:"kind"`
	Severity  Severity       `json:"severity"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// MonitoringConfig controls health polling and automatic failover.
type MonitoringConfig struct {
	HealthCheckIntervalSec  int     `json:"health_check_interval_sec" validate:"gte=1"`
	FailureThreshold        int     `json:"failure_threshold" validate:"gte=1"`
	AutoFailover            bool    `json:"auto_failover"`
	AutoFailoverRTOFraction float64 `json:"auto_failover_rto_fraction" validate:"gte=0,lte=1"`
	ProbeTimeoutSec         int     `json:"probe_timeout_sec" validate:"gte=0"`
	WindowSize              int     `json:"window_size" validate:"gte=0"`
}

// EscalationPolicy adds channels for events at or above MinSeverity.
type EscalationPolicy struct {
	MinSeverity Severity `json:"min_severity" validate:"omitempty,oneof=info warning critical"`
	Channels    []string `json:"channels" validate:"dive,required"`
}

// NotificationPolicy routes events to notifier channels.
type NotificationPolicy struct {
	Channels   []string         `json:"channels" validate:"dive,required"`
	Escalation EscalationPolicy `json:"escalation"`
}

// DRConfig is the live disaster recovery configuration. Instances are
// treated as immutable; reconfiguration swaps in a whole new value.
type DRConfig struct {
	RPOMinutes      int                `json:"rpo_minutes" validate:"gt=0"`
	RTOMinutes      int                `json:"rto_minutes" validate:"gt=0"`
	PrimaryRegion   string             `json:"primary_region" validate:"required"`
	FailoverRegions []string           `json:"failover_regions" validate:"dive,required"`
	Monitoring      MonitoringConfig   `json:"monitoring"`
	Notifications   NotificationPolicy `json:"notifications"`
}

// Clone returns a deep copy of c.
func (c *DRConfig) Clone() *DRConfig {
	if c == nil {
		return nil
	}
	out := *c
	out.FailoverRegions = append([]string(nil), c.FailoverRegions...)
	out.Notifications.Channels = append([]string(nil), c.Notifications.Channels...)
	out.Notifications.Escalation.Channels = append([]string(nil), c.Notifications.Escalation.Channels...)
	return &out
}

// Regions returns the primary region followed by the failover regions.
func (c *DRConfig) Regions() []string {
	regions := make([]string, 0, 1+len(c.FailoverRegions))
	regions = append(regions, c.PrimaryRegion)
	return append(regions, c.FailoverRegions...)
}

// RPO returns the recovery point objective as a duration.
func (c *DRConfig) RPO() time.Duration { return time.Duration(c.RPOMinutes) * time.Minute }

// RTO returns the recovery time objective as a duration.
func (c *DRConfig) RTO() time.Duration { return time.Duration(c.RTOMinutes) * time.Minute }

// ComplianceViolation represents a single RPO or readiness violation.
type ComplianceViolation struct {
	Subject       string   `json:"subject"`
	ViolationType string   `json:"violation_type"` // "rpo", "missing_backup", "plan_untested"
	Description   string   `json:"description"`
	Severity      Severity `json:"severity"`
}

// ComplianceReport is the result of evaluating the live state against the
// configured objectives.
type ComplianceReport struct {
	GeneratedAt    time.Time             `json:"generated_at"`
	RPOMinutes     int                   `json:"rpo_minutes"`
	Evaluated      int                   `json:"evaluated"`
	CompliantCount int                   `json:"compliant_count"`
	ViolationCount int                   `json:"violation_count"`
	Violations     []ComplianceViolation `json:"violations"`
	OverallStatus  string                `json:"overall_status"` // "compliant", "non_compliant"
}
