package backup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

// ApplyRetention purges artifacts of strategy that fall outside its
// retention policy and returns how many were purged. Purged jobs keep their
// history; only the artifact is deleted and the purge time recorded.
func (e *Executor) ApplyRetention(ctx context.Context, strategy string) (int, error) {
	var policy models.RetentionPolicy
	err := e.strategies.WithStrategy(strategy, func(s models.BackupStrategy) error {
		policy = s.Retention
		return nil
	})
	if err != nil {
		return 0, err
	}
	if policy.MaxCount == 0 && policy.MaxAge == 0 {
		return 0, nil
	}

	jobs, err := e.jobs.ListJobs(ctx, strategy)
	if err != nil {
		return 0, fmt.Errorf("backup: retention: %w", err)
	}
	var live []*models.BackupJob
	for _, j := range jobs {
		if j.Restorable() {
			live = append(live, j)
		}
	}

	now := e.now()
	purged := 0
	for _, j := range selectForPurge(live, policy, now) {
		if err := e.artifacts.Delete(ctx, j.ArtifactRef); err != nil {
			return purged, fmt.Errorf("backup: retention: delete %s: %w", j.ArtifactRef, err)
		}
		if err := e.jobs.MarkArtifactPurged(ctx, j.ID, now); err != nil {
			return purged, fmt.Errorf("backup: retention: mark %s purged: %w", j.ID, err)
		}
		purged++
		e.metrics.ArtifactPurged(strategy)
		e.logger.Info("artifact purged by retention",
			zap.String("strategy", strategy),
			zap.String("job_id", j.ID),
			zap.String("artifact", j.ArtifactRef))
		if e.notifier != nil {
			e.notifier.Notify(models.Event{
				Kind:     models.EventBackupPurged,
				Severity: models.SeverityInfo,
				Payload: map[string]any{
					"job_id":       j.ID,
					"strategy":     strategy,
					"artifact_ref": j.ArtifactRef,
				},
				Timestamp: now,
			})
		}
	}
	return purged, nil
}

// selectForPurge picks the jobs to purge from live, which is ordered newest
// first. A job is purged when it is beyond MaxCount or older than MaxAge.
// The newest job is kept unless the policy allows an empty set.
func selectForPurge(live []*models.BackupJob, p models.RetentionPolicy, now time.Time) []*models.BackupJob {
	var out []*models.BackupJob
	for i, j := range live {
		if i == 0 && !p.AllowEmpty {
			continue
		}
		overCount := p.MaxCount > 0 && i >= p.MaxCount
		tooOld := p.MaxAge > 0 && now.Sub(completedAt(j)) > time.Duration(p.MaxAge)
		if overCount || tooOld {
			out = append(out, j)
		}
	}
	return out
}

func completedAt(j *models.BackupJob) time.Time {
	if j.CompletedAt != nil {
		return *j.CompletedAt
	}
	return j.StartedAt
}
