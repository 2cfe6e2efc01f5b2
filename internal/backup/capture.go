package backup

import (
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/internal/artifact"
	"github.com/bigdegenenergy/open-cloud-ops/phoenix/pkg/models"
)

// Capturer turns a strategy run into an artifact capture request. There is
// one Capturer per strategy type.
type Capturer interface {
	Request(s models.BackupStrategy, job *models.BackupJob, prev *models.BackupJob) artifact.CaptureRequest
}

type fullCapturer struct{}

func (fullCapturer) Request(s models.BackupStrategy, job *models.BackupJob, _ *models.BackupJob) artifact.CaptureRequest {
	return artifact.CaptureRequest{Strategy: s.Name, JobID: job.ID, Mode: artifact.ModeFull}
}

// incrementalCapturer links each capture to the last restorable one. The
// artifact store deduplicates unchanged content, so every incremental
// artifact still restores on its own.
type incrementalCapturer struct{}

func (incrementalCapturer) Request(s models.BackupStrategy, job *models.BackupJob, prev *models.BackupJob) artifact.CaptureRequest {
	req := artifact.CaptureRequest{Strategy: s.Name, JobID: job.ID, Mode: artifact.ModeIncremental}
	if prev != nil {
		req.Since = prev.StartedAt
		req.ParentRef = prev.ArtifactRef
	}
	return req
}

type snapshotCapturer struct{}

func (snapshotCapturer) Request(s models.BackupStrategy, job *models.BackupJob, _ *models.BackupJob) artifact.CaptureRequest {
	return artifact.CaptureRequest{Strategy: s.Name, JobID: job.ID, Mode: artifact.ModeSnapshot}
}

type manualCapturer struct{}

func (manualCapturer) Request(s models.BackupStrategy, job *models.BackupJob, _ *models.BackupJob) artifact.CaptureRequest {
	return artifact.CaptureRequest{
		Strategy: s.Name,
		JobID:    job.ID,
		Mode:     artifact.ModeFull,
		Labels:   map[string]string{"trigger": "manual"},
	}
}

var capturers = map[models.StrategyType]Capturer{
	models.StrategyFull:        fullCapturer{},
	models.StrategyIncremental: incrementalCapturer{},
	models.StrategySnapshot:    snapshotCapturer{},
	models.StrategyManual:      manualCapturer{},
}
