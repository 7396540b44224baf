package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/events"
)

// DriftLevel classifies how far a rendered output has drifted from its
// reference, as scored by the external analysis pipeline.
type DriftLevel string

const (
	DriftNormal   DriftLevel = "normal"
	DriftWarning  DriftLevel = "warning"
	DriftCritical DriftLevel = "critical"
)

// DefaultDriftThreshold applies when the reporter does not supply one.
const DefaultDriftThreshold = 0.15

// ClassifyDrift buckets a drift score against a threshold: Normal up to
// the threshold, Warning up to twice the threshold, Critical beyond.
func ClassifyDrift(score, threshold float64) DriftLevel {
	switch {
	case score <= threshold:
		return DriftNormal
	case score <= 2*threshold:
		return DriftWarning
	default:
		return DriftCritical
	}
}

// DriftReport is the analysis result for one job's output.
type DriftReport struct {
	JobID     db.ID
	Score     float64
	Threshold float64
}

// ReportDrift records the drift verdict for a job's output. Scoring
// happens outside this process; this is the ingestion point. A critical
// verdict raises a system alert so operators see it even with
// notifications scoped down.
func (s *Service) ReportDrift(ctx context.Context, report DriftReport) (DriftLevel, error) {
	job, err := s.jobs.GetByID(ctx, report.JobID)
	if err != nil {
		return "", err
	}

	threshold := report.Threshold
	if threshold <= 0 {
		threshold = DefaultDriftThreshold
	}
	level := ClassifyDrift(report.Score, threshold)

	body, err := json.Marshal(map[string]interface{}{
		"job_id":    job.ID,
		"score":     report.Score,
		"threshold": threshold,
		"level":     level,
	})
	if err != nil {
		return "", fmt.Errorf("jobs: encoding drift payload: %w", err)
	}

	switch level {
	case DriftWarning:
		s.log.Warn("output drift above threshold",
			zap.Int64("job_id", job.ID),
			zap.Float64("score", report.Score),
			zap.Float64("threshold", threshold))
	case DriftCritical:
		if _, err := s.bus.Publish(ctx, events.SystemAlert, "job", job.ID, &job.UserID, string(body)); err != nil {
			return level, fmt.Errorf("jobs: publishing drift alert: %w", err)
		}
	}
	return level, nil
}
