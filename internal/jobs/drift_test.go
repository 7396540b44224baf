package jobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/events"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

func TestClassifyDrift(t *testing.T) {
	cases := []struct {
		score, threshold float64
		want             DriftLevel
	}{
		{0, 0.15, DriftNormal},
		{0.15, 0.15, DriftNormal}, // boundary is inclusive
		{0.16, 0.15, DriftWarning},
		{0.30, 0.15, DriftWarning}, // double threshold still warning
		{0.31, 0.15, DriftCritical},
		{1, 0.15, DriftCritical},
		{0.5, 0.5, DriftNormal},
		{0.9, 0.5, DriftWarning},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyDrift(tc.score, tc.threshold),
			"score %v threshold %v", tc.score, tc.threshold)
	}
}

func TestReportDriftCriticalRaisesAlert(t *testing.T) {
	database := openTestDB(t)
	jobRepo := repositories.NewJobRepository(database)
	eventRepo := repositories.NewEventRepository(database)
	bus := events.NewBus(eventRepo, zap.NewNop())
	svc := NewService(jobRepo, bus, nil, zap.NewNop())
	ctx := context.Background()

	job, err := svc.Submit(ctx, SubmitRequest{UserID: 3, Kind: "txt2vid"})
	require.NoError(t, err)

	level, err := svc.ReportDrift(ctx, DriftReport{JobID: job.ID, Score: 0.9, Threshold: 0.2})
	require.NoError(t, err)
	assert.Equal(t, DriftCritical, level)

	rows, total, err := eventRepo.List(ctx, repositories.EventFilter{
		EventTypeID: events.TypeID(events.SystemAlert),
	}, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	assert.Contains(t, rows[0].Payload, `"level":"critical"`)
	require.NotNil(t, rows[0].ActorID)
	assert.Equal(t, db.ID(3), *rows[0].ActorID)
}

func TestReportDriftNormalStaysQuiet(t *testing.T) {
	database := openTestDB(t)
	jobRepo := repositories.NewJobRepository(database)
	eventRepo := repositories.NewEventRepository(database)
	bus := events.NewBus(eventRepo, zap.NewNop())
	svc := NewService(jobRepo, bus, nil, zap.NewNop())
	ctx := context.Background()

	job, err := svc.Submit(ctx, SubmitRequest{UserID: 3, Kind: "txt2vid"})
	require.NoError(t, err)

	// Zero threshold falls back to the default.
	level, err := svc.ReportDrift(ctx, DriftReport{JobID: job.ID, Score: 0.1})
	require.NoError(t, err)
	assert.Equal(t, DriftNormal, level)

	_, total, err := eventRepo.List(ctx, repositories.EventFilter{
		EventTypeID: events.TypeID(events.SystemAlert),
	}, repositories.ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestReportDriftUnknownJob(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.ReportDrift(context.Background(), DriftReport{JobID: 999, Score: 0.5})
	assert.ErrorIs(t, err, repositories.ErrNotFound)
}
