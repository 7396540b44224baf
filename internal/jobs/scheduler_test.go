package jobs

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sceneforge-io/sceneforge/server/internal/db"
)

func TestLoadScore(t *testing.T) {
	tests := []struct {
		name       string
		gpuPercent float64
		activeJobs int
		want       float64
	}{
		{"idle", 0, 0, 0},
		{"full gpu no jobs", 100, 0, 0.6},
		{"no gpu full jobs", 0, 8, 0.4},
		{"both maxed", 100, 8, 1},
		{"half gpu", 50, 0, 0.3},
		{"two jobs", 0, 2, 0.1},
		{"gpu clamps above 100", 250, 0, 0.6},
		{"jobs clamp above max", 0, 100, 0.4},
		{"negative gpu clamps to zero", -10, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, LoadScore(tt.gpuPercent, tt.activeJobs), 1e-9)
		})
	}
}

func TestLoadScoreMonotonic(t *testing.T) {
	assert.LessOrEqual(t, LoadScore(20, 1), LoadScore(40, 1))
	assert.LessOrEqual(t, LoadScore(20, 1), LoadScore(20, 3))
}

func TestPickWorkerPrefersLowestLoad(t *testing.T) {
	workers := []*db.Worker{
		workerFixture(1, "busy", "[]", 90, 4),
		workerFixture(2, "idle", "[]", 10, 0),
	}
	job := &db.Job{Tags: "[]"}

	picked := pickWorker(workers, job)
	require.NotNil(t, picked)
	assert.Equal(t, db.ID(2), picked.ID)
}

func TestPickWorkerRequiresTagSuperset(t *testing.T) {
	workers := []*db.Worker{
		workerFixture(1, "cpu-only", `["upscale"]`, 0, 0),
		workerFixture(2, "gpu", `["upscale","video","sdxl"]`, 80, 6),
	}
	job := &db.Job{Tags: `["video","sdxl"]`}

	picked := pickWorker(workers, job)
	require.NotNil(t, picked)
	assert.Equal(t, db.ID(2), picked.ID, "only the tag superset qualifies, load notwithstanding")
}

func TestPickWorkerNoMatchReturnsNil(t *testing.T) {
	workers := []*db.Worker{
		workerFixture(1, "a", `["upscale"]`, 0, 0),
	}
	job := &db.Job{Tags: `["video"]`}
	assert.Nil(t, pickWorker(workers, job))
}

func TestPickWorkerTieBreaksByHeartbeatThenID(t *testing.T) {
	older := time.Now().Add(-time.Minute)
	newer := time.Now()

	a := workerFixture(1, "a", "[]", 50, 2)
	a.LastHeartbeatAt = &older
	b := workerFixture(2, "b", "[]", 50, 2)
	b.LastHeartbeatAt = &newer

	picked := pickWorker([]*db.Worker{a, b}, &db.Job{Tags: "[]"})
	require.NotNil(t, picked)
	assert.Equal(t, db.ID(2), picked.ID, "most recent heartbeat wins the tie")

	// Equal heartbeats fall back to the lower id.
	b.LastHeartbeatAt = &older
	picked = pickWorker([]*db.Worker{b, a}, &db.Job{Tags: "[]"})
	require.NotNil(t, picked)
	assert.Equal(t, db.ID(1), picked.ID)
}

func TestParseTags(t *testing.T) {
	assert.Nil(t, parseTags(""))
	assert.Nil(t, parseTags("[]"))
	assert.Nil(t, parseTags("not json"))
	assert.Equal(t, []string{"video", "sdxl"}, parseTags(`["video","sdxl"]`))
}

func TestHasAllTags(t *testing.T) {
	assert.True(t, hasAllTags(nil, nil))
	assert.True(t, hasAllTags([]string{"a"}, nil))
	assert.True(t, hasAllTags([]string{"a", "b", "c"}, []string{"a", "c"}))
	assert.False(t, hasAllTags([]string{"a"}, []string{"a", "b"}))
	assert.False(t, hasAllTags(nil, []string{"a"}))
}

func workerFixture(id db.ID, name, tags string, gpu float64, active int) *db.Worker {
	w := &db.Worker{
		Name:       name,
		Tags:       tags,
		GPUPercent: gpu,
		ActiveJobs: active,
		Status:     db.WorkerOnline,
	}
	w.ID = id
	return w
}
