package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/sceneforge-io/sceneforge/server/internal/auth"
	"github.com/sceneforge-io/sceneforge/server/internal/db"
	"github.com/sceneforge-io/sceneforge/server/internal/events"
	"github.com/sceneforge-io/sceneforge/server/internal/jobs"
	"github.com/sceneforge-io/sceneforge/server/internal/repositories"
)

func newJobHandlerFixture(t *testing.T) (*JobHandler, *jobs.Service) {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	bus := events.NewBus(repositories.NewEventRepository(database), zap.NewNop())
	svc := jobs.NewService(repositories.NewJobRepository(database), bus, nil, zap.NewNop())
	return NewJobHandler(svc, zap.NewNop()), svc
}

// asUser stamps the request context the way the auth middleware would.
func asUser(r *http.Request, userID db.ID, role string) *http.Request {
	claims := &auth.Claims{Role: role}
	claims.Subject = strconv.FormatInt(userID, 10)
	return r.WithContext(context.WithValue(r.Context(), contextKeyClaims, claims))
}

func listedJobIDs(t *testing.T, body string) []float64 {
	t.Helper()
	var resp struct {
		Data []struct {
			ID float64 `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	ids := make([]float64, 0, len(resp.Data))
	for _, row := range resp.Data {
		ids = append(ids, row.ID)
	}
	return ids
}

func TestJobListFiltersByStatusID(t *testing.T) {
	h, svc := newJobHandlerFixture(t)
	ctx := context.Background()

	pending, err := svc.Submit(ctx, jobs.SubmitRequest{UserID: 1, Kind: "txt2vid"})
	require.NoError(t, err)
	cancelled, err := svc.Submit(ctx, jobs.SubmitRequest{UserID: 1, Kind: "txt2vid"})
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, cancelled.ID, nil, "no longer needed")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := asUser(httptest.NewRequest(http.MethodGet,
		"/api/v1/jobs?status_id="+strconv.Itoa(int(db.StatusCancelled)), nil), 1, "user")
	h.List(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	ids := listedJobIDs(t, rec.Body.String())
	require.Len(t, ids, 1)
	assert.EqualValues(t, cancelled.ID, ids[0])
	assert.NotContains(t, ids, float64(pending.ID))

	// Garbage values answer 400 instead of silently matching nothing.
	rec = httptest.NewRecorder()
	req = asUser(httptest.NewRequest(http.MethodGet, "/api/v1/jobs?status_id=abc", nil), 1, "user")
	h.List(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
