package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/slurmbridge/slurmbridge/pkg/scheduler"
)

func testServer(tasks func() []scheduler.Status) *Server {
	return New("127.0.0.1", 0, VersionInfo{
		Version:   "1.2.3",
		Commit:    "abc1234",
		BuildDate: "2026-01-15",
	}, tasks, zap.NewNop())
}

func get(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	h := testServer(nil).Handler()

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		rec := get(t, h, path)
		assert.Equal(t, http.StatusOK, rec.Code, path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "ok", body["status"])
	}
}

func TestVersionEndpoint(t *testing.T) {
	rec := get(t, testServer(nil).Handler(), "/version")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body VersionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "1.2.3", body.Version)
	assert.Equal(t, "abc1234", body.Commit)
}

func TestTasksEndpoint(t *testing.T) {
	srv := testServer(func() []scheduler.Status {
		return []scheduler.Status{
			{Name: "submit", Interval: 30 * time.Second, Runs: 12, Skips: 1},
			{Name: "sync", Interval: time.Minute, Runs: 6},
		}
	})

	rec := get(t, srv.Handler(), "/tasks")
	require.Equal(t, http.StatusOK, rec.Code)

	var statuses []scheduler.Status
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&statuses))
	require.Len(t, statuses, 2)
	assert.Equal(t, "submit", statuses[0].Name)
	assert.Equal(t, int64(12), statuses[0].Runs)
	assert.Equal(t, int64(1), statuses[0].Skips)
}

func TestTasksEndpointWithoutProvider(t *testing.T) {
	rec := get(t, testServer(nil).Handler(), "/tasks")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownRouteIs404(t *testing.T) {
	rec := get(t, testServer(nil).Handler(), "/does-not-exist")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
