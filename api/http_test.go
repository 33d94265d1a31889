package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/soundmill/soundmill-api/joblog"
	"github.com/soundmill/soundmill-api/pipeline"
	"github.com/soundmill/soundmill-api/store"
	"github.com/soundmill/soundmill-api/tempfile"
	"github.com/stretchr/testify/require"
)

func testRouter(t *testing.T) http.Handler {
	t.Helper()
	mem := store.NewMemory()
	arena, err := tempfile.NewArena(t.TempDir(), 1<<30)
	require.NoError(t, err)
	coordinator := pipeline.NewStubCoordinator(pipeline.Config{
		Store:  mem,
		Events: joblog.NewLogger(mem),
		Arena:  arena,
	})
	return NewSoundmillAPIRouter(coordinator, mem, "secret-token")
}

func TestHealthcheckNeedsNoAuth(t *testing.T) {
	router := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/ok", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())
}

func TestSubmitRequiresAuth(t *testing.T) {
	router := testRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/mp3", strings.NewReader(`{"url": "https://videos.example.com/a.mp4"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/mp3", strings.NewReader(`{"url": "https://videos.example.com/a.mp4"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
}

func TestStatusRequiresAuth(t *testing.T) {
	router := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/mp3/some-id/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/mp3/some-id/status", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInternalRouterServesMetrics(t *testing.T) {
	router := NewSoundmillAPIRouterInternal()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "jobs_submitted_total")
}
