package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/julienschmidt/httprouter"
	"github.com/soundmill/soundmill-api/store"
	"github.com/stretchr/testify/require"
)

func getStatus(t *testing.T, h *SoundmillAPIHandlersCollection, id string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/mp3/"+id+"/status", nil)
	rec := httptest.NewRecorder()
	h.JobStatus()(rec, req, httprouter.Params{{Key: "id", Value: id}})
	return rec
}

func TestJobStatusUnknownJob(t *testing.T) {
	h, _ := testHandlers(t)
	rec := getStatus(t, h, "does-not-exist")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobStatusProgressFollowsStatus(t *testing.T) {
	h, mem := testHandlers(t)

	job := &store.Job{VideoURL: "https://videos.example.com/a.mp4"}
	require.NoError(t, mem.CreateJob(context.Background(), job))

	steps := []struct {
		status       store.JobStatus
		wantProgress int
	}{
		{store.StatusPending, 0},
		{store.StatusDownloading, 25},
		{store.StatusConverting, 50},
		{store.StatusUploading, 75},
	}
	for _, step := range steps {
		require.NoError(t, mem.UpdateStatus(context.Background(), job.ID, step.status, store.StatusUpdate{}))
		rec := getStatus(t, h, job.ID)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp JobStatusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, string(step.status), resp.Status)
		require.Equal(t, step.wantProgress, resp.Progress)
		require.Empty(t, resp.CompletedAt)
	}
}

func TestJobStatusCompleted(t *testing.T) {
	h, mem := testHandlers(t)

	job := &store.Job{VideoURL: "https://videos.example.com/a.mp4"}
	require.NoError(t, mem.CreateJob(context.Background(), job))
	upd := store.StatusUpdate{MP3URL: "https://cdn.example.com/mp3/abc.mp3", NewVideoURL: "https://cdn.example.com/video/abc.mp4"}
	require.NoError(t, mem.UpdateStatus(context.Background(), job.ID, store.StatusCompleted, upd))

	rec := getStatus(t, h, job.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp JobStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "completed", resp.Status)
	require.Equal(t, 100, resp.Progress)
	require.Equal(t, "https://cdn.example.com/mp3/abc.mp3", resp.MP3URL)
	require.NotEmpty(t, resp.CompletedAt)
}

func TestJobStatusFailed(t *testing.T) {
	h, mem := testHandlers(t)

	job := &store.Job{VideoURL: "https://videos.example.com/a.mp4"}
	require.NoError(t, mem.CreateJob(context.Background(), job))
	require.NoError(t, mem.UpdateStatus(context.Background(), job.ID, store.StatusFailed, store.StatusUpdate{ErrorMessage: "no audio stream found in input"}))

	rec := getStatus(t, h, job.ID)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp JobStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "failed", resp.Status)
	require.Equal(t, 0, resp.Progress)
	require.Equal(t, "no audio stream found in input", resp.Error)
}
