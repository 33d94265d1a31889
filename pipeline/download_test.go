package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/soundmill/soundmill-api/store"
	"github.com/stretchr/testify/require"
)

func TestUnknownSourceTypeDefaultsToMP4(t *testing.T) {
	c, _ := testCoordinator(t, Config{})

	ext, err := c.pickExtension(&store.Job{VideoURL: "https://videos.example.com/stream"}, "application/octet-stream")
	require.NoError(t, err)
	require.Equal(t, ".mp4", ext)

	ext, err = c.pickExtension(&store.Job{VideoURL: "https://videos.example.com/a.webm"}, "")
	require.NoError(t, err)
	require.Equal(t, ".webm", ext)

	ext, err = c.pickExtension(&store.Job{VideoURL: "https://videos.example.com/a.webm"}, "video/quicktime")
	require.NoError(t, err)
	require.Equal(t, ".mov", ext)
}

func TestQueueTimeIsMeasuredFromJobCreation(t *testing.T) {
	c, mem := testCoordinator(t, Config{})

	job := &store.Job{VideoURL: "https://videos.example.com/old.mp4"}
	require.NoError(t, mem.CreateJob(context.Background(), job))

	// Backdate the job to look like it sat queued for a minute before a
	// worker picked it up.
	backdated, err := mem.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	backdated.CreatedAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, mem.UpdateJob(context.Background(), backdated))

	require.NoError(t, c.runDownload(context.Background(), DownloadPayload{
		JobID:      job.ID,
		VideoURL:   job.VideoURL,
		EnqueuedAt: time.Now(),
	}))
	c.events.Flush()

	var started *store.LogEvent
	for _, e := range mem.Events() {
		if e.JobID == job.ID && e.Type == store.EventDownloadStarted {
			cp := e
			started = &cp
		}
	}
	require.NotNil(t, started)
	require.GreaterOrEqual(t, started.QueueTimeMS, int64(60_000))
}
