package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/soundmill/soundmill-api/log"
	"github.com/soundmill/soundmill-api/media"
	"github.com/soundmill/soundmill-api/store"
)

// runYoutube resolves a youtube URL straight to an MP3 via yt-dlp. There is
// no video file to convert or re-host, so the payload goes directly to the
// upload stage. Dedup keys on the URL hash because the source bytes are never
// on disk in a stable form.
func (c *Coordinator) runYoutube(ctx context.Context, p DownloadPayload) error {
	start := time.Now()
	job, err := c.store.GetJob(ctx, p.JobID)
	if err != nil {
		return fmt.Errorf("cannot load job: %w", err)
	}
	if job.Status.IsTerminal() {
		log.Log(job.ID, "skipping youtube download for terminal job", "status", job.Status)
		return nil
	}

	videoHash := media.URLHash(job.VideoURL)
	if artifact, err := c.store.FindArtifactByHash(ctx, videoHash); err == nil && artifact != nil {
		return c.completeFromArtifact(ctx, job, artifact)
	}

	if err := c.store.UpdateStatus(ctx, job.ID, store.StatusDownloading, store.StatusUpdate{}); err != nil {
		return fmt.Errorf("cannot mark job downloading: %w", err)
	}
	c.events.Log(store.LogEvent{
		JobID:       job.ID,
		BatchID:     job.BatchID,
		Type:        store.EventDownloadStarted,
		JobStatus:   store.StatusDownloading,
		Message:     "downloading audio via yt-dlp",
		Step:        "youtube",
		QueueTimeMS: time.Since(job.CreatedAt).Milliseconds(),
	})

	mp3Path, err := c.arena.CreateTempFile(".mp3")
	if err != nil {
		return fmt.Errorf("cannot create temp file: %w", err)
	}
	if err := c.youtube.DownloadAudio(ctx, job.VideoURL, mp3Path); err != nil {
		c.removeTempFile(job.ID, mp3Path)
		return err
	}

	var size int64
	if info, err := os.Stat(mp3Path); err == nil {
		size = info.Size()
	}
	if err := c.store.SetMediaDetails(ctx, job.ID, "audio/mpeg", size, videoHash); err != nil {
		log.LogError(job.ID, "cannot persist media details", err)
	}

	c.events.Log(store.LogEvent{
		JobID:           job.ID,
		BatchID:         job.BatchID,
		Type:            store.EventDownloadCompleted,
		JobStatus:       store.StatusDownloading,
		Message:         "youtube audio extracted",
		Step:            "youtube",
		FileSizeBytes:   size,
		DurationSeconds: time.Since(start).Seconds(),
	})

	err = c.uploadQueue.Put(ctx, UploadPayload{
		JobID:      job.ID,
		MP3Path:    mp3Path,
		VideoHash:  videoHash,
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		c.removeTempFile(job.ID, mp3Path)
		return fmt.Errorf("cannot enqueue for upload: %w", err)
	}
	return nil
}
