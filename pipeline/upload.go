package pipeline

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/soundmill/soundmill-api/log"
	"github.com/soundmill/soundmill-api/metrics"
	"github.com/soundmill/soundmill-api/store"
	"golang.org/x/sync/errgroup"
)

var contentTypeByExtension = map[string]string{
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mpg":  "video/mpeg",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".wav":  "audio/wav",
	".ogg":  "audio/ogg",
	".flac": "audio/flac",
}

// runUpload publishes the MP3 (and the re-hosted source video, when there is
// one) to the object store, records the artifact for dedup, and completes the
// job. The two uploads run in parallel.
func (c *Coordinator) runUpload(ctx context.Context, p UploadPayload) error {
	start := time.Now()
	// The payload owns both temp files. Upload is the last stage to touch
	// them, so they are released on every exit path; a retry re-downloads.
	defer func() {
		c.removeTempFile(p.JobID, p.MP3Path)
		c.removeTempFile(p.JobID, p.VideoPath)
	}()
	job, err := c.store.GetJob(ctx, p.JobID)
	if err != nil {
		return fmt.Errorf("cannot load job: %w", err)
	}
	if job.Status.IsTerminal() {
		log.Log(job.ID, "skipping upload for terminal job", "status", job.Status)
		return nil
	}
	if err := c.store.UpdateStatus(ctx, job.ID, store.StatusUploading, store.StatusUpdate{}); err != nil {
		return fmt.Errorf("cannot mark job uploading: %w", err)
	}
	c.events.Log(store.LogEvent{
		JobID:       job.ID,
		BatchID:     job.BatchID,
		Type:        store.EventUploadStarted,
		JobStatus:   store.StatusUploading,
		Message:     "publishing artifacts",
		Step:        "upload",
		QueueTimeMS: time.Since(p.EnqueuedAt).Milliseconds(),
	})

	var mp3URL, videoURL string
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		var err error
		mp3URL, err = c.objStore.Upload(groupCtx, p.MP3Path, "mp3/"+p.VideoHash+".mp3", "audio/mpeg")
		return err
	})
	if p.VideoPath != "" {
		group.Go(func() error {
			ext := path.Ext(p.VideoPath)
			contentType := contentTypeByExtension[ext]
			var err error
			videoURL, err = c.objStore.Upload(groupCtx, p.VideoPath, "video/"+p.VideoHash+ext, contentType)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}

	artifact := &store.MediaArtifact{
		VideoHash:     p.VideoHash,
		VideoURL:      videoURL,
		AudioURL:      mp3URL,
		FileSizeBytes: job.FileSizeBytes,
	}
	if err := c.store.SaveArtifact(ctx, artifact); err != nil {
		log.LogError(job.ID, "cannot save artifact", err, "video_hash", p.VideoHash)
	}
	c.rememberURLHint(job.VideoURL, p.VideoHash)

	upd := store.StatusUpdate{MP3URL: mp3URL, NewVideoURL: videoURL}
	if err := c.store.UpdateStatus(ctx, job.ID, store.StatusCompleted, upd); err != nil {
		return fmt.Errorf("cannot mark job completed: %w", err)
	}

	totalTime := time.Since(job.CreatedAt)
	c.events.Log(store.LogEvent{
		JobID:           job.ID,
		BatchID:         job.BatchID,
		Type:            store.EventUploadCompleted,
		JobStatus:       store.StatusUploading,
		Message:         "artifacts published",
		Step:            "upload",
		DurationSeconds: time.Since(start).Seconds(),
	})
	c.events.LogJobCompleted(job, totalTime.Seconds())
	metrics.Metrics.JobsCompleted.Inc()
	metrics.Metrics.JobDurationSec.Observe(totalTime.Seconds())
	log.Log(job.ID, "job completed", "mp3_url", mp3URL, "total_time", totalTime)
	return nil
}
