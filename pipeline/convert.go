package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"

	xerrors "github.com/soundmill/soundmill-api/errors"
	"github.com/soundmill/soundmill-api/log"
	"github.com/soundmill/soundmill-api/store"
)

// runConvert probes the downloaded video for an audio track and extracts it
// into an MP3. The source video stays on disk for the upload stage, which
// re-hosts it alongside the audio.
func (c *Coordinator) runConvert(ctx context.Context, p ConvertPayload) error {
	start := time.Now()
	job, err := c.store.GetJob(ctx, p.JobID)
	if err != nil {
		c.removeTempFile(p.JobID, p.VideoPath)
		return fmt.Errorf("cannot load job: %w", err)
	}
	if job.Status.IsTerminal() {
		c.removeTempFile(job.ID, p.VideoPath)
		log.Log(job.ID, "skipping conversion for terminal job", "status", job.Status)
		return nil
	}
	if err := c.store.UpdateStatus(ctx, job.ID, store.StatusConverting, store.StatusUpdate{}); err != nil {
		c.removeTempFile(job.ID, p.VideoPath)
		return fmt.Errorf("cannot mark job converting: %w", err)
	}
	c.events.Log(store.LogEvent{
		JobID:       job.ID,
		BatchID:     job.BatchID,
		Type:        store.EventConversionStarted,
		JobStatus:   store.StatusConverting,
		Message:     "extracting audio",
		Step:        "convert",
		QueueTimeMS: time.Since(p.EnqueuedAt).Milliseconds(),
	})

	// Back off when the host is already saturated; conversions are the
	// heaviest thing we run.
	c.throttle.wait(ctx)

	info, err := c.prober.ProbeAudio(ctx, p.VideoPath)
	if err != nil {
		c.removeTempFile(job.ID, p.VideoPath)
		if xerrors.IsUnretriable(err) {
			return err
		}
		return fmt.Errorf("cannot probe %s: %w", p.VideoPath, err)
	}
	log.Log(job.ID, "probed source", "format", info.Format, "audio_codec", info.AudioCodec, "duration_s", info.DurationSeconds)

	mp3Path, err := c.arena.CreateTempFile(".mp3")
	if err != nil {
		c.removeTempFile(job.ID, p.VideoPath)
		return fmt.Errorf("cannot create temp file: %w", err)
	}
	if err := c.trans.Transcode(ctx, p.VideoPath, mp3Path); err != nil {
		c.removeTempFile(job.ID, p.VideoPath)
		c.removeTempFile(job.ID, mp3Path)
		return fmt.Errorf("conversion failed: %w", err)
	}

	var mp3Size int64
	if stat, err := os.Stat(mp3Path); err == nil {
		mp3Size = stat.Size()
	}
	c.events.Log(store.LogEvent{
		JobID:           job.ID,
		BatchID:         job.BatchID,
		Type:            store.EventConversionCompleted,
		JobStatus:       store.StatusConverting,
		Message:         "audio extracted",
		Step:            "convert",
		FileSizeBytes:   mp3Size,
		DurationSeconds: time.Since(start).Seconds(),
	})

	err = c.uploadQueue.Put(ctx, UploadPayload{
		JobID:      job.ID,
		MP3Path:    mp3Path,
		VideoPath:  p.VideoPath,
		VideoHash:  p.VideoHash,
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		c.removeTempFile(job.ID, p.VideoPath)
		c.removeTempFile(job.ID, mp3Path)
		return fmt.Errorf("cannot enqueue for upload: %w", err)
	}
	return nil
}
