package pipeline

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	xerrors "github.com/soundmill/soundmill-api/errors"
	"github.com/soundmill/soundmill-api/log"
	"github.com/soundmill/soundmill-api/media"
	"github.com/soundmill/soundmill-api/store"
)

// Content types we know how to name on disk. Anything else falls back to the
// URL path extension.
var extensionByContentType = map[string]string{
	"video/mp4":        ".mp4",
	"video/webm":       ".webm",
	"video/quicktime":  ".mov",
	"video/x-matroska": ".mkv",
	"video/x-msvideo":  ".avi",
	"video/mpeg":       ".mpg",
	"audio/mpeg":       ".mp3",
	"audio/mp4":        ".m4a",
	"audio/x-wav":      ".wav",
	"audio/wav":        ".wav",
	"audio/ogg":        ".ogg",
	"audio/flac":       ".flac",
}

// runDownload fetches the source video to the temp arena, hashes it, and
// either short-circuits on a known artifact or passes the file to the convert
// stage.
func (c *Coordinator) runDownload(ctx context.Context, p DownloadPayload) error {
	start := time.Now()
	job, err := c.store.GetJob(ctx, p.JobID)
	if err != nil {
		return fmt.Errorf("cannot load job: %w", err)
	}
	if job.Status.IsTerminal() {
		log.Log(job.ID, "skipping download for terminal job", "status", job.Status)
		return nil
	}
	if err := c.store.UpdateStatus(ctx, job.ID, store.StatusDownloading, store.StatusUpdate{}); err != nil {
		return fmt.Errorf("cannot mark job downloading: %w", err)
	}
	c.events.Log(store.LogEvent{
		JobID:       job.ID,
		BatchID:     job.BatchID,
		Type:        store.EventDownloadStarted,
		JobStatus:   store.StatusDownloading,
		Message:     "downloading source",
		Step:        "download",
		QueueTimeMS: time.Since(job.CreatedAt).Milliseconds(),
	})

	videoPath, size, err := c.fetchSource(ctx, job)
	if err != nil {
		return err
	}

	videoHash, err := media.ContentHashFile(videoPath)
	if err != nil {
		c.removeTempFile(job.ID, videoPath)
		return fmt.Errorf("cannot hash downloaded file: %w", err)
	}
	c.rememberURLHint(job.VideoURL, videoHash)

	job.FileSizeBytes = size
	job.VideoHash = videoHash
	job.TempVideoPath = videoPath
	if err := c.store.SetMediaDetails(ctx, job.ID, job.ContentType, size, videoHash); err != nil {
		log.LogError(job.ID, "cannot persist media details", err)
	}

	// Dedup on content: if another job already converted these exact bytes,
	// reuse its artifact and skip convert and upload entirely.
	if artifact, err := c.store.FindArtifactByHash(ctx, videoHash); err == nil && artifact != nil {
		c.removeTempFile(job.ID, videoPath)
		return c.completeFromArtifact(ctx, job, artifact)
	}

	c.events.Log(store.LogEvent{
		JobID:           job.ID,
		BatchID:         job.BatchID,
		Type:            store.EventDownloadCompleted,
		JobStatus:       store.StatusDownloading,
		Message:         "download finished",
		Step:            "download",
		FileSizeBytes:   size,
		DurationSeconds: time.Since(start).Seconds(),
	})

	err = c.convertQueue.Put(ctx, ConvertPayload{
		JobID:      job.ID,
		VideoPath:  videoPath,
		VideoHash:  videoHash,
		EnqueuedAt: time.Now(),
	})
	if err != nil {
		c.removeTempFile(job.ID, videoPath)
		return fmt.Errorf("cannot enqueue for conversion: %w", err)
	}
	return nil
}

// fetchSource pulls the job's source to a temp file, from our own object
// store when the URL points back at it, over plain HTTP otherwise.
func (c *Coordinator) fetchSource(ctx context.Context, job *store.Job) (string, int64, error) {
	var body io.ReadCloser
	var contentType string
	var err error

	if c.objStore.Exists(ctx, job.VideoURL) {
		body, err = c.objStore.Download(ctx, job.VideoURL)
	} else {
		body, contentType, err = c.fetcher.Fetch(ctx, job.VideoURL)
	}
	if err != nil {
		return "", 0, fmt.Errorf("cannot fetch %s: %w", job.VideoURL, err)
	}
	defer body.Close()

	ext, err := c.pickExtension(job, contentType)
	if err != nil {
		return "", 0, err
	}
	if contentType != "" {
		job.ContentType = contentType
	}

	videoPath, err := c.arena.CreateTempFile(ext)
	if err != nil {
		return "", 0, fmt.Errorf("cannot create temp file: %w", err)
	}
	size, err := copyWithLimit(videoPath, body, c.cfg.MaxFileSizeBytes)
	if err != nil {
		c.removeTempFile(job.ID, videoPath)
		return "", 0, err
	}
	return videoPath, size, nil
}

func (c *Coordinator) pickExtension(job *store.Job, contentType string) (string, error) {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		if ext, ok := extensionByContentType[mediaType]; ok {
			return c.checkAllowed(ext)
		}
	}
	if u, err := url.Parse(job.VideoURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" {
			return c.checkAllowed(ext)
		}
	}
	return ".mp4", nil
}

func (c *Coordinator) checkAllowed(ext string) (string, error) {
	if len(c.cfg.AllowedFileTypes) == 0 {
		return ext, nil
	}
	for _, allowed := range c.cfg.AllowedFileTypes {
		if strings.EqualFold(strings.TrimPrefix(allowed, "."), strings.TrimPrefix(ext, ".")) {
			return ext, nil
		}
	}
	return "", xerrors.Unretriable(fmt.Errorf("file type %s is not allowed", ext))
}

func copyWithLimit(dst string, src io.Reader, limit int64) (int64, error) {
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return 0, fmt.Errorf("cannot open temp file: %w", err)
	}
	defer f.Close()

	n, err := io.Copy(f, io.LimitReader(src, limit+1))
	if err != nil {
		return 0, fmt.Errorf("download interrupted: %w", err)
	}
	if n > limit {
		return 0, xerrors.Unretriable(fmt.Errorf("file exceeds the %d byte size limit", limit))
	}
	if n == 0 {
		return 0, fmt.Errorf("downloaded file is empty")
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("cannot sync temp file: %w", err)
	}
	return n, nil
}

func (c *Coordinator) removeTempFile(jobID, path string) {
	if path == "" {
		return
	}
	if err := c.arena.DeleteTempFile(path); err != nil {
		log.LogError(jobID, "cannot delete temp file", err, "path", path)
	}
}
