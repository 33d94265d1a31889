package pipeline

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"
	"time"

	xerrors "github.com/soundmill/soundmill-api/errors"
	"github.com/soundmill/soundmill-api/log"
	"github.com/soundmill/soundmill-api/media"
	"github.com/soundmill/soundmill-api/metrics"
	"github.com/soundmill/soundmill-api/queue"
	"github.com/soundmill/soundmill-api/store"
)

// Extensions we refuse to fetch no matter what the server claims the content
// type is.
var dangerousExtensions = map[string]bool{
	".exe": true,
	".msi": true,
	".bat": true,
	".cmd": true,
	".com": true,
	".scr": true,
	".ps1": true,
	".sh":  true,
	".js":  true,
	".jar": true,
	".dll": true,
	".vbs": true,
}

var youtubeHosts = map[string]bool{
	"youtube.com":       true,
	"www.youtube.com":   true,
	"m.youtube.com":     true,
	"music.youtube.com": true,
	"youtu.be":          true,
}

// ValidateVideoURL rejects anything that is not a plain public http(s) URL.
func ValidateVideoURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("cannot parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("url has no host")
	}
	if ip := net.ParseIP(u.Hostname()); ip != nil {
		if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return fmt.Errorf("refusing to fetch from address %s", ip)
		}
	}
	if host := strings.ToLower(u.Hostname()); host == "localhost" {
		return fmt.Errorf("refusing to fetch from localhost")
	}
	if ext := strings.ToLower(path.Ext(u.Path)); dangerousExtensions[ext] {
		return fmt.Errorf("refusing to fetch %s file", ext)
	}
	return nil
}

func isYoutubeURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return youtubeHosts[strings.ToLower(u.Hostname())]
}

// SubmitJob persists a new pending job for the source URL and hands it to the
// right stage queue. It returns quickly: all real work happens in the worker
// pools. A job that cannot be accepted (invalid URL, full queue) is still
// created and immediately failed, so callers always get a job ID they can
// query, alongside the error explaining the rejection.
func (c *Coordinator) SubmitJob(ctx context.Context, videoURL, batchID string) (*store.Job, error) {
	if c.stopping.Load() {
		return nil, fmt.Errorf("%w: shutting down", xerrors.OverloadedError)
	}

	job := &store.Job{VideoURL: videoURL, BatchID: batchID}
	if err := c.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("cannot create job: %w", err)
	}
	log.AddContext(job.ID, "video_url", videoURL)
	metrics.Metrics.JobsSubmitted.Inc()
	c.events.Log(store.LogEvent{
		JobID:     job.ID,
		BatchID:   batchID,
		Type:      store.EventJobCreated,
		JobStatus: store.StatusPending,
		Message:   "job created",
		Details:   videoURL,
	})

	// The job row exists either way; a bad URL fails it immediately so the
	// rejection is auditable through the status endpoint.
	if err := ValidateVideoURL(videoURL); err != nil {
		c.failJob(ctx, job, "submit", fmt.Errorf("invalid video url: %s", err))
		return job, xerrors.NewInvalidInputError("invalid video url", err)
	}

	// Fast path: if we have already converted the bytes behind this exact
	// URL, finish right here. The URL-to-content-hash hint is advisory, so
	// the artifact row is always re-checked.
	if artifact := c.lookupURLHint(ctx, videoURL); artifact != nil {
		if err := c.completeFromArtifact(ctx, job, artifact); err == nil {
			return c.store.GetJob(ctx, job.ID)
		}
	}

	// The job is returned even when enqueueing fails so callers can report
	// the created-but-failed job ID alongside the overload error.
	if err := c.enqueueNew(ctx, job); err != nil {
		return job, err
	}
	return job, nil
}

func (c *Coordinator) enqueueNew(ctx context.Context, job *store.Job) error {
	p := DownloadPayload{JobID: job.ID, VideoURL: job.VideoURL, EnqueuedAt: time.Now()}
	q := c.downloadQueue
	if isYoutubeURL(job.VideoURL) {
		q = c.youtubeQueue
	}

	if err := q.TryPut(p); err != nil {
		metrics.Metrics.QueueRejects.WithLabelValues(q.Name()).Inc()
		overloadErr := fmt.Errorf("%w: %s queue full", xerrors.OverloadedError, q.Name())
		if err == queue.ErrClosed {
			overloadErr = fmt.Errorf("%w: shutting down", xerrors.OverloadedError)
		}
		c.failJob(ctx, job, "submit", fmt.Errorf("system overloaded"))
		return overloadErr
	}

	c.events.Log(store.LogEvent{
		JobID:     job.ID,
		BatchID:   job.BatchID,
		Type:      store.EventJobQueued,
		JobStatus: store.StatusPending,
		Message:   "queued for " + q.Name(),
	})
	return nil
}

// SubmitBatch creates one batch and submits every URL under it. Individual
// failures do not abort the batch; the per-URL outcome is reported back to
// the caller alongside the created jobs.
func (c *Coordinator) SubmitBatch(ctx context.Context, videoURLs []string) (*store.Batch, []*store.Job, []error, error) {
	batch := &store.Batch{}
	if err := c.store.CreateBatch(ctx, batch); err != nil {
		return nil, nil, nil, fmt.Errorf("cannot create batch: %w", err)
	}
	jobs := make([]*store.Job, len(videoURLs))
	errs := make([]error, len(videoURLs))
	for i, u := range videoURLs {
		jobs[i], errs[i] = c.SubmitJob(ctx, u, batch.ID)
	}
	return batch, jobs, errs, nil
}

// lookupURLHint resolves the URL hint cache to a verified artifact, or nil.
func (c *Coordinator) lookupURLHint(ctx context.Context, videoURL string) *store.MediaArtifact {
	hint, ok := c.urlHints.Get(media.URLHash(videoURL))
	if !ok {
		return nil
	}
	videoHash, ok := hint.(string)
	if !ok {
		return nil
	}
	artifact, err := c.store.FindArtifactByHash(ctx, videoHash)
	if err != nil {
		log.LogNoJobID("url hint lookup failed", "err", err)
		return nil
	}
	return artifact
}

func (c *Coordinator) rememberURLHint(videoURL, videoHash string) {
	c.urlHints.SetDefault(media.URLHash(videoURL), videoHash)
}
