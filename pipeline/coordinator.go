package pipeline

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/soundmill/soundmill-api/clients"
	xerrors "github.com/soundmill/soundmill-api/errors"
	"github.com/soundmill/soundmill-api/joblog"
	"github.com/soundmill/soundmill-api/log"
	"github.com/soundmill/soundmill-api/media"
	"github.com/soundmill/soundmill-api/metrics"
	"github.com/soundmill/soundmill-api/queue"
	"github.com/soundmill/soundmill-api/store"
	"github.com/soundmill/soundmill-api/tempfile"
)

// JobStore is the persistence surface the pipeline needs. Both store.Postgres
// and store.Memory satisfy it.
type JobStore interface {
	CreateJob(ctx context.Context, job *store.Job) error
	GetJob(ctx context.Context, id string) (*store.Job, error)
	UpdateStatus(ctx context.Context, id string, status store.JobStatus, upd store.StatusUpdate) error
	SetMediaDetails(ctx context.Context, id, contentType string, fileSizeBytes int64, videoHash string) error
	IncrementAttempts(ctx context.Context, id string) error
	GetStaleJobs(ctx context.Context, olderThan time.Duration) ([]*store.Job, error)
	CreateBatch(ctx context.Context, batch *store.Batch) error
	FindArtifactByHash(ctx context.Context, videoHash string) (*store.MediaArtifact, error)
	SaveArtifact(ctx context.Context, artifact *store.MediaArtifact) error
	ExpiredArtifacts(ctx context.Context, olderThan time.Time) ([]*store.MediaArtifact, error)
	DeleteArtifact(ctx context.Context, videoHash string) error
	PurgeExpiredJobs(ctx context.Context, olderThan time.Time) (int64, error)
	DeleteLogEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Fetcher downloads a source video over plain HTTP(S).
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (io.ReadCloser, string, error)
}

// EventLogger is the slice of the job logger the pipeline emits into.
type EventLogger interface {
	Log(e store.LogEvent)
	LogError(jobID, batchID, message, details string)
	LogJobCompleted(job *store.Job, durationSeconds float64)
	Flush()
}

// Config wires the coordinator's collaborators and tuning knobs. Zero values
// get sensible defaults from NewCoordinator.
type Config struct {
	Store       JobStore
	Events      EventLogger
	ObjectStore clients.ObjectStore
	Fetcher     Fetcher
	Youtube     clients.YoutubeResolver
	Prober      media.Prober
	Transcoder  media.Transcoder
	Arena       *tempfile.Arena

	MaxConcurrentDownloads        int
	MaxConcurrentYoutubeDownloads int
	MaxConcurrentConversions      int
	MaxConcurrentUploads          int

	DownloadQueueCapacity int
	YoutubeQueueCapacity  int
	ConvertQueueCapacity  int
	UploadQueueCapacity   int

	MaxFileSizeBytes int64
	AllowedFileTypes []string

	JobRetryLimit     int
	StaleJobThreshold time.Duration
	RecoveryInterval  time.Duration

	// How long Stop waits for in-flight work to finish before cancelling it.
	ShutdownDrainGrace time.Duration

	ArtifactTTL     time.Duration
	LogEventMaxAge  time.Duration
	CompletedJobTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxConcurrentDownloads < 1 {
		c.MaxConcurrentDownloads = 5
	}
	if c.MaxConcurrentYoutubeDownloads < 1 {
		c.MaxConcurrentYoutubeDownloads = 3
	}
	if c.MaxConcurrentConversions < 1 {
		c.MaxConcurrentConversions = max(1, runtime.NumCPU()-1)
	}
	if c.MaxConcurrentUploads < 1 {
		c.MaxConcurrentUploads = 5
	}
	if c.DownloadQueueCapacity < 1 {
		c.DownloadQueueCapacity = 100
	}
	if c.YoutubeQueueCapacity < 1 {
		c.YoutubeQueueCapacity = 100
	}
	if c.ConvertQueueCapacity < 1 {
		c.ConvertQueueCapacity = max(1, runtime.NumCPU()-1)
	}
	if c.UploadQueueCapacity < 1 {
		c.UploadQueueCapacity = 10
	}
	if c.MaxFileSizeBytes <= 0 {
		c.MaxFileSizeBytes = 2 << 30
	}
	if c.JobRetryLimit < 1 {
		c.JobRetryLimit = 3
	}
	if c.StaleJobThreshold <= 0 {
		c.StaleJobThreshold = 30 * time.Minute
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = 10 * time.Minute
	}
	if c.ShutdownDrainGrace <= 0 {
		c.ShutdownDrainGrace = 2 * time.Minute
	}
	if c.ArtifactTTL <= 0 {
		c.ArtifactTTL = 7 * 24 * time.Hour
	}
	if c.LogEventMaxAge <= 0 {
		c.LogEventMaxAge = 30 * 24 * time.Hour
	}
	if c.CompletedJobTTL <= 0 {
		c.CompletedJobTTL = 7 * 24 * time.Hour
	}
}

// Coordinator owns the four stage queues and their worker pools. It is called
// directly from the API handlers and never blocks on execution: SubmitJob only
// validates and enqueues, the workers do the actual work in background.
type Coordinator struct {
	cfg Config

	store    JobStore
	events   EventLogger
	objStore clients.ObjectStore
	fetcher  Fetcher
	youtube  clients.YoutubeResolver
	prober   media.Prober
	trans    media.Transcoder
	arena    *tempfile.Arena

	downloadQueue *queue.Queue[DownloadPayload]
	youtubeQueue  *queue.Queue[DownloadPayload]
	convertQueue  *queue.Queue[ConvertPayload]
	uploadQueue   *queue.Queue[UploadPayload]

	// Maps sha256(video URL) to a content hash seen for that URL. Best-effort
	// hint only; every hit is verified against the artifact index.
	urlHints *gocache.Cache

	throttle *throttle

	stopping atomic.Bool

	workersCtx    context.Context
	workersCancel context.CancelFunc
	loopsCtx      context.Context
	loopsCancel   context.CancelFunc

	downloadWG sync.WaitGroup
	youtubeWG  sync.WaitGroup
	convertWG  sync.WaitGroup
	uploadWG   sync.WaitGroup
	loopsWG    sync.WaitGroup
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	cfg.applyDefaults()
	if cfg.Store == nil {
		return nil, fmt.Errorf("pipeline requires a job store")
	}
	if cfg.Events == nil {
		return nil, fmt.Errorf("pipeline requires an event logger")
	}
	if cfg.ObjectStore == nil {
		return nil, fmt.Errorf("pipeline requires an object store")
	}
	if cfg.Arena == nil {
		return nil, fmt.Errorf("pipeline requires a temp arena")
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = clients.NewHTTPFetcher()
	}
	if cfg.Youtube == nil {
		cfg.Youtube = clients.NewYtdlpResolver("", 0, 0, 0)
	}
	if cfg.Prober == nil {
		cfg.Prober = media.Probe{}
	}
	if cfg.Transcoder == nil {
		cfg.Transcoder = media.FFmpegTranscoder{}
	}

	workersCtx, workersCancel := context.WithCancel(context.Background())
	loopsCtx, loopsCancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:           cfg,
		store:         cfg.Store,
		events:        cfg.Events,
		objStore:      cfg.ObjectStore,
		fetcher:       cfg.Fetcher,
		youtube:       cfg.Youtube,
		prober:        cfg.Prober,
		trans:         cfg.Transcoder,
		arena:         cfg.Arena,
		downloadQueue: queue.New[DownloadPayload]("download", cfg.DownloadQueueCapacity),
		youtubeQueue:  queue.New[DownloadPayload]("youtube", cfg.YoutubeQueueCapacity),
		convertQueue:  queue.New[ConvertPayload]("convert", cfg.ConvertQueueCapacity),
		uploadQueue:   queue.New[UploadPayload]("upload", cfg.UploadQueueCapacity),
		urlHints:      gocache.New(24*time.Hour, time.Hour),
		throttle:      newThrottle(),
		workersCtx:    workersCtx,
		workersCancel: workersCancel,
		loopsCtx:      loopsCtx,
		loopsCancel:   loopsCancel,
	}, nil
}

// NewStubCoordinator builds a coordinator against the in-memory store with
// every external collaborator stubbed out. Tests swap in their own stubs via
// cfg before calling Start.
func NewStubCoordinator(cfg Config) *Coordinator {
	if cfg.Store == nil {
		cfg.Store = store.NewMemory()
	}
	if cfg.Events == nil {
		cfg.Events = joblog.NewLogger(store.NewMemory())
	}
	if cfg.ObjectStore == nil {
		cfg.ObjectStore = StubObjectStore{}
	}
	if cfg.Fetcher == nil {
		cfg.Fetcher = StubFetcher{}
	}
	if cfg.Youtube == nil {
		cfg.Youtube = StubYoutubeResolver{}
	}
	if cfg.Prober == nil {
		cfg.Prober = StubProber{}
	}
	if cfg.Transcoder == nil {
		cfg.Transcoder = StubTranscoder{}
	}
	if cfg.Arena == nil {
		arena, err := tempfile.NewArena("", 1<<30)
		if err != nil {
			panic(err)
		}
		cfg.Arena = arena
	}
	c, err := NewCoordinator(cfg)
	if err != nil {
		panic(err)
	}
	return c
}

// Start launches the worker pools and the background loops.
func (c *Coordinator) Start() {
	c.startPool(&c.downloadWG, c.cfg.MaxConcurrentDownloads, c.downloadLoop)
	c.startPool(&c.youtubeWG, c.cfg.MaxConcurrentYoutubeDownloads, c.youtubeLoop)
	c.startPool(&c.convertWG, c.cfg.MaxConcurrentConversions, c.convertLoop)
	c.startPool(&c.uploadWG, c.cfg.MaxConcurrentUploads, c.uploadLoop)

	c.loopsWG.Add(3)
	go func() { defer c.loopsWG.Done(); c.recoveryLoop(c.loopsCtx) }()
	go func() { defer c.loopsWG.Done(); c.janitorLoop(c.loopsCtx) }()
	go func() { defer c.loopsWG.Done(); c.gaugeLoop(c.loopsCtx) }()
	c.throttle.start(c.loopsCtx, &c.loopsWG)
}

// Stop drains the pipeline stage by stage: no new submissions are accepted,
// then each queue is closed once everything upstream of it has finished. Work
// already accepted is completed, not dropped. If the drain grace runs out
// the worker context is cancelled, which aborts hung subprocesses and network
// calls; the recovery loop picks those jobs up on the next start.
func (c *Coordinator) Stop() {
	c.stopping.Store(true)
	deadline := time.Now().Add(c.cfg.ShutdownDrainGrace)

	c.downloadQueue.Close()
	c.youtubeQueue.Close()
	c.waitOrCancel(&c.downloadWG, deadline)
	c.waitOrCancel(&c.youtubeWG, deadline)

	c.convertQueue.Close()
	c.waitOrCancel(&c.convertWG, deadline)

	c.uploadQueue.Close()
	c.waitOrCancel(&c.uploadWG, deadline)

	c.workersCancel()
	c.loopsCancel()
	c.loopsWG.Wait()

	c.events.Flush()
}

// waitOrCancel waits for one worker pool to drain. Past the deadline the
// worker context is cancelled and the pool is waited on unconditionally;
// cancellation is process-wide, so later pools drain immediately too.
func (c *Coordinator) waitOrCancel(wg *sync.WaitGroup, deadline time.Time) {
	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(time.Until(deadline)):
		log.LogNoJobID("drain grace expired, cancelling in-flight work")
		c.workersCancel()
		<-drained
	}
}

func (c *Coordinator) startPool(wg *sync.WaitGroup, n int, loop func(ctx context.Context)) {
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loop(c.workersCtx)
		}()
	}
}

func (c *Coordinator) downloadLoop(ctx context.Context) {
	for {
		p, err := c.downloadQueue.Take(ctx)
		if err != nil {
			return
		}
		c.observeDequeue("download", p.EnqueuedAt)
		c.runStage(ctx, p.JobID, "download", func() error { return c.runDownload(ctx, p) })
	}
}

func (c *Coordinator) youtubeLoop(ctx context.Context) {
	for {
		p, err := c.youtubeQueue.Take(ctx)
		if err != nil {
			return
		}
		c.observeDequeue("youtube", p.EnqueuedAt)
		c.runStage(ctx, p.JobID, "youtube", func() error { return c.runYoutube(ctx, p) })
	}
}

func (c *Coordinator) convertLoop(ctx context.Context) {
	for {
		p, err := c.convertQueue.Take(ctx)
		if err != nil {
			return
		}
		c.observeDequeue("convert", p.EnqueuedAt)
		c.runStage(ctx, p.JobID, "convert", func() error { return c.runConvert(ctx, p) })
	}
}

func (c *Coordinator) uploadLoop(ctx context.Context) {
	for {
		p, err := c.uploadQueue.Take(ctx)
		if err != nil {
			return
		}
		c.observeDequeue("upload", p.EnqueuedAt)
		c.runStage(ctx, p.JobID, "upload", func() error { return c.runUpload(ctx, p) })
	}
}

// runStage runs one stage handler safely, timing it and turning errors and
// panics into a retry or a terminal failure.
func (c *Coordinator) runStage(ctx context.Context, jobID, stage string, handler func() error) {
	start := time.Now()
	_, err := recovered(func() (bool, error) { return true, handler() })
	metrics.Metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	if err != nil {
		c.retryOrFail(ctx, jobID, stage, err)
	}
}

// retryOrFail either re-runs the job from the top of the pipeline or marks it
// failed. Transient errors are retried until the attempt limit; unretriable
// ones fail immediately.
func (c *Coordinator) retryOrFail(ctx context.Context, jobID, stage string, stageErr error) {
	log.LogError(jobID, "stage failed", stageErr, "stage", stage)

	job, err := c.store.GetJob(ctx, jobID)
	if err != nil {
		log.LogError(jobID, "cannot load job after stage failure", err)
		return
	}

	if !xerrors.IsUnretriable(stageErr) && job.ProcessingAttempts+1 < c.cfg.JobRetryLimit && !c.stopping.Load() {
		if err := c.store.IncrementAttempts(ctx, jobID); err != nil {
			log.LogError(jobID, "cannot increment attempts", err)
			return
		}
		c.events.Log(store.LogEvent{
			JobID:   jobID,
			BatchID: job.BatchID,
			Type:    store.EventJobRetry,
			Message: fmt.Sprintf("retrying after %s failure", stage),
			Details: stageErr.Error(),
			Step:    stage,
		})
		if err := c.enqueueForSource(ctx, job); err == nil {
			return
		}
		// Fall through to a terminal failure if we cannot re-enqueue.
	}

	c.failJob(ctx, job, stage, stageErr)
}

func (c *Coordinator) failJob(ctx context.Context, job *store.Job, stage string, stageErr error) {
	if err := c.store.UpdateStatus(ctx, job.ID, store.StatusFailed, store.StatusUpdate{ErrorMessage: cleanErrorMessage(stageErr)}); err != nil {
		log.LogError(job.ID, "cannot mark job failed", err)
	}
	c.events.LogError(job.ID, job.BatchID, fmt.Sprintf("%s failed", stage), stageErr.Error())
	metrics.Metrics.JobsFailed.WithLabelValues(stage).Inc()
}

// enqueueForSource puts the job back at the start of the pipeline, picking
// the youtube or plain download queue based on the source URL.
func (c *Coordinator) enqueueForSource(ctx context.Context, job *store.Job) error {
	p := DownloadPayload{JobID: job.ID, VideoURL: job.VideoURL, EnqueuedAt: time.Now()}
	q := c.downloadQueue
	if isYoutubeURL(job.VideoURL) {
		q = c.youtubeQueue
	}
	return q.Put(ctx, p)
}

// completeFromArtifact finishes a job straight from the dedup index without
// running any stage.
func (c *Coordinator) completeFromArtifact(ctx context.Context, job *store.Job, artifact *store.MediaArtifact) error {
	upd := store.StatusUpdate{MP3URL: artifact.AudioURL, NewVideoURL: artifact.VideoURL}
	if err := c.store.UpdateStatus(ctx, job.ID, store.StatusCompleted, upd); err != nil {
		return err
	}
	c.events.Log(store.LogEvent{
		JobID:         job.ID,
		BatchID:       job.BatchID,
		Type:          store.EventCacheHit,
		JobStatus:     store.StatusCompleted,
		Message:       "served from existing artifact",
		Details:       artifact.VideoHash,
		FileSizeBytes: artifact.FileSizeBytes,
	})
	job.FileSizeBytes = artifact.FileSizeBytes
	c.events.LogJobCompleted(job, time.Since(job.CreatedAt).Seconds())
	metrics.Metrics.CacheHits.Inc()
	metrics.Metrics.JobsCompleted.Inc()
	log.Log(job.ID, "cache hit, job completed without conversion", "video_hash", artifact.VideoHash)
	return nil
}

func (c *Coordinator) observeDequeue(queueName string, enqueuedAt time.Time) {
	if enqueuedAt.IsZero() {
		return
	}
	metrics.Metrics.QueueWaitSec.WithLabelValues(queueName).Observe(time.Since(enqueuedAt).Seconds())
}

// gaugeLoop keeps the queue depth gauges current.
func (c *Coordinator) gaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			metrics.Metrics.QueueDepth.WithLabelValues("download").Set(float64(c.downloadQueue.Len()))
			metrics.Metrics.QueueDepth.WithLabelValues("youtube").Set(float64(c.youtubeQueue.Len()))
			metrics.Metrics.QueueDepth.WithLabelValues("convert").Set(float64(c.convertQueue.Len()))
			metrics.Metrics.QueueDepth.WithLabelValues("upload").Set(float64(c.uploadQueue.Len()))
		case <-ctx.Done():
			return
		}
	}
}

func recovered[T any](f func() (T, error)) (t T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.LogNoJobID("panic in pipeline stage goroutine, recovering", "err", rec)
			err = fmt.Errorf("panic in pipeline stage: %v", rec)
		}
	}()
	return f()
}

func cleanErrorMessage(err error) string {
	return strings.TrimSpace(err.Error())
}
