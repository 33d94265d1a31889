package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	xerrors "github.com/soundmill/soundmill-api/errors"
	"github.com/soundmill/soundmill-api/joblog"
	"github.com/soundmill/soundmill-api/store"
	"github.com/soundmill/soundmill-api/tempfile"
	"github.com/stretchr/testify/require"
)

func testCoordinator(t *testing.T, cfg Config) (*Coordinator, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	if cfg.Store == nil {
		cfg.Store = mem
	}
	if cfg.Events == nil {
		cfg.Events = joblog.NewLogger(mem)
	}
	if cfg.Arena == nil {
		arena, err := tempfile.NewArena(t.TempDir(), 1<<30)
		require.NoError(t, err)
		cfg.Arena = arena
	}
	return NewStubCoordinator(cfg), mem
}

func waitForStatus(t *testing.T, mem *store.Memory, jobID string, want store.JobStatus) *store.Job {
	t.Helper()
	var job *store.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = mem.GetJob(context.Background(), jobID)
		require.NoError(t, err)
		return job.Status == want
	}, 5*time.Second, 10*time.Millisecond, "job never reached status %s", want)
	return job
}

func TestJobRunsThroughAllStages(t *testing.T) {
	c, mem := testCoordinator(t, Config{})
	c.Start()
	defer c.Stop()

	job, err := c.SubmitJob(context.Background(), "https://videos.example.com/clips/a.mp4", "")
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, job.Status)

	done := waitForStatus(t, mem, job.ID, store.StatusCompleted)
	require.NotEmpty(t, done.MP3URL)
	require.Contains(t, done.MP3URL, "mp3/")
	require.NotEmpty(t, done.NewVideoURL)
	require.NotEmpty(t, done.VideoHash)
	require.NotZero(t, done.FileSizeBytes)
	require.NotNil(t, done.CompletedAt)
	require.Empty(t, done.ErrorMessage)
}

func TestYoutubeJobSkipsConvertStage(t *testing.T) {
	c, mem := testCoordinator(t, Config{})
	c.Start()
	defer c.Stop()

	job, err := c.SubmitJob(context.Background(), "https://www.youtube.com/watch?v=abc123", "")
	require.NoError(t, err)

	done := waitForStatus(t, mem, job.ID, store.StatusCompleted)
	require.NotEmpty(t, done.MP3URL)
	// Youtube jobs have no source video to re-host.
	require.Empty(t, done.NewVideoURL)
	require.Equal(t, "audio/mpeg", done.ContentType)
}

func TestSecondJobWithSameContentIsACacheHit(t *testing.T) {
	c, mem := testCoordinator(t, Config{})
	c.Start()
	defer c.Stop()

	first, err := c.SubmitJob(context.Background(), "https://videos.example.com/a.mp4", "")
	require.NoError(t, err)
	waitForStatus(t, mem, first.ID, store.StatusCompleted)

	// Different URL, identical bytes: the download stage dedups on content.
	second, err := c.SubmitJob(context.Background(), "https://mirror.example.com/a.mp4", "")
	require.NoError(t, err)
	done := waitForStatus(t, mem, second.ID, store.StatusCompleted)

	firstDone, err := mem.GetJob(context.Background(), first.ID)
	require.NoError(t, err)
	require.Equal(t, firstDone.MP3URL, done.MP3URL)

	c.events.Flush()
	var sawCacheHit bool
	for _, e := range mem.Events() {
		if e.JobID == second.ID && e.Type == store.EventCacheHit {
			sawCacheHit = true
		}
	}
	require.True(t, sawCacheHit, "expected a cache_hit event for the second job")
}

func TestResubmittingSameURLCompletesWithoutDownload(t *testing.T) {
	c, mem := testCoordinator(t, Config{})
	c.Start()
	defer c.Stop()

	url := "https://videos.example.com/popular.mp4"
	first, err := c.SubmitJob(context.Background(), url, "")
	require.NoError(t, err)
	waitForStatus(t, mem, first.ID, store.StatusCompleted)

	// The URL hint now points at the artifact, so the job finishes inside
	// SubmitJob itself.
	second, err := c.SubmitJob(context.Background(), url, "")
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, second.Status)
	require.NotEmpty(t, second.MP3URL)
}

func TestSubmitRejectsInvalidURL(t *testing.T) {
	c, mem := testCoordinator(t, Config{})

	job, err := c.SubmitJob(context.Background(), "ftp://example.com/a.mp4", "")
	require.Error(t, err)
	require.True(t, xerrors.IsInvalidInput(err))

	require.NotNil(t, job)
	failed, err := mem.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, failed.Status)
	require.Contains(t, failed.ErrorMessage, "invalid")
}

func TestSubmitFailsFastWhenQueueIsFull(t *testing.T) {
	// Workers are never started, so the single queue slot stays occupied.
	c, mem := testCoordinator(t, Config{DownloadQueueCapacity: 1})

	_, err := c.SubmitJob(context.Background(), "https://videos.example.com/1.mp4", "")
	require.NoError(t, err)

	second, err := c.SubmitJob(context.Background(), "https://videos.example.com/2.mp4", "")
	require.Error(t, err)
	require.ErrorIs(t, err, xerrors.OverloadedError)
	require.NotNil(t, second)

	// The overflowing job still exists, marked failed.
	failed, err := mem.GetJob(context.Background(), second.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, failed.Status)
	require.Contains(t, failed.ErrorMessage, "overloaded")
}

func TestTransientFailureRetriesThenFails(t *testing.T) {
	c, mem := testCoordinator(t, Config{
		Fetcher:       StubFetcher{Err: errors.New("connection reset")},
		JobRetryLimit: 2,
	})
	c.Start()
	defer c.Stop()

	job, err := c.SubmitJob(context.Background(), "https://videos.example.com/flaky.mp4", "")
	require.NoError(t, err)

	done := waitForStatus(t, mem, job.ID, store.StatusFailed)
	require.Equal(t, 1, done.ProcessingAttempts)
	require.Contains(t, done.ErrorMessage, "connection reset")
}

func TestUnretriableFailureDoesNotRetry(t *testing.T) {
	c, mem := testCoordinator(t, Config{
		Prober: StubProber{Err: xerrors.Unretriable(fmt.Errorf("no audio stream found in input"))},
	})
	c.Start()
	defer c.Stop()

	job, err := c.SubmitJob(context.Background(), "https://videos.example.com/silent.mp4", "")
	require.NoError(t, err)

	done := waitForStatus(t, mem, job.ID, store.StatusFailed)
	require.Zero(t, done.ProcessingAttempts)
	require.Contains(t, done.ErrorMessage, "no audio stream")
}

func TestRecoveryRequeuesStaleJobs(t *testing.T) {
	c, mem := testCoordinator(t, Config{StaleJobThreshold: time.Nanosecond})
	c.Start()
	defer c.Stop()

	// A job that exists but was never enqueued, as after a crash.
	job := &store.Job{VideoURL: "https://videos.example.com/orphan.mp4"}
	require.NoError(t, mem.CreateJob(context.Background(), job))

	time.Sleep(5 * time.Millisecond)
	c.RecoverStaleJobs(context.Background())

	done := waitForStatus(t, mem, job.ID, store.StatusCompleted)
	require.NotEmpty(t, done.MP3URL)
	require.Equal(t, 1, done.ProcessingAttempts)
}

func TestRecoveryGivesUpAfterAttemptLimit(t *testing.T) {
	c, mem := testCoordinator(t, Config{StaleJobThreshold: time.Nanosecond, JobRetryLimit: 3})

	job := &store.Job{VideoURL: "https://videos.example.com/cursed.mp4"}
	require.NoError(t, mem.CreateJob(context.Background(), job))
	for i := 0; i < 3; i++ {
		require.NoError(t, mem.IncrementAttempts(context.Background(), job.ID))
	}

	time.Sleep(5 * time.Millisecond)
	c.RecoverStaleJobs(context.Background())

	done, err := mem.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, done.Status)
	require.Contains(t, done.ErrorMessage, "max attempts exceeded")
}

func TestSubmitBatchCreatesOneJobPerURL(t *testing.T) {
	c, mem := testCoordinator(t, Config{})
	c.Start()
	defer c.Stop()

	batch, jobs, errs, err := c.SubmitBatch(context.Background(), []string{
		"https://videos.example.com/1.mp4",
		"ftp://bad-scheme.example.com/2.mp4",
		"https://videos.example.com/3.mp4",
	})
	require.NoError(t, err)
	require.NotEmpty(t, batch.ID)
	require.Len(t, jobs, 3)
	require.Len(t, errs, 3)

	require.NoError(t, errs[0])
	require.Error(t, errs[1])
	require.NoError(t, errs[2])
	require.Equal(t, batch.ID, jobs[0].BatchID)

	waitForStatus(t, mem, jobs[0].ID, store.StatusCompleted)
	waitForStatus(t, mem, jobs[2].ID, store.StatusCompleted)
}

func TestStopDrainsAcceptedWork(t *testing.T) {
	c, mem := testCoordinator(t, Config{})
	c.Start()

	var ids []string
	for i := 0; i < 5; i++ {
		job, err := c.SubmitJob(context.Background(), fmt.Sprintf("https://videos.example.com/%d.mp4", i), "")
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	c.Stop()

	for _, id := range ids {
		job, err := mem.GetJob(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, store.StatusCompleted, job.Status, "job %s was dropped during shutdown", id)
	}

	// New submissions are refused after Stop.
	_, err := c.SubmitJob(context.Background(), "https://videos.example.com/late.mp4", "")
	require.ErrorIs(t, err, xerrors.OverloadedError)
}

// blockingFetcher parks until its context is cancelled, standing in for a
// source server that never responds.
type blockingFetcher struct{}

func (blockingFetcher) Fetch(ctx context.Context, _ string) (io.ReadCloser, string, error) {
	<-ctx.Done()
	return nil, "", ctx.Err()
}

func TestStopCancelsHungWorkAfterDrainGrace(t *testing.T) {
	c, mem := testCoordinator(t, Config{
		Fetcher:            blockingFetcher{},
		ShutdownDrainGrace: 50 * time.Millisecond,
		JobRetryLimit:      1,
	})
	c.Start()

	job, err := c.SubmitJob(context.Background(), "https://videos.example.com/hang.mp4", "")
	require.NoError(t, err)
	waitForStatus(t, mem, job.ID, store.StatusDownloading)

	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop never returned while a download was hung")
	}
}

func TestDeepCleanPurgesOldCompletedJobs(t *testing.T) {
	c, mem := testCoordinator(t, Config{CompletedJobTTL: time.Nanosecond})

	job := &store.Job{VideoURL: "https://videos.example.com/old.mp4"}
	require.NoError(t, mem.CreateJob(context.Background(), job))
	require.NoError(t, mem.UpdateStatus(context.Background(), job.ID, store.StatusCompleted, store.StatusUpdate{MP3URL: "https://stub/mp3"}))

	time.Sleep(5 * time.Millisecond)
	c.deepClean(context.Background())

	_, err := mem.GetJob(context.Background(), job.ID)
	require.ErrorIs(t, err, store.ErrJobNotFound)
}
