package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"testing"

	"github.com/soundmill/soundmill-api/store"
	"github.com/soundmill/soundmill-api/tempfile"
	"github.com/stretchr/testify/require"
)

// uploadFailingStore refuses the transition to Uploading, so the upload stage
// fails before publishing anything.
type uploadFailingStore struct {
	*store.Memory
}

func (s *uploadFailingStore) UpdateStatus(ctx context.Context, id string, status store.JobStatus, upd store.StatusUpdate) error {
	if status == store.StatusUploading {
		return fmt.Errorf("store unavailable")
	}
	return s.Memory.UpdateStatus(ctx, id, status, upd)
}

func TestFailedUploadReleasesTempFiles(t *testing.T) {
	mem := store.NewMemory()
	dir := t.TempDir()
	arena, err := tempfile.NewArena(dir, 1<<30)
	require.NoError(t, err)

	c, _ := testCoordinator(t, Config{
		Store:         &uploadFailingStore{Memory: mem},
		Arena:         arena,
		JobRetryLimit: 1,
	})
	c.Start()
	defer c.Stop()

	job, err := c.SubmitJob(context.Background(), "https://videos.example.com/leaky.mp4", "")
	require.NoError(t, err)
	waitForStatus(t, mem, job.ID, store.StatusFailed)

	var leaked []string
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() {
			leaked = append(leaked, path)
		}
		return err
	})
	require.NoError(t, err)
	require.Empty(t, leaked)
}
