package tempfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCreateTempFileUsesDatedSubdir(t *testing.T) {
	arena, err := NewArena(t.TempDir(), 0)
	require.NoError(t, err)

	path, err := arena.CreateTempFile(".mp4")
	require.NoError(t, err)
	require.FileExists(t, path)
	require.Equal(t, ".mp4", filepath.Ext(path))
	require.Equal(t, time.Now().UTC().Format("20060102"), filepath.Base(filepath.Dir(path)))
}

func TestCreateTempFilePathsAreUnique(t *testing.T) {
	arena, err := NewArena(t.TempDir(), 0)
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		path, err := arena.CreateTempFile(".mp3")
		require.NoError(t, err)
		require.False(t, seen[path])
		seen[path] = true
	}
}

func TestDeleteTempFileIsSafeOnMissing(t *testing.T) {
	arena, err := NewArena(t.TempDir(), 0)
	require.NoError(t, err)

	path, err := arena.CreateTempFile(".mp4")
	require.NoError(t, err)
	require.NoError(t, arena.DeleteTempFile(path))
	require.NoError(t, arena.DeleteTempFile(path))
	require.NoError(t, arena.DeleteTempFile(""))
}

func TestDeleteTempFileRefusesOutsidePaths(t *testing.T) {
	arena, err := NewArena(t.TempDir(), 0)
	require.NoError(t, err)

	outside := filepath.Join(t.TempDir(), "not-ours.txt")
	require.NoError(t, os.WriteFile(outside, []byte("keep me"), 0o644))
	require.Error(t, arena.DeleteTempFile(outside))
	require.FileExists(t, outside)

	require.Error(t, arena.DeleteTempFile(filepath.Join(arena.Root(), "..", "escape.txt")))
}

func TestStatsCountsFilesAndBytes(t *testing.T) {
	arena, err := NewArena(t.TempDir(), 0)
	require.NoError(t, err)

	p1, err := arena.CreateTempFile(".mp4")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p1, make([]byte, 1000), 0o644))
	p2, err := arena.CreateTempFile(".mp3")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p2, make([]byte, 500), 0o644))

	stats, err := arena.Stats()
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalFiles)
	require.Equal(t, int64(1500), stats.TotalBytes)
	require.Zero(t, stats.OldFiles)
}

func TestCleanupOlderThanRemovesByModTime(t *testing.T) {
	arena, err := NewArena(t.TempDir(), 0)
	require.NoError(t, err)

	oldFile, err := arena.CreateTempFile(".mp4")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(oldFile, make([]byte, 100), 0o644))
	stale := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldFile, stale, stale))

	freshFile, err := arena.CreateTempFile(".mp4")
	require.NoError(t, err)

	removed, freed, err := arena.CleanupOlderThan(24 * time.Hour)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, int64(100), freed)
	require.NoFileExists(t, oldFile)
	require.FileExists(t, freshFile)
}

func TestCleanupWithPressureEscalates(t *testing.T) {
	// Cap small enough that a single 10h-old file keeps the arena over the
	// 0.8 threshold until the 6h pass removes it.
	arena, err := NewArena(t.TempDir(), 1000)
	require.NoError(t, err)

	path, err := arena.CreateTempFile(".mp4")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, make([]byte, 900), 0o644))
	old := time.Now().Add(-10 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	removed, freed, err := arena.CleanupWithPressure()
	require.NoError(t, err)
	require.Equal(t, 1, removed)
	require.Equal(t, int64(900), freed)
	require.NoFileExists(t, path)
}
