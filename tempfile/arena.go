package tempfile

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/soundmill/soundmill-api/log"
)

const (
	// Files older than this count as "old" in Stats and in the default sweep.
	oldFileAge = 24 * time.Hour
	// Pressure threshold relative to MaxTotalBytes that triggers the more
	// aggressive cleanup passes.
	pressureRatio = 0.8
)

// Arena hands out short-lived files inside a bounded directory tree. Creation
// is lock-free thanks to random names; cleanup walks the tree and serializes
// per call.
type Arena struct {
	root          string
	maxTotalBytes int64

	mu sync.Mutex // guards cleanup passes
}

// Stats describes the arena's current disk footprint.
type Stats struct {
	TotalFiles int
	TotalBytes int64
	OldFiles   int
	OldBytes   int64
}

func NewArena(root string, maxTotalBytes int64) (*Arena, error) {
	if root == "" {
		root = filepath.Join(os.TempDir(), "soundmill")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("error creating temp arena root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("error resolving temp arena root: %w", err)
	}
	return &Arena{root: abs, maxTotalBytes: maxTotalBytes}, nil
}

func (a *Arena) Root() string { return a.root }

var nameRand = rand.New(rand.NewSource(time.Now().UnixNano()))
var nameRandMu sync.Mutex

func randomTrailer(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyz0123456789"
	nameRandMu.Lock()
	defer nameRandMu.Unlock()
	res := make([]byte, length)
	for i := 0; i < length; i++ {
		res[i] = charset[nameRand.Intn(len(charset))]
	}
	return string(res)
}

// CreateTempFile returns the path of a new empty file inside a dated
// subdirectory. ext must include the leading dot (".mp4").
func (a *Arena) CreateTempFile(ext string) (string, error) {
	dir := filepath.Join(a.root, time.Now().UTC().Format("20060102"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating dated temp dir: %w", err)
	}
	for i := 0; i < 10; i++ {
		path := filepath.Join(dir, randomTrailer(16)+ext)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if os.IsExist(err) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("error creating temp file: %w", err)
		}
		f.Close()
		return path, nil
	}
	return "", fmt.Errorf("could not create a unique temp file under %s", a.root)
}

// DeleteTempFile removes a temp file. Missing files are fine; paths outside
// the arena are refused.
func (a *Arena) DeleteTempFile(path string) error {
	if path == "" {
		return nil
	}
	if !a.owns(path) {
		return fmt.Errorf("refusing to delete %q: outside temp arena %s", path, a.root)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error deleting temp file: %w", err)
	}
	return nil
}

func (a *Arena) owns(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(a.root, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (a *Arena) Stats() (Stats, error) {
	var stats Stats
	cutoff := time.Now().Add(-oldFileAge)
	err := filepath.Walk(a.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		stats.TotalFiles++
		stats.TotalBytes += info.Size()
		if info.ModTime().Before(cutoff) {
			stats.OldFiles++
			stats.OldBytes += info.Size()
		}
		return nil
	})
	return stats, err
}

// CleanupOlderThan removes files whose mtime is older than age and prunes
// empty dated subdirectories. Returns removed file count and bytes freed.
func (a *Arena) CleanupOlderThan(age time.Duration) (int, int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cleanupLocked(age)
}

func (a *Arena) cleanupLocked(age time.Duration) (int, int64, error) {
	cutoff := time.Now().Add(-age)
	var removed int
	var freed int64
	err := filepath.Walk(a.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if rmErr := os.Remove(path); rmErr == nil {
				removed++
				freed += info.Size()
			}
		}
		return nil
	})
	a.pruneEmptyDirs()
	return removed, freed, err
}

// CleanupWithPressure runs the 24h sweep, then escalates to 12h and 6h passes
// while the arena still exceeds the pressure threshold.
func (a *Arena) CleanupWithPressure() (int, int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	totalRemoved, totalFreed := 0, int64(0)
	for _, age := range []time.Duration{24 * time.Hour, 12 * time.Hour, 6 * time.Hour} {
		removed, freed, err := a.cleanupLocked(age)
		totalRemoved += removed
		totalFreed += freed
		if err != nil {
			return totalRemoved, totalFreed, err
		}
		if !a.overPressure() {
			break
		}
		log.LogNoJobID("temp arena still over pressure threshold, escalating cleanup", "last_age", age.String())
	}
	return totalRemoved, totalFreed, nil
}

func (a *Arena) overPressure() bool {
	if a.maxTotalBytes <= 0 {
		return false
	}
	stats, err := a.Stats()
	if err != nil {
		return false
	}
	return float64(stats.TotalBytes) > pressureRatio*float64(a.maxTotalBytes)
}

func (a *Arena) pruneEmptyDirs() {
	entries, err := os.ReadDir(a.root)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		// Remove fails on non-empty dirs, which is what we want.
		_ = os.Remove(filepath.Join(a.root, entry.Name()))
	}
}
