package pipeline

import (
	"context"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/soundmill/soundmill-api/metrics"
)

// throttle slows the convert stage down when the host is saturated. The
// factor is 1 when the 1-minute load average is at or below the CPU count and
// decays towards 0 as load climbs past 2x the CPU count. Readings are
// smoothed so a single spike does not stall conversions.
type throttle struct {
	mu     sync.RWMutex
	factor float64
}

func newThrottle() *throttle {
	return &throttle{factor: 1}
}

func (t *throttle) start(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (t *throttle) sample() {
	load, ok := loadAverage()
	if !ok {
		return
	}
	cpus := float64(runtime.NumCPU())
	instant := 1 - (load/cpus - 1)
	if instant > 1 {
		instant = 1
	}
	if instant < 0 {
		instant = 0
	}

	t.mu.Lock()
	t.factor = 0.7*t.factor + 0.3*instant
	factor := t.factor
	t.mu.Unlock()
	metrics.Metrics.CPUThrottle.Set(factor)
}

// wait sleeps proportionally to how throttled we are, up to 30s per payload.
func (t *throttle) wait(ctx context.Context) {
	t.mu.RLock()
	factor := t.factor
	t.mu.RUnlock()
	if factor >= 0.95 {
		return
	}
	delay := time.Duration((1 - factor) * float64(30*time.Second))
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

// loadAverage reads the 1-minute load average. Hosts without /proc report
// not-ok and leave the throttle open.
func loadAverage() (float64, bool) {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, false
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return load, true
}
