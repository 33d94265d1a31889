package joblog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/soundmill/soundmill-api/store"
	"github.com/stretchr/testify/require"
)

func TestLoggerBatchesAndFlushes(t *testing.T) {
	mem := store.NewMemory()
	l := NewLogger(mem)
	defer l.Stop()

	for i := 0; i < 10; i++ {
		l.Log(store.LogEvent{JobID: "job1", Type: store.EventStatusChanged, Message: "moving along"})
	}
	l.Flush()

	events := mem.Events()
	require.Len(t, events, 10)
	require.Equal(t, "job1", events[0].JobID)
	require.False(t, events[0].Timestamp.IsZero())
}

func TestLoggerFlushesFullBatchWithoutTicker(t *testing.T) {
	mem := store.NewMemory()
	l := newLogger(mem, defaultBatchSize, time.Hour)
	defer l.Stop()

	for i := 0; i < defaultBatchSize; i++ {
		l.Log(store.LogEvent{JobID: "job1", Type: store.EventDownloadStarted})
	}

	require.Eventually(t, func() bool {
		return len(mem.Events()) == defaultBatchSize
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLoggerDropsProgressEvents(t *testing.T) {
	mem := store.NewMemory()
	l := NewLogger(mem)
	defer l.Stop()

	l.Log(store.LogEvent{JobID: "job1", Type: store.EventDownloadProgress, Message: "50%"})
	l.Log(store.LogEvent{JobID: "job1", Type: store.EventConversionProgress, Message: "10%"})
	l.Log(store.LogEvent{JobID: "job1", Type: store.EventDownloadCompleted})
	l.Flush()

	events := mem.Events()
	require.Len(t, events, 1)
	require.Equal(t, store.EventDownloadCompleted, events[0].Type)
}

func TestLogErrorFlushesSynchronously(t *testing.T) {
	mem := store.NewMemory()
	l := NewLogger(mem)
	defer l.Stop()

	l.LogError("job1", "batch1", "download failed", "connection refused")

	events := mem.Events()
	require.Len(t, events, 1)
	require.Equal(t, store.EventError, events[0].Type)
	require.Equal(t, store.StatusFailed, events[0].JobStatus)
	require.Equal(t, "download failed", events[0].Message)
	require.Equal(t, "connection refused", events[0].Details)
}

func TestLogJobCompletedFlushesSynchronously(t *testing.T) {
	mem := store.NewMemory()
	l := NewLogger(mem)
	defer l.Stop()

	job := &store.Job{ID: "job1", BatchID: "batch1", FileSizeBytes: 1024}
	l.LogJobCompleted(job, 12.5)

	events := mem.Events()
	require.Len(t, events, 1)
	require.Equal(t, store.EventJobCompleted, events[0].Type)
	require.Equal(t, int64(1024), events[0].FileSizeBytes)
	require.Equal(t, 12.5, events[0].DurationSeconds)
}

func TestStopDrainsBacklog(t *testing.T) {
	mem := store.NewMemory()
	l := newLogger(mem, defaultBatchSize, time.Hour)

	for i := 0; i < 7; i++ {
		l.Log(store.LogEvent{JobID: "job1", Type: store.EventSystemInfo})
	}
	l.Stop()

	require.Len(t, mem.Events(), 7)
}

func TestMissingJobIDBecomesSystem(t *testing.T) {
	mem := store.NewMemory()
	l := NewLogger(mem)
	defer l.Stop()

	l.Log(store.LogEvent{Type: store.EventSystemInfo, Message: "startup sweep"})
	l.Flush()

	events := mem.Events()
	require.Len(t, events, 1)
	require.Equal(t, store.SystemJobID, events[0].JobID)
}

// gatedSink blocks every insert until the gate is opened, simulating a slow
// or stuck database.
type gatedSink struct {
	gate   chan struct{}
	mu     sync.Mutex
	events []store.LogEvent
}

func (s *gatedSink) InsertLogEvents(_ context.Context, events []store.LogEvent) error {
	<-s.gate
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *gatedSink) has(eventType store.EventType) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.Type == eventType {
			return true
		}
	}
	return false
}

func TestErrorEventsWaitForBufferSpaceInsteadOfDropping(t *testing.T) {
	sink := &gatedSink{gate: make(chan struct{})}
	l := newLogger(sink, 1, time.Hour)
	defer l.Stop()

	// Park the flusher inside a write, then fill the buffer to the brim.
	l.Log(store.LogEvent{Type: store.EventSystemInfo, Message: "first"})
	for i := 0; i < channelSize+5; i++ {
		l.Log(store.LogEvent{Type: store.EventSystemInfo, Message: "filler"})
	}

	returned := make(chan struct{})
	go func() {
		l.LogError("job1", "", "stage failed", "boom")
		close(returned)
	}()

	// With the sink stuck there is no buffer space, so LogError must wait
	// rather than drop its event.
	select {
	case <-returned:
		t.Fatal("LogError returned while the sink was still blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(sink.gate)
	<-returned
	require.True(t, sink.has(store.EventError))
}
