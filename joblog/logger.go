package joblog

import (
	"context"
	"time"

	"github.com/soundmill/soundmill-api/log"
	"github.com/soundmill/soundmill-api/metrics"
	"github.com/soundmill/soundmill-api/store"
)

const (
	defaultBatchSize     = 50
	defaultFlushInterval = 3 * time.Second
	channelSize          = 512
	flushTimeout         = 10 * time.Second
	syncEnqueueTimeout   = 5 * time.Second
)

// EventSink persists batches of job log events.
type EventSink interface {
	InsertLogEvents(ctx context.Context, events []store.LogEvent) error
}

// Logger buffers job log events and writes them to the sink in batches: a
// batch is flushed when it reaches BatchSize, when the flush interval fires,
// or when the backlog grows past twice the batch size. Error and completion
// events flush synchronously so they are on disk before the caller moves on.
// Progress events are surfaced to the console but never persisted.
type Logger struct {
	sink          EventSink
	events        chan store.LogEvent
	kick          chan struct{}
	flushRequests chan chan struct{}
	quit          chan struct{}
	done          chan struct{}

	batchSize     int
	flushInterval time.Duration
}

func NewLogger(sink EventSink) *Logger {
	return newLogger(sink, defaultBatchSize, defaultFlushInterval)
}

func newLogger(sink EventSink, batchSize int, flushInterval time.Duration) *Logger {
	l := &Logger{
		sink:          sink,
		events:        make(chan store.LogEvent, channelSize),
		kick:          make(chan struct{}, 1),
		flushRequests: make(chan chan struct{}),
		quit:          make(chan struct{}),
		done:          make(chan struct{}),
		batchSize:     batchSize,
		flushInterval: flushInterval,
	}
	go l.run()
	return l
}

func normalize(e store.LogEvent) store.LogEvent {
	if e.JobID == "" {
		e.JobID = store.SystemJobID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return e
}

// Log enqueues one event. It never blocks the pipeline: if the buffer is
// full the event is dropped and counted.
func (l *Logger) Log(e store.LogEvent) {
	e = normalize(e)
	if e.Type.IsProgress() {
		log.Log(e.JobID, string(e.Type), "step", e.Step, "message", e.Message)
		return
	}
	select {
	case l.events <- e:
	default:
		metrics.Metrics.LogEventsDropped.Inc()
		log.Log(e.JobID, "job log buffer full, dropping event", "event_type", e.Type)
		return
	}
	if len(l.events) >= 2*l.batchSize {
		select {
		case l.kick <- struct{}{}:
		default:
		}
	}
}

// logSync enqueues an event that must not be lost: it waits for buffer space
// instead of dropping, then flushes before returning.
func (l *Logger) logSync(e store.LogEvent) {
	e = normalize(e)
	select {
	case l.events <- e:
	case <-time.After(syncEnqueueTimeout):
		metrics.Metrics.LogEventsDropped.Inc()
		log.Log(e.JobID, "job log buffer stuck, dropping event", "event_type", e.Type)
		return
	case <-l.done:
		return
	}
	l.Flush()
}

// LogError records a failure event and flushes synchronously.
func (l *Logger) LogError(jobID, batchID, message, details string) {
	l.logSync(store.LogEvent{
		JobID:     jobID,
		BatchID:   batchID,
		Type:      store.EventError,
		JobStatus: store.StatusFailed,
		Message:   message,
		Details:   details,
	})
}

// LogJobCompleted records the terminal success event and flushes
// synchronously.
func (l *Logger) LogJobCompleted(job *store.Job, durationSeconds float64) {
	l.logSync(store.LogEvent{
		JobID:           job.ID,
		BatchID:         job.BatchID,
		Type:            store.EventJobCompleted,
		JobStatus:       store.StatusCompleted,
		Message:         "job completed",
		FileSizeBytes:   job.FileSizeBytes,
		DurationSeconds: durationSeconds,
	})
}

// Flush blocks until every event enqueued before the call is persisted.
func (l *Logger) Flush() {
	ack := make(chan struct{})
	select {
	case l.flushRequests <- ack:
		<-ack
	case <-l.done:
	}
}

// Stop drains and persists the remaining backlog, then shuts the flusher
// down. The logger must not be used afterwards.
func (l *Logger) Stop() {
	close(l.quit)
	<-l.done
}

func (l *Logger) run() {
	defer close(l.done)
	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	var pending []store.LogEvent
	for {
		select {
		case e := <-l.events:
			pending = append(pending, e)
			if len(pending) >= l.batchSize {
				pending = l.flush(pending)
			}
		case <-ticker.C:
			pending = l.flush(pending)
		case <-l.kick:
			pending = l.flush(l.drain(pending))
		case ack := <-l.flushRequests:
			pending = l.flush(l.drain(pending))
			close(ack)
		case <-l.quit:
			l.flush(l.drain(pending))
			return
		}
	}
}

func (l *Logger) drain(pending []store.LogEvent) []store.LogEvent {
	for {
		select {
		case e := <-l.events:
			pending = append(pending, e)
		default:
			return pending
		}
	}
}

func (l *Logger) flush(pending []store.LogEvent) []store.LogEvent {
	if len(pending) == 0 {
		return pending
	}
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := l.sink.InsertLogEvents(ctx, pending); err != nil {
		metrics.Metrics.LogEventsDropped.Add(float64(len(pending)))
		log.LogError(store.SystemJobID, "failed to persist job log batch", err, "batch_size", len(pending))
		return nil
	}
	metrics.Metrics.LogEventsWritten.Add(float64(len(pending)))
	return nil
}
