package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type SoundmillAPIMetrics struct {
	SubmitRequestCount       prometheus.Counter
	SubmitRequestDurationSec *prometheus.SummaryVec

	JobsSubmitted  prometheus.Counter
	JobsCompleted  prometheus.Counter
	JobsFailed     *prometheus.CounterVec
	JobsRecovered  prometheus.Counter
	CacheHits      prometheus.Counter
	QueueRejects   *prometheus.CounterVec
	QueueDepth     *prometheus.GaugeVec
	StageDuration  *prometheus.HistogramVec
	QueueWaitSec   *prometheus.HistogramVec
	JobDurationSec prometheus.Histogram

	LogEventsWritten prometheus.Counter
	LogEventsDropped prometheus.Counter

	TempArenaBytes  prometheus.Gauge
	TempFilesSwept  prometheus.Counter
	ArtifactsPurged prometheus.Counter

	CPUThrottle prometheus.Gauge

	ObjectStoreRetryCount      *prometheus.GaugeVec
	ObjectStoreFailureCount    *prometheus.CounterVec
	ObjectStoreRequestDuration *prometheus.HistogramVec
}

func NewMetrics() *SoundmillAPIMetrics {
	m := &SoundmillAPIMetrics{
		// /api/mp3 request metrics
		SubmitRequestCount: promauto.NewCounter(prometheus.CounterOpts{
			Name: "submit_mp3_request_count",
			Help: "The total number of requests to /api/mp3",
		}),
		SubmitRequestDurationSec: promauto.NewSummaryVec(prometheus.SummaryOpts{
			Name: "submit_mp3_request_duration_seconds",
			Help: "The latency of the requests made to /api/mp3 in seconds broken up by success and status code",
		}, []string{"success", "status_code"}),

		// Pipeline metrics
		JobsSubmitted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jobs_submitted_total",
			Help: "The total number of conversion jobs accepted for processing",
		}),
		JobsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "The total number of conversion jobs that finished successfully",
		}),
		JobsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "The total number of failed conversion jobs, broken up by stage",
		}, []string{"stage"}),
		JobsRecovered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "jobs_recovered_total",
			Help: "The total number of stale jobs re-queued by the recovery loop",
		}),
		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "The total number of jobs served from an existing artifact instead of converting",
		}),
		QueueRejects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_rejects_total",
			Help: "The total number of enqueues rejected because a stage queue was full",
		}, []string{"queue"}),
		QueueDepth: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "The current number of payloads waiting in each stage queue",
		}, []string{"queue"}),
		StageDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stage_duration_seconds",
			Help:    "Time taken to process one payload in each pipeline stage",
			Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"stage"}),
		QueueWaitSec: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "queue_wait_seconds",
			Help:    "Time payloads spend waiting in each stage queue before a worker picks them up",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		}, []string{"queue"}),
		JobDurationSec: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "End to end time from job creation to completion",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}),

		// Job log metrics
		LogEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "job_log_events_written_total",
			Help: "The total number of job log events persisted",
		}),
		LogEventsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "job_log_events_dropped_total",
			Help: "The total number of job log events dropped due to backpressure or write failures",
		}),

		// Janitor metrics
		TempArenaBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "temp_arena_bytes",
			Help: "The current total size of files in the temp arena",
		}),
		TempFilesSwept: promauto.NewCounter(prometheus.CounterOpts{
			Name: "temp_files_swept_total",
			Help: "The total number of temp files removed by cleanup",
		}),
		ArtifactsPurged: promauto.NewCounter(prometheus.CounterOpts{
			Name: "artifacts_purged_total",
			Help: "The total number of expired artifacts deleted from the object store",
		}),

		CPUThrottle: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_throttle_factor",
			Help: "Current conversion throttle factor between 0 and 1, 1 meaning no throttling",
		}),

		// Object store client metrics
		ObjectStoreRetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "object_store_retry_count",
			Help: "The number of retries of a successful object store request",
		}, []string{"host", "operation"}),
		ObjectStoreFailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "object_store_failure_count",
			Help: "The total number of failed object store requests",
		}, []string{"host", "operation"}),
		ObjectStoreRequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "object_store_request_duration",
			Help:    "Time taken by object store requests",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"host", "operation"}),
	}

	return m
}

var Metrics = NewMetrics()
