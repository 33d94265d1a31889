package store

import (
	"errors"
	"time"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobExists   = errors.New("job already exists")
)

// JobStatus is the persistent lifecycle state of a conversion job.
type JobStatus string

const (
	StatusPending     JobStatus = "pending"
	StatusDownloading JobStatus = "downloading"
	StatusConverting  JobStatus = "converting"
	StatusUploading   JobStatus = "uploading"
	StatusCompleted   JobStatus = "completed"
	StatusFailed      JobStatus = "failed"
)

func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Progress maps a status to the coarse progress figure reported by the status
// endpoint. Progress events are never used for this.
func (s JobStatus) Progress() int {
	switch s {
	case StatusDownloading:
		return 25
	case StatusConverting:
		return 50
	case StatusUploading:
		return 75
	case StatusCompleted:
		return 100
	default:
		return 0
	}
}

// Job is a single user-requested conversion from a source video URL to an MP3
// artifact. TempVideoPath and TempMP3Path are transient and never persisted.
type Job struct {
	ID                 string
	BatchID            string
	VideoURL           string
	Status             JobStatus
	MP3URL             string
	NewVideoURL        string
	ErrorMessage       string
	ContentType        string
	FileSizeBytes      int64
	VideoHash          string
	ProcessingAttempts int
	CreatedAt          time.Time
	CompletedAt        *time.Time
	LastAttemptAt      *time.Time

	TempVideoPath string
	TempMP3Path   string
}

// Batch is a named group of jobs created together. Batch status is derived
// from its members and never stored.
type Batch struct {
	ID        string
	CreatedAt time.Time
}

// MediaArtifact is the dedup index row: one per distinct video content hash,
// created by the first job that successfully converts those bytes.
type MediaArtifact struct {
	VideoHash     string
	VideoURL      string
	AudioURL      string
	FileSizeBytes int64
	CreatedAt     time.Time
}

// StatusUpdate carries the optional fields of an atomic partial status update.
type StatusUpdate struct {
	MP3URL       string
	NewVideoURL  string
	ErrorMessage string
}

// EventType enumerates the persistent job log event types.
type EventType string

const (
	EventJobCreated          EventType = "job_created"
	EventJobQueued           EventType = "job_queued"
	EventStatusChanged       EventType = "status_changed"
	EventDownloadStarted     EventType = "download_started"
	EventDownloadProgress    EventType = "download_progress"
	EventDownloadCompleted   EventType = "download_completed"
	EventConversionStarted   EventType = "conversion_started"
	EventConversionProgress  EventType = "conversion_progress"
	EventConversionCompleted EventType = "conversion_completed"
	EventUploadStarted       EventType = "upload_started"
	EventUploadProgress      EventType = "upload_progress"
	EventUploadCompleted     EventType = "upload_completed"
	EventJobCompleted        EventType = "job_completed"
	EventError               EventType = "error"
	EventWarning             EventType = "warning"
	EventCacheHit            EventType = "cache_hit"
	EventJobRecovered        EventType = "job_recovered"
	EventJobCancelled        EventType = "job_cancelled"
	EventJobDelayed          EventType = "job_delayed"
	EventJobRetry            EventType = "job_retry"
	EventSystemInfo          EventType = "system_info"
)

// IsProgress reports whether the event is a per-stage progress tick. Progress
// events are emitted for observers but dropped before persistence.
func (e EventType) IsProgress() bool {
	switch e {
	case EventDownloadProgress, EventConversionProgress, EventUploadProgress:
		return true
	default:
		return false
	}
}

// SystemJobID is the job_id used for log lines not tied to any job.
const SystemJobID = "SYSTEM"

// LogEvent is one append-only row in the job log.
type LogEvent struct {
	JobID           string
	BatchID         string
	Timestamp       time.Time
	Type            EventType
	JobStatus       JobStatus
	Message         string
	Details         string
	FileSizeBytes   int64
	DurationSeconds float64
	QueueTimeMS     int64
	Step            string
}
