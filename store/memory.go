package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/soundmill/soundmill-api/config"
)

// Memory is an in-memory store with the same semantics as Postgres. It backs
// unit tests and local development without a database.
type Memory struct {
	clock     config.TimestampGenerator
	mu        sync.Mutex
	jobs      map[string]*Job
	batches   map[string]*Batch
	artifacts map[string]*MediaArtifact
	events    []LogEvent
}

func NewMemory() *Memory {
	return &Memory{
		clock:     config.Clock,
		jobs:      map[string]*Job{},
		batches:   map[string]*Batch{},
		artifacts: map[string]*MediaArtifact{},
	}
}

func (s *Memory) CreateJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if _, ok := s.jobs[job.ID]; ok {
		return ErrJobExists
	}
	job.Status = StatusPending
	job.CreatedAt = s.clock.Now()
	job.ProcessingAttempts = 0
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Memory) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *Memory) UpdateJob(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Memory) SetMediaDetails(_ context.Context, id, contentType string, fileSizeBytes int64, videoHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	if contentType != "" {
		job.ContentType = contentType
	}
	job.FileSizeBytes = fileSizeBytes
	job.VideoHash = videoHash
	return nil
}

func (s *Memory) UpdateStatus(_ context.Context, id string, status JobStatus, upd StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	now := s.clock.Now()
	job.Status = status
	if upd.MP3URL != "" {
		job.MP3URL = upd.MP3URL
	}
	if upd.NewVideoURL != "" {
		job.NewVideoURL = upd.NewVideoURL
	}
	if upd.ErrorMessage != "" {
		job.ErrorMessage = upd.ErrorMessage
	}
	if status.IsTerminal() {
		job.CompletedAt = &now
	}
	job.LastAttemptAt = &now
	return nil
}

func (s *Memory) IncrementAttempts(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	now := s.clock.Now()
	job.Status = StatusPending
	job.ProcessingAttempts++
	job.LastAttemptAt = &now
	return nil
}

func (s *Memory) GetStaleJobs(_ context.Context, olderThan time.Duration) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.clock.Now().Add(-olderThan)
	var stale []*Job
	for _, job := range s.jobs {
		if job.Status.IsTerminal() {
			continue
		}
		last := job.CreatedAt
		if job.LastAttemptAt != nil {
			last = *job.LastAttemptAt
		}
		if last.Before(cutoff) {
			cp := *job
			stale = append(stale, &cp)
		}
	}
	return stale, nil
}

func (s *Memory) CreateBatch(_ context.Context, batch *Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	batch.CreatedAt = s.clock.Now()
	cp := *batch
	s.batches[batch.ID] = &cp
	return nil
}

func (s *Memory) FindArtifactByHash(_ context.Context, videoHash string) (*MediaArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[videoHash]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (s *Memory) SaveArtifact(_ context.Context, a *MediaArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[a.VideoHash]; ok {
		return nil
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock.Now()
	}
	cp := *a
	s.artifacts[a.VideoHash] = &cp
	return nil
}

func (s *Memory) ExpiredArtifacts(_ context.Context, olderThan time.Time) ([]*MediaArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*MediaArtifact
	for _, a := range s.artifacts {
		if a.CreatedAt.Before(olderThan) {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Memory) DeleteArtifact(_ context.Context, videoHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.artifacts, videoHash)
	return nil
}

func (s *Memory) PurgeExpiredJobs(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, job := range s.jobs {
		if job.Status == StatusCompleted && job.CompletedAt != nil && job.CompletedAt.Before(olderThan) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *Memory) InsertLogEvents(_ context.Context, events []LogEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

func (s *Memory) DeleteLogEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []LogEvent
	var n int64
	for _, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return n, nil
}

// Events returns a copy of the persisted log events, oldest first.
func (s *Memory) Events() []LogEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LogEvent, len(s.events))
	copy(out, s.events)
	return out
}
