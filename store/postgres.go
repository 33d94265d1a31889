package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/soundmill/soundmill-api/config"
)

const uniqueViolation = "23505"

// Postgres is the persistent job store. Every update is a single statement so
// that status transitions are atomic; nothing here holds locks across calls.
type Postgres struct {
	db    *sql.DB
	clock config.TimestampGenerator
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, clock: config.Clock}
}

// EnsureSchema creates the tables and indexes if they don't exist yet.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS batches (
			id varchar PRIMARY KEY,
			created_at timestamptz NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id varchar PRIMARY KEY,
			batch_id varchar,
			video_url varchar NOT NULL,
			status varchar NOT NULL,
			mp3_url varchar,
			new_video_url varchar,
			error_message varchar,
			content_type varchar,
			file_size_bytes bigint,
			video_hash varchar,
			processing_attempts int NOT NULL DEFAULT 0,
			created_at timestamptz NOT NULL,
			completed_at timestamptz,
			last_attempt_at timestamptz
		)`,
		`CREATE INDEX IF NOT EXISTS jobs_status_idx ON jobs (status)`,
		`CREATE INDEX IF NOT EXISTS jobs_batch_id_idx ON jobs (batch_id)`,
		`CREATE TABLE IF NOT EXISTS media_artifacts (
			video_hash varchar PRIMARY KEY,
			video_url varchar NOT NULL,
			audio_url varchar NOT NULL,
			file_size_bytes bigint NOT NULL,
			created_at timestamptz NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS log_events (
			job_id varchar NOT NULL,
			batch_id varchar,
			ts timestamptz NOT NULL,
			event_type varchar NOT NULL,
			job_status varchar,
			message varchar,
			details varchar,
			file_size_bytes bigint,
			duration_seconds double precision,
			queue_time_ms bigint,
			step varchar
		)`,
		`CREATE INDEX IF NOT EXISTS log_events_job_id_idx ON log_events (job_id)`,
		`CREATE INDEX IF NOT EXISTS log_events_ts_idx ON log_events (ts)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("error creating schema: %w", err)
		}
	}
	return nil
}

func (s *Postgres) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.Status = StatusPending
	job.CreatedAt = s.clock.Now()
	job.ProcessingAttempts = 0

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, batch_id, video_url, status, processing_attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		job.ID, nullString(job.BatchID), job.VideoURL, job.Status, job.ProcessingAttempts, job.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrJobExists
	}
	if err != nil {
		return fmt.Errorf("error inserting job: %w", err)
	}
	return nil
}

const jobColumns = `id, batch_id, video_url, status, mp3_url, new_video_url, error_message,
	content_type, file_size_bytes, video_hash, processing_attempts, created_at, completed_at, last_attempt_at`

func (s *Postgres) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (s *Postgres) UpdateJob(ctx context.Context, job *Job) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
			status = $2, mp3_url = $3, new_video_url = $4, error_message = $5,
			content_type = $6, file_size_bytes = $7, video_hash = $8,
			processing_attempts = $9, completed_at = $10, last_attempt_at = $11
		 WHERE id = $1`,
		job.ID, job.Status, nullString(job.MP3URL), nullString(job.NewVideoURL),
		nullString(job.ErrorMessage), nullString(job.ContentType), job.FileSizeBytes,
		nullString(job.VideoHash), job.ProcessingAttempts, nullTime(job.CompletedAt), nullTime(job.LastAttemptAt),
	)
	if err != nil {
		return fmt.Errorf("error updating job %s: %w", job.ID, err)
	}
	return requireRow(res)
}

// SetMediaDetails records what the download stage learned about the source
// file without touching the rest of the row.
func (s *Postgres) SetMediaDetails(ctx context.Context, id, contentType string, fileSizeBytes int64, videoHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
			content_type = CASE WHEN $2 <> '' THEN $2 ELSE content_type END,
			file_size_bytes = $3,
			video_hash = $4
		 WHERE id = $1`,
		id, contentType, fileSizeBytes, nullString(videoHash),
	)
	if err != nil {
		return fmt.Errorf("error setting media details for job %s: %w", id, err)
	}
	return requireRow(res)
}

// UpdateStatus performs an atomic partial update. completed_at is set exactly
// when the new status is terminal; last_attempt_at is always refreshed.
// Optional fields are only written when non-empty.
func (s *Postgres) UpdateStatus(ctx context.Context, id string, status JobStatus, upd StatusUpdate) error {
	now := s.clock.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
			status = $2,
			mp3_url = CASE WHEN $3 <> '' THEN $3 ELSE mp3_url END,
			new_video_url = CASE WHEN $4 <> '' THEN $4 ELSE new_video_url END,
			error_message = CASE WHEN $5 <> '' THEN $5 ELSE error_message END,
			completed_at = CASE WHEN $6 THEN $7 ELSE completed_at END,
			last_attempt_at = $7
		 WHERE id = $1`,
		id, status, upd.MP3URL, upd.NewVideoURL, upd.ErrorMessage, status.IsTerminal(), now,
	)
	if err != nil {
		return fmt.Errorf("error updating job %s status to %s: %w", id, status, err)
	}
	return requireRow(res)
}

// IncrementAttempts moves a stale job back to pending for re-dispatch.
// processing_attempts only ever grows.
func (s *Postgres) IncrementAttempts(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = $2, processing_attempts = processing_attempts + 1, last_attempt_at = $3
		 WHERE id = $1`,
		id, StatusPending, s.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("error incrementing attempts for job %s: %w", id, err)
	}
	return requireRow(res)
}

// GetStaleJobs returns non-terminal jobs whose last activity is older than the
// threshold. Jobs that were never attempted fall back to created_at.
func (s *Postgres) GetStaleJobs(ctx context.Context, olderThan time.Duration) ([]*Job, error) {
	cutoff := s.clock.Now().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status NOT IN ($1, $2) AND COALESCE(last_attempt_at, created_at) < $3
		 ORDER BY created_at`,
		StatusCompleted, StatusFailed, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("error querying stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Postgres) CreateBatch(ctx context.Context, batch *Batch) error {
	if batch.ID == "" {
		batch.ID = uuid.NewString()
	}
	batch.CreatedAt = s.clock.Now()
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO batches (id, created_at) VALUES ($1, $2)`, batch.ID, batch.CreatedAt,
	); err != nil {
		return fmt.Errorf("error inserting batch: %w", err)
	}
	return nil
}

func (s *Postgres) FindArtifactByHash(ctx context.Context, videoHash string) (*MediaArtifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT video_hash, video_url, audio_url, file_size_bytes, created_at
		 FROM media_artifacts WHERE video_hash = $1`, videoHash)
	var a MediaArtifact
	err := row.Scan(&a.VideoHash, &a.VideoURL, &a.AudioURL, &a.FileSizeBytes, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error finding artifact by hash: %w", err)
	}
	return &a, nil
}

// SaveArtifact inserts the dedup row; first writer wins on hash collisions.
func (s *Postgres) SaveArtifact(ctx context.Context, a *MediaArtifact) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.clock.Now()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO media_artifacts (video_hash, video_url, audio_url, file_size_bytes, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (video_hash) DO NOTHING`,
		a.VideoHash, a.VideoURL, a.AudioURL, a.FileSizeBytes, a.CreatedAt,
	); err != nil {
		return fmt.Errorf("error saving artifact: %w", err)
	}
	return nil
}

func (s *Postgres) ExpiredArtifacts(ctx context.Context, olderThan time.Time) ([]*MediaArtifact, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT video_hash, video_url, audio_url, file_size_bytes, created_at
		 FROM media_artifacts WHERE created_at < $1`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("error querying expired artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*MediaArtifact
	for rows.Next() {
		var a MediaArtifact
		if err := rows.Scan(&a.VideoHash, &a.VideoURL, &a.AudioURL, &a.FileSizeBytes, &a.CreatedAt); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, &a)
	}
	return artifacts, rows.Err()
}

func (s *Postgres) DeleteArtifact(ctx context.Context, videoHash string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM media_artifacts WHERE video_hash = $1`, videoHash); err != nil {
		return fmt.Errorf("error deleting artifact: %w", err)
	}
	return nil
}

// PurgeExpiredJobs deletes completed jobs older than the cutoff. Returns the
// number of rows removed.
func (s *Postgres) PurgeExpiredJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status = $1 AND completed_at < $2`, StatusCompleted, olderThan)
	if err != nil {
		return 0, fmt.Errorf("error purging jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// InsertLogEvents writes a batch of events in one transaction.
func (s *Postgres) InsertLogEvents(ctx context.Context, events []LogEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting log event tx: %w", err)
	}
	defer func() {
		// no-op if the tx committed
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO log_events (job_id, batch_id, ts, event_type, job_status, message, details,
			file_size_bytes, duration_seconds, queue_time_ms, step)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`)
	if err != nil {
		return fmt.Errorf("error preparing log event insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx,
			e.JobID, nullString(e.BatchID), e.Timestamp, e.Type, e.JobStatus, e.Message,
			nullString(e.Details), e.FileSizeBytes, e.DurationSeconds, e.QueueTimeMS, nullString(e.Step),
		); err != nil {
			return fmt.Errorf("error inserting log event: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Postgres) DeleteLogEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM log_events WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("error deleting log events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job                                                    Job
		batchID, mp3URL, newVideoURL, errMsg, cType, videoHash sql.NullString
		fileSize                                               sql.NullInt64
		completedAt, lastAttemptAt                             sql.NullTime
	)
	err := row.Scan(&job.ID, &batchID, &job.VideoURL, &job.Status, &mp3URL, &newVideoURL,
		&errMsg, &cType, &fileSize, &videoHash, &job.ProcessingAttempts,
		&job.CreatedAt, &completedAt, &lastAttemptAt)
	if err != nil {
		return nil, err
	}
	job.BatchID = batchID.String
	job.MP3URL = mp3URL.String
	job.NewVideoURL = newVideoURL.String
	job.ErrorMessage = errMsg.String
	job.ContentType = cType.String
	job.FileSizeBytes = fileSize.Int64
	job.VideoHash = videoHash.String
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	if lastAttemptAt.Valid {
		t := lastAttemptAt.Time
		job.LastAttemptAt = &t
	}
	return &job, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
