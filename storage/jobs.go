package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yuru-sha/fuji-calendar-sub001/observability"
)

// ErrJobNotFound reports an unknown job id.
var ErrJobNotFound = errors.New("storage: job not found")

// InsertJob persists a new job in the waiting state.
func (s *Store) InsertJob(ctx context.Context, job Job) error {
	ctx, span := s.observer.CreateSpan(ctx, "storage.InsertJob")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", job.ID), attribute.String("kind", job.Kind))

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO jobs (id, kind, location_id, year, month, priority, state, attempts, max_attempts, enqueued_at)
		VALUES (:id, :kind, :location_id, :year, :month, :priority, :state, :attempts, :max_attempts, :enqueued_at)`,
		job)
	if err != nil {
		return tagDBError("storage.InsertJob", err)
	}
	return nil
}

// GetJob returns one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (Job, error) {
	var job Job
	err := s.db.GetContext(ctx, &job, `SELECT * FROM jobs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, observability.Tag(observability.KindValidation, "storage.GetJob",
			fmt.Errorf("%w: %s", ErrJobNotFound, id))
	}
	if err != nil {
		return Job{}, tagDBError("storage.GetJob", err)
	}
	return job, nil
}

// MarkJobActive transitions a waiting job to active and bumps its attempt
// counter.
func (s *Store) MarkJobActive(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET state = $2, attempts = attempts + 1, started_at = now(), heartbeat_at = now(), failed_reason = NULL
		WHERE id = $1`, id, JobStateActive)
	if err != nil {
		return tagDBError("storage.MarkJobActive", err)
	}
	return nil
}

// MarkJobWaiting requeues a job for another attempt.
func (s *Store) MarkJobWaiting(ctx context.Context, id string, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = $2, failed_reason = $3, heartbeat_at = NULL WHERE id = $1`,
		id, JobStateWaiting, reason)
	if err != nil {
		return tagDBError("storage.MarkJobWaiting", err)
	}
	return nil
}

// MarkJobFinished records a terminal state: completed, failed, or
// cancelled.
func (s *Store) MarkJobFinished(ctx context.Context, id, state string, reason *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET state = $2, failed_reason = $3, finished_at = now() WHERE id = $1`,
		id, state, reason)
	if err != nil {
		return tagDBError("storage.MarkJobFinished", err)
	}
	return nil
}

// HeartbeatJob refreshes the stall clock and progress percentage of an
// active job.
func (s *Store) HeartbeatJob(ctx context.Context, id string, progress int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET heartbeat_at = now(), progress = $2 WHERE id = $1`, id, progress)
	if err != nil {
		return tagDBError("storage.HeartbeatJob", err)
	}
	return nil
}

// StalledJobs returns active jobs whose last heartbeat is older than the
// stall timeout.
func (s *Store) StalledJobs(ctx context.Context, stallTimeout time.Duration) ([]Job, error) {
	var out []Job
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM jobs
		WHERE state = $1 AND heartbeat_at IS NOT NULL AND heartbeat_at < $2`,
		JobStateActive, time.Now().Add(-stallTimeout))
	if err != nil {
		return nil, tagDBError("storage.StalledJobs", err)
	}
	return out, nil
}

// QueueCounts summarizes the job table by state.
type QueueCounts struct {
	Waiting   int `db:"waiting"`
	Active    int `db:"active"`
	Completed int `db:"completed"`
	Failed    int `db:"failed"`
}

// CountJobs returns queue statistics for the admin surface.
func (s *Store) CountJobs(ctx context.Context) (QueueCounts, error) {
	var qc QueueCounts
	err := s.db.GetContext(ctx, &qc, `
		SELECT
			COUNT(*) FILTER (WHERE state = 'waiting') AS waiting,
			COUNT(*) FILTER (WHERE state = 'active') AS active,
			COUNT(*) FILTER (WHERE state = 'completed') AS completed,
			COUNT(*) FILTER (WHERE state = 'failed') AS failed
		FROM jobs`)
	if err != nil {
		return QueueCounts{}, tagDBError("storage.CountJobs", err)
	}
	return qc, nil
}

// ListFailedJobs returns terminally failed jobs, newest first.
func (s *Store) ListFailedJobs(ctx context.Context, limit int) ([]Job, error) {
	var out []Job
	err := s.db.SelectContext(ctx, &out, `
		SELECT * FROM jobs WHERE state = $1 ORDER BY finished_at DESC NULLS LAST LIMIT $2`,
		JobStateFailed, limit)
	if err != nil {
		return nil, tagDBError("storage.ListFailedJobs", err)
	}
	return out, nil
}

// ListBackgroundJobs returns the periodic trigger definitions.
func (s *Store) ListBackgroundJobs(ctx context.Context) ([]BackgroundJob, error) {
	var out []BackgroundJob
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM background_jobs ORDER BY id`); err != nil {
		return nil, tagDBError("storage.ListBackgroundJobs", err)
	}
	return out, nil
}

// SeedBackgroundJob inserts a trigger definition if absent.
func (s *Store) SeedBackgroundJob(ctx context.Context, bj BackgroundJob) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO background_jobs (id, name, schedule, enabled)
		VALUES (:id, :name, :schedule, :enabled)
		ON CONFLICT (id) DO NOTHING`, bj)
	if err != nil {
		return tagDBError("storage.SeedBackgroundJob", err)
	}
	return nil
}

// SetBackgroundJobEnabled toggles a periodic trigger.
func (s *Store) SetBackgroundJobEnabled(ctx context.Context, id string, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE background_jobs SET enabled = $2 WHERE id = $1`, id, enabled)
	if err != nil {
		return tagDBError("storage.SetBackgroundJobEnabled", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return tagDBError("storage.SetBackgroundJobEnabled", err)
	}
	if n == 0 {
		return observability.Tag(observability.KindValidation, "storage.SetBackgroundJobEnabled",
			fmt.Errorf("unknown background job %q", id))
	}
	return nil
}

// TouchBackgroundJob records a trigger firing.
func (s *Store) TouchBackgroundJob(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE background_jobs SET last_run = $2 WHERE id = $1`, id, at)
	if err != nil {
		return tagDBError("storage.TouchBackgroundJob", err)
	}
	return nil
}
