// Package queue is the durable background-work subsystem: a Redis-backed
// priority queue over persisted job rows, a bounded worker pool, and a
// periodic scheduler. Job state lives in Postgres; Redis carries only the
// dispatch order, so a restart resumes from the waiting set.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yuru-sha/fuji-calendar-sub001/log"
	"github.com/yuru-sha/fuji-calendar-sub001/observability"
	"github.com/yuru-sha/fuji-calendar-sub001/storage"
)

var logger = log.Logger()

const (
	keyPrefix  = "fuji:queue:"
	delayedKey = keyPrefix + "delayed"

	// HighWaterMark is the waiting-queue depth past which enqueues still
	// succeed but bump the warning counter.
	HighWaterMark = 10000
)

// prioritiesInOrder is the dequeue preference; BRPOP scans keys left to
// right, so critical drains first and FIFO holds within one priority.
var prioritiesInOrder = []string{
	storage.PriorityCritical,
	storage.PriorityHigh,
	storage.PriorityNormal,
	storage.PriorityLow,
}

// retryBackoff maps the attempt number (1-based, after the failed attempt)
// to the requeue delay.
var retryBackoff = []time.Duration{30 * time.Second, 2 * time.Minute, 10 * time.Minute}

// ErrEmpty reports that no job was ready inside the poll window.
var ErrEmpty = errors.New("queue: no job ready")

// JobStore is the slice of the persistence layer the queue needs.
type JobStore interface {
	InsertJob(ctx context.Context, job storage.Job) error
	GetJob(ctx context.Context, id string) (storage.Job, error)
	MarkJobActive(ctx context.Context, id string) error
	MarkJobWaiting(ctx context.Context, id string, reason string) error
	MarkJobFinished(ctx context.Context, id, state string, reason *string) error
	HeartbeatJob(ctx context.Context, id string, progress int) error
	StalledJobs(ctx context.Context, stallTimeout time.Duration) ([]storage.Job, error)
	CountJobs(ctx context.Context) (storage.QueueCounts, error)
	ListFailedJobs(ctx context.Context, limit int) ([]storage.Job, error)
}

// Params describe a job to enqueue.
type Params struct {
	Kind       string
	LocationID *int64
	Year       int
	Month      *int
	Priority   string
}

// Queue coordinates durable jobs between Postgres and Redis.
type Queue struct {
	rdb      *redis.Client
	store    JobStore
	observer observability.ObserverInterface

	warnings atomic.Int64
	degraded atomic.Bool
}

// New creates a queue over a Redis client and a job store.
func New(rdb *redis.Client, store JobStore) *Queue {
	return &Queue{rdb: rdb, store: store, observer: observability.Observer()}
}

// NewClient builds the Redis client the queue runs on, with the same
// timeouts and pool shape the rest of the system uses.
func NewClient(addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, observability.Tag(observability.KindQueueUnavailable, "queue.NewClient",
			fmt.Errorf("connect to redis: %w", err))
	}
	return rdb, nil
}

// Enqueue persists a job and pushes it onto its priority list. Returns the
// job id.
func (q *Queue) Enqueue(ctx context.Context, p Params) (string, error) {
	ctx, span := q.observer.CreateSpan(ctx, "queue.Enqueue")
	defer span.End()

	if err := validateParams(p); err != nil {
		return "", err
	}
	job := storage.Job{
		ID:          uuid.NewString(),
		Kind:        p.Kind,
		LocationID:  p.LocationID,
		Year:        p.Year,
		Month:       p.Month,
		Priority:    p.Priority,
		State:       storage.JobStateWaiting,
		MaxAttempts: len(retryBackoff),
		EnqueuedAt:  time.Now().UTC(),
	}
	span.SetAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("kind", job.Kind),
		attribute.String("priority", job.Priority),
	)

	if err := q.store.InsertJob(ctx, job); err != nil {
		return "", err
	}
	if err := q.rdb.LPush(ctx, keyPrefix+job.Priority, job.ID).Err(); err != nil {
		q.degraded.Store(true)
		return "", observability.Tag(observability.KindQueueUnavailable, "queue.Enqueue", err)
	}
	q.degraded.Store(false)
	q.checkHighWater(ctx)
	return job.ID, nil
}

func validateParams(p Params) error {
	switch p.Kind {
	case storage.JobKindOrbitYear, storage.JobKindLocationYear, storage.JobKindMonthly,
		storage.JobKindDaily, storage.JobKindRecalcAll, storage.JobKindHistorical:
	default:
		return observability.Tag(observability.KindValidation, "queue.Enqueue",
			fmt.Errorf("unknown job kind %q", p.Kind))
	}
	switch p.Priority {
	case storage.PriorityCritical, storage.PriorityHigh, storage.PriorityNormal, storage.PriorityLow:
	default:
		return observability.Tag(observability.KindValidation, "queue.Enqueue",
			fmt.Errorf("unknown priority %q", p.Priority))
	}
	if p.Kind != storage.JobKindDaily && (p.Year < 1900 || p.Year > 2200) {
		return observability.Tag(observability.KindValidation, "queue.Enqueue",
			fmt.Errorf("year %d out of range", p.Year))
	}
	if p.Kind == storage.JobKindLocationYear && p.LocationID == nil {
		return observability.Tag(observability.KindValidation, "queue.Enqueue",
			errors.New("location_year requires a location id"))
	}
	if p.Kind == storage.JobKindMonthly && (p.Month == nil || *p.Month < 1 || *p.Month > 12) {
		return observability.Tag(observability.KindValidation, "queue.Enqueue",
			errors.New("monthly requires a month in [1,12]"))
	}
	return nil
}

// Dequeue blocks up to timeout for the next job, respecting priority order
// and FIFO within a priority, and transitions it to active.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (storage.Job, error) {
	keys := make([]string, len(prioritiesInOrder))
	for i, p := range prioritiesInOrder {
		keys[i] = keyPrefix + p
	}
	res, err := q.rdb.BRPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return storage.Job{}, ErrEmpty
	}
	if err != nil {
		q.degraded.Store(true)
		return storage.Job{}, observability.Tag(observability.KindQueueUnavailable, "queue.Dequeue", err)
	}
	q.degraded.Store(false)

	id := res[1]
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return storage.Job{}, err
	}
	if job.State != storage.JobStateWaiting {
		// Cancelled or already reclaimed while queued; skip silently.
		return storage.Job{}, ErrEmpty
	}
	if err := q.store.MarkJobActive(ctx, id); err != nil {
		return storage.Job{}, err
	}
	job.State = storage.JobStateActive
	job.Attempts++
	return job, nil
}

// RequeueRetry schedules another attempt after the backoff step for the
// attempt count.
func (q *Queue) RequeueRetry(ctx context.Context, job storage.Job, reason string) error {
	delay := retryBackoff[len(retryBackoff)-1]
	if job.Attempts-1 < len(retryBackoff) {
		delay = retryBackoff[job.Attempts-1]
	}
	if err := q.store.MarkJobWaiting(ctx, job.ID, reason); err != nil {
		return err
	}
	readyAt := time.Now().Add(delay)
	if err := q.rdb.ZAdd(ctx, delayedKey, &redis.Z{Score: float64(readyAt.UnixMilli()), Member: job.ID}).Err(); err != nil {
		return observability.Tag(observability.KindQueueUnavailable, "queue.RequeueRetry", err)
	}
	logger.InfoContext(ctx, "job requeued for retry",
		"job_id", job.ID, "attempt", job.Attempts, "delay", delay, "reason", reason)
	return nil
}

// Requeue puts a job back on its priority list immediately, behind the jobs
// already waiting there; used by the stall reaper and admin requeue of
// failed jobs.
func (q *Queue) Requeue(ctx context.Context, job storage.Job, reason string) error {
	if err := q.store.MarkJobWaiting(ctx, job.ID, reason); err != nil {
		return err
	}
	if err := q.rdb.LPush(ctx, keyPrefix+job.Priority, job.ID).Err(); err != nil {
		return observability.Tag(observability.KindQueueUnavailable, "queue.Requeue", err)
	}
	return nil
}

// PromoteDue moves delayed retries whose time has come onto their priority
// lists. Called by the dispatcher once per poll cycle.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) error {
	ids, err := q.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		q.degraded.Store(true)
		return observability.Tag(observability.KindQueueUnavailable, "queue.PromoteDue", err)
	}
	for _, id := range ids {
		job, err := q.store.GetJob(ctx, id)
		if err != nil {
			// Unknown row; drop the orphan from the delayed set.
			q.rdb.ZRem(ctx, delayedKey, id)
			continue
		}
		if err := q.rdb.LPush(ctx, keyPrefix+job.Priority, id).Err(); err != nil {
			return observability.Tag(observability.KindQueueUnavailable, "queue.PromoteDue", err)
		}
		q.rdb.ZRem(ctx, delayedKey, id)
	}
	return nil
}

// CancelWaiting removes a waiting job from its priority list and marks it
// cancelled. Running jobs are cancelled cooperatively by the pool instead.
func (q *Queue) CancelWaiting(ctx context.Context, id string) error {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.State != storage.JobStateWaiting {
		return observability.Tag(observability.KindValidation, "queue.CancelWaiting",
			fmt.Errorf("job %s is %s, not waiting", id, job.State))
	}
	q.rdb.LRem(ctx, keyPrefix+job.Priority, 0, id)
	q.rdb.ZRem(ctx, delayedKey, id)
	return q.store.MarkJobFinished(ctx, id, storage.JobStateCancelled, nil)
}

// Stats is the admin queue_stats payload.
type Stats struct {
	Waiting    int           `json:"waiting"`
	Active     int           `json:"active"`
	Completed  int           `json:"completed"`
	Failed     int           `json:"failed"`
	FailedJobs []storage.Job `json:"failed_jobs"`
	Degraded   bool          `json:"degraded"`
	Warnings   int64         `json:"high_water_warnings"`
}

// Stats summarizes queue state for the admin surface.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.store.CountJobs(ctx)
	if err != nil {
		return Stats{}, err
	}
	failed, err := q.store.ListFailedJobs(ctx, 50)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Waiting:    counts.Waiting,
		Active:     counts.Active,
		Completed:  counts.Completed,
		Failed:     counts.Failed,
		FailedJobs: failed,
		Degraded:   q.degraded.Load(),
		Warnings:   q.warnings.Load(),
	}, nil
}

// Degraded reports whether the queue backend was unreachable on the most
// recent operation.
func (q *Queue) Degraded() bool {
	return q.degraded.Load()
}

func (q *Queue) checkHighWater(ctx context.Context) {
	var total int64
	for _, p := range prioritiesInOrder {
		n, err := q.rdb.LLen(ctx, keyPrefix+p).Result()
		if err != nil {
			return
		}
		total += n
	}
	if total > HighWaterMark {
		q.warnings.Add(1)
		logger.WarnContext(ctx, "waiting queue above high-water mark",
			"waiting", total, "high_water", HighWaterMark)
	}
}
