// Package admin is the programmatic admin surface the HTTP layer calls:
// recalculation triggers, worker concurrency, queue statistics, and
// periodic-job toggles.
package admin

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yuru-sha/fuji-calendar-sub001/observability"
	"github.com/yuru-sha/fuji-calendar-sub001/queue"
	"github.com/yuru-sha/fuji-calendar-sub001/storage"
)

// LocationStore validates location ids before work is enqueued.
type LocationStore interface {
	GetLocation(ctx context.Context, id int64) (storage.Location, error)
}

// Service exposes the admin operations.
type Service struct {
	queue     *queue.Queue
	pool      *queue.Pool
	scheduler *queue.Scheduler
	locations LocationStore
	observer  observability.ObserverInterface
}

// NewService creates the admin surface.
func NewService(q *queue.Queue, pool *queue.Pool, scheduler *queue.Scheduler, locations LocationStore) *Service {
	return &Service{
		queue:     q,
		pool:      pool,
		scheduler: scheduler,
		locations: locations,
		observer:  observability.Observer(),
	}
}

// RecalcLocation enqueues a high-priority location_year job and returns
// its id. The location must exist.
func (s *Service) RecalcLocation(ctx context.Context, locationID int64, year int) (string, error) {
	ctx, span := s.observer.CreateSpan(ctx, "admin.RecalcLocation")
	defer span.End()
	span.SetAttributes(attribute.Int64("location_id", locationID), attribute.Int("year", year))

	if _, err := s.locations.GetLocation(ctx, locationID); err != nil {
		return "", err
	}
	id := locationID
	return s.queue.Enqueue(ctx, queue.Params{
		Kind:       storage.JobKindLocationYear,
		LocationID: &id,
		Year:       year,
		Priority:   storage.PriorityHigh,
	})
}

// RecalcMonth enqueues a high-priority monthly job.
func (s *Service) RecalcMonth(ctx context.Context, year, month int) (string, error) {
	ctx, span := s.observer.CreateSpan(ctx, "admin.RecalcMonth")
	defer span.End()
	span.SetAttributes(attribute.Int("year", year), attribute.Int("month", month))

	m := month
	return s.queue.Enqueue(ctx, queue.Params{
		Kind:     storage.JobKindMonthly,
		Year:     year,
		Month:    &m,
		Priority: storage.PriorityHigh,
	})
}

// RecalcAll enqueues the fan-out job that rebuilds every location for a
// year.
func (s *Service) RecalcAll(ctx context.Context, year int) (string, error) {
	return s.queue.Enqueue(ctx, queue.Params{
		Kind:     storage.JobKindRecalcAll,
		Year:     year,
		Priority: storage.PriorityNormal,
	})
}

// SetConcurrency adjusts the worker pool bound, applied on the next
// dispatch.
func (s *Service) SetConcurrency(n int) error {
	return s.pool.SetConcurrency(n)
}

// Concurrency reports the current bound.
func (s *Service) Concurrency() int {
	return s.pool.Concurrency()
}

// QueueStats returns the queue counters, failed-job list, and the
// degraded-mode flag.
func (s *Service) QueueStats(ctx context.Context) (queue.Stats, error) {
	return s.queue.Stats(ctx)
}

// CancelJob cancels a waiting job or requests cooperative cancellation of
// a running one.
func (s *Service) CancelJob(ctx context.Context, jobID string) error {
	if jobID == "" {
		return observability.Tag(observability.KindValidation, "admin.CancelJob",
			fmt.Errorf("job id is required"))
	}
	return s.pool.Cancel(ctx, jobID)
}

// ToggleBackgroundJob enables or disables one periodic trigger.
func (s *Service) ToggleBackgroundJob(ctx context.Context, triggerID string, enabled bool) error {
	return s.scheduler.Toggle(ctx, triggerID, enabled)
}

// TriggerBackgroundJob fires one periodic trigger immediately.
func (s *Service) TriggerBackgroundJob(ctx context.Context, triggerID string) error {
	return s.scheduler.Fire(ctx, triggerID)
}
