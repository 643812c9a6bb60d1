package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/yuru-sha/fuji-calendar-sub001/observability"
	"github.com/yuru-sha/fuji-calendar-sub001/storage"
	"github.com/yuru-sha/fuji-calendar-sub001/timeutil"
)

// Built-in periodic triggers.
const (
	TriggerDailyMatch   = "daily-match"
	TriggerYearRollover = "year-rollover"
)

// BackgroundStore is the slice of the persistence layer the scheduler
// needs.
type BackgroundStore interface {
	ListBackgroundJobs(ctx context.Context) ([]storage.BackgroundJob, error)
	SeedBackgroundJob(ctx context.Context, bj storage.BackgroundJob) error
	SetBackgroundJobEnabled(ctx context.Context, id string, enabled bool) error
	TouchBackgroundJob(ctx context.Context, id string, at time.Time) error
}

// Scheduler fires durable periodic triggers. Trigger rows live in the
// store, so schedules survive restarts; the scheduler only wakes once per
// minute and enqueues whatever came due.
type Scheduler struct {
	store BackgroundStore
	queue *Queue
	now   func() time.Time
}

// NewScheduler creates a scheduler over the store and queue.
func NewScheduler(store BackgroundStore, q *Queue) *Scheduler {
	return &Scheduler{store: store, queue: q, now: time.Now}
}

// Seed installs the built-in triggers when absent: the daily 03:00 JST
// match run and the Dec-31 next-year orbit build.
func (s *Scheduler) Seed(ctx context.Context) error {
	builtin := []storage.BackgroundJob{
		{ID: TriggerDailyMatch, Name: "daily match for current month", Schedule: "0 3 * * *", Enabled: true},
		{ID: TriggerYearRollover, Name: "next-year orbit table build", Schedule: "0 4 31 12 *", Enabled: true},
	}
	for _, bj := range builtin {
		if err := s.store.SeedBackgroundJob(ctx, bj); err != nil {
			return err
		}
	}
	return nil
}

// Run wakes once per minute and fires due triggers until ctx ends.
// When the queue backend is degraded, periodic enqueues pause and resume
// on the next healthy cycle.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.queue.Degraded() {
				logger.WarnContext(ctx, "queue degraded, pausing periodic jobs")
				continue
			}
			if err := s.Tick(ctx); err != nil {
				logger.WarnContext(ctx, "scheduler tick failed", "error", err)
			}
		}
	}
}

// Tick evaluates every enabled trigger against its cron schedule and fires
// the ones whose next activation since last_run has passed.
func (s *Scheduler) Tick(ctx context.Context) error {
	jobs, err := s.store.ListBackgroundJobs(ctx)
	if err != nil {
		return err
	}
	now := s.now().In(timeutil.JST)
	for _, bj := range jobs {
		if !bj.Enabled {
			continue
		}
		sched, err := cron.ParseStandard(bj.Schedule)
		if err != nil {
			logger.WarnContext(ctx, "invalid trigger schedule",
				"trigger", bj.ID, "schedule", bj.Schedule, "error", err)
			continue
		}
		last := now.Add(-time.Minute)
		if bj.LastRun != nil {
			last = bj.LastRun.In(timeutil.JST)
		}
		if next := sched.Next(last); !next.After(now) {
			if err := s.Fire(ctx, bj.ID); err != nil {
				logger.WarnContext(ctx, "trigger fire failed", "trigger", bj.ID, "error", err)
				continue
			}
		}
	}
	return nil
}

// Fire enqueues the job a trigger stands for and stamps last_run.
// Admin trigger_background_job calls this directly.
func (s *Scheduler) Fire(ctx context.Context, triggerID string) error {
	now := s.now()
	var p Params
	switch triggerID {
	case TriggerDailyMatch:
		p = Params{Kind: storage.JobKindDaily, Priority: storage.PriorityNormal}
	case TriggerYearRollover:
		p = Params{
			Kind:     storage.JobKindOrbitYear,
			Year:     now.In(timeutil.JST).Year() + 1,
			Priority: storage.PriorityLow,
		}
	default:
		return observability.Tag(observability.KindValidation, "queue.SchedulerFire",
			fmt.Errorf("unknown trigger %q", triggerID))
	}
	if _, err := s.queue.Enqueue(ctx, p); err != nil {
		return err
	}
	return s.store.TouchBackgroundJob(ctx, triggerID, now)
}

// Toggle enables or disables one trigger.
func (s *Scheduler) Toggle(ctx context.Context, triggerID string, enabled bool) error {
	return s.store.SetBackgroundJobEnabled(ctx, triggerID, enabled)
}
