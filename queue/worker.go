package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yuru-sha/fuji-calendar-sub001/config"
	"github.com/yuru-sha/fuji-calendar-sub001/observability"
	"github.com/yuru-sha/fuji-calendar-sub001/storage"
)

// ProgressFunc lets a handler post progress percentage; each call also
// refreshes the stall heartbeat.
type ProgressFunc func(percent int)

// HandlerFunc executes one job. Returning an error triggers the retry
// policy; a context cancellation ends the job in the cancelled state.
type HandlerFunc func(ctx context.Context, job storage.Job, progress ProgressFunc) error

// Pool runs jobs on a bounded set of parallel workers. Concurrency is
// runtime-mutable and applied on the next dispatch, never by interrupting
// in-flight work.
type Pool struct {
	queue    *Queue
	store    JobStore
	observer observability.ObserverInterface

	stallTimeout time.Duration

	mu          sync.Mutex
	concurrency int
	active      int
	cancels     map[string]context.CancelFunc
	handlers    map[string]HandlerFunc

	slotFreed chan struct{}
	wg        sync.WaitGroup
}

// NewPool creates a worker pool. Concurrency must sit in the configured
// bounds; stallTimeout is the reclaim ceiling for silent jobs.
func NewPool(q *Queue, store JobStore, concurrency int, stallTimeout time.Duration) (*Pool, error) {
	if concurrency < config.MinConcurrency || concurrency > config.MaxConcurrency {
		return nil, observability.Tag(observability.KindValidation, "queue.NewPool",
			fmt.Errorf("concurrency must be in [%d,%d], got %d", config.MinConcurrency, config.MaxConcurrency, concurrency))
	}
	return &Pool{
		queue:        q,
		store:        store,
		observer:     observability.Observer(),
		stallTimeout: stallTimeout,
		concurrency:  concurrency,
		cancels:      make(map[string]context.CancelFunc),
		handlers:     make(map[string]HandlerFunc),
		slotFreed:    make(chan struct{}, config.MaxConcurrency),
	}, nil
}

// Register binds a handler to a job kind.
func (p *Pool) Register(kind string, h HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = h
}

// SetConcurrency adjusts the worker bound. Applied on the next dispatch.
func (p *Pool) SetConcurrency(n int) error {
	if n < config.MinConcurrency || n > config.MaxConcurrency {
		return observability.Tag(observability.KindValidation, "queue.SetConcurrency",
			fmt.Errorf("concurrency must be in [%d,%d], got %d", config.MinConcurrency, config.MaxConcurrency, n))
	}
	p.mu.Lock()
	p.concurrency = n
	p.mu.Unlock()
	select {
	case p.slotFreed <- struct{}{}:
	default:
	}
	logger.Info("worker concurrency updated", "concurrency", n)
	return nil
}

// Concurrency returns the current worker bound.
func (p *Pool) Concurrency() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.concurrency
}

// Cancel requests cooperative cancellation of a running job, or removes a
// waiting one from the queue.
func (p *Pool) Cancel(ctx context.Context, jobID string) error {
	p.mu.Lock()
	cancel, running := p.cancels[jobID]
	p.mu.Unlock()
	if running {
		cancel()
		return nil
	}
	return p.queue.CancelWaiting(ctx, jobID)
}

// Run drives the dispatcher until ctx is cancelled, then waits for
// in-flight jobs to finish their cooperative shutdown.
func (p *Pool) Run(ctx context.Context) {
	reapTicker := time.NewTicker(time.Minute)
	defer reapTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.wg.Wait()
			return
		case <-reapTicker.C:
			p.reapStalled(ctx)
			continue
		default:
		}

		if !p.acquireSlot(ctx) {
			continue
		}
		if err := p.queue.PromoteDue(ctx, time.Now()); err != nil {
			logger.WarnContext(ctx, "promote due retries failed", "error", err)
		}
		job, err := p.queue.Dequeue(ctx, time.Second)
		if errors.Is(err, ErrEmpty) {
			p.releaseSlot()
			continue
		}
		if err != nil {
			p.releaseSlot()
			logger.WarnContext(ctx, "dequeue failed, backing off", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(2 * time.Second):
			}
			continue
		}

		p.wg.Add(1)
		go func(job storage.Job) {
			defer p.wg.Done()
			defer p.releaseSlot()
			p.runJob(ctx, job)
		}(job)
	}
}

// acquireSlot blocks until a worker slot is free under the current
// concurrency bound. Returns false when ctx ended while waiting.
func (p *Pool) acquireSlot(ctx context.Context) bool {
	for {
		p.mu.Lock()
		if p.active < p.concurrency {
			p.active++
			p.mu.Unlock()
			return true
		}
		p.mu.Unlock()
		select {
		case <-ctx.Done():
			return false
		case <-p.slotFreed:
		case <-time.After(200 * time.Millisecond):
		}
	}
}

func (p *Pool) releaseSlot() {
	p.mu.Lock()
	p.active--
	p.mu.Unlock()
	select {
	case p.slotFreed <- struct{}{}:
	default:
	}
}

// runJob executes one job through its handler and settles its terminal or
// retry state.
func (p *Pool) runJob(ctx context.Context, job storage.Job) {
	ctx, span := p.observer.CreateSpan(ctx, "queue.runJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("kind", job.Kind),
		attribute.Int("attempt", job.Attempts),
	)

	p.mu.Lock()
	handler, ok := p.handlers[job.Kind]
	p.mu.Unlock()
	if !ok {
		reason := fmt.Sprintf("no handler for kind %q", job.Kind)
		if err := p.store.MarkJobFinished(ctx, job.ID, storage.JobStateFailed, &reason); err != nil {
			logger.ErrorContext(ctx, "mark failed job", "job_id", job.ID, "error", err)
		}
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	p.mu.Lock()
	p.cancels[job.ID] = cancel
	p.mu.Unlock()
	defer func() {
		cancel()
		p.mu.Lock()
		delete(p.cancels, job.ID)
		p.mu.Unlock()
	}()

	progress := func(percent int) {
		if err := p.store.HeartbeatJob(ctx, job.ID, percent); err != nil {
			logger.WarnContext(ctx, "heartbeat failed", "job_id", job.ID, "error", err)
		}
	}

	logger.InfoContext(ctx, "job started",
		"job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts)
	err := handler(jobCtx, job, progress)
	switch {
	case err == nil:
		if err := p.store.MarkJobFinished(ctx, job.ID, storage.JobStateCompleted, nil); err != nil {
			logger.ErrorContext(ctx, "mark completed job", "job_id", job.ID, "error", err)
		}
		logger.InfoContext(ctx, "job completed", "job_id", job.ID, "kind", job.Kind)

	case errors.Is(err, context.Canceled) || isKind(err, observability.KindCancelled):
		// Cancellation is terminal but not a failure.
		reason := "cancelled"
		if err := p.store.MarkJobFinished(ctx, job.ID, storage.JobStateCancelled, &reason); err != nil {
			logger.ErrorContext(ctx, "mark cancelled job", "job_id", job.ID, "error", err)
		}
		logger.InfoContext(ctx, "job cancelled", "job_id", job.ID)

	case job.Attempts < job.MaxAttempts:
		span.RecordError(err)
		if rqErr := p.queue.RequeueRetry(ctx, job, err.Error()); rqErr != nil {
			logger.ErrorContext(ctx, "requeue for retry failed", "job_id", job.ID, "error", rqErr)
		}

	default:
		span.RecordError(err)
		reason := err.Error()
		if err := p.store.MarkJobFinished(ctx, job.ID, storage.JobStateFailed, &reason); err != nil {
			logger.ErrorContext(ctx, "mark failed job", "job_id", job.ID, "error", err)
		}
		logger.ErrorContext(ctx, "job failed terminally",
			"job_id", job.ID, "kind", job.Kind, "attempts", job.Attempts, "error", err)
	}
}

// reapStalled reclaims active jobs whose heartbeat went silent past the
// stall timeout; the reclaim counts as a failed attempt.
func (p *Pool) reapStalled(ctx context.Context) {
	stalled, err := p.store.StalledJobs(ctx, p.stallTimeout)
	if err != nil {
		logger.WarnContext(ctx, "stall scan failed", "error", err)
		return
	}
	for _, job := range stalled {
		logger.WarnContext(ctx, "reclaiming stalled job",
			"job_id", job.ID, "kind", job.Kind, "attempts", job.Attempts)
		if job.Attempts >= job.MaxAttempts {
			reason := "stalled past timeout on final attempt"
			if err := p.store.MarkJobFinished(ctx, job.ID, storage.JobStateFailed, &reason); err != nil {
				logger.ErrorContext(ctx, "mark stalled job failed", "job_id", job.ID, "error", err)
			}
			continue
		}
		if err := p.queue.Requeue(ctx, job, "stalled past timeout"); err != nil {
			logger.ErrorContext(ctx, "requeue stalled job", "job_id", job.ID, "error", err)
		}
	}
}

func isKind(err error, kind observability.ErrorKind) bool {
	k, ok := observability.KindOf(err)
	return ok && k == kind
}
