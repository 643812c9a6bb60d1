package queue

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuru-sha/fuji-calendar-sub001/observability"
	"github.com/yuru-sha/fuji-calendar-sub001/storage"
)

// fakeJobStore is an in-memory JobStore and BackgroundStore.
type fakeJobStore struct {
	mu         sync.Mutex
	jobs       map[string]*storage.Job
	background map[string]*storage.BackgroundJob
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{
		jobs:       make(map[string]*storage.Job),
		background: make(map[string]*storage.BackgroundJob),
	}
}

func (f *fakeJobStore) InsertJob(ctx context.Context, job storage.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := job
	f.jobs[job.ID] = &cp
	return nil
}

func (f *fakeJobStore) GetJob(ctx context.Context, id string) (storage.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j, ok := f.jobs[id]
	if !ok {
		return storage.Job{}, observability.Tag(observability.KindValidation, "fake.GetJob", storage.ErrJobNotFound)
	}
	return *j, nil
}

func (f *fakeJobStore) MarkJobActive(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.State = storage.JobStateActive
	j.Attempts++
	now := time.Now()
	j.StartedAt = &now
	j.HeartbeatAt = &now
	return nil
}

func (f *fakeJobStore) MarkJobWaiting(ctx context.Context, id, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.State = storage.JobStateWaiting
	j.FailedReason = &reason
	return nil
}

func (f *fakeJobStore) MarkJobFinished(ctx context.Context, id, state string, reason *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	j.State = state
	j.FailedReason = reason
	now := time.Now()
	j.FinishedAt = &now
	return nil
}

func (f *fakeJobStore) HeartbeatJob(ctx context.Context, id string, progress int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.jobs[id]
	now := time.Now()
	j.HeartbeatAt = &now
	j.Progress = progress
	return nil
}

func (f *fakeJobStore) StalledJobs(ctx context.Context, stallTimeout time.Duration) ([]storage.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Job
	cutoff := time.Now().Add(-stallTimeout)
	for _, j := range f.jobs {
		if j.State == storage.JobStateActive && j.HeartbeatAt != nil && j.HeartbeatAt.Before(cutoff) {
			out = append(out, *j)
		}
	}
	return out, nil
}

func (f *fakeJobStore) CountJobs(ctx context.Context) (storage.QueueCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var qc storage.QueueCounts
	for _, j := range f.jobs {
		switch j.State {
		case storage.JobStateWaiting:
			qc.Waiting++
		case storage.JobStateActive:
			qc.Active++
		case storage.JobStateCompleted:
			qc.Completed++
		case storage.JobStateFailed:
			qc.Failed++
		}
	}
	return qc, nil
}

func (f *fakeJobStore) ListFailedJobs(ctx context.Context, limit int) ([]storage.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Job
	for _, j := range f.jobs {
		if j.State == storage.JobStateFailed {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeJobStore) ListBackgroundJobs(ctx context.Context) ([]storage.BackgroundJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.BackgroundJob
	for _, bj := range f.background {
		out = append(out, *bj)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out, nil
}

func (f *fakeJobStore) SeedBackgroundJob(ctx context.Context, bj storage.BackgroundJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.background[bj.ID]; !ok {
		cp := bj
		f.background[bj.ID] = &cp
	}
	return nil
}

func (f *fakeJobStore) SetBackgroundJobEnabled(ctx context.Context, id string, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	bj, ok := f.background[id]
	if !ok {
		return observability.Tag(observability.KindValidation, "fake.SetBackgroundJobEnabled", storage.ErrJobNotFound)
	}
	bj.Enabled = enabled
	return nil
}

func (f *fakeJobStore) TouchBackgroundJob(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if bj, ok := f.background[id]; ok {
		cp := at
		bj.LastRun = &cp
	}
	return nil
}

func newTestQueue(t *testing.T) (*Queue, *fakeJobStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	store := newFakeJobStore()
	return New(rdb, store), store
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, Params{Kind: storage.JobKindOrbitYear, Year: 2025, Priority: storage.PriorityNormal})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, storage.JobStateActive, job.State)
	assert.Equal(t, 1, job.Attempts)
}

func TestDequeueRespectsPriorityThenFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	low1, err := q.Enqueue(ctx, Params{Kind: storage.JobKindOrbitYear, Year: 2025, Priority: storage.PriorityLow})
	require.NoError(t, err)
	low2, err := q.Enqueue(ctx, Params{Kind: storage.JobKindOrbitYear, Year: 2026, Priority: storage.PriorityLow})
	require.NoError(t, err)
	crit, err := q.Enqueue(ctx, Params{Kind: storage.JobKindOrbitYear, Year: 2027, Priority: storage.PriorityCritical})
	require.NoError(t, err)

	var order []string
	for i := 0; i < 3; i++ {
		job, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		order = append(order, job.ID)
	}
	assert.Equal(t, []string{crit, low1, low2}, order)
}

func TestDequeueEmpty(t *testing.T) {
	q, _ := newTestQueue(t)
	_, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestEnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Params{Kind: "bogus", Year: 2025, Priority: storage.PriorityNormal})
	assertKind(t, err, observability.KindValidation)

	_, err = q.Enqueue(ctx, Params{Kind: storage.JobKindOrbitYear, Year: 1492, Priority: storage.PriorityNormal})
	assertKind(t, err, observability.KindValidation)

	_, err = q.Enqueue(ctx, Params{Kind: storage.JobKindLocationYear, Year: 2025, Priority: storage.PriorityNormal})
	assertKind(t, err, observability.KindValidation)

	month := 13
	_, err = q.Enqueue(ctx, Params{Kind: storage.JobKindMonthly, Year: 2025, Month: &month, Priority: storage.PriorityNormal})
	assertKind(t, err, observability.KindValidation)

	_, err = q.Enqueue(ctx, Params{Kind: storage.JobKindOrbitYear, Year: 2025, Priority: "urgent"})
	assertKind(t, err, observability.KindValidation)
}

func assertKind(t *testing.T, err error, want observability.ErrorKind) {
	t.Helper()
	require.Error(t, err)
	kind, ok := observability.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, want, kind)
}

func TestRetryDelayAndPromotion(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, Params{Kind: storage.JobKindOrbitYear, Year: 2025, Priority: storage.PriorityNormal})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.RequeueRetry(ctx, job, "transient boom"))
	got, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStateWaiting, got.State)

	// Not yet due: nothing promoted, queue stays empty.
	require.NoError(t, q.PromoteDue(ctx, time.Now()))
	_, err = q.Dequeue(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)

	// Past the first backoff step the retry becomes available.
	require.NoError(t, q.PromoteDue(ctx, time.Now().Add(31*time.Second)))
	job, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 2, job.Attempts)
}

func TestCancelWaiting(t *testing.T) {
	q, store := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, Params{Kind: storage.JobKindOrbitYear, Year: 2025, Priority: storage.PriorityNormal})
	require.NoError(t, err)
	require.NoError(t, q.CancelWaiting(ctx, id))

	job, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, storage.JobStateCancelled, job.State)

	_, err = q.Dequeue(ctx, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestStats(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, Params{Kind: storage.JobKindOrbitYear, Year: 2025, Priority: storage.PriorityNormal})
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Waiting)
	assert.False(t, stats.Degraded)
	assert.Empty(t, stats.FailedJobs)
}
