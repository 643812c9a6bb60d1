// Package pipeline binds job kinds to the orbit builder and event matcher,
// the action side of the queue.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yuru-sha/fuji-calendar-sub001/astronomy"
	"github.com/yuru-sha/fuji-calendar-sub001/log"
	"github.com/yuru-sha/fuji-calendar-sub001/observability"
	"github.com/yuru-sha/fuji-calendar-sub001/queue"
	"github.com/yuru-sha/fuji-calendar-sub001/services/matcher"
	"github.com/yuru-sha/fuji-calendar-sub001/services/orbit"
	"github.com/yuru-sha/fuji-calendar-sub001/storage"
	"github.com/yuru-sha/fuji-calendar-sub001/timeutil"
)

var logger = log.Logger()

// Store is the slice of the persistence layer the pipeline needs beyond
// what the builder and matcher hold themselves.
type Store interface {
	ListLocations(ctx context.Context) ([]storage.Location, error)
	GetLocation(ctx context.Context, id int64) (storage.Location, error)
	UpsertLocationGeometry(ctx context.Context, id int64, azimuthDeg, elevationDeg, distanceM float64) error
	OrbitYearComplete(ctx context.Context, year int) (bool, error)
	WithLocationLock(ctx context.Context, locationID int64, fn func() error) error
}

// Pipeline wires job kinds to their actions.
type Pipeline struct {
	store    Store
	builder  *orbit.Builder
	matcher  *matcher.Matcher
	queue    *queue.Queue
	ref      astronomy.FujiReference
	k        float64
	observer observability.ObserverInterface
	now      func() time.Time
}

// New creates the pipeline.
func New(store Store, builder *orbit.Builder, m *matcher.Matcher, q *queue.Queue, ref astronomy.FujiReference, refractionK float64) *Pipeline {
	return &Pipeline{
		store:    store,
		builder:  builder,
		matcher:  m,
		queue:    q,
		ref:      ref,
		k:        refractionK,
		observer: observability.Observer(),
		now:      time.Now,
	}
}

// Register binds every job kind onto the pool.
func (p *Pipeline) Register(pool *queue.Pool) {
	pool.Register(storage.JobKindOrbitYear, p.handleOrbitYear)
	pool.Register(storage.JobKindLocationYear, p.handleLocationYear)
	pool.Register(storage.JobKindMonthly, p.handleMonthly)
	pool.Register(storage.JobKindDaily, p.handleDaily)
	pool.Register(storage.JobKindRecalcAll, p.handleRecalcAll)
	pool.Register(storage.JobKindHistorical, p.handleHistorical)
}

func (p *Pipeline) handleOrbitYear(ctx context.Context, job storage.Job, progress queue.ProgressFunc) error {
	return p.builder.BuildYear(ctx, job.Year, progress)
}

// handleLocationYear ensures the year's orbit table exists, then matches
// one location under its advisory lock so no two writers touch the same
// (location, kind, day) concurrently.
func (p *Pipeline) handleLocationYear(ctx context.Context, job storage.Job, progress queue.ProgressFunc) error {
	if job.LocationID == nil {
		return observability.Tag(observability.KindValidation, "pipeline.handleLocationYear",
			fmt.Errorf("job %s has no location id", job.ID))
	}
	loc, err := p.store.GetLocation(ctx, *job.LocationID)
	if err != nil {
		return err
	}

	complete, err := p.store.OrbitYearComplete(ctx, job.Year)
	if err != nil {
		return err
	}
	if !complete {
		// The orbit half owns the first 60% of the progress bar.
		if err := p.builder.BuildYear(ctx, job.Year, func(pct int) { progress(pct * 60 / 100) }); err != nil {
			return err
		}
	}
	return p.store.WithLocationLock(ctx, loc.ID, func() error {
		return p.matcher.MatchAndStore(ctx, loc, job.Year, func(pct int) { progress(60 + pct*40/100) })
	})
}

// handleMonthly matches every location for one month incrementally.
// Locations with unrepairable geometry are skipped and reported, not
// fatal.
func (p *Pipeline) handleMonthly(ctx context.Context, job storage.Job, progress queue.ProgressFunc) error {
	if job.Month == nil {
		return observability.Tag(observability.KindValidation, "pipeline.handleMonthly",
			fmt.Errorf("job %s has no month", job.ID))
	}
	return p.matchMonth(ctx, job.Year, *job.Month, progress)
}

func (p *Pipeline) matchMonth(ctx context.Context, year, month int, progress queue.ProgressFunc) error {
	ctx, span := p.observer.CreateSpan(ctx, "pipeline.matchMonth")
	defer span.End()
	span.SetAttributes(attribute.Int("year", year), attribute.Int("month", month))

	locations, err := p.store.ListLocations(ctx)
	if err != nil {
		return err
	}
	skipped := 0
	for i, loc := range locations {
		if err := ctx.Err(); err != nil {
			return observability.Tag(observability.KindCancelled, "pipeline.matchMonth", err)
		}
		err := p.store.WithLocationLock(ctx, loc.ID, func() error {
			return p.matcher.MatchAndStoreMonth(ctx, loc, year, month)
		})
		if err != nil {
			if kind, ok := observability.KindOf(err); ok && kind == observability.KindInvalidGeometry {
				skipped++
				logger.WarnContext(ctx, "location skipped on invalid geometry",
					"location_id", loc.ID, "error", err)
				continue
			}
			return err
		}
		if progress != nil {
			progress((i + 1) * 100 / len(locations))
		}
	}
	if skipped > 0 {
		logger.WarnContext(ctx, "monthly match finished with skipped locations",
			"year", year, "month", month, "skipped", skipped)
	}
	return nil
}

// handleDaily runs the monthly match for the current JST month.
func (p *Pipeline) handleDaily(ctx context.Context, job storage.Job, progress queue.ProgressFunc) error {
	now := p.now().In(timeutil.JST)
	return p.matchMonth(ctx, now.Year(), int(now.Month()), progress)
}

// handleRecalcAll fans one location_year job out per location at normal
// priority.
func (p *Pipeline) handleRecalcAll(ctx context.Context, job storage.Job, progress queue.ProgressFunc) error {
	return p.fanOut(ctx, job.Year, storage.PriorityNormal, progress)
}

// handleHistorical rebuilds a past year across all locations at low
// priority.
func (p *Pipeline) handleHistorical(ctx context.Context, job storage.Job, progress queue.ProgressFunc) error {
	return p.fanOut(ctx, job.Year, storage.PriorityLow, progress)
}

func (p *Pipeline) fanOut(ctx context.Context, year int, priority string, progress queue.ProgressFunc) error {
	locations, err := p.store.ListLocations(ctx)
	if err != nil {
		return err
	}
	for i, loc := range locations {
		id := loc.ID
		if _, err := p.queue.Enqueue(ctx, queue.Params{
			Kind:       storage.JobKindLocationYear,
			LocationID: &id,
			Year:       year,
			Priority:   priority,
		}); err != nil {
			return err
		}
		if progress != nil {
			progress((i + 1) * 100 / len(locations))
		}
	}
	logger.InfoContext(ctx, "fanned out location jobs", "year", year, "locations", len(locations))
	return nil
}

// RecomputeAllGeometry refreshes the derived sighting fields of every
// location; setup-data performs the same maintenance in its own loop.
func (p *Pipeline) RecomputeAllGeometry(ctx context.Context) (int, error) {
	locations, err := p.store.ListLocations(ctx)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, loc := range locations {
		g, err := astronomy.ComputeFujiGeometry(loc.Latitude, loc.Longitude, loc.ElevationM, p.ref, p.k)
		if err != nil {
			logger.WarnContext(ctx, "geometry recompute failed",
				"location_id", loc.ID, "error", err)
			continue
		}
		if err := p.store.UpsertLocationGeometry(ctx, loc.ID, g.AzimuthDeg, g.ElevationDeg, g.DistanceM); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}
