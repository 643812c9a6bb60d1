// Package matcher joins the orbit table with location geometry to produce
// alignment events. The minute table is an index only: final positions are
// always recomputed at the location, because topocentric parallax and
// local altitude differ between observer and summit reference.
package matcher

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yuru-sha/fuji-calendar-sub001/astronomy"
	"github.com/yuru-sha/fuji-calendar-sub001/astronomy/ephemeris"
	"github.com/yuru-sha/fuji-calendar-sub001/log"
	"github.com/yuru-sha/fuji-calendar-sub001/observability"
	"github.com/yuru-sha/fuji-calendar-sub001/services/orbit"
	"github.com/yuru-sha/fuji-calendar-sub001/storage"
	"github.com/yuru-sha/fuji-calendar-sub001/timeutil"
)

var logger = log.Logger()

// OrbitStore scans candidate minutes out of the orbit table.
type OrbitStore interface {
	ScanOrbitCandidates(ctx context.Context, p storage.OrbitScanParams) ([]storage.OrbitSample, error)
}

// EventStore persists matched events.
type EventStore interface {
	ReplaceAlignmentEvents(ctx context.Context, locationID int64, year int, rows []storage.AlignmentEvent) error
	UpsertAlignmentEvents(ctx context.Context, rows []storage.AlignmentEvent) error
}

// Matcher produces alignment events for locations.
type Matcher struct {
	searcher *astronomy.Searcher
	orbits   OrbitStore
	events   EventStore
	ref      astronomy.FujiReference
	k        float64
	observer observability.ObserverInterface
}

// New creates a matcher over an ephemeris source and the orbit/event
// stores.
func New(eph astronomy.BodySource, orbits OrbitStore, events EventStore, ref astronomy.FujiReference, refractionK float64) *Matcher {
	return &Matcher{
		searcher: astronomy.NewSearcher(eph),
		orbits:   orbits,
		events:   events,
		ref:      ref,
		k:        refractionK,
		observer: observability.Observer(),
	}
}

// readyGeometry returns the location's derived geometry, recomputing it
// inline when the stored fields are missing or nonsensical. A location
// that stays invalid after recomputation is skipped by the caller.
func (m *Matcher) readyGeometry(loc storage.Location) (astronomy.FujiGeometry, error) {
	g := loc.Geometry()
	if g.DistanceM > 0 && g.AzimuthDeg >= 0 && g.AzimuthDeg < 360 {
		return g, nil
	}
	recomputed, err := astronomy.ComputeFujiGeometry(loc.Latitude, loc.Longitude, loc.ElevationM, m.ref, m.k)
	if err != nil {
		return astronomy.FujiGeometry{}, observability.Tag(observability.KindInvalidGeometry, "matcher.readyGeometry", err)
	}
	return recomputed, nil
}

// MatchLocationYear runs the fast path for one location and year: scan the
// orbit table with cushioned predicates, then refine each surviving minute
// at the location observer.
func (m *Matcher) MatchLocationYear(ctx context.Context, loc storage.Location, year int, progress func(percent int)) ([]storage.AlignmentEvent, error) {
	ctx, span := m.observer.CreateSpan(ctx, "matcher.MatchLocationYear")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("location_id", loc.ID),
		attribute.Int("year", year),
	)

	geom, err := m.readyGeometry(loc)
	if err != nil {
		return nil, err
	}
	obs := ephemeris.Observer{Latitude: loc.Latitude, Longitude: loc.Longitude, ElevationM: loc.ElevationM}

	var all []astronomy.AlignmentEvent
	bodies := []astronomy.Body{astronomy.BodySun, astronomy.BodyMoon}
	for i, body := range bodies {
		if err := ctx.Err(); err != nil {
			return nil, observability.Tag(observability.KindCancelled, "matcher.MatchLocationYear", err)
		}
		events, err := m.matchBody(ctx, obs, geom, body, year)
		if err != nil {
			return nil, err
		}
		all = append(all, events...)
		if progress != nil {
			progress((i + 1) * 100 / len(bodies))
		}
	}

	deduped := astronomy.DedupeEvents(all)
	return m.toRows(loc.ID, year, deduped), nil
}

// matchBody scans one body's candidate minutes and refines them.
func (m *Matcher) matchBody(ctx context.Context, obs ephemeris.Observer, geom astronomy.FujiGeometry, body astronomy.Body, year int) ([]astronomy.AlignmentEvent, error) {
	tol := astronomy.ToleranceFor(body, geom.DistanceM)

	// The table is sampled at the summit reference, not at the location;
	// the same instant's position differs between the two sites by up to
	// the site-separation angle. The bands absorb one minute of body
	// motion plus that separation so no refinable minute is filtered out.
	cushion := orbit.Cushion(body) + geom.DistanceM/astronomy.EarthRadiusM*astronomy.RadToDeg

	azHalf := tol.AzimuthDeg + cushion
	lo := astronomy.NormalizeAzimuth(geom.AzimuthDeg - azHalf)
	hi := astronomy.NormalizeAzimuth(geom.AzimuthDeg + azHalf)

	candidates, err := m.orbits.ScanOrbitCandidates(ctx, storage.OrbitScanParams{
		Year:           year,
		Body:           string(body),
		AzimuthMinDeg:  lo,
		AzimuthMaxDeg:  hi,
		AltitudeMinDeg: geom.ElevationDeg - tol.AltitudeDeg - cushion,
		AltitudeMaxDeg: geom.ElevationDeg + tol.AltitudeDeg + cushion,
		SunWindowsOnly: body == astronomy.BodySun,
	})
	if err != nil {
		return nil, err
	}

	if body == astronomy.BodyMoon {
		if candidates, err = m.filterMoonWindows(ctx, candidates, obs); err != nil {
			return nil, err
		}
	}

	var out []astronomy.AlignmentEvent
	ephFailures := 0
	for _, sample := range candidates {
		ev, err := m.searcher.RefineMinute(ctx, sample.Instant(), obs, geom, body)
		if err != nil {
			if errors.Is(err, ephemeris.ErrEphemeris) {
				ephFailures++
				logger.WarnContext(ctx, "refinement skipped on ephemeris failure",
					"instant", sample.Instant(), "body", string(body), "error", err)
				continue
			}
			return nil, err
		}
		if ev != nil {
			out = append(out, *ev)
		}
	}
	if len(candidates) > 0 && float64(ephFailures) > 0.01*float64(len(candidates)) {
		return nil, observability.Tag(observability.KindEphemeris, "matcher.matchBody",
			errors.New("ephemeris failure rate above budget"))
	}
	return out, nil
}

// filterMoonWindows keeps only candidate minutes inside the ±30 min
// moonrise/moonset bands, the same windows the direct search scans.
func (m *Matcher) filterMoonWindows(ctx context.Context, candidates []storage.OrbitSample, obs ephemeris.Observer) ([]storage.OrbitSample, error) {
	windowsByDay := make(map[string][]astronomy.Window)
	var out []storage.OrbitSample
	for _, sample := range candidates {
		day := timeutil.FormatDate(sample.SampleDate)
		windows, ok := windowsByDay[day]
		if !ok {
			var err error
			windows, err = m.searcher.DayWindows(ctx, sample.SampleDate, obs, astronomy.BodyMoon)
			if err != nil {
				return nil, err
			}
			windowsByDay[day] = windows
		}
		at := sample.Instant()
		for _, w := range windows {
			if w.Contains(at) {
				out = append(out, sample)
				break
			}
		}
	}
	return out, nil
}

// SlowMatchLocationYear computes the same result without the orbit table,
// searching each JST day directly. It exists as the reference path: the
// fast path must reproduce it event for event.
func (m *Matcher) SlowMatchLocationYear(ctx context.Context, loc storage.Location, year int, days []time.Time) ([]storage.AlignmentEvent, error) {
	geom, err := m.readyGeometry(loc)
	if err != nil {
		return nil, err
	}
	obs := ephemeris.Observer{Latitude: loc.Latitude, Longitude: loc.Longitude, ElevationM: loc.ElevationM}

	var all []astronomy.AlignmentEvent
	for _, day := range days {
		for _, body := range []astronomy.Body{astronomy.BodySun, astronomy.BodyMoon} {
			if err := ctx.Err(); err != nil {
				return nil, observability.Tag(observability.KindCancelled, "matcher.SlowMatchLocationYear", err)
			}
			events, err := m.searcher.SearchDay(ctx, day, obs, geom, body)
			if err != nil {
				return nil, err
			}
			all = append(all, events...)
		}
	}
	return m.toRows(loc.ID, year, astronomy.DedupeEvents(all)), nil
}

// MatchLocationMonth searches one location's days of a month directly and
// returns the deduplicated rows without writing them; MatchAndStoreMonth
// upserts them without touching the rest of the year.
func (m *Matcher) MatchLocationMonth(ctx context.Context, loc storage.Location, year, month int) ([]storage.AlignmentEvent, error) {
	geom, err := m.readyGeometry(loc)
	if err != nil {
		return nil, err
	}
	obs := ephemeris.Observer{Latitude: loc.Latitude, Longitude: loc.Longitude, ElevationM: loc.ElevationM}

	var all []astronomy.AlignmentEvent
	first := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, timeutil.JST)
	for day := first; day.Month() == time.Month(month); day = day.AddDate(0, 0, 1) {
		for _, body := range []astronomy.Body{astronomy.BodySun, astronomy.BodyMoon} {
			if err := ctx.Err(); err != nil {
				return nil, observability.Tag(observability.KindCancelled, "matcher.MatchLocationMonth", err)
			}
			events, err := m.searcher.SearchDay(ctx, day, obs, geom, body)
			if err != nil {
				return nil, err
			}
			all = append(all, events...)
		}
	}
	return m.eventsToStore(loc.ID, year, all), nil
}

func (m *Matcher) eventsToStore(locationID int64, year int, events []astronomy.AlignmentEvent) []storage.AlignmentEvent {
	return m.toRows(locationID, year, astronomy.DedupeEvents(events))
}

// MatchAndStoreMonth searches one month and upserts incrementally.
func (m *Matcher) MatchAndStoreMonth(ctx context.Context, loc storage.Location, year, month int) error {
	rows, err := m.MatchLocationMonth(ctx, loc, year, month)
	if err != nil {
		return err
	}
	return m.events.UpsertAlignmentEvents(ctx, rows)
}

// MatchAndStore runs the fast path and rematerializes the location's year
// transactionally.
func (m *Matcher) MatchAndStore(ctx context.Context, loc storage.Location, year int, progress func(percent int)) error {
	rows, err := m.MatchLocationYear(ctx, loc, year, progress)
	if err != nil {
		return err
	}
	return m.events.ReplaceAlignmentEvents(ctx, loc.ID, year, rows)
}

// toRows converts search results to persisted rows. event_date is derived
// from the instant through the canonical JST helper, never from the UTC
// day.
func (m *Matcher) toRows(locationID int64, year int, events []astronomy.AlignmentEvent) []storage.AlignmentEvent {
	rows := make([]storage.AlignmentEvent, 0, len(events))
	for _, ev := range events {
		rows = append(rows, storage.AlignmentEvent{
			LocationID:       locationID,
			EventDate:        timeutil.JSTDateOf(ev.Time),
			EventTime:        ev.Time.UTC(),
			EventKind:        string(ev.Kind),
			AzimuthDeg:       ev.AzimuthDeg,
			AltitudeDeg:      ev.AltitudeDeg,
			QualityScore:     ev.QualityScore,
			Accuracy:         string(ev.Accuracy),
			MoonPhaseDeg:     ev.MoonPhaseDeg,
			MoonIllumination: ev.MoonIllumination,
			CalculationYear:  year,
		})
	}
	return rows
}
