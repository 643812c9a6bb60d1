// Package orbit materializes the minute-granular celestial table at the
// Fuji reference observer. One table serves every location: the matcher
// scans it by azimuth/altitude predicates instead of calling the ephemeris
// once per (location, minute).
package orbit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yuru-sha/fuji-calendar-sub001/astronomy"
	"github.com/yuru-sha/fuji-calendar-sub001/astronomy/ephemeris"
	"github.com/yuru-sha/fuji-calendar-sub001/log"
	"github.com/yuru-sha/fuji-calendar-sub001/observability"
	"github.com/yuru-sha/fuji-calendar-sub001/storage"
	"github.com/yuru-sha/fuji-calendar-sub001/timeutil"
)

var logger = log.Logger()

// SunVisibleFloorDeg keeps twilight samples queryable so sunrise/sunset
// windows stay in the table.
const SunVisibleFloorDeg = -6.0

// failureBudget aborts a build when more than this share of samples fail.
const failureBudget = 0.01

// Store is the slice of the persistence layer the builder writes to.
type Store interface {
	BulkUpsertOrbitSamples(ctx context.Context, rows []storage.OrbitSample) error
}

// PositionSource yields body positions; *ephemeris.Manager satisfies it.
type PositionSource interface {
	SunPosition(ctx context.Context, t time.Time, obs ephemeris.Observer) (ephemeris.SunPosition, error)
	MoonPosition(ctx context.Context, t time.Time, obs ephemeris.Observer) (ephemeris.MoonPosition, error)
}

// Builder computes and persists orbit samples for calendar years.
type Builder struct {
	eph      PositionSource
	store    Store
	ref      ephemeris.Observer
	observer observability.ObserverInterface
}

// NewBuilder creates a builder anchored at the summit reference.
func NewBuilder(eph PositionSource, store Store, ref astronomy.FujiReference) *Builder {
	return &Builder{
		eph: eph,
		store: store,
		ref: ephemeris.Observer{
			Latitude:   ref.Latitude,
			Longitude:  ref.Longitude,
			ElevationM: ref.ElevationM,
		},
		observer: observability.Observer(),
	}
}

// BuildYear populates every minute of a calendar year for both bodies.
// Re-runs are idempotent: writes upsert on (date, hour, minute, body).
// Cancellation is honored between days; progress ticks every six hours of
// simulated time.
func (b *Builder) BuildYear(ctx context.Context, year int, progress func(percent int)) error {
	ctx, span := b.observer.CreateSpan(ctx, "orbit.BuildYear")
	defer span.End()
	span.SetAttributes(attribute.Int("year", year))

	days := timeutil.DaysInYear(year)
	totalMinutes := days * 1440
	doneMinutes := 0
	totalFailed := 0

	start := time.Date(year, 1, 1, 0, 0, 0, 0, timeutil.JST)
	for d := 0; d < days; d++ {
		if err := ctx.Err(); err != nil {
			return observability.Tag(observability.KindCancelled, "orbit.BuildYear", err)
		}
		date := start.AddDate(0, 0, d)
		rows, failed, err := b.BuildDay(ctx, date, func(minuteOfDay int) {
			if progress == nil {
				return
			}
			// A tick every six simulated hours.
			if minuteOfDay%(6*60) == 0 {
				progress((doneMinutes + minuteOfDay) * 100 / totalMinutes)
			}
		})
		if err != nil {
			return err
		}
		totalFailed += failed
		if float64(totalFailed) > failureBudget*float64(totalMinutes*2) {
			return observability.Tag(observability.KindEphemeris, "orbit.BuildYear",
				fmt.Errorf("%d of %d samples failed, aborting year %d", totalFailed, totalMinutes*2, year))
		}
		if err := b.store.BulkUpsertOrbitSamples(ctx, rows); err != nil {
			return err
		}
		doneMinutes += 1440
	}
	if progress != nil {
		progress(100)
	}
	logger.InfoContext(ctx, "orbit year built",
		"year", year, "days", days, "failed_samples", totalFailed)
	return nil
}

// BuildDay computes one JST date's samples. Sun rows are always kept;
// moon rows only while above the horizon. Ephemeris failures skip the
// affected sample and are reported in the failed count.
func (b *Builder) BuildDay(ctx context.Context, date time.Time, tick func(minuteOfDay int)) (rows []storage.OrbitSample, failed int, err error) {
	day := timeutil.JSTDateOf(date)
	season := timeutil.SeasonOf(day)
	rows = make([]storage.OrbitSample, 0, 2000)

	for minuteOfDay := 0; minuteOfDay < 1440; minuteOfDay++ {
		if tick != nil {
			tick(minuteOfDay)
		}
		at := day.Add(time.Duration(minuteOfDay) * time.Minute)
		hour, minute := minuteOfDay/60, minuteOfDay%60
		tod := timeutil.TimeOfDayOf(at)

		sun, sunErr := b.eph.SunPosition(ctx, at, b.ref)
		if sunErr != nil {
			failed++
			logger.WarnContext(ctx, "sun sample failed",
				"date", timeutil.FormatDate(day), "hour", hour, "minute", minute, "error", sunErr)
		} else {
			rows = append(rows, storage.OrbitSample{
				SampleDate:  day,
				Hour:        hour,
				Minute:      minute,
				Body:        string(astronomy.BodySun),
				AzimuthDeg:  sun.AzimuthDeg,
				AltitudeDeg: sun.AltitudeDeg,
				Visible:     sun.AltitudeDeg > SunVisibleFloorDeg,
				Season:      season,
				TimeOfDay:   tod,
			})
		}

		moon, moonErr := b.eph.MoonPosition(ctx, at, b.ref)
		if moonErr != nil {
			failed++
			logger.WarnContext(ctx, "moon sample failed",
				"date", timeutil.FormatDate(day), "hour", hour, "minute", minute, "error", moonErr)
		} else if moon.AltitudeDeg > 0 {
			// Below-horizon moon rows are not persisted to save space.
			phase := moon.PhaseDeg
			illum := moon.Illumination
			rows = append(rows, storage.OrbitSample{
				SampleDate:       day,
				Hour:             hour,
				Minute:           minute,
				Body:             string(astronomy.BodyMoon),
				AzimuthDeg:       moon.AzimuthDeg,
				AltitudeDeg:      moon.AltitudeDeg,
				Visible:          true,
				MoonPhaseDeg:     &phase,
				MoonIllumination: &illum,
				Season:           season,
				TimeOfDay:        tod,
			})
		}
	}
	return rows, failed, nil
}

// Cushion is one minute's worth of body motion; the matcher widens its
// scan predicates by it so a refined second can't fall outside the indexed
// minute.
func Cushion(body astronomy.Body) float64 {
	if body == astronomy.BodyMoon {
		return 0.5
	}
	return 0.25
}
