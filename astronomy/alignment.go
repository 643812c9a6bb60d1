package astronomy

import (
	"context"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yuru-sha/fuji-calendar-sub001/astronomy/ephemeris"
	"github.com/yuru-sha/fuji-calendar-sub001/observability"
	"github.com/yuru-sha/fuji-calendar-sub001/timeutil"
)

// Body selects the celestial body an alignment search runs against.
type Body string

const (
	BodySun  Body = "sun"
	BodyMoon Body = "moon"
)

// EventKind classifies a matched alignment instant.
type EventKind string

const (
	KindDiamondSunrise EventKind = "diamond_sunrise"
	KindDiamondSunset  EventKind = "diamond_sunset"
	KindPearlRising    EventKind = "pearl_rising"
	KindPearlSetting   EventKind = "pearl_setting"
)

// Body returns the body a kind belongs to.
func (k EventKind) Body() Body {
	if k == KindPearlRising || k == KindPearlSetting {
		return BodyMoon
	}
	return BodySun
}

// Accuracy grades how tightly an event sits on the summit vector.
type Accuracy string

const (
	AccuracyPerfect   Accuracy = "perfect"
	AccuracyExcellent Accuracy = "excellent"
	AccuracyGood      Accuracy = "good"
	AccuracyFair      Accuracy = "fair"
)

// Tolerance is the angular acceptance window for a match. The values are
// contracts calibrated per distance band and body.
type Tolerance struct {
	AzimuthDeg  float64
	AltitudeDeg float64
}

// Total is the tolerance radius used for scoring, the quadrature sum of
// the two axes.
func (tol Tolerance) Total() float64 {
	return math.Hypot(tol.AzimuthDeg, tol.AltitudeDeg)
}

// ToleranceFor returns the acceptance window for a body at a given
// distance from the summit.
func ToleranceFor(body Body, distanceM float64) Tolerance {
	var az float64
	switch {
	case distanceM <= 50000:
		az = 0.25
		if body == BodyMoon {
			az = 1.0
		}
	case distanceM <= 100000:
		az = 0.40
		if body == BodyMoon {
			az = 2.0
		}
	default:
		az = 0.60
		if body == BodyMoon {
			az = 3.0
		}
	}
	return Tolerance{AzimuthDeg: az, AltitudeDeg: 0.25}
}

// MinIllumination is the pearl visibility floor; a thinner moon is dropped.
const MinIllumination = 0.10

// coarseFactor widens tolerances for the minute-resolution scan.
const coarseFactor = 4

// AlignmentEvent is a matched Diamond/Pearl instant at one location.
type AlignmentEvent struct {
	Time             time.Time
	Kind             EventKind
	AzimuthDeg       float64
	AltitudeDeg      float64
	QualityScore     float64
	Accuracy         Accuracy
	MoonPhaseDeg     *float64
	MoonIllumination *float64
}

// BodySource yields topocentric positions; *ephemeris.Manager satisfies it.
type BodySource interface {
	SunPosition(ctx context.Context, t time.Time, obs ephemeris.Observer) (ephemeris.SunPosition, error)
	MoonPosition(ctx context.Context, t time.Time, obs ephemeris.Observer) (ephemeris.MoonPosition, error)
	MoonTimes(ctx context.Context, date time.Time, obs ephemeris.Observer) (ephemeris.MoonTimes, error)
}

// Searcher finds instants when a body sits on the summit vector from an
// observation point.
type Searcher struct {
	eph      BodySource
	observer observability.ObserverInterface
}

// NewSearcher creates a Searcher over a position source.
func NewSearcher(eph BodySource) *Searcher {
	return &Searcher{eph: eph, observer: observability.Observer()}
}

// SearchDay scans one JST calendar day for alignments of body at the
// location described by obs and its precomputed summit geometry.
//
// Returned events are deduplicated per kind (best quality wins) and
// sorted by time.
func (s *Searcher) SearchDay(ctx context.Context, day time.Time, obs ephemeris.Observer, geom FujiGeometry, body Body) ([]AlignmentEvent, error) {
	ctx, span := s.observer.CreateSpan(ctx, "alignment.SearchDay")
	defer span.End()
	span.SetAttributes(
		attribute.String("date", timeutil.FormatDate(day)),
		attribute.String("body", string(body)),
	)

	if geom.DistanceM <= 0 {
		return nil, ErrInvalidGeometry
	}

	windows, err := s.DayWindows(ctx, day, obs, body)
	if err != nil {
		return nil, err
	}

	tol := ToleranceFor(body, geom.DistanceM)
	var events []AlignmentEvent
	for _, w := range windows {
		coarse, err := s.coarseScan(ctx, w, obs, geom, body, tol)
		if err != nil {
			return nil, err
		}
		for _, minute := range coarse {
			ev, err := s.RefineMinute(ctx, minute, obs, geom, body)
			if err != nil {
				return nil, err
			}
			if ev != nil {
				events = append(events, *ev)
			}
		}
	}
	return DedupeEvents(events), nil
}

// RefineMinute runs the 1-second refinement in the ±60 s neighborhood of a
// candidate minute and returns the best in-tolerance event, or nil when
// nothing in the neighborhood satisfies both tolerances. The matcher fast
// path calls this directly with minutes taken from the orbit table.
func (s *Searcher) RefineMinute(ctx context.Context, minute time.Time, obs ephemeris.Observer, geom FujiGeometry, body Body) (*AlignmentEvent, error) {
	tol := ToleranceFor(body, geom.DistanceM)

	best := math.Inf(1)
	var bestAt time.Time
	var bestSun ephemeris.SunPosition
	var bestMoon ephemeris.MoonPosition

	for off := -60; off <= 60; off++ {
		at := minute.Add(time.Duration(off) * time.Second)
		azimuth, altitude, sun, moon, err := s.positionAt(ctx, at, obs, body)
		if err != nil {
			return nil, err
		}
		dAz := AzimuthDiff(azimuth, geom.AzimuthDeg)
		dEl := math.Abs(altitude - geom.ElevationDeg)
		if dAz > tol.AzimuthDeg || dEl > tol.AltitudeDeg {
			continue
		}
		delta := math.Hypot(dAz, dEl)
		// Strict less-than keeps the earlier instant on ties.
		if delta < best {
			best = delta
			bestAt = at
			bestSun = sun
			bestMoon = moon
		}
	}
	if math.IsInf(best, 1) {
		return nil, nil
	}

	ev := AlignmentEvent{
		Time:         bestAt,
		QualityScore: math.Max(0, 1-best/tol.Total()),
		Accuracy:     accuracyFor(best, tol.Total()),
	}
	if body == BodySun {
		ev.AzimuthDeg = bestSun.AzimuthDeg
		ev.AltitudeDeg = bestSun.AltitudeDeg
		ev.Kind = s.classifySun(bestAt)
	} else {
		if bestMoon.Illumination < MinIllumination {
			return nil, nil
		}
		ev.AzimuthDeg = bestMoon.AzimuthDeg
		ev.AltitudeDeg = bestMoon.AltitudeDeg
		kind, err := s.classifyMoon(ctx, bestAt, obs)
		if err != nil {
			return nil, err
		}
		ev.Kind = kind
		phase := bestMoon.PhaseDeg
		illum := bestMoon.Illumination
		ev.MoonPhaseDeg = &phase
		ev.MoonIllumination = &illum
	}
	return &ev, nil
}

// DedupeEvents keeps, per (kind, JST day), the highest-quality event. The
// result is sorted by time.
func DedupeEvents(events []AlignmentEvent) []AlignmentEvent {
	type key struct {
		kind EventKind
		date string
	}
	best := make(map[key]AlignmentEvent)
	for _, ev := range events {
		k := key{kind: ev.Kind, date: timeutil.FormatDate(ev.Time)}
		cur, ok := best[k]
		if !ok || ev.QualityScore > cur.QualityScore ||
			(ev.QualityScore == cur.QualityScore && ev.Time.Before(cur.Time)) {
			best[k] = ev
		}
	}
	out := make([]AlignmentEvent, 0, len(best))
	for _, ev := range best {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// Window is one scan band of a day.
type Window struct {
	Start, End time.Time
}

// Contains reports whether t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// DayWindows returns the scan windows of a JST day: fixed morning/evening
// bands for the sun, ±30 min around moonrise and moonset for the moon.
// The matcher fast path applies the same windows to orbit-table candidates
// so both paths see the same minute set.
func (s *Searcher) DayWindows(ctx context.Context, day time.Time, obs ephemeris.Observer, body Body) ([]Window, error) {
	d := timeutil.JSTDateOf(day)
	if body == BodySun {
		return []Window{
			{Start: d.Add(4 * time.Hour), End: d.Add(12 * time.Hour)},
			{Start: d.Add(14 * time.Hour), End: d.Add(20 * time.Hour)},
		}, nil
	}

	// Moonrise/moonset may land on the neighboring JST day; collect from
	// D-1..D+1 and keep the ones on D. Days without either yield no windows.
	var windows []Window
	for off := -1; off <= 1; off++ {
		mt, err := s.eph.MoonTimes(ctx, d.AddDate(0, 0, off), obs)
		if err != nil {
			return nil, err
		}
		for _, at := range []time.Time{mt.Rise, mt.Set} {
			if at.IsZero() || !timeutil.JSTDateOf(at).Equal(d) {
				continue
			}
			windows = append(windows, Window{Start: at.Add(-30 * time.Minute), End: at.Add(30 * time.Minute)})
		}
	}
	return windows, nil
}

// coarseScan walks a window at 1-minute resolution and returns the minutes
// whose position sits inside the widened tolerances.
func (s *Searcher) coarseScan(ctx context.Context, w Window, obs ephemeris.Observer, geom FujiGeometry, body Body, tol Tolerance) ([]time.Time, error) {
	var out []time.Time
	for at := w.Start.Truncate(time.Minute); at.Before(w.End); at = at.Add(time.Minute) {
		azimuth, altitude, _, _, err := s.positionAt(ctx, at, obs, body)
		if err != nil {
			return nil, err
		}
		if AzimuthDiff(azimuth, geom.AzimuthDeg) <= tol.AzimuthDeg*coarseFactor &&
			math.Abs(altitude-geom.ElevationDeg) <= tol.AltitudeDeg*coarseFactor {
			out = append(out, at)
		}
	}
	return out, nil
}

func (s *Searcher) positionAt(ctx context.Context, at time.Time, obs ephemeris.Observer, body Body) (azimuth, altitude float64, sun ephemeris.SunPosition, moon ephemeris.MoonPosition, err error) {
	if body == BodySun {
		sun, err = s.eph.SunPosition(ctx, at, obs)
		return sun.AzimuthDeg, sun.AltitudeDeg, sun, moon, err
	}
	moon, err = s.eph.MoonPosition(ctx, at, obs)
	return moon.AzimuthDeg, moon.AltitudeDeg, sun, moon, err
}

// classifySun labels an instant sunrise when it falls in the morning scan
// band of its JST day, sunset otherwise.
func (s *Searcher) classifySun(at time.Time) EventKind {
	if at.In(timeutil.JST).Hour() < 12 {
		return KindDiamondSunrise
	}
	return KindDiamondSunset
}

// classifyMoon labels an instant rising or setting by the sign of the
// altitude slope across it.
func (s *Searcher) classifyMoon(ctx context.Context, at time.Time, obs ephemeris.Observer) (EventKind, error) {
	before, err := s.eph.MoonPosition(ctx, at.Add(-time.Minute), obs)
	if err != nil {
		return "", err
	}
	after, err := s.eph.MoonPosition(ctx, at.Add(time.Minute), obs)
	if err != nil {
		return "", err
	}
	if after.AltitudeDeg >= before.AltitudeDeg {
		return KindPearlRising, nil
	}
	return KindPearlSetting, nil
}

func accuracyFor(delta, total float64) Accuracy {
	switch {
	case delta <= 0.1*total:
		return AccuracyPerfect
	case delta <= 0.3*total:
		return AccuracyExcellent
	case delta <= 0.6*total:
		return AccuracyGood
	default:
		return AccuracyFair
	}
}
