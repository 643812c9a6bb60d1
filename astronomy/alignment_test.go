package astronomy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuru-sha/fuji-calendar-sub001/astronomy/ephemeris"
	"github.com/yuru-sha/fuji-calendar-sub001/timeutil"
)

func maihamaFixture(t *testing.T) (ephemeris.Observer, FujiGeometry) {
	t.Helper()
	obs := ephemeris.Observer{Latitude: 35.623181, Longitude: 139.883224, ElevationM: 3}
	geom, err := ComputeFujiGeometry(obs.Latitude, obs.Longitude, obs.ElevationM, DefaultFujiReference, DefaultRefractionK)
	require.NoError(t, err)
	return obs, geom
}

func umihotaruFixture(t *testing.T) (ephemeris.Observer, FujiGeometry) {
	t.Helper()
	obs := ephemeris.Observer{Latitude: 35.4469, Longitude: 139.8331, ElevationM: 10}
	geom, err := ComputeFujiGeometry(obs.Latitude, obs.Longitude, obs.ElevationM, DefaultFujiReference, DefaultRefractionK)
	require.NoError(t, err)
	return obs, geom
}

func TestToleranceFor(t *testing.T) {
	tests := []struct {
		body      Body
		distanceM float64
		wantAz    float64
	}{
		{BodySun, 40000, 0.25},
		{BodySun, 50000, 0.25},
		{BodySun, 96000, 0.40},
		{BodySun, 150000, 0.60},
		{BodySun, 250000, 0.60},
		{BodyMoon, 40000, 1.0},
		{BodyMoon, 96000, 2.0},
		{BodyMoon, 150000, 3.0},
		{BodyMoon, 250000, 3.0},
	}
	for _, tt := range tests {
		tol := ToleranceFor(tt.body, tt.distanceM)
		assert.Equal(t, tt.wantAz, tol.AzimuthDeg, "%s %.0f", tt.body, tt.distanceM)
		assert.Equal(t, 0.25, tol.AltitudeDeg)
	}
}

func TestSearchDayMaihamaFebruarySunset(t *testing.T) {
	obs, geom := maihamaFixture(t)
	s := NewSearcher(ephemeris.NewSuncalcProvider())

	day, err := timeutil.ParseJSTDate("2025-02-18")
	require.NoError(t, err)
	events, err := s.SearchDay(context.Background(), day, obs, geom, BodySun)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, KindDiamondSunset, ev.Kind)
	want := time.Date(2025, 2, 18, 17, 15, 0, 0, timeutil.JST)
	assert.InDelta(t, 0, ev.Time.Sub(want).Minutes(), 3)
	assert.InDelta(t, geom.AzimuthDeg, ev.AzimuthDeg, ToleranceFor(BodySun, geom.DistanceM).AzimuthDeg)
	assert.InDelta(t, geom.ElevationDeg, ev.AltitudeDeg, 0.25)
	assert.Greater(t, ev.QualityScore, 0.0)
	assert.Nil(t, ev.MoonPhaseDeg)
}

func TestSearchDayMaihamaOctoberSunset(t *testing.T) {
	obs, geom := maihamaFixture(t)
	s := NewSearcher(ephemeris.NewSuncalcProvider())

	day, err := timeutil.ParseJSTDate("2025-10-23")
	require.NoError(t, err)
	events, err := s.SearchDay(context.Background(), day, obs, geom, BodySun)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, KindDiamondSunset, ev.Kind)
	want := time.Date(2025, 10, 23, 16, 45, 0, 0, timeutil.JST)
	assert.InDelta(t, 0, ev.Time.Sub(want).Minutes(), 3)
}

func TestSearchDayMaihamaSolsticeHasNoEvent(t *testing.T) {
	obs, geom := maihamaFixture(t)
	s := NewSearcher(ephemeris.NewSuncalcProvider())

	day, err := timeutil.ParseJSTDate("2025-06-21")
	require.NoError(t, err)
	events, err := s.SearchDay(context.Background(), day, obs, geom, BodySun)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestSearchDayUmihotaruPearlSetting(t *testing.T) {
	obs, geom := umihotaruFixture(t)
	s := NewSearcher(ephemeris.NewSuncalcProvider())

	day, err := timeutil.ParseJSTDate("2025-12-26")
	require.NoError(t, err)
	events, err := s.SearchDay(context.Background(), day, obs, geom, BodyMoon)
	require.NoError(t, err)
	require.NotEmpty(t, events)

	ev := events[len(events)-1]
	assert.Equal(t, KindPearlSetting, ev.Kind)
	require.NotNil(t, ev.MoonIllumination)
	assert.GreaterOrEqual(t, *ev.MoonIllumination, MinIllumination)
	assert.LessOrEqual(t, AzimuthDiff(ev.AzimuthDeg, geom.AzimuthDeg), ToleranceFor(BodyMoon, geom.DistanceM).AzimuthDeg)
	// The late-evening moonset alignment.
	assert.Equal(t, 22, ev.Time.In(timeutil.JST).Hour())
}

func TestSearchDayEventDateIsJSTDay(t *testing.T) {
	obs, geom := maihamaFixture(t)
	s := NewSearcher(ephemeris.NewSuncalcProvider())

	day, err := timeutil.ParseJSTDate("2025-02-18")
	require.NoError(t, err)
	events, err := s.SearchDay(context.Background(), day, obs, geom, BodySun)
	require.NoError(t, err)
	for _, ev := range events {
		assert.Equal(t, "2025-02-18", timeutil.FormatDate(ev.Time))
	}
}

func TestSearchDayZeroDistanceGeometry(t *testing.T) {
	s := NewSearcher(ephemeris.NewSuncalcProvider())
	day, _ := timeutil.ParseJSTDate("2025-02-18")
	_, err := s.SearchDay(context.Background(), day, ephemeris.Observer{}, FujiGeometry{}, BodySun)
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestQualityScoreMonotone(t *testing.T) {
	tol := Tolerance{AzimuthDeg: 0.4, AltitudeDeg: 0.25}
	total := tol.Total()
	prev := 1.0
	for _, delta := range []float64{0, 0.05, 0.1, 0.2, 0.3, 0.45, total, total * 2} {
		score := 1 - delta/total
		if score < 0 {
			score = 0
		}
		assert.LessOrEqual(t, score, prev)
		prev = score
	}
}

func TestAccuracyBands(t *testing.T) {
	total := 1.0
	assert.Equal(t, AccuracyPerfect, accuracyFor(0.05, total))
	assert.Equal(t, AccuracyPerfect, accuracyFor(0.1, total))
	assert.Equal(t, AccuracyExcellent, accuracyFor(0.3, total))
	assert.Equal(t, AccuracyGood, accuracyFor(0.6, total))
	assert.Equal(t, AccuracyFair, accuracyFor(0.61, total))
}

func TestDedupeEventsKeepsBestPerKindAndDay(t *testing.T) {
	at := time.Date(2025, 2, 18, 17, 13, 0, 0, timeutil.JST)
	events := []AlignmentEvent{
		{Time: at, Kind: KindDiamondSunset, QualityScore: 0.5},
		{Time: at.Add(time.Minute), Kind: KindDiamondSunset, QualityScore: 0.9},
		{Time: at.Add(-10 * time.Hour), Kind: KindDiamondSunrise, QualityScore: 0.2},
	}
	out := DedupeEvents(events)
	require.Len(t, out, 2)
	assert.Equal(t, KindDiamondSunrise, out[0].Kind)
	assert.Equal(t, 0.9, out[1].QualityScore)
}

func TestDedupeEventsTiePrefersEarlier(t *testing.T) {
	at := time.Date(2025, 2, 18, 17, 13, 0, 0, timeutil.JST)
	events := []AlignmentEvent{
		{Time: at.Add(time.Minute), Kind: KindDiamondSunset, QualityScore: 0.5},
		{Time: at, Kind: KindDiamondSunset, QualityScore: 0.5},
	}
	out := DedupeEvents(events)
	require.Len(t, out, 1)
	assert.Equal(t, at, out[0].Time)
}

// stubMoonSource reports a moon that never rises or sets.
type stubMoonSource struct {
	real *ephemeris.SuncalcProvider
}

func (s *stubMoonSource) SunPosition(ctx context.Context, at time.Time, obs ephemeris.Observer) (ephemeris.SunPosition, error) {
	return s.real.SunPosition(ctx, at, obs)
}

func (s *stubMoonSource) MoonPosition(ctx context.Context, at time.Time, obs ephemeris.Observer) (ephemeris.MoonPosition, error) {
	return s.real.MoonPosition(ctx, at, obs)
}

func (s *stubMoonSource) MoonTimes(ctx context.Context, date time.Time, obs ephemeris.Observer) (ephemeris.MoonTimes, error) {
	return ephemeris.MoonTimes{AlwaysDown: true}, nil
}

func TestSearchDayNoMoonriseYieldsNoPearls(t *testing.T) {
	obs, geom := umihotaruFixture(t)
	s := NewSearcher(&stubMoonSource{real: ephemeris.NewSuncalcProvider()})

	day, err := timeutil.ParseJSTDate("2025-12-26")
	require.NoError(t, err)
	events, err := s.SearchDay(context.Background(), day, obs, geom, BodyMoon)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestEventKindBody(t *testing.T) {
	assert.Equal(t, BodySun, KindDiamondSunrise.Body())
	assert.Equal(t, BodySun, KindDiamondSunset.Body())
	assert.Equal(t, BodyMoon, KindPearlRising.Body())
	assert.Equal(t, BodyMoon, KindPearlSetting.Body())
}
