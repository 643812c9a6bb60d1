package matcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuru-sha/fuji-calendar-sub001/astronomy"
	"github.com/yuru-sha/fuji-calendar-sub001/astronomy/ephemeris"
	"github.com/yuru-sha/fuji-calendar-sub001/observability"
	"github.com/yuru-sha/fuji-calendar-sub001/services/orbit"
	"github.com/yuru-sha/fuji-calendar-sub001/storage"
	"github.com/yuru-sha/fuji-calendar-sub001/timeutil"
)

// memOrbitStore evaluates scan predicates over in-memory samples the way
// the SQL path does.
type memOrbitStore struct {
	samples []storage.OrbitSample
}

func (m *memOrbitStore) BulkUpsertOrbitSamples(ctx context.Context, rows []storage.OrbitSample) error {
	m.samples = append(m.samples, rows...)
	return nil
}

func (m *memOrbitStore) ScanOrbitCandidates(ctx context.Context, p storage.OrbitScanParams) ([]storage.OrbitSample, error) {
	var out []storage.OrbitSample
	for _, s := range m.samples {
		if s.Body != p.Body || !s.Visible {
			continue
		}
		if s.SampleDate.In(timeutil.JST).Year() != p.Year {
			continue
		}
		if s.AltitudeDeg < p.AltitudeMinDeg || s.AltitudeDeg > p.AltitudeMaxDeg {
			continue
		}
		if p.AzimuthMinDeg <= p.AzimuthMaxDeg {
			if s.AzimuthDeg < p.AzimuthMinDeg || s.AzimuthDeg > p.AzimuthMaxDeg {
				continue
			}
		} else if s.AzimuthDeg < p.AzimuthMinDeg && s.AzimuthDeg > p.AzimuthMaxDeg {
			continue
		}
		if p.SunWindowsOnly {
			h := s.Hour
			if !((h >= 4 && h < 12) || (h >= 14 && h < 20)) {
				continue
			}
		}
		out = append(out, s)
	}
	return out, nil
}

type memEventStore struct {
	mu       sync.Mutex
	replaced map[int64][]storage.AlignmentEvent
	upserted []storage.AlignmentEvent
}

func newMemEventStore() *memEventStore {
	return &memEventStore{replaced: make(map[int64][]storage.AlignmentEvent)}
}

func (m *memEventStore) ReplaceAlignmentEvents(ctx context.Context, locationID int64, year int, rows []storage.AlignmentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaced[locationID] = rows
	return nil
}

func (m *memEventStore) UpsertAlignmentEvents(ctx context.Context, rows []storage.AlignmentEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserted = append(m.upserted, rows...)
	return nil
}

var maihamaLoc = storage.Location{
	ID: 7, Name: "Maihama shore", Prefecture: "Chiba",
	Latitude: 35.623181, Longitude: 139.883224, ElevationM: 3,
	FujiAzimuthDeg: 254.746, FujiElevationDeg: 1.564, FujiDistanceM: 108638,
}

func buildOrbitRange(t *testing.T, store orbit.Store, from string, days int) {
	t.Helper()
	b := orbit.NewBuilder(ephemeris.NewSuncalcProvider(), store, astronomy.DefaultFujiReference)
	start, err := timeutil.ParseJSTDate(from)
	require.NoError(t, err)
	for d := 0; d < days; d++ {
		rows, failed, err := b.BuildDay(context.Background(), start.AddDate(0, 0, d), nil)
		require.NoError(t, err)
		require.Zero(t, failed)
		require.NoError(t, store.BulkUpsertOrbitSamples(context.Background(), rows))
	}
}

func newTestMatcher(orbits OrbitStore, events EventStore) *Matcher {
	return New(ephemeris.NewSuncalcProvider(), orbits, events,
		astronomy.DefaultFujiReference, astronomy.DefaultRefractionK)
}

func TestFastPathMatchesSlowPath(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-day scan")
	}
	orbits := &memOrbitStore{}
	buildOrbitRange(t, orbits, "2025-02-14", 10)

	m := newTestMatcher(orbits, newMemEventStore())
	ctx := context.Background()

	fast, err := m.MatchLocationYear(ctx, maihamaLoc, 2025, nil)
	require.NoError(t, err)
	require.NotEmpty(t, fast)

	var days []time.Time
	start, _ := timeutil.ParseJSTDate("2025-02-14")
	for d := 0; d < 10; d++ {
		days = append(days, start.AddDate(0, 0, d))
	}
	slow, err := m.SlowMatchLocationYear(ctx, maihamaLoc, 2025, days)
	require.NoError(t, err)

	require.Equal(t, len(slow), len(fast))
	for i := range slow {
		assert.Equal(t, slow[i].EventKind, fast[i].EventKind)
		assert.Equal(t, slow[i].EventDate, fast[i].EventDate)
		assert.True(t, slow[i].EventTime.Equal(fast[i].EventTime),
			"event %d: slow %s fast %s", i, slow[i].EventTime, fast[i].EventTime)
		assert.InDelta(t, slow[i].AzimuthDeg, fast[i].AzimuthDeg, 1e-6)
		assert.InDelta(t, slow[i].AltitudeDeg, fast[i].AltitudeDeg, 1e-6)
	}
}

func TestFastPathFindsFebruarySunset(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-day scan")
	}
	orbits := &memOrbitStore{}
	buildOrbitRange(t, orbits, "2025-02-18", 1)

	m := newTestMatcher(orbits, newMemEventStore())
	rows, err := m.MatchLocationYear(context.Background(), maihamaLoc, 2025, nil)
	require.NoError(t, err)

	var sunset *storage.AlignmentEvent
	for i := range rows {
		if rows[i].EventKind == string(astronomy.KindDiamondSunset) {
			sunset = &rows[i]
		}
	}
	require.NotNil(t, sunset)
	want := time.Date(2025, 2, 18, 17, 15, 0, 0, timeutil.JST)
	assert.InDelta(t, 0, sunset.EventTime.Sub(want).Minutes(), 3)
	assert.Equal(t, "2025-02-18", timeutil.FormatDate(sunset.EventDate))
	assert.Equal(t, 2025, sunset.CalculationYear)
}

func TestMatchAndStoreReplacesYear(t *testing.T) {
	if testing.Short() {
		t.Skip("multi-day scan")
	}
	orbits := &memOrbitStore{}
	buildOrbitRange(t, orbits, "2025-02-18", 1)
	events := newMemEventStore()

	m := newTestMatcher(orbits, events)
	var progress []int
	err := m.MatchAndStore(context.Background(), maihamaLoc, 2025, func(p int) {
		progress = append(progress, p)
	})
	require.NoError(t, err)
	require.NotEmpty(t, events.replaced[maihamaLoc.ID])
	assert.Equal(t, []int{50, 100}, progress)

	for _, row := range events.replaced[maihamaLoc.ID] {
		assert.Equal(t, timeutil.JSTDateOf(row.EventTime), row.EventDate)
	}
}

func TestReadyGeometryRecomputesInvalid(t *testing.T) {
	m := newTestMatcher(&memOrbitStore{}, newMemEventStore())

	broken := maihamaLoc
	broken.FujiDistanceM = 0
	g, err := m.readyGeometry(broken)
	require.NoError(t, err)
	assert.InDelta(t, 254.75, g.AzimuthDeg, 0.5)
	assert.InDelta(t, 108638, g.DistanceM, 300)
}

func TestReadyGeometryStillInvalid(t *testing.T) {
	m := newTestMatcher(&memOrbitStore{}, newMemEventStore())

	atSummit := storage.Location{
		ID: 9, Latitude: 35.3606, Longitude: 138.7274, ElevationM: 3776,
	}
	_, err := m.readyGeometry(atSummit)
	require.Error(t, err)
	kind, ok := observability.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, observability.KindInvalidGeometry, kind)
}

func TestMatchLocationYearCancelled(t *testing.T) {
	m := newTestMatcher(&memOrbitStore{}, newMemEventStore())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.MatchLocationYear(ctx, maihamaLoc, 2025, nil)
	require.Error(t, err)
	kind, ok := observability.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, observability.KindCancelled, kind)
}

func TestMatchLocationMonthUpsertsIncrementally(t *testing.T) {
	if testing.Short() {
		t.Skip("month-long scan")
	}
	events := newMemEventStore()
	m := newTestMatcher(&memOrbitStore{}, events)

	require.NoError(t, m.MatchAndStoreMonth(context.Background(), maihamaLoc, 2025, 2))
	rows := events.upserted
	require.NotEmpty(t, rows)

	found := false
	for _, row := range rows {
		assert.Equal(t, 2, int(row.EventDate.In(timeutil.JST).Month()))
		if timeutil.FormatDate(row.EventDate) == "2025-02-18" &&
			row.EventKind == string(astronomy.KindDiamondSunset) {
			found = true
		}
	}
	assert.True(t, found, "expected the Feb 18 sunset among %d events", len(rows))
}
