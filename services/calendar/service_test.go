package calendar

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuru-sha/fuji-calendar-sub001/observability"
	"github.com/yuru-sha/fuji-calendar-sub001/storage"
	"github.com/yuru-sha/fuji-calendar-sub001/timeutil"
)

type fakeStore struct {
	calendar []storage.CalendarDay
	day      []storage.EventWithLocation
	upcoming []storage.EventWithLocation
	stats    []storage.MonthStat
}

func (f *fakeStore) QueryCalendar(ctx context.Context, year, month int) ([]storage.CalendarDay, error) {
	return f.calendar, nil
}

func (f *fakeStore) QueryDay(ctx context.Context, date time.Time) ([]storage.EventWithLocation, error) {
	return f.day, nil
}

func (f *fakeStore) QueryUpcoming(ctx context.Context, now time.Time, limit int) ([]storage.EventWithLocation, error) {
	if len(f.upcoming) > limit {
		return f.upcoming[:limit], nil
	}
	return f.upcoming, nil
}

func (f *fakeStore) QueryStats(ctx context.Context, year int) ([]storage.MonthStat, error) {
	return f.stats, nil
}

func jstDate(s string) time.Time {
	d, err := timeutil.ParseJSTDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestGetCalendarKinds(t *testing.T) {
	svc := NewService(&fakeStore{calendar: []storage.CalendarDay{
		{EventDate: jstDate("2025-02-17"), Diamond: 2, Pearl: 0},
		{EventDate: jstDate("2025-02-18"), Diamond: 1, Pearl: 1},
		{EventDate: jstDate("2025-02-19"), Diamond: 0, Pearl: 3},
	}})

	resp, err := svc.GetCalendar(context.Background(), 2025, 2)
	require.NoError(t, err)
	require.Len(t, resp.Days, 3)
	assert.Equal(t, "diamond", resp.Days[0].Kind)
	assert.Equal(t, "both", resp.Days[1].Kind)
	assert.Equal(t, "pearl", resp.Days[2].Kind)
	assert.Equal(t, 2, resp.Days[1].Events)
	assert.Equal(t, "2025-02-18", resp.Days[1].Date)
}

func TestGetCalendarValidation(t *testing.T) {
	svc := NewService(&fakeStore{})

	_, err := svc.GetCalendar(context.Background(), 2025, 13)
	assertValidation(t, err)
	_, err = svc.GetCalendar(context.Background(), 1492, 1)
	assertValidation(t, err)
}

func assertValidation(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	kind, ok := observability.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, observability.KindValidation, kind)
}

func TestGetDayEventsJSTBoundary(t *testing.T) {
	phase := 200.0
	illum := 0.85
	// 2025-02-18 17:13 JST stored as UTC.
	eventUTC := time.Date(2025, 2, 18, 8, 13, 0, 0, time.UTC)
	svc := NewService(&fakeStore{day: []storage.EventWithLocation{{
		AlignmentEvent: storage.AlignmentEvent{
			LocationID: 7, EventTime: eventUTC, EventKind: "pearl_setting",
			AzimuthDeg: 254.7, AltitudeDeg: 1.5, QualityScore: 0.8, Accuracy: "good",
			MoonPhaseDeg: &phase, MoonIllumination: &illum,
		},
		LocationName: "Maihama shore", LocationPrefecture: "Chiba",
		LocationLatitude: 35.623181, LocationLongitude: 139.883224,
	}}})

	resp, err := svc.GetDayEvents(context.Background(), "2025-02-18")
	require.NoError(t, err)
	require.Len(t, resp.Events, 1)

	ev := resp.Events[0]
	assert.Equal(t, "2025-02-18T17:13:00+09:00", ev.Time)
	assert.Equal(t, "Maihama shore", ev.Location.Name)
	assert.Equal(t, "full moon", ev.MoonPhaseName)
	require.NotNil(t, ev.MoonIllumination)
	assert.Equal(t, 0.85, *ev.MoonIllumination)
}

func TestGetDayEventsBadDate(t *testing.T) {
	svc := NewService(&fakeStore{})
	_, err := svc.GetDayEvents(context.Background(), "18/02/2025")
	assertValidation(t, err)
}

func TestGetUpcomingLimitValidation(t *testing.T) {
	svc := NewService(&fakeStore{})
	_, err := svc.GetUpcoming(context.Background(), time.Now(), 0)
	assertValidation(t, err)
	_, err = svc.GetUpcoming(context.Background(), time.Now(), 201)
	assertValidation(t, err)
}

func TestGetStatsAggregates(t *testing.T) {
	svc := NewService(&fakeStore{stats: []storage.MonthStat{
		{Month: 2, Total: 10, Diamond: 7, Pearl: 3},
		{Month: 10, Total: 4, Diamond: 4, Pearl: 0},
	}})

	stats, err := svc.GetStats(context.Background(), 2025)
	require.NoError(t, err)
	assert.Equal(t, 14, stats.Total)
	assert.Equal(t, 11, stats.DiamondTotal)
	assert.Equal(t, 3, stats.PearlTotal)
	assert.Equal(t, MonthStat{Total: 10, Diamond: 7, Pearl: 3}, stats.PerMonth[1])
	assert.Equal(t, MonthStat{}, stats.PerMonth[0])
	assert.Equal(t, MonthStat{Total: 4, Diamond: 4}, stats.PerMonth[9])
}

func TestMoonPhaseName(t *testing.T) {
	tests := []struct {
		deg  float64
		want string
	}{
		{0, "new moon"},
		{350, "new moon"},
		{45, "waxing crescent"},
		{90, "first quarter"},
		{135, "waxing gibbous"},
		{180, "full moon"},
		{225, "waning gibbous"},
		{270, "last quarter"},
		{315, "waning crescent"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MoonPhaseName(tt.deg), "%.0f deg", tt.deg)
	}
}
