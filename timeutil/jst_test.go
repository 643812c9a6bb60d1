package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSTDateOf(t *testing.T) {
	tests := []struct {
		name string
		utc  time.Time
		want string
	}{
		{
			name: "UTC evening is next JST day",
			utc:  time.Date(2025, 2, 18, 16, 30, 0, 0, time.UTC),
			want: "2025-02-19",
		},
		{
			name: "UTC morning stays same JST day",
			utc:  time.Date(2025, 2, 18, 8, 13, 0, 0, time.UTC),
			want: "2025-02-18",
		},
		{
			name: "UTC 15:00 exactly is JST midnight",
			utc:  time.Date(2025, 12, 31, 15, 0, 0, 0, time.UTC),
			want: "2026-01-01",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := JSTDateOf(tt.utc)
			assert.Equal(t, tt.want, got.Format("2006-01-02"))
			assert.Equal(t, 0, got.Hour())
			assert.Equal(t, JST, got.Location())
		})
	}
}

func TestJSTRoundTrip(t *testing.T) {
	// JST-string -> instant -> JST-string is the identity.
	samples := []string{
		"2025-02-18T17:15:00+09:00",
		"2025-12-31T23:59:59+09:00",
		"2024-02-29T06:00:00+09:00",
	}
	for _, s := range samples {
		parsed, err := ParseJST(s)
		require.NoError(t, err)
		assert.Equal(t, s, FormatJST(parsed))
	}
}

func TestParseJSTRejectsGarbage(t *testing.T) {
	_, err := ParseJST("2025-02-18 17:15")
	assert.Error(t, err)
	_, err = ParseJSTDate("18/02/2025")
	assert.Error(t, err)
}

func TestSeasonOf(t *testing.T) {
	tests := []struct {
		date string
		want Season
	}{
		{"2025-03-20", SeasonWinter},
		{"2025-03-21", SeasonSpring},
		{"2025-06-21", SeasonSummer},
		{"2025-09-23", SeasonAutumn},
		{"2025-12-22", SeasonWinter},
		{"2025-01-15", SeasonWinter},
		{"2025-08-01", SeasonSummer},
	}
	for _, tt := range tests {
		d, err := ParseJSTDate(tt.date)
		require.NoError(t, err)
		assert.Equal(t, tt.want, SeasonOf(d), tt.date)
	}
}

func TestTimeOfDayOf(t *testing.T) {
	tests := []struct {
		hour int
		want TimeOfDay
	}{
		{4, TimeOfDayNight},
		{5, TimeOfDayMorning},
		{11, TimeOfDayMorning},
		{12, TimeOfDayAfternoon},
		{16, TimeOfDayAfternoon},
		{17, TimeOfDayEvening},
		{20, TimeOfDayEvening},
		{21, TimeOfDayNight},
		{0, TimeOfDayNight},
	}
	for _, tt := range tests {
		instant := time.Date(2025, 5, 10, tt.hour, 30, 0, 0, JST)
		assert.Equal(t, tt.want, TimeOfDayOf(instant), "hour %d", tt.hour)
	}
}

func TestDaysInYear(t *testing.T) {
	assert.Equal(t, 366, DaysInYear(2024))
	assert.Equal(t, 365, DaysInYear(2025))
	assert.Equal(t, 365, DaysInYear(1900))
	assert.Equal(t, 366, DaysInYear(2000))
}
