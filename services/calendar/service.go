// Package calendar is the query surface the HTTP layer consumes. All
// responses carry JST ISO-8601 strings; instants never cross the boundary
// as UTC.
package calendar

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yuru-sha/fuji-calendar-sub001/observability"
	"github.com/yuru-sha/fuji-calendar-sub001/storage"
	"github.com/yuru-sha/fuji-calendar-sub001/timeutil"
)

// Store is the slice of the persistence layer the query services read.
type Store interface {
	QueryCalendar(ctx context.Context, year, month int) ([]storage.CalendarDay, error)
	QueryDay(ctx context.Context, date time.Time) ([]storage.EventWithLocation, error)
	QueryUpcoming(ctx context.Context, now time.Time, limit int) ([]storage.EventWithLocation, error)
	QueryStats(ctx context.Context, year int) ([]storage.MonthStat, error)
}

// Service answers calendar queries from precomputed tables.
type Service struct {
	store    Store
	observer observability.ObserverInterface
}

// NewService creates the query service.
func NewService(store Store) *Service {
	return &Service{store: store, observer: observability.Observer()}
}

// CalendarDay is one calendar cell.
type CalendarDay struct {
	Date   string `json:"date"`
	Kind   string `json:"kind"` // diamond | pearl | both
	Events int    `json:"events"`
}

// CalendarResponse is one month of cells; dates are JST calendar dates.
type CalendarResponse struct {
	Year  int           `json:"year"`
	Month int           `json:"month"`
	Days  []CalendarDay `json:"days"`
}

// GetCalendar returns the monthly calendar with per-date kind grouping.
func (s *Service) GetCalendar(ctx context.Context, year, month int) (CalendarResponse, error) {
	ctx, span := s.observer.CreateSpan(ctx, "calendar.GetCalendar")
	defer span.End()
	span.SetAttributes(attribute.Int("year", year), attribute.Int("month", month))

	if err := validateYear(year); err != nil {
		return CalendarResponse{}, err
	}
	if month < 1 || month > 12 {
		return CalendarResponse{}, observability.Tag(observability.KindValidation, "calendar.GetCalendar",
			fmt.Errorf("month %d out of range", month))
	}

	rows, err := s.store.QueryCalendar(ctx, year, month)
	if err != nil {
		return CalendarResponse{}, err
	}
	resp := CalendarResponse{Year: year, Month: month, Days: make([]CalendarDay, 0, len(rows))}
	for _, r := range rows {
		kind := "diamond"
		switch {
		case r.Diamond > 0 && r.Pearl > 0:
			kind = "both"
		case r.Pearl > 0:
			kind = "pearl"
		}
		resp.Days = append(resp.Days, CalendarDay{
			Date:   timeutil.FormatDate(r.EventDate),
			Kind:   kind,
			Events: r.Diamond + r.Pearl,
		})
	}
	return resp, nil
}

// LocationSnapshot is the location view embedded in event responses.
type LocationSnapshot struct {
	ID         int64   `json:"id"`
	Name       string  `json:"name"`
	Prefecture string  `json:"prefecture"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
}

// Event is one alignment event as served to the API.
type Event struct {
	Location         LocationSnapshot `json:"location"`
	Kind             string           `json:"event_kind"`
	Time             string           `json:"event_time"` // JST ISO-8601
	AzimuthDeg       float64          `json:"azimuth"`
	AltitudeDeg      float64          `json:"altitude"`
	QualityScore     float64          `json:"quality_score"`
	Accuracy         string           `json:"accuracy"`
	MoonPhaseDeg     *float64         `json:"moon_phase,omitempty"`
	MoonIllumination *float64         `json:"moon_illumination,omitempty"`
	MoonPhaseName    string           `json:"moon_phase_name,omitempty"`
}

// DayEvents is one JST date's events, ordered by time.
type DayEvents struct {
	Date   string  `json:"date"`
	Events []Event `json:"events"`
}

// GetDayEvents returns the events of one JST calendar date.
func (s *Service) GetDayEvents(ctx context.Context, dateJST string) (DayEvents, error) {
	ctx, span := s.observer.CreateSpan(ctx, "calendar.GetDayEvents")
	defer span.End()
	span.SetAttributes(attribute.String("date", dateJST))

	date, err := timeutil.ParseJSTDate(dateJST)
	if err != nil {
		return DayEvents{}, observability.Tag(observability.KindValidation, "calendar.GetDayEvents", err)
	}
	rows, err := s.store.QueryDay(ctx, date)
	if err != nil {
		return DayEvents{}, err
	}
	return DayEvents{Date: dateJST, Events: toEvents(rows)}, nil
}

// GetUpcoming returns up to limit events at or after now.
func (s *Service) GetUpcoming(ctx context.Context, now time.Time, limit int) ([]Event, error) {
	ctx, span := s.observer.CreateSpan(ctx, "calendar.GetUpcoming")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", limit))

	if limit < 1 || limit > 200 {
		return nil, observability.Tag(observability.KindValidation, "calendar.GetUpcoming",
			fmt.Errorf("limit %d out of range [1,200]", limit))
	}
	rows, err := s.store.QueryUpcoming(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	return toEvents(rows), nil
}

// MonthStat is one month's totals.
type MonthStat struct {
	Total   int `json:"total"`
	Diamond int `json:"diamond"`
	Pearl   int `json:"pearl"`
}

// Stats is the yearly statistics payload. PerMonth always carries twelve
// entries, zero-filled for silent months.
type Stats struct {
	Year         int           `json:"year"`
	Total        int           `json:"total"`
	DiamondTotal int           `json:"diamond_total"`
	PearlTotal   int           `json:"pearl_total"`
	PerMonth     [12]MonthStat `json:"per_month"`
}

// GetStats returns per-month and per-kind counts for a year.
func (s *Service) GetStats(ctx context.Context, year int) (Stats, error) {
	ctx, span := s.observer.CreateSpan(ctx, "calendar.GetStats")
	defer span.End()
	span.SetAttributes(attribute.Int("year", year))

	if err := validateYear(year); err != nil {
		return Stats{}, err
	}
	rows, err := s.store.QueryStats(ctx, year)
	if err != nil {
		return Stats{}, err
	}
	out := Stats{Year: year}
	for _, r := range rows {
		if r.Month < 1 || r.Month > 12 {
			continue
		}
		out.PerMonth[r.Month-1] = MonthStat{Total: r.Total, Diamond: r.Diamond, Pearl: r.Pearl}
		out.Total += r.Total
		out.DiamondTotal += r.Diamond
		out.PearlTotal += r.Pearl
	}
	return out, nil
}

func toEvents(rows []storage.EventWithLocation) []Event {
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		ev := Event{
			Location: LocationSnapshot{
				ID:         r.LocationID,
				Name:       r.LocationName,
				Prefecture: r.LocationPrefecture,
				Latitude:   r.LocationLatitude,
				Longitude:  r.LocationLongitude,
			},
			Kind:             r.EventKind,
			Time:             timeutil.FormatJST(r.EventTime),
			AzimuthDeg:       r.AzimuthDeg,
			AltitudeDeg:      r.AltitudeDeg,
			QualityScore:     r.QualityScore,
			Accuracy:         r.Accuracy,
			MoonPhaseDeg:     r.MoonPhaseDeg,
			MoonIllumination: r.MoonIllumination,
		}
		if r.MoonPhaseDeg != nil {
			ev.MoonPhaseName = MoonPhaseName(*r.MoonPhaseDeg)
		}
		out = append(out, ev)
	}
	return out
}

// MoonPhaseName labels a phase angle with its common name.
func MoonPhaseName(phaseDeg float64) string {
	switch {
	case phaseDeg < 22.5 || phaseDeg >= 337.5:
		return "new moon"
	case phaseDeg < 67.5:
		return "waxing crescent"
	case phaseDeg < 112.5:
		return "first quarter"
	case phaseDeg < 157.5:
		return "waxing gibbous"
	case phaseDeg < 202.5:
		return "full moon"
	case phaseDeg < 247.5:
		return "waning gibbous"
	case phaseDeg < 292.5:
		return "last quarter"
	default:
		return "waning crescent"
	}
}

func validateYear(year int) error {
	if year < 1900 || year > 2200 {
		return observability.Tag(observability.KindValidation, "calendar.validateYear",
			fmt.Errorf("year %d out of range", year))
	}
	return nil
}
