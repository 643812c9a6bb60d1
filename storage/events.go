package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel/attribute"

	"github.com/yuru-sha/fuji-calendar-sub001/timeutil"
)

// ReplaceAlignmentEvents rematerializes a location's events for one
// calculation year: prior rows for (location, year) are deleted and the new
// set inserted inside a single transaction, so a narrower earlier
// calibration can never leave stale events behind.
func (s *Store) ReplaceAlignmentEvents(ctx context.Context, locationID int64, year int, rows []AlignmentEvent) error {
	ctx, span := s.observer.CreateSpan(ctx, "storage.ReplaceAlignmentEvents")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("location_id", locationID),
		attribute.Int("year", year),
		attribute.Int("rows", len(rows)),
	)

	return retryTransient(ctx, "storage.ReplaceAlignmentEvents", func() error {
		return s.inTx(ctx, "storage.ReplaceAlignmentEvents", func(tx *sqlx.Tx) error {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM alignment_events WHERE location_id = $1 AND calculation_year = $2`,
				locationID, year); err != nil {
				return tagDBError("storage.ReplaceAlignmentEvents", err)
			}
			for start := 0; start < len(rows); start += OrbitBatchSize {
				end := start + OrbitBatchSize
				if end > len(rows) {
					end = len(rows)
				}
				if err := insertEventBatch(ctx, tx, rows[start:end]); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

// UpsertAlignmentEvents writes events without clearing the year first,
// used by the incremental monthly path. Idempotent on the event key.
func (s *Store) UpsertAlignmentEvents(ctx context.Context, rows []AlignmentEvent) error {
	ctx, span := s.observer.CreateSpan(ctx, "storage.UpsertAlignmentEvents")
	defer span.End()
	span.SetAttributes(attribute.Int("rows", len(rows)))

	for start := 0; start < len(rows); start += OrbitBatchSize {
		end := start + OrbitBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]
		err := retryTransient(ctx, "storage.UpsertAlignmentEvents", func() error {
			return s.inTx(ctx, "storage.UpsertAlignmentEvents", func(tx *sqlx.Tx) error {
				return insertEventBatch(ctx, tx, batch)
			})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func insertEventBatch(ctx context.Context, tx *sqlx.Tx, batch []AlignmentEvent) error {
	if len(batch) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO alignment_events
		(location_id, event_date, event_time, event_kind, azimuth_deg, altitude_deg,
		 quality_score, accuracy, moon_phase_deg, moon_illumination, calculation_year)
		VALUES `)
	args := make([]interface{}, 0, len(batch)*11)
	for i, r := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 11
		sb.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11))
		args = append(args,
			r.LocationID, timeutil.FormatDate(r.EventTime), r.EventTime.UTC(), r.EventKind,
			r.AzimuthDeg, r.AltitudeDeg, r.QualityScore, r.Accuracy,
			r.MoonPhaseDeg, r.MoonIllumination, r.CalculationYear)
	}
	sb.WriteString(` ON CONFLICT (location_id, event_time, event_kind) DO UPDATE SET
		event_date = EXCLUDED.event_date,
		azimuth_deg = EXCLUDED.azimuth_deg,
		altitude_deg = EXCLUDED.altitude_deg,
		quality_score = EXCLUDED.quality_score,
		accuracy = EXCLUDED.accuracy,
		moon_phase_deg = EXCLUDED.moon_phase_deg,
		moon_illumination = EXCLUDED.moon_illumination,
		calculation_year = EXCLUDED.calculation_year`)

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return tagDBError("storage.ReplaceAlignmentEvents", err)
	}
	return nil
}

// CalendarDay aggregates one JST date's event counts by kind family.
type CalendarDay struct {
	EventDate time.Time `db:"event_date"`
	Diamond   int       `db:"diamond"`
	Pearl     int       `db:"pearl"`
}

// QueryCalendar returns per-date event counts for one JST month.
func (s *Store) QueryCalendar(ctx context.Context, year, month int) ([]CalendarDay, error) {
	ctx, span := s.observer.CreateSpan(ctx, "storage.QueryCalendar")
	defer span.End()
	span.SetAttributes(attribute.Int("year", year), attribute.Int("month", month))

	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, timeutil.JST)
	to := from.AddDate(0, 1, 0)

	var out []CalendarDay
	err := s.db.SelectContext(ctx, &out, `
		SELECT event_date,
			COUNT(*) FILTER (WHERE event_kind LIKE 'diamond%') AS diamond,
			COUNT(*) FILTER (WHERE event_kind LIKE 'pearl%') AS pearl
		FROM alignment_events
		WHERE event_date >= $1 AND event_date < $2
		GROUP BY event_date
		ORDER BY event_date`, timeutil.FormatDate(from), timeutil.FormatDate(to))
	if err != nil {
		return nil, tagDBError("storage.QueryCalendar", err)
	}
	return out, nil
}

const eventWithLocationColumns = `
	e.id, e.location_id, e.event_date, e.event_time, e.event_kind,
	e.azimuth_deg, e.altitude_deg, e.quality_score, e.accuracy,
	e.moon_phase_deg, e.moon_illumination, e.calculation_year, e.created_at,
	l.name AS location_name, l.prefecture AS location_prefecture,
	l.latitude AS location_latitude, l.longitude AS location_longitude`

// QueryDay returns a JST date's events joined with their locations,
// ordered by event time.
func (s *Store) QueryDay(ctx context.Context, date time.Time) ([]EventWithLocation, error) {
	ctx, span := s.observer.CreateSpan(ctx, "storage.QueryDay")
	defer span.End()
	span.SetAttributes(attribute.String("date", timeutil.FormatDate(date)))

	var out []EventWithLocation
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+eventWithLocationColumns+`
		FROM alignment_events e
		JOIN locations l ON l.id = e.location_id
		WHERE e.event_date = $1
		ORDER BY e.event_time ASC`, timeutil.FormatDate(date))
	if err != nil {
		return nil, tagDBError("storage.QueryDay", err)
	}
	return out, nil
}

// QueryUpcoming returns events at or after now, ascending, capped by limit.
func (s *Store) QueryUpcoming(ctx context.Context, now time.Time, limit int) ([]EventWithLocation, error) {
	ctx, span := s.observer.CreateSpan(ctx, "storage.QueryUpcoming")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", limit))

	var out []EventWithLocation
	err := s.db.SelectContext(ctx, &out, `
		SELECT `+eventWithLocationColumns+`
		FROM alignment_events e
		JOIN locations l ON l.id = e.location_id
		WHERE e.event_time >= $1
		ORDER BY e.event_time ASC
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, tagDBError("storage.QueryUpcoming", err)
	}
	return out, nil
}

// MonthStat is one month's event counts.
type MonthStat struct {
	Month   int `db:"month"`
	Total   int `db:"total"`
	Diamond int `db:"diamond"`
	Pearl   int `db:"pearl"`
}

// QueryStats returns per-month counts for a year, grouped by the JST month
// of event_date.
func (s *Store) QueryStats(ctx context.Context, year int) ([]MonthStat, error) {
	ctx, span := s.observer.CreateSpan(ctx, "storage.QueryStats")
	defer span.End()
	span.SetAttributes(attribute.Int("year", year))

	from := time.Date(year, 1, 1, 0, 0, 0, 0, timeutil.JST)
	to := from.AddDate(1, 0, 0)

	var out []MonthStat
	err := s.db.SelectContext(ctx, &out, `
		SELECT EXTRACT(MONTH FROM event_date)::int AS month,
			COUNT(*) AS total,
			COUNT(*) FILTER (WHERE event_kind LIKE 'diamond%') AS diamond,
			COUNT(*) FILTER (WHERE event_kind LIKE 'pearl%') AS pearl
		FROM alignment_events
		WHERE event_date >= $1 AND event_date < $2
		GROUP BY month
		ORDER BY month`, timeutil.FormatDate(from), timeutil.FormatDate(to))
	if err != nil {
		return nil, tagDBError("storage.QueryStats", err)
	}
	return out, nil
}

// CountEventDateMismatches returns how many events violate the rule that
// event_date is the JST calendar day of event_time. Healthy data returns
// zero; check-data surfaces anything else.
func (s *Store) CountEventDateMismatches(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM alignment_events
		WHERE event_date <> (event_time AT TIME ZONE 'Asia/Tokyo')::date`)
	if err != nil {
		return 0, tagDBError("storage.CountEventDateMismatches", err)
	}
	return n, nil
}

// CountEventsForLocationYear supports idempotency checks after reruns.
func (s *Store) CountEventsForLocationYear(ctx context.Context, locationID int64, year int) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM alignment_events WHERE location_id = $1 AND calculation_year = $2`,
		locationID, year)
	if err != nil {
		return 0, tagDBError("storage.CountEventsForLocationYear", err)
	}
	return n, nil
}
