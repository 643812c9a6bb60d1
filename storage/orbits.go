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

// OrbitBatchSize bounds per-transaction row counts to keep lock windows
// and memory flat during year-long generation runs.
const OrbitBatchSize = 200

// BulkUpsertOrbitSamples writes samples in batches of OrbitBatchSize, each
// batch in its own transaction, idempotent on (date, hour, minute, body).
func (s *Store) BulkUpsertOrbitSamples(ctx context.Context, rows []OrbitSample) error {
	ctx, span := s.observer.CreateSpan(ctx, "storage.BulkUpsertOrbitSamples")
	defer span.End()
	span.SetAttributes(attribute.Int("rows", len(rows)))

	for start := 0; start < len(rows); start += OrbitBatchSize {
		end := start + OrbitBatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]
		err := retryTransient(ctx, "storage.BulkUpsertOrbitSamples", func() error {
			return s.inTx(ctx, "storage.BulkUpsertOrbitSamples", func(tx *sqlx.Tx) error {
				return upsertOrbitBatch(ctx, tx, batch)
			})
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func upsertOrbitBatch(ctx context.Context, tx *sqlx.Tx, batch []OrbitSample) error {
	if len(batch) == 0 {
		return nil
	}
	var sb strings.Builder
	sb.WriteString(`INSERT INTO orbit_samples
		(sample_date, hour, minute, body, azimuth_deg, altitude_deg, visible, moon_phase_deg, moon_illumination, season, time_of_day)
		VALUES `)
	args := make([]interface{}, 0, len(batch)*11)
	for i, r := range batch {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i * 11
		sb.WriteString(fmt.Sprintf("($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11))
		// DATE columns travel as strings so the server timezone can never
		// shift the calendar day.
		args = append(args, timeutil.FormatDate(r.SampleDate), r.Hour, r.Minute, r.Body, r.AzimuthDeg, r.AltitudeDeg,
			r.Visible, r.MoonPhaseDeg, r.MoonIllumination, r.Season, r.TimeOfDay)
	}
	sb.WriteString(` ON CONFLICT (sample_date, hour, minute, body) DO UPDATE SET
		azimuth_deg = EXCLUDED.azimuth_deg,
		altitude_deg = EXCLUDED.altitude_deg,
		visible = EXCLUDED.visible,
		moon_phase_deg = EXCLUDED.moon_phase_deg,
		moon_illumination = EXCLUDED.moon_illumination,
		season = EXCLUDED.season,
		time_of_day = EXCLUDED.time_of_day`)

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return tagDBError("storage.BulkUpsertOrbitSamples", err)
	}
	return nil
}

// OrbitScanParams select candidate minutes for the matcher fast path.
// Azimuth bounds may wrap across north.
type OrbitScanParams struct {
	Year           int
	Body           string
	AzimuthMinDeg  float64
	AzimuthMaxDeg  float64
	AltitudeMinDeg float64
	AltitudeMaxDeg float64
	SunWindowsOnly bool
}

// ScanOrbitCandidates returns visible samples of a year matching the
// cushioned azimuth/altitude predicates, ordered by instant.
func (s *Store) ScanOrbitCandidates(ctx context.Context, p OrbitScanParams) ([]OrbitSample, error) {
	ctx, span := s.observer.CreateSpan(ctx, "storage.ScanOrbitCandidates")
	defer span.End()
	span.SetAttributes(
		attribute.Int("year", p.Year),
		attribute.String("body", p.Body),
	)

	var sb strings.Builder
	sb.WriteString(`SELECT * FROM orbit_samples
		WHERE body = $1 AND visible = true
		AND sample_date >= $2 AND sample_date < $3
		AND altitude_deg >= $4 AND altitude_deg <= $5`)
	args := []interface{}{
		p.Body,
		fmt.Sprintf("%04d-01-01", p.Year),
		fmt.Sprintf("%04d-01-01", p.Year+1),
		p.AltitudeMinDeg,
		p.AltitudeMaxDeg,
	}
	if p.AzimuthMinDeg <= p.AzimuthMaxDeg {
		sb.WriteString(` AND azimuth_deg >= $6 AND azimuth_deg <= $7`)
		args = append(args, p.AzimuthMinDeg, p.AzimuthMaxDeg)
	} else {
		// Wrapped across north.
		sb.WriteString(` AND (azimuth_deg >= $6 OR azimuth_deg <= $7)`)
		args = append(args, p.AzimuthMinDeg, p.AzimuthMaxDeg)
	}
	if p.SunWindowsOnly {
		sb.WriteString(` AND ((hour >= 4 AND hour < 12) OR (hour >= 14 AND hour < 20))`)
	}
	sb.WriteString(` ORDER BY sample_date, hour, minute`)

	var out []OrbitSample
	if err := s.db.SelectContext(ctx, &out, sb.String(), args...); err != nil {
		return nil, tagDBError("storage.ScanOrbitCandidates", err)
	}
	span.SetAttributes(attribute.Int("candidates", len(out)))
	return out, nil
}

// CountOrbitSamples returns the row count for one date and body.
func (s *Store) CountOrbitSamples(ctx context.Context, date time.Time, body string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM orbit_samples WHERE sample_date = $1 AND body = $2`,
		timeutil.FormatDate(date), body)
	if err != nil {
		return 0, tagDBError("storage.CountOrbitSamples", err)
	}
	return n, nil
}

// OrbitYearComplete reports whether every date of the year has its full
// complement of sun samples.
func (s *Store) OrbitYearComplete(ctx context.Context, year int) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `
		SELECT COUNT(*) FROM orbit_samples
		WHERE body = 'sun' AND sample_date >= $1 AND sample_date < $2`,
		fmt.Sprintf("%04d-01-01", year),
		fmt.Sprintf("%04d-01-01", year+1))
	if err != nil {
		return false, tagDBError("storage.OrbitYearComplete", err)
	}
	return n == timeutil.DaysInYear(year)*1440, nil
}
