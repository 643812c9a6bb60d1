package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// migrations are applied in order; each version runs once and is recorded
// in schema_migrations. New versions append, never rewrite.
var migrations = []struct {
	version int
	stmts   []string
}{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS locations (
				id BIGINT PRIMARY KEY,
				name TEXT NOT NULL,
				prefecture TEXT NOT NULL DEFAULT '',
				latitude DOUBLE PRECISION NOT NULL,
				longitude DOUBLE PRECISION NOT NULL,
				elevation_m DOUBLE PRECISION NOT NULL DEFAULT 0,
				description TEXT NOT NULL DEFAULT '',
				access_info TEXT NOT NULL DEFAULT '',
				parking_info TEXT NOT NULL DEFAULT '',
				fuji_azimuth_deg DOUBLE PRECISION NOT NULL DEFAULT 0,
				fuji_elevation_deg DOUBLE PRECISION NOT NULL DEFAULT 0,
				fuji_distance_m DOUBLE PRECISION NOT NULL DEFAULT 0,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
			)`,
		},
	},
	{
		version: 2,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS orbit_samples (
				sample_date DATE NOT NULL,
				hour SMALLINT NOT NULL,
				minute SMALLINT NOT NULL,
				body TEXT NOT NULL,
				azimuth_deg DOUBLE PRECISION NOT NULL,
				altitude_deg DOUBLE PRECISION NOT NULL,
				visible BOOLEAN NOT NULL,
				moon_phase_deg DOUBLE PRECISION,
				moon_illumination DOUBLE PRECISION,
				season TEXT NOT NULL,
				time_of_day TEXT NOT NULL,
				PRIMARY KEY (sample_date, hour, minute, body)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_orbit_samples_scan
				ON orbit_samples (body, visible, azimuth_deg, altitude_deg)`,
		},
	},
	{
		version: 3,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS alignment_events (
				id BIGSERIAL PRIMARY KEY,
				location_id BIGINT NOT NULL REFERENCES locations (id),
				event_date DATE NOT NULL,
				event_time TIMESTAMPTZ NOT NULL,
				event_kind TEXT NOT NULL,
				azimuth_deg DOUBLE PRECISION NOT NULL,
				altitude_deg DOUBLE PRECISION NOT NULL,
				quality_score DOUBLE PRECISION NOT NULL,
				accuracy TEXT NOT NULL,
				moon_phase_deg DOUBLE PRECISION,
				moon_illumination DOUBLE PRECISION,
				calculation_year INTEGER NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				UNIQUE (location_id, event_time, event_kind)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_alignment_events_date
				ON alignment_events (event_date)`,
			`CREATE INDEX IF NOT EXISTS idx_alignment_events_loc_year
				ON alignment_events (location_id, calculation_year)`,
		},
	},
	{
		version: 4,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS jobs (
				id TEXT PRIMARY KEY,
				kind TEXT NOT NULL,
				location_id BIGINT,
				year INTEGER NOT NULL DEFAULT 0,
				month INTEGER,
				priority TEXT NOT NULL DEFAULT 'normal',
				state TEXT NOT NULL DEFAULT 'waiting',
				attempts INTEGER NOT NULL DEFAULT 0,
				max_attempts INTEGER NOT NULL DEFAULT 3,
				failed_reason TEXT,
				progress INTEGER NOT NULL DEFAULT 0,
				enqueued_at TIMESTAMPTZ NOT NULL DEFAULT now(),
				started_at TIMESTAMPTZ,
				heartbeat_at TIMESTAMPTZ,
				finished_at TIMESTAMPTZ
			)`,
			`CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs (state)`,
		},
	},
	{
		version: 5,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS background_jobs (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				schedule TEXT NOT NULL,
				enabled BOOLEAN NOT NULL DEFAULT true,
				last_run TIMESTAMPTZ
			)`,
		},
	},
}

// Migrate applies pending migrations. Reads stay backward compatible:
// existing columns are never dropped or retyped in place.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at TIMESTAMPTZ NOT NULL DEFAULT now())`); err != nil {
		return tagDBError("storage.Migrate", err)
	}

	var current int
	if err := s.db.GetContext(ctx, &current,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`); err != nil {
		return tagDBError("storage.Migrate", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		err := s.inTx(ctx, "storage.Migrate", func(tx *sqlx.Tx) error {
			for _, stmt := range m.stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return tagDBError("storage.Migrate", fmt.Errorf("version %d: %w", m.version, err))
				}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
				return tagDBError("storage.Migrate", err)
			}
			return nil
		})
		if err != nil {
			return err
		}
		logger.InfoContext(ctx, "applied migration", "version", m.version)
	}
	return nil
}
