package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yuru-sha/fuji-calendar-sub001/observability"
)

// ErrLocationNotFound reports an unknown location id.
var ErrLocationNotFound = errors.New("storage: location not found")

// ListLocations returns every location ordered by id.
func (s *Store) ListLocations(ctx context.Context) ([]Location, error) {
	ctx, span := s.observer.CreateSpan(ctx, "storage.ListLocations")
	defer span.End()

	var out []Location
	if err := s.db.SelectContext(ctx, &out, `SELECT * FROM locations ORDER BY id`); err != nil {
		return nil, tagDBError("storage.ListLocations", err)
	}
	span.SetAttributes(attribute.Int("count", len(out)))
	return out, nil
}

// GetLocation returns one location by id.
func (s *Store) GetLocation(ctx context.Context, id int64) (Location, error) {
	ctx, span := s.observer.CreateSpan(ctx, "storage.GetLocation")
	defer span.End()
	span.SetAttributes(attribute.Int64("location_id", id))

	var loc Location
	err := s.db.GetContext(ctx, &loc, `SELECT * FROM locations WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return Location{}, observability.Tag(observability.KindValidation, "storage.GetLocation",
			fmt.Errorf("%w: id %d", ErrLocationNotFound, id))
	}
	if err != nil {
		return Location{}, tagDBError("storage.GetLocation", err)
	}
	return loc, nil
}

// UpsertLocationGeometry writes the three derived sighting fields for one
// location. Single-row and transactional by statement.
func (s *Store) UpsertLocationGeometry(ctx context.Context, id int64, azimuthDeg, elevationDeg, distanceM float64) error {
	ctx, span := s.observer.CreateSpan(ctx, "storage.UpsertLocationGeometry")
	defer span.End()
	span.SetAttributes(attribute.Int64("location_id", id))

	res, err := s.db.ExecContext(ctx, `
		UPDATE locations
		SET fuji_azimuth_deg = $2, fuji_elevation_deg = $3, fuji_distance_m = $4, updated_at = now()
		WHERE id = $1`,
		id, azimuthDeg, elevationDeg, distanceM)
	if err != nil {
		return tagDBError("storage.UpsertLocationGeometry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return tagDBError("storage.UpsertLocationGeometry", err)
	}
	if n == 0 {
		return observability.Tag(observability.KindValidation, "storage.UpsertLocationGeometry",
			fmt.Errorf("%w: id %d", ErrLocationNotFound, id))
	}
	return nil
}
