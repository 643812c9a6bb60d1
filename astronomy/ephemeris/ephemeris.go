// Package ephemeris adapts sun/moon position libraries behind a small
// provider interface. Providers are stateless and safe for concurrent use;
// workers and interactive queries share one instance.
package ephemeris

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/yuru-sha/fuji-calendar-sub001/observability"
)

// ErrEphemeris tags failures inside an ephemeris computation, including NaN
// results from the underlying library. Callers skip the affected sample.
var ErrEphemeris = errors.New("ephemeris: computation failed")

// Observer is a value-typed observation point.
type Observer struct {
	Latitude   float64
	Longitude  float64
	ElevationM float64
}

// SunPosition is the sun's topocentric position at an instant.
type SunPosition struct {
	AzimuthDeg  float64 // from true north, [0,360)
	AltitudeDeg float64
	DistanceAU  float64
}

// MoonPosition is the moon's topocentric position at an instant, with
// phase and illumination.
type MoonPosition struct {
	AzimuthDeg   float64 // from true north, [0,360)
	AltitudeDeg  float64
	DistanceKm   float64
	PhaseDeg     float64 // [0,360): 0 new, 180 full
	Illumination float64 // [0,1]
}

// MoonTimes are the rise/set instants of the moon on one calendar day.
// Rise or Set may be zero when the event does not occur that day.
type MoonTimes struct {
	Rise       time.Time
	Set        time.Time
	AlwaysUp   bool
	AlwaysDown bool
}

// Provider computes topocentric sun/moon positions. Implementations hold no
// mutable state and must be safe for concurrent calls.
type Provider interface {
	SunPosition(ctx context.Context, t time.Time, obs Observer) (SunPosition, error)
	MoonPosition(ctx context.Context, t time.Time, obs Observer) (MoonPosition, error)
	MoonTimes(ctx context.Context, date time.Time, obs Observer) (MoonTimes, error)
	ProviderName() string
	Available(ctx context.Context) bool
}

// Manager fronts a primary provider with a fallback, mirroring the
// provider-manager arrangement used for the planetary ephemeris sources.
type Manager struct {
	primary       Provider
	fallback      Provider
	observer      observability.ObserverInterface
	healthChecker *HealthChecker
}

// NewManager creates a manager over a primary and an optional fallback
// provider.
func NewManager(primary, fallback Provider) *Manager {
	providers := []Provider{primary}
	if fallback != nil {
		providers = append(providers, fallback)
	}
	return &Manager{
		primary:       primary,
		fallback:      fallback,
		observer:      observability.Observer(),
		healthChecker: NewHealthChecker(providers),
	}
}

// SunPosition returns the sun's topocentric position, falling back when the
// primary provider fails or returns NaN.
func (m *Manager) SunPosition(ctx context.Context, t time.Time, obs Observer) (SunPosition, error) {
	ctx, span := m.observer.CreateSpan(ctx, "ephemeris.SunPosition")
	defer span.End()
	span.SetAttributes(
		attribute.String("instant", t.UTC().Format(time.RFC3339)),
		attribute.Float64("observer.latitude", obs.Latitude),
		attribute.Float64("observer.longitude", obs.Longitude),
	)

	pos, err := m.primary.SunPosition(ctx, t, obs)
	if err == nil {
		return pos, nil
	}
	span.RecordError(err)
	if m.fallback == nil {
		return SunPosition{}, err
	}
	span.SetAttributes(attribute.String("fallback", m.fallback.ProviderName()))
	return m.fallback.SunPosition(ctx, t, obs)
}

// MoonPosition returns the moon's topocentric position, falling back when
// the primary provider fails or returns NaN.
func (m *Manager) MoonPosition(ctx context.Context, t time.Time, obs Observer) (MoonPosition, error) {
	ctx, span := m.observer.CreateSpan(ctx, "ephemeris.MoonPosition")
	defer span.End()
	span.SetAttributes(
		attribute.String("instant", t.UTC().Format(time.RFC3339)),
		attribute.Float64("observer.latitude", obs.Latitude),
		attribute.Float64("observer.longitude", obs.Longitude),
	)

	pos, err := m.primary.MoonPosition(ctx, t, obs)
	if err == nil {
		return pos, nil
	}
	span.RecordError(err)
	if m.fallback == nil {
		return MoonPosition{}, err
	}
	span.SetAttributes(attribute.String("fallback", m.fallback.ProviderName()))
	return m.fallback.MoonPosition(ctx, t, obs)
}

// MoonTimes returns the moon's rise/set instants on the calendar day of
// date in date's time zone.
func (m *Manager) MoonTimes(ctx context.Context, date time.Time, obs Observer) (MoonTimes, error) {
	ctx, span := m.observer.CreateSpan(ctx, "ephemeris.MoonTimes")
	defer span.End()
	span.SetAttributes(attribute.String("date", date.Format("2006-01-02")))

	mt, err := m.primary.MoonTimes(ctx, date, obs)
	if err == nil {
		return mt, nil
	}
	span.RecordError(err)
	if m.fallback == nil {
		return MoonTimes{}, err
	}
	return m.fallback.MoonTimes(ctx, date, obs)
}

// HealthChecker reports provider availability.
func (m *Manager) HealthChecker() *HealthChecker {
	return m.healthChecker
}

// finite guards library output before it reaches callers.
func finite(vals ...float64) error {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value", ErrEphemeris)
		}
	}
	return nil
}
