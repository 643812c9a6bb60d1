package astronomy

import (
	"errors"
	"math"
)

const (
	// EarthRadiusM is the WGS-84 mean radius. The spheroid is not modeled;
	// the error is acceptable for Fuji sighting distances.
	EarthRadiusM = 6371000.0

	// ObserverEyeLevelM is added to a location's ground elevation when
	// computing the apparent elevation of the summit.
	ObserverEyeLevelM = 1.7

	// DefaultRefractionK is the distance-based refraction coefficient for a
	// standard atmosphere.
	DefaultRefractionK = 0.13

	DegToRad = math.Pi / 180
	RadToDeg = 180 / math.Pi
)

// ErrInvalidGeometry reports a degenerate observer/summit pair, such as a
// zero distance.
var ErrInvalidGeometry = errors.New("astronomy: invalid geometry")

// FujiReference is the summit point all locations sight against. Immutable
// for the lifetime of the process.
type FujiReference struct {
	Latitude   float64
	Longitude  float64
	ElevationM float64
}

// DefaultFujiReference is the Kengamine-adjacent crater point used unless
// overridden by configuration.
var DefaultFujiReference = FujiReference{
	Latitude:   35.3606,
	Longitude:  138.7274,
	ElevationM: 3776,
}

// FujiGeometry is the derived sighting geometry from one location to the
// summit. It must be recomputed whenever the location's coordinates change.
type FujiGeometry struct {
	AzimuthDeg   float64 // forward azimuth to the summit, [0,360)
	ElevationDeg float64 // apparent elevation of the summit, signed
	DistanceM    float64 // great-circle distance, > 0
}

// HaversineDistance returns the great-circle distance in meters between two
// (lat, lon) points on the mean-radius sphere.
func HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := lat1 * DegToRad
	p2 := lat2 * DegToRad
	dp := (lat2 - lat1) * DegToRad
	dl := (lon2 - lon1) * DegToRad

	sp := math.Sin(dp / 2)
	sl := math.Sin(dl / 2)
	a := sp*sp + math.Cos(p1)*math.Cos(p2)*sl*sl
	return 2 * EarthRadiusM * math.Asin(math.Sqrt(a))
}

// InitialBearing returns the forward azimuth from point 1 to point 2 in
// degrees, normalized to [0, 360).
func InitialBearing(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := lat1 * DegToRad
	p2 := lat2 * DegToRad
	dl := (lon2 - lon1) * DegToRad

	y := math.Sin(dl) * math.Cos(p2)
	x := math.Cos(p1)*math.Sin(p2) - math.Sin(p1)*math.Cos(p2)*math.Cos(dl)
	return NormalizeAzimuth(math.Atan2(y, x) * RadToDeg)
}

// NormalizeAzimuth maps an angle in degrees onto [0, 360).
func NormalizeAzimuth(deg float64) float64 {
	m := math.Mod(deg, 360)
	if m < 0 {
		m += 360
	}
	return m
}

// AzimuthDiff returns the smallest absolute angular distance between two
// azimuths on the circle, in [0, 180].
func AzimuthDiff(a, b float64) float64 {
	d := math.Abs(NormalizeAzimuth(a) - NormalizeAzimuth(b))
	if d > 180 {
		d = 360 - d
	}
	return d
}

// ApparentElevation returns the apparent elevation angle in degrees of the
// summit as seen by an observer at observerElevM ground elevation over a
// horizontal distance of distanceM meters.
//
// The height difference is reduced by the curvature drop d^2/2R and lifted
// back by the distance-based refraction term k*c. The distance-based form
// reproduces the observed 1.87 deg for Futtsu; an angle-based 0.57 deg
// correction over-corrects at that range.
func ApparentElevation(observerElevM, summitElevM, distanceM, k float64) (float64, error) {
	if distanceM <= 0 || math.IsNaN(distanceM) {
		return 0, ErrInvalidGeometry
	}
	heightDiff := summitElevM - (observerElevM + ObserverEyeLevelM)
	curvature := distanceM * distanceM / (2 * EarthRadiusM)
	refraction := k * curvature
	apparentVertical := heightDiff - (curvature - refraction)
	return math.Atan2(apparentVertical, distanceM) * RadToDeg, nil
}

// ComputeFujiGeometry derives the three sighting fields for an observer
// location against the summit reference.
func ComputeFujiGeometry(lat, lon, elevM float64, ref FujiReference, k float64) (FujiGeometry, error) {
	dist := HaversineDistance(lat, lon, ref.Latitude, ref.Longitude)
	if dist <= 0 {
		return FujiGeometry{}, ErrInvalidGeometry
	}
	elev, err := ApparentElevation(elevM, ref.ElevationM, dist, k)
	if err != nil {
		return FujiGeometry{}, err
	}
	return FujiGeometry{
		AzimuthDeg:   InitialBearing(lat, lon, ref.Latitude, ref.Longitude),
		ElevationDeg: elev,
		DistanceM:    dist,
	}, nil
}
