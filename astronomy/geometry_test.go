package astronomy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHaversineDistance(t *testing.T) {
	// Futtsu Cape to the Fuji summit, the calibration baseline.
	d := HaversineDistance(35.313326, 139.785738, 35.3606, 138.7274)
	assert.InDelta(t, 96144, d, 300)

	// Symmetric.
	rev := HaversineDistance(35.3606, 138.7274, 35.313326, 139.785738)
	assert.InDelta(t, d, rev, 1e-9)

	// Zero for coincident points.
	assert.Equal(t, 0.0, HaversineDistance(35.0, 139.0, 35.0, 139.0))
}

func TestInitialBearing(t *testing.T) {
	tests := []struct {
		name           string
		lat, lon       float64
		want, tolerance float64
	}{
		{"Futtsu looks west toward Fuji", 35.313326, 139.785738, 273.44, 0.5},
		{"Maihama looks west-southwest", 35.623181, 139.883224, 254.75, 0.5},
		{"Tenjogatake looks east-northeast", 35.329621, 138.535881, 78.73, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := InitialBearing(tt.lat, tt.lon, 35.3606, 138.7274)
			assert.InDelta(t, tt.want, got, tt.tolerance)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.Less(t, got, 360.0)
		})
	}

	// Due north from the equator.
	assert.InDelta(t, 0, InitialBearing(0, 139, 1, 139), 1e-9)
}

func TestNormalizeAzimuthIdempotent(t *testing.T) {
	for _, x := range []float64{-720.5, -180, -0.0001, 0, 123.4, 359.999, 360, 1234.5} {
		n := NormalizeAzimuth(x)
		assert.GreaterOrEqual(t, n, 0.0)
		assert.Less(t, n, 360.0)
		assert.Equal(t, n, NormalizeAzimuth(n))
	}
}

func TestAzimuthDiff(t *testing.T) {
	assert.InDelta(t, 0, AzimuthDiff(10, 370), 1e-9)
	assert.InDelta(t, 2, AzimuthDiff(359, 1), 1e-9)
	assert.InDelta(t, 180, AzimuthDiff(0, 180), 1e-9)
	assert.InDelta(t, 90, AzimuthDiff(45, 315), 1e-9)
}

func TestApparentElevationFuttsu(t *testing.T) {
	// The distance-based refraction term must reproduce the documented
	// 1.87 deg observation from Futtsu at ~96 km.
	el, err := ApparentElevation(1.3, 3776, 96144, DefaultRefractionK)
	require.NoError(t, err)
	assert.InDelta(t, 1.872, el, 0.05)
}

func TestApparentElevationRejectsZeroDistance(t *testing.T) {
	_, err := ApparentElevation(10, 3776, 0, DefaultRefractionK)
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}

func TestComputeFujiGeometry(t *testing.T) {
	tests := []struct {
		name             string
		lat, lon, elev   float64
		wantAz, wantElev float64
		wantDist         float64
	}{
		{"Futtsu Cape", 35.313326, 139.785738, 1.3, 273.44, 1.872, 96144},
		{"Maihama shore", 35.623181, 139.883224, 3.0, 254.75, 1.564, 108638},
		{"Umihotaru PA", 35.4469, 139.8331, 10.0, 264.85, 1.748, 100672},
		{"Tenjogatake", 35.329621, 138.535881, 1319.0, 78.73, 7.83, 17709},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := ComputeFujiGeometry(tt.lat, tt.lon, tt.elev, DefaultFujiReference, DefaultRefractionK)
			require.NoError(t, err)
			assert.InDelta(t, tt.wantAz, g.AzimuthDeg, 0.5)
			assert.InDelta(t, tt.wantElev, g.ElevationDeg, 0.1)
			assert.InDelta(t, tt.wantDist, g.DistanceM, 300)
		})
	}
}

func TestComputeFujiGeometryDeterministic(t *testing.T) {
	// Identical inputs give byte-equal derived geometry.
	a, err := ComputeFujiGeometry(35.313326, 139.785738, 1.3, DefaultFujiReference, DefaultRefractionK)
	require.NoError(t, err)
	b, err := ComputeFujiGeometry(35.313326, 139.785738, 1.3, DefaultFujiReference, DefaultRefractionK)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestComputeFujiGeometryAtSummitFails(t *testing.T) {
	_, err := ComputeFujiGeometry(35.3606, 138.7274, 3776, DefaultFujiReference, DefaultRefractionK)
	assert.ErrorIs(t, err, ErrInvalidGeometry)
}
