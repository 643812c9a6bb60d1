package ephemeris

import (
	"context"
	"math"
	"time"

	"github.com/sixdouglas/suncalc"
)

// SuncalcProvider computes positions with the suncalc port. It is the
// primary provider: cheap, dependency-free at runtime, and accurate to a
// few arcminutes, which is inside every alignment tolerance band.
//
// suncalc measures azimuth in radians from south, positive westward; the
// adapter converts to degrees from true north. Sun altitudes are used as
// produced: the sight-line refraction correction lives in the apparent
// elevation of the summit, not in the solar position.
type SuncalcProvider struct{}

// NewSuncalcProvider returns the suncalc-backed provider.
func NewSuncalcProvider() *SuncalcProvider {
	return &SuncalcProvider{}
}

func (p *SuncalcProvider) ProviderName() string { return "suncalc" }

func (p *SuncalcProvider) Available(ctx context.Context) bool { return true }

func (p *SuncalcProvider) SunPosition(ctx context.Context, t time.Time, obs Observer) (SunPosition, error) {
	pos := suncalc.GetPosition(t, obs.Latitude, obs.Longitude)
	az := southRadToNorthDeg(pos.Azimuth)
	alt := pos.Altitude * radToDeg
	if err := finite(az, alt); err != nil {
		return SunPosition{}, err
	}
	return SunPosition{
		AzimuthDeg:  az,
		AltitudeDeg: alt,
		DistanceAU:  1,
	}, nil
}

func (p *SuncalcProvider) MoonPosition(ctx context.Context, t time.Time, obs Observer) (MoonPosition, error) {
	pos := suncalc.GetMoonPosition(t, obs.Latitude, obs.Longitude)
	illum := suncalc.GetMoonIllumination(t)

	az := southRadToNorthDeg(pos.Azimuth)
	alt := pos.Altitude * radToDeg
	phase := math.Mod(illum.Phase*360, 360)
	if phase < 0 {
		phase += 360
	}
	if err := finite(az, alt, pos.Distance, phase, illum.Fraction); err != nil {
		return MoonPosition{}, err
	}
	return MoonPosition{
		AzimuthDeg:   az,
		AltitudeDeg:  alt,
		DistanceKm:   pos.Distance,
		PhaseDeg:     phase,
		Illumination: illum.Fraction,
	}, nil
}

func (p *SuncalcProvider) MoonTimes(ctx context.Context, date time.Time, obs Observer) (MoonTimes, error) {
	mt := suncalc.GetMoonTimes(date, obs.Latitude, obs.Longitude, false)
	return MoonTimes{
		Rise:       mt.Rise,
		Set:        mt.Set,
		AlwaysUp:   mt.AlwaysUp,
		AlwaysDown: mt.AlwaysDown,
	}, nil
}

const radToDeg = 180 / math.Pi

// southRadToNorthDeg converts a south-referenced westward azimuth in
// radians to degrees clockwise from true north in [0,360).
func southRadToNorthDeg(azRad float64) float64 {
	deg := math.Mod(azRad*radToDeg+180, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
