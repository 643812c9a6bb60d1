package ephemeris

import (
	"context"
	"math"
	"time"

	"github.com/soniakeys/meeus/v3/base"
	"github.com/soniakeys/meeus/v3/coord"
	"github.com/soniakeys/meeus/v3/julian"
	"github.com/soniakeys/meeus/v3/moonposition"
	"github.com/soniakeys/meeus/v3/nutation"
	"github.com/soniakeys/meeus/v3/sidereal"
	"github.com/soniakeys/meeus/v3/solar"
	"github.com/soniakeys/unit"
)

// MeeusProvider computes positions from the Meeus algorithm library. It is
// the fallback provider; slower than suncalc but independent of it.
type MeeusProvider struct{}

// NewMeeusProvider returns the Meeus-backed provider.
func NewMeeusProvider() *MeeusProvider {
	return &MeeusProvider{}
}

func (p *MeeusProvider) ProviderName() string { return "meeus" }

func (p *MeeusProvider) Available(ctx context.Context) bool { return true }

func (p *MeeusProvider) SunPosition(ctx context.Context, t time.Time, obs Observer) (SunPosition, error) {
	jd := julian.TimeToJD(t.UTC())
	α, δ := solar.ApparentEquatorial(jd)
	az, alt := p.horizontal(α, δ, jd, obs)
	if err := finite(az, alt); err != nil {
		return SunPosition{}, err
	}
	return SunPosition{
		AzimuthDeg:  az,
		AltitudeDeg: alt,
		DistanceAU:  solar.Radius(base.J2000Century(jd)),
	}, nil
}

func (p *MeeusProvider) MoonPosition(ctx context.Context, t time.Time, obs Observer) (MoonPosition, error) {
	jd := julian.TimeToJD(t.UTC())
	λ, β, Δ := moonposition.Position(jd)
	Δψ, Δε := nutation.Nutation(jd)
	ε := nutation.MeanObliquity(jd) + Δε
	sε, cε := math.Sincos(ε.Rad())
	α, δ := coord.EclToEq(λ+Δψ, β, sε, cε)

	az, alt := p.horizontal(α, δ, jd, obs)

	// Geocentric to topocentric altitude via horizontal parallax; the
	// azimuth shift at lunar distance is below the tolerance bands.
	π := moonposition.Parallax(Δ)
	alt -= π.Deg() * math.Cos(alt*degToRad)
	alt += bennettRefraction(alt)

	// Elongation from the sun gives the phase angle convention used
	// throughout: 0 new, 180 full, waxing below 180.
	λsun := solar.ApparentLongitude(base.J2000Century(jd))
	phase := math.Mod((λ + Δψ - λsun).Deg(), 360)
	if phase < 0 {
		phase += 360
	}
	illum := (1 - math.Cos(phase*degToRad)) / 2

	if err := finite(az, alt, Δ, phase, illum); err != nil {
		return MoonPosition{}, err
	}
	return MoonPosition{
		AzimuthDeg:   az,
		AltitudeDeg:  alt,
		DistanceKm:   Δ,
		PhaseDeg:     phase,
		Illumination: illum,
	}, nil
}

// MoonTimes finds rise and set by scanning topocentric altitude sign
// changes over the day at ten-minute steps, then bisecting each bracket.
func (p *MeeusProvider) MoonTimes(ctx context.Context, date time.Time, obs Observer) (MoonTimes, error) {
	dayStart := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, date.Location())
	const step = 10 * time.Minute

	altAt := func(t time.Time) (float64, error) {
		pos, err := p.MoonPosition(ctx, t, obs)
		if err != nil {
			return 0, err
		}
		return pos.AltitudeDeg, nil
	}

	var mt MoonTimes
	prevT := dayStart
	prevAlt, err := altAt(prevT)
	if err != nil {
		return MoonTimes{}, err
	}
	anyUp := prevAlt > 0
	anyDown := prevAlt <= 0
	for t := dayStart.Add(step); !t.After(dayStart.Add(24 * time.Hour)); t = t.Add(step) {
		alt, err := altAt(t)
		if err != nil {
			return MoonTimes{}, err
		}
		anyUp = anyUp || alt > 0
		anyDown = anyDown || alt <= 0
		if prevAlt <= 0 && alt > 0 && mt.Rise.IsZero() {
			mt.Rise, err = p.bisectHorizon(ctx, prevT, t, obs, true)
			if err != nil {
				return MoonTimes{}, err
			}
		}
		if prevAlt > 0 && alt <= 0 && mt.Set.IsZero() {
			mt.Set, err = p.bisectHorizon(ctx, prevT, t, obs, false)
			if err != nil {
				return MoonTimes{}, err
			}
		}
		prevT, prevAlt = t, alt
	}
	mt.AlwaysUp = !anyDown
	mt.AlwaysDown = !anyUp
	return mt, nil
}

func (p *MeeusProvider) bisectHorizon(ctx context.Context, lo, hi time.Time, obs Observer, rising bool) (time.Time, error) {
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2)
		pos, err := p.MoonPosition(ctx, mid, obs)
		if err != nil {
			return time.Time{}, err
		}
		above := pos.AltitudeDeg > 0
		if above == rising {
			hi = mid
		} else {
			lo = mid
		}
	}
	return hi, nil
}

// horizontal converts apparent equatorial coordinates to degrees azimuth
// (from north) and altitude for the observer.
func (p *MeeusProvider) horizontal(α unit.RA, δ unit.Angle, jd float64, obs Observer) (azDeg, altDeg float64) {
	φ := unit.AngleFromDeg(obs.Latitude)
	ψ := unit.AngleFromDeg(-obs.Longitude) // Meeus longitudes are west-positive
	A, h := coord.EqToHz(α, δ, φ, ψ, sidereal.Apparent(jd))
	azDeg = math.Mod(A.Deg()+180, 360)
	if azDeg < 0 {
		azDeg += 360
	}
	return azDeg, h.Deg()
}

// bennettRefraction is the standard low-altitude refraction correction in
// degrees, added to the geometric altitude.
func bennettRefraction(altDeg float64) float64 {
	if altDeg > 90 || altDeg < -1 {
		return 0
	}
	h := altDeg
	if h < -0.5 {
		h = -0.5
	}
	arcmin := 1.02 / math.Tan((h+10.3/(h+5.11))*degToRad)
	return arcmin / 60
}

const degToRad = math.Pi / 180
