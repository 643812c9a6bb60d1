package storage

import (
	"time"

	"github.com/yuru-sha/fuji-calendar-sub001/astronomy"
	"github.com/yuru-sha/fuji-calendar-sub001/timeutil"
)

// Location is a photographic observation point. Rows are owned by the admin
// collaborator; the core reads them and maintains only the three derived
// geometry fields.
type Location struct {
	ID               int64     `db:"id" json:"id"`
	Name             string    `db:"name" json:"name"`
	Prefecture       string    `db:"prefecture" json:"prefecture"`
	Latitude         float64   `db:"latitude" json:"latitude"`
	Longitude        float64   `db:"longitude" json:"longitude"`
	ElevationM       float64   `db:"elevation_m" json:"elevation_m"`
	Description      string    `db:"description" json:"description,omitempty"`
	AccessInfo       string    `db:"access_info" json:"access_info,omitempty"`
	ParkingInfo      string    `db:"parking_info" json:"parking_info,omitempty"`
	FujiAzimuthDeg   float64   `db:"fuji_azimuth_deg" json:"fuji_azimuth_deg"`
	FujiElevationDeg float64   `db:"fuji_elevation_deg" json:"fuji_elevation_deg"`
	FujiDistanceM    float64   `db:"fuji_distance_m" json:"fuji_distance_m"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// Geometry returns the persisted derived geometry of the location.
func (l Location) Geometry() astronomy.FujiGeometry {
	return astronomy.FujiGeometry{
		AzimuthDeg:   l.FujiAzimuthDeg,
		ElevationDeg: l.FujiElevationDeg,
		DistanceM:    l.FujiDistanceM,
	}
}

// OrbitSample is one minute-granular snapshot of a body at the Fuji
// reference observer. Immutable once written; regeneration upserts on the
// (date, hour, minute, body) key.
type OrbitSample struct {
	SampleDate       time.Time          `db:"sample_date"`
	Hour             int                `db:"hour"`
	Minute           int                `db:"minute"`
	Body             string             `db:"body"`
	AzimuthDeg       float64            `db:"azimuth_deg"`
	AltitudeDeg      float64            `db:"altitude_deg"`
	Visible          bool               `db:"visible"`
	MoonPhaseDeg     *float64           `db:"moon_phase_deg"`
	MoonIllumination *float64           `db:"moon_illumination"`
	Season           timeutil.Season    `db:"season"`
	TimeOfDay        timeutil.TimeOfDay `db:"time_of_day"`
}

// Instant reconstructs the JST instant of the sample.
func (s OrbitSample) Instant() time.Time {
	d := s.SampleDate.In(timeutil.JST)
	return time.Date(d.Year(), d.Month(), d.Day(), s.Hour, s.Minute, 0, 0, timeutil.JST)
}

// AlignmentEvent is a matched Diamond/Pearl instant for one location.
// event_date is always the JST calendar day of EventTime.
type AlignmentEvent struct {
	ID               int64     `db:"id"`
	LocationID       int64     `db:"location_id"`
	EventDate        time.Time `db:"event_date"`
	EventTime        time.Time `db:"event_time"`
	EventKind        string    `db:"event_kind"`
	AzimuthDeg       float64   `db:"azimuth_deg"`
	AltitudeDeg      float64   `db:"altitude_deg"`
	QualityScore     float64   `db:"quality_score"`
	Accuracy         string    `db:"accuracy"`
	MoonPhaseDeg     *float64  `db:"moon_phase_deg"`
	MoonIllumination *float64  `db:"moon_illumination"`
	CalculationYear  int       `db:"calculation_year"`
	CreatedAt        time.Time `db:"created_at"`
}

// EventWithLocation joins an event with a snapshot of its location for the
// day/upcoming query surfaces.
type EventWithLocation struct {
	AlignmentEvent
	LocationName       string  `db:"location_name"`
	LocationPrefecture string  `db:"location_prefecture"`
	LocationLatitude   float64 `db:"location_latitude"`
	LocationLongitude  float64 `db:"location_longitude"`
}

// Job states.
const (
	JobStateWaiting   = "waiting"
	JobStateActive    = "active"
	JobStateCompleted = "completed"
	JobStateFailed    = "failed"
	JobStateCancelled = "cancelled"
)

// Job kinds.
const (
	JobKindOrbitYear    = "orbit_year"
	JobKindLocationYear = "location_year"
	JobKindMonthly      = "monthly"
	JobKindDaily        = "daily"
	JobKindRecalcAll    = "recalc_all"
	JobKindHistorical   = "historical"
)

// Job priorities, in dequeue order.
const (
	PriorityCritical = "critical"
	PriorityHigh     = "high"
	PriorityNormal   = "normal"
	PriorityLow      = "low"
)

// Job is one unit of queued work. Parameters are a shallow snapshot; a job
// never pins the Location row it references.
type Job struct {
	ID           string     `db:"id"`
	Kind         string     `db:"kind"`
	LocationID   *int64     `db:"location_id"`
	Year         int        `db:"year"`
	Month        *int       `db:"month"`
	Priority     string     `db:"priority"`
	State        string     `db:"state"`
	Attempts     int        `db:"attempts"`
	MaxAttempts  int        `db:"max_attempts"`
	FailedReason *string    `db:"failed_reason"`
	Progress     int        `db:"progress"`
	EnqueuedAt   time.Time  `db:"enqueued_at"`
	StartedAt    *time.Time `db:"started_at"`
	HeartbeatAt  *time.Time `db:"heartbeat_at"`
	FinishedAt   *time.Time `db:"finished_at"`
}

// BackgroundJob is a periodic trigger the scheduler evaluates once per
// minute. Schedules are standard cron expressions evaluated in JST.
type BackgroundJob struct {
	ID       string     `db:"id"`
	Name     string     `db:"name"`
	Schedule string     `db:"schedule"`
	Enabled  bool       `db:"enabled"`
	LastRun  *time.Time `db:"last_run"`
}
