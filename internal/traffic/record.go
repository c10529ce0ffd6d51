// Package traffic holds the fused traffic picture: aircraft records merged
// from several position feeds, point-in-time snapshots of them, and the
// spatial/altitude filter applied to snapshots.
package traffic

import (
	"time"

	"github.com/unklstewy/livetraffic/internal/squawk"
	"github.com/unklstewy/livetraffic/pkg/coordinates"
	"github.com/unklstewy/livetraffic/pkg/tracking"
)

// Field is one independently updated attribute of a Record together with
// its provenance. The zero Field is unset.
type Field[T comparable] struct {
	Value T

	// Source is the name of the feed that supplied Value
	Source string

	// Priority of Source at the time of the write
	Priority int

	// Time is the source timestamp of the report, not the receipt time
	Time time.Time

	Set bool
}

// Get returns the value and whether the field was ever supplied.
func (f Field[T]) Get() (T, bool) {
	return f.Value, f.Set
}

// update applies a report to the field. It reports whether the report
// was taken and whether that changed the field; repeating the stored
// report exactly is taken without a change.
//
// Later source timestamps win. Two reports from different sources whose
// timestamps lie within tie of each other are treated as simultaneous and
// the higher priority source wins; at equal priority the later (or equal)
// timestamp still wins.
func (f *Field[T]) update(v T, source string, priority int, ts time.Time, tie time.Duration) (taken, changed bool) {
	if !f.Set {
		*f = Field[T]{Value: v, Source: source, Priority: priority, Time: ts, Set: true}
		return true, true
	}

	diff := ts.Sub(f.Time)
	if source != f.Source && priority != f.Priority && diff.Abs() <= tie {
		if priority < f.Priority {
			return false, false
		}
	} else if diff < 0 {
		return false, false
	}

	next := Field[T]{Value: v, Source: source, Priority: priority, Time: ts, Set: true}
	changed = next != *f
	*f = next
	return true, changed
}

// Record is one tracked aircraft.
type Record struct {
	// Key is the identity key: the upper-case ICAO24 hex address when
	// known at creation, otherwise the callsign. It never changes.
	Key string

	// Hex is the ICAO24 address; it may be learned after creation when a
	// callsign-keyed record is matched by a report carrying both.
	Hex string

	Callsign     Field[string]
	Position     Field[coordinates.Geographic]
	Altitude     Field[float64] // feet
	GroundSpeed  Field[float64] // knots
	Heading      Field[float64] // degrees true
	VerticalRate Field[float64] // feet per minute
	OnGround     Field[bool]
	Squawk       Field[string] // as reported by the transponder
	Type         Field[string] // ICAO type designator
	Registration Field[string]

	// Route hints from position feeds, ICAO airport codes
	Origin      Field[string]
	Destination Field[string]

	// FlightPlan is attached only by the enricher. Plans are immutable;
	// they are replaced, never edited.
	FlightPlan *FlightPlan

	// AssignedSquawk is the code allocated by the squawk manager, empty
	// when the pool was exhausted.
	AssignedSquawk string

	FirstSeen time.Time
	LastSeen  time.Time
}

// Name is how the aircraft is shown to clients: its callsign, or the
// identity key until a callsign is known.
func (r Record) Name() string {
	if cs, ok := r.Callsign.Get(); ok && cs != "" {
		return cs
	}
	return r.Key
}

// Transponder is the code displayed for the aircraft.
func (r Record) Transponder() string {
	return squawk.Display(r.Squawk.Value, r.AssignedSquawk)
}

// Airborne reports whether the aircraft is known to be off the ground.
func (r Record) Airborne() bool {
	onGround, ok := r.OnGround.Get()
	return !ok || !onGround
}

// PositionTime is the source timestamp of the newest kinematic field.
func (r Record) PositionTime() time.Time {
	t := r.Position.Time
	for _, ft := range []time.Time{r.Altitude.Time, r.GroundSpeed.Time, r.Heading.Time} {
		if ft.After(t) {
			t = ft
		}
	}
	return t
}

// Fix is the record's kinematic state for dead reckoning.
func (r Record) Fix() tracking.Fix {
	return tracking.Fix{
		Position:     r.Position.Value,
		AltitudeFt:   r.Altitude.Value,
		GroundSpeed:  r.GroundSpeed.Value,
		Track:        r.Heading.Value,
		VerticalRate: r.VerticalRate.Value,
		OnGround:     !r.Airborne(),
		Time:         r.Position.Time,
	}
}

// FlightPlan is a filed flight plan as attached to a record.
type FlightPlan struct {
	Callsign       string
	Rules          string // "I" or "V"
	AircraftType   string
	CruiseSpeed    int
	CruiseAltitude int // feet
	Origin         string
	Destination    string
	Route          string

	// Scheduled gate times, zero when unknown
	Departure time.Time
	Arrival   time.Time

	DepartureGate string
	ArrivalGate   string

	Source  string
	Fetched time.Time
}

// Metar is the latest weather report for one station.
type Metar struct {
	Station  string
	Raw      string
	Observed time.Time
	Fetched  time.Time
}

// Delta is one feed's report about one aircraft. Nil pointers and empty
// strings mean "not supplied" and never clear stored values.
type Delta struct {
	Source   string
	Priority int

	// Time is the provider's timestamp for the report
	Time time.Time

	Hex      string
	Callsign string

	Position     *coordinates.Geographic
	Altitude     *float64
	GroundSpeed  *float64
	Heading      *float64
	VerticalRate *float64
	OnGround     *bool

	Squawk       string
	Type         string
	Registration string
	Origin       string
	Destination  string
}

// PlanResult carries a completed flight-plan lookup back to the table.
type PlanResult struct {
	Key      string
	Callsign string
	Plan     *FlightPlan
}

// Event is what feeds put on the ingestion channel. Exactly one of the
// payload fields is set.
type Event struct {
	Source string

	Deltas []Delta
	Plan   *PlanResult
	Metars []Metar
}

// Snapshot is an immutable copy of every live record plus the current
// METAR set. Nothing may modify a snapshot once it has been handed out.
type Snapshot struct {
	// Seq increases by one for every snapshot the table produces
	Seq uint64

	// LogicalTime is the newest source timestamp applied to the table
	// when the snapshot was taken
	LogicalTime time.Time

	// Taken is the wall clock time of the snapshot
	Taken time.Time

	// Aircraft sorted by Key
	Aircraft []Record

	// Metars by station
	Metars map[string]Metar
}

// Find returns the record with the given key.
func (s Snapshot) Find(key string) (Record, bool) {
	lo, hi := 0, len(s.Aircraft)
	for lo < hi {
		mid := (lo + hi) / 2
		switch k := s.Aircraft[mid].Key; {
		case k == key:
			return s.Aircraft[mid], true
		case k < key:
			lo = mid + 1
		default:
			hi = mid
		}
	}
	return Record{}, false
}

// FindCallsign returns the record shown under the given name.
func (s Snapshot) FindCallsign(callsign string) (Record, bool) {
	for _, r := range s.Aircraft {
		if r.Name() == callsign {
			return r, true
		}
	}
	return Record{}, false
}
