package traffic

import (
	"github.com/unklstewy/livetraffic/pkg/coordinates"
)

// Criteria selects the aircraft shown to clients.
type Criteria struct {
	Center    coordinates.Geographic
	RadiusNM  float64
	FloorFt   float64
	CeilingFt float64
}

// Contains reports whether a record lies within the radius and the
// inclusive altitude band. Records without a position or altitude are
// never contained.
func (c Criteria) Contains(r Record) bool {
	pos, ok := r.Position.Get()
	if !ok {
		return false
	}
	alt, ok := r.Altitude.Get()
	if !ok {
		return false
	}
	if alt < c.FloorFt || alt > c.CeilingFt {
		return false
	}
	return coordinates.DistanceNauticalMiles(c.Center, pos) <= c.RadiusNM
}

// InRange reports whether a record is within the radius, regardless of
// altitude.
func (c Criteria) InRange(r Record) bool {
	pos, ok := r.Position.Get()
	return ok && coordinates.DistanceNauticalMiles(c.Center, pos) <= c.RadiusNM
}

// Filter returns a copy of s holding only the aircraft c contains. The
// input snapshot is not modified, and filtering a filtered snapshot with
// the same criteria returns it unchanged.
func Filter(s Snapshot, c Criteria) Snapshot {
	out := s
	out.Aircraft = make([]Record, 0, len(s.Aircraft))
	for _, r := range s.Aircraft {
		if c.Contains(r) {
			out.Aircraft = append(out.Aircraft, r)
		}
	}
	return out
}
