package status

import (
	"math"
	"time"

	"github.com/unklstewy/livetraffic/internal/traffic"
	"github.com/unklstewy/livetraffic/pkg/coordinates"
)

// Frame is the JSON form of a delivered snapshot.
type Frame struct {
	Seq         uint64     `json:"seq"`
	LogicalTime time.Time  `json:"logicalTime,omitzero"`
	Aircraft    []Aircraft `json:"aircraft"`
	Count       int        `json:"count"`
}

// Aircraft is the JSON form of one record as clients see it.
type Aircraft struct {
	Key          string  `json:"key"`
	Hex          string  `json:"hex,omitempty"`
	Callsign     string  `json:"callsign"`
	Latitude     float64 `json:"lat"`
	Longitude    float64 `json:"lon"`
	Altitude     float64 `json:"altitude"`
	GroundSpeed  float64 `json:"speed"`
	Heading      float64 `json:"heading"`
	VerticalRate float64 `json:"verticalRate"`
	OnGround     bool    `json:"onGround"`
	Squawk       string  `json:"squawk"`
	Type         string  `json:"type,omitempty"`
	Registration string  `json:"registration,omitempty"`
	Origin       string  `json:"origin,omitempty"`
	Destination  string  `json:"destination,omitempty"`

	// Feed that supplied the current position
	PositionSource string `json:"positionSource,omitempty"`

	Distance float64 `json:"distance"` // nm from the reference point
	Bearing  float64 `json:"bearing"`  // degrees true from the reference point

	FlightPlan *FlightPlan `json:"flightPlan,omitempty"`

	FirstSeen time.Time `json:"firstSeen"`
	LastSeen  time.Time `json:"lastSeen"`
}

type FlightPlan struct {
	Rules          string    `json:"rules"`
	AircraftType   string    `json:"aircraftType,omitempty"`
	CruiseSpeed    int       `json:"cruiseSpeed,omitempty"`
	CruiseAltitude int       `json:"cruiseAltitude,omitempty"`
	Origin         string    `json:"origin"`
	Destination    string    `json:"destination"`
	Route          string    `json:"route,omitempty"`
	Departure      time.Time `json:"departure,omitzero"`
	Arrival        time.Time `json:"arrival,omitzero"`
	DepartureGate  string    `json:"departureGate,omitempty"`
	ArrivalGate    string    `json:"arrivalGate,omitempty"`
	Source         string    `json:"source,omitempty"`
}

func (s *Server) frame(snap traffic.Snapshot) Frame {
	f := Frame{
		Seq:         snap.Seq,
		LogicalTime: snap.LogicalTime,
		Aircraft:    make([]Aircraft, 0, len(snap.Aircraft)),
		Count:       len(snap.Aircraft),
	}
	for _, r := range snap.Aircraft {
		f.Aircraft = append(f.Aircraft, s.aircraft(r))
	}
	return f
}

func (s *Server) aircraft(r traffic.Record) Aircraft {
	a := Aircraft{
		Key:            r.Key,
		Hex:            r.Hex,
		Callsign:       r.Name(),
		Latitude:       r.Position.Value.Latitude,
		Longitude:      r.Position.Value.Longitude,
		Altitude:       r.Altitude.Value,
		GroundSpeed:    r.GroundSpeed.Value,
		Heading:        r.Heading.Value,
		VerticalRate:   r.VerticalRate.Value,
		OnGround:       !r.Airborne(),
		Squawk:         r.Transponder(),
		Type:           r.Type.Value,
		Registration:   r.Registration.Value,
		Origin:         r.Origin.Value,
		Destination:    r.Destination.Value,
		PositionSource: r.Position.Source,
		FirstSeen:      r.FirstSeen,
		LastSeen:       r.LastSeen,
	}
	if r.Position.Set {
		a.Distance = round1(coordinates.DistanceNauticalMiles(s.opts.Center, r.Position.Value))
		a.Bearing = round1(coordinates.Bearing(s.opts.Center, r.Position.Value))
	}
	if p := r.FlightPlan; p != nil {
		a.FlightPlan = &FlightPlan{
			Rules:          p.Rules,
			AircraftType:   p.AircraftType,
			CruiseSpeed:    p.CruiseSpeed,
			CruiseAltitude: p.CruiseAltitude,
			Origin:         p.Origin,
			Destination:    p.Destination,
			Route:          p.Route,
			Departure:      p.Departure,
			Arrival:        p.Arrival,
			DepartureGate:  p.DepartureGate,
			ArrivalGate:    p.ArrivalGate,
			Source:         p.Source,
		}
	}
	return a
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
