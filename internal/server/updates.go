package server

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/unklstewy/livetraffic/internal/enrich"
	"github.com/unklstewy/livetraffic/internal/traffic"
	"github.com/unklstewy/livetraffic/pkg/fsd"
	"github.com/unklstewy/livetraffic/pkg/tracking"
)

// update brings the client up to date with the hub's latest snapshot:
// positions for aircraft that moved, plans that are new, deletes for
// aircraft that left, and reports for requested weather stations.
func (s *Session) update(now time.Time) error {
	snap, _, ok := s.srv.hub.Latest()
	if !ok {
		return s.flush()
	}

	seen := make(map[string]bool, len(snap.Aircraft))
	for _, r := range snap.Aircraft {
		seen[r.Key] = true
		s.updateAircraft(r, now)
	}
	for key, t := range s.delivered {
		if !seen[key] {
			s.queue(fsd.DeletePilot{Callsign: t.name})
			delete(s.delivered, key)
		}
	}

	for station, sent := range s.stations {
		if m, ok := snap.Metars[station]; ok && m.Raw != sent {
			s.queue(s.metar(m.Raw))
			s.stations[station] = m.Raw
		}
	}
	return s.flush()
}

func (s *Session) updateAircraft(r traffic.Record, now time.Time) {
	name := r.Name()
	t := s.delivered[r.Key]
	if t != nil && t.name != name {
		// Callsign learned or changed; the client knows the target by name
		s.queue(fsd.DeletePilot{Callsign: t.name})
		t = nil
	}
	if t == nil {
		t = &tracked{name: name}
		s.delivered[r.Key] = t
	}

	fix := r.Fix()
	pos, extrapolated := fix.Position, false
	alt := fix.AltitudeFt
	if s.srv.opts.Interpolate {
		// The picture is shown Delay behind real time, and so is the target
		var p tracking.PredictedPosition
		if p, extrapolated = tracking.Extrapolate(fix, now.Add(-s.srv.opts.Delay), s.srv.opts.InterpolateMaxAge); extrapolated {
			pos, alt = p.Position, p.AltitudeFt
		}
	}
	moved := r.PositionTime().After(t.sentFix)
	if t.sentAt.IsZero() || moved || extrapolated || now.Sub(t.sentAt) >= positionRefresh {
		s.queue(fsd.Position{
			Mode:        "N",
			Callsign:    name,
			Squawk:      r.Transponder(),
			Rating:      1,
			Latitude:    pos.Latitude,
			Longitude:   pos.Longitude,
			Altitude:    int(math.Round(alt)),
			GroundSpeed: int(math.Round(r.GroundSpeed.Value)),
			Heading:     r.Heading.Value,
		})
		t.sentFix = r.PositionTime()
		t.sentAt = now
	}

	if r.FlightPlan == nil {
		origin, destination := r.Origin.Value, r.Destination.Value
		if !t.skeleton || origin != t.origin || destination != t.destination {
			s.queue(s.skeletonPlan(r))
			t.skeleton = true
			t.origin, t.destination = origin, destination
		}
		return
	}
	if r.FlightPlan != t.plan {
		s.queue(s.flightPlan(r))
		if code := r.Transponder(); code != "0000" {
			s.queue(fsd.BeaconCode{From: s.srv.opts.Callsign, To: s.callsign, Callsign: name, Code: code})
		}
		t.plan = r.FlightPlan
	}
}

// handle answers a client request.
func (s *Session) handle(msg fsd.Message) error {
	switch m := msg.(type) {
	case fsd.MetarRequest:
		if wx, ok := s.srv.weather.Get(m.Station); ok {
			s.stations[m.Station] = wx.Raw
			return s.send(s.metar(wx.Raw))
		}
		// Answered by update once the report arrives
		s.stations[m.Station] = ""
		s.srv.weather.Watch(m.Station)
		s.lg.Debug("Watching new weather station", "station", m.Station)

	case fsd.FlightPlanQuery:
		r, ok := s.find(m.Target)
		if !ok {
			s.lg.Debug("Flight plan query for unknown aircraft", "target", m.Target)
			return nil
		}
		if r.FlightPlan != nil {
			return s.send(s.flightPlan(r))
		}
		return s.send(s.skeletonPlan(r))

	case fsd.ATCQuery:
		return s.send(fsd.ATCValidation{From: s.srv.opts.Callsign, To: s.callsign, Valid: true, Target: m.Target})

	case fsd.PlaneInfoRequest:
		r, ok := s.find(m.To)
		if !ok {
			return nil
		}
		return s.send(fsd.PlaneInfo{From: r.Name(), To: s.callsign, Equipment: r.Type.Value, Airline: airline(r.Name())})

	default:
		s.lg.Debug("Ignoring message", "type", fmt.Sprintf("%T", m))
	}
	return nil
}

// find looks up an aircraft in the picture this client is seeing.
func (s *Session) find(callsign string) (traffic.Record, bool) {
	snap, _, ok := s.srv.hub.Latest()
	if !ok {
		return traffic.Record{}, false
	}
	return snap.FindCallsign(strings.ToUpper(strings.TrimSpace(callsign)))
}

func (s *Session) metar(raw string) fsd.Metar {
	return fsd.Metar{From: s.srv.opts.Callsign, To: s.callsign, Text: raw}
}

// skeletonPlan is sent until a filed plan is known: the route hints from
// the position feeds, with airline flights assumed IFR.
func (s *Session) skeletonPlan(r traffic.Record) fsd.FlightPlan {
	rules := "V"
	if enrich.AirlineCallsign(r.Name()) {
		rules = "I"
	}
	return fsd.FlightPlan{
		Callsign:    r.Name(),
		Rules:       rules,
		Equipment:   r.Type.Value,
		Origin:      r.Origin.Value,
		Destination: r.Destination.Value,
		Remarks:     Remarks(r),
	}
}

func (s *Session) flightPlan(r traffic.Record) fsd.FlightPlan {
	p := r.FlightPlan
	equipment := p.AircraftType
	if equipment == "" {
		equipment = r.Type.Value
	}
	return fsd.FlightPlan{
		Callsign:    r.Name(),
		Rules:       p.Rules,
		Equipment:   equipment,
		Speed:       p.CruiseSpeed,
		Origin:      p.Origin,
		Altitude:    p.CruiseAltitude,
		Destination: p.Destination,
		Remarks:     Remarks(r),
		Route:       p.Route,
	}
}

// Remarks is the flight plan remarks text for an aircraft: its hex
// address, then the schedule and gates of its filed plan when known.
func Remarks(r traffic.Record) string {
	hex := r.Hex
	if hex == "" {
		hex = r.Key
	}
	parts := []string{"Hex " + hex}
	if p := r.FlightPlan; p != nil {
		if !p.Departure.IsZero() {
			parts = append(parts, "STD "+p.Departure.UTC().Format("1504Z"))
		}
		if !p.Arrival.IsZero() {
			parts = append(parts, "STA "+p.Arrival.UTC().Format("1504Z"))
		}
		if p.DepartureGate != "" {
			parts = append(parts, "Departure Gate "+p.DepartureGate)
		}
		if p.ArrivalGate != "" {
			parts = append(parts, "Arrival Gate "+p.ArrivalGate)
		}
	}
	return "/v/ " + strings.Join(parts, ", ")
}

// airline is the operator designator of an airline callsign.
func airline(callsign string) string {
	if enrich.AirlineCallsign(callsign) {
		return callsign[:3]
	}
	return ""
}
