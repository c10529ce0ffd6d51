package enrich

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/unklstewy/livetraffic/internal/traffic"
	"github.com/unklstewy/livetraffic/pkg/coordinates"
	"github.com/unklstewy/livetraffic/pkg/flightaware"
)

var area = traffic.Criteria{
	Center:    coordinates.Geographic{Latitude: 42.36, Longitude: -71.0},
	RadiusNM:  30,
	CeilingFt: 99999,
}

func record(key, callsign string, lat float64) traffic.Record {
	return traffic.Record{
		Key:      key,
		Callsign: traffic.Field[string]{Value: callsign, Set: callsign != ""},
		Position: traffic.Field[coordinates.Geographic]{
			Value: coordinates.Geographic{Latitude: lat, Longitude: -71.0}, Set: true},
	}
}

type fakeSource struct {
	mu    sync.Mutex
	calls []string
	plan  *flightaware.FlightPlan
	err   error
}

func (f *fakeSource) GetFlightPlanByCallsign(ctx context.Context, callsign string) (*flightaware.FlightPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, callsign)
	return f.plan, f.err
}

func (f *fakeSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func TestAirlineCallsign(t *testing.T) {
	for cs, want := range map[string]bool{
		"UAL123": true,
		"BAW12K": true,
		"DAL1":   true,
		"N123AB": false,
		"UA123":  false,
		"UALX12": false,
		"ual123": false,
		"":       false,
	} {
		if got := AirlineCallsign(cs); got != want {
			t.Errorf("AirlineCallsign(%q) = %v, want %v", cs, got, want)
		}
	}
}

func TestEligible(t *testing.T) {
	e := New(&fakeSource{}, Options{Enabled: true, Cooldown: time.Hour, Range: area})

	if !e.Eligible(record("A1", "UAL123", 42.3)) {
		t.Error("Expected airline flight in range to be eligible")
	}
	if e.Eligible(record("A1", "N123AB", 42.3)) {
		t.Error("General aviation callsign should not be looked up")
	}
	if e.Eligible(record("A1", "UAL123", 45.0)) {
		t.Error("Aircraft out of range should not be looked up")
	}
	if e.Eligible(record("A1", "", 42.3)) {
		t.Error("Aircraft without callsign should not be looked up")
	}
	withPlan := record("A1", "UAL123", 42.3)
	withPlan.FlightPlan = &traffic.FlightPlan{}
	if e.Eligible(withPlan) {
		t.Error("Aircraft with a plan should not be looked up")
	}
}

// With enrichment disabled no lookup is ever issued.
func TestDisabledNeverLooksUp(t *testing.T) {
	src := &fakeSource{plan: &flightaware.FlightPlan{Ident: "UAL123"}}
	e := New(src, Options{Enabled: false, Range: area})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- e.Run(ctx, func(traffic.Event) bool { return true }) }()

	snap := traffic.Snapshot{Aircraft: []traffic.Record{
		record("A1", "UAL123", 42.3),
		record("A2", "DAL42", 42.3),
		record("A3", "BAW12K", 42.3),
	}}
	for i := 0; i < 5; i++ {
		if n := e.Consider(snap); n != 0 {
			t.Errorf("Expected nothing queued, got %d", n)
		}
		if e.Eligible(snap.Aircraft[0]) {
			t.Error("Nothing is eligible while disabled")
		}
	}
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if src.Calls() != 0 {
		t.Errorf("Expected no lookups, got %d", src.Calls())
	}
}

func TestLookup(t *testing.T) {
	out := time.Date(2024, 5, 1, 14, 0, 0, 0, time.UTC)
	in := time.Date(2024, 5, 1, 16, 55, 0, 0, time.UTC)
	src := &fakeSource{plan: &flightaware.FlightPlan{
		Ident:           "DAL42",
		Origin:          flightaware.Airport{Code: "KBOS"},
		Destination:     flightaware.Airport{Code: "KATL"},
		Route:           "SSOXS5 SSOXS",
		FiledAltitude:   350,
		FiledAirspeed:   452,
		AircraftType:    "B739",
		ScheduledOut:    &out,
		ScheduledIn:     &in,
		GateOrigin:      "A12",
		GateDestination: "T5",
	}}
	e := New(src, Options{Enabled: true, Cooldown: time.Hour, Range: area})

	events := make(chan traffic.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx, func(ev traffic.Event) bool { events <- ev; return true })

	snap := traffic.Snapshot{Aircraft: []traffic.Record{record("A1", "DAL42", 42.3)}}
	if n := e.Consider(snap); n != 1 {
		t.Fatalf("Expected one lookup queued, got %d", n)
	}

	var ev traffic.Event
	select {
	case ev = <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for plan")
	}
	if ev.Plan == nil || ev.Plan.Key != "A1" || ev.Plan.Callsign != "DAL42" {
		t.Fatalf("Unexpected event %+v", ev)
	}
	p := ev.Plan.Plan
	if p.Rules != "I" || p.CruiseAltitude != 35000 || p.CruiseSpeed != 452 || p.Origin != "KBOS" ||
		p.Destination != "KATL" || p.AircraftType != "B739" || !p.Departure.Equal(out) || p.ArrivalGate != "T5" {
		t.Errorf("Unexpected plan %+v", p)
	}

	// In cooldown now
	if n := e.Consider(snap); n != 0 {
		t.Errorf("Expected cooldown to block a second lookup, got %d", n)
	}
	if st := e.Stats(); st.Queued != 1 || st.Found != 1 {
		t.Errorf("Unexpected stats %+v", st)
	}
}

func TestFailureNotRetriedDuringCooldown(t *testing.T) {
	src := &fakeSource{err: errors.New("timeout")}
	e := New(src, Options{Enabled: true, Cooldown: time.Hour, Range: area})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx, func(traffic.Event) bool {
		t.Error("Unexpected event")
		return true
	})

	snap := traffic.Snapshot{Aircraft: []traffic.Record{record("A1", "UAL9", 42.3)}}
	e.Consider(snap)
	deadline := time.Now().Add(2 * time.Second)
	for e.Stats().Failed == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if e.Stats().Failed != 1 {
		t.Fatalf("Expected one failure, got %+v", e.Stats())
	}
	if n := e.Consider(snap); n != 0 {
		t.Errorf("Failed lookup retried during cooldown")
	}
}

func TestRateLimit(t *testing.T) {
	e := New(&fakeSource{}, Options{Enabled: true, Cooldown: time.Hour, RequestsPerHour: 1, Range: area})
	snap := traffic.Snapshot{Aircraft: []traffic.Record{
		record("A1", "UAL1", 42.3),
		record("A2", "UAL2", 42.3),
	}}
	if n := e.Consider(snap); n != 1 {
		t.Errorf("Expected only one lookup within the rate, got %d", n)
	}
	if e.Stats().Throttled != 1 {
		t.Errorf("Expected one throttled, got %d", e.Stats().Throttled)
	}
	// The throttled aircraft was not put into cooldown
	if !e.Eligible(snap.Aircraft[1]) {
		t.Error("Throttled aircraft should stay eligible")
	}
}
