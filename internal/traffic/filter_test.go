package traffic

import (
	"reflect"
	"testing"
	"time"

	"github.com/unklstewy/livetraffic/pkg/coordinates"
)

var boston = Criteria{
	Center:    coordinates.Geographic{Latitude: 42.36, Longitude: -71.00},
	RadiusNM:  30,
	FloorFt:   0,
	CeilingFt: 10000,
}

func TestFilter(t *testing.T) {
	t.Run("Aircraft inside the area is shown", func(t *testing.T) {
		table, _, _ := newTestTable(0)
		table.Apply(Delta{Source: "A", Time: epoch, Callsign: "ABC123", Position: pos(42.30, -71.00), Altitude: f(5000)})

		out := Filter(table.Snapshot(), boston)
		if len(out.Aircraft) != 1 || out.Aircraft[0].Name() != "ABC123" {
			t.Errorf("Expected ABC123 in filtered output, got %+v", out.Aircraft)
		}
	})

	t.Run("Aircraft above the ceiling is excluded", func(t *testing.T) {
		table, _, _ := newTestTable(0)
		table.Apply(Delta{Source: "A", Time: epoch, Callsign: "ABC123", Position: pos(42.30, -71.00), Altitude: f(15000)})

		if out := Filter(table.Snapshot(), boston); len(out.Aircraft) != 0 {
			t.Errorf("Expected nothing, got %+v", out.Aircraft)
		}
	})

	t.Run("Band is inclusive", func(t *testing.T) {
		table, _, _ := newTestTable(0)
		table.Apply(Delta{Source: "A", Time: epoch, Hex: "A00001", Position: pos(42.30, -71.00), Altitude: f(10000)})
		table.Apply(Delta{Source: "A", Time: epoch, Hex: "A00002", Position: pos(42.30, -71.00), Altitude: f(0)})

		if out := Filter(table.Snapshot(), boston); len(out.Aircraft) != 2 {
			t.Errorf("Expected both band edges included, got %d", len(out.Aircraft))
		}
	})

	t.Run("Unknown position or altitude is excluded", func(t *testing.T) {
		table, _, _ := newTestTable(0)
		table.Apply(Delta{Source: "A", Time: epoch, Hex: "A00001", Altitude: f(3000)})
		table.Apply(Delta{Source: "A", Time: epoch, Hex: "A00002", Position: pos(42.30, -71.00)})

		if out := Filter(table.Snapshot(), boston); len(out.Aircraft) != 0 {
			t.Errorf("Expected nothing, got %+v", out.Aircraft)
		}
	})

	t.Run("Outside radius", func(t *testing.T) {
		table, _, _ := newTestTable(0)
		// About 36 nm north
		table.Apply(Delta{Source: "A", Time: epoch, Hex: "A00001", Position: pos(42.96, -71.00), Altitude: f(3000)})

		snap := table.Snapshot()
		if out := Filter(snap, boston); len(out.Aircraft) != 0 {
			t.Errorf("Expected nothing, got %+v", out.Aircraft)
		}
		if !boston.InRange(Record{Position: Field[coordinates.Geographic]{Value: coordinates.Geographic{Latitude: 42.5, Longitude: -71}, Set: true}}) {
			t.Error("Expected 8 nm to be in range")
		}
	})

	t.Run("Idempotent and non-mutating", func(t *testing.T) {
		table, _, _ := newTestTable(0)
		for i, alt := range []float64{1000, 5000, 12000, 9000} {
			table.Apply(Delta{Source: "A", Time: epoch.Add(time.Duration(i) * time.Second),
				Hex: string(rune('A'+i)) + "00000", Position: pos(42.2+float64(i)*0.1, -71.0), Altitude: f(alt)})
		}
		table.Apply(Delta{Source: "A", Time: epoch, Hex: "F00000", Position: pos(40, -74), Altitude: f(3000)})

		snap := table.Snapshot()
		once := Filter(snap, boston)
		twice := Filter(once, boston)
		if !reflect.DeepEqual(once, twice) {
			t.Error("Filtering twice changed the result")
		}
		if len(once.Aircraft) != 3 {
			t.Errorf("Expected 3 aircraft, got %d", len(once.Aircraft))
		}
		if len(snap.Aircraft) != 5 {
			t.Error("Filter modified its input")
		}
		if once.Seq != snap.Seq || !once.LogicalTime.Equal(snap.LogicalTime) {
			t.Error("Filter should keep snapshot identity")
		}
	})
}
