package coordinates

import (
	"math"
	"testing"
)

func TestDistanceNauticalMiles(t *testing.T) {
	t.Run("Same point is zero", func(t *testing.T) {
		p := Geographic{Latitude: 42.36, Longitude: -71.0}
		if d := DistanceNauticalMiles(p, p); d != 0 {
			t.Errorf("Expected 0, got %f", d)
		}
	})

	t.Run("One degree of latitude is about 60 nm", func(t *testing.T) {
		d := DistanceNauticalMiles(
			Geographic{Latitude: 42.0, Longitude: -71.0},
			Geographic{Latitude: 43.0, Longitude: -71.0},
		)
		if math.Abs(d-60.0) > 0.1 {
			t.Errorf("Expected ~60 nm, got %f", d)
		}
	})

	t.Run("Boston area scenario", func(t *testing.T) {
		d := DistanceNauticalMiles(
			Geographic{Latitude: 42.36, Longitude: -71.00},
			Geographic{Latitude: 42.30, Longitude: -71.00},
		)
		if math.Abs(d-3.6) > 0.05 {
			t.Errorf("Expected ~3.6 nm, got %f", d)
		}
	})
}

func TestBearing(t *testing.T) {
	origin := Geographic{Latitude: 0, Longitude: 0}
	tests := []struct {
		name string
		to   Geographic
		want float64
	}{
		{"North", Geographic{Latitude: 1, Longitude: 0}, 0},
		{"East", Geographic{Latitude: 0, Longitude: 1}, 90},
		{"South", Geographic{Latitude: -1, Longitude: 0}, 180},
		{"West", Geographic{Latitude: 0, Longitude: -1}, 270},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Bearing(origin, tt.to); math.Abs(got-tt.want) > 0.01 {
				t.Errorf("Bearing = %f, want %f", got, tt.want)
			}
		})
	}
}

func TestDestination(t *testing.T) {
	start := Geographic{Latitude: 42.36, Longitude: -71.0}

	for _, brg := range []float64{0, 45, 135, 270} {
		dest := Destination(start, brg, 25)
		if d := DistanceNauticalMiles(start, dest); math.Abs(d-25) > 0.01 {
			t.Errorf("bearing %.0f: travelled %f nm, want 25", brg, d)
		}
		if b := Bearing(start, dest); math.Abs(b-brg) > 0.1 {
			t.Errorf("bearing %.0f: got initial bearing %f", brg, b)
		}
	}

	t.Run("Crossing the antimeridian wraps longitude", func(t *testing.T) {
		dest := Destination(Geographic{Latitude: 0, Longitude: 179.9}, 90, 30)
		if dest.Longitude > -179 || dest.Longitude < -180 {
			t.Errorf("Expected wrapped longitude, got %f", dest.Longitude)
		}
	})
}

func TestBoundingBox(t *testing.T) {
	center := Geographic{Latitude: 42.36, Longitude: -71.0}
	b := BoundingBox(center, 30)

	if math.Abs(b.North-42.86) > 1e-9 || math.Abs(b.South-41.86) > 1e-9 {
		t.Errorf("Unexpected latitude bounds %+v", b)
	}
	if !(b.West < -71.0 && b.East > -71.0) {
		t.Errorf("Longitude bounds should straddle center: %+v", b)
	}

	// Every point on the circle must be inside the box.
	for brg := 0.0; brg < 360; brg += 15 {
		p := Destination(center, brg, 30)
		if p.Latitude > b.North+1e-6 || p.Latitude < b.South-1e-6 ||
			p.Longitude < b.West-1e-6 || p.Longitude > b.East+1e-6 {
			t.Errorf("point %+v at bearing %.0f outside %+v", p, brg, b)
		}
	}

	t.Run("Polar circle spans all longitudes", func(t *testing.T) {
		b := BoundingBox(Geographic{Latitude: 89.9, Longitude: 10}, 30)
		if b.West != -180 || b.East != 180 || b.North != 90 {
			t.Errorf("Expected global longitude span, got %+v", b)
		}
	})
}

func TestNormalizeHeading(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{0, 0}, {360, 0}, {-90, 270}, {725, 5},
	}
	for _, tt := range tests {
		if got := NormalizeHeading(tt.in); got != tt.want {
			t.Errorf("NormalizeHeading(%f) = %f, want %f", tt.in, got, tt.want)
		}
	}
}
