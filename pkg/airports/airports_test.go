package airports

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleCSV = `"id","ident","type","name","latitude_deg","longitude_deg","elevation_ft","iata_code"
3422,"KBOS","large_airport","General Edward Lawrence Logan International Airport",42.3643,-71.005203,20,"BOS"
3622,"KLGA","large_airport","La Guardia Airport",40.777199,-73.872597,21,"LGA"
6523,"00A","heliport","Total RF Heliport",40.070985,-74.933689,11,""
`

func TestParseCSV(t *testing.T) {
	db, err := ParseCSV(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if db.Len() != 3 {
		t.Errorf("Expected 3 airports, got %d", db.Len())
	}

	t.Run("Lookup", func(t *testing.T) {
		ap, ok := db.Lookup("kbos")
		if !ok {
			t.Fatal("KBOS not found")
		}
		if ap.IATA != "BOS" || ap.Latitude != 42.3643 || ap.Longitude != -71.005203 {
			t.Errorf("Unexpected airport %+v", ap)
		}
		if !strings.HasPrefix(ap.Name, "General Edward") {
			t.Errorf("Unexpected name %q", ap.Name)
		}
		if _, ok := db.Lookup("KXXX"); ok {
			t.Error("Unknown airport should not be found")
		}
	})

	t.Run("IATA mapping", func(t *testing.T) {
		if icao, ok := db.ICAOFromIATA("lga"); !ok || icao != "KLGA" {
			t.Errorf("Expected KLGA, got %q %v", icao, ok)
		}
		if _, ok := db.ICAOFromIATA(""); ok {
			t.Error("Empty IATA code should not map")
		}
	})

	t.Run("ToICAO", func(t *testing.T) {
		tests := map[string]string{
			"BOS":  "KBOS",
			"KBOS": "KBOS",
			"lga":  "KLGA",
			"XYZ":  "XYZ",
			"":     "",
		}
		for in, want := range tests {
			if got := db.ToICAO(in); got != want {
				t.Errorf("ToICAO(%q) = %q, want %q", in, got, want)
			}
		}
	})
}

func TestParseCSVErrors(t *testing.T) {
	t.Run("Missing column", func(t *testing.T) {
		_, err := ParseCSV(strings.NewReader("ident,latitude_deg,longitude_deg\nKBOS,1,2\n"))
		if !errors.Is(err, ErrMissingColumn) {
			t.Errorf("Expected ErrMissingColumn, got %v", err)
		}
	})

	t.Run("Bad latitude", func(t *testing.T) {
		_, err := ParseCSV(strings.NewReader("ident,iata_code,latitude_deg,longitude_deg\nKBOS,BOS,north,2\n"))
		if err == nil || !strings.Contains(err.Error(), "line 2") {
			t.Errorf("Expected line-numbered error, got %v", err)
		}
	})
}

func TestNilDB(t *testing.T) {
	var db *DB
	if db.Len() != 0 {
		t.Error("Expected empty")
	}
	if got := db.ToICAO("bos"); got != "BOS" {
		t.Errorf("Expected BOS passthrough, got %q", got)
	}
}

func TestCacheRoundTrip(t *testing.T) {
	db, err := ParseCSV(strings.NewReader(sampleCSV))
	if err != nil {
		t.Fatal(err)
	}

	mtime := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	if err := db.WriteCache(&buf, 1234, mtime); err != nil {
		t.Fatalf("WriteCache: %v", err)
	}

	got, size, gotTime, err := ReadCache(&buf)
	if err != nil {
		t.Fatalf("ReadCache: %v", err)
	}
	if size != 1234 || !gotTime.Equal(mtime) {
		t.Errorf("Unexpected source info %d %v", size, gotTime)
	}
	if got.Len() != db.Len() {
		t.Errorf("Expected %d airports, got %d", db.Len(), got.Len())
	}
	if icao := got.ToICAO("BOS"); icao != "KBOS" {
		t.Errorf("IATA mapping lost in cache, got %q", icao)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())

	path := filepath.Join(t.TempDir(), "airports.csv")
	if err := os.WriteFile(path, []byte(sampleCSV), 0644); err != nil {
		t.Fatal(err)
	}

	db, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if db.Len() != 3 {
		t.Fatalf("Expected 3 airports, got %d", db.Len())
	}

	cache := cachePath(path)
	if _, err := os.Stat(cache); err != nil {
		t.Fatalf("Expected cache at %s: %v", cache, err)
	}

	// Second load is served from the cache
	again, err := Load(path, nil)
	if err != nil || again.Len() != 3 {
		t.Fatalf("Cached load failed: %v", err)
	}

	// Changing the CSV invalidates the cache
	extra := sampleCSV + `9999,"KORD","large_airport","Chicago O'Hare",41.9786,-87.9048,672,"ORD"` + "\n"
	if err := os.WriteFile(path, []byte(extra), 0644); err != nil {
		t.Fatal(err)
	}
	updated, err := Load(path, nil)
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if updated.Len() != 4 {
		t.Errorf("Expected 4 airports after CSV change, got %d", updated.Len())
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.csv"), nil); err == nil {
		t.Error("Expected error for missing file")
	}
}
