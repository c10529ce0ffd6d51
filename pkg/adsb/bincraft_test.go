package adsb

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/unklstewy/livetraffic/pkg/coordinates"
)

const testStride = 112

type testRecord struct {
	addr     uint32
	lat, lon float64
	alt      int16 // feet / 25
	gs       int16 // knots * 10
	track    int16 // degrees * 90
	squawk   uint16
	callsign string
	typ      string
	reg      string
	ground   bool
	seenPos  uint16 // tenths of seconds
}

func buildBinCraft(nowMs int64, globe uint32, recs ...testRecord) []byte {
	buf := make([]byte, testStride*(len(recs)+1))
	le := binary.LittleEndian
	le.PutUint32(buf[0:], uint32(nowMs&0xffffffff))
	le.PutUint32(buf[4:], uint32(nowMs>>32))
	le.PutUint32(buf[8:], testStride)
	le.PutUint32(buf[12:], uint32(len(recs)))
	le.PutUint32(buf[16:], globe)

	for i, r := range recs {
		rec := buf[testStride*(i+1):]
		le.PutUint32(rec[0:], r.addr)
		le.PutUint16(rec[4:], r.seenPos)
		le.PutUint32(rec[8:], uint32(int32(r.lon*1e6)))
		le.PutUint32(rec[12:], uint32(int32(r.lat*1e6)))
		le.PutUint16(rec[16:], uint16(r.alt))
		le.PutUint16(rec[32:], r.squawk)
		le.PutUint16(rec[34:], uint16(r.gs))
		le.PutUint16(rec[40:], uint16(r.track))
		if r.ground {
			rec[68] = 1
		} else {
			rec[68] = 2
		}
		rec[73] = 64 | 16 | 128 | 8 // position, baro alt, gs, callsign
		rec[74] = 8                 // track
		rec[76] = 4                 // squawk
		copy(rec[78:86], r.callsign)
		copy(rec[88:92], r.typ)
		copy(rec[92:104], r.reg)
	}
	return buf
}

func TestDecodeBinCraft(t *testing.T) {
	const nowMs = int64(1700000000500)
	data := buildBinCraft(nowMs, 5321,
		testRecord{
			addr: 0xA1B2C3, lat: 42.3656, lon: -71.0096, alt: 140, gs: 2505, track: 90 * 270,
			squawk: 0x4512, callsign: "DAL42   ", typ: "B739", reg: "N123DL", seenPos: 15,
		},
		testRecord{
			addr: 1<<24 | 0x00ABCD, lat: 42.0, lon: -71.0, squawk: 0x1200, typ: "C172", ground: true,
		},
		testRecord{}, // empty slot
	)

	tile, err := DecodeBinCraft(data)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if tile.GlobeIndex != 5321 {
		t.Errorf("Expected globe index 5321, got %d", tile.GlobeIndex)
	}
	if d := tile.Now.Sub(time.UnixMilli(nowMs)); d > time.Millisecond || d < -time.Millisecond {
		t.Errorf("Expected now %v, got %v", time.UnixMilli(nowMs), tile.Now)
	}
	if len(tile.Aircraft) != 2 {
		t.Fatalf("Expected 2 aircraft, got %d", len(tile.Aircraft))
	}

	dal := tile.Aircraft[0]
	if dal.ICAO != "A1B2C3" {
		t.Errorf("Expected ICAO A1B2C3, got %s", dal.ICAO)
	}
	if dal.Callsign != "DAL42" || dal.Type != "B739" || dal.Registration != "N123DL" {
		t.Errorf("Unexpected identity %q %q %q", dal.Callsign, dal.Type, dal.Registration)
	}
	if !dal.HasPosition() || abs(*dal.Latitude-42.3656) > 1e-5 || abs(*dal.Longitude+71.0096) > 1e-5 {
		t.Errorf("Unexpected position %v %v", *dal.Latitude, *dal.Longitude)
	}
	if *dal.Altitude != 3500 {
		t.Errorf("Expected altitude 3500, got %v", *dal.Altitude)
	}
	if *dal.GroundSpeed != 250.5 {
		t.Errorf("Expected ground speed 250.5, got %v", *dal.GroundSpeed)
	}
	if *dal.Track != 270 {
		t.Errorf("Expected track 270, got %v", *dal.Track)
	}
	if dal.Squawk != "4512" {
		t.Errorf("Expected squawk 4512, got %s", dal.Squawk)
	}
	if dal.OnGround == nil || *dal.OnGround {
		t.Error("Expected airborne")
	}
	if d := tile.Now.Sub(dal.LastSeen); d < 1400*time.Millisecond || d > 1600*time.Millisecond {
		t.Errorf("Expected LastSeen 1.5s before now, got %v", d)
	}

	tisb := tile.Aircraft[1]
	if tisb.ICAO != "~00ABCD" {
		t.Errorf("Expected non-ICAO address ~00ABCD, got %s", tisb.ICAO)
	}
	if tisb.OnGround == nil || !*tisb.OnGround {
		t.Error("Expected on ground")
	}
}

func TestDecodeBinCraftCompressed(t *testing.T) {
	raw := buildBinCraft(1700000000000, 1000, testRecord{addr: 0x123456, lat: 1, lon: 2, typ: "A20N"})

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatal(err)
	}
	compressed := enc.EncodeAll(raw, nil)
	enc.Close()

	tile, err := DecodeBinCraft(compressed)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(tile.Aircraft) != 1 || tile.Aircraft[0].ICAO != "123456" {
		t.Errorf("Unexpected aircraft %+v", tile.Aircraft)
	}
}

func TestDecodeBinCraftErrors(t *testing.T) {
	if _, err := DecodeBinCraft([]byte{1, 2, 3}); err != ErrShortBinCraft {
		t.Errorf("Expected ErrShortBinCraft, got %v", err)
	}

	bad := make([]byte, 64)
	binary.LittleEndian.PutUint32(bad[8:], 20)
	if _, err := DecodeBinCraft(bad); err == nil {
		t.Error("Expected error for tiny stride")
	}
}

func TestGlobeIndex(t *testing.T) {
	// 121 tiles per row of latitude, offset by 1000
	if got := GlobeIndex(-90, -180); got != 1000 {
		t.Errorf("Expected 1000, got %d", got)
	}
	if got := GlobeIndex(0, 0); got != 30*121+60+1000 {
		t.Errorf("Expected %d, got %d", 30*121+60+1000, got)
	}
	if got := GlobeIndex(90, 180); got != 59*121+119+1000 {
		t.Errorf("Poles and antimeridian should clamp, got %d", got)
	}
}

func TestGlobeIndexes(t *testing.T) {
	t.Run("Small box", func(t *testing.T) {
		b := coordinates.Bounds{North: 1, South: 0.5, West: 0.5, East: 1}
		idx := GlobeIndexes(b)
		if len(idx) != 1 || idx[0] != GlobeIndex(0.5, 0.5) {
			t.Errorf("Expected a single tile, got %v", idx)
		}
	})

	t.Run("Spans tiles", func(t *testing.T) {
		b := coordinates.Bounds{North: 4, South: -1, West: -1, East: 4}
		idx := GlobeIndexes(b)
		if len(idx) != 9 {
			t.Errorf("Expected 9 tiles, got %d: %v", len(idx), idx)
		}
		for i := 1; i < len(idx); i++ {
			if idx[i] <= idx[i-1] {
				t.Fatalf("Expected sorted unique indexes, got %v", idx)
			}
		}
	})

	t.Run("Antimeridian", func(t *testing.T) {
		b := coordinates.Bounds{North: 1, South: 0.5, West: 179, East: -179}
		idx := GlobeIndexes(b)
		want := map[int]bool{GlobeIndex(0.5, 179): true, GlobeIndex(0.5, -179): true}
		if len(idx) != 2 || !want[idx[0]] || !want[idx[1]] {
			t.Errorf("Expected tiles on both sides of the antimeridian, got %v", idx)
		}
	})
}

func TestADSBExchangeGetAircraft(t *testing.T) {
	var mu sync.Mutex
	var requests []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests = append(requests, r.URL.Path)
		mu.Unlock()
		if !strings.HasPrefix(r.URL.Path, "/data/globe_") {
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Referer") == "" {
			t.Error("Expected Referer header")
		}
		// Every tile reports the same aircraft; it must only appear once
		w.Write(buildBinCraft(1700000000000, 0, testRecord{addr: 0xAAAAAA, lat: 0.2, lon: 0.2, typ: "B38M"}))
	}))
	defer server.Close()

	client := NewADSBExchangeClient(server.URL)
	defer client.Close()

	aircraft, err := client.GetAircraft(context.Background(), 0, 0, 120)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(requests) < 2 {
		t.Errorf("Expected several tiles to be fetched, got %v", requests)
	}
	if len(aircraft) != 1 || aircraft[0].ICAO != "AAAAAA" {
		t.Errorf("Expected one deduplicated aircraft, got %+v", aircraft)
	}
}

func TestADSBExchangeAllTilesFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	_, err := NewADSBExchangeClient(server.URL).GetAircraft(context.Background(), 10, 10, 5)
	rle, ok := IsRateLimitError(err)
	if !ok {
		t.Fatalf("Expected rate limit error, got %v", err)
	}
	if rle.RetryAfter != 5*time.Second {
		t.Errorf("Expected RetryAfter 5s, got %v", rle.RetryAfter)
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
