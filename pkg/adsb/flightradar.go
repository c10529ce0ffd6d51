package adsb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/unklstewy/livetraffic/pkg/coordinates"
)

// FlightRadarClient implements DataSource for the FlightRadar24 live feed.
// The feed returns a JSON object whose array-valued members are aircraft;
// every other member is housekeeping and is ignored.
type FlightRadarClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewFlightRadarClient creates a client for the feed.js endpoint.
// baseURL should be "https://data-live.flightradar24.com" (or custom for testing).
func NewFlightRadarClient(baseURL string) *FlightRadarClient {
	return &FlightRadarClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *FlightRadarClient) Name() string { return "FlightRadar24" }

func (c *FlightRadarClient) Close() error { return nil }

// GetAircraft queries the bounding box around the circle and returns
// every aircraft the feed reports in it. The caller filters by distance.
func (c *FlightRadarClient) GetAircraft(ctx context.Context, centerLat, centerLon, radiusNM float64) ([]Aircraft, error) {
	b := coordinates.BoundingBox(coordinates.Geographic{Latitude: centerLat, Longitude: centerLon}, radiusNM)

	url := fmt.Sprintf("%s/zones/fcgi/feed.js?bounds=%.2f,%.2f,%.2f,%.2f"+
		"&faa=1&satellite=1&mlat=1&flarm=1&adsb=1&gnd=1&air=1&vehicles=0&estimated=0&gliders=1&stats=0&maxage=14400",
		c.baseURL, b.North, b.South, b.West, b.East)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch flightradar feed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	// Slurp up the response as a general set of key/value pairs without
	// trying to impose any more structure just yet.
	var entries map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to parse flightradar feed: %w", err)
	}

	aircraft := make([]Aircraft, 0, len(entries))
	for id, raw := range entries {
		// Is it an array of things? If so, it's an aircraft position update.
		if !bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
			continue
		}
		var fields []any
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("flightradar entry %s: %w", id, err)
		}
		ac, err := decodeFlightRadarEntry(fields)
		if err != nil {
			return nil, fmt.Errorf("flightradar entry %s: %w", id, err)
		}
		if ac.ICAO == "" && ac.Callsign == "" {
			continue
		}
		aircraft = append(aircraft, ac)
	}

	return aircraft, nil
}

// decodeFlightRadarEntry converts one positional feed array:
//
//	0 mode-s hex, 1 lat, 2 lon, 3 track, 4 altitude, 5 speed, 6 squawk,
//	7 radar, 8 model, 9 registration, 10 timestamp, 11 origin (IATA),
//	12 destination (IATA), 13 flight, 14 on ground, 15 climb rate,
//	16 callsign, 17 glider, 18 airline
func decodeFlightRadarEntry(array []any) (Aircraft, error) {
	if len(array) < 17 {
		return Aircraft{}, fmt.Errorf("expected at least 17 fields, got %d", len(array))
	}

	// Small helpers that check the element type; they capture err and
	// keep the first failure.
	var err error
	getstring := func(i int) string {
		s, ok := array[i].(string)
		if !ok && array[i] != nil && err == nil {
			err = fmt.Errorf("field %d: expected string, got %T", i, array[i])
		}
		return strings.TrimSpace(s)
	}
	getfloat64 := func(i int) float64 {
		v, ok := array[i].(float64)
		if !ok && err == nil {
			err = fmt.Errorf("field %d: expected number, got %T", i, array[i])
		}
		return v
	}

	hex := strings.ToUpper(getstring(0))
	lat, lon := getfloat64(1), getfloat64(2)
	track := getfloat64(3)
	alt := getfloat64(4)
	speed := getfloat64(5)
	squawk := getstring(6)
	model := strings.ToUpper(getstring(8))
	registration := getstring(9)
	timestamp := getfloat64(10)
	origin := strings.ToUpper(getstring(11))
	destination := strings.ToUpper(getstring(12))
	onGround := getfloat64(14)
	climb := getfloat64(15)
	callsign := strings.ToUpper(getstring(16))
	if err != nil {
		return Aircraft{}, err
	}

	// The feed sometimes puts the aircraft type in the callsign slot.
	if callsign == model {
		callsign = ""
	}
	if squawk == "0000" {
		squawk = ""
	}

	ac := Aircraft{
		ICAO:         hex,
		Callsign:     callsign,
		Latitude:     ptr(lat),
		Longitude:    ptr(lon),
		Altitude:     ptr(alt),
		GroundSpeed:  ptr(speed),
		Track:        ptr(track),
		VerticalRate: ptr(climb),
		OnGround:     ptr(onGround != 0),
		Squawk:       squawk,
		Type:         model,
		Registration: registration,
		Origin:       origin,
		Destination:  destination,
		LastSeen:     time.Unix(int64(timestamp), 0).UTC(),
	}
	return ac, nil
}
