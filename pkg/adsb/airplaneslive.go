package adsb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// AirplanesLiveClient implements the DataSource interface for airplanes.live API.
// API Documentation: https://airplanes.live/api-guide/
// Rate Limit: 1 request per second
type AirplanesLiveClient struct {
	// baseURL is the API base URL (default: https://api.airplanes.live/v2)
	baseURL string

	// httpClient is the HTTP client used for API requests
	httpClient *http.Client

	// limiter spaces requests at least minInterval apart
	limiter *rate.Limiter
}

// NewAirplanesLiveClient creates a new airplanes.live API client.
// baseURL should be "https://api.airplanes.live/v2" (or custom for testing).
// minInterval is the minimum spacing between requests; the service asks
// for no more than one per second.
func NewAirplanesLiveClient(baseURL string, minInterval time.Duration) *AirplanesLiveClient {
	if minInterval < time.Second {
		minInterval = time.Second
	}
	return &AirplanesLiveClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(rate.Every(minInterval), 1),
	}
}

func (c *AirplanesLiveClient) Name() string { return "airplanes.live" }

// GetAircraft returns all aircraft within a radius of a given point.
// Uses the /point/[lat]/[lon]/[radius] endpoint.
// Maximum radius is 250 nautical miles.
func (c *AirplanesLiveClient) GetAircraft(ctx context.Context, centerLat, centerLon, radiusNM float64) ([]Aircraft, error) {
	// Enforce maximum radius
	if radiusNM > 250.0 {
		radiusNM = 250.0
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	url := fmt.Sprintf("%s/point/%.4f/%.4f/%.0f", c.baseURL, centerLat, centerLon, radiusNM)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch aircraft data: %w", err)
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		return nil, err
	}

	var apiResp airplanesLiveResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse API response: %w", err)
	}

	// "now" is milliseconds since the epoch
	now := time.Now().UTC()
	if apiResp.Now > 0 {
		now = time.UnixMilli(int64(apiResp.Now)).UTC()
	}

	aircraft := make([]Aircraft, 0, len(apiResp.Aircraft))
	for _, ac := range apiResp.Aircraft {
		if ac.Hex == "" {
			continue
		}
		aircraft = append(aircraft, convertAirplanesLiveAircraft(ac, now))
	}

	return aircraft, nil
}

// Close cleanly shuts down the client.
// For airplanes.live, this is a no-op as there are no persistent connections.
func (c *AirplanesLiveClient) Close() error {
	return nil
}

// airplanesLiveResponse represents the JSON response from airplanes.live API.
type airplanesLiveResponse struct {
	// Aircraft is the array of aircraft data
	Aircraft []airplanesLiveAircraft `json:"ac"`

	// Total number of aircraft
	Total int `json:"total"`

	// Now is the server time in milliseconds since the epoch
	Now float64 `json:"now"`
}

// airplanesLiveAircraft represents a single aircraft in the airplanes.live API response.
// Field documentation: https://airplanes.live/adsb-field-explanations/
type airplanesLiveAircraft struct {
	Hex          string   `json:"hex"`
	Flight       *string  `json:"flight"`
	Registration string   `json:"r"`
	Type         string   `json:"t"`
	Lat          *float64 `json:"lat"`
	Lon          *float64 `json:"lon"`

	// AltBaro is barometric altitude in feet
	// Note: Can be string "ground" or float
	AltBaro any `json:"alt_baro"`

	// AltGeom is geometric (GPS) altitude in feet
	AltGeom any `json:"alt_geom"`

	Gs       *float64 `json:"gs"`
	Track    *float64 `json:"track"`
	BaroRate *float64 `json:"baro_rate"`
	Squawk   string   `json:"squawk"`

	// Seen is seconds since any message; SeenPos since the last position
	Seen    *float64 `json:"seen"`
	SeenPos *float64 `json:"seen_pos"`
}

// convertAirplanesLiveAircraft converts an airplanes.live aircraft to our Aircraft type.
func convertAirplanesLiveAircraft(ac airplanesLiveAircraft, now time.Time) Aircraft {
	aircraft := Aircraft{
		ICAO:         strings.ToUpper(ac.Hex),
		Registration: strings.TrimSpace(ac.Registration),
		Type:         strings.TrimSpace(ac.Type),
		Squawk:       ac.Squawk,
	}

	if ac.Flight != nil {
		aircraft.Callsign = strings.ToUpper(strings.TrimSpace(*ac.Flight))
	}

	if ac.Lat != nil && ac.Lon != nil {
		aircraft.Latitude = ptr(*ac.Lat)
		aircraft.Longitude = ptr(*ac.Lon)
	}

	// Altitude - radar shows pressure altitude, so prefer barometric and
	// fall back to geometric
	if alt, ground := parseAltitude(ac.AltBaro); alt != nil {
		aircraft.Altitude = alt
		aircraft.OnGround = ptr(ground)
	} else if alt, _ := parseAltitude(ac.AltGeom); alt != nil {
		aircraft.Altitude = alt
	}

	if ac.Gs != nil {
		aircraft.GroundSpeed = ptr(*ac.Gs)
	}
	if ac.Track != nil {
		aircraft.Track = ptr(*ac.Track)
	}
	if ac.BaroRate != nil {
		aircraft.VerticalRate = ptr(*ac.BaroRate)
	}

	// Timestamp - calculate from "seen" seconds ago
	seen := ac.Seen
	if ac.SeenPos != nil && aircraft.HasPosition() {
		seen = ac.SeenPos
	}
	aircraft.LastSeen = now
	if seen != nil {
		aircraft.LastSeen = now.Add(-time.Duration(*seen * float64(time.Second)))
	}

	return aircraft
}

// parseAltitude safely extracts altitude from a value which can be float64 or string.
// "ground" yields an altitude of 0 and ground=true. Returns nil if the value is invalid.
func parseAltitude(val any) (alt *float64, ground bool) {
	switch v := val.(type) {
	case float64:
		return &v, false
	case string:
		if v == "ground" {
			return ptr(0.0), true
		}
	}
	return nil, false
}
