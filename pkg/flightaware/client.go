// Package flightaware provides a client for the FlightAware AeroAPI v4.
//
// Only flight plan retrieval by ident is used: the enricher looks up
// airline callsigns and attaches the filed plan to the matching aircraft.
//
// API Documentation: https://www.flightaware.com/aeroapi/portal/documentation
// Rate Limits: Free tier allows 500 requests/month, paid tiers offer higher limits.
package flightaware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// BaseURL is the FlightAware AeroAPI v4 base URL
	BaseURL = "https://aeroapi.flightaware.com/aeroapi"

	// DefaultTimeout for API requests
	DefaultTimeout = 10 * time.Second
)

// ErrUnauthorized is returned when the API key is rejected.
var ErrUnauthorized = errors.New("flightaware: API key rejected")

// Client represents a FlightAware AeroAPI client.
type Client struct {
	apiKey      string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	baseURL     string
}

// Config contains configuration for the FlightAware client.
type Config struct {
	APIKey          string
	RequestsPerHour int
	Timeout         time.Duration

	// BaseURL overrides the AeroAPI endpoint; empty means BaseURL.
	BaseURL string
}

// NewClient creates a new FlightAware AeroAPI client.
//
// The client includes:
// - Rate limiting to prevent exceeding API quotas
// - Configurable timeout for requests
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.RequestsPerHour == 0 {
		// Default: 500 requests/month ≈ 0.7 requests/hour, use 1 req/hour as safe default
		cfg.RequestsPerHour = 1
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = BaseURL
	}

	// Convert requests per hour to rate limiter (allows burst of 1)
	requestsPerSecond := float64(cfg.RequestsPerHour) / 3600.0
	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), 1)

	return &Client{
		apiKey: cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		rateLimiter: limiter,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
	}
}

// FlightPlan is a filed flight plan as returned by AeroAPI.
type FlightPlan struct {
	// Identifiers
	Ident      string `json:"ident"`        // Callsign the flight was filed under
	FAFlightID string `json:"fa_flight_id"` // FlightAware flight ID

	Origin      Airport `json:"origin"`
	Destination Airport `json:"destination"`

	// Route string in ICAO format (e.g., "KCLT..CHSLY.J121.ATL..KATL")
	// May be empty if flight plan not filed or not available
	Route string `json:"route"`

	// FiledAltitude is in hundreds of feet (350 = FL350); see CruiseAltitude
	FiledAltitude int    `json:"filed_altitude"`
	FiledAirspeed int    `json:"filed_airspeed"` // Knots
	AircraftType  string `json:"aircraft_type"`  // ICAO aircraft type (e.g., "B738")

	// Gate times
	ScheduledOut *time.Time `json:"scheduled_out"`
	ScheduledIn  *time.Time `json:"scheduled_in"`

	GateOrigin      string `json:"gate_origin"`
	GateDestination string `json:"gate_destination"`

	// Status
	Status string `json:"status"` // e.g., "Scheduled", "En Route", "Arrived"
}

// Airport is an origin or destination of a flight.
type Airport struct {
	Code string `json:"code_icao"` // ICAO airport code (e.g., "KCLT")
	Name string `json:"name"`
}

// CruiseAltitude returns the filed altitude in feet. AeroAPI reports
// hundreds of feet; values that already look like feet are kept.
func (fp FlightPlan) CruiseAltitude() int {
	if fp.FiledAltitude < 1000 {
		return fp.FiledAltitude * 100
	}
	return fp.FiledAltitude
}

// GetFlightPlanByCallsign retrieves the flight plan for a given callsign.
//
// The callsign should be the aircraft's identifier (e.g., "UAL123", "N12345").
// If multiple flights exist, this returns the first one that has not yet
// arrived, falling back to the most recent.
//
// Returns nil, nil if no flight plan is found (not an error).
// Returns error for API failures or network issues.
func (c *Client) GetFlightPlanByCallsign(ctx context.Context, callsign string) (*FlightPlan, error) {
	// Wait for rate limiter
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	// AeroAPI endpoint: /flights/{ident}
	endpoint := fmt.Sprintf("%s/flights/%s", c.baseURL, url.PathEscape(callsign))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("x-apikey", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	// Handle HTTP errors
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil // No flight found, not an error
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, ErrUnauthorized
	default:
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	// Parse response - API returns array of flights, newest first
	var response struct {
		Flights []FlightPlan `json:"flights"`
	}

	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	if len(response.Flights) == 0 {
		return nil, nil // No flights found
	}

	for i := range response.Flights {
		if !strings.HasPrefix(strings.ToLower(response.Flights[i].Status), "arrived") {
			return &response.Flights[i], nil
		}
	}
	return &response.Flights[0], nil
}
