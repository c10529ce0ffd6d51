package adsb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Aircraft is one provider's report about one aircraft.
// All position data is in WGS84 coordinate system. Optional fields are
// nil (or empty strings) when the provider did not supply them, so a
// sparse report never masks better data from another source.
type Aircraft struct {
	// ICAO is the 24-bit ICAO aircraft address in upper-case hex
	// (e.g., "A12345"). Non-ICAO addresses carry a "~" prefix.
	ICAO string

	// Callsign is the flight number or aircraft registration
	Callsign string

	// Latitude/Longitude in decimal degrees; both set or both nil
	Latitude  *float64
	Longitude *float64

	// Altitude in feet (barometric when available)
	Altitude *float64

	// GroundSpeed in knots
	GroundSpeed *float64

	// Track is the ground track (heading) in degrees (0-359)
	// 0 = North, 90 = East, 180 = South, 270 = West
	Track *float64

	// VerticalRate in feet per minute (positive = climbing, negative = descending)
	VerticalRate *float64

	// OnGround is nil when the provider does not say
	OnGround *bool

	// Squawk is the reported transponder code (four octal digits)
	Squawk string

	// Type is the ICAO aircraft type designator (e.g., "B738")
	Type string

	// Registration is the tail number
	Registration string

	// Origin and Destination are route hints as the provider reports
	// them (IATA or ICAO airport codes)
	Origin      string
	Destination string

	// LastSeen is the provider's timestamp for this report
	LastSeen time.Time
}

// HasPosition reports whether the aircraft carries a latitude/longitude.
func (a Aircraft) HasPosition() bool {
	return a.Latitude != nil && a.Longitude != nil
}

// DataSource is the interface that all position providers must implement.
// This abstraction allows switching between online services
// (airplanes.live, FlightRadar24, ADS-B Exchange).
type DataSource interface {
	// Name identifies the provider in logs and provenance.
	Name() string

	// GetAircraft returns all currently tracked aircraft within a given radius.
	// centerLat/centerLon define the search center in decimal degrees.
	// radiusNM is the search radius in nautical miles.
	GetAircraft(ctx context.Context, centerLat, centerLon, radiusNM float64) ([]Aircraft, error)

	// Close cleanly shuts down the data source connection.
	Close() error
}

// RateLimitError represents an HTTP 429 rate limit error with retry information.
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
	Headers    RateLimitHeaders
}

// RateLimitHeaders contains rate limit information from response headers.
type RateLimitHeaders struct {
	Limit     int       // X-Rate-Limit-Limit: Maximum requests allowed
	Remaining int       // X-Rate-Limit-Remaining: Requests remaining in current window
	Reset     time.Time // X-Rate-Limit-Reset: When the rate limit resets
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s (retry after %v)", e.Message, e.RetryAfter)
	}
	return e.Message
}

// IsRateLimitError reports whether err is, or wraps, a rate limit error.
func IsRateLimitError(err error) (*RateLimitError, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle, true
	}
	return nil, false
}

// checkResponse turns non-200 responses into errors. 429 responses
// become *RateLimitError so callers can honor Retry-After.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header),
			Message:    "Rate limit exceeded",
			Headers:    extractRateLimitHeaders(resp.Header),
		}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// parseRetryAfter extracts the Retry-After header value.
// Returns the duration to wait, or 0 if header is not present.
// Supports both delay-seconds (integer) and HTTP-date formats.
//
// Examples:
//
//	Retry-After: 30                           -> 30 seconds
//	Retry-After: Wed, 21 Oct 2015 07:28:00 GMT -> duration until that time
func parseRetryAfter(headers http.Header) time.Duration {
	retryAfter := headers.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}

	// Try parsing as delay-seconds (e.g., "30")
	if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}

	// Try parsing as HTTP-date (e.g., "Wed, 21 Oct 2015 07:28:00 GMT")
	if retryTime, err := http.ParseTime(retryAfter); err == nil {
		duration := time.Until(retryTime)
		if duration > 0 {
			return duration
		}
	}

	return 0
}

// extractRateLimitHeaders extracts common rate limit headers from the response.
func extractRateLimitHeaders(headers http.Header) RateLimitHeaders {
	rlh := RateLimitHeaders{
		Limit:     -1,
		Remaining: -1,
	}

	first := func(names ...string) string {
		for _, n := range names {
			if v := headers.Get(n); v != "" {
				return v
			}
		}
		return ""
	}

	if val, err := strconv.Atoi(first("X-Rate-Limit-Limit", "X-RateLimit-Limit")); err == nil {
		rlh.Limit = val
	}
	if val, err := strconv.Atoi(first("X-Rate-Limit-Remaining", "X-RateLimit-Remaining")); err == nil {
		rlh.Remaining = val
	}
	// Unix timestamp
	if ts, err := strconv.ParseInt(first("X-Rate-Limit-Reset", "X-RateLimit-Reset"), 10, 64); err == nil {
		rlh.Reset = time.Unix(ts, 0)
	}

	return rlh
}

func ptr[T any](v T) *T {
	return &v
}
