package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config represents the complete application configuration.
// It is loaded once at startup and treated as read-only afterwards.
type Config struct {
	Server      ServerConfig      `json:"server"`
	Reference   ReferenceConfig   `json:"reference"`
	Delay       DelayConfig       `json:"delay"`
	Fusion      FusionConfig      `json:"fusion"`
	ADSB        ADSBConfig        `json:"adsb"`
	FlightAware FlightAwareConfig `json:"flightaware"`
	Weather     WeatherConfig     `json:"weather"`
	Squawk      SquawkConfig      `json:"squawk"`
	Status      StatusConfig      `json:"status"`
	Database    DatabaseConfig    `json:"database"`
	Logging     LoggingConfig     `json:"logging"`

	// AirportsFile is an OurAirports-style CSV (ident, iata_code,
	// latitude_deg, longitude_deg columns) used to resolve the reference
	// airport and to map IATA route hints to ICAO codes.
	AirportsFile string `json:"airports_file"`
}

// ServerConfig contains the traffic protocol listener settings.
type ServerConfig struct {
	// Host is the listener bind address (default: "127.0.0.1")
	Host string `json:"host"`

	// Port is the TCP port ATC clients connect to (default: 6809)
	Port int `json:"port"`

	// LoginTimeoutSeconds is how long a new connection may take to log in
	LoginTimeoutSeconds int `json:"login_timeout_seconds"`

	// SendIntervalSeconds is the per-session delivery tick
	SendIntervalSeconds float64 `json:"send_interval_seconds"`

	// WriteTimeoutSeconds bounds each blocking network write
	WriteTimeoutSeconds int `json:"write_timeout_seconds"`

	// SessionCallsign is the server identity used in handshake responses.
	// Empty means "SERVER".
	SessionCallsign string `json:"session_callsign"`

	// Interpolate enables dead reckoning of airborne targets between
	// feed updates.
	Interpolate bool `json:"interpolate"`

	// InterpolateMaxAgeSeconds limits dead reckoning to fixes younger than this
	InterpolateMaxAgeSeconds int `json:"interpolate_max_age_seconds"`
}

// ReferenceConfig describes the served area.
type ReferenceConfig struct {
	// Airport is an ICAO code resolved through the airport database.
	// When empty, Latitude/Longitude are used directly.
	Airport string `json:"airport"`

	// Latitude in decimal degrees (-90 to +90)
	Latitude float64 `json:"latitude"`

	// Longitude in decimal degrees (-180 to +180)
	Longitude float64 `json:"longitude"`

	// RangeNM is the display radius around the reference point
	RangeNM float64 `json:"range_nm"`

	// FloorFt and CeilingFt bound the displayed altitude band (inclusive)
	FloorFt   float64 `json:"floor_ft"`
	CeilingFt float64 `json:"ceiling_ft"`
}

// DelayConfig controls the playback delay buffer.
type DelayConfig struct {
	// DelaySeconds holds every snapshot back before clients can see it
	DelaySeconds float64 `json:"delay_seconds"`

	// ReorderWindowSeconds is how far behind the newest buffered frame a
	// late frame may arrive and still be slotted in order
	ReorderWindowSeconds float64 `json:"reorder_window_seconds"`

	// MaxSpanSeconds caps the logical time span held in the buffer.
	// 0 means DelaySeconds + 60.
	MaxSpanSeconds float64 `json:"max_span_seconds"`

	// MaxFrames caps the number of buffered frames
	MaxFrames int `json:"max_frames"`

	// DrainMillis is how often the buffer is checked for ready frames
	DrainMillis int `json:"drain_ms"`
}

// FusionConfig controls the fusion table and its periodic workers.
type FusionConfig struct {
	// CycleSeconds is the snapshot interval of the fusion-cycle driver
	CycleSeconds float64 `json:"cycle_seconds"`

	// SweepSeconds is how often stale aircraft are expired
	SweepSeconds float64 `json:"sweep_seconds"`

	// ExpirySeconds removes aircraft not updated for this long
	ExpirySeconds float64 `json:"expiry_seconds"`

	// TieWindowMillis: two reports of the same field this close in source
	// time are resolved by source priority rather than by timestamp
	TieWindowMillis int `json:"tie_window_ms"`

	// QueueSize is the capacity of the ingestion channel
	QueueSize int `json:"queue_size"`
}

// ADSBConfig contains position source configuration.
type ADSBConfig struct {
	// Sources is a list of configured position sources.
	// Multiple sources can be configured and are fused together.
	Sources []ADSBSource `json:"sources"`

	// Retry is the per-poll retry policy
	Retry RetrySettings `json:"retry"`

	// MaxBackoffSeconds caps the delay between failing polls
	MaxBackoffSeconds float64 `json:"max_backoff_seconds"`
}

// ADSBSource represents a single position source configuration.
type ADSBSource struct {
	// Name is a friendly name for this source, reported as provenance
	Name string `json:"name"`

	// Type is the source type: "flightradar24", "airplanes.live" or "adsbexchange"
	Type string `json:"type"`

	// Enabled determines if this source should be polled
	Enabled bool `json:"enabled"`

	// BaseURL is the API base URL
	BaseURL string `json:"base_url"`

	// APIKey is the API key for services that require authentication
	APIKey string `json:"api_key,omitempty"`

	// Priority breaks ties between sources reporting the same field at
	// nearly the same time; higher wins
	Priority int `json:"priority"`

	// PollIntervalSeconds is how often this source is polled
	PollIntervalSeconds float64 `json:"poll_interval_seconds"`

	// RateLimitSeconds is the minimum time between API calls in seconds
	// 0 = no rate limit, >0 = enforce minimum delay between calls
	// airplanes.live: recommend 3 seconds to avoid 429 errors
	RateLimitSeconds float64 `json:"rate_limit_seconds"`
}

// RetrySettings is the JSON form of a bounded exponential backoff.
type RetrySettings struct {
	MaxRetries          int     `json:"max_retries"`
	InitialDelaySeconds float64 `json:"initial_delay_seconds"`
	MaxDelaySeconds     float64 `json:"max_delay_seconds"`
	Multiplier          float64 `json:"multiplier"`
}

// FlightAwareConfig contains FlightAware AeroAPI settings.
type FlightAwareConfig struct {
	// APIKey is the FlightAware API key for AeroAPI v4
	// Sign up at: https://www.flightaware.com/aeroapi/
	APIKey string `json:"api_key"`

	// BaseURL overrides the AeroAPI endpoint (tests, proxies)
	BaseURL string `json:"base_url,omitempty"`

	// Enabled turns flight-plan enrichment on. When false no lookup is
	// ever issued.
	Enabled bool `json:"enable_flight_plan_enrichment"`

	// RequestsPerHour limits the API call rate
	// Free tier: ~0.7 requests/hour (500/month)
	// Basic tier: ~340 requests/hour (250,000/month)
	RequestsPerHour int `json:"requests_per_hour"`

	// CooldownMinutes is how long a callsign is left alone after a lookup,
	// successful or not
	CooldownMinutes float64 `json:"cooldown_minutes"`

	// Workers is the number of concurrent lookups
	Workers int `json:"workers"`

	// TimeoutSeconds bounds each lookup
	TimeoutSeconds int `json:"timeout_seconds"`

	// CacheSize bounds the cooldown cache
	CacheSize int `json:"cache_size"`
}

// WeatherConfig controls METAR polling.
type WeatherConfig struct {
	Enabled        bool    `json:"enabled"`
	BaseURL        string  `json:"base_url"`
	RefreshMinutes float64 `json:"refresh_minutes"`
}

// SquawkConfig describes the assignable transponder code space. Codes
// are four octal digits.
type SquawkConfig struct {
	Low      string   `json:"low"`
	High     string   `json:"high"`
	Reserved []string `json:"reserved"`
}

// StatusConfig contains the read-only HTTP status API settings.
type StatusConfig struct {
	// Enabled starts the status API
	Enabled bool `json:"enabled"`

	// Host is the server bind address (default: "127.0.0.1")
	Host string `json:"host"`

	// Port is the HTTP server port (default: 8080)
	Port int `json:"port"`

	// TokenSecret signs bearer tokens. When empty, the API is open.
	TokenSecret string `json:"token_secret"`

	// TokenTTLHours is the lifetime of tokens issued with -issue-token
	TokenTTLHours int `json:"token_ttl_hours"`

	// AllowedOrigins is the CORS allow-list
	AllowedOrigins []string `json:"allowed_origins"`
}

// DatabaseConfig contains database connection settings for the optional
// traffic history archive.
type DatabaseConfig struct {
	// Enabled turns the history archive on
	Enabled bool `json:"enabled"`

	// Driver is the database driver (postgres)
	Driver string `json:"driver"`

	// Host is the database server hostname
	Host string `json:"host"`

	// Port is the database server port
	Port int `json:"port"`

	// Database is the database name
	Database string `json:"database"`

	// Username for database authentication
	Username string `json:"username"`

	// Password for database authentication (should be loaded from environment)
	Password string `json:"password"`

	// SSLMode for PostgreSQL connections (disable, require, verify-ca, verify-full)
	SSLMode string `json:"ssl_mode"`

	// MaxOpenConns is the maximum number of open connections
	MaxOpenConns int `json:"max_open_conns"`

	// MaxIdleConns is the maximum number of idle connections
	MaxIdleConns int `json:"max_idle_conns"`

	// RetentionHours is how long archived rows are kept
	RetentionHours int `json:"retention_hours"`

	// RecordIntervalSeconds is the minimum spacing of archived frames
	RecordIntervalSeconds float64 `json:"record_interval_seconds"`
}

// LoggingConfig controls pkg/log.
type LoggingConfig struct {
	Level string `json:"level"`
	Dir   string `json:"dir"`
}

// Load reads configuration from a JSON file.
// If the file doesn't exist, returns a default configuration.
// Keys missing from the file keep their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg.applyEnvironmentOverrides()
		return cfg, nil
	}

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse JSON over the defaults
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override with environment variables
	cfg.applyEnvironmentOverrides()

	return cfg, nil
}

// Save writes the configuration to a JSON file.
func (c *Config) Save(path string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Marshal to JSON with indentation
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:                     "127.0.0.1",
			Port:                     6809,
			LoginTimeoutSeconds:      30,
			SendIntervalSeconds:      5,
			WriteTimeoutSeconds:      10,
			Interpolate:              true,
			InterpolateMaxAgeSeconds: 20,
		},
		Reference: ReferenceConfig{
			Airport:   "KBOS",
			RangeNM:   30,
			FloorFt:   0,
			CeilingFt: 99999,
		},
		Delay: DelayConfig{
			DelaySeconds:         0,
			ReorderWindowSeconds: 30,
			MaxSpanSeconds:       0, // delay + 60s
			MaxFrames:            4096,
			DrainMillis:          250,
		},
		Fusion: FusionConfig{
			CycleSeconds:    1,
			SweepSeconds:    5,
			ExpirySeconds:   60,
			TieWindowMillis: 1000,
			QueueSize:       256,
		},
		ADSB: ADSBConfig{
			Sources: []ADSBSource{
				{
					Name:                "FlightRadar24",
					Type:                "flightradar24",
					Enabled:             true,
					BaseURL:             "https://data-live.flightradar24.com",
					Priority:            2,
					PollIntervalSeconds: 3,
				},
				{
					Name:                "airplanes.live",
					Type:                "airplanes.live",
					Enabled:             true,
					BaseURL:             "https://api.airplanes.live/v2",
					Priority:            1,
					PollIntervalSeconds: 3,
					RateLimitSeconds:    3.0,
				},
				{
					Name:                "ADSBExchange",
					Type:                "adsbexchange",
					Enabled:             false,
					BaseURL:             "https://globe.adsbexchange.com",
					Priority:            1,
					PollIntervalSeconds: 5,
				},
			},
			Retry: RetrySettings{
				MaxRetries:          2,
				InitialDelaySeconds: 1,
				MaxDelaySeconds:     10,
				Multiplier:          2.0,
			},
			MaxBackoffSeconds: 120,
		},
		FlightAware: FlightAwareConfig{
			Enabled:         false,
			RequestsPerHour: 60,
			CooldownMinutes: 30,
			Workers:         2,
			TimeoutSeconds:  15,
			CacheSize:       4096,
		},
		Weather: WeatherConfig{
			Enabled:        true,
			BaseURL:        "https://aviationweather.gov",
			RefreshMinutes: 10,
		},
		Squawk: SquawkConfig{
			Low:  "0001",
			High: "7776",
		},
		Status: StatusConfig{
			Enabled:        false,
			Host:           "127.0.0.1",
			Port:           8080,
			TokenTTLHours:  24,
			AllowedOrigins: []string{"*"},
		},
		Database: DatabaseConfig{
			Enabled:               false,
			Driver:                "postgres",
			Host:                  "localhost",
			Port:                  5432,
			Database:              "livetraffic",
			Username:              "livetraffic",
			SSLMode:               "disable",
			MaxOpenConns:          10,
			MaxIdleConns:          2,
			RetentionHours:        24,
			RecordIntervalSeconds: 15,
		},
		Logging: LoggingConfig{
			Level: "info",
			Dir:   "logs",
		},
		AirportsFile: "airports.csv",
	}
}

// Validate checks the configuration for values the program cannot run
// with. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.SendIntervalSeconds <= 0 {
		errs = append(errs, errors.New("server.send_interval_seconds must be positive"))
	}
	if c.Server.LoginTimeoutSeconds <= 0 {
		errs = append(errs, errors.New("server.login_timeout_seconds must be positive"))
	}

	if c.Reference.Airport == "" && c.Reference.Latitude == 0 && c.Reference.Longitude == 0 {
		errs = append(errs, errors.New("reference: an airport or a latitude/longitude is required"))
	}
	if c.Reference.Latitude < -90 || c.Reference.Latitude > 90 {
		errs = append(errs, fmt.Errorf("reference.latitude %.4f out of range", c.Reference.Latitude))
	}
	if c.Reference.Longitude < -180 || c.Reference.Longitude > 180 {
		errs = append(errs, fmt.Errorf("reference.longitude %.4f out of range", c.Reference.Longitude))
	}
	if c.Reference.RangeNM <= 0 {
		errs = append(errs, errors.New("reference.range_nm must be positive"))
	}
	if c.Reference.FloorFt > c.Reference.CeilingFt {
		errs = append(errs, fmt.Errorf("reference.floor_ft %.0f above ceiling_ft %.0f",
			c.Reference.FloorFt, c.Reference.CeilingFt))
	}

	if c.Delay.DelaySeconds < 0 {
		errs = append(errs, errors.New("delay.delay_seconds must not be negative"))
	}
	if c.Delay.MaxFrames <= 0 {
		errs = append(errs, errors.New("delay.max_frames must be positive"))
	}

	if c.Fusion.CycleSeconds <= 0 || c.Fusion.SweepSeconds <= 0 || c.Fusion.ExpirySeconds <= 0 {
		errs = append(errs, errors.New("fusion cycle, sweep and expiry intervals must be positive"))
	}
	if c.Fusion.QueueSize <= 0 {
		errs = append(errs, errors.New("fusion.queue_size must be positive"))
	}

	names := make(map[string]bool)
	for i, src := range c.ADSB.Sources {
		switch src.Type {
		case "flightradar24", "airplanes.live", "adsbexchange":
		default:
			errs = append(errs, fmt.Errorf("adsb.sources[%d]: unknown type %q", i, src.Type))
		}
		if src.Name == "" {
			errs = append(errs, fmt.Errorf("adsb.sources[%d]: name is required", i))
		} else if names[src.Name] {
			errs = append(errs, fmt.Errorf("adsb.sources[%d]: duplicate name %q", i, src.Name))
		}
		names[src.Name] = true
		if src.Enabled && src.PollIntervalSeconds <= 0 {
			errs = append(errs, fmt.Errorf("adsb.sources[%d]: poll_interval_seconds must be positive", i))
		}
	}

	if c.FlightAware.Enabled {
		if c.FlightAware.APIKey == "" {
			errs = append(errs, errors.New("flightaware.api_key is required when enrichment is enabled"))
		}
		if c.FlightAware.Workers <= 0 {
			errs = append(errs, errors.New("flightaware.workers must be positive"))
		}
	}

	low, errLow := ParseSquawk(c.Squawk.Low)
	high, errHigh := ParseSquawk(c.Squawk.High)
	if errLow != nil {
		errs = append(errs, fmt.Errorf("squawk.low: %w", errLow))
	}
	if errHigh != nil {
		errs = append(errs, fmt.Errorf("squawk.high: %w", errHigh))
	}
	if errLow == nil && errHigh == nil && low > high {
		errs = append(errs, errors.New("squawk.low above squawk.high"))
	}
	for _, r := range c.Squawk.Reserved {
		if _, err := ParseSquawk(r); err != nil {
			errs = append(errs, fmt.Errorf("squawk.reserved: %w", err))
		}
	}

	if c.Status.Enabled && (c.Status.Port <= 0 || c.Status.Port > 65535) {
		errs = append(errs, fmt.Errorf("status.port %d out of range", c.Status.Port))
	}

	return errors.Join(errs...)
}

// ParseSquawk parses a four digit octal transponder code.
func ParseSquawk(s string) (int, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("%q: squawk codes have four digits", s)
	}
	v, err := strconv.ParseUint(s, 8, 16)
	if err != nil {
		return 0, fmt.Errorf("%q: invalid octal squawk code", s)
	}
	return int(v), nil
}

// ListenAddr is the host:port of the traffic protocol listener.
func (s ServerConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Callsign is the identity the server uses in protocol messages.
func (s ServerConfig) Callsign() string {
	if s.SessionCallsign == "" {
		return "SERVER"
	}
	return strings.ToUpper(s.SessionCallsign)
}

func (s ServerConfig) SendInterval() time.Duration { return seconds(s.SendIntervalSeconds) }
func (s ServerConfig) LoginTimeout() time.Duration { return time.Duration(s.LoginTimeoutSeconds) * time.Second }
func (s ServerConfig) WriteTimeout() time.Duration { return time.Duration(s.WriteTimeoutSeconds) * time.Second }
func (s ServerConfig) InterpolateMaxAge() time.Duration {
	return time.Duration(s.InterpolateMaxAgeSeconds) * time.Second
}

func (d DelayConfig) Delay() time.Duration         { return seconds(d.DelaySeconds) }
func (d DelayConfig) ReorderWindow() time.Duration { return seconds(d.ReorderWindowSeconds) }
func (d DelayConfig) DrainInterval() time.Duration { return time.Duration(d.DrainMillis) * time.Millisecond }

// MaxSpan is the largest logical time span kept in the delay buffer.
func (d DelayConfig) MaxSpan() time.Duration {
	if d.MaxSpanSeconds > 0 {
		return seconds(d.MaxSpanSeconds)
	}
	return d.Delay() + time.Minute
}

func (f FusionConfig) Cycle() time.Duration     { return seconds(f.CycleSeconds) }
func (f FusionConfig) Sweep() time.Duration     { return seconds(f.SweepSeconds) }
func (f FusionConfig) Expiry() time.Duration    { return seconds(f.ExpirySeconds) }
func (f FusionConfig) TieWindow() time.Duration { return time.Duration(f.TieWindowMillis) * time.Millisecond }

func (s ADSBSource) PollInterval() time.Duration { return seconds(s.PollIntervalSeconds) }
func (s ADSBSource) RateLimit() time.Duration    { return seconds(s.RateLimitSeconds) }

func (a ADSBConfig) MaxBackoff() time.Duration { return seconds(a.MaxBackoffSeconds) }

func (f FlightAwareConfig) Cooldown() time.Duration { return seconds(f.CooldownMinutes * 60) }
func (f FlightAwareConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

func (w WeatherConfig) RefreshInterval() time.Duration { return seconds(w.RefreshMinutes * 60) }

func (d DatabaseConfig) RecordInterval() time.Duration { return seconds(d.RecordIntervalSeconds) }
func (d DatabaseConfig) Retention() time.Duration {
	return time.Duration(d.RetentionHours) * time.Hour
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// applyEnvironmentOverrides applies environment variable overrides to the config.
// This allows sensitive data like passwords to be kept out of config files.
func (c *Config) applyEnvironmentOverrides() {
	if port := os.Getenv("LIVETRAFFIC_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if airport := os.Getenv("LIVETRAFFIC_AIRPORT"); airport != "" {
		c.Reference.Airport = strings.ToUpper(airport)
	}
	if delay := os.Getenv("LIVETRAFFIC_DELAY_SECONDS"); delay != "" {
		if d, err := strconv.ParseFloat(delay, 64); err == nil {
			c.Delay.DelaySeconds = d
		}
	}
	if dbPassword := os.Getenv("LIVETRAFFIC_DB_PASSWORD"); dbPassword != "" {
		c.Database.Password = dbPassword
	}
	// Override position source API keys if provided
	if apiKey := os.Getenv("LIVETRAFFIC_ADSB_API_KEY"); apiKey != "" {
		for i := range c.ADSB.Sources {
			c.ADSB.Sources[i].APIKey = apiKey
		}
	}
	if faKey := os.Getenv("LIVETRAFFIC_FLIGHTAWARE_API_KEY"); faKey != "" {
		c.FlightAware.APIKey = faKey
	}
	if secret := os.Getenv("LIVETRAFFIC_STATUS_TOKEN_SECRET"); secret != "" {
		c.Status.TokenSecret = secret
	}
}
