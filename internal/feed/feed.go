// Package feed runs the position sources: each polls its provider on its
// own interval, normalizes the reports to traffic deltas and hands them to
// the ingestion queue without ever blocking on it.
package feed

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/unklstewy/livetraffic/internal/traffic"
	"github.com/unklstewy/livetraffic/pkg/adsb"
	"github.com/unklstewy/livetraffic/pkg/airports"
	"github.com/unklstewy/livetraffic/pkg/config"
	"github.com/unklstewy/livetraffic/pkg/coordinates"
	"github.com/unklstewy/livetraffic/pkg/log"
)

///////////////////////////////////////////////////////////////////////////
// Queue

// Queue is the bounded ingestion channel shared by every source. Emit
// never blocks: when the queue is full the event is dropped and counted.
type Queue struct {
	ch      chan traffic.Event
	dropped atomic.Uint64
	lg      *log.Logger
}

func NewQueue(size int, lg *log.Logger) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{ch: make(chan traffic.Event, size), lg: lg}
}

// Emit offers an event to the queue and reports whether it was accepted.
func (q *Queue) Emit(ev traffic.Event) bool {
	select {
	case q.ch <- ev:
		return true
	default:
		n := q.dropped.Add(1)
		q.lg.Warn("Ingestion queue full, dropping event", "source", ev.Source, "dropped", n)
		return false
	}
}

func (q *Queue) Events() <-chan traffic.Event { return q.ch }

func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

func (q *Queue) Len() int { return len(q.ch) }

///////////////////////////////////////////////////////////////////////////
// Adapter

// Stats describes one adapter's recent activity.
type Stats struct {
	Name        string
	Polls       uint64
	Failures    uint64
	LastCount   int
	LastSuccess time.Time
	LastError   string
}

// Adapter polls one position source.
type Adapter struct {
	Source   adsb.DataSource
	Name     string
	Priority int

	// Interval between polls while healthy
	Interval time.Duration

	// MaxBackoff caps the delay between failing polls
	MaxBackoff time.Duration

	// Retry is the bounded retry within a single poll
	Retry adsb.RetryConfig

	Center   coordinates.Geographic
	RadiusNM float64

	// Airports maps IATA route hints to ICAO; may be nil
	Airports *airports.DB

	Logger *log.Logger

	polls, failures atomic.Uint64
	lastCount       atomic.Int64
	lastSuccess     atomic.Int64
	lastError       atomic.Value
}

// NewAdapter creates the adapter for one configured source.
func NewAdapter(src config.ADSBSource, cfg *config.Config, center coordinates.Geographic,
	db *airports.DB, lg *log.Logger) (*Adapter, error) {
	var ds adsb.DataSource
	switch src.Type {
	case "airplanes.live":
		ds = adsb.NewAirplanesLiveClient(src.BaseURL, src.RateLimit())
	case "flightradar24":
		ds = adsb.NewFlightRadarClient(src.BaseURL)
	case "adsbexchange":
		ds = adsb.NewADSBExchangeClient(src.BaseURL)
	default:
		return nil, fmt.Errorf("%s: unknown source type %q", src.Name, src.Type)
	}

	r := cfg.ADSB.Retry
	return &Adapter{
		Source:     ds,
		Name:       src.Name,
		Priority:   src.Priority,
		Interval:   src.PollInterval(),
		MaxBackoff: cfg.ADSB.MaxBackoff(),
		Retry: adsb.RetryConfig{
			MaxRetries:        r.MaxRetries,
			InitialDelay:      time.Duration(r.InitialDelaySeconds * float64(time.Second)),
			MaxDelay:          time.Duration(r.MaxDelaySeconds * float64(time.Second)),
			Multiplier:        r.Multiplier,
			RespectRetryAfter: true,
		},
		Center:   center,
		RadiusNM: cfg.Reference.RangeNM,
		Airports: db,
		Logger:   lg.With("source", src.Name),
	}, nil
}

// Run polls until ctx is cancelled. A failed poll never stops the
// adapter: it is logged and the next poll is pushed back by exponential
// backoff, capped at MaxBackoff, or by the provider's Retry-After.
func (a *Adapter) Run(ctx context.Context, emit func(traffic.Event) bool) error {
	defer a.Source.Close()
	if a.Interval <= 0 {
		a.Interval = 5 * time.Second
	}

	failures := 0
	for {
		wait := a.Interval
		if err := a.poll(ctx, emit); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			wait = NextDelay(a.Interval, a.MaxBackoff, failures, err)
			a.Logger.Warn("Poll failed", "error", err, "failures", failures, "next", wait)
		} else {
			failures = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// poll runs one fetch with panic recovery so a provider bug cannot take
// the adapter down.
func (a *Adapter) poll(ctx context.Context, emit func(traffic.Event) bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in poll: %v", r)
		}
		if err != nil {
			a.failures.Add(1)
			a.lastError.Store(err.Error())
		}
	}()

	a.polls.Add(1)
	deltas, err := a.Poll(ctx)
	if err != nil {
		return err
	}

	a.lastCount.Store(int64(len(deltas)))
	a.lastSuccess.Store(time.Now().UnixNano())
	a.Logger.Debug("Poll complete", "aircraft", len(deltas))
	if len(deltas) > 0 {
		emit(traffic.Event{Source: a.Name, Deltas: deltas})
	}
	return nil
}

// Poll fetches the current aircraft once, with bounded retries, and
// returns them as deltas.
func (a *Adapter) Poll(ctx context.Context) ([]traffic.Delta, error) {
	retry := a.Retry
	retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		a.Logger.Debug("Retrying", "attempt", attempt, "delay", delay, "error", err)
	}
	aircraft, err := adsb.RetryWithBackoffResult(ctx, retry, func() ([]adsb.Aircraft, error) {
		return a.Source.GetAircraft(ctx, a.Center.Latitude, a.Center.Longitude, a.RadiusNM)
	})
	if err != nil {
		return nil, err
	}

	deltas := make([]traffic.Delta, 0, len(aircraft))
	for _, ac := range aircraft {
		if d, ok := a.Normalize(ac); ok {
			deltas = append(deltas, d)
		}
	}
	return deltas, nil
}

// Normalize converts a provider report into a delta. Reports without a
// hex address or callsign cannot be fused and are skipped.
func (a *Adapter) Normalize(ac adsb.Aircraft) (traffic.Delta, bool) {
	d := traffic.Delta{
		Source:       a.Name,
		Priority:     a.Priority,
		Time:         ac.LastSeen,
		Hex:          strings.ToUpper(strings.TrimSpace(ac.ICAO)),
		Callsign:     strings.ToUpper(strings.TrimSpace(ac.Callsign)),
		Altitude:     ac.Altitude,
		GroundSpeed:  ac.GroundSpeed,
		Heading:      ac.Track,
		VerticalRate: ac.VerticalRate,
		OnGround:     ac.OnGround,
		Squawk:       ac.Squawk,
		Type:         ac.Type,
		Registration: ac.Registration,
		Origin:       a.Airports.ToICAO(ac.Origin),
		Destination:  a.Airports.ToICAO(ac.Destination),
	}
	// Non-ICAO (TIS-B, anonymous) addresses are not stable identities
	if strings.HasPrefix(d.Hex, "~") {
		d.Hex = ""
	}
	if d.Hex == "" && d.Callsign == "" {
		return traffic.Delta{}, false
	}
	if ac.HasPosition() {
		d.Position = &coordinates.Geographic{Latitude: *ac.Latitude, Longitude: *ac.Longitude}
	}
	return d, true
}

func (a *Adapter) Stats() Stats {
	s := Stats{
		Name:      a.Name,
		Polls:     a.polls.Load(),
		Failures:  a.failures.Load(),
		LastCount: int(a.lastCount.Load()),
	}
	if ns := a.lastSuccess.Load(); ns != 0 {
		s.LastSuccess = time.Unix(0, ns)
	}
	if e, ok := a.lastError.Load().(string); ok {
		s.LastError = e
	}
	return s
}

// NextDelay is the wait before the next poll after the given number of
// consecutive failures: the interval doubled per failure, capped at
// maxBackoff, but never shorter than a provider's Retry-After.
func NextDelay(interval, maxBackoff time.Duration, failures int, err error) time.Duration {
	backoff := adsb.RetryConfig{InitialDelay: interval, MaxDelay: maxBackoff, Multiplier: 2}
	d := backoff.BackoffDelay(failures)
	if rle, ok := adsb.IsRateLimitError(err); ok && rle.RetryAfter > d {
		d = rle.RetryAfter
	}
	return d
}
