// Package enrich looks up filed flight plans for airline flights in the
// served area and attaches them to the traffic picture.
package enrich

import (
	"context"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/unklstewy/livetraffic/internal/traffic"
	"github.com/unklstewy/livetraffic/pkg/flightaware"
	"github.com/unklstewy/livetraffic/pkg/log"
)

// Airline flights: a three letter operator designator followed by a
// flight number that starts with a digit (UAL123, BAW12K).
var airlineCallsign = regexp.MustCompile(`^[A-Z]{3}[0-9][0-9A-Z]*$`)

// AirlineCallsign reports whether callsign looks like a scheduled flight.
func AirlineCallsign(callsign string) bool {
	return airlineCallsign.MatchString(callsign)
}

// PlanSource looks up a flight plan by callsign. A nil plan with a nil
// error means no plan is on file. *flightaware.Client implements it.
type PlanSource interface {
	GetFlightPlanByCallsign(ctx context.Context, callsign string) (*flightaware.FlightPlan, error)
}

type Options struct {
	// Enabled gates every lookup
	Enabled bool

	// Cooldown is how long a callsign is left alone after an attempt,
	// successful or not
	Cooldown time.Duration

	// RequestsPerHour paces lookups; 0 is unlimited
	RequestsPerHour int

	Workers   int
	Timeout   time.Duration
	CacheSize int

	// Range is the operational area; aircraft outside it are not looked up
	Range traffic.Criteria

	Logger *log.Logger
	Now    func() time.Time
}

// Stats counts enricher activity.
type Stats struct {
	Queued    uint64
	Found     uint64
	NotFound  uint64
	Failed    uint64
	Throttled uint64
}

type job struct {
	key      string
	callsign string
}

// Enricher gates lookups and runs them on a bounded worker pool.
type Enricher struct {
	opts     Options
	source   PlanSource
	cooldown *expirable.LRU[string, time.Time]
	limiter  *rate.Limiter
	jobs     chan job

	queued, found, notFound, failed, throttled atomic.Uint64
}

func New(source PlanSource, opts Options) *Enricher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 4096
	}
	if opts.Timeout <= 0 {
		opts.Timeout = flightaware.DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	limit := rate.Inf
	if opts.RequestsPerHour > 0 {
		limit = rate.Limit(float64(opts.RequestsPerHour) / 3600.0)
	}

	return &Enricher{
		opts:     opts,
		source:   source,
		cooldown: expirable.NewLRU[string, time.Time](opts.CacheSize, nil, opts.Cooldown),
		limiter:  rate.NewLimiter(limit, 1),
		jobs:     make(chan job, opts.Workers*4),
	}
}

// Eligible applies every gate except pacing: enabled, no plan yet,
// airline callsign, in range and not in cooldown.
func (e *Enricher) Eligible(r traffic.Record) bool {
	if !e.opts.Enabled || e.source == nil || r.FlightPlan != nil {
		return false
	}
	cs, ok := r.Callsign.Get()
	if !ok || !AirlineCallsign(cs) {
		return false
	}
	if !e.opts.Range.InRange(r) {
		return false
	}
	return !e.cooldown.Contains(cs)
}

// Consider queues lookups for the eligible aircraft of a snapshot and
// returns how many were queued. Aircraft skipped for lack of a rate
// token or queue space are not put into cooldown and are reconsidered on
// the next snapshot.
func (e *Enricher) Consider(s traffic.Snapshot) int {
	if !e.opts.Enabled {
		return 0
	}

	n := 0
	for _, r := range s.Aircraft {
		if !e.Eligible(r) {
			continue
		}
		if len(e.jobs) == cap(e.jobs) || !e.limiter.Allow() {
			e.throttled.Add(1)
			break
		}

		cs := r.Callsign.Value
		e.cooldown.Add(cs, e.opts.Now())
		select {
		case e.jobs <- job{key: r.Key, callsign: cs}:
			e.queued.Add(1)
			n++
		default:
			e.throttled.Add(1)
			e.cooldown.Remove(cs)
			return n
		}
	}
	return n
}

// Run executes lookups until ctx is cancelled, handing results to emit.
func (e *Enricher) Run(ctx context.Context, emit func(traffic.Event) bool) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.opts.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case j := <-e.jobs:
					e.lookup(ctx, j, emit)
				}
			}
		})
	}
	return g.Wait()
}

func (e *Enricher) lookup(ctx context.Context, j job, emit func(traffic.Event) bool) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	fp, err := e.source.GetFlightPlanByCallsign(ctx, j.callsign)
	switch {
	case err != nil:
		e.failed.Add(1)
		e.opts.Logger.Warn("Flight plan lookup failed", "callsign", j.callsign, "error", err)
		return
	case fp == nil:
		e.notFound.Add(1)
		e.opts.Logger.Debug("No flight plan on file", "callsign", j.callsign)
		return
	}

	e.found.Add(1)
	plan := ConvertPlan(fp, j.callsign, e.opts.Now())
	e.opts.Logger.Info("Flight plan found", "callsign", j.callsign, "origin", plan.Origin,
		"destination", plan.Destination)
	if !emit(traffic.Event{Source: "FlightAware", Plan: &traffic.PlanResult{Key: j.key, Callsign: j.callsign, Plan: plan}}) {
		e.opts.Logger.Warn("Dropped flight plan, ingestion queue full", "callsign", j.callsign)
	}
}

func (e *Enricher) Stats() Stats {
	return Stats{
		Queued:    e.queued.Load(),
		Found:     e.found.Load(),
		NotFound:  e.notFound.Load(),
		Failed:    e.failed.Load(),
		Throttled: e.throttled.Load(),
	}
}

// ConvertPlan maps an AeroAPI flight to the plan attached to a record.
// Airline flights file IFR.
func ConvertPlan(fp *flightaware.FlightPlan, callsign string, now time.Time) *traffic.FlightPlan {
	p := &traffic.FlightPlan{
		Callsign:       strings.ToUpper(callsign),
		Rules:          "I",
		AircraftType:   fp.AircraftType,
		CruiseSpeed:    fp.FiledAirspeed,
		CruiseAltitude: fp.CruiseAltitude(),
		Origin:         fp.Origin.Code,
		Destination:    fp.Destination.Code,
		Route:          fp.Route,
		DepartureGate:  fp.GateOrigin,
		ArrivalGate:    fp.GateDestination,
		Source:         "FlightAware",
		Fetched:        now,
	}
	if fp.ScheduledOut != nil {
		p.Departure = fp.ScheduledOut.UTC()
	}
	if fp.ScheduledIn != nil {
		p.Arrival = fp.ScheduledIn.UTC()
	}
	return p
}
