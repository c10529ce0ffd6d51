// Package pipeline connects the fusion table to the client-facing hub: it
// drains the ingestion channel into the table, takes periodic snapshots,
// filters them, feeds the enricher and the delay buffer, expires stale
// aircraft, and publishes frames as they become eligible.
package pipeline

import (
	"context"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unklstewy/livetraffic/internal/delay"
	"github.com/unklstewy/livetraffic/internal/enrich"
	"github.com/unklstewy/livetraffic/internal/traffic"
	"github.com/unklstewy/livetraffic/internal/weather"
	"github.com/unklstewy/livetraffic/pkg/log"
)

type Options struct {
	// Cycle is the snapshot interval
	Cycle time.Duration

	// Sweep is how often expired aircraft are removed
	Sweep time.Duration

	// Drain is how often the delay buffer is checked for ready frames
	Drain time.Duration

	// Range is the filter applied to every snapshot before delay
	Range traffic.Criteria

	Logger *log.Logger
	Now    func() time.Time
}

// Stats summarizes pipeline activity.
type Stats struct {
	Events   uint64
	Deltas   uint64
	Plans    uint64
	Metars   uint64
	Cycles   uint64
	Expired  uint64
	Aircraft int
	Delay    delay.Stats
	Dropped  uint64
}

type Pipeline struct {
	table    *traffic.Table
	weather  *weather.Cache
	enricher *enrich.Enricher
	buffer   *delay.Buffer
	hub      *Hub
	events   <-chan traffic.Event
	opts     Options

	nEvents, nDeltas, nPlans, nMetars, nCycles, nExpired atomic.Uint64
}

// New creates a pipeline. enricher may be nil.
func New(table *traffic.Table, wx *weather.Cache, enricher *enrich.Enricher, buffer *delay.Buffer,
	hub *Hub, events <-chan traffic.Event, opts Options) *Pipeline {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Cycle <= 0 {
		opts.Cycle = time.Second
	}
	if opts.Sweep <= 0 {
		opts.Sweep = 5 * time.Second
	}
	if opts.Drain <= 0 {
		opts.Drain = 100 * time.Millisecond
	}
	return &Pipeline{
		table:    table,
		weather:  wx,
		enricher: enricher,
		buffer:   buffer,
		hub:      hub,
		events:   events,
		opts:     opts,
	}
}

// Run starts the ingest worker, the fusion-cycle driver, the sweeper and
// the drainer, and returns once ctx is cancelled and all have stopped.
// Frames still held in the delay buffer are discarded.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev := <-p.events:
				p.safely("ingest", func() { p.Ingest(ev) })
			}
		}
	})
	g.Go(func() error {
		return p.every(ctx, "fusion", p.opts.Cycle, func(now time.Time) { p.Cycle(now) })
	})
	g.Go(func() error {
		return p.every(ctx, "sweep", p.opts.Sweep, func(now time.Time) { p.Sweep(now) })
	})
	g.Go(func() error {
		return p.every(ctx, "drain", p.opts.Drain, func(now time.Time) { p.Drain(now) })
	})

	return g.Wait()
}

// Ingest applies one event to the table or the weather cache.
func (p *Pipeline) Ingest(ev traffic.Event) {
	p.nEvents.Add(1)
	lg := p.opts.Logger

	if len(ev.Deltas) > 0 {
		n := p.table.ApplyBatch(ev.Deltas)
		p.nDeltas.Add(uint64(n))
		lg.Debug("Applied deltas", "source", ev.Source, "received", len(ev.Deltas), "applied", n)
	}

	if pr := ev.Plan; pr != nil && pr.Plan != nil {
		if p.table.AttachFlightPlan(pr.Key, pr.Callsign, pr.Plan) {
			p.nPlans.Add(1)
		} else {
			lg.Debug("Flight plan for departed aircraft discarded", "callsign", pr.Callsign)
		}
	}

	if len(ev.Metars) > 0 {
		changed := false
		for _, m := range ev.Metars {
			if p.weather.Put(m) {
				changed = true
				p.nMetars.Add(1)
			}
		}
		if changed {
			p.table.Touch()
		}
	}
}

// Cycle takes one snapshot, attaches the current METARs, filters it to
// the served area, offers it to the enricher and pushes it into the delay
// buffer. It reports whether the buffer accepted the frame.
func (p *Pipeline) Cycle(now time.Time) bool {
	p.nCycles.Add(1)

	full := p.table.Snapshot()
	full.Metars = p.weather.All()

	if p.enricher != nil {
		if n := p.enricher.Consider(full); n > 0 {
			p.opts.Logger.Debug("Queued flight plan lookups", "count", n)
		}
	}

	return p.buffer.Push(traffic.Filter(full, p.opts.Range), now)
}

// Sweep expires aircraft not updated within the expiry threshold.
func (p *Pipeline) Sweep(now time.Time) []string {
	expired := p.table.SweepExpired(now)
	if len(expired) > 0 {
		p.nExpired.Add(uint64(len(expired)))
		p.opts.Logger.Debug("Expired aircraft", "count", len(expired), "keys", expired)
	}
	return expired
}

// Drain publishes every frame that is eligible at now, oldest first, and
// returns how many were published.
func (p *Pipeline) Drain(now time.Time) int {
	n := 0
	for {
		s, ok := p.buffer.PopReady(now)
		if !ok {
			return n
		}
		p.hub.Publish(s)
		n++
	}
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Events:   p.nEvents.Load(),
		Deltas:   p.nDeltas.Load(),
		Plans:    p.nPlans.Load(),
		Metars:   p.nMetars.Load(),
		Cycles:   p.nCycles.Load(),
		Expired:  p.nExpired.Load(),
		Aircraft: p.table.Len(),
		Delay:    p.buffer.Stats(),
		Dropped:  p.hub.Dropped(),
	}
}

func (p *Pipeline) every(ctx context.Context, name string, interval time.Duration, fn func(time.Time)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.safely(name, func() { fn(p.opts.Now()) })
		}
	}
}

// safely runs fn and logs a panic instead of letting it take down the
// process; the worker carries on with its next cycle.
func (p *Pipeline) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			p.opts.Logger.Error("Recovered from panic, will be retried on next cycle",
				"worker", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
