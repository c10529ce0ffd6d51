// Package weather keeps the latest METAR for each airport clients care
// about and refreshes them periodically.
package weather

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/unklstewy/livetraffic/internal/traffic"
	"github.com/unklstewy/livetraffic/pkg/log"
	"github.com/unklstewy/livetraffic/pkg/metar"
)

// Cache is the per-station latest METAR together with the set of
// stations to keep fresh. Safe for concurrent use.
type Cache struct {
	mu      sync.RWMutex
	metars  map[string]traffic.Metar
	watched map[string]bool

	// refresh is signalled when a new station is watched
	refresh chan struct{}
}

func NewCache(stations ...string) *Cache {
	c := &Cache{
		metars:  make(map[string]traffic.Metar),
		watched: make(map[string]bool),
		refresh: make(chan struct{}, 1),
	}
	for _, s := range stations {
		c.Watch(s)
	}
	return c
}

// Get returns the latest METAR for station.
func (c *Cache) Get(station string) (traffic.Metar, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m, ok := c.metars[normalize(station)]
	return m, ok
}

// Put stores an observation unless a newer one for the same station is
// already cached. It reports whether the cache changed.
func (c *Cache) Put(m traffic.Metar) bool {
	m.Station = normalize(m.Station)
	if m.Station == "" {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.metars[m.Station]; ok {
		if m.Observed.Before(prev.Observed) || (m.Observed.Equal(prev.Observed) && m.Raw == prev.Raw) {
			return false
		}
	}
	c.metars[m.Station] = m
	return true
}

// Watch adds a station to the refresh set. A station not watched before
// triggers an immediate refresh.
func (c *Cache) Watch(station string) {
	station = normalize(station)
	if station == "" {
		return
	}

	c.mu.Lock()
	added := !c.watched[station]
	c.watched[station] = true
	c.mu.Unlock()

	if added {
		select {
		case c.refresh <- struct{}{}:
		default:
		}
	}
}

// Stations returns the watched stations, sorted.
func (c *Cache) Stations() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := make([]string, 0, len(c.watched))
	for st := range c.watched {
		s = append(s, st)
	}
	slices.Sort(s)
	return s
}

// All returns a copy of every cached METAR keyed by station.
func (c *Cache) All() map[string]traffic.Metar {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := make(map[string]traffic.Metar, len(c.metars))
	for k, v := range c.metars {
		m[k] = v
	}
	return m
}

// Refreshes is signalled whenever a station is newly watched.
func (c *Cache) Refreshes() <-chan struct{} {
	return c.refresh
}

func normalize(station string) string {
	return strings.ToUpper(strings.TrimSpace(station))
}

///////////////////////////////////////////////////////////////////////////
// Polling

// Fetcher retrieves current observations; *metar.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, stations ...string) ([]metar.Observation, error)
}

// Poller refreshes every watched station on an interval and whenever a
// new station is watched. Observations are handed to emit, which
// normally forwards them to the ingestion channel.
type Poller struct {
	Cache    *Cache
	Fetcher  Fetcher
	Interval time.Duration
	Logger   *log.Logger
	Now      func() time.Time
}

// Run polls until ctx is cancelled. Failed fetches are logged and retried
// on the next tick.
func (p *Poller) Run(ctx context.Context, emit func([]traffic.Metar)) error {
	now := p.Now
	if now == nil {
		now = time.Now
	}
	interval := p.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	poll := func() {
		stations := p.Cache.Stations()
		if len(stations) == 0 {
			return
		}
		obs, err := p.Fetcher.Fetch(ctx, stations...)
		if err != nil {
			if ctx.Err() == nil {
				p.Logger.Warn("METAR refresh failed", "stations", len(stations), "error", err)
			}
			return
		}
		fetched := now()
		metars := make([]traffic.Metar, 0, len(obs))
		for _, o := range obs {
			metars = append(metars, traffic.Metar{Station: o.Station, Raw: o.Raw, Observed: o.Time, Fetched: fetched})
		}
		p.Logger.Debug("METAR refresh", "stations", len(stations), "reports", len(metars))
		if len(metars) > 0 {
			emit(metars)
		}
	}

	poll()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			poll()
		case <-p.Cache.Refreshes():
			poll()
		}
	}
}
