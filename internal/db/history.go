package db

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/unklstewy/livetraffic/internal/traffic"
	"github.com/unklstewy/livetraffic/pkg/log"
)

// Frame is one archived delivery: the aircraft it carried plus any flight
// plans not archived before.
type Frame struct {
	Recorded    time.Time
	Seq         uint64
	LogicalTime time.Time
	Aircraft    []traffic.Record
	Plans       []PlanRecord
}

type PlanRecord struct {
	Key      string
	Callsign string
	Plan     *traffic.FlightPlan
}

// Store persists archived frames. *HistoryRepository implements it.
type Store interface {
	RecordFrame(ctx context.Context, f Frame) error
	Cleanup(ctx context.Context, cutoff time.Time) (int64, error)
}

// HistoryRepository writes frames with COPY, one transaction per frame.
type HistoryRepository struct {
	db *DB
}

func NewHistoryRepository(db *DB) *HistoryRepository {
	return &HistoryRepository{db: db}
}

var trafficColumns = []string{
	"recorded_at", "frame_seq", "logical_time", "aircraft_key", "hex", "callsign",
	"latitude", "longitude", "altitude_ft", "ground_speed_kts", "track_deg", "vertical_rate_fpm",
	"on_ground", "squawk", "aircraft_type", "registration", "origin", "destination",
	"position_source", "position_time",
}

var planColumns = []string{
	"recorded_at", "aircraft_key", "callsign", "rules", "aircraft_type", "cruise_speed_kts",
	"cruise_altitude_ft", "origin", "destination", "route", "scheduled_departure",
	"scheduled_arrival", "departure_gate", "arrival_gate", "source", "fetched_at",
}

func (r *HistoryRepository) RecordFrame(ctx context.Context, f Frame) error {
	return WithRetry(ctx, func() error { return r.recordFrame(ctx, f) }, 2)
}

func (r *HistoryRepository) recordFrame(ctx context.Context, f Frame) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	copyRows := func(table string, columns []string, rows [][]any) error {
		if len(rows) == 0 {
			return nil
		}
		stmt, err := tx.PrepareContext(ctx, pq.CopyIn(table, columns...))
		if err != nil {
			return fmt.Errorf("failed to prepare copy into %s: %w", table, err)
		}
		defer stmt.Close()
		for _, row := range rows {
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				return fmt.Errorf("failed to copy into %s: %w", table, err)
			}
		}
		if _, err := stmt.ExecContext(ctx); err != nil {
			return fmt.Errorf("failed to flush copy into %s: %w", table, err)
		}
		return nil
	}

	if err := copyRows("traffic_history", trafficColumns, TrafficRows(f)); err != nil {
		return err
	}
	if err := copyRows("flight_plan_history", planColumns, PlanRows(f)); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *HistoryRepository) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	return r.db.CleanupOldData(ctx, cutoff)
}

// TrafficRows lays out a frame's aircraft in trafficColumns order.
// Unset fields are NULL.
func TrafficRows(f Frame) [][]any {
	rows := make([][]any, 0, len(f.Aircraft))
	for _, a := range f.Aircraft {
		var lat, lon, source, posTime any
		if a.Position.Set {
			lat, lon = a.Position.Value.Latitude, a.Position.Value.Longitude
			source, posTime = a.Position.Source, a.PositionTime().UTC()
		}
		rows = append(rows, []any{
			f.Recorded.UTC(), int64(f.Seq), f.LogicalTime.UTC(), a.Key, nullString(a.Hex), nullable(a.Callsign),
			lat, lon, nullable(a.Altitude), nullable(a.GroundSpeed), nullable(a.Heading), nullable(a.VerticalRate),
			nullable(a.OnGround), a.Transponder(), nullable(a.Type), nullable(a.Registration),
			nullable(a.Origin), nullable(a.Destination), source, posTime,
		})
	}
	return rows
}

// PlanRows lays out a frame's new flight plans in planColumns order.
func PlanRows(f Frame) [][]any {
	rows := make([][]any, 0, len(f.Plans))
	for _, p := range f.Plans {
		fp := p.Plan
		rows = append(rows, []any{
			f.Recorded.UTC(), p.Key, p.Callsign, fp.Rules, nullString(fp.AircraftType), fp.CruiseSpeed,
			fp.CruiseAltitude, nullString(fp.Origin), nullString(fp.Destination), nullString(fp.Route),
			nullTime(fp.Departure), nullTime(fp.Arrival), nullString(fp.DepartureGate),
			nullString(fp.ArrivalGate), nullString(fp.Source), nullTime(fp.Fetched),
		})
	}
	return rows
}

func nullable[T comparable](f traffic.Field[T]) any {
	if !f.Set {
		return nil
	}
	return f.Value
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

///////////////////////////////////////////////////////////////////////////
// Recorder

type RecorderOptions struct {
	// Interval is the minimum spacing of archived frames
	Interval time.Duration

	// Retention is how long rows are kept; 0 keeps them forever
	Retention time.Duration

	// CleanupInterval is how often expired rows are deleted
	CleanupInterval time.Duration

	Logger *log.Logger
	Now    func() time.Time
}

// Recorder archives delivered frames. Store failures are logged and the
// frame is skipped; the archive never holds up delivery.
type Recorder struct {
	store Store
	opts  RecorderOptions

	last  time.Time
	plans map[string]*traffic.FlightPlan

	recorded, failed atomic.Uint64
}

func NewRecorder(store Store, opts RecorderOptions) *Recorder {
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{store: store, opts: opts, plans: make(map[string]*traffic.FlightPlan)}
}

// SetStore replaces the store. It must not be called while Run is active.
func (r *Recorder) SetStore(store Store) {
	r.store = store
}

// Run archives frames from the channel until ctx is done or it closes.
func (r *Recorder) Run(ctx context.Context, frames <-chan traffic.Snapshot) error {
	cleanup := time.NewTicker(r.opts.CleanupInterval)
	defer cleanup.Stop()

	r.cleanup(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-frames:
			if !ok {
				return nil
			}
			r.Record(ctx, snap)
		case <-cleanup.C:
			r.cleanup(ctx)
		}
	}
}

// Record archives snap unless the previous archived frame is younger
// than the interval. It reports whether the frame was written.
func (r *Recorder) Record(ctx context.Context, snap traffic.Snapshot) bool {
	now := r.opts.Now()
	if !r.last.IsZero() && now.Sub(r.last) < r.opts.Interval {
		return false
	}

	f := Frame{Recorded: now, Seq: snap.Seq, LogicalTime: snap.LogicalTime, Aircraft: snap.Aircraft}
	seen := make(map[string]*traffic.FlightPlan, len(r.plans))
	for _, a := range snap.Aircraft {
		if a.FlightPlan == nil {
			continue
		}
		seen[a.Key] = a.FlightPlan
		if r.plans[a.Key] != a.FlightPlan {
			f.Plans = append(f.Plans, PlanRecord{Key: a.Key, Callsign: a.Name(), Plan: a.FlightPlan})
		}
	}

	if err := r.store.RecordFrame(ctx, f); err != nil {
		r.failed.Add(1)
		r.opts.Logger.Warn("Failed to archive frame", "seq", snap.Seq, "error", err)
		return false
	}
	r.recorded.Add(1)
	r.last = now
	r.plans = seen
	return true
}

func (r *Recorder) cleanup(ctx context.Context) {
	if r.opts.Retention <= 0 {
		return
	}
	n, err := r.store.Cleanup(ctx, r.opts.Now().Add(-r.opts.Retention))
	if err != nil {
		r.opts.Logger.Warn("Failed to expire archived rows", "error", err)
		return
	}
	if n > 0 {
		r.opts.Logger.Info("Expired archived rows", "rows", n)
	}
}

// Stats returns the number of frames archived and failed.
func (r *Recorder) Stats() (recorded, failed uint64) {
	return r.recorded.Load(), r.failed.Load()
}
