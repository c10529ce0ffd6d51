package traffic

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unklstewy/livetraffic/pkg/log"
)

// SquawkAllocator hands out transponder codes to new records and takes
// them back when records expire. The table calls it with its own lock
// held, so allocation and release are atomic with respect to fusion.
type SquawkAllocator interface {
	Allocate(key string) (string, bool)
	Release(key string)
}

// TableOptions configures a Table.
type TableOptions struct {
	// TieWindow: reports this close in source time are resolved by
	// source priority
	TieWindow time.Duration

	// Expiry removes records not written for this long
	Expiry time.Duration

	Squawks SquawkAllocator
	Logger  *log.Logger

	// Now is the wall clock; tests replace it
	Now func() time.Time
}

// Table is the authoritative set of live aircraft. Writers are exclusive,
// readers share; callers never get references into the table.
type Table struct {
	mu sync.RWMutex

	records    map[string]*Record
	byHex      map[string]string // hex -> key
	byCallsign map[string]string // callsign -> key
	logical    time.Time

	seq atomic.Uint64

	tieWindow time.Duration
	expiry    time.Duration
	squawks   SquawkAllocator
	lg        *log.Logger
	now       func() time.Time
}

func NewTable(opts TableOptions) *Table {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Expiry <= 0 {
		opts.Expiry = time.Minute
	}
	return &Table{
		records:    make(map[string]*Record),
		byHex:      make(map[string]string),
		byCallsign: make(map[string]string),
		tieWindow:  opts.TieWindow,
		expiry:     opts.Expiry,
		squawks:    opts.Squawks,
		lg:         opts.Logger,
		now:        opts.Now,
	}
}

// Apply fuses one report into the table and returns the identity key of
// the record it landed in. Reports without a hex address or callsign are
// dropped and ok is false.
func (t *Table) Apply(d Delta) (key string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.apply(d, t.now())
}

// ApplyBatch fuses several reports under one lock acquisition. It
// returns the number of reports that landed in a record.
func (t *Table) ApplyBatch(ds []Delta) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	n := 0
	for _, d := range ds {
		if _, ok := t.apply(d, now); ok {
			n++
		}
	}
	return n
}

func (t *Table) apply(d Delta, now time.Time) (string, bool) {
	hex := strings.ToUpper(strings.TrimSpace(d.Hex))
	cs := strings.ToUpper(strings.TrimSpace(d.Callsign))
	if hex == "" && cs == "" {
		return "", false
	}
	if d.Time.IsZero() {
		d.Time = now
	}

	rec := t.resolve(hex, cs)
	created := rec == nil
	if created {
		key := hex
		if key == "" {
			key = cs
		}
		rec = &Record{Key: key, Hex: hex, FirstSeen: now, LastSeen: now}
		if t.squawks != nil {
			if code, ok := t.squawks.Allocate(key); ok {
				rec.AssignedSquawk = code
			} else {
				t.lg.Warnf("%s: squawk pool exhausted, showing without an assigned code", key)
			}
		}
		t.records[key] = rec
		if hex != "" {
			t.byHex[hex] = key
		}
		t.lg.Debug("New aircraft", "key", key, "source", d.Source)
	}

	took, changed := t.merge(rec, d, cs)
	if took {
		rec.LastSeen = now
	}
	switch {
	case !changed && !created:
	case d.Time.After(t.logical):
		t.logical = d.Time
	default:
		// A lagging source changed the picture; it still needs a newer
		// logical time than every snapshot already taken.
		t.advance()
	}
	return rec.Key, true
}

// resolve finds the live record a report belongs to. A report with a hex
// address matches by address first, then adopts a callsign-keyed record
// that has no address yet. When the address wins, an address-less record
// still holding the callsign is retired. A report with only a callsign
// matches by callsign.
func (t *Table) resolve(hex, cs string) *Record {
	if hex != "" {
		if key, ok := t.byHex[hex]; ok {
			rec := t.records[key]
			if cs != "" {
				t.retireDuplicate(rec, cs)
			}
			return rec
		}
		if cs == "" {
			return nil
		}
		if key, ok := t.byCallsign[cs]; ok {
			if rec := t.records[key]; rec != nil && rec.Hex == "" {
				rec.Hex = hex
				t.byHex[hex] = key
				t.advance()
				return rec
			}
		}
		return nil
	}
	if key, ok := t.byCallsign[cs]; ok {
		return t.records[key]
	}
	return nil
}

// retireDuplicate removes the address-less record that cs resolves to
// when a report carrying both identifiers matched rec by address instead.
func (t *Table) retireDuplicate(rec *Record, cs string) {
	key, ok := t.byCallsign[cs]
	if !ok || key == rec.Key {
		return
	}
	dup := t.records[key]
	if dup == nil || dup.Hex != "" {
		return
	}
	t.remove(dup)
	t.advance()
	t.lg.Debug("Retired duplicate aircraft", "key", key, "kept", rec.Key)
}

// remove drops r from the table and its indexes and releases its squawk.
func (t *Table) remove(r *Record) {
	delete(t.records, r.Key)
	if r.Hex != "" && t.byHex[r.Hex] == r.Key {
		delete(t.byHex, r.Hex)
	}
	if cs := r.Callsign.Value; cs != "" && t.byCallsign[cs] == r.Key {
		delete(t.byCallsign, cs)
	}
	if t.squawks != nil {
		t.squawks.Release(r.Key)
	}
}

// merge applies every supplied field. It reports whether any field was
// taken and whether any taken field changed.
func (t *Table) merge(r *Record, d Delta, cs string) (took, changed bool) {
	src, prio, ts, tie := d.Source, d.Priority, d.Time, t.tieWindow
	set := func(ok, moved bool) {
		took = took || ok
		changed = changed || moved
	}

	if cs != "" {
		prev := r.Callsign.Value
		ok, moved := r.Callsign.update(cs, src, prio, ts, tie)
		set(ok, moved)
		if ok {
			if prev != "" && prev != cs && t.byCallsign[prev] == r.Key {
				delete(t.byCallsign, prev)
			}
			t.byCallsign[cs] = r.Key
		}
	}
	if d.Position != nil {
		set(r.Position.update(*d.Position, src, prio, ts, tie))
	}
	if d.Altitude != nil {
		set(r.Altitude.update(*d.Altitude, src, prio, ts, tie))
	}
	if d.GroundSpeed != nil {
		set(r.GroundSpeed.update(*d.GroundSpeed, src, prio, ts, tie))
	}
	if d.Heading != nil {
		set(r.Heading.update(*d.Heading, src, prio, ts, tie))
	}
	if d.VerticalRate != nil {
		set(r.VerticalRate.update(*d.VerticalRate, src, prio, ts, tie))
	}
	if d.OnGround != nil {
		set(r.OnGround.update(*d.OnGround, src, prio, ts, tie))
	}
	if d.Squawk != "" {
		set(r.Squawk.update(d.Squawk, src, prio, ts, tie))
	}
	if d.Type != "" {
		set(r.Type.update(strings.ToUpper(d.Type), src, prio, ts, tie))
	}
	if d.Registration != "" {
		set(r.Registration.update(strings.ToUpper(d.Registration), src, prio, ts, tie))
	}
	if d.Origin != "" {
		set(r.Origin.update(d.Origin, src, prio, ts, tie))
	}
	if d.Destination != "" {
		set(r.Destination.update(d.Destination, src, prio, ts, tie))
	}
	return took, changed
}

// AttachFlightPlan replaces the plan of the record with the given key, or
// failing that the record currently using callsign. It reports whether a
// record was found. Attaching a plan does not refresh LastSeen.
func (t *Table) AttachFlightPlan(key, callsign string, plan *FlightPlan) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.records[key]
	if rec == nil {
		if k, ok := t.byCallsign[strings.ToUpper(callsign)]; ok {
			rec = t.records[k]
		}
	}
	if rec == nil {
		return false
	}
	rec.FlightPlan = plan
	t.advance()
	return true
}

// Snapshot returns an independent copy of every live record sorted by
// key. Plans are shared between copies since they are never modified.
func (t *Table) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Snapshot{
		Seq:         t.seq.Add(1),
		LogicalTime: t.logical,
		Taken:       t.now(),
		Aircraft:    make([]Record, 0, len(t.records)),
	}
	for _, r := range t.records {
		s.Aircraft = append(s.Aircraft, *r)
	}
	slices.SortFunc(s.Aircraft, func(a, b Record) int { return strings.Compare(a.Key, b.Key) })
	return s
}

// SweepExpired removes records not written within the expiry threshold,
// releases their squawk codes, and returns their keys.
func (t *Table) SweepExpired(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []string
	for key, r := range t.records {
		if now.Sub(r.LastSeen) <= t.expiry {
			continue
		}
		expired = append(expired, key)
		t.remove(r)
	}
	if len(expired) > 0 {
		t.advance()
	}
	slices.Sort(expired)
	return expired
}

// Touch advances the logical clock for a change held outside the table,
// such as a new METAR, so the next snapshot is not taken for a repeat.
func (t *Table) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.advance()
}

// advance moves the logical clock past the newest report for changes that
// carry no usable source timestamp of their own, so snapshots showing them
// sort after every snapshot taken before.
func (t *Table) advance() {
	t.logical = t.logical.Add(time.Millisecond)
}

// Lookup finds a live record by callsign or identity key.
func (t *Table) Lookup(callsign string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	callsign = strings.ToUpper(strings.TrimSpace(callsign))
	key, ok := t.byCallsign[callsign]
	if !ok {
		key = callsign
	}
	if r, ok := t.records[key]; ok {
		return *r, true
	}
	return Record{}, false
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}
