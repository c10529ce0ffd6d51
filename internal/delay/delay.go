// Package delay holds fused snapshots back for a fixed interval before
// they become visible to clients, so the displayed traffic lines up with
// a delayed audio stream.
package delay

import (
	"container/heap"
	"sync"
	"time"

	"github.com/unklstewy/livetraffic/internal/traffic"
	"github.com/unklstewy/livetraffic/pkg/log"
)

// DefaultMaxFrames bounds the buffer when Options.MaxFrames is unset.
const DefaultMaxFrames = 4096

// Frame is a snapshot waiting for its eligibility time.
type Frame struct {
	Snapshot traffic.Snapshot
	Pushed   time.Time
	Eligible time.Time
}

type Options struct {
	// Delay between a push and the frame becoming eligible
	Delay time.Duration

	// ReorderWindow is how far behind the newest buffered logical time a
	// frame may arrive and still be slotted in
	ReorderWindow time.Duration

	// MaxSpan caps the logical time span held; the oldest frames are
	// evicted beyond it
	MaxSpan time.Duration

	MaxFrames int

	Logger *log.Logger
}

// Stats counts what happened to pushed frames.
type Stats struct {
	Pushed    uint64
	Delivered uint64
	Coalesced uint64

	// DroppedStale frames were not newer than one already delivered
	DroppedStale uint64

	// DroppedLate frames arrived outside the reorder window
	DroppedLate uint64

	// Evicted frames were removed by the span or frame caps
	Evicted uint64

	Buffered int
}

// Buffer is a min-heap of frames ordered by logical time. Output is
// strictly increasing in logical time. Safe for concurrent use.
type Buffer struct {
	mu   sync.Mutex
	opts Options

	frames frameHeap

	delivered    time.Time
	hasDelivered bool
	newest       time.Time

	stats Stats
}

func New(opts Options) *Buffer {
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = DefaultMaxFrames
	}
	if opts.MaxSpan <= 0 {
		opts.MaxSpan = opts.Delay + time.Minute
	}
	if opts.Delay < 0 {
		opts.Delay = 0
	}
	return &Buffer{opts: opts}
}

// Push queues a snapshot that becomes eligible at now + delay. It reports
// false when the snapshot was dropped because it is not newer than what
// was already delivered or arrived too far out of order. A snapshot with
// the same logical time as a buffered one replaces its content, and the
// frame becomes eligible no earlier than now + delay.
func (b *Buffer) Push(s traffic.Snapshot, now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Pushed++
	lt := s.LogicalTime

	if b.hasDelivered && !lt.After(b.delivered) {
		b.stats.DroppedStale++
		return false
	}
	if len(b.frames) > 0 && b.newest.Sub(lt) > b.opts.ReorderWindow {
		b.stats.DroppedLate++
		b.opts.Logger.Debugf("delay: dropping frame %d, %s behind newest", s.Seq, b.newest.Sub(lt))
		return false
	}

	for i := range b.frames {
		if b.frames[i].Snapshot.LogicalTime.Equal(lt) {
			b.frames[i].Snapshot = s
			b.frames[i].Pushed = now
			if e := now.Add(b.opts.Delay); e.After(b.frames[i].Eligible) {
				b.frames[i].Eligible = e
			}
			b.stats.Coalesced++
			return true
		}
	}

	heap.Push(&b.frames, &Frame{Snapshot: s, Pushed: now, Eligible: now.Add(b.opts.Delay)})
	if lt.After(b.newest) {
		b.newest = lt
	}
	b.enforceCaps()
	return true
}

// enforceCaps evicts the oldest frames beyond the frame and span limits.
func (b *Buffer) enforceCaps() {
	for len(b.frames) > b.opts.MaxFrames {
		heap.Pop(&b.frames)
		b.stats.Evicted++
	}
	for len(b.frames) > 1 && b.newest.Sub(b.frames[0].Snapshot.LogicalTime) > b.opts.MaxSpan {
		heap.Pop(&b.frames)
		b.stats.Evicted++
	}
}

// PopReady returns the frame with the oldest logical time if it is
// eligible at now.
func (b *Buffer) PopReady(now time.Time) (traffic.Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for len(b.frames) > 0 {
		top := b.frames[0]
		if now.Before(top.Eligible) {
			return traffic.Snapshot{}, false
		}
		heap.Pop(&b.frames)

		lt := top.Snapshot.LogicalTime
		if b.hasDelivered && !lt.After(b.delivered) {
			b.stats.DroppedStale++
			continue
		}
		b.delivered, b.hasDelivered = lt, true
		b.stats.Delivered++
		return top.Snapshot, true
	}
	return traffic.Snapshot{}, false
}

// NextEligible returns the eligibility time of the frame PopReady will
// consider next.
func (b *Buffer) NextEligible() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.frames) == 0 {
		return time.Time{}, false
	}
	return b.frames[0].Eligible, true
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.stats
	s.Buffered = len(b.frames)
	return s
}

// frameHeap implements heap.Interface ordered by logical time.
type frameHeap []*Frame

func (h frameHeap) Len() int { return len(h) }
func (h frameHeap) Less(i, j int) bool {
	return h[i].Snapshot.LogicalTime.Before(h[j].Snapshot.LogicalTime)
}
func (h frameHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *frameHeap) Push(x any) {
	*h = append(*h, x.(*Frame))
}

func (h *frameHeap) Pop() any {
	old := *h
	n := len(old)
	f := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return f
}
