package pipeline

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unklstewy/livetraffic/internal/traffic"
	"github.com/unklstewy/livetraffic/pkg/log"
)

// SessionInfo describes a connected client for status reporting.
type SessionInfo struct {
	ID        string
	Callsign  string
	Remote    string
	Connected time.Time
}

// Hub holds the most recently delivered snapshot. Sessions read it on
// their own tick; push consumers such as the status stream subscribe.
// Delivered snapshots are shared between all readers and must not be
// modified.
type Hub struct {
	mu        sync.RWMutex
	latest    traffic.Snapshot
	published uint64
	subs      map[int]chan traffic.Snapshot
	nextSub   int
	sessions  map[string]SessionInfo

	dropped atomic.Uint64
	lg      *log.Logger
}

func NewHub(lg *log.Logger) *Hub {
	return &Hub{
		subs:     make(map[int]chan traffic.Snapshot),
		sessions: make(map[string]SessionInfo),
		lg:       lg,
	}
}

// Publish makes s the latest snapshot and offers it to every subscriber.
// Subscribers that have not consumed the previous snapshot miss this one.
func (h *Hub) Publish(s traffic.Snapshot) {
	var behind []int

	h.mu.Lock()
	h.latest = s
	h.published++
	for id, ch := range h.subs {
		select {
		case ch <- s:
		default:
			behind = append(behind, id)
		}
	}
	h.mu.Unlock()

	if len(behind) == 0 {
		return
	}
	h.dropped.Add(uint64(len(behind)))
	for _, id := range behind {
		h.lg.Debug("Subscriber behind, dropping snapshot", "subscriber", id, "seq", s.Seq)
	}
}

// Latest returns the most recently published snapshot and its publish
// count; ok is false until the first publish.
func (h *Hub) Latest() (s traffic.Snapshot, published uint64, ok bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest, h.published, h.published > 0
}

// Subscribe returns a channel receiving every published snapshot the
// consumer keeps up with, and a function that ends the subscription.
func (h *Hub) Subscribe(buffer int) (<-chan traffic.Snapshot, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan traffic.Snapshot, buffer)

	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Dropped is the number of snapshots not delivered to slow subscribers.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

func (h *Hub) Register(info SessionInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[info.ID] = info
}

func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, id)
}

// Sessions lists the registered sessions ordered by connection time.
func (h *Hub) Sessions() []SessionInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]SessionInfo, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b SessionInfo) int {
		if c := a.Connected.Compare(b.Connected); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return out
}
