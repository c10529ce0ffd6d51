package pipeline

import (
	"log/slog"
	"testing"
	"time"

	"github.com/unklstewy/livetraffic/internal/traffic"
	"github.com/unklstewy/livetraffic/pkg/log"
)

// hubReader reads the hub from inside a log write, which blocks forever
// if the hub logs with its lock held.
type hubReader struct {
	hub   *Hub
	lines int
}

func (w *hubReader) Write(p []byte) (int, error) {
	w.hub.Latest()
	w.lines++
	return len(p), nil
}

func TestHub(t *testing.T) {
	t.Run("Latest", func(t *testing.T) {
		h := NewHub(nil)
		if _, _, ok := h.Latest(); ok {
			t.Error("Expected no snapshot before publish")
		}
		h.Publish(traffic.Snapshot{Seq: 1})
		h.Publish(traffic.Snapshot{Seq: 2})
		s, n, ok := h.Latest()
		if !ok || n != 2 || s.Seq != 2 {
			t.Errorf("Unexpected latest %d %d %v", s.Seq, n, ok)
		}
	})

	t.Run("Slow subscriber drops", func(t *testing.T) {
		h := NewHub(nil)
		fast, stopFast := h.Subscribe(8)
		defer stopFast()
		slow, stopSlow := h.Subscribe(1)
		defer stopSlow()

		for i := 1; i <= 3; i++ {
			h.Publish(traffic.Snapshot{Seq: uint64(i)})
		}
		if len(fast) != 3 {
			t.Errorf("Expected fast subscriber to get 3, got %d", len(fast))
		}
		if s := <-slow; s.Seq != 1 || len(slow) != 0 {
			t.Errorf("Expected slow subscriber to keep only the first, got %d", s.Seq)
		}
		if h.Dropped() != 2 {
			t.Errorf("Expected 2 dropped, got %d", h.Dropped())
		}
	})

	t.Run("Drops logged outside the lock", func(t *testing.T) {
		w := &hubReader{}
		h := NewHub(log.NewWithHandler(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug})))
		w.hub = h
		_, stop := h.Subscribe(1)
		defer stop()

		done := make(chan struct{})
		go func() {
			defer close(done)
			h.Publish(traffic.Snapshot{Seq: 1})
			h.Publish(traffic.Snapshot{Seq: 2})
		}()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("Publish blocked while logging a drop")
		}
		if w.lines != 1 || h.Dropped() != 1 {
			t.Errorf("Expected one logged drop, got %d lines, %d dropped", w.lines, h.Dropped())
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		h := NewHub(nil)
		ch, stop := h.Subscribe(1)
		stop()
		stop()
		h.Publish(traffic.Snapshot{Seq: 1})
		if len(ch) != 0 {
			t.Error("Expected no delivery after unsubscribe")
		}
	})

	t.Run("Sessions", func(t *testing.T) {
		h := NewHub(nil)
		now := time.Now()
		h.Register(SessionInfo{ID: "b", Callsign: "BOS_APP", Connected: now.Add(time.Second)})
		h.Register(SessionInfo{ID: "a", Callsign: "BOS_TWR", Connected: now})
		got := h.Sessions()
		if len(got) != 2 || got[0].ID != "a" || got[1].ID != "b" {
			t.Errorf("Unexpected sessions %+v", got)
		}
		h.Unregister("a")
		if got := h.Sessions(); len(got) != 1 || got[0].ID != "b" {
			t.Errorf("Unexpected sessions after unregister %+v", got)
		}
	})
}
