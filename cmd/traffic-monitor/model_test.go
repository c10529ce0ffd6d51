package main

import (
	"net"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/unklstewy/livetraffic/pkg/coordinates"
	"github.com/unklstewy/livetraffic/pkg/fsd"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeConn struct {
	sent []fsd.Message
}

func (f *fakeConn) request(msg fsd.Message) tea.Cmd {
	f.sent = append(f.sent, msg)
	return func() tea.Msg { return nil }
}

func (f *fakeConn) wait() tea.Cmd {
	return func() tea.Msg { return nil }
}

func feed(t *testing.T, m model, msgs ...tea.Msg) model {
	t.Helper()
	for _, msg := range msgs {
		next, _ := m.Update(msg)
		m = next.(model)
	}
	return m
}

func position(cs string, alt int, lat float64) fsdMsg {
	return fsdMsg{fsd.Position{Mode: "N", Callsign: cs, Squawk: "1200", Rating: 1, Latitude: lat, Longitude: -71.0,
		Altitude: alt, GroundSpeed: 250, Heading: 90}}
}

func TestModel(t *testing.T) {
	center := coordinates.Geographic{Latitude: 42.36, Longitude: -71.0}

	t.Run("Traffic", func(t *testing.T) {
		m := newModel(&fakeConn{}, "MON_OBS", "kbos", center, epoch)
		m = feed(t, m,
			fsdMsg{fsd.ServerIdent{From: "SERVER", To: "CLIENT", Version: fsd.Version}},
			fsdMsg{fsd.ATCValidation{From: "SERVER", To: "MON_OBS", Valid: true}},
			position("DAL42", 12000, 42.5),
			position("N123AB", 3000, 42.4),
			fsdMsg{fsd.FlightPlan{Callsign: "DAL42", Rules: "I", Equipment: "B738", Origin: "KBOS", Destination: "KATL"}},
			fsdMsg{fsd.BeaconCode{From: "SERVER", To: "MON_OBS", Callsign: "DAL42", Code: "4321"}},
			fsdMsg{fsd.Metar{From: "SERVER", To: "MON_OBS", Text: "KBOS 011154Z 27010KT 10SM FEW050 18/08 A3001"}},
		)

		if len(m.targets) != 2 {
			t.Fatalf("Expected 2 targets, got %d", len(m.targets))
		}
		dal := m.targets["DAL42"]
		if dal.squawk != "4321" || dal.plan == nil || dal.plan.Destination != "KATL" || dal.altitude != 12000 {
			t.Errorf("Unexpected target %+v", dal)
		}
		if m.selected != "DAL42" {
			t.Errorf("Expected first callsign selected, got %s", m.selected)
		}

		v := m.View()
		for _, want := range []string{"SERVER", "MON_OBS", "Aircraft (2)", "KBOS > KATL B738", "4321", "N123AB", "27010KT"} {
			if !strings.Contains(v, want) {
				t.Errorf("Expected %q in view:\n%s", want, v)
			}
		}

		m = feed(t, m, fsdMsg{fsd.DeletePilot{Callsign: "DAL42"}})
		if _, ok := m.targets["DAL42"]; ok || m.selected != "N123AB" {
			t.Errorf("Expected DAL42 removed and selection moved, got %v %s", m.order, m.selected)
		}
	})

	t.Run("Sorting and selection", func(t *testing.T) {
		m := newModel(&fakeConn{}, "MON_OBS", "", center, epoch)
		m = feed(t, m, position("AAA1", 1000, 43.0), position("BBB2", 30000, 42.37), position("CCC3", 5000, 42.6))

		if got := strings.Join(m.order, ","); got != "AAA1,BBB2,CCC3" {
			t.Errorf("Expected callsign order, got %s", got)
		}
		m = feed(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
		if got := strings.Join(m.order, ","); got != "BBB2,CCC3,AAA1" {
			t.Errorf("Expected altitude order, got %s", got)
		}
		m = feed(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
		if got := strings.Join(m.order, ","); got != "BBB2,CCC3,AAA1" {
			t.Errorf("Expected distance order, got %s", got)
		}

		m = feed(t, m, tea.KeyMsg{Type: tea.KeyDown}, tea.KeyMsg{Type: tea.KeyDown}, tea.KeyMsg{Type: tea.KeyDown})
		if m.selected != "AAA1" {
			t.Errorf("Expected selection clamped at the end, got %s", m.selected)
		}
		m = feed(t, m, tea.KeyMsg{Type: tea.KeyUp})
		if m.selected != "CCC3" {
			t.Errorf("Expected CCC3, got %s", m.selected)
		}
	})

	t.Run("Requests", func(t *testing.T) {
		conn := &fakeConn{}
		m := newModel(conn, "MON_OBS", "KBOS", center, epoch)
		m = feed(t, m, position("DAL42", 12000, 42.5))
		m = feed(t, m,
			tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("f")},
			tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("i")},
			tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("w")},
		)
		want := []string{"$CQMON_OBS:SERVER:FP:DAL42", "#SBMON_OBS:DAL42:PI", "$AXMON_OBS:SERVER:METAR:KBOS"}
		if len(conn.sent) != len(want) {
			t.Fatalf("Expected %d requests, got %v", len(want), conn.sent)
		}
		for i, msg := range conn.sent {
			if msg.Encode() != want[i] {
				t.Errorf("Expected %q, got %q", want[i], msg.Encode())
			}
		}
	})

	t.Run("Errors and disconnect", func(t *testing.T) {
		m := newModel(&fakeConn{}, "MON_OBS", "", center, epoch)
		m = feed(t, m, fsdMsg{fsd.ErrorMessage{From: "SERVER", To: "MON_OBS", Code: 11, Text: "Invalid controller rating"}})
		if !strings.Contains(m.View(), "Error 011: Invalid controller rating") {
			t.Errorf("Expected error notice in view:\n%s", m.View())
		}
		next, cmd := m.Update(disconnectedMsg{err: net.ErrClosed})
		if next.(model).err == nil || cmd == nil {
			t.Error("Expected quit on disconnect")
		}
	})
}

func TestClient(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	c := newClient(local, "MON_OBS")
	done := make(chan error, 1)
	go func() { done <- c.login(5) }()

	sc := fsd.NewScanner(remote)
	var lines []string
	for len(lines) < 2 && sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(lines[0], "$IDMON_OBS:SERVER:") || lines[1] != "#AAMON_OBS:SERVER:Traffic Monitor:0::5:100" {
		t.Errorf("Unexpected login %q", lines)
	}

	go remote.Write([]byte("@N:DAL42:1200:1:42.50000:-71.00000:12000:250:1024:0\r\ngarbage\r\n"))
	msg := c.wait()()
	pos, ok := msg.(fsdMsg).msg.(fsd.Position)
	if !ok || pos.Callsign != "DAL42" || pos.Heading != 90 {
		t.Errorf("Unexpected message %#v", msg)
	}

	remote.Close()
	if _, ok := c.wait()().(disconnectedMsg); !ok {
		t.Error("Expected disconnect")
	}
}
