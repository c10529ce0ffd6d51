package main

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/unklstewy/livetraffic/pkg/coordinates"
	"github.com/unklstewy/livetraffic/pkg/fsd"
)

// target is one aircraft as the server has described it.
type target struct {
	callsign  string
	squawk    string
	position  coordinates.Geographic
	altitude  int
	speed     int
	heading   float64
	equipment string
	plan      *fsd.FlightPlan
	updated   time.Time
}

type sortMode int

const (
	byCallsign sortMode = iota
	byAltitude
	byDistance
	byAge
)

func (s sortMode) String() string {
	return [...]string{"callsign", "altitude", "distance", "age"}[s]
}

type tickMsg time.Time

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Requester sends a message to the server from a command.
type requester interface {
	request(msg fsd.Message) tea.Cmd
	wait() tea.Cmd
}

type model struct {
	conn     requester
	callsign string
	server   string
	station  string
	center   coordinates.Geographic

	targets  map[string]*target
	order    []string
	selected string
	sort     sortMode

	metar     string
	notice    string
	validated bool
	err       error
	now       time.Time
	height    int
}

func newModel(conn requester, callsign, station string, center coordinates.Geographic, now time.Time) model {
	return model{
		conn:     conn,
		callsign: callsign,
		station:  strings.ToUpper(station),
		center:   center,
		targets:  make(map[string]*target),
		now:      now,
		height:   24,
	}
}

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.conn.wait(), tick()}
	if m.station != "" {
		cmds = append(cmds, m.conn.request(fsd.MetarRequest{From: m.callsign, To: "SERVER", Station: m.station}))
	}
	return tea.Batch(cmds...)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.height = msg.Height
		return m, nil

	case tickMsg:
		m.now = time.Time(msg)
		m.sortTargets()
		return m, tick()

	case fsdMsg:
		m.handleServer(msg.msg)
		return m, m.conn.wait()

	case disconnectedMsg:
		m.err = msg.err
		return m, tea.Quit
	}
	return m, nil
}

func (m *model) handleServer(msg fsd.Message) {
	switch msg := msg.(type) {
	case fsd.ServerIdent:
		m.server = msg.From

	case fsd.Position:
		t := m.targets[msg.Callsign]
		if t == nil {
			t = &target{callsign: msg.Callsign}
			m.targets[msg.Callsign] = t
		}
		t.squawk = msg.Squawk
		t.position = coordinates.Geographic{Latitude: msg.Latitude, Longitude: msg.Longitude}
		t.altitude = msg.Altitude
		t.speed = msg.GroundSpeed
		t.heading = msg.Heading
		t.updated = m.now

	case fsd.DeletePilot:
		delete(m.targets, msg.Callsign)

	case fsd.FlightPlan:
		if t := m.targets[msg.Callsign]; t != nil {
			fp := msg
			t.plan = &fp
		}

	case fsd.BeaconCode:
		if t := m.targets[msg.Callsign]; t != nil {
			t.squawk = msg.Code
		}

	case fsd.PlaneInfo:
		if t := m.targets[msg.From]; t != nil {
			t.equipment = msg.Equipment
		}

	case fsd.Metar:
		m.metar = msg.Text

	case fsd.ATCValidation:
		m.validated = msg.Valid

	case fsd.TextMessage:
		m.notice = msg.Text

	case fsd.ErrorMessage:
		m.notice = fmt.Sprintf("Error %03d: %s", msg.Code, msg.Text)
	}
	m.sortTargets()
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		return m, tea.Quit
	case "s":
		m.sort = (m.sort + 1) % (byAge + 1)
		m.sortTargets()
	case "up", "k":
		m.move(-1)
	case "down", "j":
		m.move(1)
	case "f":
		if m.selected != "" {
			return m, m.conn.request(fsd.FlightPlanQuery{From: m.callsign, To: "SERVER", Target: m.selected})
		}
	case "i":
		if m.selected != "" {
			return m, m.conn.request(fsd.PlaneInfoRequest{From: m.callsign, To: m.selected})
		}
	case "w":
		if m.station != "" {
			return m, m.conn.request(fsd.MetarRequest{From: m.callsign, To: "SERVER", Station: m.station})
		}
	}
	return m, nil
}

func (m *model) move(delta int) {
	if len(m.order) == 0 {
		return
	}
	i := slices.Index(m.order, m.selected)
	if i < 0 {
		m.selected = m.order[0]
		return
	}
	i = min(max(i+delta, 0), len(m.order)-1)
	m.selected = m.order[i]
}

// sortTargets rebuilds the display order and keeps the selection valid.
func (m *model) sortTargets() {
	m.order = make([]string, 0, len(m.targets))
	for cs := range m.targets {
		m.order = append(m.order, cs)
	}
	slices.SortFunc(m.order, func(a, b string) int {
		ta, tb := m.targets[a], m.targets[b]
		var c int
		switch m.sort {
		case byAltitude:
			c = cmp.Compare(tb.altitude, ta.altitude)
		case byDistance:
			c = cmp.Compare(m.distance(ta), m.distance(tb))
		case byAge:
			c = tb.updated.Compare(ta.updated)
		}
		if c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})
	if _, ok := m.targets[m.selected]; !ok {
		m.selected = ""
		if len(m.order) > 0 {
			m.selected = m.order[0]
		}
	}
}

func (m model) distance(t *target) float64 {
	return coordinates.DistanceNauticalMiles(m.center, t.position)
}

///////////////////////////////////////////////////////////////////////////
// View

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	metarStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
	selectedStyle = lipgloss.NewStyle().Background(lipgloss.Color("237"))
	planStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	emergStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

func (m model) View() string {
	var s strings.Builder

	title := "LIVE TRAFFIC MONITOR"
	if m.server != "" {
		title += "  " + m.server
	}
	if m.validated {
		title += "  " + m.callsign
	}
	s.WriteString(titleStyle.Render(title))
	s.WriteString("\n\n")

	if m.notice != "" {
		s.WriteString(helpStyle.Render(m.notice))
		s.WriteString("\n")
	}
	if m.metar != "" {
		s.WriteString(metarStyle.Render(m.metar))
		s.WriteString("\n")
	}
	s.WriteString("\n")

	s.WriteString(headerStyle.Render(fmt.Sprintf("Aircraft (%d)  sorted by %s", len(m.targets), m.sort)))
	s.WriteString("\n")
	s.WriteString(helpStyle.Render(fmt.Sprintf("  %-9s %-4s %7s %4s %4s %6s %5s  %s",
		"CALLSIGN", "SQK", "ALT", "GS", "HDG", "DIST", "AGE", "ROUTE")))
	s.WriteString("\n")

	// Rows that fit beside the header, metar and help lines
	rows := max(m.height-10, 5)
	for _, cs := range m.visible(rows) {
		t := m.targets[cs]
		route := ""
		if t.plan != nil {
			route = planStyle.Render(t.plan.Origin + " > " + t.plan.Destination)
			if t.plan.Equipment != "" {
				route += " " + t.plan.Equipment
			}
		} else if t.equipment != "" {
			route = t.equipment
		}

		prefix := "  "
		if cs == m.selected {
			prefix = "> "
		}
		line := fmt.Sprintf("%s%-9s %-4s %7d %4d %4.0f %6.1f %4.0fs  %s", prefix, cs, t.squawk, t.altitude,
			t.speed, t.heading, m.distance(t), m.now.Sub(t.updated).Seconds(), route)
		switch {
		case t.squawk == "7500" || t.squawk == "7600" || t.squawk == "7700":
			line = emergStyle.Render(line)
		case cs == m.selected:
			line = selectedStyle.Render(line)
		}
		s.WriteString(line)
		s.WriteString("\n")
	}
	if len(m.targets) == 0 {
		s.WriteString(helpStyle.Render("  No traffic"))
		s.WriteString("\n")
	}

	s.WriteString("\n")
	s.WriteString(helpStyle.Render("↑/↓ select  s sort  f flight plan  i aircraft info  w weather  q quit"))
	return s.String()
}

// visible returns at most n callsigns around the selection.
func (m model) visible(n int) []string {
	if len(m.order) <= n {
		return m.order
	}
	start := max(slices.Index(m.order, m.selected)-n/2, 0)
	start = min(start, len(m.order)-n)
	return m.order[start : start+n]
}
