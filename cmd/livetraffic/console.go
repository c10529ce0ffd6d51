package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/unklstewy/livetraffic/internal/db"
	"github.com/unklstewy/livetraffic/internal/feed"
	"github.com/unklstewy/livetraffic/internal/pipeline"
	"github.com/unklstewy/livetraffic/pkg/config"
	"github.com/unklstewy/livetraffic/pkg/coordinates"
)

const statusLineInterval = 30 * time.Second

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("226"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// banner summarizes the effective configuration at startup.
func banner(cfg *config.Config, center coordinates.Geographic) string {
	row := func(label, value string) string {
		return labelStyle.Render(fmt.Sprintf("%-10s", label)) + " " + valueStyle.Render(value)
	}

	ref := fmt.Sprintf("%.4f, %.4f", center.Latitude, center.Longitude)
	if cfg.Reference.Airport != "" {
		ref = cfg.Reference.Airport + " (" + ref + ")"
	}

	var sources []string
	for _, src := range cfg.ADSB.Sources {
		if src.Enabled {
			sources = append(sources, src.Name)
		}
	}
	if len(sources) == 0 {
		sources = append(sources, "none")
	}

	lines := []string{
		titleStyle.Render("LIVE TRAFFIC"),
		"",
		row("FSD", cfg.Server.ListenAddr()),
		row("Reference", ref),
		row("Area", fmt.Sprintf("%.0f nm, %.0f-%.0f ft", cfg.Reference.RangeNM,
			cfg.Reference.FloorFt, cfg.Reference.CeilingFt)),
		row("Delay", cfg.Delay.Delay().String()),
		row("Sources", strings.Join(sources, ", ")),
		row("Plans", enabled(cfg.FlightAware.Enabled)),
		row("Weather", enabled(cfg.Weather.Enabled)),
		row("Status", enabled(cfg.Status.Enabled)),
		row("Archive", enabled(cfg.Database.Enabled)),
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func enabled(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// statusLine is the periodic one-line health summary. recorder may be nil.
func statusLine(st pipeline.Stats, sessions int, adapters []*feed.Adapter, recorder *db.Recorder,
	now time.Time) string {
	parts := []string{
		labelStyle.Render("aircraft ") + valueStyle.Render(fmt.Sprint(st.Aircraft)),
		labelStyle.Render("clients ") + valueStyle.Render(fmt.Sprint(sessions)),
		labelStyle.Render("delivered ") + valueStyle.Render(fmt.Sprint(st.Delay.Delivered)),
		labelStyle.Render("buffered ") + valueStyle.Render(fmt.Sprint(st.Delay.Buffered)),
	}
	for _, a := range adapters {
		s := a.Stats()
		style := okStyle
		switch {
		case s.LastSuccess.IsZero():
			style = errStyle
		case now.Sub(s.LastSuccess) > statusLineInterval:
			style = warnStyle
		}
		parts = append(parts, style.Render(fmt.Sprintf("%s %d", s.Name, s.LastCount)))
	}
	if recorder != nil {
		recorded, failed := recorder.Stats()
		style := okStyle
		if failed > 0 {
			style = warnStyle
		}
		parts = append(parts, style.Render(fmt.Sprintf("archived %d/%d", recorded, recorded+failed)))
	}
	if st.Dropped > 0 {
		parts = append(parts, errStyle.Render(fmt.Sprintf("dropped %d", st.Dropped)))
	}
	return strings.Join(parts, labelStyle.Render(" | "))
}
