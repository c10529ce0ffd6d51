package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/unklstewy/livetraffic/pkg/config"
	"github.com/unklstewy/livetraffic/pkg/coordinates"
)

// traffic-monitor is a terminal FSD client for watching what a livetraffic
// server delivers, without a full ATC client.
func main() {
	configPath := flag.String("config", "", "Server configuration to take address, reference and station from")
	addr := flag.String("addr", "127.0.0.1:6809", "Traffic server address")
	callsign := flag.String("callsign", "MON_OBS", "Controller callsign to log in with")
	rating := flag.Int("rating", 1, "Controller rating")
	station := flag.String("station", "", "METAR station to display")
	lat := flag.Float64("lat", 0, "Reference latitude for distances")
	lon := flag.Float64("lon", 0, "Reference longitude for distances")
	flag.Parse()

	center := coordinates.Geographic{Latitude: *lat, Longitude: *lon}
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		*addr = cfg.Server.ListenAddr()
		center = coordinates.Geographic{Latitude: cfg.Reference.Latitude, Longitude: cfg.Reference.Longitude}
		if *station == "" {
			*station = cfg.Reference.Airport
		}
	}

	c, err := dial(*addr, *callsign, *rating, 10*time.Second)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer c.Close()

	m := newModel(c, *callsign, *station, center, time.Now())
	final, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if fm, ok := final.(model); ok && fm.err != nil {
		fmt.Fprintf(os.Stderr, "Disconnected: %v\n", fm.err)
		os.Exit(1)
	}
}
