package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/unklstewy/livetraffic/internal/auth"
	"github.com/unklstewy/livetraffic/internal/db"
	"github.com/unklstewy/livetraffic/internal/delay"
	"github.com/unklstewy/livetraffic/internal/enrich"
	"github.com/unklstewy/livetraffic/internal/feed"
	"github.com/unklstewy/livetraffic/internal/pipeline"
	"github.com/unklstewy/livetraffic/internal/server"
	"github.com/unklstewy/livetraffic/internal/squawk"
	"github.com/unklstewy/livetraffic/internal/status"
	"github.com/unklstewy/livetraffic/internal/traffic"
	"github.com/unklstewy/livetraffic/internal/weather"
	"github.com/unklstewy/livetraffic/pkg/airports"
	"github.com/unklstewy/livetraffic/pkg/config"
	"github.com/unklstewy/livetraffic/pkg/coordinates"
	"github.com/unklstewy/livetraffic/pkg/flightaware"
	"github.com/unklstewy/livetraffic/pkg/log"
	"github.com/unklstewy/livetraffic/pkg/metar"
)

// livetraffic fuses live aircraft positions from several public sources,
// holds them back by the configured delay and serves them to ATC clients
// over FSD.
func main() {
	configPath := flag.String("config", "configs/config.json", "Path to configuration file")
	writeConfig := flag.Bool("write-config", false, "Write the effective configuration to -config and exit")
	issueToken := flag.String("issue-token", "", "Print a status API token for this subject and exit")
	role := flag.String("role", auth.RoleViewer, "Role of the token issued with -issue-token (viewer, admin)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration %s:\n%v\n", *configPath, err)
		os.Exit(1)
	}

	switch {
	case *writeConfig:
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write configuration: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration written to %s\n", *configPath)
		return
	case *issueToken != "":
		svc := auth.NewService(auth.Config{
			Secret:        cfg.Status.TokenSecret,
			TokenDuration: time.Duration(cfg.Status.TokenTTLHours) * time.Hour,
		})
		token, err := svc.GenerateToken(*issueToken, *role)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	lg := log.New(cfg.Logging.Level, cfg.Logging.Dir, os.Stderr)
	if err := run(cfg, lg); err != nil {
		lg.Error("livetraffic stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, lg *log.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			lg.Error("Panic", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	var apdb *airports.DB
	if cfg.AirportsFile != "" {
		if apdb, err = airports.Load(cfg.AirportsFile, lg); err != nil {
			return err
		}
	}
	center, err := resolveReference(cfg.Reference, apdb)
	if err != nil {
		return err
	}

	// Bind before starting any worker so a busy port fails fast.
	ln, err := server.Listen(cfg.Server.ListenAddr())
	if err != nil {
		return err
	}
	var statusLn net.Listener
	if cfg.Status.Enabled {
		addr := net.JoinHostPort(cfg.Status.Host, fmt.Sprint(cfg.Status.Port))
		if statusLn, err = net.Listen("tcp", addr); err != nil {
			ln.Close()
			return fmt.Errorf("status api: %w", err)
		}
	}

	fmt.Println(banner(cfg, center))

	pool, err := squawk.NewPoolFromConfig(cfg.Squawk)
	if err != nil {
		return err
	}
	table := traffic.NewTable(traffic.TableOptions{
		TieWindow: cfg.Fusion.TieWindow(),
		Expiry:    cfg.Fusion.Expiry(),
		Squawks:   pool,
		Logger:    lg.With("component", "fusion"),
	})
	criteria := traffic.Criteria{
		Center:    center,
		RadiusNM:  cfg.Reference.RangeNM,
		FloorFt:   cfg.Reference.FloorFt,
		CeilingFt: cfg.Reference.CeilingFt,
	}

	var stations []string
	if cfg.Reference.Airport != "" {
		stations = append(stations, cfg.Reference.Airport)
	}
	wx := weather.NewCache(stations...)
	queue := feed.NewQueue(cfg.Fusion.QueueSize, lg)

	var adapters []*feed.Adapter
	for _, src := range cfg.ADSB.Sources {
		if !src.Enabled {
			continue
		}
		a, err := feed.NewAdapter(src, cfg, center, apdb, lg)
		if err != nil {
			return err
		}
		adapters = append(adapters, a)
	}
	if len(adapters) == 0 {
		lg.Warn("No position source enabled, the traffic picture will stay empty")
	}

	var enricher *enrich.Enricher
	if cfg.FlightAware.Enabled {
		fa := flightaware.NewClient(flightaware.Config{
			APIKey:          cfg.FlightAware.APIKey,
			RequestsPerHour: cfg.FlightAware.RequestsPerHour,
			Timeout:         cfg.FlightAware.Timeout(),
			BaseURL:         cfg.FlightAware.BaseURL,
		})
		enricher = enrich.New(fa, enrich.Options{
			Enabled:         true,
			Cooldown:        cfg.FlightAware.Cooldown(),
			RequestsPerHour: cfg.FlightAware.RequestsPerHour,
			Workers:         cfg.FlightAware.Workers,
			Timeout:         cfg.FlightAware.Timeout(),
			CacheSize:       cfg.FlightAware.CacheSize,
			Range:           criteria,
			Logger:          lg.With("component", "enrich"),
		})
	}

	buffer := delay.New(delay.Options{
		Delay:         cfg.Delay.Delay(),
		ReorderWindow: cfg.Delay.ReorderWindow(),
		MaxSpan:       cfg.Delay.MaxSpan(),
		MaxFrames:     cfg.Delay.MaxFrames,
		Logger:        lg.With("component", "delay"),
	})
	hub := pipeline.NewHub(lg)
	pl := pipeline.New(table, wx, enricher, buffer, hub, queue.Events(), pipeline.Options{
		Cycle:  cfg.Fusion.Cycle(),
		Sweep:  cfg.Fusion.Sweep(),
		Drain:  cfg.Delay.DrainInterval(),
		Range:  criteria,
		Logger: lg.With("component", "pipeline"),
	})
	srv := server.New(hub, wx, server.OptionsFromConfig(cfg, lg.With("component", "fsd")))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	for _, a := range adapters {
		g.Go(func() error { return a.Run(ctx, queue.Emit) })
	}
	if cfg.Weather.Enabled {
		poller := &weather.Poller{
			Cache:    wx,
			Fetcher:  metar.NewClient(cfg.Weather.BaseURL, 0),
			Interval: cfg.Weather.RefreshInterval(),
			Logger:   lg.With("component", "weather"),
		}
		g.Go(func() error {
			return poller.Run(ctx, func(ms []traffic.Metar) {
				if !queue.Emit(traffic.Event{Source: "METAR", Metars: ms}) {
					lg.Warn("Dropped METAR batch, ingestion queue full", "stations", len(ms))
				}
			})
		})
	}
	if enricher != nil {
		g.Go(func() error { return enricher.Run(ctx, queue.Emit) })
	}
	g.Go(func() error { return pl.Run(ctx) })
	g.Go(func() error { return srv.Serve(ctx, ln) })

	if statusLn != nil {
		feeds := make([]status.FeedStats, len(adapters))
		for i, a := range adapters {
			feeds[i] = a
		}
		api := status.New(hub, status.Options{
			AllowedOrigins: cfg.Status.AllowedOrigins,
			Auth: auth.NewService(auth.Config{
				Secret:        cfg.Status.TokenSecret,
				TokenDuration: time.Duration(cfg.Status.TokenTTLHours) * time.Hour,
			}),
			Pipeline: pl,
			Feeds:    feeds,
			Center:   center,
			Logger:   lg.With("component", "status"),
		})
		g.Go(func() error { return api.Serve(ctx, statusLn) })
	}

	var recorder *db.Recorder
	if cfg.Database.Enabled {
		recorder = db.NewRecorder(nil, db.RecorderOptions{
			Interval:  cfg.Database.RecordInterval(),
			Retention: cfg.Database.Retention(),
			Logger:    lg.With("component", "archive"),
		})
		g.Go(func() error { return runArchive(ctx, cfg.Database, hub, lg, recorder) })
	}

	g.Go(func() error {
		ticker := time.NewTicker(statusLineInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-ticker.C:
				fmt.Println(statusLine(pl.Stats(), len(srv.Sessions()), adapters, recorder, now))
			}
		}
	})

	err = g.Wait()
	lg.Info("Shutdown complete")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runArchive connects to the database and archives delivered frames. The
// archive is optional: when the database cannot be reached the server
// keeps running without it.
func runArchive(ctx context.Context, cfg config.DatabaseConfig, hub *pipeline.Hub, lg *log.Logger,
	recorder *db.Recorder) error {
	lg = lg.With("component", "archive")
	database, err := db.ReconnectWithRetry(ctx, cfg, 5, time.Second, lg)
	if err != nil {
		lg.Error("Traffic archive disabled", "error", err)
		return nil
	}
	defer database.Close()

	if err := database.InitSchema(ctx); err != nil {
		lg.Error("Traffic archive disabled", "error", err)
		return nil
	}
	if stats, err := database.GetStats(ctx); err == nil {
		lg.Info("Traffic archive ready", "rows", stats)
	}

	frames, unsubscribe := hub.Subscribe(8)
	defer unsubscribe()
	recorder.SetStore(db.NewHistoryRepository(database))
	return recorder.Run(ctx, frames)
}

// resolveReference returns the served area's center: the configured
// airport when one is named, the configured coordinates otherwise.
func resolveReference(ref config.ReferenceConfig, apdb *airports.DB) (coordinates.Geographic, error) {
	if ref.Airport == "" {
		return coordinates.Geographic{Latitude: ref.Latitude, Longitude: ref.Longitude}, nil
	}
	if apdb == nil {
		return coordinates.Geographic{}, fmt.Errorf("reference airport %s needs airports_file", ref.Airport)
	}
	ap, ok := apdb.Lookup(ref.Airport)
	if !ok {
		return coordinates.Geographic{}, fmt.Errorf("reference airport %s not found", ref.Airport)
	}
	return ap.Position(), nil
}
