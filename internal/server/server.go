// Package server serves the delayed traffic picture to desktop ATC clients
// over the FSD line protocol. Every connection gets its own session that
// logs the client in, then streams per-session position, flight plan and
// weather updates from the shared snapshot hub.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unklstewy/livetraffic/internal/pipeline"
	"github.com/unklstewy/livetraffic/internal/weather"
	"github.com/unklstewy/livetraffic/pkg/config"
	"github.com/unklstewy/livetraffic/pkg/log"
)

// ErrLoginTimeout is returned for connections that did not log in within
// the login timeout.
var ErrLoginTimeout = errors.New("login timeout")

type Options struct {
	// Callsign identifies the server in protocol messages
	Callsign string

	SendInterval time.Duration
	LoginTimeout time.Duration
	WriteTimeout time.Duration

	// Interpolate dead-reckons airborne targets whose fix is younger than
	// InterpolateMaxAge
	Interpolate       bool
	InterpolateMaxAge time.Duration

	// Delay is the playback delay of the picture
	Delay time.Duration

	Logger *log.Logger
	Now    func() time.Time
}

// OptionsFromConfig returns the session options for cfg.
func OptionsFromConfig(cfg *config.Config, lg *log.Logger) Options {
	return Options{
		Callsign:          cfg.Server.Callsign(),
		SendInterval:      cfg.Server.SendInterval(),
		LoginTimeout:      cfg.Server.LoginTimeout(),
		WriteTimeout:      cfg.Server.WriteTimeout(),
		Interpolate:       cfg.Server.Interpolate,
		InterpolateMaxAge: cfg.Server.InterpolateMaxAge(),
		Delay:             cfg.Delay.Delay(),
		Logger:            lg,
	}
}

type Server struct {
	hub     *pipeline.Hub
	weather *weather.Cache
	opts    Options

	nextID atomic.Uint64
	wg     sync.WaitGroup
}

func New(hub *pipeline.Hub, wx *weather.Cache, opts Options) *Server {
	if opts.Callsign == "" {
		opts.Callsign = "SERVER"
	}
	if opts.SendInterval <= 0 {
		opts.SendInterval = 5 * time.Second
	}
	if opts.LoginTimeout <= 0 {
		opts.LoginTimeout = 30 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.InterpolateMaxAge <= 0 {
		opts.InterpolateMaxAge = 20 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{hub: hub, weather: wx, opts: opts}
}

// Listen binds the protocol listener. Bind failures are fatal at startup,
// so this is kept separate from Serve.
func Listen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return ln, nil
}

// Serve accepts connections until ctx is cancelled, then closes the
// listener and every session and waits for them to finish.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	lg := s.opts.Logger
	lg.Info("Traffic server listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return fmt.Errorf("accept: %w", err)
			}
			// Anything else, such as running out of descriptors, may clear
			// once sessions end.
			tempDelay = min(max(2*tempDelay, 5*time.Millisecond), time.Second)
			lg.Warn("Accept failed, retrying", "error", err, "delay", tempDelay)
			select {
			case <-time.After(tempDelay):
			case <-ctx.Done():
			}
			continue
		}
		tempDelay = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.ServeConn(ctx, conn)
		}()
	}
}

// ServeConn runs one client session to completion. The connection is
// closed when it returns.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) error {
	sess := newSession(s, conn, fmt.Sprintf("S%d", s.nextID.Add(1)))
	err := sess.run(ctx)
	switch {
	case err == nil:
		sess.lg.Info("Session closed")
	case errors.Is(err, ErrLoginTimeout):
		sess.lg.Info("Session closed, no login", "error", err)
	default:
		sess.lg.Warn("Session closed", "error", err)
	}
	return err
}

// Sessions lists the logged-in clients.
func (s *Server) Sessions() []pipeline.SessionInfo {
	return s.hub.Sessions()
}
