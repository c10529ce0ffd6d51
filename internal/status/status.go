// Package status serves a read-only HTTP view of the running server: the
// delayed traffic picture, per-feed health, pipeline counters and the
// connected clients, plus a WebSocket stream of delivered frames.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"github.com/unklstewy/livetraffic/internal/auth"
	"github.com/unklstewy/livetraffic/internal/feed"
	"github.com/unklstewy/livetraffic/internal/pipeline"
	"github.com/unklstewy/livetraffic/internal/traffic"
	"github.com/unklstewy/livetraffic/pkg/coordinates"
	"github.com/unklstewy/livetraffic/pkg/log"
)

const (
	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

// PipelineStats is implemented by *pipeline.Pipeline.
type PipelineStats interface {
	Stats() pipeline.Stats
}

// FeedStats is implemented by *feed.Adapter.
type FeedStats interface {
	Stats() feed.Stats
}

type Options struct {
	// AllowedOrigins is the CORS allow-list; empty allows any origin
	AllowedOrigins []string

	// Auth guards every API route; a disabled service leaves them open
	Auth *auth.Service

	Pipeline PipelineStats
	Feeds    []FeedStats

	// Center is the reference point distances are reported from
	Center coordinates.Geographic

	Logger *log.Logger
	Now    func() time.Time
}

type Server struct {
	hub      *pipeline.Hub
	opts     Options
	router   *chi.Mux
	upgrader websocket.Upgrader
	started  time.Time

	// done is closed on shutdown to end hijacked stream connections
	done chan struct{}
}

func New(hub *pipeline.Hub, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Auth == nil {
		opts.Auth = auth.NewService(auth.Config{})
	}
	s := &Server{
		hub:     hub,
		opts:    opts,
		router:  chi.NewRouter(),
		started: opts.Now(),
		done:    make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Serve runs the HTTP server on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	shutdown := make(chan struct{})
	go func() {
		defer close(shutdown)
		<-ctx.Done()
		close(s.done)

		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(sctx); err != nil {
			s.opts.Logger.Warn("Status server forced to shutdown", "error", err)
		}
	}()

	s.opts.Logger.Info("Status API listening", "addr", ln.Addr().String(), "auth", s.opts.Auth.Enabled())
	err := httpServer.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		<-shutdown
		return nil
	}
	return err
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.allowedOrigins(),
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization"},
		MaxAge:         300,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Compress(5))
		r.Use(s.require(auth.RoleViewer))

		r.Get("/status", s.handleStatus)
		r.Get("/aircraft", s.handleAircraft)
		r.Get("/aircraft/{id}", s.handleAircraftByID)
		r.Get("/metars", s.handleMetars)

		r.With(s.require(auth.RoleAdmin)).Get("/sessions", s.handleSessions)
	})

	r.With(s.require(auth.RoleViewer)).Get("/ws/traffic", s.handleTrafficStream)
}

type claimsKey struct{}

// require rejects requests whose token does not carry role.
func (s *Server) require(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := s.opts.Auth.Authorize(r, role)
			switch {
			case errors.Is(err, auth.ErrUnauthorized):
				http.Error(w, "Insufficient role", http.StatusForbidden)
				return
			case err != nil:
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey{}, claims)))
		})
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.opts.Logger.Debug("HTTP request", "method", r.Method, "path", r.URL.Path, "status", ww.Status(),
			"bytes", ww.BytesWritten(), "duration", time.Since(start), "request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) allowedOrigins() []string {
	if len(s.opts.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.opts.AllowedOrigins
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	allowed := s.allowedOrigins()
	return origin == "" || slices.Contains(allowed, "*") || slices.ContainsFunc(allowed, func(o string) bool {
		return strings.EqualFold(o, origin)
	})
}

///////////////////////////////////////////////////////////////////////////
// Handlers

// Status is the /api/v1/status document.
type Status struct {
	Started         time.Time       `json:"started"`
	Uptime          string          `json:"uptime"`
	FramesPublished uint64          `json:"framesPublished"`
	Seq             uint64          `json:"seq"`
	LogicalTime     time.Time       `json:"logicalTime,omitzero"`
	Aircraft        int             `json:"aircraft"`
	Sessions        int             `json:"sessions"`
	SubscriberDrops uint64          `json:"subscriberDrops"`
	Pipeline        *pipeline.Stats `json:"pipeline,omitempty"`
	Feeds           []feed.Stats    `json:"feeds,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := s.opts.Now()
	st := Status{
		Started:         s.started,
		Uptime:          now.Sub(s.started).Truncate(time.Second).String(),
		Sessions:        len(s.hub.Sessions()),
		SubscriberDrops: s.hub.Dropped(),
	}
	if snap, n, ok := s.hub.Latest(); ok {
		st.FramesPublished = n
		st.Seq = snap.Seq
		st.LogicalTime = snap.LogicalTime
		st.Aircraft = len(snap.Aircraft)
	}
	if s.opts.Pipeline != nil {
		ps := s.opts.Pipeline.Stats()
		st.Pipeline = &ps
	}
	for _, f := range s.opts.Feeds {
		st.Feeds = append(st.Feeds, f.Stats())
	}
	respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleAircraft(w http.ResponseWriter, r *http.Request) {
	snap, _, _ := s.hub.Latest()
	respondJSON(w, http.StatusOK, s.frame(snap))
}

// handleAircraftByID looks an aircraft up by identity key or by the name
// clients see it under.
func (s *Server) handleAircraftByID(w http.ResponseWriter, r *http.Request) {
	id := strings.ToUpper(chi.URLParam(r, "id"))
	snap, _, _ := s.hub.Latest()

	rec, ok := snap.Find(id)
	if !ok {
		rec, ok = snap.FindCallsign(id)
	}
	if !ok {
		http.Error(w, "Aircraft not found", http.StatusNotFound)
		return
	}
	respondJSON(w, http.StatusOK, s.aircraft(rec))
}

func (s *Server) handleMetars(w http.ResponseWriter, r *http.Request) {
	snap, _, _ := s.hub.Latest()
	metars := make([]traffic.Metar, 0, len(snap.Metars))
	for _, m := range snap.Metars {
		metars = append(metars, m)
	}
	slices.SortFunc(metars, func(a, b traffic.Metar) int { return strings.Compare(a.Station, b.Station) })
	respondJSON(w, http.StatusOK, map[string]any{
		"metars": metars,
		"count":  len(metars),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.hub.Sessions()
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleTrafficStream upgrades to a WebSocket and pushes every delivered
// frame, starting with the current one. Frames are dropped, not queued,
// for clients that cannot keep up.
func (s *Server) handleTrafficStream(w http.ResponseWriter, r *http.Request) {
	frames, unsubscribe := s.hub.Subscribe(4)
	defer unsubscribe()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.opts.Logger.Warn("Unable to upgrade traffic websocket", "error", err)
		return
	}
	defer conn.Close()

	lg := s.opts.Logger.With("remote", r.RemoteAddr)
	lg.Info("Traffic stream opened")
	defer lg.Info("Traffic stream closed")

	// Client messages are ignored; reading surfaces the close
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	send := func(snap traffic.Snapshot) bool {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(s.frame(snap)); err != nil {
			lg.Debug("Traffic stream write failed", "error", err)
			return false
		}
		return true
	}

	if snap, _, ok := s.hub.Latest(); ok && !send(snap) {
		return
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(writeWait))
			return
		case snap := <-frames:
			if !send(snap) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
