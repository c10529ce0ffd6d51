package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/unklstewy/livetraffic/internal/pipeline"
	"github.com/unklstewy/livetraffic/internal/traffic"
	"github.com/unklstewy/livetraffic/pkg/fsd"
	"github.com/unklstewy/livetraffic/pkg/log"
)

// State is a session's position in its lifecycle. States only move
// forward.
type State int32

const (
	Connected State = iota
	Authenticating
	Active
	Closed
)

func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	case Authenticating:
		return "authenticating"
	case Active:
		return "active"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Silent targets are resent this often so clients do not time them out.
const positionRefresh = 30 * time.Second

// tracked is what a session last told its client about one aircraft.
type tracked struct {
	name        string
	sentFix     time.Time
	sentAt      time.Time
	skeleton    bool
	origin      string
	destination string
	plan        *traffic.FlightPlan
}

type inbound struct {
	msg fsd.Message
	err error
}

// Session is one client connection.
type Session struct {
	ID string

	srv   *Server
	conn  net.Conn
	w     *bufio.Writer
	state atomic.Int32
	lg    *log.Logger

	callsign string

	// Aircraft delivered to this client, by identity key
	delivered map[string]*tracked

	// Requested weather stations and the report last sent for each
	stations map[string]string

	done      chan struct{}
	closeOnce sync.Once
}

func newSession(srv *Server, conn net.Conn, id string) *Session {
	return &Session{
		ID:        id,
		srv:       srv,
		conn:      conn,
		w:         bufio.NewWriter(conn),
		lg:        srv.opts.Logger.With("session", id, "remote", conn.RemoteAddr().String()),
		delivered: make(map[string]*tracked),
		stations:  make(map[string]string),
		done:      make(chan struct{}),
	}
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.setState(Closed)
		close(s.done)
		s.conn.Close()
		s.srv.hub.Unregister(s.ID)
	})
}

func (s *Session) run(ctx context.Context) error {
	defer s.close()
	s.lg.Info("Connection established")

	in := make(chan inbound)
	go s.read(in)

	if err := s.send(fsd.ServerIdent{From: s.srv.opts.Callsign, To: "CLIENT", Version: fsd.Version}); err != nil {
		return err
	}
	if err := s.login(ctx, in); err != nil {
		return err
	}
	return s.serve(ctx, in)
}

// read parses incoming lines until the connection fails or the session
// ends. Lines of unknown types are dropped here.
func (s *Session) read(in chan<- inbound) {
	defer close(in)

	forward := func(ib inbound) bool {
		select {
		case in <- ib:
			return true
		case <-s.done:
			return false
		}
	}

	sc := fsd.NewScanner(s.conn)
	for sc.Scan() {
		msg, err := fsd.Parse(sc.Text())
		if errors.Is(err, fsd.ErrEmptyLine) {
			continue
		}
		if _, ok := msg.(fsd.Unknown); ok {
			s.lg.Debug("Ignoring message", "line", sc.Text())
			continue
		}
		if !forward(inbound{msg: msg, err: err}) {
			return
		}
	}
	if err := sc.Err(); err != nil {
		forward(inbound{err: err})
	}
}

// login waits for a valid controller login.
func (s *Session) login(ctx context.Context, in <-chan inbound) error {
	timer := time.NewTimer(s.srv.opts.LoginTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
			return ErrLoginTimeout
		case ib, ok := <-in:
			if !ok {
				return errors.New("connection closed before login")
			}
			if ib.err != nil {
				return s.reject(ib.err)
			}

			switch m := ib.msg.(type) {
			case fsd.ClientIdent:
				s.setState(Authenticating)
				s.lg.Debug("Client ident", "client", m.ClientName, "callsign", m.Callsign)

			case fsd.AddATC:
				s.setState(Authenticating)
				if err := m.Validate(); err != nil {
					return s.reject(err)
				}
				return s.activate(m)

			case fsd.AddPilot:
				return s.reject(&fsd.ProtocolError{Code: fsd.ErrCodeInvalidControl, Param: m.Callsign,
					Msg: "Only controller connections are accepted"})

			default:
				s.lg.Debug("Ignoring message before login", "type", fmt.Sprintf("%T", m))
			}
		}
	}
}

// activate completes a login: welcome, validation, then the full picture.
func (s *Session) activate(m fsd.AddATC) error {
	s.callsign = m.Callsign
	s.lg = s.lg.With("callsign", m.Callsign)
	s.setState(Active)
	s.srv.hub.Register(pipeline.SessionInfo{
		ID:        s.ID,
		Callsign:  m.Callsign,
		Remote:    s.conn.RemoteAddr().String(),
		Connected: s.srv.opts.Now(),
	})
	s.lg.Info("Controller logged in", "rating", m.Rating)

	me := s.srv.opts.Callsign
	s.queue(fsd.TextMessage{From: me, To: m.Callsign, Text: "Connected to live traffic. Welcome, " + m.Callsign + "."})
	s.queue(fsd.ATCValidation{From: me, To: m.Callsign, Valid: true})
	return s.update(s.srv.opts.Now())
}

func (s *Session) serve(ctx context.Context, in <-chan inbound) error {
	if s.State() != Active {
		return nil
	}
	ticker := time.NewTicker(s.srv.opts.SendInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.update(s.srv.opts.Now()); err != nil {
				return err
			}
		case ib, ok := <-in:
			if !ok {
				return nil
			}
			if ib.err != nil {
				return s.reject(ib.err)
			}
			if _, ok := ib.msg.(fsd.DeleteATC); ok {
				s.lg.Info("Controller logged off")
				return nil
			}
			if err := s.handle(ib.msg); err != nil {
				return err
			}
		}
	}
}

// reject reports a protocol failure to the client before the session
// closes. The original error is returned for logging.
func (s *Session) reject(err error) error {
	code, param, text := fsd.ErrCodeSyntax, s.callsign, err.Error()
	var pe *fsd.ProtocolError
	switch {
	case errors.As(err, &pe):
		code, param, text = pe.Code, pe.Param, pe.Msg
	case errors.Is(err, bufio.ErrTooLong):
		text = "Line too long"
	case errors.As(err, new(fsd.MalformedMessageError)):
		text = "Syntax error"
	default:
		// Read failures leave nobody to tell
		return err
	}
	to := s.callsign
	if to == "" {
		to = "unknown"
	}
	s.send(fsd.ErrorMessage{From: s.srv.opts.Callsign, To: to, Code: code, Param: param, Text: text})
	return err
}

// queue buffers a message for the next flush.
func (s *Session) queue(m fsd.Message) {
	s.w.WriteString(m.Encode())
	s.w.WriteString("\r\n")
}

// send queues messages and flushes them to the client.
func (s *Session) send(msgs ...fsd.Message) error {
	for _, m := range msgs {
		s.queue(m)
	}
	return s.flush()
}

func (s *Session) flush() error {
	if s.w.Buffered() == 0 {
		return nil
	}
	s.conn.SetWriteDeadline(time.Now().Add(s.srv.opts.WriteTimeout))
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}
