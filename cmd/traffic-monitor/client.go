package main

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/unklstewy/livetraffic/pkg/fsd"
)

// Messages delivered to the model from the connection.
type (
	fsdMsg          struct{ msg fsd.Message }
	disconnectedMsg struct{ err error }
)

// client is a minimal controller connection to a traffic server.
type client struct {
	conn     net.Conn
	callsign string
	incoming chan tea.Msg

	mu sync.Mutex
}

// dial connects and logs in as an observer controller.
func dial(addr, callsign string, rating int, timeout time.Duration) (*client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}
	c := newClient(conn, callsign)
	if err := c.login(rating); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

func newClient(conn net.Conn, callsign string) *client {
	c := &client{conn: conn, callsign: callsign, incoming: make(chan tea.Msg, 256)}
	go c.read()
	return c
}

func (c *client) login(rating int) error {
	return c.send(
		fsd.ClientIdent{Callsign: c.callsign, To: "SERVER", ClientID: "b1ca", ClientName: "traffic-monitor", CID: "0"},
		fsd.AddATC{Callsign: c.callsign, To: "SERVER", RealName: "Traffic Monitor", CID: "0", Rating: rating, Protocol: 100},
	)
}

// read forwards parsed server messages until the connection ends.
// Unparseable lines are skipped.
func (c *client) read() {
	defer close(c.incoming)
	sc := fsd.NewScanner(c.conn)
	for sc.Scan() {
		msg, err := fsd.Parse(sc.Text())
		if err != nil {
			continue
		}
		if _, ok := msg.(fsd.Unknown); ok {
			continue
		}
		c.incoming <- fsdMsg{msg: msg}
	}
	err := sc.Err()
	if err == nil || errors.Is(err, net.ErrClosed) {
		err = errors.New("connection closed by server")
	}
	c.incoming <- disconnectedMsg{err: err}
}

// wait returns a command that delivers the next server message.
func (c *client) wait() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-c.incoming
		if !ok {
			return disconnectedMsg{err: errors.New("connection closed")}
		}
		return msg
	}
}

func (c *client) send(msgs ...fsd.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := c.conn.Write(fsd.Frame(msgs...))
	return err
}

// request sends msg from a command so the UI never blocks on the network.
func (c *client) request(msg fsd.Message) tea.Cmd {
	return func() tea.Msg {
		if err := c.send(msg); err != nil {
			return disconnectedMsg{err: err}
		}
		return nil
	}
}

// Close logs off and closes the connection.
func (c *client) Close() error {
	c.send(fsd.DeleteATC{Callsign: c.callsign})
	return c.conn.Close()
}
