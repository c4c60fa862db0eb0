package asr

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

// State tracks the connection lifecycle. Closed is terminal and
// reachable from any state on transport failure.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateStreaming:
		return "streaming"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

var (
	ErrNotConnected = errors.New("asr: not connected")
	ErrNoConfig     = errors.New("asr: audio sent before config frame")
)

// Client is one bidirectional recognition session over a websocket. It
// sends JSON control frames and binary PCM frames, and yields events
// from inbound text frames. A dedicated reader goroutine owns all
// socket reads and feeds an event channel, so Receive can poll with a
// timeout without touching read deadlines.
type Client struct {
	url        string
	skipVerify bool
	log        *log.Logger

	mu    sync.Mutex // guards conn, state, events, done
	wmu   sync.Mutex // serializes socket writes
	conn  *websocket.Conn
	state State

	events chan Event
	done   chan struct{}
}

func NewClient(url string, skipVerify bool, logger *log.Logger) *Client {
	return &Client{
		url:        url,
		skipVerify: skipVerify,
		log:        logger,
	}
}

// Connect opens the transport and starts the reader. Certificate
// validation is configurable independently of whether TLS is in use at
// all.
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            websocket.DefaultDialer.Proxy,
		HandshakeTimeout: 10 * time.Second,
	}
	if c.skipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return err
	}

	events := make(chan Event, 32)
	done := make(chan struct{})

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.events = events
	c.done = done
	c.mu.Unlock()

	go c.readLoop(conn, events, done)

	c.log.Debug("connected", "url", c.url)
	return nil
}

// readLoop owns every read on the socket. Binary frames and
// unparseable text frames are noise and skipped; a read error marks
// the client closed and ends the loop.
func (c *Client) readLoop(conn *websocket.Conn, events chan Event, done chan struct{}) {
	defer close(events)

	for {
		kind, raw, err := conn.ReadMessage()
		if err != nil {
			c.log.Debug("receive failed", "error", err)
			c.markClosed()
			return
		}
		if kind != websocket.TextMessage {
			continue
		}

		ev := parseEvent(raw)
		if ev.Kind == NoEvent && !ev.Done {
			continue
		}

		select {
		case events <- ev:
		case <-done:
			return
		}
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether the transport is usable.
func (c *Client) Connected() bool {
	s := c.State()
	return s == StateConnected || s == StateStreaming
}

// SendConfig writes one JSON control frame. The first config frame
// moves the session into the streaming state.
func (c *Client) SendConfig(cfg ConfigFrame) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.wmu.Lock()
	err := conn.WriteJSON(cfg)
	c.wmu.Unlock()
	if err != nil {
		c.markClosed()
		return err
	}

	c.mu.Lock()
	if c.state == StateConnected {
		c.state = StateStreaming
	}
	c.mu.Unlock()
	return nil
}

// SendAudio writes one binary frame of raw PCM. Valid only after a
// config frame has been sent.
func (c *Client) SendAudio(frame []byte) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	if state != StateStreaming {
		return ErrNoConfig
	}

	c.wmu.Lock()
	err := conn.WriteMessage(websocket.BinaryMessage, frame)
	c.wmu.Unlock()
	if err != nil {
		c.markClosed()
		return err
	}
	return nil
}

// Receive waits up to timeout for the next recognition event. An
// elapsed timeout yields NoEvent: it is a liveness poll, not an error,
// and the connection stays usable for later polls. Once the transport
// is closed, every call yields NoEvent.
func (c *Client) Receive(timeout time.Duration) Event {
	c.mu.Lock()
	events := c.events
	c.mu.Unlock()
	if events == nil {
		return Event{}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev, ok := <-events:
		if !ok {
			return Event{}
		}
		return ev
	case <-timer.C:
		return Event{}
	}
}

// Disconnect closes the transport. Idempotent.
func (c *Client) Disconnect() error {
	conn := c.close()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Client) markClosed() {
	if conn := c.close(); conn != nil {
		conn.Close()
	}
}

// close moves to the terminal state and wakes the reader; the caller
// closes the returned transport.
func (c *Client) close() *websocket.Conn {
	c.mu.Lock()
	conn := c.conn
	done := c.done
	c.conn = nil
	c.done = nil
	c.state = StateClosed
	c.mu.Unlock()

	if done != nil {
		close(done)
	}
	return conn
}
