package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/housectl/internal/registry"
	"github.com/rs/zerolog"
)

var (
	// ErrConnClosed is returned by Send once the connection is closing.
	ErrConnClosed = errors.New("connection closed")
	// ErrSendTimeout is returned when the send buffer stays full past the
	// send deadline.
	ErrSendTimeout = errors.New("send timed out")
)

// connState follows a controller connection through its lifecycle.
type connState int32

const (
	stateConnecting connState = iota
	stateRegistered
	stateClosing
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateRegistered:
		return "registered"
	case stateClosing:
		return "closing"
	case stateClosed:
		return "closed"
	default:
		return "connecting"
	}
}

type connTimings struct {
	pongWait       time.Duration
	pingPeriod     time.Duration
	writeWait      time.Duration
	maxMessageSize int64
}

// Conn is a controller WebSocket connection. Outbound frames go through a
// buffered channel drained by writePump; the endpoint goroutine runs
// readPump until the peer goes away.
type Conn struct {
	id    string
	scope registry.Scope
	ws    *websocket.Conn
	log   zerolog.Logger
	t     connTimings

	send chan []byte
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	state     connState
}

func newConn(id string, scope registry.Scope, ws *websocket.Conn, buffer int, t connTimings, log zerolog.Logger) *Conn {
	return &Conn{
		id:    id,
		scope: scope,
		ws:    ws,
		t:     t,
		log: log.With().
			Str("conn_id", id).
			Stringer("scope", scope).
			Logger(),
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Scope returns the scope fixed at handshake.
func (c *Conn) Scope() registry.Scope { return c.scope }

// Send queues data for the peer. It waits for buffer space until ctx ends.
// A peer still full at ctx's deadline is closed so it reconnects; plain
// cancellation leaves it open.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		err := ctx.Err()
		if !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		c.log.Warn().Msg("send buffer full, closing slow controller")
		_ = c.Close()
		return fmt.Errorf("%w: %w", ErrSendTimeout, err)
	}
}

// Close stops both pumps and closes the socket. Safe to call repeatedly
// and from any goroutine.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.setState(stateClosing)
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) setState(s connState) {
	c.mu.Lock()
	prev := c.state
	if s > prev {
		c.state = s
	}
	c.mu.Unlock()
	if s > prev {
		c.log.Debug().Stringer("from", prev).Stringer("to", s).Msg("connection state")
	}
}

func (c *Conn) getState() connState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// readPump reads frames until the peer closes or a read fails, handing
// each one to handle in arrival order.
func (c *Conn) readPump(handle func(c *Conn, data []byte)) {
	c.ws.SetReadLimit(c.t.maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.t.pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.t.pongWait))
		return nil
	})
	c.ws.SetPingHandler(func(appData string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.t.pongWait))
		err := c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.t.writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warn().Err(err).Msg("read error")
			} else {
				c.log.Debug().Err(err).Msg("read loop ended")
			}
			return
		}

		// Any frame counts as liveness
		_ = c.ws.SetReadDeadline(time.Now().Add(c.t.pongWait))
		handle(c, data)
	}
}

// writePump writes queued frames and keepalive pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.t.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.t.writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.t.writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "closing"),
				time.Now().Add(c.t.writeWait))
			return
		}
	}
}
