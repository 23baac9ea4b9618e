package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/markus-barta/housectl/internal/config"
	"github.com/markus-barta/housectl/internal/protocol"
	"github.com/rs/zerolog"
)

// ErrRejected is returned when the gateway refuses the handshake in a way
// that retrying cannot fix (bad token or unresolvable scope).
var ErrRejected = errors.New("gateway rejected controller")

// ConnectionHandler is called on connection events and for every frame.
type ConnectionHandler interface {
	OnConnected()
	OnDisconnected()
	OnFrame(data []byte)
}

// Connection parameters
const (
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	closeGracePeriod = 5 * time.Second
)

// WebSocketClient manages the WebSocket connection to the gateway.
type WebSocketClient struct {
	cfg     *config.Config
	log     zerolog.Logger
	handler ConnectionHandler
	backoff *backoff.ExponentialBackOff

	conn *websocket.Conn
	mu   sync.Mutex // guards conn and serialises writes
}

// NewWebSocketClient creates a new WebSocket client.
func NewWebSocketClient(cfg *config.Config, log zerolog.Logger, handler ConnectionHandler) *WebSocketClient {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.MinBackoff
	b.MaxInterval = cfg.MaxBackoff
	b.Multiplier = 2

	return &WebSocketClient{
		cfg:     cfg,
		log:     log.With().Str("component", "websocket").Logger(),
		handler: handler,
		backoff: b,
	}
}

// Run connects to the gateway and keeps reconnecting until ctx is cancelled
// or the gateway rejects the controller outright.
func (c *WebSocketClient) Run(ctx context.Context) error {
	for {
		conn, err := backoff.Retry(ctx, func() (*websocket.Conn, error) {
			return c.dial(ctx)
		},
			backoff.WithBackOff(c.backoff),
			backoff.WithMaxElapsedTime(0),
			backoff.WithNotify(func(err error, next time.Duration) {
				c.log.Error().Err(err).Dur("backoff", next).Msg("connection failed, retrying")
			}),
		)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			c.log.Debug().Msg("context cancelled, stopping")
			return nil
		}
		if err != nil {
			return err
		}

		c.serve(ctx, conn)

		// Pause before redialling so a gateway that drops us at once is
		// not hammered.
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.MinBackoff):
		}
	}
}

// dial establishes the WebSocket connection.
func (c *WebSocketClient) dial(ctx context.Context) (*websocket.Conn, error) {
	target, err := c.cfg.DialURL()
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	c.log.Debug().Str("url", target).Msg("connecting")

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusBadRequest) {
			return nil, backoff.Permanent(fmt.Errorf("%w: HTTP %d", ErrRejected, resp.StatusCode))
		}
		return nil, err
	}
	return conn, nil
}

// serve runs one connection until it drops.
func (c *WebSocketClient) serve(ctx context.Context, conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	// Closing the socket on cancel unblocks ReadMessage
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(connCtx)

	c.handler.OnConnected()
	c.readLoop(conn)
}

// readLoop reads frames until the connection fails.
func (c *WebSocketClient) readLoop(conn *websocket.Conn) {
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
		c.handler.OnDisconnected()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Error().Err(err).Msg("read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		c.handler.OnFrame(data)
	}
}

// pingLoop sends periodic application pings.
func (c *WebSocketClient) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Send(protocol.Ping()); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// Send writes one text frame to the gateway.
func (c *WebSocketClient) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return websocket.ErrCloseSent
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the connection gracefully.
func (c *WebSocketClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(closeGracePeriod),
	)
	closeErr := c.conn.Close()
	c.conn = nil
	if err != nil {
		return err
	}
	return closeErr
}

// IsConnected returns whether the client is connected.
func (c *WebSocketClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}
