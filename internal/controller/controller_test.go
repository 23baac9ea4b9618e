package controller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/housectl/internal/config"
	"github.com/markus-barta/housectl/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (r *recordingSender) Send(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, data)
	return nil
}

func (r *recordingSender) acks(t *testing.T) []protocol.Inbound {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Inbound
	for _, data := range r.sent {
		msg, err := protocol.DecodeInbound(data)
		require.NoError(t, err)
		out = append(out, *msg)
	}
	return out
}

func testConfig(url string) *config.Config {
	return &config.Config{
		GatewayURL:   url,
		HouseID:      7,
		PingInterval: time.Second,
		PongWait:     5 * time.Second,
		MinBackoff:   10 * time.Millisecond,
		MaxBackoff:   50 * time.Millisecond,
		Hostname:     "test",
	}
}

func newOfflineController() (*Controller, *recordingSender) {
	c := New(testConfig("ws://unused/ws"), zerolog.Nop())
	out := &recordingSender{}
	c.out = out
	return c, out
}

func TestOnFrame_ToggleFlipsStateAndAcks(t *testing.T) {
	c, out := newOfflineController()

	c.OnFrame([]byte(`{"action":"toggle","device_id":42,"type":"lan","config":{"ip":"10.0.0.5"}}`))
	assert.True(t, c.DeviceState(42))
	c.OnFrame([]byte(`{"action":"toggle","device_id":42,"type":"lan","config":null}`))
	assert.False(t, c.DeviceState(42))

	assert.Equal(t, []protocol.Inbound{
		{Type: protocol.TypeAck, DeviceID: 42, State: "on"},
		{Type: protocol.TypeAck, DeviceID: 42, State: "off"},
	}, out.acks(t))
	assert.Equal(t, 2, c.Applied())
}

func TestOnFrame_Light(t *testing.T) {
	c, out := newOfflineController()

	c.OnFrame([]byte(`{"action":"light_on"}`))
	assert.True(t, c.LightOn())
	c.OnFrame([]byte(`{"action":"light_off"}`))
	assert.False(t, c.LightOn())

	assert.Empty(t, out.acks(t), "scope-wide commands carry no device to acknowledge")
}

func TestOnFrame_IgnoresNoise(t *testing.T) {
	c, out := newOfflineController()

	c.OnFrame([]byte(`{"type":"pong"}`))
	c.OnFrame([]byte(`not json`))
	c.OnFrame([]byte(`{"device_id":1}`))

	assert.Zero(t, c.Applied())
	assert.Empty(t, out.acks(t))
}

func TestOnFrame_UnknownActionAcksError(t *testing.T) {
	c, out := newOfflineController()

	c.OnFrame([]byte(`{"action":"dim","device_id":9}`))

	acks := out.acks(t)
	require.Len(t, acks, 1)
	assert.Equal(t, int64(9), acks[0].DeviceID)
	assert.Equal(t, "unknown action", acks[0].Error)
	assert.Zero(t, c.Applied())
}

// fakeGateway accepts controllers and lets the test push frames to them.
type fakeGateway struct {
	t      *testing.T
	srv    *httptest.Server
	status int // non-zero rejects the handshake

	mu       sync.Mutex
	conns    []*websocket.Conn
	queries  []string
	received chan []byte
}

func newFakeGateway(t *testing.T) *fakeGateway {
	g := &fakeGateway{t: t, received: make(chan []byte, 16)}
	up := websocket.Upgrader{}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		status := g.status
		g.mu.Unlock()
		if status != 0 {
			http.Error(w, "rejected", status)
			return
		}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conns = append(g.conns, ws)
		g.queries = append(g.queries, r.URL.RawQuery)
		g.mu.Unlock()

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			g.received <- data
		}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) url() string {
	return "ws" + strings.TrimPrefix(g.srv.URL, "http") + "/ws"
}

func (g *fakeGateway) connCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *fakeGateway) latest() *websocket.Conn {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conns[len(g.conns)-1]
}

func (g *fakeGateway) nextNonPing(t *testing.T) protocol.Inbound {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case data := <-g.received:
			msg, err := protocol.DecodeInbound(data)
			require.NoError(t, err)
			if msg.Type == protocol.TypePing {
				continue
			}
			return *msg
		case <-timeout:
			t.Fatal("no message from controller")
		}
	}
}

func runController(t *testing.T, c *Controller) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestRun_AppliesCommandsAndAcks(t *testing.T) {
	g := newFakeGateway(t)
	c := New(testConfig(g.url()), zerolog.Nop())
	cancel, done := runController(t, c)

	require.Eventually(t, func() bool { return g.connCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "house_id=7", g.queries[0])

	env, err := protocol.EncodeToggle(42, "lan", json.RawMessage(`{"ip":"10.0.0.5"}`))
	require.NoError(t, err)
	require.NoError(t, g.latest().WriteMessage(websocket.TextMessage, env))

	ack := g.nextNonPing(t)
	assert.Equal(t, protocol.Inbound{Type: protocol.TypeAck, DeviceID: 42, State: "on"}, ack)
	assert.True(t, c.DeviceState(42))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("controller did not stop")
	}
}

func TestRun_ReconnectsAfterDrop(t *testing.T) {
	g := newFakeGateway(t)
	c := New(testConfig(g.url()), zerolog.Nop())
	runController(t, c)

	require.Eventually(t, func() bool { return g.connCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, g.latest().Close())

	require.Eventually(t, func() bool { return g.connCount() == 2 }, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, c.IsConnected, 2*time.Second, 10*time.Millisecond)
}

func TestRun_RejectedHandshakeStops(t *testing.T) {
	g := newFakeGateway(t)
	g.status = http.StatusBadRequest
	c := New(testConfig(g.url()), zerolog.Nop())
	_, done := runController(t, c)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRejected)
	case <-time.After(3 * time.Second):
		t.Fatal("controller kept retrying a rejected handshake")
	}
}

func TestRun_RetriesUntilGatewayAppears(t *testing.T) {
	g := newFakeGateway(t)
	g.status = http.StatusServiceUnavailable
	c := New(testConfig(g.url()), zerolog.Nop())
	runController(t, c)

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, g.connCount())

	g.mu.Lock()
	g.status = 0
	g.mu.Unlock()
	require.Eventually(t, func() bool { return g.connCount() == 1 }, 3*time.Second, 10*time.Millisecond)
}
