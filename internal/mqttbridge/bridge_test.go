package mqttbridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/markus-barta/housectl/internal/dispatch"
	"github.com/markus-barta/housectl/internal/registry"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	done chan struct{}
	err  error
}

func completedToken(err error) *fakeToken {
	t := &fakeToken{done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool {
	<-t.done
	return true
}

func (t *fakeToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *fakeToken) Done() <-chan struct{} { return t.done }
func (t *fakeToken) Error() error          { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu    sync.Mutex
	msgs  []published
	err   error
	stall bool // tokens never complete
}

func (p *fakePublisher) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stall {
		return &fakeToken{done: make(chan struct{})}
	}
	p.msgs = append(p.msgs, published{topic: topic, qos: qos, retained: retained, payload: payload.([]byte)})
	return completedToken(p.err)
}

func (p *fakePublisher) sent() []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]published(nil), p.msgs...)
}

func newTestBridge(scopes ...registry.Scope) (*Bridge, *registry.Registry) {
	reg := registry.New(zerolog.Nop())
	b := New(Config{TopicPrefix: "housectl", Scopes: scopes, ReattachDelay: 10 * time.Millisecond}, reg, zerolog.Nop())
	return b, reg
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "housectl/global/command", Topic("housectl", registry.GlobalScope))
	assert.Equal(t, "housectl/user/3/command", Topic("housectl", registry.UserScope(3)))
	assert.Equal(t, "home/house/7/command", Topic("home", registry.HouseScope(7)))
}

func TestAttach_RegistersOnePerScope(t *testing.T) {
	b, reg := newTestBridge(registry.HouseScope(7), registry.HouseScope(8))
	b.attach(&fakePublisher{})

	scopes, conns := reg.Stats()
	assert.Equal(t, 2, scopes)
	assert.Equal(t, 2, conns)

	members := reg.Members(registry.HouseScope(7))
	require.Len(t, members, 1)
	assert.Equal(t, "mqtt:housectl/house/7/command", members[0].ID())
}

func TestAttach_ReconnectReplacesConnections(t *testing.T) {
	b, reg := newTestBridge(registry.HouseScope(7))
	b.attach(&fakePublisher{})
	first := reg.Members(registry.HouseScope(7))[0]

	b.attach(&fakePublisher{})
	members := reg.Members(registry.HouseScope(7))
	require.Len(t, members, 1)
	assert.NotSame(t, first, members[0])
	assert.ErrorIs(t, first.Send(context.Background(), []byte("x")), ErrDetached)
}

func TestDetach_DeregistersAll(t *testing.T) {
	b, reg := newTestBridge(registry.UserScope(1), registry.UserScope(2))
	b.attach(&fakePublisher{})
	conns := reg.All()

	b.detach()

	_, n := reg.Stats()
	assert.Zero(t, n)
	for _, c := range conns {
		assert.ErrorIs(t, c.Send(context.Background(), []byte("x")), ErrDetached)
	}

	// Detaching twice is harmless
	b.detach()
}

func TestConn_SendPublishes(t *testing.T) {
	pub := &fakePublisher{}
	c := &Conn{id: "c", topic: "housectl/house/7/command", pub: pub}

	require.NoError(t, c.Send(context.Background(), []byte(`{"action":"light_on"}`)))

	assert.Equal(t, []published{{
		topic:   "housectl/house/7/command",
		qos:     1,
		payload: []byte(`{"action":"light_on"}`),
	}}, pub.sent())
}

func TestConn_SendBrokerError(t *testing.T) {
	brokerErr := errors.New("not connected")
	c := &Conn{id: "c", topic: "t", pub: &fakePublisher{err: brokerErr}}

	assert.ErrorIs(t, c.Send(context.Background(), []byte("x")), brokerErr)
}

func TestConn_SendHonoursDeadline(t *testing.T) {
	c := &Conn{id: "c", topic: "t", pub: &fakePublisher{stall: true}}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Send(ctx, []byte("x")), context.DeadlineExceeded)
}

// A failing publish evicts the bridge connection; the scope comes back once
// the bridge reattaches and publishing recovers.
func TestBridge_ThroughDispatcherRecovers(t *testing.T) {
	scope := registry.HouseScope(7)
	b, reg := newTestBridge(scope)
	pub := &fakePublisher{}
	b.attach(pub)
	d := dispatch.New(reg, zerolog.Nop(), dispatch.Options{SendTimeout: time.Second})

	out := d.Broadcast(context.Background(), scope, []byte("cmd"))
	assert.Equal(t, dispatch.Delivered, out.Status)
	require.Len(t, pub.sent(), 1)
	assert.Equal(t, "housectl/house/7/command", pub.sent()[0].topic)

	pub.mu.Lock()
	pub.err = errors.New("broker gone")
	pub.mu.Unlock()

	out = d.Broadcast(context.Background(), scope, []byte("cmd"))
	assert.Equal(t, 1, out.Evicted)

	pub.mu.Lock()
	pub.err = nil
	pub.mu.Unlock()

	require.Eventually(t, func() bool { return reg.Has(scope) }, 2*time.Second, 5*time.Millisecond)
	out = d.Broadcast(context.Background(), scope, []byte("cmd"))
	assert.Equal(t, dispatch.Delivered, out.Status)
	assert.Equal(t, 1, out.Recipients)
	assert.Len(t, pub.sent(), 3)

	b.detach()
	assert.False(t, reg.Has(scope))
}

func TestBridge_FailedSendDetachesConn(t *testing.T) {
	scope := registry.UserScope(3)
	b, reg := newTestBridge(scope)
	b.attach(&fakePublisher{err: errors.New("not connected")})
	first := reg.Members(scope)[0]

	require.Error(t, first.Send(context.Background(), []byte("x")))
	assert.ErrorIs(t, first.Send(context.Background(), []byte("x")), ErrDetached)

	require.Eventually(t, func() bool {
		members := reg.Members(scope)
		return len(members) == 1 && members[0] != first
	}, 2*time.Second, 5*time.Millisecond)
}

func TestBridge_NoReattachAfterDetach(t *testing.T) {
	scope := registry.HouseScope(8)
	b, reg := newTestBridge(scope)
	b.attach(&fakePublisher{err: errors.New("not connected")})

	require.Error(t, reg.Members(scope)[0].Send(context.Background(), []byte("x")))
	b.detach()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, reg.Has(scope))
}

func TestBuildClientOptions(t *testing.T) {
	opts := buildClientOptions(Config{
		Broker:   "tcp://broker:1883",
		ClientID: "housectl-gateway",
		Username: "gw",
		Password: "pw",
	})

	require.Len(t, opts.Servers, 1)
	assert.Equal(t, "broker:1883", opts.Servers[0].Host)
	assert.Equal(t, "housectl-gateway", opts.ClientID)
	assert.Equal(t, "gw", opts.Username)
	assert.True(t, opts.AutoReconnect)
	assert.True(t, opts.ConnectRetry)
	assert.True(t, opts.CleanSession)
}
