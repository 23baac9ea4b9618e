// Package mqttbridge mirrors scope broadcasts onto an MQTT broker.
//
// For every configured scope the bridge registers one Connection with the
// registry while the broker session is up. Sending on it publishes the
// envelope to the scope's command topic, so MQTT-attached controllers are
// addressed exactly like WebSocket ones.
package mqttbridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/markus-barta/housectl/internal/registry"
	"github.com/rs/zerolog"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultKeepAlive      = 60 * time.Second
	defaultReattachDelay  = time.Second
	disconnectQuiesce     = 500 // milliseconds

	commandQoS = 1
)

// ErrDetached is returned by Send once the broker session that created the
// connection is gone.
var ErrDetached = errors.New("mqtt bridge detached")

// Publisher is the part of a paho client the bridge publishes through.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
}

// Registrar is where bridge connections are registered.
type Registrar interface {
	Register(scope registry.Scope, conn registry.Connection)
	Deregister(scope registry.Scope, conn registry.Connection) bool
}

// Config configures the broker session.
type Config struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Scopes      []registry.Scope

	// ReattachDelay is how long a scope stays detached after a failed
	// publish before a fresh connection is registered for it.
	ReattachDelay time.Duration
}

// Topic returns the command topic for scope, e.g. housectl/house/7/command.
func Topic(prefix string, scope registry.Scope) string {
	if scope.Kind == registry.Global {
		return prefix + "/global/command"
	}
	return prefix + "/" + scope.Kind.String() + "/" + strconv.FormatInt(scope.ID, 10) + "/command"
}

// Bridge owns the broker session and the connections registered for it.
type Bridge struct {
	cfg Config
	reg Registrar
	log zerolog.Logger

	mu       sync.Mutex
	attached []*Conn
}

// New creates a bridge. Nothing connects until Run.
func New(cfg Config, reg Registrar, log zerolog.Logger) *Bridge {
	if cfg.ReattachDelay <= 0 {
		cfg.ReattachDelay = defaultReattachDelay
	}
	return &Bridge{
		cfg: cfg,
		reg: reg,
		log: log.With().Str("component", "mqttbridge").Logger(),
	}
}

func buildClientOptions(cfg Config) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	return opts
}

// Run connects to the broker and keeps the bridge attached while the
// session is up. It returns after ctx is cancelled and the client has
// disconnected.
func (b *Bridge) Run(ctx context.Context) error {
	opts := buildClientOptions(b.cfg)
	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		b.log.Info().Str("broker", b.cfg.Broker).Msg("connected to broker")
		b.attach(c)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		b.log.Warn().Err(err).Msg("broker connection lost")
		b.detach()
	})

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	go func() {
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				b.log.Error().Err(err).Msg("broker connect failed")
			}
		case <-ctx.Done():
		}
	}()

	<-ctx.Done()
	b.detach()
	client.Disconnect(disconnectQuiesce)
	b.log.Info().Msg("bridge stopped")
	return nil
}

// attach registers one connection per configured scope, replacing any left
// over from a previous session.
func (b *Bridge) attach(pub Publisher) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.detachLocked()
	for _, scope := range b.cfg.Scopes {
		conn := b.newConn(scope, pub)
		b.reg.Register(scope, conn)
		b.attached = append(b.attached, conn)
		b.log.Debug().Stringer("scope", scope).Str("topic", conn.topic).Msg("bridge attached")
	}
}

func (b *Bridge) newConn(scope registry.Scope, pub Publisher) *Conn {
	topic := Topic(b.cfg.TopicPrefix, scope)
	return &Conn{
		id:     "mqtt:" + topic,
		topic:  topic,
		scope:  scope,
		pub:    pub,
		onFail: b.failed,
	}
}

// failed is called once by a connection whose publish failed. The
// dispatcher evicts it, so a fresh connection is registered for the scope
// after ReattachDelay.
func (b *Bridge) failed(conn *Conn) {
	b.log.Warn().Stringer("scope", conn.scope).Dur("retry_in", b.cfg.ReattachDelay).Msg("bridge publish failed")
	time.AfterFunc(b.cfg.ReattachDelay, func() { b.reattach(conn) })
}

// reattach replaces old with a fresh connection, unless the session that
// created old has since been replaced or detached.
func (b *Bridge) reattach(old *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, conn := range b.attached {
		if conn != old {
			continue
		}
		fresh := b.newConn(old.scope, old.pub)
		b.reg.Deregister(old.scope, old)
		b.reg.Register(old.scope, fresh)
		b.attached[i] = fresh
		b.log.Info().Stringer("scope", old.scope).Msg("bridge reattached")
		return
	}
}

// detach deregisters every bridge connection.
func (b *Bridge) detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.detachLocked()
}

func (b *Bridge) detachLocked() {
	for _, conn := range b.attached {
		_ = conn.Close()
		b.reg.Deregister(conn.scope, conn)
	}
	b.attached = nil
}

// Conn is a registry connection backed by an MQTT topic.
type Conn struct {
	id     string
	topic  string
	scope  registry.Scope
	pub    Publisher
	onFail func(*Conn)
	closed atomic.Bool
}

func (c *Conn) ID() string { return c.id }

// Topic returns the topic Send publishes to.
func (c *Conn) Topic() string { return c.topic }

// Send publishes data at QoS 1 and waits for the broker to acknowledge it
// or ctx to end. A failed publish detaches the connection.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return ErrDetached
	}

	token := c.pub.Publish(c.topic, commandQoS, false, data)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			c.fail()
			return fmt.Errorf("publish %s: %w", c.topic, err)
		}
		return nil
	case <-ctx.Done():
		c.fail()
		return fmt.Errorf("publish %s: %w", c.topic, ctx.Err())
	}
}

func (c *Conn) fail() {
	if c.closed.CompareAndSwap(false, true) && c.onFail != nil {
		c.onFail(c)
	}
}

// Close marks the connection detached. The broker session is owned by the
// Bridge.
func (c *Conn) Close() error {
	c.closed.Store(true)
	return nil
}

var _ registry.Connection = (*Conn)(nil)
