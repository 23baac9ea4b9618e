// Package controller implements a reference housectl controller: it joins a
// scope on the gateway, applies the commands it receives to in-memory device
// state and acknowledges each one.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/markus-barta/housectl/internal/config"
	"github.com/markus-barta/housectl/internal/protocol"
	"github.com/rs/zerolog"
)

// Version is the controller version.
const Version = "1.0.0"

// Sender delivers frames to the gateway.
type Sender interface {
	Send(data []byte) error
}

// Controller coordinates the connection and the device state.
type Controller struct {
	cfg *config.Config
	log zerolog.Logger
	ws  *WebSocketClient
	out Sender

	mu      sync.RWMutex
	devices map[int64]bool // on/off per device
	light   bool
	applied int

	// OnApply, if set, is called after each command is applied.
	OnApply func(env protocol.Envelope)
}

// New creates a controller with the given configuration.
func New(cfg *config.Config, log zerolog.Logger) *Controller {
	c := &Controller{
		cfg:     cfg,
		log:     log.With().Str("component", "controller").Logger(),
		devices: make(map[int64]bool),
	}
	c.ws = NewWebSocketClient(cfg, log, c)
	c.out = c.ws
	return c
}

// Run connects to the gateway and blocks until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	c.log.Info().
		Str("hostname", c.cfg.Hostname).
		Str("url", c.cfg.GatewayURL).
		Int64("user_id", c.cfg.UserID).
		Int64("house_id", c.cfg.HouseID).
		Msg("starting controller")

	err := c.ws.Run(ctx)
	c.log.Info().Msg("controller stopped")
	return err
}

// OnConnected is called when the WebSocket connects.
func (c *Controller) OnConnected() {
	c.log.Info().Msg("connected to gateway")
}

// OnDisconnected is called when the WebSocket disconnects.
func (c *Controller) OnDisconnected() {
	c.log.Warn().Msg("disconnected from gateway")
}

// OnFrame handles one frame from the gateway. Malformed frames are logged
// and skipped.
func (c *Controller) OnFrame(data []byte) {
	env, err := protocol.DecodeEnvelope(data)
	if err != nil {
		var ctl protocol.Inbound
		if json.Unmarshal(data, &ctl) == nil && ctl.Type == protocol.TypePong {
			c.log.Debug().Msg("pong")
			return
		}
		c.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse message")
		return
	}
	c.apply(*env)
}

var errUnknownAction = errors.New("unknown action")

func (c *Controller) apply(env protocol.Envelope) {
	var (
		on    bool
		cause error
	)

	c.mu.Lock()
	switch env.Action {
	case protocol.ActionToggle:
		on = !c.devices[env.DeviceID]
		c.devices[env.DeviceID] = on
	case protocol.ActionLightOn:
		c.light, on = true, true
	case protocol.ActionLightOff:
		c.light = false
	default:
		cause = errUnknownAction
	}
	if cause == nil {
		c.applied++
	}
	c.mu.Unlock()

	if cause != nil {
		c.log.Warn().Str("action", env.Action).Msg("unknown action")
	} else {
		c.log.Info().
			Str("action", env.Action).
			Int64("device_id", env.DeviceID).
			Str("type", env.DeviceType).
			Bool("on", on).
			Msg("command applied")
	}

	if env.Action == protocol.ActionToggle || cause != nil {
		c.ack(env.DeviceID, on, cause)
	}

	if c.OnApply != nil && cause == nil {
		c.OnApply(env)
	}
}

// ack reports the outcome of a device command to the gateway. The gateway
// requires a device id, so scope-wide commands are not acknowledged.
func (c *Controller) ack(deviceID int64, on bool, cause error) {
	if deviceID == 0 {
		return
	}
	data, err := protocol.NewAck(deviceID, on, cause)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to encode ack")
		return
	}
	if err := c.out.Send(data); err != nil {
		c.log.Debug().Err(err).Int64("device_id", deviceID).Msg("failed to send ack")
	}
}

// DeviceState reports whether a device is on.
func (c *Controller) DeviceState(deviceID int64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.devices[deviceID]
}

// LightOn reports the scope-wide light state.
func (c *Controller) LightOn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.light
}

// Applied is the number of commands applied so far.
func (c *Controller) Applied() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.applied
}

// IsConnected reports whether the gateway connection is up.
func (c *Controller) IsConnected() bool {
	return c.ws.IsConnected()
}
