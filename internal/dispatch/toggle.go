package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/markus-barta/housectl/internal/directory"
	"github.com/markus-barta/housectl/internal/identity"
	"github.com/markus-barta/housectl/internal/protocol"
	"github.com/markus-barta/housectl/internal/registry"
	"github.com/rs/zerolog"
)

// Result is the outward status of a command request.
type Result string

const (
	ResultOK        Result = "ok"
	ResultOffline   Result = "offline"
	ResultNotFound  Result = "not_found"
	ResultForbidden Result = "forbidden"
)

// Directory resolves devices for the command service.
type Directory interface {
	Lookup(ctx context.Context, deviceID int64) (directory.Device, error)
}

// Broadcaster is satisfied by *Dispatcher.
type Broadcaster interface {
	Broadcast(ctx context.Context, scope registry.Scope, payload []byte) Outcome
}

// Commands turns user requests into scoped broadcasts.
type Commands struct {
	dir  Directory
	out  Broadcaster
	mode registry.Mode
	log  zerolog.Logger
}

// NewCommands creates the command service for the given scope mode.
func NewCommands(dir Directory, out Broadcaster, mode registry.Mode, log zerolog.Logger) *Commands {
	return &Commands{
		dir:  dir,
		out:  out,
		mode: mode,
		log:  log.With().Str("component", "commands").Logger(),
	}
}

// Toggle resolves deviceID, checks that who may control it, and broadcasts a
// toggle envelope to the device's scope. The error is reserved for directory
// or encoding failures; every expected condition is a Result.
func (c *Commands) Toggle(ctx context.Context, who identity.Identity, deviceID int64) (Result, Outcome, error) {
	dev, err := c.dir.Lookup(ctx, deviceID)
	if errors.Is(err, directory.ErrDeviceNotFound) {
		return ResultNotFound, Outcome{}, nil
	}
	if err != nil {
		return "", Outcome{}, err
	}

	if !directory.CanControl(who, dev) {
		c.log.Warn().
			Stringer("who", who).
			Int64("device_id", deviceID).
			Msg("toggle denied")
		return ResultForbidden, Outcome{}, nil
	}

	scope, err := c.mode.ScopeFor(dev.UserID, dev.HouseID)
	if err != nil {
		// Nobody can be registered under a scope the device does not have.
		c.log.Debug().Err(err).Int64("device_id", deviceID).Msg("device has no audience")
		return ResultOffline, Outcome{}, nil
	}

	payload, err := protocol.EncodeToggle(dev.ID, dev.Type, dev.Config)
	if err != nil {
		return "", Outcome{}, fmt.Errorf("encode toggle for device %d: %w", deviceID, err)
	}

	out := c.out.Broadcast(ctx, scope, payload)
	c.log.Info().
		Stringer("who", who).
		Int64("device_id", deviceID).
		Stringer("scope", scope).
		Stringer("status", out.Status).
		Int("recipients", out.Recipients).
		Msg("toggle dispatched")

	if out.Status == NoRecipients {
		return ResultOffline, out, nil
	}
	return ResultOK, out, nil
}

// Light broadcasts a light on/off command to the caller's own scope.
func (c *Commands) Light(ctx context.Context, who identity.Identity, on bool) (Result, Outcome, error) {
	scope, err := c.mode.ScopeFor(who.UserID, who.HouseID)
	if err != nil {
		return ResultForbidden, Outcome{}, nil
	}

	action := protocol.ActionLightOff
	if on {
		action = protocol.ActionLightOn
	}
	payload, err := protocol.EncodeAction(action)
	if err != nil {
		return "", Outcome{}, err
	}

	out := c.out.Broadcast(ctx, scope, payload)
	c.log.Info().
		Stringer("who", who).
		Str("action", action).
		Stringer("scope", scope).
		Int("recipients", out.Recipients).
		Msg("light command dispatched")

	if out.Status == NoRecipients {
		return ResultOffline, out, nil
	}
	return ResultOK, out, nil
}
