// Package protocol defines the WebSocket messages exchanged between the
// gateway and controllers.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Command actions (gateway → controller).
const (
	ActionToggle   = "toggle"
	ActionLightOn  = "light_on"
	ActionLightOff = "light_off"
)

// Inbound message types (controller → gateway).
const (
	TypeAck  = "ack"
	TypePing = "ping"
)

// Outbound control message types (gateway → controller).
const (
	TypePong = "pong"
)

// ErrMalformed is returned for inbound frames that are not a recognisable
// message.
var ErrMalformed = errors.New("malformed message")

// Envelope is the command message delivered to controllers. Config is
// passed through from the device directory without interpretation.
type Envelope struct {
	Action     string          `json:"action"`
	DeviceID   int64           `json:"device_id,omitempty"`
	DeviceType string          `json:"type,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
}

var nullConfig = json.RawMessage("null")

// EncodeToggle builds the canonical toggle envelope:
//
//	{"action":"toggle","device_id":42,"type":"lan","config":{...}}
//
// The config value tree is copied verbatim; an empty config is sent as null
// so the key is always present.
func EncodeToggle(deviceID int64, deviceType string, config json.RawMessage) ([]byte, error) {
	if len(bytes.TrimSpace(config)) == 0 {
		config = nullConfig
	}
	// device_id and type are omitempty for action-only commands, so the
	// toggle envelope is written with explicit keys.
	return json.Marshal(struct {
		Action     string          `json:"action"`
		DeviceID   int64           `json:"device_id"`
		DeviceType string          `json:"type"`
		Config     json.RawMessage `json:"config"`
	}{ActionToggle, deviceID, deviceType, config})
}

// EncodeAction builds an envelope for a command that targets the whole
// scope rather than a device.
func EncodeAction(action string) ([]byte, error) {
	if action == "" {
		return nil, errors.New("empty action")
	}
	return json.Marshal(Envelope{Action: action})
}

// DecodeEnvelope parses a command envelope. Controllers use it; the gateway
// never reads envelopes back.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.Action == "" {
		return nil, fmt.Errorf("%w: missing action", ErrMalformed)
	}
	return &env, nil
}

// Inbound is a message sent by a controller.
type Inbound struct {
	Type     string `json:"type"`
	DeviceID int64  `json:"device_id,omitempty"`
	State    string `json:"state,omitempty"` // "on" or "off"
	Error    string `json:"error,omitempty"`
}

// DecodeInbound parses and validates a controller message.
func DecodeInbound(data []byte) (*Inbound, error) {
	var msg Inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}

	switch msg.Type {
	case TypePing:
	case TypeAck:
		if msg.DeviceID == 0 {
			return nil, fmt.Errorf("%w: ack without device_id", ErrMalformed)
		}
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, msg.Type)
	}
	return &msg, nil
}

// NewAck builds an acknowledgement for a handled command.
func NewAck(deviceID int64, on bool, cause error) ([]byte, error) {
	msg := Inbound{Type: TypeAck, DeviceID: deviceID, State: "off"}
	if on {
		msg.State = "on"
	}
	if cause != nil {
		msg.Error = cause.Error()
	}
	return json.Marshal(msg)
}

// Pong is the reply to an application-level ping.
func Pong() []byte {
	return []byte(`{"type":"pong"}`)
}

// Ping is the application-level keepalive a controller may send.
func Ping() []byte {
	return []byte(`{"type":"ping"}`)
}
