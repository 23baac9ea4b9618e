// Package gateway implements the housectl HTTP server: the controller
// WebSocket endpoint and the command API used by the web UI.
package gateway

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/markus-barta/housectl/internal/registry"
)

// Config holds gateway configuration from environment variables.
type Config struct {
	// Server
	ListenAddr      string        `env:"HOUSECTL_LISTEN"           envDefault:":8000"`
	ShutdownTimeout time.Duration `env:"HOUSECTL_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Storage
	DataDir      string `env:"HOUSECTL_DATA_DIR" envDefault:"/data"`
	DatabasePath string `env:"HOUSECTL_DB_PATH"`

	// Scoping: which audience a controller joins and a device dispatches to
	ScopeMode registry.Mode `env:"HOUSECTL_SCOPE_MODE" envDefault:"house"`

	// Controllers
	ControllerToken string   `env:"HOUSECTL_CONTROLLER_TOKEN"` // optional Bearer token
	AllowedOrigins  []string `env:"HOUSECTL_ALLOWED_ORIGINS" envSeparator:","`

	// Delivery
	SendTimeout    time.Duration `env:"HOUSECTL_SEND_TIMEOUT"     envDefault:"5s"`
	FanOutLimit    int           `env:"HOUSECTL_FANOUT_LIMIT"     envDefault:"32"`
	SendBuffer     int           `env:"HOUSECTL_SEND_BUFFER"      envDefault:"256"`
	PongWait       time.Duration `env:"HOUSECTL_PONG_WAIT"        envDefault:"60s"`
	WriteWait      time.Duration `env:"HOUSECTL_WRITE_WAIT"       envDefault:"10s"`
	MaxMessageSize int64         `env:"HOUSECTL_MAX_MESSAGE_SIZE" envDefault:"65536"`

	// Authentication
	SessionDuration   time.Duration `env:"HOUSECTL_SESSION_DURATION" envDefault:"24h"`
	SecureCookie      bool          `env:"HOUSECTL_SECURE_COOKIE"`
	TOTPSecret        string        `env:"HOUSECTL_TOTP_SECRET"` // optional, for 2FA
	RateLimitRequests int           `env:"HOUSECTL_RATE_LIMIT"  envDefault:"5"`
	RateLimitWindow   time.Duration `env:"HOUSECTL_RATE_WINDOW" envDefault:"1m"`
	AdminUsername     string        `env:"HOUSECTL_ADMIN_USERNAME" envDefault:"admin"`
	AdminPasswordHash string        `env:"HOUSECTL_ADMIN_PASSWORD_HASH"` // bcrypt; seeds the admin when set

	MQTT MQTTConfig
}

// MQTTConfig configures the optional MQTT bridge.
type MQTTConfig struct {
	Broker       string  `env:"HOUSECTL_MQTT_BROKER"` // e.g. tcp://localhost:1883; empty disables the bridge
	ClientID     string  `env:"HOUSECTL_MQTT_CLIENT_ID"    envDefault:"housectl-gateway"`
	Username     string  `env:"HOUSECTL_MQTT_USERNAME"`
	Password     string  `env:"HOUSECTL_MQTT_PASSWORD"`
	TopicPrefix  string  `env:"HOUSECTL_MQTT_TOPIC_PREFIX" envDefault:"housectl"`
	BridgeScopes []int64 `env:"HOUSECTL_MQTT_BRIDGE_SCOPES" envSeparator:","`
}

// Enabled reports whether a broker is configured.
func (m MQTTConfig) Enabled() bool { return m.Broker != "" }

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataDir, "housectl.db")
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if _, err := registry.ParseMode(string(c.ScopeMode)); err != nil {
		errs = append(errs, "HOUSECTL_SCOPE_MODE: "+err.Error())
	}
	if c.SendTimeout <= 0 {
		errs = append(errs, "HOUSECTL_SEND_TIMEOUT must be positive")
	}
	if c.FanOutLimit < 1 {
		errs = append(errs, "HOUSECTL_FANOUT_LIMIT must be at least 1")
	}
	if c.SendBuffer < 1 {
		errs = append(errs, "HOUSECTL_SEND_BUFFER must be at least 1")
	}
	if c.PongWait <= c.WriteWait {
		errs = append(errs, "HOUSECTL_PONG_WAIT must exceed HOUSECTL_WRITE_WAIT")
	}
	if c.MaxMessageSize < 512 {
		errs = append(errs, "HOUSECTL_MAX_MESSAGE_SIZE must be at least 512 bytes")
	}
	if c.MQTT.Enabled() && c.ScopeMode != registry.ModeGlobal && len(c.MQTT.BridgeScopes) == 0 {
		errs = append(errs, "HOUSECTL_MQTT_BRIDGE_SCOPES is required when the MQTT bridge is enabled")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// PingPeriod is how often controllers are pinged. Must be less than PongWait.
func (c *Config) PingPeriod() time.Duration {
	return (c.PongWait * 9) / 10
}

// BridgeScopes resolves the configured MQTT bridge ids under the scope mode.
func (c *Config) BridgeScopes() []registry.Scope {
	if c.ScopeMode == registry.ModeGlobal {
		return []registry.Scope{registry.GlobalScope}
	}
	scopes := make([]registry.Scope, 0, len(c.MQTT.BridgeScopes))
	for _, id := range c.MQTT.BridgeScopes {
		if c.ScopeMode == registry.ModeUser {
			scopes = append(scopes, registry.UserScope(id))
		} else {
			scopes = append(scopes, registry.HouseScope(id))
		}
	}
	return scopes
}
