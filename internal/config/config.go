// Package config handles controller configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all controller configuration.
type Config struct {
	// Connection
	GatewayURL string `env:"HOUSECTL_URL"`   // WebSocket URL (ws:// or wss://)
	Token      string `env:"HOUSECTL_TOKEN"` // optional controller token

	// Scope the controller joins; which one is used depends on the gateway's scope mode
	UserID  int64 `env:"HOUSECTL_USER_ID"`
	HouseID int64 `env:"HOUSECTL_HOUSE_ID"`

	// Behavior
	PingInterval time.Duration `env:"HOUSECTL_PING_INTERVAL" envDefault:"30s"`
	PongWait     time.Duration `env:"HOUSECTL_PONG_WAIT"     envDefault:"90s"`
	MinBackoff   time.Duration `env:"HOUSECTL_MIN_BACKOFF"   envDefault:"1s"`
	MaxBackoff   time.Duration `env:"HOUSECTL_MAX_BACKOFF"   envDefault:"60s"`
	LogLevel     string        `env:"HOUSECTL_LOG_LEVEL"     envDefault:"info"`

	// Derived
	Hostname string `env:"HOUSECTL_HOSTNAME"`
}

// LoadFromEnv loads configuration from environment variables.
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.Hostname == "" {
		cfg.Hostname, _ = os.Hostname()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	if c.GatewayURL == "" {
		errs = append(errs, "HOUSECTL_URL is required")
	} else if u, err := url.Parse(c.GatewayURL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, "HOUSECTL_URL must be a ws:// or wss:// URL")
	}
	if c.UserID < 0 || c.HouseID < 0 {
		errs = append(errs, "HOUSECTL_USER_ID and HOUSECTL_HOUSE_ID must not be negative")
	}
	if c.PingInterval < time.Second {
		errs = append(errs, "ping interval must be at least 1 second")
	}
	if c.PongWait <= c.PingInterval {
		errs = append(errs, "HOUSECTL_PONG_WAIT must exceed HOUSECTL_PING_INTERVAL")
	}
	if c.MinBackoff <= 0 || c.MaxBackoff < c.MinBackoff {
		errs = append(errs, "backoff bounds must satisfy 0 < HOUSECTL_MIN_BACKOFF <= HOUSECTL_MAX_BACKOFF")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// DialURL is GatewayURL with the scope query parameters added.
func (c *Config) DialURL() (string, error) {
	u, err := url.Parse(c.GatewayURL)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	if c.UserID != 0 {
		q.Set("user_id", strconv.FormatInt(c.UserID, 10))
	}
	if c.HouseID != 0 {
		q.Set("house_id", strconv.FormatInt(c.HouseID, 10))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// HealthURL converts the WebSocket URL to the gateway's HTTP health endpoint.
func (c *Config) HealthURL() string {
	httpURL := c.GatewayURL
	httpURL = strings.Replace(httpURL, "wss://", "https://", 1)
	httpURL = strings.Replace(httpURL, "ws://", "http://", 1)
	if i := strings.IndexByte(httpURL, '?'); i >= 0 {
		httpURL = httpURL[:i]
	}
	httpURL = strings.TrimSuffix(httpURL, "/ws")
	return strings.TrimSuffix(httpURL, "/") + "/health"
}
