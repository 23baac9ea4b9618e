package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HOUSECTL_URL", "ws://gw:8000/ws")
	t.Setenv("HOUSECTL_HOUSE_ID", "7")
	t.Setenv("HOUSECTL_HOSTNAME", "pi-kitchen")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, int64(7), cfg.HouseID)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, time.Second, cfg.MinBackoff)
	assert.Equal(t, "pi-kitchen", cfg.Hostname)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFromEnv_URLRequired(t *testing.T) {
	t.Setenv("HOUSECTL_URL", "")

	_, err := LoadFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HOUSECTL_URL is required")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			GatewayURL:   "wss://gw.example/ws",
			PingInterval: 30 * time.Second,
			PongWait:     90 * time.Second,
			MinBackoff:   time.Second,
			MaxBackoff:   time.Minute,
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"http scheme", func(c *Config) { c.GatewayURL = "http://gw/ws" }, "ws:// or wss://"},
		{"negative id", func(c *Config) { c.HouseID = -1 }, "must not be negative"},
		{"fast ping", func(c *Config) { c.PingInterval = 10 * time.Millisecond }, "at least 1 second"},
		{"pong too short", func(c *Config) { c.PongWait = c.PingInterval }, "HOUSECTL_PONG_WAIT"},
		{"backoff inverted", func(c *Config) { c.MaxBackoff = time.Millisecond }, "backoff bounds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDialURL(t *testing.T) {
	cfg := &Config{GatewayURL: "ws://gw:8000/ws", HouseID: 7}
	u, err := cfg.DialURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://gw:8000/ws?house_id=7", u)

	cfg = &Config{GatewayURL: "ws://gw:8000/ws", UserID: 3}
	u, err = cfg.DialURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://gw:8000/ws?user_id=3", u)

	cfg = &Config{GatewayURL: "ws://gw:8000/ws"}
	u, err = cfg.DialURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://gw:8000/ws", u)
}

func TestHealthURL(t *testing.T) {
	assert.Equal(t, "https://gw.example/health", (&Config{GatewayURL: "wss://gw.example/ws"}).HealthURL())
	assert.Equal(t, "http://gw:8000/health", (&Config{GatewayURL: "ws://gw:8000/ws?house_id=1"}).HealthURL())
}
