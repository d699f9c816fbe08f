package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.RealtimeEnabled)
	assert.Equal(t, 200, cfg.MaxConnections)
	assert.Equal(t, 20, cfg.MaxConnectionsPerIP)
	assert.Equal(t, int64(65536), cfg.MaxFrameBytes)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("REALTIME_ENABLED", "false")
	t.Setenv("MAX_CONNECTIONS", "500")
	t.Setenv("MAX_CONNECTIONS_PER_IP", "50")
	t.Setenv("HEARTBEAT_INTERVAL", "10s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.False(t, cfg.RealtimeEnabled)
	assert.Equal(t, 500, cfg.MaxConnections)
	assert.Equal(t, 50, cfg.MaxConnectionsPerIP)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
}

func TestLoad_Validation(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"non-positive max connections", "MAX_CONNECTIONS", "0"},
		{"non-positive per-ip limit", "MAX_CONNECTIONS_PER_IP", "-1"},
		{"per-ip limit above global", "MAX_CONNECTIONS_PER_IP", "1000"},
		{"non-positive rate", "CONNECTION_RATE_PER_SECOND", "0"},
		{"non-positive burst", "CONNECTION_BURST", "0"},
		{"frame ceiling too small", "MAX_FRAME_BYTES", "512"},
		{"heartbeat too fast", "HEARTBEAT_INTERVAL", "100ms"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
