package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	// Transport config
	assert.Equal(t, "wss://localhost:8443", cfg.Transport.WSOrigin)
	assert.Equal(t, "https://localhost:8443", cfg.Transport.APIOrigin)
	assert.Equal(t, 5*time.Second, cfg.Transport.AckTimeout)

	// Reconnect config
	assert.Equal(t, time.Second, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 2.0, cfg.Reconnect.Growth)
	assert.Equal(t, 60*time.Second, cfg.Reconnect.MaxDelay)
	assert.Equal(t, 8, cfg.Reconnect.MaxAttempts)

	// Heartbeat config
	assert.Equal(t, 40*time.Second, cfg.Heartbeat.StaleAfter)
	assert.Equal(t, 5*time.Second, cfg.Heartbeat.PongWindow)

	// Pool and notify
	assert.Equal(t, 8, cfg.Pool.Capacity)
	assert.Equal(t, 50, cfg.Notify.DedupeCapacity)

	// Admin config
	assert.Equal(t, "127.0.0.1:9190", cfg.Admin.Addr)
	assert.True(t, cfg.Admin.Enabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	os.Setenv("WS_ORIGIN", "wss://rt.example.com")
	os.Setenv("RECONNECT_MAX_ATTEMPTS", "3")
	os.Setenv("HEARTBEAT_STALE_AFTER", "20s")
	os.Setenv("ADMIN_ENABLED", "false")
	defer func() {
		os.Unsetenv("WS_ORIGIN")
		os.Unsetenv("RECONNECT_MAX_ATTEMPTS")
		os.Unsetenv("HEARTBEAT_STALE_AFTER")
		os.Unsetenv("ADMIN_ENABLED")
	}()

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "wss://rt.example.com", cfg.Transport.WSOrigin)
	assert.Equal(t, 3, cfg.Reconnect.MaxAttempts)
	assert.Equal(t, 20*time.Second, cfg.Heartbeat.StaleAfter)
	assert.False(t, cfg.Admin.Enabled)

	// Untouched values keep their defaults.
	assert.Equal(t, time.Second, cfg.Reconnect.BaseDelay)
	assert.Equal(t, 50, cfg.Notify.DedupeCapacity)
}

func TestLoadOrDefaultFallsBack(t *testing.T) {
	os.Setenv("RECONNECT_GROWTH", "not-a-float")
	defer os.Unsetenv("RECONNECT_GROWTH")

	cfg := LoadOrDefault()
	assert.Equal(t, 2.0, cfg.Reconnect.Growth)
}
