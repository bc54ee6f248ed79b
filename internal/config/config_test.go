package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "dschat-agent", cfg.Agent.Command)
	assert.Equal(t, 30, cfg.Agent.InitTimeout)
	assert.Equal(t, 300, cfg.Agent.TurnTimeout)
	assert.Equal(t, 50, cfg.Sessions.MaxHistoryTurns)
	assert.Equal(t, "@every 5m", cfg.Sessions.SweepSchedule)
	assert.Equal(t, "info", cfg.Logging.Level)

	require.NoError(t, cfg.Validate())
}

func TestDurationHelpers(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 30*time.Second, cfg.Agent.InitTimeoutDuration())
	assert.Equal(t, 300*time.Second, cfg.Agent.TurnTimeoutDuration())
	assert.Equal(t, 5*time.Second, cfg.Agent.ShutdownGraceDuration())
	assert.Equal(t, time.Duration(0), cfg.Sessions.TTL())

	cfg.Sessions.TTLMinutes = 90
	assert.Equal(t, 90*time.Minute, cfg.Sessions.TTL())
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		shouldErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero port", func(c *Config) { c.Server.Port = 0 }, true},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }, true},
		{"missing agent command", func(c *Config) { c.Agent.Command = "" }, true},
		{"zero init timeout", func(c *Config) { c.Agent.InitTimeout = 0 }, true},
		{"zero turn timeout", func(c *Config) { c.Agent.TurnTimeout = 0 }, true},
		{"negative shutdown grace", func(c *Config) { c.Agent.ShutdownGrace = -1 }, true},
		{"negative history", func(c *Config) { c.Sessions.MaxHistoryTurns = -1 }, true},
		{"unbounded history", func(c *Config) { c.Sessions.MaxHistoryTurns = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.shouldErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	s := cfg.String()
	assert.Contains(t, s, `"server"`)
	assert.Contains(t, s, `"dschat-agent"`)
}
