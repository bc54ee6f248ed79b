package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main dschat configuration
type Config struct {
	// Server holds HTTP listener settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Agent holds settings for the shared tool-execution process
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// Sessions holds conversation store settings
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// AgentConfig configures the external agent subprocess. The options here
// are resolved once at startup; per-request overrides are rejected.
type AgentConfig struct {
	Command       string   `json:"command" mapstructure:"command"`
	Args          []string `json:"args" mapstructure:"args"`
	AllowedTools  []string `json:"allowed_tools" mapstructure:"allowed_tools"`
	Tables        []string `json:"tables" mapstructure:"tables"`
	InitTimeout   int      `json:"init_timeout" mapstructure:"init_timeout"`     // seconds
	TurnTimeout   int      `json:"turn_timeout" mapstructure:"turn_timeout"`     // seconds
	ShutdownGrace int      `json:"shutdown_grace" mapstructure:"shutdown_grace"` // seconds
	WatchProgram  bool     `json:"watch_program" mapstructure:"watch_program"`
}

// SessionsConfig holds session store configuration
type SessionsConfig struct {
	MaxHistoryTurns int    `json:"max_history_turns" mapstructure:"max_history_turns"`
	TTLMinutes      int    `json:"ttl_minutes" mapstructure:"ttl_minutes"`
	SweepSchedule   string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
	SnapshotPath    string `json:"snapshot_path" mapstructure:"snapshot_path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// InitTimeoutDuration returns the handshake timeout as a duration
func (a AgentConfig) InitTimeoutDuration() time.Duration {
	return time.Duration(a.InitTimeout) * time.Second
}

// TurnTimeoutDuration returns the per-turn execution timeout as a duration
func (a AgentConfig) TurnTimeoutDuration() time.Duration {
	return time.Duration(a.TurnTimeout) * time.Second
}

// ShutdownGraceDuration returns the shutdown grace period as a duration
func (a AgentConfig) ShutdownGraceDuration() time.Duration {
	return time.Duration(a.ShutdownGrace) * time.Second
}

// TTL returns the session idle TTL as a duration; zero disables expiry
func (s SessionsConfig) TTL() time.Duration {
	return time.Duration(s.TTLMinutes) * time.Minute
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Agent: AgentConfig{
			Command:       "dschat-agent",
			AllowedTools:  []string{"*"},
			Tables:        []string{},
			InitTimeout:   30,
			TurnTimeout:   300,
			ShutdownGrace: 5,
			WatchProgram:  false,
		},
		Sessions: SessionsConfig{
			MaxHistoryTurns: 50,
			TTLMinutes:      0,
			SweepSchedule:   "@every 5m",
			SnapshotPath:    "",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Pretty:  true,
		},
		DataDir: "",
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Agent.Command == "" {
		return fmt.Errorf("agent command is required")
	}
	if c.Agent.InitTimeout <= 0 {
		return fmt.Errorf("agent init_timeout must be positive")
	}
	if c.Agent.TurnTimeout <= 0 {
		return fmt.Errorf("agent turn_timeout must be positive")
	}
	if c.Agent.ShutdownGrace < 0 {
		return fmt.Errorf("agent shutdown_grace cannot be negative")
	}

	if c.Sessions.MaxHistoryTurns < 0 {
		return fmt.Errorf("sessions max_history_turns cannot be negative")
	}
	if c.Sessions.TTLMinutes < 0 {
		return fmt.Errorf("sessions ttl_minutes cannot be negative")
	}
	if c.Sessions.TTLMinutes > 0 && c.Sessions.SweepSchedule == "" {
		return fmt.Errorf("sessions sweep_schedule is required when ttl_minutes is set")
	}

	return nil
}
