package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/aeolun/chatterbox/pkg/protocol"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	TCPPort             int
	SSHPort             int // 0 disables the SSH listener
	SSHHostKeyPath      string
	HTTPPort            int // 0 disables WebSocket, /metrics and /health
	MaxConnectionsPerIP int // 0 means unlimited
	MaxLineLength       int
	OutboundQueueSize   int
	WriteTimeoutSeconds int
	IdleTimeoutSeconds  int // 0 disables the idle timeout
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:             protocol.DefaultPort,
		SSHPort:             0,
		SSHHostKeyPath:      "~/.chatterbox/ssh_host_key",
		HTTPPort:            0,
		MaxConnectionsPerIP: 10,
		MaxLineLength:       protocol.DefaultMaxLineLength,
		OutboundQueueSize:   256,
		WriteTimeoutSeconds: 10,
		IdleTimeoutSeconds:  0,
	}
}

// SessionOptions derives per-connection limits from the configuration
func (c ServerConfig) SessionOptions() SessionOptions {
	return SessionOptions{
		MaxLineLength: c.MaxLineLength,
		QueueSize:     c.OutboundQueueSize,
		WriteTimeout:  time.Duration(c.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:   time.Duration(c.IdleTimeoutSeconds) * time.Second,
	}
}

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server ServerSection `toml:"server"`
	Limits LimitsSection `toml:"limits"`
}

type ServerSection struct {
	TCPPort      int    `toml:"tcp_port"`
	SSHPort      int    `toml:"ssh_port"`
	SSHHostKey   string `toml:"ssh_host_key"`
	HTTPPort     int    `toml:"http_port"`
	DatabasePath string `toml:"database_path"`
}

type LimitsSection struct {
	MaxConnectionsPerIP int `toml:"max_connections_per_ip"`
	MaxLineLength       int `toml:"max_line_length"`
	OutboundQueueSize   int `toml:"outbound_queue_size"`
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`
	IdleTimeoutSeconds  int `toml:"idle_timeout_seconds"`
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	defaults := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:      defaults.TCPPort,
			SSHPort:      defaults.SSHPort,
			SSHHostKey:   defaults.SSHHostKeyPath,
			HTTPPort:     defaults.HTTPPort,
			DatabasePath: "~/.chatterbox/presence.db",
		},
		Limits: LimitsSection{
			MaxConnectionsPerIP: defaults.MaxConnectionsPerIP,
			MaxLineLength:       defaults.MaxLineLength,
			OutboundQueueSize:   defaults.OutboundQueueSize,
			WriteTimeoutSeconds: defaults.WriteTimeoutSeconds,
			IdleTimeoutSeconds:  defaults.IdleTimeoutSeconds,
		},
	}
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := ExpandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// Unwritable location: run with defaults anyway
			return config, nil
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Chatterbox Server Configuration
# This file was auto-generated with default values
# ssh_port and http_port of 0 disable those listeners

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// ToServerConfig converts TOMLConfig to ServerConfig
func (c *TOMLConfig) ToServerConfig() ServerConfig {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}

	if c.Server.SSHPort > 0 {
		cfg.SSHPort = c.Server.SSHPort
	}

	if strings.TrimSpace(c.Server.SSHHostKey) != "" {
		cfg.SSHHostKeyPath = c.Server.SSHHostKey
	}

	if c.Server.HTTPPort > 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}

	if c.Limits.MaxConnectionsPerIP != 0 {
		cfg.MaxConnectionsPerIP = c.Limits.MaxConnectionsPerIP
	}

	if c.Limits.MaxLineLength != 0 {
		cfg.MaxLineLength = c.Limits.MaxLineLength
	}

	if c.Limits.OutboundQueueSize != 0 {
		cfg.OutboundQueueSize = c.Limits.OutboundQueueSize
	}

	if c.Limits.WriteTimeoutSeconds != 0 {
		cfg.WriteTimeoutSeconds = c.Limits.WriteTimeoutSeconds
	}

	if c.Limits.IdleTimeoutSeconds > 0 {
		cfg.IdleTimeoutSeconds = c.Limits.IdleTimeoutSeconds
	}

	return cfg
}

// GetDatabasePath returns the database path with ~ expanded. An empty path
// disables the presence ledger.
func (c *TOMLConfig) GetDatabasePath() (string, error) {
	if strings.TrimSpace(c.Server.DatabasePath) == "" {
		return "", nil
	}
	return ExpandHome(c.Server.DatabasePath)
}

// ExpandHome expands a leading ~/ to the user's home directory
func ExpandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}
