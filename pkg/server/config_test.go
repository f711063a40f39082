package server

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTOMLConfigMatchesDefaults(t *testing.T) {
	cfg := DefaultTOMLConfig()
	defaults := DefaultConfig()

	assert.Equal(t, 6789, cfg.Server.TCPPort)
	assert.Equal(t, defaults.SSHHostKeyPath, cfg.Server.SSHHostKey)
	assert.NotEmpty(t, cfg.Server.DatabasePath)
	assert.Equal(t, defaults.MaxLineLength, cfg.Limits.MaxLineLength)
}

func TestToServerConfigMapsSettings(t *testing.T) {
	cfg := DefaultTOMLConfig()
	cfg.Server.TCPPort = 7000
	cfg.Server.SSHPort = 2222
	cfg.Server.SSHHostKey = "/tmp/host_key"
	cfg.Server.HTTPPort = 8080
	cfg.Limits.OutboundQueueSize = 16
	cfg.Limits.IdleTimeoutSeconds = 300

	serverCfg := cfg.ToServerConfig()

	assert.Equal(t, 7000, serverCfg.TCPPort)
	assert.Equal(t, 2222, serverCfg.SSHPort)
	assert.Equal(t, "/tmp/host_key", serverCfg.SSHHostKeyPath)
	assert.Equal(t, 8080, serverCfg.HTTPPort)
	assert.Equal(t, 16, serverCfg.OutboundQueueSize)

	opts := serverCfg.SessionOptions()
	assert.Equal(t, 16, opts.QueueSize)
	assert.Equal(t, 5*time.Minute, opts.IdleTimeout)
	assert.Equal(t, 10*time.Second, opts.WriteTimeout)
}

func TestToServerConfigFallsBackToDefaults(t *testing.T) {
	var cfg TOMLConfig

	serverCfg := cfg.ToServerConfig()
	assert.Equal(t, DefaultConfig(), serverCfg)
}

func TestLoadConfigWritesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultTOMLConfig(), cfg)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "# Chatterbox Server Configuration")
	assert.Contains(t, string(data), "tcp_port = 6789")

	// Reloading the generated file yields the same values
	again, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

func TestLoadConfigParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[server]
tcp_port = 7777
http_port = 9090
database_path = ""

[limits]
max_line_length = 512
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.TCPPort)

	dbPath, err := cfg.GetDatabasePath()
	require.NoError(t, err)
	assert.Empty(t, dbPath)

	serverCfg := cfg.ToServerConfig()
	assert.Equal(t, 9090, serverCfg.HTTPPort)
	assert.Equal(t, 512, serverCfg.MaxLineLength)
	assert.Equal(t, DefaultConfig().OutboundQueueSize, serverCfg.OutboundQueueSize)
}

func TestLoadConfigRejectsInvalidTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[server\ntcp_port = "), 0644))

	_, err := LoadConfig(path)
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandHome("~/.chatterbox/x.db")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".chatterbox", "x.db"), got)

	got, err = ExpandHome("/abs/path")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path", got)
}
