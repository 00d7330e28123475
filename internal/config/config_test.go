package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.Server.SingleTunnel)
	assert.Equal(t, "http://localhost:5000", cfg.Client.LocalAddress)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgrok.yaml")
	content := `
server:
  port: 9090
  single_tunnel: true
client:
  tunnel_id: svc1
  server_address: http://relay.example.com
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.True(t, cfg.Server.SingleTunnel)
	assert.Equal(t, "svc1", cfg.Client.TunnelID)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pgrok.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9090\n"), 0o644))

	t.Setenv("PGROK_PORT", "7070")
	t.Setenv("PGROK_SINGLE_TUNNEL", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.True(t, cfg.Server.SingleTunnel)
}

func TestServerValidate(t *testing.T) {
	cfg := ServerConfig{Port: 8080}
	assert.NoError(t, cfg.Validate())

	cfg.Port = -1
	assert.Error(t, cfg.Validate())

	cfg = ServerConfig{Port: 8080, TCPPort: 8080}
	assert.Error(t, cfg.Validate())
}

func TestClientValidate(t *testing.T) {
	cfg := ClientConfig{ServerAddress: "http://relay:8080", LocalAddress: "http://127.0.0.1:5000"}
	assert.NoError(t, cfg.Validate())

	cfg.ServerAddress = ""
	assert.Error(t, cfg.Validate())

	cfg.ServerAddress = "ftp://relay"
	assert.Error(t, cfg.Validate())
}

func TestBindAddr(t *testing.T) {
	cfg := ServerConfig{Port: 8080}
	assert.Equal(t, ":8080", cfg.BindAddr(cfg.Port))

	cfg.Localhost = true
	assert.Equal(t, "127.0.0.1:8080", cfg.BindAddr(cfg.Port))
}
