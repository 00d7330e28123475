// Package config loads pgrok configuration from a YAML file, PGROK_*
// environment variables, and command-line flags. Precedence: flag > env >
// file > built-in default; an environment variable only wins over a flag
// the user did not set.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration file.
type Config struct {
	Server ServerConfig `yaml:"server,omitempty"`
	Client ClientConfig `yaml:"client,omitempty"`
	Log    LogConfig    `yaml:"log,omitempty"`
}

// ServerConfig configures 'pgrok start-server'.
type ServerConfig struct {
	Port         int  `yaml:"port,omitempty" env:"PGROK_PORT"`
	Localhost    bool `yaml:"localhost,omitempty" env:"PGROK_LOCALHOST"`
	SingleTunnel bool `yaml:"single_tunnel,omitempty" env:"PGROK_SINGLE_TUNNEL"`
	TCPPort      int  `yaml:"tcp_port,omitempty" env:"PGROK_TCPPORT"`
}

// ClientConfig configures 'pgrok start' and 'pgrok start-tcp'.
type ClientConfig struct {
	TunnelID      string `yaml:"tunnel_id,omitempty"`
	ServerAddress string `yaml:"server_address,omitempty"`
	LocalAddress  string `yaml:"local_address,omitempty"`
	ProxyPort     int    `yaml:"proxy_port,omitempty" env:"PGROK_PROXYPORT"`
	TUI           bool   `yaml:"tui,omitempty"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level string `yaml:"level,omitempty"`
	File  string `yaml:"file,omitempty"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Client: ClientConfig{LocalAddress: "http://localhost:5000"},
		Log:    LogConfig{Level: "info"},
	}
}

// Load reads the config file at path (when non-empty) over the defaults,
// then applies PGROK_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.TCPPort != 0 && (c.TCPPort < 1 || c.TCPPort > 65535) {
		return fmt.Errorf("invalid tcp port: %d", c.TCPPort)
	}
	if c.TCPPort == c.Port && c.TCPPort != 0 {
		return fmt.Errorf("tcp port and http port must differ")
	}
	return nil
}

// Validate checks the client configuration.
func (c *ClientConfig) Validate() error {
	if c.ServerAddress == "" {
		return fmt.Errorf("server address is required")
	}
	u, err := url.Parse(c.ServerAddress)
	if err != nil {
		return fmt.Errorf("invalid server address: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("invalid server address scheme: %s", u.Scheme)
	}
	if c.LocalAddress != "" {
		if _, err := url.Parse(c.LocalAddress); err != nil {
			// a bare host:port (the start-tcp form) is not a valid URL
			if _, _, herr := net.SplitHostPort(c.LocalAddress); herr != nil {
				return fmt.Errorf("invalid local address: %w", err)
			}
		}
	}
	if c.ProxyPort != 0 && (c.ProxyPort < 1 || c.ProxyPort > 65535) {
		return fmt.Errorf("invalid proxy port: %d", c.ProxyPort)
	}
	return nil
}

// BindAddr returns the listen address for the given port, honouring the
// localhost-only setting.
func (c *ServerConfig) BindAddr(port int) string {
	host := ""
	if c.Localhost {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, port)
}
