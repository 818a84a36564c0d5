// Package config loads the YAML configuration documents for both sides of
// the tunnel.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ClientConfig is the client process's configuration.
type ClientConfig struct {
	// EndPoints are the UDP bind addresses ("host:port") the listener pool
	// accepts DNS queries on.
	EndPoints []string `yaml:"endpoints"`
	// Resolver is the wss:// URI of the tunnel server.
	Resolver string `yaml:"resolver"`
	// ResolverAuthToken is the pre-shared token sent as the first (TEXT)
	// WebSocket message.
	ResolverAuthToken string `yaml:"resolver_auth_token"`
	// LogFile is an optional path; empty means stderr.
	LogFile string `yaml:"log_file"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// ServerConfig is the server process's configuration.
type ServerConfig struct {
	// Urls are the HTTP bind addresses ("host:port") the WebSocket
	// acceptor listens on.
	Urls []string `yaml:"urls"`
	// Resolver is the upstream DNS resolver's "host:port".
	Resolver string `yaml:"resolver"`
	// AuthTokens is the set of tokens accepted at the auth handshake.
	AuthTokens []string `yaml:"auth_tokens"`
	// LogFile is an optional path; empty means stderr.
	LogFile string `yaml:"log_file"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// LoadClient reads and validates a ClientConfig from path. A missing
// required field is reported as a fatal configuration error.
func LoadClient(path string) (*ClientConfig, error) {
	var cfg ClientConfig
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.EndPoints) == 0 {
		return nil, fmt.Errorf("config: endpoints must have at least one entry")
	}
	if cfg.Resolver == "" {
		return nil, fmt.Errorf("config: resolver is required")
	}
	if cfg.ResolverAuthToken == "" {
		return nil, fmt.Errorf("config: resolver_auth_token is required")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return &cfg, nil
}

// LoadServer reads and validates a ServerConfig from path.
func LoadServer(path string) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := decodeFile(path, &cfg); err != nil {
		return nil, err
	}
	if len(cfg.Urls) == 0 {
		return nil, fmt.Errorf("config: urls must have at least one entry")
	}
	if cfg.Resolver == "" {
		return nil, fmt.Errorf("config: resolver is required")
	}
	if len(cfg.AuthTokens) == 0 {
		return nil, fmt.Errorf("config: auth_tokens must have at least one entry")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return &cfg, nil
}

func decodeFile(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}
