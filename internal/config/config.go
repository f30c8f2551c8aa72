package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the gateway's runtime configuration. Values come from an
// optional YAML file with environment variable overrides on top.
type Config struct {
	// ListenAddr is the address the HTTP/WebSocket server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// RedisAddr is the address of the shared presence store.
	RedisAddr string `yaml:"redis_addr"`

	// JWTSecret signs and verifies access tokens. Required.
	JWTSecret string `yaml:"jwt_secret"`

	// MaxConns caps concurrent WebSocket connections (0 = unlimited).
	MaxConns int `yaml:"max_conns"`

	// ConnRateLimit is the number of connection attempts allowed per IP
	// within the rate window (0 disables rate limiting).
	ConnRateLimit int `yaml:"conn_rate_limit"`

	// ConnRateWindowSec is the rate window length in seconds.
	ConnRateWindowSec int `yaml:"conn_rate_window_sec"`
}

// ConnRateWindow returns the rate window as a duration.
func (c *Config) ConnRateWindow() time.Duration {
	return time.Duration(c.ConnRateWindowSec) * time.Second
}

// defaults returns a Config with everything but the secret filled in.
func defaults() *Config {
	return &Config{
		ListenAddr:        ":8080",
		RedisAddr:         "localhost:6379",
		MaxConns:          0,
		ConnRateLimit:     30,
		ConnRateWindowSec: 60,
	}
}

// Load reads configuration from path (skipped if path is empty or the file
// does not exist) and then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("config: jwt_secret is required")
	}

	return cfg, nil
}
