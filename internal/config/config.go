package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that encodes as a TOML string ("25s").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler for TOML encoding.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the global ~/.chirp/config.toml.
type Config struct {
	DefaultSession string `toml:"default_session"`
	Server         Server `toml:"server"`
	Sync           Sync   `toml:"sync"`
}

// Server holds the chat server endpoints.
type Server struct {
	// WSURL is the realtime websocket endpoint, e.g. wss://chat.example.com/rt.
	WSURL string `toml:"ws_url"`
	// APIURL is the base URL of the fallback HTTP API.
	APIURL string `toml:"api_url"`
}

// Sync holds tunables for the connection manager and outbox retry.
type Sync struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	ReconnectMinDelay Duration `toml:"reconnect_min_delay"`
	ReconnectMaxDelay Duration `toml:"reconnect_max_delay"`
	RetryInterval     Duration `toml:"retry_interval"`
	// SendAttemptCap is the number of send attempts before a message is
	// surfaced as failed. The row stays pending either way.
	SendAttemptCap int `toml:"send_attempt_cap"`
	ChatPageSize   int `toml:"chat_page_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultSession: "main",
		Sync: Sync{
			HeartbeatInterval: Duration(25 * time.Second),
			ReconnectMinDelay: Duration(time.Second),
			ReconnectMaxDelay: Duration(2 * time.Minute),
			RetryInterval:     Duration(15 * time.Second),
			SendAttemptCap:    10,
			ChatPageSize:      100,
		},
	}
}

// Load reads config from the given path, filling unset fields with
// defaults. A missing file is an error; callers fall back to Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (c *Config) validate() error {
	if c.Sync.HeartbeatInterval <= 0 {
		return fmt.Errorf("sync.heartbeat_interval must be positive")
	}
	if c.Sync.ReconnectMaxDelay < c.Sync.ReconnectMinDelay {
		return fmt.Errorf("sync.reconnect_max_delay must be >= sync.reconnect_min_delay")
	}
	if c.Sync.SendAttemptCap <= 0 {
		return fmt.Errorf("sync.send_attempt_cap must be positive")
	}
	return nil
}
