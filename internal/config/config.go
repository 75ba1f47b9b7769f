// Package config loads the daemon's optional config.toml and supplies
// defaults for everything it leaves unset.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Limit defaults. The peer-facing limits are deliberately tighter than
// the local ones: peers are semi-trusted, local clients are not.
const (
	DefaultMaxMessageBytes    = 256 << 10 // one channel message payload
	DefaultMaxPeerBufferBytes = 1 << 20   // unparsed bytes per peer connection
	DefaultMaxRequestBytes    = 2 << 20   // one local control request
	DefaultReadTimeout        = 30 * time.Second
	DefaultWSPortMin          = 9400
	DefaultWSPortMax          = 9499
)

// Config is the top-level config.toml shape.
type Config struct {
	Daemon DaemonConfig `toml:"daemon"`
	Mesh   MeshConfig   `toml:"mesh"`
	Limits LimitsConfig `toml:"limits"`
}

// DaemonConfig holds daemon-side tunables.
type DaemonConfig struct {
	// ReadTimeoutSeconds is the default timeout for blocking reads
	// when the client does not supply one.
	ReadTimeoutSeconds int `toml:"read_timeout_seconds"`

	// WSPortMin/WSPortMax bound the port search for the local
	// websocket event-stream server.
	WSPortMin int `toml:"ws_port_min"`
	WSPortMax int `toml:"ws_port_max"`
}

// MeshConfig configures the QUIC mesh substrate.
type MeshConfig struct {
	// Listen is the UDP address the mesh listener binds. Empty
	// disables the listener (dial-only daemon).
	Listen string `toml:"listen"`

	// Peers are static bootstrap addresses dialed at startup and
	// redialed on loss.
	Peers []string `toml:"peers"`
}

// LimitsConfig overrides the protocol size limits.
type LimitsConfig struct {
	MaxMessageBytes    int `toml:"max_message_bytes"`
	MaxPeerBufferBytes int `toml:"max_peer_buffer_bytes"`
	MaxRequestBytes    int `toml:"max_request_bytes"`
}

// Default returns a Config with every field at its default.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			ReadTimeoutSeconds: int(DefaultReadTimeout / time.Second),
			WSPortMin:          DefaultWSPortMin,
			WSPortMax:          DefaultWSPortMax,
		},
		Limits: LimitsConfig{
			MaxMessageBytes:    DefaultMaxMessageBytes,
			MaxPeerBufferBytes: DefaultMaxPeerBufferBytes,
			MaxRequestBytes:    DefaultMaxRequestBytes,
		},
	}
}

// Load reads config.toml from path. A missing file is not an error:
// it yields the defaults, matching how the rest of the state directory
// is created lazily.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) //nolint:gosec // G304 - path from the private state directory
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadTimeout returns the default blocking-read timeout as a Duration.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.Daemon.ReadTimeoutSeconds) * time.Second
}

func (c *Config) validate() error {
	if c.Limits.MaxMessageBytes <= 0 {
		return fmt.Errorf("limits.max_message_bytes must be positive, got %d", c.Limits.MaxMessageBytes)
	}
	if c.Limits.MaxPeerBufferBytes < c.Limits.MaxMessageBytes {
		return fmt.Errorf("limits.max_peer_buffer_bytes (%d) must be at least max_message_bytes (%d)",
			c.Limits.MaxPeerBufferBytes, c.Limits.MaxMessageBytes)
	}
	if c.Limits.MaxRequestBytes <= c.Limits.MaxMessageBytes {
		return fmt.Errorf("limits.max_request_bytes (%d) must exceed max_message_bytes (%d)",
			c.Limits.MaxRequestBytes, c.Limits.MaxMessageBytes)
	}
	if c.Daemon.ReadTimeoutSeconds <= 0 {
		return fmt.Errorf("daemon.read_timeout_seconds must be positive, got %d", c.Daemon.ReadTimeoutSeconds)
	}
	if c.Daemon.WSPortMin > c.Daemon.WSPortMax {
		return fmt.Errorf("daemon.ws_port_min (%d) exceeds ws_port_max (%d)", c.Daemon.WSPortMin, c.Daemon.WSPortMax)
	}
	return nil
}
