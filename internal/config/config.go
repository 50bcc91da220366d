// Package config handles TOML configuration loading with sensible defaults.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration for diagwatch.
type Config struct {
	Network NetworkConfig `toml:"network"`
	History HistoryConfig `toml:"history"`
	Process ProcessConfig `toml:"process"`
	Notify  NotifyConfig  `toml:"notify"`
	Metrics MetricsConfig `toml:"metrics"`
	Log     LogConfig     `toml:"log"`
}

// NetworkConfig controls the WebSocket ingest listener.
type NetworkConfig struct {
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// Address returns host:port.
func (n NetworkConfig) Address() string {
	return net.JoinHostPort(n.Host, strconv.Itoa(n.Port))
}

// HistoryConfig bounds the in-memory history.
type HistoryConfig struct {
	MaxEntries int `toml:"max_entries"`
}

// ProcessConfig describes the tailed dev-server process.
type ProcessConfig struct {
	Dir         string   `toml:"dir"`
	Command     []string `toml:"command"`
	StopTimeout Duration `toml:"stop_timeout"`
}

// NotifyConfig controls the ntfy notification target.
type NotifyConfig struct {
	URL         string            `toml:"url"`
	Levels      []string          `toml:"levels"`
	PriorityMap map[string]string `toml:"priority_map"`
	Cooldown    Duration          `toml:"cooldown"`
	// ActionURL is the externally reachable base URL of the listener. When
	// set, notifications carry an "Open diagnostics" button posting back to
	// it.
	ActionURL string `toml:"action_url"`
}

// MetricsConfig controls the Prometheus endpoint on the listener.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Duration wraps time.Duration for TOML string parsing (e.g. "5m", "1h").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Network: NetworkConfig{
			Host:            "127.0.0.1",
			Port:            8765,
			ShutdownTimeout: Duration{5 * time.Second},
		},
		History: HistoryConfig{
			MaxEntries: 2000,
		},
		Process: ProcessConfig{
			Dir:         ".",
			Command:     []string{"npm", "run", "start"},
			StopTimeout: Duration{10 * time.Second},
		},
		Notify: NotifyConfig{
			Levels: []string{"warn", "error"},
			PriorityMap: map[string]string{
				"error": "high",
				"warn":  "default",
			},
			Cooldown: Duration{time.Minute},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultPath returns the default config file path.
func DefaultPath() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	return filepath.Join(configDir, "diagwatch", "config.toml")
}

// Load reads configuration from the given path, falling back to defaults
// for any unset fields. If the file does not exist, returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	if c.Network.Port < 0 || c.Network.Port > 65535 {
		return fmt.Errorf("network.port %d out of range", c.Network.Port)
	}
	if c.History.MaxEntries < 0 {
		return fmt.Errorf("history.max_entries must not be negative, got %d", c.History.MaxEntries)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	return nil
}

// ShouldNotify returns true if entries of the given level are forwarded to
// the notifier.
func (c *Config) ShouldNotify(level string) bool {
	for _, l := range c.Notify.Levels {
		if strings.EqualFold(l, level) {
			return true
		}
	}
	return false
}

// NtfyPriority maps an entry level to an ntfy priority string.
func (c *Config) NtfyPriority(level string) string {
	if p, ok := c.Notify.PriorityMap[strings.ToLower(level)]; ok {
		return p
	}
	return "default"
}
