// Package config loads hotswap settings: built-in defaults, then
// $HOTSWAP_HOME/config.toml, then environment overrides. Command-line flags
// are applied by the CLI on top.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"hotswap/pkg/protocol"

	"github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration written as "4h" or "90s" in TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the contents of config.toml.
type Config struct {
	Log     LogConfig     `toml:"log"`
	Updates UpdatesConfig `toml:"updates"`
	Agent   AgentConfig   `toml:"agent"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `toml:"level"` // debug, info, warn, error
	// Stderr logs to stderr instead of $HOTSWAP_HOME/logs.
	Stderr bool `toml:"stderr"`
}

// UpdatesConfig controls the per-instance update coordinator.
type UpdatesConfig struct {
	StartupDelay   Duration `toml:"startup_delay"`
	Interval       Duration `toml:"interval"`
	DeferFor       Duration `toml:"defer_for"`
	PromptAutoHide Duration `toml:"prompt_auto_hide"`
	// Channel is the cross-instance bus channel name.
	Channel string `toml:"channel"`
}

// AgentConfig controls the background agent.
type AgentConfig struct {
	CacheEntries    int   `toml:"cache_entries"`
	CacheAssetBytes int64 `toml:"cache_asset_bytes"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Updates: UpdatesConfig{
			StartupDelay:   Duration(10 * time.Second),
			Interval:       Duration(time.Hour),
			DeferFor:       Duration(4 * time.Hour),
			PromptAutoHide: Duration(30 * time.Second),
			Channel:        protocol.UpdateChannel,
		},
		Agent: AgentConfig{
			CacheEntries:    256,
			CacheAssetBytes: 8 << 20,
		},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // path is the resolved config location
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	default:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if v := os.Getenv("HOTSWAP_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects values the components cannot run with.
func (c Config) Validate() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level)
	}
	if c.Updates.StartupDelay < 0 {
		return errors.New("updates.startup_delay must not be negative")
	}
	if c.Updates.Interval <= 0 {
		return errors.New("updates.interval must be positive")
	}
	if c.Updates.DeferFor <= 0 {
		return errors.New("updates.defer_for must be positive")
	}
	if strings.TrimSpace(c.Updates.Channel) == "" {
		return errors.New("updates.channel must not be empty")
	}
	if c.Agent.CacheEntries < 0 || c.Agent.CacheAssetBytes < 0 {
		return errors.New("agent cache limits must not be negative")
	}
	return nil
}

// Encode writes c to w in TOML form.
func Encode(w io.Writer, c Config) error {
	if err := toml.NewEncoder(w).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
