package config

import (
	"fmt"
	"os"
	"path/filepath"

	"hotswap/pkg/protocol"
)

// Paths holds all resolved hotswap state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home        string // ~/.hotswap or HOTSWAP_HOME
	PIDPath     string // agent.pid or HOTSWAP_PID_PATH
	SocketPath  string // agent.sock or HOTSWAP_SOCKET_PATH
	StateDBPath string // state.db or HOTSWAP_DB_PATH
	ConfigPath  string // config.toml (respects HOTSWAP_HOME)
	LogsDir     string // logs/ (respects HOTSWAP_HOME)
	ReleasesDir string // releases/ or HOTSWAP_RELEASES_DIR
	ChannelsDir string // channels/ (respects HOTSWAP_HOME)
}

// ResolvePaths returns all hotswap paths, respecting env var overrides.
// Environment variables:
//   - HOTSWAP_HOME: base directory for all state (default: ~/.hotswap)
//   - HOTSWAP_PID_PATH: agent PID file (default: $HOTSWAP_HOME/agent.pid)
//   - HOTSWAP_SOCKET_PATH: agent UDS socket (default: $HOTSWAP_HOME/agent.sock)
//   - HOTSWAP_DB_PATH: shared KV database (default: $HOTSWAP_HOME/state.db)
//   - HOTSWAP_RELEASES_DIR: staged releases (default: $HOTSWAP_HOME/releases)
//
// If HOTSWAP_HOME is set, it becomes the base for all default paths.
// Specific env vars override both the default and the HOTSWAP_HOME base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	return &Paths{
		Home:        home,
		PIDPath:     resolvePathWithEnv("HOTSWAP_PID_PATH", home, protocol.PIDName),
		SocketPath:  resolvePathWithEnv("HOTSWAP_SOCKET_PATH", home, protocol.SocketName),
		StateDBPath: resolvePathWithEnv("HOTSWAP_DB_PATH", home, protocol.StateDBName),
		ConfigPath:  filepath.Join(home, protocol.ConfigName),
		LogsDir:     filepath.Join(home, protocol.LogsDir),
		ReleasesDir: resolvePathWithEnv("HOTSWAP_RELEASES_DIR", home, protocol.ReleasesDir),
		ChannelsDir: filepath.Join(home, protocol.ChannelsDir),
	}, nil
}

// EnsureDirs creates the state directories.
func (p *Paths) EnsureDirs() error {
	for _, dir := range []string{p.Home, p.LogsDir, p.ReleasesDir, p.ChannelsDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// resolveHome returns the state directory from HOTSWAP_HOME or ~/.hotswap.
func resolveHome() (string, error) {
	if v := os.Getenv("HOTSWAP_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, protocol.HomeDir), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
