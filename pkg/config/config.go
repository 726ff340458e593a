package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	// AppName is the application name used in paths
	AppName = "diskatlas"

	// MiB is the alignment unit used for reserved regions and the default
	// actionable-segment threshold.
	MiB = 1024 * 1024
)

// Config holds all application configuration.
type Config struct {
	// Paths
	DataDir   string // Base data directory (XDG_DATA_HOME/diskatlas)
	ConfigDir string // Config directory (XDG_CONFIG_HOME/diskatlas)
	CacheDir  string // Cache directory (XDG_CACHE_HOME/diskatlas)

	// Derived paths
	DBPath string // SQLite journal path

	// Segment policy
	MinSegmentWidth uint64 // segments narrower than this are not independently actionable

	// Watcher
	PollInterval time.Duration // fallback re-enumeration interval

	// Probing
	ProbeTimeout time.Duration // bound on a single GPT header probe

	// Logging
	LogLevel string
}

// New creates a new Config with values from environment or defaults.
func New() *Config {
	cfg := &Config{}

	// Base directories (XDG Base Directory Specification)
	cfg.DataDir = getDataDir()
	cfg.ConfigDir = getConfigDir()
	cfg.CacheDir = getCacheDir()

	// Ensure directories exist
	os.MkdirAll(cfg.DataDir, 0755)
	os.MkdirAll(cfg.ConfigDir, 0755)
	os.MkdirAll(cfg.CacheDir, 0755)

	// Derived paths
	cfg.DBPath = envOrDefault("DISKATLAS_DB_PATH", filepath.Join(cfg.DataDir, "diskatlas.db"))

	// Segment policy
	cfg.MinSegmentWidth = envOrDefaultUint64("DISKATLAS_MIN_SEGMENT", MiB)

	// Watcher. The fallback poll is deliberately slow: it only runs when
	// signal subscription failed, and it re-enumerates the whole bus.
	cfg.PollInterval = envOrDefaultDuration("DISKATLAS_POLL_INTERVAL", 10*time.Second)

	// Probing
	cfg.ProbeTimeout = envOrDefaultDuration("DISKATLAS_PROBE_TIMEOUT", 5*time.Second)

	// Logging
	cfg.LogLevel = envOrDefault("DISKATLAS_LOG_LEVEL", "info")

	return cfg
}

// getDataDir returns the data directory following XDG spec.
// $XDG_DATA_HOME/diskatlas or ~/.local/share/diskatlas
func getDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "data")
	}
	return filepath.Join(home, ".local", "share", AppName)
}

// getConfigDir returns the config directory following XDG spec.
// $XDG_CONFIG_HOME/diskatlas or ~/.config/diskatlas
func getConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "config")
	}
	return filepath.Join(home, ".config", AppName)
}

// getCacheDir returns the cache directory following XDG spec.
// $XDG_CACHE_HOME/diskatlas or ~/.cache/diskatlas
func getCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, AppName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", AppName, "cache")
	}
	return filepath.Join(home, ".cache", AppName)
}

// envOrDefault returns the environment variable value or the default.
func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envOrDefaultUint64(key string, defaultVal uint64) uint64 {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.ParseUint(val, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func envOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// SubPath returns a path under the data directory.
func (c *Config) SubPath(parts ...string) string {
	return filepath.Join(append([]string{c.DataDir}, parts...)...)
}
