// Package config provides the fleet node's global configuration: a single
// validated, mutex-guarded struct loaded from YAML with environment-variable
// overrides for the operational knobs the scheduler and home manager depend
// on. One process-wide config object is read through a value-copy accessor
// so callers can never mutate shared state by holding a pointer into it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Lease and tick-cycle defaults and bounds.
const (
	DefaultTickIntervalMs     = 60_000
	DefaultMinLeaseMs         = 60_000
	DefaultMaxLeaseMs         = 24 * int64(time.Hour/time.Millisecond)
	DefaultLeaseMs            = int64(time.Hour / time.Millisecond)
	DefaultStaleLockAgeMs     = 60_000
	DefaultInterDispatchMs    = 3_000
	DefaultScheduleAbsorbMinMs = 1_000
	DefaultScheduleAbsorbMaxMs = 5_000
)

// Config is the fleet node's operational configuration.
type Config struct {
	NodeID   string `yaml:"nodeId"`
	Endpoint string `yaml:"endpoint"`

	DataDir     string `yaml:"dataDir"`
	SessionsDir string `yaml:"sessionsDir"`
	WorkspaceDir string `yaml:"workspaceDir"`

	TickIntervalMs      int64 `yaml:"tickIntervalMs"`
	MinLeaseMs          int64 `yaml:"minLeaseMs"`
	MaxLeaseMs          int64 `yaml:"maxLeaseMs"`
	DefaultLeaseMs      int64 `yaml:"defaultLeaseMs"`
	StaleLockAgeMs      int64 `yaml:"staleLockAgeMs"`
	InterDispatchMs     int64 `yaml:"interDispatchMs"`
	ScheduleAbsorbMinMs int64 `yaml:"scheduleAbsorbMinMs"`
	ScheduleAbsorbMaxMs int64 `yaml:"scheduleAbsorbMaxMs"`
}

// Default returns a Config populated with the fleet's documented defaults.
func Default() Config {
	return Config{
		NodeID:              "node-local",
		DataDir:             "./data",
		SessionsDir:         "./data/sessions",
		WorkspaceDir:        "./data/workspace",
		TickIntervalMs:      DefaultTickIntervalMs,
		MinLeaseMs:          DefaultMinLeaseMs,
		MaxLeaseMs:          DefaultMaxLeaseMs,
		DefaultLeaseMs:      DefaultLeaseMs,
		StaleLockAgeMs:      DefaultStaleLockAgeMs,
		InterDispatchMs:     DefaultInterDispatchMs,
		ScheduleAbsorbMinMs: DefaultScheduleAbsorbMinMs,
		ScheduleAbsorbMaxMs: DefaultScheduleAbsorbMaxMs,
	}
}

var (
	mu  sync.RWMutex
	cfg = Default()
)

// Load reads a YAML config file over the defaults, applies environment
// overrides, and installs the result as the process-wide config. It does not
// validate paths exist; callers create dataDir/sessionsDir as needed.
func Load(path string) (Config, error) {
	c := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&c)

	mu.Lock()
	cfg = c
	mu.Unlock()

	return c, nil
}

// Get returns a copy of the current process-wide config.
func Get() Config {
	mu.RLock()
	defer mu.RUnlock()
	return cfg
}

// Set installs c as the process-wide config directly, bypassing file load.
// Used by tests that want deterministic config without touching the
// filesystem.
func Set(c Config) {
	mu.Lock()
	defer mu.Unlock()
	cfg = c
}

func applyEnvOverrides(c *Config) {
	if v, ok := envInt64("TICK_INTERVAL_MS"); ok {
		c.TickIntervalMs = v
	}
	if v, ok := envInt64("MIN_LEASE_MS"); ok {
		c.MinLeaseMs = v
	}
	if v, ok := envInt64("MAX_LEASE_MS"); ok {
		c.MaxLeaseMs = v
	}
	if v, ok := envInt64("DEFAULT_LEASE_MS"); ok {
		c.DefaultLeaseMs = v
	}
	if v, ok := envInt64("STALE_LOCK_AGE_MS"); ok {
		c.StaleLockAgeMs = v
	}
	if v, ok := envInt64("INTER_DISPATCH_DELAY_MS"); ok {
		c.InterDispatchMs = v
	}
	if v := os.Getenv("FLEET_NODE_ID"); v != "" {
		c.NodeID = v
	}
	if v := os.Getenv("FLEET_DATA_DIR"); v != "" {
		c.DataDir = v
	}
}

func envInt64(name string) (int64, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ClampLeaseDuration enforces MIN_LEASE/MAX_LEASE, silently clamping
// out-of-range requests per §4.3. A zero or negative requested duration
// yields the configured default.
func (c Config) ClampLeaseDuration(requestedMs int64) int64 {
	if requestedMs <= 0 {
		return c.DefaultLeaseMs
	}
	if requestedMs < c.MinLeaseMs {
		return c.MinLeaseMs
	}
	if requestedMs > c.MaxLeaseMs {
		return c.MaxLeaseMs
	}
	return requestedMs
}
