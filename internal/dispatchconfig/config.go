// Package dispatchconfig loads the engine's YAML configuration. All
// durations are carried inside the engine as time.Duration; watchdog
// tunables are authored in seconds and the other durations in
// milliseconds, and the Config accessor methods do the conversion.
package dispatchconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults for every tunable; a missing key falls back to these.
const (
	DefaultMaxReworkAttempts = 2
	DefaultStaleMaxAge       = 2 * time.Hour
	DefaultRetention         = 7 * 24 * time.Hour
	DefaultMonitorTick       = 5 * time.Minute
)

// WatchdogConfig is the watchdog block of the YAML file, authored in
// seconds.
type WatchdogConfig struct {
	InactivitySec  int `yaml:"inactivitySec"`
	MaxTotalSec    int `yaml:"maxTotalSec"`
	ToolTimeoutSec int `yaml:"toolTimeoutSec"`
}

// Config is the engine configuration document.
type Config struct {
	DispatchStatePath    string         `yaml:"dispatchStatePath"`
	ArtifactsDir         string         `yaml:"artifactsDir"`
	HistoryPath          string         `yaml:"historyPath"`
	MaxReworkAttempts    *int           `yaml:"maxReworkAttempts"`
	CompleteOnStuck      bool           `yaml:"completeOnStuck"`
	StaleMaxAgeMs        int64          `yaml:"staleMaxAgeMs"`
	CompletedRetentionMs int64          `yaml:"completedRetentionMs"`
	MonitorTickMs        int64          `yaml:"monitorTickMs"`
	Watchdog             WatchdogConfig `yaml:"watchdog"`
}

// ReworkAttempts returns maxReworkAttempts with the default applied.
func (c *Config) ReworkAttempts() int {
	if c.MaxReworkAttempts == nil || *c.MaxReworkAttempts < 0 {
		return DefaultMaxReworkAttempts
	}
	return *c.MaxReworkAttempts
}

// StaleMaxAge returns the stale-detection threshold as a duration.
func (c *Config) StaleMaxAge() time.Duration {
	return msOrDefault(c.StaleMaxAgeMs, DefaultStaleMaxAge)
}

// CompletedRetention returns the completed-record retention window.
func (c *Config) CompletedRetention() time.Duration {
	return msOrDefault(c.CompletedRetentionMs, DefaultRetention)
}

// MonitorTick returns the background monitor interval.
func (c *Config) MonitorTick() time.Duration {
	return msOrDefault(c.MonitorTickMs, DefaultMonitorTick)
}

// WatchdogInactivity returns the inactivity threshold, 0 meaning "use the
// watchdog package default".
func (c *Config) WatchdogInactivity() time.Duration {
	return time.Duration(c.Watchdog.InactivitySec) * time.Second
}

// WatchdogMaxTotal returns the wall-clock session cap, 0 meaning default.
func (c *Config) WatchdogMaxTotal() time.Duration {
	return time.Duration(c.Watchdog.MaxTotalSec) * time.Second
}

// WatchdogToolTimeout returns the per-tool-call cap, 0 meaning default.
func (c *Config) WatchdogToolTimeout() time.Duration {
	return time.Duration(c.Watchdog.ToolTimeoutSec) * time.Second
}

func msOrDefault(ms int64, def time.Duration) time.Duration {
	if ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

// Load reads and parses a config file at the given path. Paths in the file
// may start with "~/" and are expanded against the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.DispatchStatePath, err = expandHome(cfg.DispatchStatePath); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	if cfg.ArtifactsDir, err = expandHome(cfg.ArtifactsDir); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	if cfg.HistoryPath, err = expandHome(cfg.HistoryPath); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Discover walks up from the current directory looking for
// .openclaw/dispatch.yaml, then falls back to the user-level
// ~/.openclaw/dispatch.yaml.
func Discover() (*Config, error) {
	dir, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working directory: %w", err)
	}

	for {
		candidate := filepath.Join(dir, ".openclaw", "dispatch.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return Load(candidate)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	if home, err := os.UserHomeDir(); err == nil {
		candidate := filepath.Join(home, ".openclaw", "dispatch.yaml")
		if _, err := os.Stat(candidate); err == nil {
			return Load(candidate)
		}
	}

	return nil, fmt.Errorf("no .openclaw/dispatch.yaml found in current directory, parents, or home")
}

// Resolve tries the explicit path first, then falls back to Discover. An
// empty explicit path with no discoverable file yields a default Config
// rather than an error: every key is optional.
func Resolve(explicitPath string) (*Config, error) {
	if explicitPath != "" {
		return Load(explicitPath)
	}
	cfg, err := Discover()
	if err != nil {
		return &Config{}, nil
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.StaleMaxAgeMs < 0 {
		return fmt.Errorf("staleMaxAgeMs must be >= 0")
	}
	if c.CompletedRetentionMs < 0 {
		return fmt.Errorf("completedRetentionMs must be >= 0")
	}
	if c.MonitorTickMs < 0 {
		return fmt.Errorf("monitorTickMs must be >= 0")
	}
	if c.Watchdog.InactivitySec < 0 || c.Watchdog.MaxTotalSec < 0 || c.Watchdog.ToolTimeoutSec < 0 {
		return fmt.Errorf("watchdog durations must be >= 0")
	}
	return nil
}

func expandHome(path string) (string, error) {
	if len(path) < 2 || path[:2] != "~/" {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %s: %w", path, err)
	}
	return filepath.Join(home, path[2:]), nil
}
