// Package config loads the process-wide YAML configuration: clock
// scheduling knobs and the set of addresses the harbor telemetry HTTP
// surface binds to.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration document.
type Config struct {
	Clock  ClockConfig  `yaml:"clock"`
	Root   RootConfig   `yaml:"root"`
	Harbor HarborConfig `yaml:"harbor"`
}

// ClockConfig controls the default clock's tolerance for source failures
// during each tick.
type ClockConfig struct {
	// AllowStreamingErrors, when true, lets a source's Output error pass
	// without requesting a global shutdown; the failing source is still
	// removed from its clock.
	AllowStreamingErrors bool `yaml:"allow_streaming_errors"`
}

// RootConfig holds the wallclock pacing knobs used by the default clock.
type RootConfig struct {
	// MaxLatencySeconds bounds how far behind wall time a clock may drift
	// before it resets rather than tries to catch up. Zero uses the
	// built-in default.
	MaxLatencySeconds float64 `yaml:"max_latency"`
}

// HarborConfig controls the harbor telemetry HTTP listener(s).
type HarborConfig struct {
	// BindAddrs is the set of "host:port" addresses the harbor telemetry
	// HTTP listeners bind to.
	BindAddrs []string `yaml:"bind_addrs"`

	// BindAddr is a deprecated single-address alias for BindAddrs. Load
	// folds it into BindAddrs and logs nothing; callers that need to warn
	// about its use should check cfg.Harbor.usedLegacyBindAddr via
	// UsedLegacyBindAddr.
	BindAddr string `yaml:"bind_addr"`

	usedLegacyBindAddr bool
}

// UsedLegacyBindAddr reports whether the deprecated harbor.bind_addr key
// was present in the loaded document, so callers can warn about it.
func (h HarborConfig) UsedLegacyBindAddr() bool { return h.usedLegacyBindAddr }

// Load reads and parses the YAML configuration file at path, applying
// defaults and the harbor.bind_addr legacy rewrite.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyDefaults(&cfg)
	rewriteLegacy(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid %s: %w", path, err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Root.MaxLatencySeconds == 0 {
		cfg.Root.MaxLatencySeconds = 60
	}
	if len(cfg.Harbor.BindAddrs) == 0 && cfg.Harbor.BindAddr == "" {
		cfg.Harbor.BindAddrs = []string{":8005"}
	}
}

// rewriteLegacy folds the deprecated singular harbor.bind_addr key into
// BindAddrs, so the rest of the program only ever needs to look at the
// plural field.
func rewriteLegacy(cfg *Config) {
	if cfg.Harbor.BindAddr == "" {
		return
	}
	cfg.Harbor.usedLegacyBindAddr = true
	cfg.Harbor.BindAddrs = append(cfg.Harbor.BindAddrs, cfg.Harbor.BindAddr)
	cfg.Harbor.BindAddr = ""
}

// Validate checks invariants Load cannot express through YAML tags alone.
func Validate(cfg *Config) error {
	if cfg.Root.MaxLatencySeconds <= 0 {
		return fmt.Errorf("root.max_latency must be positive, got %v", cfg.Root.MaxLatencySeconds)
	}
	if len(cfg.Harbor.BindAddrs) == 0 {
		return fmt.Errorf("harbor.bind_addrs must not be empty")
	}
	seen := make(map[string]bool, len(cfg.Harbor.BindAddrs))
	for _, a := range cfg.Harbor.BindAddrs {
		if a == "" {
			return fmt.Errorf("harbor.bind_addrs contains an empty address")
		}
		if seen[a] {
			return fmt.Errorf("harbor.bind_addrs contains duplicate address %q", a)
		}
		seen[a] = true
	}
	return nil
}
