package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// butlerYAML is the complete butler.yaml file structure.
type butlerYAML struct {
	Butler    *ButlerConfig    `yaml:"butler"`
	Fleet     *FleetConfig     `yaml:"fleet"`
	Buffer    *BufferConfig    `yaml:"buffer"`
	Limits    *LimitsConfig    `yaml:"limits"`
	Breaker   *BreakerConfig   `yaml:"breaker"`
	Route     *RouteConfig     `yaml:"route"`
	Registry  *RegistryConfig  `yaml:"registry"`
	Pipeline  *PipelineConfig  `yaml:"pipeline"`
	Runtime   *RuntimeConfig   `yaml:"runtime"`
	Retention *RetentionConfig `yaml:"retention"`
	HTTP      *HTTPConfig      `yaml:"http"`
}

// Initialize loads, merges, validates, and returns ready-to-use
// configuration. This is the primary entry point.
//
// Steps:
//  1. Read butler.yaml from configDir
//  2. Expand environment variables ({{.VAR}} templates)
//  3. Parse YAML
//  4. Merge user values over built-in defaults
//  5. Validate
func Initialize(_ context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, err
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized",
		"butler", cfg.Butler.Name,
		"switchboard", cfg.Butler.Switchboard,
		"fleet_butlers", stats.FleetButlers,
		"modules", stats.Modules,
		"buffer_workers", stats.Workers)
	return cfg, nil
}

func load(configDir string) (*Config, error) {
	path := filepath.Join(configDir, "butler.yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, NewLoadError("butler.yaml", err)
	}

	var y butlerYAML
	if err := yaml.Unmarshal(ExpandEnv(raw), &y); err != nil {
		return nil, NewLoadError("butler.yaml", fmt.Errorf("parse: %w", err))
	}

	cfg := &Config{
		configDir: configDir,
		Butler:    mergeSection(y.Butler, DefaultButlerConfig()),
		Fleet:     y.Fleet,
		Buffer:    mergeSection(y.Buffer, DefaultBufferConfig()),
		Limits:    mergeSection(y.Limits, DefaultLimitsConfig()),
		Breaker:   mergeBreaker(y.Breaker),
		Route:     mergeSection(y.Route, DefaultRouteConfig()),
		Registry:  mergeSection(y.Registry, DefaultRegistryConfig()),
		Pipeline:  mergeSection(y.Pipeline, DefaultPipelineConfig()),
		Runtime:   mergeSection(y.Runtime, DefaultRuntimeConfig()),
		Retention: mergeSection(y.Retention, DefaultRetentionConfig()),
		HTTP:      mergeSection(y.HTTP, DefaultHTTPConfig()),
	}
	if cfg.Fleet == nil {
		cfg.Fleet = &FleetConfig{Butlers: map[string]PeerConfig{}}
	}
	return cfg, nil
}

// mergeSection fills zero-valued fields of user with defaults.
// A nil user section gets the defaults wholesale.
func mergeSection[T any](user, defaults *T) *T {
	if user == nil {
		return defaults
	}
	// mergo fills only zero fields: user values win.
	if err := mergo.Merge(user, defaults); err != nil {
		slog.Warn("Config merge failed, using user section as-is", "error", err)
	}
	return user
}

// mergeBreaker handles the breaker section separately: its two bool flags
// default to true, which mergo's zero-value semantics cannot express.
func mergeBreaker(user *BreakerConfig) *BreakerConfig {
	d := DefaultBreakerConfig()
	if user == nil {
		return d
	}
	if user.FailureThreshold == 0 {
		user.FailureThreshold = d.FailureThreshold
	}
	if user.RecoveryTimeout == 0 {
		user.RecoveryTimeout = d.RecoveryTimeout
	}
	if user.HalfOpenMaxAttempts == 0 {
		user.HalfOpenMaxAttempts = d.HalfOpenMaxAttempts
	}
	if user.HalfOpenSuccessThreshold == 0 {
		user.HalfOpenSuccessThreshold = d.HalfOpenSuccessThreshold
	}
	return user
}
