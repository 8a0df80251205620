// Package config loads, merges, and validates butler daemon configuration.
//
// Configuration comes from YAML files in a config directory, expanded with
// environment variables, merged over built-in defaults, and validated before
// the daemon starts. A failed validation is a misconfiguration (exit code 2).
package config

// Config is the umbrella configuration object returned by Initialize and
// injected into every component at daemon startup. There are no ambient
// singletons; everything reads from here.
type Config struct {
	configDir string

	Butler   *ButlerConfig
	Fleet    *FleetConfig
	Buffer   *BufferConfig
	Limits   *LimitsConfig
	Breaker  *BreakerConfig
	Route    *RouteConfig
	Registry *RegistryConfig
	Pipeline *PipelineConfig
	Runtime  *RuntimeConfig
	Retention *RetentionConfig
	HTTP     *HTTPConfig
}

// ConfigDir returns the configuration directory path.
func (c *Config) ConfigDir() string { return c.configDir }

// IsSwitchboard reports whether this daemon is the fleet switchboard.
func (c *Config) IsSwitchboard() bool { return c.Butler != nil && c.Butler.Switchboard }

// Stats contains statistics about loaded configuration for startup logging.
type Stats struct {
	FleetButlers int
	Modules      int
	Workers      int
}

// Stats returns configuration statistics.
func (c *Config) Stats() Stats {
	s := Stats{}
	if c.Fleet != nil {
		s.FleetButlers = len(c.Fleet.Butlers)
	}
	if c.Butler != nil {
		s.Modules = len(c.Butler.Modules)
	}
	if c.Buffer != nil {
		s.Workers = c.Buffer.WorkerCount
	}
	return s
}
