package config

import (
	"fmt"
	"regexp"
)

// butlerNamePattern restricts butler names to schema-safe identifiers.
var butlerNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// validate checks the merged configuration for internal consistency.
func validate(cfg *Config) error {
	b := cfg.Butler
	if b == nil || b.Name == "" {
		return NewValidationError("butler.name", "butler name is required")
	}
	if !butlerNamePattern.MatchString(b.Name) {
		return NewValidationError("butler.name",
			fmt.Sprintf("%q must match %s", b.Name, butlerNamePattern))
	}
	if b.MaxConcurrentSessions < 1 {
		return NewValidationError("butler.max_concurrent_sessions", "must be at least 1")
	}
	for _, env := range b.CredentialEnv {
		if !EnvNamePattern.MatchString(env) {
			return NewValidationError("butler.credential_env",
				fmt.Sprintf("%q is not an allow-listed env var name", env))
		}
	}

	for name := range cfg.Fleet.Butlers {
		if !butlerNamePattern.MatchString(name) {
			return NewValidationError("fleet.butlers",
				fmt.Sprintf("butler name %q must match %s", name, butlerNamePattern))
		}
	}

	if cfg.Buffer.QueueCapacity < 1 {
		return NewValidationError("buffer.queue_capacity", "must be at least 1")
	}
	if cfg.Buffer.WorkerCount < 1 {
		return NewValidationError("buffer.worker_count", "must be at least 1")
	}
	if cfg.Buffer.ScannerBatchSize < 1 {
		return NewValidationError("buffer.scanner_batch_size", "must be at least 1")
	}

	if cfg.Limits.ReplyPriorityMultiplier <= 0 {
		return NewValidationError("limits.reply_priority_multiplier", "must be positive")
	}
	if cfg.Limits.GlobalInFlight < 1 {
		return NewValidationError("limits.global_in_flight", "must be at least 1")
	}

	if cfg.Breaker.FailureThreshold < 1 {
		return NewValidationError("breaker.failure_threshold", "must be at least 1")
	}
	if cfg.Breaker.HalfOpenSuccessThreshold < 1 {
		return NewValidationError("breaker.half_open_success_threshold", "must be at least 1")
	}

	if cfg.Route.MaxRetries < 1 {
		return NewValidationError("route.max_retries", "must be at least 1")
	}
	if cfg.Registry.QuarantineAfter <= cfg.Registry.StaleAfter {
		return NewValidationError("registry.quarantine_after",
			"must be longer than registry.stale_after")
	}

	switch cfg.Runtime.Adapter {
	case "cli":
		if cfg.Runtime.Command == "" {
			return NewValidationError("runtime.command", "required for the cli adapter")
		}
	case "stub":
	default:
		return NewValidationError("runtime.adapter",
			fmt.Sprintf("unknown adapter %q (expected cli or stub)", cfg.Runtime.Adapter))
	}

	switch cfg.Pipeline.ExtractionDispatch {
	case "HIGH", "MEDIUM", "LOW":
	default:
		return NewValidationError("pipeline.extraction_dispatch",
			"must be HIGH, MEDIUM, or LOW")
	}

	if cfg.HTTP.Port < 1 || cfg.HTTP.Port > 65535 {
		return NewValidationError("http.port", "must be a valid TCP port")
	}
	return nil
}
