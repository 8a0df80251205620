package config

import "time"

// Built-in defaults. User YAML overrides these field-by-field via mergo.

// DefaultBufferConfig returns the built-in buffer defaults.
func DefaultBufferConfig() *BufferConfig {
	return &BufferConfig{
		QueueCapacity:    1000,
		WorkerCount:      4,
		ScannerInterval:  30 * time.Second,
		ScannerGrace:     60 * time.Second,
		ScannerBatchSize: 100,
		DrainTimeout:     30 * time.Second,
	}
}

// DefaultLimitsConfig returns the built-in admission defaults.
func DefaultLimitsConfig() *LimitsConfig {
	return &LimitsConfig{
		GlobalInFlight:          8,
		GlobalPerMinute:         60,
		ChannelPerMinute:        30,
		RecipientPerMinute:      10,
		ReplyPriorityMultiplier: 2.0,
	}
}

// DefaultBreakerConfig returns the built-in circuit breaker defaults.
func DefaultBreakerConfig() *BreakerConfig {
	return &BreakerConfig{
		FailureThreshold:         5,
		RecoveryTimeout:          60 * time.Second,
		HalfOpenMaxAttempts:      3,
		HalfOpenSuccessThreshold: 2,
	}
}

// DefaultRouteConfig returns the built-in route inbox defaults.
func DefaultRouteConfig() *RouteConfig {
	return &RouteConfig{
		MaxRetries:        3,
		RecoveryGrace:     5 * time.Minute,
		ProcessingTimeout: 30 * time.Minute,
		DispatchInterval:  1 * time.Second,
		AcceptTimeout:     2 * time.Second,
	}
}

// DefaultRegistryConfig returns the built-in heartbeat defaults.
func DefaultRegistryConfig() *RegistryConfig {
	return &RegistryConfig{
		StaleAfter:      90 * time.Second,
		QuarantineAfter: 10 * time.Minute,
		SweepInterval:   30 * time.Second,
	}
}

// DefaultPipelineConfig returns the built-in pipeline defaults.
func DefaultPipelineConfig() *PipelineConfig {
	return &PipelineConfig{
		HistoryWindow:      15 * time.Minute,
		HistoryLimit:       30,
		ExtractionDispatch: "HIGH",
	}
}

// DefaultRuntimeConfig returns the built-in runtime adapter defaults.
func DefaultRuntimeConfig() *RuntimeConfig {
	return &RuntimeConfig{
		Adapter:        "cli",
		SessionTimeout: 5 * time.Minute,
	}
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		PendingActionDays:   90,
		ApprovalRuleDays:    180,
		ApprovalEventDays:   365,
		PartitionKeepMonths: 12,
		CleanupInterval:     12 * time.Hour,
		ExpirySweepInterval: 1 * time.Minute,
	}
}

// DefaultHTTPConfig returns the built-in HTTP defaults.
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		Port:          8080,
		IngestTimeout: 5 * time.Second,
	}
}

// DefaultButlerConfig returns butler identity defaults.
func DefaultButlerConfig() *ButlerConfig {
	return &ButlerConfig{
		MaxConcurrentSessions: 3,
	}
}
