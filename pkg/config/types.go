package config

import (
	"regexp"
	"time"
)

// ButlerConfig describes the daemon's own identity and module manifest.
type ButlerConfig struct {
	// Name is the butler's unique fleet name (also its schema suffix).
	Name string `yaml:"name"`

	// EndpointURL is the address other butlers use to reach this one.
	EndpointURL string `yaml:"endpoint_url"`

	// Switchboard marks this butler as the fleet message bus and registry.
	Switchboard bool `yaml:"switchboard"`

	// SystemPrompt is prepended to every spawned session.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxConcurrentSessions caps simultaneous LLM sessions (spawner semaphore).
	MaxConcurrentSessions int `yaml:"max_concurrent_sessions"`

	// Modules is the static plugin manifest: the tool module set this butler
	// compiles in. There is no runtime loading by path.
	Modules []string `yaml:"modules"`

	// CredentialEnv lists environment variable names used as bootstrap
	// fallback when the DB credential store is empty. Names must match
	// EnvNamePattern.
	CredentialEnv []string `yaml:"credential_env"`
}

// EnvNamePattern is the allow-list for configured credential env var names.
var EnvNamePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

// FleetConfig lists the peer butlers this daemon may route to.
type FleetConfig struct {
	Butlers map[string]PeerConfig `yaml:"butlers"`
}

// PeerConfig describes one peer butler.
type PeerConfig struct {
	EndpointURL string `yaml:"endpoint_url"`
}

// BufferConfig controls the durable message buffer.
type BufferConfig struct {
	QueueCapacity    int           `yaml:"queue_capacity"`
	WorkerCount      int           `yaml:"worker_count"`
	ScannerInterval  time.Duration `yaml:"scanner_interval"`
	ScannerGrace     time.Duration `yaml:"scanner_grace"`
	ScannerBatchSize int           `yaml:"scanner_batch_size"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
}

// LimitsConfig controls rate-limiter admission.
type LimitsConfig struct {
	GlobalInFlight          int     `yaml:"global_in_flight"`
	GlobalPerMinute         float64 `yaml:"global_per_minute"`
	ChannelPerMinute        float64 `yaml:"channel_per_minute"`
	RecipientPerMinute      float64 `yaml:"recipient_per_minute"`
	ReplyPriorityMultiplier float64 `yaml:"reply_priority_multiplier"`
}

// BreakerConfig controls per-provider circuit breakers.
// The two count flags are pointers so an omitted value defaults to true.
type BreakerConfig struct {
	FailureThreshold         int           `yaml:"failure_threshold"`
	RecoveryTimeout          time.Duration `yaml:"recovery_timeout"`
	HalfOpenMaxAttempts      int           `yaml:"half_open_max_attempts"`
	HalfOpenSuccessThreshold int           `yaml:"half_open_success_threshold"`
	CountTimeout             *bool         `yaml:"count_timeout_as_failure,omitempty"`
	CountTargetUnavailable   *bool         `yaml:"count_target_unavailable_as_failure,omitempty"`
}

// CountTimeoutAsFailure reports whether timeouts count toward opening.
func (c *BreakerConfig) CountTimeoutAsFailure() bool {
	return c.CountTimeout == nil || *c.CountTimeout
}

// CountTargetUnavailableAsFailure reports whether target-unavailable
// errors count toward opening.
func (c *BreakerConfig) CountTargetUnavailableAsFailure() bool {
	return c.CountTargetUnavailable == nil || *c.CountTargetUnavailable
}

// RouteConfig controls the route inbox and dispatch loop.
type RouteConfig struct {
	MaxRetries        int           `yaml:"max_retries"`
	RecoveryGrace     time.Duration `yaml:"recovery_grace"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
	DispatchInterval  time.Duration `yaml:"dispatch_interval"`
	AcceptTimeout     time.Duration `yaml:"accept_timeout"`
	AllowStale        bool          `yaml:"allow_stale"`
}

// RegistryConfig controls heartbeat liveness tracking.
type RegistryConfig struct {
	StaleAfter      time.Duration `yaml:"stale_after"`
	QuarantineAfter time.Duration `yaml:"quarantine_after"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
}

// PipelineConfig controls classification and history hydration.
type PipelineConfig struct {
	HistoryWindow      time.Duration `yaml:"history_window"`
	HistoryLimit       int           `yaml:"history_limit"`
	ExtractionDispatch string        `yaml:"extraction_dispatch"` // min confidence: HIGH, MEDIUM, LOW
	ClassifierModel    string        `yaml:"classifier_model"`
}

// RuntimeConfig selects and configures the LLM runtime adapter.
type RuntimeConfig struct {
	// Adapter is "cli" (subprocess wrapper) or "stub" (tests/dev).
	Adapter        string        `yaml:"adapter"`
	Command        string        `yaml:"command"`
	Args           []string      `yaml:"args"`
	Model          string        `yaml:"model"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

// RetentionConfig controls cleanup loops and approval expiry.
type RetentionConfig struct {
	PendingActionDays int `yaml:"pending_action_days"`
	ApprovalRuleDays  int `yaml:"approval_rule_days"`
	ApprovalEventDays int `yaml:"approval_event_days"`

	// PrivilegedPurge permits deleting from the append-only
	// approval_events audit table. Off by default.
	PrivilegedPurge bool `yaml:"privileged_purge"`

	PartitionKeepMonths int           `yaml:"partition_keep_months"`
	CleanupInterval     time.Duration `yaml:"cleanup_interval"`
	ExpirySweepInterval time.Duration `yaml:"expiry_sweep_interval"`
}

// HTTPConfig controls the HTTP surface.
type HTTPConfig struct {
	Port          int           `yaml:"port"`
	IngestTimeout time.Duration `yaml:"ingest_timeout"`
}
