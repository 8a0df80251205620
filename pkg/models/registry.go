package models

import "time"

// EligibilityState is a butler's routing readiness.
type EligibilityState string

// Eligibility states.
const (
	EligibilityActive      EligibilityState = "active"
	EligibilityStale       EligibilityState = "stale"
	EligibilityQuarantined EligibilityState = "quarantined"
)

// Canonical transition reasons recorded in the eligibility log.
const (
	ReasonHealthRestored    = "health_restored"    // stale → active
	ReasonHeartbeatRecovery = "heartbeat_recovery" // quarantined → active
	ReasonHeartbeatMissed   = "heartbeat_missed"   // active → stale
	ReasonStaleTimeout      = "stale_timeout"      // stale → quarantined
)

// ButlerRecord is a row of switchboard.butler_registry.
type ButlerRecord struct {
	ButlerName           string
	EndpointURL          string
	LastSeenAt           time.Time
	Eligibility          EligibilityState
	EligibilityUpdatedAt time.Time
}

// EligibilityTransition is a row of switchboard.butler_registry_eligibility_log.
type EligibilityTransition struct {
	ID             int64
	ButlerName     string
	PreviousState  EligibilityState
	NewState       EligibilityState
	Reason         string
	TransitionedAt time.Time
}
