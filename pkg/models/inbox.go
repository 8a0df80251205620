package models

import "time"

// LifecycleState tracks an inbox message through processing.
type LifecycleState string

// Inbox lifecycle states.
const (
	LifecycleAccepted    LifecycleState = "accepted"
	LifecycleProcessing  LifecycleState = "processing"
	LifecycleCompleted   LifecycleState = "completed"
	LifecycleErrored     LifecycleState = "errored"
	LifecycleMetadataRef LifecycleState = "metadata_ref"
)

// Terminal reports whether the state admits no further transitions.
func (s LifecycleState) Terminal() bool {
	return s == LifecycleCompleted || s == LifecycleErrored || s == LifecycleMetadataRef
}

// Direction distinguishes inbound messages from recorded butler replies.
type Direction string

// Message directions.
const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// InboxMessage is a row of switchboard.message_inbox. The table is
// partitioned monthly by received_at; (id, received_at) is the primary key.
type InboxMessage struct {
	ID             string
	ReceivedAt     time.Time
	Context        RequestContext
	RawPayload     map[string]any // nil for Tier 2 rows
	NormalizedText string
	Direction      Direction
	Lifecycle      LifecycleState
	FinalStateAt   *time.Time
	SchemaVersion  string
	Attachments    []map[string]any
	Processing     ProcessingMetadata
}

// ProcessingMetadata is the structured annotation block written by triage
// and the pipeline. Unknown keys are preserved via Extra.
type ProcessingMetadata struct {
	Priority     string         `json:"priority,omitempty"`
	ForcedTarget string         `json:"forced_target,omitempty"`
	RoutedTo     []string       `json:"routed_to,omitempty"`
	Extra        map[string]any `json:"extra,omitempty"`
}

// EmailMetadataRef is a row of switchboard.email_metadata_refs: the
// pointer kept for a Tier 2 email so the original can be fetched on
// demand.
type EmailMetadataRef struct {
	ID              string
	RequestID       string
	ExternalEventID string
	Mailbox         string
	Subject         string
	ReceivedAt      time.Time
}

// ConnectorHeartbeat is one row of the partitioned
// switchboard.connector_heartbeat_log.
type ConnectorHeartbeat struct {
	ID            string
	ReceivedAt    time.Time
	ConnectorName string
	Details       map[string]any
}

// ConnectorRecord is a row of switchboard.connector_registry.
type ConnectorRecord struct {
	ConnectorName    string
	Channel          Channel
	EndpointIdentity string
	LastSeenAt       time.Time
}

// MessageRef is the lightweight buffer element. The full payload stays in
// the database; workers re-read what they need by request id.
type MessageRef struct {
	RequestID  string
	InboxID    string
	ReceivedAt time.Time
	Text       string
	Channel    Channel
	Sender     string
	Thread     string
	EnqueuedAt time.Time
}
