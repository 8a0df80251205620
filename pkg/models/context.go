// Package models defines the typed rows, enums, and shared value objects
// used across the butler fleet. Structured blobs (raw payloads, tool args)
// stay as JSON maps; everything else is a typed struct with explicit codecs.
package models

import "time"

// Channel identifies the external source of a message.
type Channel string

// Known channels.
const (
	ChannelTelegram  Channel = "telegram"
	ChannelEmail     Channel = "email"
	ChannelAPI       Channel = "api"
	ChannelMCP       Channel = "mcp"
	ChannelScheduler Channel = "scheduler"
	ChannelSystem    Channel = "system"
)

// Interactive reports whether the channel expects a conversational reply
// delivered back to a human (drives reply guidance and history hydration).
func (c Channel) Interactive() bool {
	return c == ChannelTelegram || c == ChannelEmail
}

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	switch c {
	case ChannelTelegram, ChannelEmail, ChannelAPI, ChannelMCP, ChannelScheduler, ChannelSystem:
		return true
	}
	return false
}

// IngestionTier selects between full pipeline processing and
// metadata-only audit storage.
type IngestionTier string

// Ingestion tiers.
const (
	TierFull     IngestionTier = "full"
	TierMetadata IngestionTier = "metadata"
)

// RequestContext travels with a message through ingestion, routing, and
// session execution. It is persisted as JSONB on inbox and route rows.
type RequestContext struct {
	RequestID              string        `json:"request_id"`
	ReceivedAt             time.Time     `json:"received_at"`
	SourceChannel          Channel       `json:"source_channel"`
	SourceEndpointIdentity string        `json:"source_endpoint_identity,omitempty"`
	SourceSenderIdentity   string        `json:"source_sender_identity,omitempty"`
	SourceThreadIdentity   string        `json:"source_thread_identity,omitempty"`
	DedupeKey              string        `json:"dedupe_key,omitempty"`
	IngestionTier          IngestionTier `json:"ingestion_tier,omitempty"`
	TraceID                string        `json:"trace_id,omitempty"`
	// SourceSessionID is the session that issued a route request. It is
	// only meaningful inside the schema of the butler that owns it.
	SourceSessionID string `json:"source_session_id,omitempty"`
}
