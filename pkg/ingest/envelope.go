package ingest

import (
	"encoding/json"
	"time"

	"github.com/butlerfleet/butlerd/pkg/models"
)

// SchemaVersion is the only envelope version this daemon accepts.
const SchemaVersion = "ingest.v1"

// Envelope is the versioned ingestion wire format.
type Envelope struct {
	SchemaVersion string   `json:"schema_version"`
	Source        Source   `json:"source"`
	Event         Event    `json:"event"`
	Sender        Sender   `json:"sender"`
	Payload       Payload  `json:"payload"`
	Control       *Control `json:"control,omitempty"`
}

// Source identifies where the message came from.
type Source struct {
	Channel          models.Channel `json:"channel"`
	Provider         string         `json:"provider,omitempty"`
	EndpointIdentity string         `json:"endpoint_identity,omitempty"`
}

// Event carries the provider-side event identity.
type Event struct {
	ExternalEventID  string    `json:"external_event_id"`
	ExternalThreadID string    `json:"external_thread_id,omitempty"`
	ObservedAt       time.Time `json:"observed_at"`
}

// Sender identifies who sent the message.
type Sender struct {
	Identity string `json:"identity"`
}

// Payload holds the message content. Raw may be nil for Tier 2 events.
type Payload struct {
	Raw            map[string]any `json:"raw,omitempty"`
	NormalizedText string         `json:"normalized_text"`
}

// Control carries optional ingestion directives.
type Control struct {
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	IngestionTier  models.IngestionTier `json:"ingestion_tier,omitempty"`
	PolicyTier     string               `json:"policy_tier,omitempty"`
}

// Validate checks structural requirements. Tier and control defaults are
// applied by the service, not here.
func (e *Envelope) Validate() error {
	if e.SchemaVersion != SchemaVersion {
		return models.NewFault(models.ErrClassValidation,
			"unsupported schema_version %q, want %q", e.SchemaVersion, SchemaVersion)
	}
	if !e.Source.Channel.Valid() {
		return models.NewFault(models.ErrClassValidation, "unknown source channel %q", e.Source.Channel)
	}
	if e.Event.ExternalEventID == "" {
		return models.NewFault(models.ErrClassValidation, "event.external_event_id must not be empty")
	}
	if e.Control != nil && e.Control.IngestionTier != "" {
		switch e.Control.IngestionTier {
		case models.TierFull, models.TierMetadata:
		default:
			return models.NewFault(models.ErrClassValidation,
				"unknown ingestion_tier %q", e.Control.IngestionTier)
		}
	}
	return nil
}

// Tier returns the effective ingestion tier, defaulting to full for old
// producers that send no control block.
func (e *Envelope) Tier() models.IngestionTier {
	if e.Control == nil || e.Control.IngestionTier == "" {
		return models.TierFull
	}
	return e.Control.IngestionTier
}

// IdempotencyKey returns the dedupe key, or "" when absent.
func (e *Envelope) IdempotencyKey() string {
	if e.Control == nil {
		return ""
	}
	return e.Control.IdempotencyKey
}

// auditEnvelope returns the envelope as a generic map with payload.raw
// nulled, the shape Tier 2 rows persist.
func (e *Envelope) auditEnvelope() map[string]any {
	cp := *e
	cp.Payload.Raw = nil
	blob, err := json.Marshal(&cp)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(blob, &out); err != nil {
		return nil
	}
	return out
}

// headers extracts a string header map from the raw payload, tolerating
// both map[string]string and map[string]any shapes.
func (e *Envelope) headers() map[string]string {
	raw, ok := e.Payload.Raw["headers"]
	if !ok {
		return nil
	}
	out := map[string]string{}
	switch h := raw.(type) {
	case map[string]string:
		return h
	case map[string]any:
		for k, v := range h {
			if s, ok := v.(string); ok {
				out[k] = s
			}
		}
	}
	return out
}

// mimeTypes extracts attachment mime types from the raw payload.
func (e *Envelope) mimeTypes() []string {
	raw, ok := e.Payload.Raw["attachments"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range list {
		att, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if mt, ok := att["mime_type"].(string); ok {
			out = append(out, mt)
		}
	}
	return out
}

// attachments returns the raw attachment list for persistence.
func (e *Envelope) attachments() []map[string]any {
	raw, ok := e.Payload.Raw["attachments"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	var out []map[string]any
	for _, item := range list {
		if att, ok := item.(map[string]any); ok {
			out = append(out, att)
		}
	}
	return out
}
