// Package ingest accepts ingest.v1 envelopes: validation, triage, tiered
// persistence, dedupe, and hot-path enqueue into the buffer.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/butlerfleet/butlerd/pkg/models"
	"github.com/butlerfleet/butlerd/pkg/services"
	"github.com/butlerfleet/butlerd/pkg/triage"
)

// Store is the slice of the inbox service ingestion needs.
type Store interface {
	Insert(ctx context.Context, msg *models.InboxMessage) (*services.InsertResult, error)
}

// Enqueuer is the buffer's hot path.
type Enqueuer interface {
	Enqueue(ref models.MessageRef) bool
}

// Triager evaluates pre-classification rules; satisfied by
// *triage.Evaluator.
type Triager interface {
	Evaluate(ctx context.Context, in triage.Input) triage.Decision
}

// RefStore records Tier 2 email audit pointers; satisfied by
// *services.MetadataRefService.
type RefStore interface {
	Insert(ctx context.Context, ref *models.EmailMetadataRef) error
}

// Receipt is the ingestion response.
type Receipt struct {
	Status    string `json:"status"` // accepted, rejected
	RequestID string `json:"request_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Service is the ingestion front door.
type Service struct {
	store   Store
	buffer  Enqueuer
	triager Triager
	refs    RefStore
	logger  *slog.Logger
}

// NewService creates an ingestion service. triager and refs may be nil:
// no triage rules apply, and Tier 2 email refs are not recorded.
func NewService(store Store, buffer Enqueuer, triager Triager, refs RefStore, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		buffer:  buffer,
		triager: triager,
		refs:    refs,
		logger:  logger.With("component", "ingest"),
	}
}

// Ingest processes one envelope end to end and returns a receipt.
func (s *Service) Ingest(ctx context.Context, env *Envelope) (*Receipt, error) {
	if err := env.Validate(); err != nil {
		return nil, err
	}

	tier := env.Tier()
	processing := models.ProcessingMetadata{}

	if s.triager != nil {
		decision := s.triager.Evaluate(ctx, triage.Input{
			SenderIdentity: env.Sender.Identity,
			Headers:        env.headers(),
			MimeTypes:      env.mimeTypes(),
		})
		if decision.Matched {
			// Triage verdicts are authoritative over the caller's tier hint.
			switch decision.Action {
			case models.TriageSkip:
				s.logger.Info("message rejected by triage",
					"rule_id", decision.RuleID, "sender", env.Sender.Identity)
				return &Receipt{Status: "rejected", Reason: "triage_skip"}, nil
			case models.TriageMetadataOnly:
				tier = models.TierMetadata
			case models.TriageLowPriority:
				tier = models.TierFull
				processing.Priority = "low"
			default:
				if decision.ForcedTarget != "" {
					tier = models.TierFull
					processing.ForcedTarget = decision.ForcedTarget
				}
			}
		}
	}

	now := time.Now().UTC()
	reqCtx := models.RequestContext{
		RequestID:              uuid.New().String(),
		ReceivedAt:             now,
		SourceChannel:          env.Source.Channel,
		SourceEndpointIdentity: env.Source.EndpointIdentity,
		SourceSenderIdentity:   env.Sender.Identity,
		SourceThreadIdentity:   env.Event.ExternalThreadID,
		DedupeKey:              env.IdempotencyKey(),
		IngestionTier:          tier,
	}

	msg := &models.InboxMessage{
		ID:             reqCtx.RequestID,
		ReceivedAt:     now,
		Context:        reqCtx,
		NormalizedText: env.Payload.NormalizedText,
		Direction:      models.DirectionInbound,
		Lifecycle:      models.LifecycleAccepted,
		SchemaVersion:  SchemaVersion,
		Attachments:    env.attachments(),
		Processing:     processing,
	}
	if tier == models.TierMetadata {
		// Tier 2: the raw body is dropped but the rest of the envelope is
		// kept for audit. No LLM processing.
		msg.Lifecycle = models.LifecycleMetadataRef
		msg.RawPayload = env.auditEnvelope()
	} else {
		msg.RawPayload = env.Payload.Raw
	}

	res, err := s.store.Insert(ctx, msg)
	if err != nil {
		return nil, models.WrapFault(models.ErrClassInternal, err, "persist inbox row")
	}
	if res.Duplicate {
		return &Receipt{Status: "accepted", RequestID: res.RequestID, Duplicate: true}, nil
	}

	if tier == models.TierMetadata && env.Source.Channel == models.ChannelEmail && s.refs != nil {
		ref := &models.EmailMetadataRef{
			RequestID:       reqCtx.RequestID,
			ExternalEventID: env.Event.ExternalEventID,
			Mailbox:         env.Source.EndpointIdentity,
			Subject:         env.Payload.NormalizedText,
			ReceivedAt:      now,
		}
		if err := s.refs.Insert(ctx, ref); err != nil {
			// The inbox row is the source of truth; a missing audit pointer
			// is recoverable.
			s.logger.Error("recording email metadata ref failed",
				"request_id", reqCtx.RequestID, "error", err)
		}
	}

	if tier == models.TierFull {
		s.buffer.Enqueue(models.MessageRef{
			RequestID:  reqCtx.RequestID,
			InboxID:    msg.ID,
			ReceivedAt: now,
			Text:       env.Payload.NormalizedText,
			Channel:    env.Source.Channel,
			Sender:     env.Sender.Identity,
			Thread:     env.Event.ExternalThreadID,
		})
	}
	return &Receipt{Status: "accepted", RequestID: res.RequestID}, nil
}
