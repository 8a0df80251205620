// Package pipeline classifies buffered messages and dispatches them to
// target butlers: history hydration, LLM classification with parallel
// extraction, routing with an audit log, outbound recording, and Telegram
// lifecycle reactions.
package pipeline

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/butlerfleet/butlerd/pkg/config"
	"github.com/butlerfleet/butlerd/pkg/models"
	"github.com/butlerfleet/butlerd/pkg/route"
)

// Store is the slice of the inbox service the pipeline needs.
type Store interface {
	Get(ctx context.Context, id string) (*models.InboxMessage, error)
	ThreadHistory(ctx context.Context, scope string, window time.Duration, limit int) ([]*models.InboxMessage, error)
	InsertOutbound(ctx context.Context, inbound models.RequestContext, butler, text string) (string, error)
}

// Router delivers requests to target butlers; satisfied by *route.Client.
type Router interface {
	Execute(ctx context.Context, target string, in route.AcceptInput) (*route.Receipt, error)
}

// RoutingLog records routing decisions for audit.
type RoutingLog interface {
	Record(ctx context.Context, requestID, target, prompt, decidedBy string, acked bool) error
}

// Pipeline is the classify-and-dispatch engine.
type Pipeline struct {
	cfg        config.PipelineConfig
	store      Store
	classifier Classifier
	extractor  Extractor
	router     Router
	log        RoutingLog
	reactions  *ReactionTracker
	logger     *slog.Logger

	dispatchThreshold Confidence
}

// New creates a pipeline. extractor, log, and reactions may be nil.
func New(cfg config.PipelineConfig, store Store, classifier Classifier, extractor Extractor, router Router, log RoutingLog, reactions *ReactionTracker, logger *slog.Logger) *Pipeline {
	threshold := Confidence(strings.ToUpper(cfg.ExtractionDispatch))
	if threshold.rank() == 0 {
		threshold = ConfidenceHigh
	}
	return &Pipeline{
		cfg:               cfg,
		store:             store,
		classifier:        classifier,
		extractor:         extractor,
		router:            router,
		log:               log,
		reactions:         reactions,
		logger:            logger.With("component", "pipeline"),
		dispatchThreshold: threshold,
	}
}

// Process handles one buffered message end to end. An error return marks
// the inbox row errored; success requires at least one acked target.
func (p *Pipeline) Process(ctx context.Context, ref models.MessageRef) error {
	msg, err := p.store.Get(ctx, ref.InboxID)
	if err != nil {
		return models.WrapFault(models.ErrClassInternal, err, "load inbox row %s", ref.InboxID)
	}

	if ref.Channel == models.ChannelTelegram {
		p.react(ctx, ref.Thread, ReactionSeen)
	}

	var history []*models.InboxMessage
	if ref.Channel.Interactive() && ref.Thread != "" {
		history, err = p.store.ThreadHistory(ctx,
			historyScope(ref.Channel, ref.Thread), p.cfg.HistoryWindow, p.cfg.HistoryLimit)
		if err != nil {
			// Degraded classification beats a dropped message.
			p.logger.Warn("history hydration failed",
				"request_id", ref.RequestID, "error", err)
		}
	}

	// Classification and extraction run concurrently; extraction never
	// blocks or fails the primary routing path.
	var (
		wg          sync.WaitGroup
		targets     []Target
		classifyErr error
		extractions []Extraction
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if forced := msg.Processing.ForcedTarget; forced != "" {
			targets = []Target{{Butler: forced, Prompt: ref.Text}}
			return
		}
		targets, classifyErr = p.classifier.Classify(ctx, ref.Text, history)
	}()
	if p.extractor != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var exErr error
			extractions, exErr = p.extractor.Extract(ctx, ref.Text)
			if exErr != nil {
				p.logger.Warn("extraction pass failed",
					"request_id", ref.RequestID, "error", exErr)
			}
		}()
	}
	wg.Wait()

	if classifyErr != nil {
		p.react(ctx, ref.Thread, ReactionFailure)
		return models.WrapFault(models.ClassOf(classifyErr), classifyErr,
			"classify message %s", ref.RequestID)
	}

	decidedBy := "classifier"
	if msg.Processing.ForcedTarget != "" {
		decidedBy = "triage"
	}
	acked := p.dispatch(ctx, msg, targets, decidedBy)
	p.dispatchExtractions(ctx, msg, extractions)

	if acked == 0 && len(targets) > 0 {
		p.react(ctx, ref.Thread, ReactionFailure)
		return models.NewFault(models.ErrClassTargetUnavailable,
			"no target acked message %s", ref.RequestID)
	}

	if ref.Channel == models.ChannelTelegram {
		p.react(ctx, ref.Thread, ReactionDone)
	}
	return nil
}

// dispatch routes the message to each classified target and returns how
// many acked.
func (p *Pipeline) dispatch(ctx context.Context, msg *models.InboxMessage, targets []Target, decidedBy string) int {
	acked := 0
	for _, target := range targets {
		receipt, err := p.router.Execute(ctx, target.Butler, route.AcceptInput{
			Prompt:  target.Prompt,
			Context: msg.Context,
		})
		ok := err == nil && receipt != nil
		if ok {
			acked++
		} else {
			p.logger.Error("routing to target failed",
				"request_id", msg.Context.RequestID, "target", target.Butler,
				"error_class", models.ClassOf(err), "error", err)
		}
		p.logRouting(ctx, msg.Context.RequestID, target.Butler, target.Prompt, decidedBy, ok)
	}
	return acked
}

// dispatchExtractions forwards qualifying extractions as tool calls.
// Every extraction is logged; only those at or above the threshold ship.
func (p *Pipeline) dispatchExtractions(ctx context.Context, msg *models.InboxMessage, extractions []Extraction) {
	for _, ex := range extractions {
		p.logger.Info("extraction",
			"request_id", msg.Context.RequestID, "type", ex.Type,
			"confidence", ex.Confidence, "target", ex.TargetButler,
			"dispatched", ex.Confidence.AtLeast(p.dispatchThreshold))
		if !ex.Confidence.AtLeast(p.dispatchThreshold) {
			continue
		}

		receipt, err := p.router.Execute(ctx, ex.TargetButler, route.AcceptInput{
			ToolName: ex.ToolName,
			Args:     ex.ToolArgs,
			Context:  msg.Context,
		})
		ok := err == nil && receipt != nil
		if !ok {
			p.logger.Error("extraction dispatch failed",
				"request_id", msg.Context.RequestID, "type", ex.Type,
				"target", ex.TargetButler, "error", err)
		}
		p.logRouting(ctx, msg.Context.RequestID, ex.TargetButler, ex.ToolName, "extraction", ok)
	}
}

// RecordReply writes a butler's reply as an outbound inbox row, keeping
// thread history symmetric.
func (p *Pipeline) RecordReply(ctx context.Context, inboundRequestID, butler, text string) (string, error) {
	msg, err := p.store.Get(ctx, inboundRequestID)
	if err != nil {
		return "", models.WrapFault(models.ErrClassNotFound, err,
			"inbound message %s", inboundRequestID)
	}
	return p.store.InsertOutbound(ctx, msg.Context, butler, text)
}

func (p *Pipeline) logRouting(ctx context.Context, requestID, target, prompt, decidedBy string, acked bool) {
	if p.log == nil {
		return
	}
	if err := p.log.Record(ctx, requestID, target, prompt, decidedBy, acked); err != nil {
		p.logger.Warn("routing log write failed",
			"request_id", requestID, "target", target, "error", err)
	}
}

func (p *Pipeline) react(ctx context.Context, thread, emoji string) {
	if p.reactions != nil {
		p.reactions.React(ctx, thread, emoji)
	}
}

// historyScope maps a thread identity to its history grouping key:
// Telegram groups by chat id (identities are "chat_id:message_id"),
// email threads are already stable identities.
func historyScope(channel models.Channel, thread string) string {
	if channel == models.ChannelTelegram {
		if i := strings.Index(thread, ":"); i > 0 {
			return thread[:i]
		}
	}
	return thread
}
