// Package route implements the two-phase inter-butler request contract.
// The accept phase persists the request and returns a receipt inside the
// caller's latency budget; a background dispatcher claims rows and runs
// them through the spawner, with retries and dead-lettering.
package route

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/butlerfleet/butlerd/pkg/config"
	"github.com/butlerfleet/butlerd/pkg/metrics"
	"github.com/butlerfleet/butlerd/pkg/models"
	"github.com/butlerfleet/butlerd/pkg/services"
	"github.com/butlerfleet/butlerd/pkg/spawner"
)

// Store is the slice of the route service the inbox needs.
type Store interface {
	Accept(ctx context.Context, req *models.RouteRequest) (*services.AcceptResult, error)
	ClaimOldest(ctx context.Context, maxRetries int) (*models.RouteRequest, error)
	Complete(ctx context.Context, id, result string) error
	Fail(ctx context.Context, id string, class models.ErrorClass, msg string, maxRetries int) (models.RouteStatus, error)
	RecoverOrphans(ctx context.Context, grace, processingTimeout time.Duration, maxRetries int) (requeued, orphaned int64, err error)
	QueueDepth(ctx context.Context) (int, error)
}

// Runner triggers sessions; satisfied by *spawner.Spawner.
type Runner interface {
	Trigger(ctx context.Context, in spawner.TriggerInput) (*models.Session, error)
}

// Eligibility reports a butler's registry state; satisfied by
// *registry.Service. Nil disables the accept-phase gate.
type Eligibility interface {
	State(ctx context.Context, butler string) (models.EligibilityState, error)
}

// Receipt is the accept-phase response.
type Receipt struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Inbox is the target-side half of routing.
type Inbox struct {
	butler      string
	store       Store
	runner      Runner
	eligibility Eligibility
	cfg         config.RouteConfig
	metrics     *metrics.Metrics
	logger      *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewInbox creates a route inbox for this butler.
func NewInbox(butler string, store Store, runner Runner, eligibility Eligibility, cfg config.RouteConfig, m *metrics.Metrics, logger *slog.Logger) *Inbox {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Inbox{
		butler:      butler,
		store:       store,
		runner:      runner,
		eligibility: eligibility,
		cfg:         cfg,
		metrics:     m,
		logger:      logger.With("component", "route.inbox"),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// AcceptInput is one incoming route request.
type AcceptInput struct {
	SourceButler string
	ToolName     string
	Args         map[string]any
	Context      models.RequestContext
	InputContext map[string]any
	Prompt       string
}

// Accept validates and persists the request, returning a receipt. The
// caller's latency budget ends when this returns.
func (i *Inbox) Accept(ctx context.Context, in AcceptInput) (*Receipt, error) {
	started := time.Now()
	if in.ToolName == "" && in.Prompt == "" {
		return nil, models.NewFault(models.ErrClassValidation, "route request needs a tool_name or a prompt")
	}
	if in.SourceButler == "" {
		return nil, models.NewFault(models.ErrClassValidation, "source_butler must not be empty")
	}
	if err := i.checkRoutable(ctx); err != nil {
		return nil, err
	}

	req := &models.RouteRequest{
		ID:           uuid.New().String(),
		TargetButler: i.butler,
		SourceButler: in.SourceButler,
		ToolName:     in.ToolName,
		Args:         in.Args,
		Context:      in.Context,
		InputContext: in.InputContext,
		Prompt:       in.Prompt,
		AcceptedAt:   time.Now().UTC(),
		Status:       models.RouteAccepted,
	}
	res, err := i.store.Accept(ctx, req)
	if err != nil {
		return nil, models.WrapFault(models.ErrClassInternal, err, "persist route request")
	}
	i.metrics.RouteAcceptLatency.Observe(time.Since(started).Seconds())

	if res.Duplicate {
		i.logger.Info("route request collapsed onto in-flight duplicate",
			"request_id", res.RequestID, "dedupe_key", in.Context.DedupeKey)
	}
	return &Receipt{RequestID: res.RequestID, Status: "ok", Duplicate: res.Duplicate}, nil
}

// checkRoutable vetoes the accept when this butler's own registry state
// says it should not take routed work: quarantined always refuses, stale
// refuses unless allow_stale is configured. A registry read failure does
// not veto; the caller-side gate still applies.
func (i *Inbox) checkRoutable(ctx context.Context) error {
	if i.eligibility == nil {
		return nil
	}
	state, err := i.eligibility.State(ctx, i.butler)
	if err != nil {
		i.logger.Warn("eligibility check failed, accepting anyway", "error", err)
		return nil
	}
	switch state {
	case models.EligibilityQuarantined:
		return models.NewFault(models.ErrClassTargetUnavailable, "butler %q is quarantined", i.butler)
	case models.EligibilityStale:
		if !i.cfg.AllowStale {
			return models.NewFault(models.ErrClassTargetUnavailable, "butler %q is stale", i.butler)
		}
	}
	return nil
}

// Start recovers orphans and launches the dispatch loop.
func (i *Inbox) Start(ctx context.Context) error {
	requeued, orphaned, err := i.store.RecoverOrphans(ctx, i.cfg.RecoveryGrace, i.cfg.ProcessingTimeout, i.cfg.MaxRetries)
	if err != nil {
		return err
	}
	if requeued > 0 || orphaned > 0 {
		i.logger.Warn("route inbox recovery",
			"requeued", requeued, "orphaned", orphaned)
	}

	go i.dispatchLoop(ctx)
	return nil
}

// Stop halts the dispatcher and waits for the in-flight claim to finish.
func (i *Inbox) Stop() {
	i.once.Do(func() { close(i.stopCh) })
	<-i.doneCh
}

func (i *Inbox) dispatchLoop(ctx context.Context) {
	defer close(i.doneCh)

	ticker := time.NewTicker(i.cfg.DispatchInterval)
	defer ticker.Stop()

	recovery := time.NewTicker(i.cfg.ProcessingTimeout / 2)
	defer recovery.Stop()

	for {
		select {
		case <-ticker.C:
			i.drain(ctx)
		case <-recovery.C:
			if _, orphaned, err := i.store.RecoverOrphans(ctx, i.cfg.RecoveryGrace, i.cfg.ProcessingTimeout, i.cfg.MaxRetries); err != nil {
				i.logger.Error("periodic route recovery failed", "error", err)
			} else if orphaned > 0 {
				i.logger.Warn("recovered orphaned processing rows", "orphaned", orphaned)
			}
		case <-i.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// drain claims and processes rows until the queue is empty or shutdown.
func (i *Inbox) drain(ctx context.Context) {
	for {
		select {
		case <-i.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		req, err := i.store.ClaimOldest(ctx, i.cfg.MaxRetries)
		if errors.Is(err, services.ErrNotFound) {
			i.observeDepth(ctx)
			return
		}
		if err != nil {
			i.logger.Error("route claim failed", "error", err)
			return
		}
		i.process(ctx, req)
	}
}

// Process runs one claimed request through the spawner and records the
// terminal row state.
func (i *Inbox) process(ctx context.Context, req *models.RouteRequest) {
	i.metrics.RouteProcessLatency.Observe(time.Since(req.AcceptedAt).Seconds())

	// Lineage only survives a self-route: a foreign session id belongs to
	// the source butler's schema and would not resolve here.
	parent := ""
	if req.SourceButler == i.butler {
		parent = req.Context.SourceSessionID
	}
	sess, err := i.runner.Trigger(ctx, spawner.TriggerInput{
		Prompt:          BuildPrompt(req),
		Trigger:         models.TriggerRoute,
		ParentSessionID: parent,
		TraceID:         req.Context.TraceID,
	})
	if err != nil {
		status, failErr := i.store.Fail(ctx, req.ID, models.ClassOf(err), err.Error(), i.cfg.MaxRetries)
		if failErr != nil {
			i.logger.Error("failed to record route failure",
				"request_id", req.ID, "error", failErr)
			return
		}
		if status == models.RouteDeadLettered {
			i.metrics.RouteDeadLettered.Inc()
			i.logger.Error("route request dead-lettered",
				"request_id", req.ID, "attempts", req.Attempts,
				"error_class", models.ClassOf(err), "error", err)
		} else {
			i.logger.Warn("route request failed, will retry",
				"request_id", req.ID, "attempts", req.Attempts, "error", err)
		}
		return
	}

	result := sess.ID
	if err := i.store.Complete(ctx, req.ID, result); err != nil {
		i.logger.Error("failed to record route completion",
			"request_id", req.ID, "error", err)
	}
}

func (i *Inbox) observeDepth(ctx context.Context) {
	if depth, err := i.store.QueueDepth(ctx); err == nil {
		i.metrics.RouteQueueDepth.Set(float64(depth))
	}
}
