// Package approvals gates high-impact tool calls behind a human (or rule)
// decision. Rules short-circuit at enqueue time; everything else waits as
// a pending action until decided or expired.
package approvals

import (
	"context"
	"errors"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/butlerfleet/butlerd/pkg/models"
	"github.com/butlerfleet/butlerd/pkg/services"
)

// Store is the slice of the approval service this package needs.
type Store interface {
	Enqueue(ctx context.Context, in *services.EnqueueInput) (*services.EnqueueResult, error)
	Get(ctx context.Context, id string) (*models.PendingAction, error)
	Decide(ctx context.Context, id string, approve bool, decidedBy, reason string) error
	MarkExecuted(ctx context.Context, id string, result map[string]any) error
	RecordExecutionError(ctx context.Context, id, errMsg string) error
	ActiveRules(ctx context.Context) ([]*models.ApprovalRule, error)
	ExpirePending(ctx context.Context) ([]string, error)
}

// Executor runs an approved tool call with the approval gate bypassed.
type Executor func(ctx context.Context, toolName string, args map[string]any) (map[string]any, error)

// Service is the approval flow engine.
type Service struct {
	store    Store
	executor Executor
	logger   *slog.Logger

	sweepInterval time.Duration
	stopCh        chan struct{}
	doneCh        chan struct{}
	once          sync.Once
}

// NewService creates an approval service. executor runs approved tools;
// nil means decisions are recorded but execution is the caller's job.
func NewService(store Store, executor Executor, sweepInterval time.Duration, logger *slog.Logger) *Service {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Service{
		store:         store,
		executor:      executor,
		logger:        logger.With("component", "approvals"),
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Request enqueues a tool call for approval. Matching rules short-circuit:
// auto_approve executes immediately, auto_reject records the refusal.
// Replaying a request_id returns the existing action's current state with
// replay=true; rules are not re-evaluated for replays.
func (s *Service) Request(ctx context.Context, in *services.EnqueueInput) (action *models.PendingAction, replay bool, err error) {
	res, err := s.store.Enqueue(ctx, in)
	if err != nil {
		return nil, false, err
	}
	if res.Duplicate {
		return res.Action, true, nil
	}
	action = res.Action

	decision, ruleID := s.evaluateRules(ctx, in.ToolName, in.ToolArgs)
	switch decision {
	case models.DecisionAutoApprove:
		if err := s.approveAndExecute(ctx, action.ID, "rule", "auto-approved by rule "+ruleID); err != nil {
			return nil, false, err
		}
		action, err = s.store.Get(ctx, action.ID)
		return action, false, err

	case models.DecisionAutoReject:
		if err := s.store.Decide(ctx, action.ID, false, "rule", "auto-rejected by rule "+ruleID); err != nil {
			return nil, false, err
		}
		action, err = s.store.Get(ctx, action.ID)
		return action, false, err
	}
	return action, false, nil
}

// Decide applies a human decision. Approval triggers execution when an
// executor is wired.
func (s *Service) Decide(ctx context.Context, id string, approve bool, decidedBy, reason string) (*models.PendingAction, error) {
	if approve {
		if err := s.approveAndExecute(ctx, id, decidedBy, reason); err != nil {
			return nil, err
		}
	} else {
		if err := s.store.Decide(ctx, id, false, decidedBy, reason); err != nil {
			return nil, err
		}
	}
	return s.store.Get(ctx, id)
}

// approveAndExecute records the approval and, with an executor wired,
// runs the tool. Execution failure leaves the action approved with the
// error recorded so it can be retried.
func (s *Service) approveAndExecute(ctx context.Context, id, decidedBy, reason string) error {
	if err := s.store.Decide(ctx, id, true, decidedBy, reason); err != nil {
		return err
	}
	if s.executor == nil {
		return nil
	}

	action, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	// The bypass flag tells the tool host this call already cleared the
	// approval gate, so it must not enqueue again.
	args := make(map[string]any, len(action.ToolArgs)+1)
	for k, v := range action.ToolArgs {
		args[k] = v
	}
	args["_approval_bypass"] = true

	result, execErr := s.executor(ctx, action.ToolName, args)
	if execErr != nil {
		s.logger.Error("approved tool execution failed",
			"action_id", id, "tool", action.ToolName, "error", execErr)
		return s.store.RecordExecutionError(ctx, id, execErr.Error())
	}
	return s.store.MarkExecuted(ctx, id, result)
}

// evaluateRules returns the first matching rule's decision; earlier rules
// win. No match means require_human.
func (s *Service) evaluateRules(ctx context.Context, toolName string, args map[string]any) (models.RuleDecision, string) {
	rules, err := s.store.ActiveRules(ctx)
	if err != nil {
		// Fail safe: a rule outage must never auto-approve anything.
		s.logger.Error("approval rule load failed, requiring human", "error", err)
		return models.DecisionRequireHuman, ""
	}
	for _, rule := range rules {
		if matchesPredicate(rule.Predicate, toolName, args) {
			return rule.Decision, rule.ID
		}
	}
	return models.DecisionRequireHuman, ""
}

func matchesPredicate(pred models.ApprovalPredicate, toolName string, args map[string]any) bool {
	ok, err := path.Match(pred.ToolGlob, toolName)
	if err != nil || !ok {
		return false
	}
	for key, want := range pred.ArgEq {
		got, ok := args[key].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Start launches the expiry sweeper.
func (s *Service) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				expired, err := s.store.ExpirePending(ctx)
				if err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Error("approval expiry sweep failed", "error", err)
				} else if len(expired) > 0 {
					s.logger.Info("expired pending actions", "count", len(expired))
				}
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweeper.
func (s *Service) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	<-s.doneCh
}
