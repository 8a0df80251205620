// Package spawner turns triggers into LLM sessions. A counting semaphore
// caps concurrency; every session, including ones cancelled by shutdown,
// leaves a persisted row behind.
package spawner

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/butlerfleet/butlerd/pkg/metrics"
	"github.com/butlerfleet/butlerd/pkg/models"
	"github.com/butlerfleet/butlerd/pkg/runtime"
)

// SessionStore is the slice of the session service the spawner needs.
type SessionStore interface {
	Create(ctx context.Context, sess *models.Session) error
	Finish(ctx context.Context, sess *models.Session) error
}

// EnvProvider supplies the subprocess environment for a run (credential
// bootstrap). May be nil.
type EnvProvider func(ctx context.Context) ([]string, error)

// ErrNotAccepting is returned by Trigger after StopAccepting.
var ErrNotAccepting = errors.New("spawner is not accepting triggers")

// Config carries the spawner's knobs.
type Config struct {
	Butler         string
	SystemPrompt   string
	MaxConcurrent  int
	SessionTimeout time.Duration
	Model          string
}

// Spawner runs sessions through the runtime adapter.
type Spawner struct {
	cfg      Config
	adapter  runtime.Adapter
	sessions SessionStore
	env      EnvProvider
	metrics  *metrics.Metrics
	logger   *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup

	mu        sync.Mutex
	accepting bool
}

// New creates a spawner.
func New(cfg Config, adapter runtime.Adapter, sessions SessionStore, env EnvProvider, m *metrics.Metrics, logger *slog.Logger) *Spawner {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Spawner{
		cfg:       cfg,
		adapter:   adapter,
		sessions:  sessions,
		env:       env,
		metrics:   m,
		logger:    logger.With("component", "spawner"),
		sem:       make(chan struct{}, cfg.MaxConcurrent),
		accepting: true,
	}
}

// TriggerInput describes one session to run.
type TriggerInput struct {
	Prompt          string
	Trigger         models.TriggerSource
	Model           string
	ParentSessionID string
	TraceID         string
	OnEvent         func(runtime.Event)
}

// Trigger runs one session to completion and returns the persisted row.
// It blocks while all slots are busy; ctx bounds both the wait and the run.
func (s *Spawner) Trigger(ctx context.Context, in TriggerInput) (*models.Session, error) {
	s.mu.Lock()
	accepting := s.accepting
	s.mu.Unlock()
	if !accepting {
		return nil, ErrNotAccepting
	}

	s.metrics.QueuedTriggers.Inc()
	select {
	case s.sem <- struct{}{}:
		s.metrics.QueuedTriggers.Dec()
	case <-ctx.Done():
		s.metrics.QueuedTriggers.Dec()
		return nil, ctx.Err()
	}
	s.wg.Add(1)
	defer func() {
		<-s.sem
		s.wg.Done()
	}()

	return s.run(ctx, in)
}

func (s *Spawner) run(ctx context.Context, in TriggerInput) (*models.Session, error) {
	model := in.Model
	if model == "" {
		model = s.cfg.Model
	}
	sess := &models.Session{
		ID:              uuid.New().String(),
		Butler:          s.cfg.Butler,
		Prompt:          in.Prompt,
		Trigger:         in.Trigger,
		Model:           model,
		StartedAt:       time.Now().UTC(),
		ParentSessionID: in.ParentSessionID,
		TraceID:         in.TraceID,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}

	s.metrics.ActiveSessions.Inc()
	defer s.metrics.ActiveSessions.Dec()

	runCtx := ctx
	var cancel context.CancelFunc
	if s.cfg.SessionTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.SessionTimeout)
		defer cancel()
	}

	var env []string
	if s.env != nil {
		var err error
		if env, err = s.env(ctx); err != nil {
			s.finish(sess, false, "credential bootstrap: "+err.Error())
			return sess, err
		}
	}

	res, err := s.adapter.Run(runCtx, runtime.RunInput{
		Prompt:       in.Prompt,
		SystemPrompt: s.cfg.SystemPrompt,
		Model:        model,
		Env:          env,
		OnEvent:      in.OnEvent,
	})
	s.metrics.SessionDuration.Observe(time.Since(sess.StartedAt).Seconds())

	if err != nil {
		msg := err.Error()
		if errors.Is(err, context.Canceled) {
			msg = "cancelled"
		}
		s.finish(sess, false, msg)
		s.logger.Error("session failed",
			"session_id", sess.ID, "trigger", sess.Trigger,
			"error_class", models.ClassOf(err), "error", err)
		return sess, err
	}

	sess.Model = res.Model
	sess.InputTokens = res.InputTokens
	sess.OutputTokens = res.OutputTokens
	sess.ToolCalls = res.ToolCalls
	sess.Cost = res.Cost
	s.finish(sess, true, "")

	s.logger.Info("session completed",
		"session_id", sess.ID, "trigger", sess.Trigger,
		"input_tokens", res.InputTokens, "output_tokens", res.OutputTokens,
		"tool_calls", len(res.ToolCalls))
	return sess, nil
}

// finish persists the outcome with a fresh context so shutdown-cancelled
// sessions still get recorded.
func (s *Spawner) finish(sess *models.Session, success bool, errMsg string) {
	sess.Success = success
	sess.ErrorMessage = errMsg
	now := time.Now().UTC()
	sess.CompletedAt = &now

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.sessions.Finish(ctx, sess); err != nil {
		s.logger.Error("failed to persist session outcome",
			"session_id", sess.ID, "error", err)
	}
}

// StopAccepting makes subsequent Trigger calls fail fast.
func (s *Spawner) StopAccepting() {
	s.mu.Lock()
	s.accepting = false
	s.mu.Unlock()
}

// Drain waits for in-flight sessions, bounded by ctx.
func (s *Spawner) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active reports how many sessions are currently running.
func (s *Spawner) Active() int { return len(s.sem) }
