// Package scheduler fires cron-scheduled prompts as butler sessions.
// Task definitions live in the butler's scheduled_tasks table; the
// scheduler reloads them periodically so edits take effect without a
// restart.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/butlerfleet/butlerd/pkg/models"
	"github.com/butlerfleet/butlerd/pkg/spawner"
)

// TaskStore is the slice of the task service the scheduler needs.
type TaskStore interface {
	ListEnabled(ctx context.Context) ([]*models.ScheduledTask, error)
	MarkRun(ctx context.Context, id string, ranAt time.Time, next *time.Time) error
}

// Runner starts a session for a fired task.
type Runner interface {
	Trigger(ctx context.Context, in spawner.TriggerInput) (*models.Session, error)
}

type entry struct {
	id   cron.EntryID
	spec string
}

// Scheduler owns the cron runner and keeps its entry set in sync with the
// task table.
type Scheduler struct {
	store   TaskStore
	runner  Runner
	cron    *cron.Cron
	refresh time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]entry
	baseCtx context.Context

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

func New(store TaskStore, runner Runner, refresh time.Duration, logger *slog.Logger) *Scheduler {
	if refresh <= 0 {
		refresh = time.Minute
	}
	return &Scheduler{
		store:   store,
		runner:  runner,
		cron:    cron.New(),
		refresh: refresh,
		logger:  logger.With("component", "scheduler"),
		entries: map[string]entry{},
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start loads the current task set, starts the cron runner, and keeps
// reloading on the refresh interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	if err := s.reload(ctx); err != nil {
		s.logger.Error("initial task load failed", "error", err)
	}
	s.cron.Start()

	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.reload(ctx); err != nil {
					s.logger.Error("task reload failed", "error", err)
				}
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts reloading and waits for in-flight cron jobs to finish.
func (s *Scheduler) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	<-s.doneCh
	<-s.cron.Stop().Done()
}

// reload diffs the enabled task set against the registered cron entries:
// new or re-specced tasks are (re)registered, vanished ones removed.
func (s *Scheduler) reload(ctx context.Context) error {
	tasks, err := s.store.ListEnabled(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(tasks))
	for _, task := range tasks {
		seen[task.ID] = true
		existing, ok := s.entries[task.ID]
		if ok && existing.spec == task.Cron {
			continue
		}
		if ok {
			s.cron.Remove(existing.id)
		}
		task := task
		id, err := s.cron.AddFunc(task.Cron, func() { s.fire(task) })
		if err != nil {
			s.logger.Error("invalid cron expression, task skipped",
				"task", task.Name, "cron", task.Cron, "error", err)
			delete(s.entries, task.ID)
			continue
		}
		s.entries[task.ID] = entry{id: id, spec: task.Cron}
	}

	for taskID, existing := range s.entries {
		if !seen[taskID] {
			s.cron.Remove(existing.id)
			delete(s.entries, taskID)
		}
	}
	return nil
}

// fire runs one scheduled task as a session and stamps the run.
func (s *Scheduler) fire(task *models.ScheduledTask) {
	s.mu.Lock()
	ctx := s.baseCtx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	now := time.Now()
	if task.UntilAt != nil && !task.UntilAt.After(now) {
		// One-shot window closed between reloads; the cleanup pass will
		// disable the row.
		return
	}

	s.logger.Info("firing scheduled task", "task", task.Name, "butler", task.Butler)
	_, err := s.runner.Trigger(ctx, spawner.TriggerInput{
		Prompt:  task.Prompt,
		Trigger: models.TriggerSchedule,
	})
	if err != nil {
		s.logger.Error("scheduled task session failed", "task", task.Name, "error", err)
	}

	if err := s.store.MarkRun(ctx, task.ID, now, nextRun(task.Cron, now)); err != nil {
		s.logger.Error("marking task run failed", "task", task.Name, "error", err)
	}
}

// nextRun computes the next fire time after ref, nil when the expression
// does not parse.
func nextRun(spec string, ref time.Time) *time.Time {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil
	}
	next := sched.Next(ref)
	return &next
}
