// Package cleanup runs the retention maintenance loop: monthly partition
// rollover, old-partition drops, approval purges, and one-shot task expiry.
package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/butlerfleet/butlerd/pkg/config"
	"github.com/butlerfleet/butlerd/pkg/database"
)

// partitionedTables are the switchboard tables on monthly range partitions.
var partitionedTables = []string{"message_inbox", "connector_heartbeat_log"}

// ApprovalPurger deletes decided approval records past their retention
// window. Pending actions and active rules are never touched; audit events
// only go when the privileged flag is set.
type ApprovalPurger interface {
	PurgeOld(ctx context.Context, actionDays, ruleDays, eventDays int, privileged bool) (actions, rules, events int64, err error)
}

// TaskExpirer disables one-shot scheduled tasks whose until_at has passed.
type TaskExpirer interface {
	DisableExpired(ctx context.Context) (int64, error)
}

// Service owns the periodic retention pass.
type Service struct {
	db        *sql.DB
	approvals ApprovalPurger
	tasks     TaskExpirer
	cfg       config.RetentionConfig
	logger    *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once

	// Overridable in tests; production wiring uses the database package.
	ensurePartition func(ctx context.Context, db *sql.DB, table string, ts time.Time) error
	dropPartitions  func(ctx context.Context, db *sql.DB, table string, keepMonths int) ([]string, error)
}

func NewService(db *sql.DB, approvals ApprovalPurger, tasks TaskExpirer, cfg config.RetentionConfig, logger *slog.Logger) *Service {
	return &Service{
		db:        db,
		approvals: approvals,
		tasks:     tasks,
		cfg:       cfg,
		logger:    logger.With("component", "cleanup"),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),

		ensurePartition: database.EnsurePartition,
		dropPartitions:  database.DropOldPartitions,
	}
}

// Start runs one pass immediately, then repeats on CleanupInterval.
func (s *Service) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)
		s.runPass(ctx)
		ticker := time.NewTicker(s.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.runPass(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Service) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// runPass performs the full retention pass. Each step is independent; a
// failure in one is logged and does not block the others.
func (s *Service) runPass(ctx context.Context) {
	s.rolloverPartitions(ctx)
	s.dropExpiredPartitions(ctx)
	s.purgeApprovals(ctx)
	s.expireTasks(ctx)
}

// rolloverPartitions pre-creates the current and next month's partitions
// so inserts never race partition creation at month boundaries.
func (s *Service) rolloverPartitions(ctx context.Context) {
	now := time.Now().UTC()
	for _, table := range partitionedTables {
		for _, ts := range []time.Time{now, now.AddDate(0, 1, 0)} {
			if err := s.ensurePartition(ctx, s.db, table, ts); err != nil {
				s.logFailure(ctx, "partition rollover failed", err, "table", table)
			}
		}
	}
}

func (s *Service) dropExpiredPartitions(ctx context.Context) {
	if s.cfg.PartitionKeepMonths <= 0 {
		return
	}
	for _, table := range partitionedTables {
		dropped, err := s.dropPartitions(ctx, s.db, table, s.cfg.PartitionKeepMonths)
		if err != nil {
			s.logFailure(ctx, "partition drop failed", err, "table", table)
			continue
		}
		if len(dropped) > 0 {
			s.logger.Info("dropped old partitions", "table", table, "partitions", dropped)
		}
	}
}

func (s *Service) purgeApprovals(ctx context.Context) {
	actions, rules, events, err := s.approvals.PurgeOld(ctx,
		s.cfg.PendingActionDays, s.cfg.ApprovalRuleDays, s.cfg.ApprovalEventDays,
		s.cfg.PrivilegedPurge)
	if err != nil {
		s.logFailure(ctx, "approval purge failed", err)
		return
	}
	if actions+rules+events > 0 {
		s.logger.Info("purged old approval records",
			"actions", actions, "rules", rules, "events", events)
	}
}

func (s *Service) expireTasks(ctx context.Context) {
	disabled, err := s.tasks.DisableExpired(ctx)
	if err != nil {
		s.logFailure(ctx, "task expiry failed", err)
		return
	}
	if disabled > 0 {
		s.logger.Info("disabled expired scheduled tasks", "count", disabled)
	}
}

func (s *Service) logFailure(ctx context.Context, msg string, err error, args ...any) {
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return
	}
	s.logger.Error(msg, append(args, "error", err)...)
}
