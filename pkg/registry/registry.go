// Package registry tracks butler liveness. Heartbeats refresh last-seen
// and self-heal eligibility; a background sweeper demotes butlers that go
// quiet. All transitions go through a CAS so concurrent writers cannot
// double-log.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/butlerfleet/butlerd/pkg/config"
	"github.com/butlerfleet/butlerd/pkg/metrics"
	"github.com/butlerfleet/butlerd/pkg/models"
	"github.com/butlerfleet/butlerd/pkg/services"
)

// Store is the slice of the registry service this package needs.
type Store interface {
	Get(ctx context.Context, butler string) (*models.ButlerRecord, error)
	Register(ctx context.Context, butler, endpointURL string) error
	TouchLastSeen(ctx context.Context, butler string) error
	Transition(ctx context.Context, butler string, from, to models.EligibilityState, reason string) error
	SweepStale(ctx context.Context, staleAfter, quarantineAfter time.Duration) (staled, quarantined []string, err error)
	ListEligible(ctx context.Context, allowStale bool) ([]*models.ButlerRecord, error)
}

// Service handles heartbeats and runs the staleness sweeper.
type Service struct {
	store   Store
	cfg     config.RegistryConfig
	peers   map[string]string // configured butler name -> endpoint URL
	metrics *metrics.Metrics
	logger  *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// NewService creates a registry service. peers is the configured fleet;
// only configured butlers self-heal registration on heartbeat.
func NewService(store Store, cfg config.RegistryConfig, peers map[string]string, m *metrics.Metrics, logger *slog.Logger) *Service {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Service{
		store:   store,
		cfg:     cfg,
		peers:   peers,
		metrics: m,
		logger:  logger.With("component", "registry"),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Heartbeat processes one heartbeat: refresh last-seen and restore
// eligibility when the butler had been demoted. A configured butler with
// no registry row is registered on the spot; an unconfigured one is
// rejected as unknown.
func (s *Service) Heartbeat(ctx context.Context, butler string) (models.EligibilityState, error) {
	rec, err := s.store.Get(ctx, butler)
	if errors.Is(err, services.ErrNotFound) {
		endpoint, configured := s.peers[butler]
		if !configured {
			return "", err
		}
		if err := s.store.Register(ctx, butler, endpoint); err != nil {
			return "", err
		}
		s.logger.Info("registered butler on first heartbeat", "butler", butler)
		return models.EligibilityActive, nil
	}
	if err != nil {
		return "", err
	}

	switch rec.Eligibility {
	case models.EligibilityActive:
		if err := s.store.TouchLastSeen(ctx, butler); err != nil {
			return "", err
		}
		return models.EligibilityActive, nil

	case models.EligibilityStale:
		return s.restore(ctx, butler, models.EligibilityStale, models.ReasonHealthRestored)

	case models.EligibilityQuarantined:
		return s.restore(ctx, butler, models.EligibilityQuarantined, models.ReasonHeartbeatRecovery)
	}
	return rec.Eligibility, nil
}

// restore promotes a demoted butler back to active. A lost CAS means a
// concurrent writer moved the row; the re-read state is returned as-is,
// with no log entry and no retry.
func (s *Service) restore(ctx context.Context, butler string, from models.EligibilityState, reason string) (models.EligibilityState, error) {
	err := s.store.Transition(ctx, butler, from, models.EligibilityActive, reason)
	if errors.Is(err, services.ErrConcurrentModification) {
		rec, readErr := s.store.Get(ctx, butler)
		if readErr != nil {
			return "", readErr
		}
		if rec.Eligibility == models.EligibilityActive {
			if err := s.store.TouchLastSeen(ctx, butler); err != nil {
				return "", err
			}
		}
		return rec.Eligibility, nil
	}
	if err != nil {
		return "", err
	}

	s.metrics.EligibilityTransitions.WithLabelValues(string(from), string(models.EligibilityActive)).Inc()
	s.logger.Info("butler eligibility restored",
		"butler", butler, "from", from, "reason", reason)
	return models.EligibilityActive, nil
}

// ListEligible returns routable butlers.
func (s *Service) ListEligible(ctx context.Context, allowStale bool) ([]*models.ButlerRecord, error) {
	return s.store.ListEligible(ctx, allowStale)
}

// State returns one butler's current eligibility.
func (s *Service) State(ctx context.Context, butler string) (models.EligibilityState, error) {
	rec, err := s.store.Get(ctx, butler)
	if err != nil {
		return "", err
	}
	return rec.Eligibility, nil
}

// Start launches the staleness sweeper. One immediate sweep covers
// butlers that went quiet while the daemon was down.
func (s *Service) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)
		s.sweep(ctx)

		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the sweeper and waits for it to exit.
func (s *Service) Stop() {
	s.once.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

func (s *Service) sweep(ctx context.Context) {
	staled, quarantined, err := s.store.SweepStale(ctx, s.cfg.StaleAfter, s.cfg.QuarantineAfter)
	if err != nil {
		s.logger.Error("staleness sweep failed", "error", err)
		return
	}
	for range staled {
		s.metrics.EligibilityTransitions.WithLabelValues(
			string(models.EligibilityActive), string(models.EligibilityStale)).Inc()
	}
	for range quarantined {
		s.metrics.EligibilityTransitions.WithLabelValues(
			string(models.EligibilityStale), string(models.EligibilityQuarantined)).Inc()
	}
	if len(staled) > 0 || len(quarantined) > 0 {
		s.logger.Warn("staleness sweep demoted butlers",
			"staled", staled, "quarantined", quarantined)
	}
}
