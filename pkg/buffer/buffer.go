// Package buffer is the durable message buffer between ingestion and the
// pipeline. The hot path enqueues lightweight refs onto a bounded channel;
// a recovery scanner re-enqueues rows the channel lost to backpressure or
// a crash, so the database remains the source of truth.
package buffer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/butlerfleet/butlerd/pkg/config"
	"github.com/butlerfleet/butlerd/pkg/metrics"
	"github.com/butlerfleet/butlerd/pkg/models"
)

// Store is the slice of the inbox service the buffer needs.
type Store interface {
	ScanStaleAccepted(ctx context.Context, cutoff time.Time, limit int) ([]*models.InboxMessage, error)
	MarkLifecycle(ctx context.Context, id string, state models.LifecycleState) error
}

// Handler processes one buffered message ref. A nil error marks the row
// completed; an error marks it errored.
type Handler func(ctx context.Context, ref models.MessageRef) error

// Buffer owns the queue, the worker pool, and the recovery scanner.
type Buffer struct {
	cfg     config.BufferConfig
	store   Store
	handler Handler
	metrics *metrics.Metrics
	logger  *slog.Logger

	queue chan models.MessageRef

	mu        sync.Mutex
	accepting bool

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// New creates a buffer. Start must be called before Enqueue is useful.
func New(cfg config.BufferConfig, store Store, handler Handler, m *metrics.Metrics, logger *slog.Logger) *Buffer {
	if m == nil {
		m = metrics.NewNop()
	}
	return &Buffer{
		cfg:       cfg,
		store:     store,
		handler:   handler,
		metrics:   m,
		logger:    logger.With("component", "buffer"),
		queue:     make(chan models.MessageRef, cfg.QueueCapacity),
		accepting: true,
		stopCh:    make(chan struct{}),
	}
}

// Enqueue offers a ref to the queue without blocking. False means the
// queue is full; the row stays accepted in the database and the scanner
// will pick it up.
func (b *Buffer) Enqueue(ref models.MessageRef) bool {
	b.mu.Lock()
	accepting := b.accepting
	b.mu.Unlock()
	if !accepting {
		return false
	}

	ref.EnqueuedAt = time.Now()
	select {
	case b.queue <- ref:
		b.metrics.BufferEnqueueHot.Inc()
		b.metrics.BufferQueueDepth.Set(float64(len(b.queue)))
		return true
	default:
		b.metrics.BufferBackpressure.Inc()
		b.logger.Warn("buffer full, deferring to scanner",
			"request_id", ref.RequestID, "capacity", b.cfg.QueueCapacity)
		return false
	}
}

// Start launches the worker pool and the recovery scanner. The scanner
// runs once immediately to drain rows left behind by a previous process.
func (b *Buffer) Start(ctx context.Context) {
	for w := 0; w < b.cfg.WorkerCount; w++ {
		b.wg.Add(1)
		go b.worker(ctx, w)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.scan(ctx)

		ticker := time.NewTicker(b.cfg.ScannerInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				b.scan(ctx)
			case <-b.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop drains the queue: no new refs are accepted, workers finish what is
// queued, bounded by the configured drain timeout. Unprocessed refs stay
// accepted in the database for the next process's scanner.
func (b *Buffer) Stop() {
	b.mu.Lock()
	b.accepting = false
	b.mu.Unlock()
	b.stopped.Do(func() { close(b.stopCh) })

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.cfg.DrainTimeout):
		b.logger.Warn("buffer drain timed out",
			"remaining", len(b.queue))
	}
}

func (b *Buffer) worker(ctx context.Context, id int) {
	defer b.wg.Done()
	for {
		select {
		case ref := <-b.queue:
			b.metrics.BufferQueueDepth.Set(float64(len(b.queue)))
			b.metrics.BufferQueueWait.Observe(time.Since(ref.EnqueuedAt).Seconds())
			b.handle(ctx, ref)
		case <-b.stopCh:
			// Drain what is already queued, then exit.
			for {
				select {
				case ref := <-b.queue:
					b.handle(ctx, ref)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (b *Buffer) handle(ctx context.Context, ref models.MessageRef) {
	if err := b.store.MarkLifecycle(ctx, ref.InboxID, models.LifecycleProcessing); err != nil {
		b.logger.Error("failed to mark message processing",
			"request_id", ref.RequestID, "error", err)
		return
	}

	if err := b.handler(ctx, ref); err != nil {
		b.logger.Error("message processing failed",
			"request_id", ref.RequestID, "channel", ref.Channel,
			"error_class", models.ClassOf(err), "error", err)
		if markErr := b.store.MarkLifecycle(ctx, ref.InboxID, models.LifecycleErrored); markErr != nil {
			b.logger.Error("failed to mark message errored",
				"request_id", ref.RequestID, "error", markErr)
		}
		return
	}
	if err := b.store.MarkLifecycle(ctx, ref.InboxID, models.LifecycleCompleted); err != nil {
		b.logger.Error("failed to mark message completed",
			"request_id", ref.RequestID, "error", err)
	}
}

// scan re-enqueues accepted rows older than the grace window. Rows with
// empty text are unprocessable and get marked errored instead. The scan
// stops early when the queue fills: the next tick resumes from the oldest.
func (b *Buffer) scan(ctx context.Context) {
	cutoff := time.Now().Add(-b.cfg.ScannerGrace)
	msgs, err := b.store.ScanStaleAccepted(ctx, cutoff, b.cfg.ScannerBatchSize)
	if err != nil {
		b.logger.Error("recovery scan failed", "error", err)
		return
	}

	recovered := 0
	for _, msg := range msgs {
		if msg.NormalizedText == "" {
			if err := b.store.MarkLifecycle(ctx, msg.ID, models.LifecycleErrored); err != nil {
				b.logger.Error("failed to mark empty message errored",
					"request_id", msg.ID, "error", err)
			}
			continue
		}

		ref := models.MessageRef{
			RequestID:  msg.Context.RequestID,
			InboxID:    msg.ID,
			ReceivedAt: msg.ReceivedAt,
			Text:       msg.NormalizedText,
			Channel:    msg.Context.SourceChannel,
			Sender:     msg.Context.SourceSenderIdentity,
			Thread:     msg.Context.SourceThreadIdentity,
			EnqueuedAt: time.Now(),
		}
		select {
		case b.queue <- ref:
			recovered++
			b.metrics.BufferEnqueueCold.Inc()
			b.metrics.ScannerRecovered.Inc()
		default:
			b.logger.Warn("queue full during recovery scan",
				"recovered", recovered, "remaining", len(msgs)-recovered)
			b.metrics.BufferQueueDepth.Set(float64(len(b.queue)))
			return
		}
	}
	b.metrics.BufferQueueDepth.Set(float64(len(b.queue)))
	if recovered > 0 {
		b.logger.Info("recovery scan re-enqueued messages", "count", recovered)
	}
}

// Depth reports the current queue depth.
func (b *Buffer) Depth() int { return len(b.queue) }
