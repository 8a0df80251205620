package buffer

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerfleet/butlerd/pkg/config"
	"github.com/butlerfleet/butlerd/pkg/metrics"
	"github.com/butlerfleet/butlerd/pkg/models"
)

type fakeInboxStore struct {
	mu     sync.Mutex
	stale  []*models.InboxMessage
	states map[string]models.LifecycleState
}

func newFakeInboxStore() *fakeInboxStore {
	return &fakeInboxStore{states: map[string]models.LifecycleState{}}
}

func (f *fakeInboxStore) ScanStaleAccepted(_ context.Context, _ time.Time, limit int) ([]*models.InboxMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.InboxMessage
	for _, msg := range f.stale {
		if f.states[msg.ID] != models.LifecycleAccepted {
			continue
		}
		out = append(out, msg)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeInboxStore) MarkLifecycle(_ context.Context, id string, state models.LifecycleState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = state
	return nil
}

func (f *fakeInboxStore) addStale(id, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stale = append(f.stale, &models.InboxMessage{
		ID:             id,
		ReceivedAt:     time.Now().Add(-5 * time.Minute),
		NormalizedText: text,
		Lifecycle:      models.LifecycleAccepted,
		Context:        models.RequestContext{RequestID: id, SourceChannel: models.ChannelTelegram},
	})
	f.states[id] = models.LifecycleAccepted
}

func (f *fakeInboxStore) state(id string) models.LifecycleState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.states[id]
}

func testConfig(capacity, workers int) config.BufferConfig {
	cfg := *config.DefaultBufferConfig()
	cfg.QueueCapacity = capacity
	cfg.WorkerCount = workers
	cfg.ScannerInterval = time.Hour // tests drive scans manually
	cfg.ScannerGrace = 0
	cfg.DrainTimeout = time.Second
	return cfg
}

func TestEnqueueAndProcess(t *testing.T) {
	store := newFakeInboxStore()
	store.states["m-1"] = models.LifecycleAccepted

	var handled []string
	var mu sync.Mutex
	buf := New(testConfig(4, 1), store, func(_ context.Context, ref models.MessageRef) error {
		mu.Lock()
		handled = append(handled, ref.RequestID)
		mu.Unlock()
		return nil
	}, metrics.NewNop(), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf.Start(ctx)
	defer buf.Stop()

	ok := buf.Enqueue(models.MessageRef{RequestID: "m-1", InboxID: "m-1", Text: "hi"})
	require.True(t, ok)

	require.Eventually(t, func() bool {
		return store.state("m-1") == models.LifecycleCompleted
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"m-1"}, handled)
}

func TestHandlerErrorMarksErrored(t *testing.T) {
	store := newFakeInboxStore()
	store.states["m-1"] = models.LifecycleAccepted

	buf := New(testConfig(4, 1), store, func(_ context.Context, _ models.MessageRef) error {
		return models.NewFault(models.ErrClassInternal, "boom")
	}, metrics.NewNop(), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf.Start(ctx)
	defer buf.Stop()

	require.True(t, buf.Enqueue(models.MessageRef{RequestID: "m-1", InboxID: "m-1", Text: "hi"}))
	require.Eventually(t, func() bool {
		return store.state("m-1") == models.LifecycleErrored
	}, time.Second, 5*time.Millisecond)
}

func TestEnqueueBackpressure(t *testing.T) {
	store := newFakeInboxStore()
	// No workers: the queue only fills.
	buf := New(testConfig(2, 0), store, func(_ context.Context, _ models.MessageRef) error {
		return nil
	}, metrics.NewNop(), slog.Default())

	assert.True(t, buf.Enqueue(models.MessageRef{InboxID: "a"}))
	assert.True(t, buf.Enqueue(models.MessageRef{InboxID: "b"}))
	assert.False(t, buf.Enqueue(models.MessageRef{InboxID: "c"}), "full queue must reject without blocking")
	assert.Equal(t, 2, buf.Depth())
}

func TestScannerRecoversStaleRows(t *testing.T) {
	store := newFakeInboxStore()
	store.addStale("m-1", "hello")
	store.addStale("m-2", "world")

	buf := New(testConfig(4, 0), store, nil, metrics.NewNop(), slog.Default())
	buf.scan(context.Background())

	assert.Equal(t, 2, buf.Depth())
}

func TestScannerMarksEmptyTextErrored(t *testing.T) {
	store := newFakeInboxStore()
	store.addStale("m-1", "")
	store.addStale("m-2", "real content")

	buf := New(testConfig(4, 0), store, nil, metrics.NewNop(), slog.Default())
	buf.scan(context.Background())

	assert.Equal(t, models.LifecycleErrored, store.state("m-1"))
	assert.Equal(t, 1, buf.Depth())
}

func TestScannerStopsWhenQueueFull(t *testing.T) {
	store := newFakeInboxStore()
	for _, id := range []string{"m-1", "m-2", "m-3"} {
		store.addStale(id, "text")
	}

	buf := New(testConfig(2, 0), store, nil, metrics.NewNop(), slog.Default())
	buf.scan(context.Background())

	// Two fit; the third stays accepted for the next tick.
	assert.Equal(t, 2, buf.Depth())
	assert.Equal(t, models.LifecycleAccepted, store.state("m-3"))
}

func TestStopDrainsQueuedRefs(t *testing.T) {
	store := newFakeInboxStore()
	store.states["m-1"] = models.LifecycleAccepted
	store.states["m-2"] = models.LifecycleAccepted

	var mu sync.Mutex
	handled := 0
	buf := New(testConfig(4, 1), store, func(_ context.Context, _ models.MessageRef) error {
		mu.Lock()
		handled++
		mu.Unlock()
		return nil
	}, metrics.NewNop(), slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	buf.Start(ctx)

	require.True(t, buf.Enqueue(models.MessageRef{RequestID: "m-1", InboxID: "m-1", Text: "a"}))
	require.True(t, buf.Enqueue(models.MessageRef{RequestID: "m-2", InboxID: "m-2", Text: "b"}))
	buf.Stop()

	assert.False(t, buf.Enqueue(models.MessageRef{InboxID: "m-3"}), "stopped buffer rejects new refs")
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, handled)
}
