package spawner

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerfleet/butlerd/pkg/metrics"
	"github.com/butlerfleet/butlerd/pkg/models"
	"github.com/butlerfleet/butlerd/pkg/runtime"
)

type memorySessions struct {
	mu       sync.Mutex
	created  []*models.Session
	finished []*models.Session
}

func (m *memorySessions) Create(_ context.Context, sess *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sess
	m.created = append(m.created, &cp)
	return nil
}

func (m *memorySessions) Finish(_ context.Context, sess *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sess
	m.finished = append(m.finished, &cp)
	return nil
}

func (m *memorySessions) lastFinished() *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.finished) == 0 {
		return nil
	}
	return m.finished[len(m.finished)-1]
}

func newTestSpawner(t *testing.T, adapter runtime.Adapter, maxConcurrent int) (*Spawner, *memorySessions) {
	t.Helper()
	store := &memorySessions{}
	sp := New(Config{
		Butler:        "alfred",
		SystemPrompt:  "you are alfred",
		MaxConcurrent: maxConcurrent,
	}, adapter, store, nil, metrics.NewNop(), slog.Default())
	return sp, store
}

func TestTriggerPersistsSuccessfulSession(t *testing.T) {
	stub := runtime.NewStubAdapter(runtime.ScriptedRun{
		Result: &runtime.Result{
			Text:         "done",
			Model:        "m-1",
			InputTokens:  10,
			OutputTokens: 5,
			ToolCalls:    []models.ToolCall{{Name: "notes.write"}},
		},
	})
	sp, store := newTestSpawner(t, stub, 2)

	sess, err := sp.Trigger(context.Background(), TriggerInput{
		Prompt:  "take a note",
		Trigger: models.TriggerRoute,
		TraceID: "trace-1",
	})
	require.NoError(t, err)

	assert.Equal(t, "alfred", sess.Butler)
	assert.Equal(t, models.TriggerRoute, sess.Trigger)
	assert.True(t, sess.Success)
	assert.Equal(t, int64(10), sess.InputTokens)
	require.Len(t, store.created, 1)

	finished := store.lastFinished()
	require.NotNil(t, finished)
	assert.True(t, finished.Success)
	assert.Len(t, finished.ToolCalls, 1)
	assert.NotNil(t, finished.CompletedAt)
}

func TestTriggerPersistsFailedSession(t *testing.T) {
	stub := runtime.NewStubAdapter(runtime.ScriptedRun{
		Err: models.NewFault(models.ErrClassTargetUnavailable, "provider down"),
	})
	sp, store := newTestSpawner(t, stub, 1)

	_, err := sp.Trigger(context.Background(), TriggerInput{
		Prompt:  "anything",
		Trigger: models.TriggerSchedule,
	})
	require.Error(t, err)

	finished := store.lastFinished()
	require.NotNil(t, finished)
	assert.False(t, finished.Success)
	assert.Contains(t, finished.ErrorMessage, "provider down")
}

func TestSemaphoreCapsConcurrency(t *testing.T) {
	stub := runtime.NewStubAdapter()
	stub.SetLatency(100 * time.Millisecond)
	sp, _ := newTestSpawner(t, stub, 1)

	started := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sp.Trigger(context.Background(), TriggerInput{
				Prompt:  "work",
				Trigger: models.TriggerManual,
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// With one slot the runs serialize.
	assert.GreaterOrEqual(t, time.Since(started), 200*time.Millisecond)
}

func TestStopAcceptingRejectsNewTriggers(t *testing.T) {
	sp, _ := newTestSpawner(t, runtime.NewStubAdapter(), 1)
	sp.StopAccepting()

	_, err := sp.Trigger(context.Background(), TriggerInput{Prompt: "late"})
	assert.ErrorIs(t, err, ErrNotAccepting)
}

func TestDrainWaitsForInFlight(t *testing.T) {
	stub := runtime.NewStubAdapter()
	stub.SetLatency(80 * time.Millisecond)
	sp, store := newTestSpawner(t, stub, 1)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = sp.Trigger(context.Background(), TriggerInput{Prompt: "slow"})
	}()

	// Give the goroutine time to claim the slot.
	require.Eventually(t, func() bool { return sp.Active() == 1 },
		time.Second, 5*time.Millisecond)

	sp.StopAccepting()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sp.Drain(ctx))
	<-done

	require.NotNil(t, store.lastFinished())
	assert.True(t, store.lastFinished().Success)
}

func TestDrainTimesOut(t *testing.T) {
	stub := runtime.NewStubAdapter()
	stub.SetLatency(500 * time.Millisecond)
	sp, _ := newTestSpawner(t, stub, 1)

	go func() {
		_, _ = sp.Trigger(context.Background(), TriggerInput{Prompt: "very slow"})
	}()
	require.Eventually(t, func() bool { return sp.Active() == 1 },
		time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sp.Drain(ctx), context.DeadlineExceeded)
}
