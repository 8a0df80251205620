package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerfleet/butlerd/pkg/models"
	"github.com/butlerfleet/butlerd/pkg/spawner"
)

type fakeTaskStore struct {
	mu    sync.Mutex
	tasks []*models.ScheduledTask
	runs  map[string]*time.Time // task id -> next_run_at recorded
	lists int
}

func newFakeTaskStore(tasks ...*models.ScheduledTask) *fakeTaskStore {
	return &fakeTaskStore{tasks: tasks, runs: map[string]*time.Time{}}
}

func (f *fakeTaskStore) ListEnabled(_ context.Context) ([]*models.ScheduledTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	return f.tasks, nil
}

func (f *fakeTaskStore) MarkRun(_ context.Context, id string, _ time.Time, next *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[id] = next
	return nil
}

type recordingRunner struct {
	mu      sync.Mutex
	prompts []string
	sources []models.TriggerSource
}

func (r *recordingRunner) Trigger(_ context.Context, in spawner.TriggerInput) (*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, in.Prompt)
	r.sources = append(r.sources, in.Trigger)
	return &models.Session{ID: "s-1"}, nil
}

func task(id, name, spec string) *models.ScheduledTask {
	return &models.ScheduledTask{
		ID: id, Butler: "alfred", Name: name, Cron: spec,
		Prompt: "morning briefing", Enabled: true,
	}
}

func TestReloadRegistersEnabledTasks(t *testing.T) {
	store := newFakeTaskStore(task("t-1", "briefing", "0 7 * * *"))
	s := New(store, &recordingRunner{}, time.Minute, slog.Default())

	require.NoError(t, s.reload(context.Background()))
	assert.Len(t, s.entries, 1)
}

func TestReloadSkipsInvalidCron(t *testing.T) {
	store := newFakeTaskStore(
		task("t-1", "good", "*/5 * * * *"),
		task("t-2", "bad", "not a cron line"),
	)
	s := New(store, &recordingRunner{}, time.Minute, slog.Default())

	require.NoError(t, s.reload(context.Background()))
	assert.Len(t, s.entries, 1)
	_, ok := s.entries["t-1"]
	assert.True(t, ok)
}

func TestReloadDropsVanishedAndRespecsChanged(t *testing.T) {
	store := newFakeTaskStore(
		task("t-1", "briefing", "0 7 * * *"),
		task("t-2", "digest", "0 18 * * *"),
	)
	s := New(store, &recordingRunner{}, time.Minute, slog.Default())
	require.NoError(t, s.reload(context.Background()))
	require.Len(t, s.entries, 2)
	firstID := s.entries["t-1"].id

	store.mu.Lock()
	store.tasks = []*models.ScheduledTask{task("t-1", "briefing", "30 7 * * *")}
	store.mu.Unlock()

	require.NoError(t, s.reload(context.Background()))
	assert.Len(t, s.entries, 1)
	assert.NotEqual(t, firstID, s.entries["t-1"].id, "changed spec re-registers the entry")
}

func TestFireRunsSessionAndStampsRun(t *testing.T) {
	store := newFakeTaskStore()
	runner := &recordingRunner{}
	s := New(store, runner, time.Minute, slog.Default())

	s.fire(task("t-1", "briefing", "0 7 * * *"))

	require.Equal(t, []string{"morning briefing"}, runner.prompts)
	assert.Equal(t, []models.TriggerSource{models.TriggerSchedule}, runner.sources)

	next, ok := store.runs["t-1"]
	require.True(t, ok)
	require.NotNil(t, next)
	assert.True(t, next.After(time.Now()))
}

func TestFireSkipsClosedOneShotWindow(t *testing.T) {
	store := newFakeTaskStore()
	runner := &recordingRunner{}
	s := New(store, runner, time.Minute, slog.Default())

	past := time.Now().Add(-time.Hour)
	done := task("t-1", "reminder", "0 7 * * *")
	done.UntilAt = &past
	s.fire(done)

	assert.Empty(t, runner.prompts)
	assert.Empty(t, store.runs)
}

func TestNextRun(t *testing.T) {
	ref := time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC)
	next := nextRun("0 7 * * *", ref)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC), *next)

	assert.Nil(t, nextRun("garbage", ref))
}
