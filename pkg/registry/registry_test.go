package registry

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
	"github.com/butlerfleet/butlerd/pkg/services"
)

type fakeStore struct {
	mu          sync.Mutex
	records     map[string]*models.ButlerRecord
	transitions []string
	failCAS     int    // fail the next N Transition calls
	onFailedCAS func() // runs while a forced CAS failure holds the lock
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]*models.ButlerRecord{}}
}

func (f *fakeStore) put(name string, state models.EligibilityState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[name] = &models.ButlerRecord{
		ButlerName: name, Eligibility: state, LastSeenAt: time.Now(),
	}
}

func (f *fakeStore) Get(_ context.Context, butler string) (*models.ButlerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[butler]
	if !ok {
		return nil, services.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) Register(_ context.Context, butler, endpointURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[butler] = &models.ButlerRecord{
		ButlerName: butler, EndpointURL: endpointURL,
		Eligibility: models.EligibilityActive, LastSeenAt: time.Now(),
	}
	return nil
}

func (f *fakeStore) TouchLastSeen(_ context.Context, butler string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[butler]
	if !ok {
		return services.ErrNotFound
	}
	rec.LastSeenAt = time.Now()
	return nil
}

func (f *fakeStore) Transition(_ context.Context, butler string, from, to models.EligibilityState, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failCAS > 0 {
		f.failCAS--
		if f.onFailedCAS != nil {
			f.onFailedCAS()
		}
		return services.ErrConcurrentModification
	}
	rec, ok := f.records[butler]
	if !ok || rec.Eligibility != from {
		return services.ErrConcurrentModification
	}
	rec.Eligibility = to
	rec.LastSeenAt = time.Now()
	f.transitions = append(f.transitions, string(from)+">"+string(to)+":"+reason)
	return nil
}

func (f *fakeStore) SweepStale(_ context.Context, _, _ time.Duration) ([]string, []string, error) {
	return nil, nil, nil
}

func (f *fakeStore) ListEligible(_ context.Context, allowStale bool) ([]*models.ButlerRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.ButlerRecord
	for _, rec := range f.records {
		if rec.Eligibility == models.EligibilityActive ||
			(allowStale && rec.Eligibility == models.EligibilityStale) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func newTestService(store Store) *Service {
	peers := map[string]string{"alfred": "http://alfred:8080"}
	return NewService(store, *config.DefaultRegistryConfig(), peers, metrics.NewNop(), slog.Default())
}

func TestHeartbeatRejectsUnconfiguredButler(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)

	_, err := svc.Heartbeat(context.Background(), "imposter")
	assert.ErrorIs(t, err, services.ErrNotFound)
}

func TestHeartbeatRegistersConfiguredButler(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)

	state, err := svc.Heartbeat(context.Background(), "alfred")
	require.NoError(t, err)
	assert.Equal(t, models.EligibilityActive, state)

	rec, err := store.Get(context.Background(), "alfred")
	require.NoError(t, err)
	assert.Equal(t, "http://alfred:8080", rec.EndpointURL)
}

func TestHeartbeatRestoresStaleButler(t *testing.T) {
	store := newFakeStore()
	store.put("alfred", models.EligibilityStale)
	svc := newTestService(store)

	state, err := svc.Heartbeat(context.Background(), "alfred")
	require.NoError(t, err)
	assert.Equal(t, models.EligibilityActive, state)
	require.Len(t, store.transitions, 1)
	assert.Equal(t, "stale>active:"+models.ReasonHealthRestored, store.transitions[0])
}

func TestHeartbeatRecoversQuarantinedButler(t *testing.T) {
	store := newFakeStore()
	store.put("alfred", models.EligibilityQuarantined)
	svc := newTestService(store)

	state, err := svc.Heartbeat(context.Background(), "alfred")
	require.NoError(t, err)
	assert.Equal(t, models.EligibilityActive, state)
	require.Len(t, store.transitions, 1)
	assert.Equal(t, "quarantined>active:"+models.ReasonHeartbeatRecovery, store.transitions[0])
}

func TestHeartbeatLostCASAcceptsConcurrentRestore(t *testing.T) {
	store := newFakeStore()
	store.put("alfred", models.EligibilityStale)
	store.failCAS = 1
	// Simulate the concurrent writer having already restored the row.
	store.records["alfred"].Eligibility = models.EligibilityActive
	svc := newTestService(store)

	state, err := svc.Heartbeat(context.Background(), "alfred")
	require.NoError(t, err)
	assert.Equal(t, models.EligibilityActive, state)
	assert.Empty(t, store.transitions)
}

func TestHeartbeatLostCASReturnsReReadStateWithoutLog(t *testing.T) {
	store := newFakeStore()
	store.put("alfred", models.EligibilityStale)
	svc := newTestService(store)

	// The sweeper demotes stale to quarantined between our read and the
	// CAS, so the CAS misses. The re-read state is returned verbatim and
	// no transition is logged; in particular no restore entry with the
	// stale-path reason appears.
	store.failCAS = 1
	store.onFailedCAS = func() {
		store.records["alfred"].Eligibility = models.EligibilityQuarantined
	}

	state, err := svc.Heartbeat(context.Background(), "alfred")
	require.NoError(t, err)
	assert.Equal(t, models.EligibilityQuarantined, state)
	assert.Empty(t, store.transitions)
}

func TestActiveHeartbeatOnlyTouches(t *testing.T) {
	store := newFakeStore()
	store.put("alfred", models.EligibilityActive)
	before := store.records["alfred"].LastSeenAt
	svc := newTestService(store)

	time.Sleep(5 * time.Millisecond)
	state, err := svc.Heartbeat(context.Background(), "alfred")
	require.NoError(t, err)
	assert.Equal(t, models.EligibilityActive, state)
	assert.Empty(t, store.transitions)
	assert.True(t, store.records["alfred"].LastSeenAt.After(before))
}
