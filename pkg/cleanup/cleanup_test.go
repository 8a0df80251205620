package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerfleet/butlerd/pkg/config"
)

type purgeCall struct {
	actionDays, ruleDays, eventDays int
	privileged                      bool
}

type fakePurger struct {
	mu    sync.Mutex
	calls []purgeCall
	err   error
}

func (f *fakePurger) PurgeOld(_ context.Context, actionDays, ruleDays, eventDays int, privileged bool) (int64, int64, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, purgeCall{actionDays, ruleDays, eventDays, privileged})
	return 2, 1, 5, f.err
}

type fakeExpirer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeExpirer) DisableExpired(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 1, nil
}

type partitionRecorder struct {
	mu      sync.Mutex
	ensured []string
	dropped []string
}

func (p *partitionRecorder) ensure(_ context.Context, _ *sql.DB, table string, ts time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensured = append(p.ensured, table+"@"+ts.Format("2006-01"))
	return nil
}

func (p *partitionRecorder) drop(_ context.Context, _ *sql.DB, table string, keepMonths int) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropped = append(p.dropped, table)
	return []string{table + "_2025_01"}, nil
}

func newTestService(purger ApprovalPurger, expirer TaskExpirer, rec *partitionRecorder) *Service {
	cfg := *config.DefaultRetentionConfig()
	svc := NewService(nil, purger, expirer, cfg, slog.Default())
	svc.ensurePartition = rec.ensure
	svc.dropPartitions = rec.drop
	return svc
}

func TestPassCoversAllRetentionSteps(t *testing.T) {
	purger := &fakePurger{}
	expirer := &fakeExpirer{}
	rec := &partitionRecorder{}
	svc := newTestService(purger, expirer, rec)

	svc.runPass(context.Background())

	// Current and next month for each partitioned table.
	assert.Len(t, rec.ensured, 4)
	assert.ElementsMatch(t, []string{"message_inbox", "connector_heartbeat_log"}, rec.dropped)

	require.Len(t, purger.calls, 1)
	assert.Equal(t, purgeCall{90, 180, 365, false}, purger.calls[0],
		"audit event purge stays off unless configured")
	assert.Equal(t, 1, expirer.calls)
}

func TestPrivilegedPurgeFlagReachesPurger(t *testing.T) {
	purger := &fakePurger{}
	svc := newTestService(purger, &fakeExpirer{}, &partitionRecorder{})
	svc.cfg.PrivilegedPurge = true

	svc.purgeApprovals(context.Background())

	require.Len(t, purger.calls, 1)
	assert.True(t, purger.calls[0].privileged)
}

func TestRolloverCoversMonthBoundary(t *testing.T) {
	rec := &partitionRecorder{}
	svc := newTestService(&fakePurger{}, &fakeExpirer{}, rec)

	svc.rolloverPartitions(context.Background())

	now := time.Now().UTC()
	assert.Contains(t, rec.ensured, "message_inbox@"+now.Format("2006-01"))
	assert.Contains(t, rec.ensured, "message_inbox@"+now.AddDate(0, 1, 0).Format("2006-01"))
}

func TestPurgeFailureDoesNotBlockTaskExpiry(t *testing.T) {
	purger := &fakePurger{err: errors.New("relation missing")}
	expirer := &fakeExpirer{}
	svc := newTestService(purger, expirer, &partitionRecorder{})

	svc.runPass(context.Background())
	assert.Equal(t, 1, expirer.calls, "later steps still run after a purge failure")
}

func TestDropSkippedWithoutKeepWindow(t *testing.T) {
	rec := &partitionRecorder{}
	svc := newTestService(&fakePurger{}, &fakeExpirer{}, rec)
	svc.cfg.PartitionKeepMonths = 0

	svc.dropExpiredPartitions(context.Background())
	assert.Empty(t, rec.dropped)
}

func TestStartRunsImmediatePassAndStops(t *testing.T) {
	purger := &fakePurger{}
	expirer := &fakeExpirer{}
	svc := newTestService(purger, expirer, &partitionRecorder{})
	svc.cfg.CleanupInterval = time.Hour

	svc.Start(context.Background())
	require.Eventually(t, func() bool {
		purger.mu.Lock()
		defer purger.mu.Unlock()
		return len(purger.calls) == 1
	}, time.Second, 5*time.Millisecond)
	svc.Stop()
}
