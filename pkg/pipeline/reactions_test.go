package pipeline

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerfleet/butlerd/pkg/models"
)

type recordingReactor struct {
	reactions []string
	err       error
}

func (r *recordingReactor) React(_ context.Context, chatID, messageID int64, emoji string) error {
	if r.err != nil {
		return r.err
	}
	r.reactions = append(r.reactions, emoji)
	return nil
}

func newTracker(t *testing.T, reactor Reactor) *ReactionTracker {
	t.Helper()
	tracker, err := NewReactionTracker(reactor, 8, slog.Default())
	require.NoError(t, err)
	return tracker
}

func TestReactionsAreIdempotent(t *testing.T) {
	reactor := &recordingReactor{}
	tracker := newTracker(t, reactor)

	tracker.React(context.Background(), "42:100", ReactionSeen)
	tracker.React(context.Background(), "42:100", ReactionSeen)
	assert.Equal(t, []string{ReactionSeen}, reactor.reactions)
}

func TestTerminalReactionClearsState(t *testing.T) {
	reactor := &recordingReactor{}
	tracker := newTracker(t, reactor)

	tracker.React(context.Background(), "42:100", ReactionSeen)
	tracker.React(context.Background(), "42:100", ReactionDone)
	// State cleared: the same message can go through a fresh lifecycle.
	tracker.React(context.Background(), "42:100", ReactionSeen)

	assert.Equal(t, []string{ReactionSeen, ReactionDone, ReactionSeen}, reactor.reactions)
}

func TestMalformedThreadIsIgnored(t *testing.T) {
	reactor := &recordingReactor{}
	tracker := newTracker(t, reactor)

	tracker.React(context.Background(), "not-a-telegram-thread", ReactionSeen)
	tracker.React(context.Background(), "", ReactionDone)
	assert.Empty(t, reactor.reactions)
}

func TestReactionFailureIsSwallowed(t *testing.T) {
	reactor := &recordingReactor{err: models.NewFault(models.ErrClassTargetUnavailable, "telegram down")}
	tracker := newTracker(t, reactor)

	// Must not panic or propagate.
	tracker.React(context.Background(), "42:100", ReactionSeen)
	assert.Empty(t, reactor.reactions)
}

func TestParseTelegramThread(t *testing.T) {
	chat, msg, ok := ParseTelegramThread("42:100")
	require.True(t, ok)
	assert.Equal(t, int64(42), chat)
	assert.Equal(t, int64(100), msg)

	_, _, ok = ParseTelegramThread("just-an-email-thread")
	assert.False(t, ok)

	chat, msg, ok = ParseTelegramThread("-100123:7")
	require.True(t, ok)
	assert.Equal(t, int64(-100123), chat)
	assert.Equal(t, int64(7), msg)
}
