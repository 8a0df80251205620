package pipeline

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Lifecycle reactions for Telegram messages.
const (
	ReactionSeen    = "👀"
	ReactionDone    = "✅"
	ReactionFailure = "👾"
)

// Reactor delivers a reaction to a channel message; implemented by the
// Telegram connector client.
type Reactor interface {
	React(ctx context.Context, chatID int64, messageID int64, emoji string) error
}

// ReactionTracker emits lifecycle reactions idempotently. The LRU keeps
// per-message state bounded; a terminal reaction clears the entry.
type ReactionTracker struct {
	reactor Reactor
	seen    *lru.Cache[string, string]
	logger  *slog.Logger
}

// NewReactionTracker creates a tracker holding state for up to size
// in-flight messages.
func NewReactionTracker(reactor Reactor, size int, logger *slog.Logger) (*ReactionTracker, error) {
	cache, err := lru.New[string, string](size)
	if err != nil {
		return nil, err
	}
	return &ReactionTracker{
		reactor: reactor,
		seen:    cache,
		logger:  logger.With("component", "reactions"),
	}, nil
}

// React emits emoji for the composite thread id "chat_id:message_id".
// Repeats of the current reaction are suppressed. Terminal reactions
// (done, failure) clear the tracked state. Reaction failures are logged,
// never propagated: reactions are cosmetic.
func (t *ReactionTracker) React(ctx context.Context, thread, emoji string) {
	chatID, messageID, ok := ParseTelegramThread(thread)
	if !ok {
		return
	}
	if current, found := t.seen.Get(thread); found && current == emoji {
		return
	}

	if err := t.reactor.React(ctx, chatID, messageID, emoji); err != nil {
		t.logger.Warn("reaction delivery failed",
			"thread", thread, "emoji", emoji, "error", err)
		return
	}

	if emoji == ReactionDone || emoji == ReactionFailure {
		t.seen.Remove(thread)
	} else {
		t.seen.Add(thread, emoji)
	}
}

// ParseTelegramThread splits the composite "chat_id:message_id" thread
// identity. ok is false for non-Telegram thread shapes.
func ParseTelegramThread(thread string) (chatID, messageID int64, ok bool) {
	parts := strings.SplitN(thread, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	chatID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	messageID, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return chatID, messageID, true
}
