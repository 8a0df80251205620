package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerfleet/butlerd/pkg/config"
	"github.com/butlerfleet/butlerd/pkg/models"
)

func testLimiter(cfg *config.LimitsConfig) (*Limiter, *time.Time) {
	l := New(cfg, nil)
	now := time.Now()
	l.now = func() time.Time { return now }
	// Rebuild buckets against the frozen clock so refill math is exact.
	l.global = newBucket(cfg.GlobalPerMinute, cfg.GlobalPerMinute/60, now)
	return l, &now
}

func defaultCfg() *config.LimitsConfig {
	return &config.LimitsConfig{
		GlobalInFlight:          8,
		GlobalPerMinute:         60,
		ChannelPerMinute:        30,
		RecipientPerMinute:      10,
		ReplyPriorityMultiplier: 2.0,
	}
}

func telegramSend() Request {
	return Request{
		Channel:       models.ChannelTelegram,
		IdentityScope: "bot_main",
		Recipient:     "alice",
		Intent:        IntentSend,
	}
}

func TestAdmitAndRelease(t *testing.T) {
	l, _ := testLimiter(defaultCfg())

	res := l.Admit(telegramSend())
	require.True(t, res.Admitted)
	assert.Equal(t, 1, l.InFlight())

	l.Release()
	assert.Equal(t, 0, l.InFlight())
}

func TestInFlightLimit(t *testing.T) {
	cfg := defaultCfg()
	cfg.GlobalInFlight = 2
	l, _ := testLimiter(cfg)

	require.True(t, l.Admit(telegramSend()).Admitted)
	require.True(t, l.Admit(telegramSend()).Admitted)

	res := l.Admit(telegramSend())
	assert.False(t, res.Admitted)
	assert.Equal(t, LimitGlobalInFlight, res.LimitType)
	assert.Equal(t, models.ErrClassOverloadRejected, res.ErrorClass)

	l.Release()
	assert.True(t, l.Admit(telegramSend()).Admitted)
}

func TestReplyPriorityFractionalCost(t *testing.T) {
	// Global capacity 2 tokens, reply multiplier 2.0 → reply costs 0.5.
	cfg := defaultCfg()
	cfg.GlobalPerMinute = 2
	cfg.ChannelPerMinute = 100
	cfg.RecipientPerMinute = 100
	l, _ := testLimiter(cfg)

	send := telegramSend()
	reply := telegramSend()
	reply.Intent = IntentReply

	// Two sends consume the full 2.0 tokens.
	require.True(t, l.Admit(send).Admitted)
	require.True(t, l.Admit(send).Admitted)

	// A reply at cost 0.5 is rejected until refill, with positive backoff.
	res := l.Admit(reply)
	require.False(t, res.Admitted)
	assert.Equal(t, LimitGlobal, res.LimitType)
	assert.Greater(t, res.RetryAfter, time.Duration(0))

	// After enough refill for 0.5 tokens (rate = 2/60 tok/s → 15s), the
	// reply is admitted and consumes exactly 0.5.
	l.nowAdvance(16 * time.Second)
	require.True(t, l.Admit(reply).Admitted)
	assert.InDelta(t, 0.033, l.global.tokens, 0.05)
}

// nowAdvance shifts the limiter's frozen clock in tests.
func (l *Limiter) nowAdvance(d time.Duration) {
	base := l.now()
	l.now = func() time.Time { return base.Add(d) }
}

func TestChannelRejectionRefundsGlobal(t *testing.T) {
	cfg := defaultCfg()
	cfg.GlobalPerMinute = 10
	cfg.ChannelPerMinute = 1
	cfg.RecipientPerMinute = 100
	l, _ := testLimiter(cfg)

	require.True(t, l.Admit(telegramSend()).Admitted)

	before := l.global.tokens
	res := l.Admit(telegramSend())
	require.False(t, res.Admitted)
	assert.Equal(t, LimitChannel, res.LimitType)
	// The global borrow was refunded on channel rejection.
	assert.InDelta(t, before, l.global.tokens, 0.001)
}

func TestRecipientRejectionRefundsEarlierLayers(t *testing.T) {
	cfg := defaultCfg()
	cfg.RecipientPerMinute = 1
	l, _ := testLimiter(cfg)

	require.True(t, l.Admit(telegramSend()).Admitted)

	globalBefore := l.global.tokens
	chBefore := l.channels["telegram.bot_main"].tokens

	res := l.Admit(telegramSend())
	require.False(t, res.Admitted)
	assert.Equal(t, LimitRecipient, res.LimitType)
	assert.InDelta(t, globalBefore, l.global.tokens, 0.001)
	assert.InDelta(t, chBefore, l.channels["telegram.bot_main"].tokens, 0.001)
}

func TestProviderThrottle(t *testing.T) {
	l, _ := testLimiter(defaultCfg())

	l.RecordProviderThrottle(models.ChannelTelegram, 30*time.Second, "429 from API")

	res := l.Admit(telegramSend())
	require.False(t, res.Admitted)
	assert.Equal(t, LimitProvider, res.LimitType)
	assert.Equal(t, models.ErrClassTargetUnavailable, res.ErrorClass)
	assert.Greater(t, res.RetryAfter, 25*time.Second)

	// Other channels are unaffected.
	email := telegramSend()
	email.Channel = models.ChannelEmail
	assert.True(t, l.Admit(email).Admitted)

	l.ClearProviderThrottle(models.ChannelTelegram)
	assert.True(t, l.Admit(telegramSend()).Admitted)
}

func TestProviderThrottleExpires(t *testing.T) {
	l, _ := testLimiter(defaultCfg())
	l.RecordProviderThrottle(models.ChannelTelegram, 10*time.Second, "flood wait")

	l.nowAdvance(11 * time.Second)
	assert.True(t, l.Admit(telegramSend()).Admitted)
}

func TestBucketRefillCapsAtCapacity(t *testing.T) {
	now := time.Now()
	b := newBucket(5, 1, now)
	require.True(t, b.consume(5, now))
	assert.Zero(t, b.tokens)

	// A long idle period refills to capacity, not beyond.
	b.refill(now.Add(time.Hour))
	assert.Equal(t, 5.0, b.tokens)
}

func TestTimeUntilAvailable(t *testing.T) {
	now := time.Now()
	b := newBucket(2, 1, now) // 1 token/s
	require.True(t, b.consume(2, now))

	wait := b.timeUntilAvailable(1, now)
	assert.InDelta(t, float64(time.Second), float64(wait), float64(10*time.Millisecond))
	assert.Zero(t, b.timeUntilAvailable(0.5, now.Add(time.Second)))
}
