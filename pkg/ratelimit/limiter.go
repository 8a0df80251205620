// Package ratelimit implements three-layer token-bucket admission control
// with reply priority and provider-throttle honoring.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"github.com/butlerfleet/butlerd/pkg/config"
	"github.com/butlerfleet/butlerd/pkg/metrics"
	"github.com/butlerfleet/butlerd/pkg/models"
)

// Intent distinguishes replies (discounted cost) from other sends.
type Intent string

// Admission intents.
const (
	IntentSend  Intent = "send"
	IntentReply Intent = "reply"
)

// LimitType names the layer that rejected an admission.
type LimitType string

// Limit layers, in check order.
const (
	LimitProvider       LimitType = "provider"
	LimitGlobalInFlight LimitType = "global_in_flight"
	LimitGlobal         LimitType = "global"
	LimitChannel        LimitType = "channel"
	LimitRecipient      LimitType = "recipient"
)

// Request describes one delivery asking for admission.
type Request struct {
	Channel       models.Channel
	IdentityScope string // channel endpoint identity, keys the channel bucket
	Recipient     string
	Intent        Intent
}

// Result is the admission outcome.
type Result struct {
	Admitted     bool
	ErrorClass   models.ErrorClass // overload_rejected or target_unavailable
	ErrorMessage string
	RetryAfter   time.Duration
	LimitType    LimitType
}

// Limiter serializes admission across all layers under one mutex; tokens
// are consumed atomically across layers via borrow-then-refund.
type Limiter struct {
	cfg     *config.LimitsConfig
	metrics *metrics.Metrics
	now     func() time.Time

	mu         sync.Mutex
	inFlight   int
	global     *bucket
	channels   map[string]*bucket // keyed by channel.identity_scope
	recipients map[string]*bucket
	throttles  map[models.Channel]throttle
}

type throttle struct {
	until  time.Time
	reason string
}

// New creates a limiter from config.
func New(cfg *config.LimitsConfig, m *metrics.Metrics) *Limiter {
	if m == nil {
		m = metrics.NewNop()
	}
	now := time.Now()
	return &Limiter{
		cfg:        cfg,
		metrics:    m,
		now:        time.Now,
		global:     newBucket(cfg.GlobalPerMinute, cfg.GlobalPerMinute/60, now),
		channels:   make(map[string]*bucket),
		recipients: make(map[string]*bucket),
		throttles:  make(map[models.Channel]throttle),
	}
}

// cost returns the token price of the request. Replies are discounted by
// the reply priority multiplier (cost = 1/multiplier).
func (l *Limiter) cost(intent Intent) float64 {
	if intent == IntentReply {
		return 1 / l.cfg.ReplyPriorityMultiplier
	}
	return 1.0
}

// Admit checks every layer in order. Tokens consumed from earlier layers
// are refunded when a later layer rejects (two-phase admission).
func (l *Limiter) Admit(req Request) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	// 1. Provider throttle (Retry-After recorded for this channel).
	if th, ok := l.throttles[req.Channel]; ok {
		if remaining := th.until.Sub(now); remaining > 0 {
			return l.reject(LimitProvider, models.ErrClassTargetUnavailable,
				fmt.Sprintf("provider throttled: %s", th.reason), remaining)
		}
		delete(l.throttles, req.Channel)
	}

	// 2. Global in-flight counter.
	if l.inFlight >= l.cfg.GlobalInFlight {
		return l.reject(LimitGlobalInFlight, models.ErrClassOverloadRejected,
			"global in-flight limit reached", time.Second)
	}

	cost := l.cost(req.Intent)

	// 3. Global per-minute bucket.
	if !l.global.consume(cost, now) {
		return l.reject(LimitGlobal, models.ErrClassOverloadRejected,
			"global rate limit exceeded", l.global.timeUntilAvailable(cost, now))
	}

	// 4. Channel+identity per-minute bucket.
	chKey := string(req.Channel) + "." + req.IdentityScope
	ch := l.channelBucket(chKey, now)
	if !ch.consume(cost, now) {
		l.global.refund(cost)
		return l.reject(LimitChannel, models.ErrClassOverloadRejected,
			fmt.Sprintf("channel rate limit exceeded for %s", chKey),
			ch.timeUntilAvailable(cost, now))
	}

	// 5. Per-recipient anti-flood bucket.
	if req.Recipient != "" {
		rc := l.recipientBucket(req.Recipient, now)
		if !rc.consume(cost, now) {
			ch.refund(cost)
			l.global.refund(cost)
			return l.reject(LimitRecipient, models.ErrClassOverloadRejected,
				fmt.Sprintf("recipient anti-flood limit exceeded for %s", req.Recipient),
				rc.timeUntilAvailable(cost, now))
		}
	}

	l.inFlight++
	l.metrics.AdmissionAdmitted.Inc()
	return Result{Admitted: true}
}

// Release decrements the in-flight counter after delivery completes.
// Bucket tokens are not returned; they were the price of admission.
func (l *Limiter) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inFlight > 0 {
		l.inFlight--
	}
}

// RecordProviderThrottle honors a Retry-After from the channel provider.
func (l *Limiter) RecordProviderThrottle(channel models.Channel, retryAfter time.Duration, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.throttles[channel] = throttle{until: l.now().Add(retryAfter), reason: reason}
}

// ClearProviderThrottle removes a recorded throttle (manual or
// success-driven clearing).
func (l *Limiter) ClearProviderThrottle(channel models.Channel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.throttles, channel)
}

// InFlight returns the current in-flight admission count.
func (l *Limiter) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inFlight
}

func (l *Limiter) reject(limit LimitType, class models.ErrorClass, msg string, retryAfter time.Duration) Result {
	l.metrics.AdmissionRejected.WithLabelValues(string(limit)).Inc()
	if retryAfter < 0 {
		retryAfter = 0
	}
	return Result{
		ErrorClass:   class,
		ErrorMessage: msg,
		RetryAfter:   retryAfter,
		LimitType:    limit,
	}
}

func (l *Limiter) channelBucket(key string, now time.Time) *bucket {
	b, ok := l.channels[key]
	if !ok {
		b = newBucket(l.cfg.ChannelPerMinute, l.cfg.ChannelPerMinute/60, now)
		l.channels[key] = b
	}
	return b
}

func (l *Limiter) recipientBucket(key string, now time.Time) *bucket {
	b, ok := l.recipients[key]
	if !ok {
		b = newBucket(l.cfg.RecipientPerMinute, l.cfg.RecipientPerMinute/60, now)
		l.recipients[key] = b
	}
	return b
}
