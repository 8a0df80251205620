// Package outbound delivers butler replies and notifications to channel
// connectors. Every delivery passes the rate limiter first and runs under
// the channel's circuit breaker; provider throttles feed back into the
// limiter.
package outbound

import (
	"context"
	"log/slog"

	"github.com/butlerfleet/butlerd/pkg/breaker"
	"github.com/butlerfleet/butlerd/pkg/models"
	"github.com/butlerfleet/butlerd/pkg/ratelimit"
)

// Message is one delivery to a channel endpoint.
type Message struct {
	Channel          models.Channel
	EndpointIdentity string // keys the channel rate bucket
	Recipient        string
	Thread           string
	Text             string
	Reply            bool // replies get the discounted admission cost
}

// Connector pushes a message out on one channel. Implementations live
// with the channel integrations; tests use fakes.
type Connector interface {
	Deliver(ctx context.Context, msg Message) error
}

// Dispatcher is the gated send path.
type Dispatcher struct {
	connectors map[models.Channel]Connector
	limiter    *ratelimit.Limiter
	breakers   *breaker.Set
	logger     *slog.Logger
}

func NewDispatcher(connectors map[models.Channel]Connector, limiter *ratelimit.Limiter, breakers *breaker.Set, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		connectors: connectors,
		limiter:    limiter,
		breakers:   breakers,
		logger:     logger.With("component", "outbound"),
	}
}

// Send admits, then delivers under the channel breaker. Rejections and
// open circuits come back as classified faults with advisory backoff.
func (d *Dispatcher) Send(ctx context.Context, msg Message) error {
	conn, ok := d.connectors[msg.Channel]
	if !ok {
		return models.NewFault(models.ErrClassValidation, "no connector for channel %s", msg.Channel)
	}

	intent := ratelimit.IntentSend
	if msg.Reply {
		intent = ratelimit.IntentReply
	}
	admission := d.limiter.Admit(ratelimit.Request{
		Channel:       msg.Channel,
		IdentityScope: msg.EndpointIdentity,
		Recipient:     msg.Recipient,
		Intent:        intent,
	})
	if !admission.Admitted {
		return &models.Fault{
			Class:      admission.ErrorClass,
			Message:    admission.ErrorMessage,
			RetryAfter: admission.RetryAfter,
		}
	}
	defer d.limiter.Release()

	err := d.breakers.For(string(msg.Channel)).Execute(ctx, func(ctx context.Context) error {
		return conn.Deliver(ctx, msg)
	})
	if err != nil {
		d.recordThrottle(msg.Channel, err)
		return err
	}

	d.limiter.ClearProviderThrottle(msg.Channel)
	return nil
}

// recordThrottle honors a provider Retry-After so later admissions back
// off before reaching the connector again.
func (d *Dispatcher) recordThrottle(channel models.Channel, err error) {
	retryAfter := models.RetryAfterOf(err)
	if retryAfter <= 0 {
		return
	}
	switch models.ClassOf(err) {
	case models.ErrClassOverloadRejected, models.ErrClassTargetUnavailable:
		d.limiter.RecordProviderThrottle(channel, retryAfter, err.Error())
		d.logger.Warn("provider throttle recorded",
			"channel", channel, "retry_after", retryAfter)
	}
}
