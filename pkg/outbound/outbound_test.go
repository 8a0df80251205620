package outbound

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/butlerfleet/butlerd/pkg/breaker"
	"github.com/butlerfleet/butlerd/pkg/config"
	"github.com/butlerfleet/butlerd/pkg/models"
	"github.com/butlerfleet/butlerd/pkg/ratelimit"
)

type fakeConnector struct {
	delivered []Message
	err       error
}

func (c *fakeConnector) Deliver(_ context.Context, msg Message) error {
	if c.err != nil {
		return c.err
	}
	c.delivered = append(c.delivered, msg)
	return nil
}

func newDispatcher(conn Connector) (*Dispatcher, *ratelimit.Limiter, *breaker.Set) {
	limiter := ratelimit.New(config.DefaultLimitsConfig(), nil)
	breakers := breaker.NewSet(config.DefaultBreakerConfig(), nil)
	d := NewDispatcher(map[models.Channel]Connector{models.ChannelTelegram: conn},
		limiter, breakers, slog.Default())
	return d, limiter, breakers
}

func telegramMsg() Message {
	return Message{
		Channel:          models.ChannelTelegram,
		EndpointIdentity: "bot-1",
		Recipient:        "user-7",
		Text:             "table booked",
		Reply:            true,
	}
}

func TestSendDeliversAndReleases(t *testing.T) {
	conn := &fakeConnector{}
	d, limiter, _ := newDispatcher(conn)

	require.NoError(t, d.Send(context.Background(), telegramMsg()))
	require.Len(t, conn.delivered, 1)
	assert.Equal(t, "table booked", conn.delivered[0].Text)
	assert.Zero(t, limiter.InFlight(), "in-flight slot returned after delivery")
}

func TestSendRejectsUnknownChannel(t *testing.T) {
	d, _, _ := newDispatcher(&fakeConnector{})

	msg := telegramMsg()
	msg.Channel = models.ChannelEmail
	err := d.Send(context.Background(), msg)
	require.Error(t, err)
	assert.Equal(t, models.ErrClassValidation, models.ClassOf(err))
}

func TestSendSurfacesAdmissionRejection(t *testing.T) {
	conn := &fakeConnector{}
	cfg := config.DefaultLimitsConfig()
	cfg.GlobalInFlight = 0
	limiter := ratelimit.New(cfg, nil)
	d := NewDispatcher(map[models.Channel]Connector{models.ChannelTelegram: conn},
		limiter, breaker.NewSet(config.DefaultBreakerConfig(), nil), slog.Default())

	err := d.Send(context.Background(), telegramMsg())
	require.Error(t, err)
	assert.Equal(t, models.ErrClassOverloadRejected, models.ClassOf(err))
	assert.Empty(t, conn.delivered)
}

func TestSendRecordsProviderThrottle(t *testing.T) {
	conn := &fakeConnector{err: &models.Fault{
		Class:      models.ErrClassOverloadRejected,
		Message:    "telegram flood control",
		RetryAfter: 30 * time.Second,
	}}
	d, limiter, _ := newDispatcher(conn)

	err := d.Send(context.Background(), telegramMsg())
	require.Error(t, err)

	// The recorded throttle now rejects before the connector is reached.
	err = d.Send(context.Background(), telegramMsg())
	require.Error(t, err)
	assert.Equal(t, models.ErrClassTargetUnavailable, models.ClassOf(err))
	assert.Zero(t, limiter.InFlight())
}

func TestRepeatedFailuresOpenTheBreaker(t *testing.T) {
	conn := &fakeConnector{err: models.NewFault(models.ErrClassInternal, "connector crashed")}
	d, _, breakers := newDispatcher(conn)

	threshold := config.DefaultBreakerConfig().FailureThreshold
	for i := 0; i < threshold; i++ {
		require.Error(t, d.Send(context.Background(), telegramMsg()))
	}

	err := d.Send(context.Background(), telegramMsg())
	var open *breaker.CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, string(models.ChannelTelegram), open.Provider)

	statuses := breakers.Statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, breaker.StateOpen, statuses[0].State)
}
