package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"meshcall/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.RoomCreated()
	c.RoomCreated()
	c.RoomClosed()
	c.ParticipantJoined()
	c.SignalRelayed(domain.SignalOffer)
	c.SignalRelayed(domain.SignalOffer)
	c.SignalRelayed(domain.SignalAnswer)
	c.SignalDropped("recipient_not_in_room")
	c.ChatRelayed(3)
	c.ConnectionOpened()
	c.ConnectionClosed(2.5)
	c.MessageReceived(domain.EventSignal)
	c.MessageRateLimited()

	assert.Equal(t, 1.0, testutil.ToFloat64(c.roomsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.participantsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.signalsRelayed.WithLabelValues("offer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.signalsDropped.WithLabelValues("recipient_not_in_room")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.connectionsActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.connectionsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.messagesRateLimited))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestPrometheusCollector_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewPrometheusCollector(prometheus.NewRegistry())
		NewPrometheusCollector(prometheus.NewRegistry())
	})
}

type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthChecker_CheckAll(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddPingCheck("users", pingerFunc(func(context.Context) error { return nil }), 0, time.Second)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Checks["users"])
	assert.True(t, h.IsReady(context.Background()))

	h.AddPingCheck("redis", pingerFunc(func(context.Context) error { return errors.New("connection refused") }), 0, time.Second)
	status = h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Equal(t, "connection refused", status.Checks["redis"])
	assert.False(t, h.IsReady(context.Background()))
}

func TestHealthChecker_Timeout(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddPingCheck("slow", pingerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}), 0, 10*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, "unhealthy", status.Status)
	assert.Contains(t, status.Checks["slow"], "deadline")
}
