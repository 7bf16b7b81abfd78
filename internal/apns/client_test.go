package apns

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/models"
	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/pkg/metrics"
	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/pkg/retry"
)

// refusingChannel never connects.
type refusingChannel struct{}

func (refusingChannel) Connect(context.Context) error   { return errors.New("connection refused") }
func (refusingChannel) Read([]byte) (int, error)        { return 0, errors.New("not connected") }
func (refusingChannel) Write([]byte) (int, error)       { return 0, errors.New("not connected") }
func (refusingChannel) Flush() error                    { return nil }
func (refusingChannel) SetReadDeadline(time.Time) error { return nil }
func (refusingChannel) Close() error                    { return nil }
func (refusingChannel) Closed() bool                    { return true }

// refuseOnDial returns a factory whose listed dial attempts (1-based) fail.
func refuseOnDial(attempts ...int32) (ChannelFactory, *atomic.Int32) {
	var calls atomic.Int32
	return func(ep Endpoint, cred *Credential, cfg *tls.Config) SecureChannel {
		n := calls.Add(1)
		for _, a := range attempts {
			if a == n {
				return refusingChannel{}
			}
		}
		return NewChannel(ep, cred, cfg)
	}, &calls
}

func counterValue(t *testing.T, m *metrics.Metrics, name string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func newTestClient(ep Endpoint, opts ...ClientOption) *Client {
	opts = append([]ClientOption{WithPollInterval(5 * time.Millisecond)}, opts...)
	return NewClient(ep, nil, discardLogger(), opts...)
}

func TestEnqueue_SplitsIntoGroupsPerConnection(t *testing.T) {
	g := newTestGateway(t, map[string]reply{
		"t10":   {status: http.StatusBadRequest, reason: models.ReasonBadDeviceToken},
		"t600":  {status: http.StatusGone, reason: models.ReasonUnregistered},
		"t1100": {status: http.StatusBadRequest, reason: models.ReasonDeviceTokenNotForTopic},
	})
	ns := testNotifications(t, tokenRange("t", 1200)...)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	failed, err := newTestClient(g.endpoint(), WithGroupSize(500)).Enqueue(ctx, ns)
	require.NoError(t, err)

	assert.Equal(t, int32(3), g.accepted.Load())
	assert.Equal(t, []int{500, 500, 200}, g.requestsPerConnection())
	assert.Equal(t, []string{"t10", "t600", "t1100"}, tokensOf(failed))

	sent := 0
	for _, n := range ns {
		if n.Sent() {
			sent++
		}
	}
	assert.Equal(t, 1197, sent)
}

func TestEnqueue_ConnectionFailureSkipsOnlyThatGroup(t *testing.T) {
	g := newTestGateway(t, nil)
	factory, calls := refuseOnDial(2)
	m := metrics.New()
	ns := testNotifications(t, tokenRange("t", 30)...)

	client := newTestClient(g.endpoint(),
		WithGroupSize(10),
		WithMetrics(m),
		WithSessionOptions(WithChannelFactory(factory)),
	)
	failed, err := client.Enqueue(context.Background(), ns)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConnection)
	var connErr *ConnectionError
	assert.ErrorAs(t, err, &connErr)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int32(2), g.accepted.Load())
	require.Len(t, failed, 10)
	for i, n := range failed {
		assert.Same(t, ns[10+i], n)
		assert.Equal(t, ReasonConnectionFailed, n.ErrorMessage)
		assert.False(t, n.Sent())
	}
	for _, n := range append(ns[:10:10], ns[20:]...) {
		assert.True(t, n.Sent(), n.Token)
	}

	assert.Equal(t, float64(1), counterValue(t, m, "apns_connection_errors_total"))
	assert.Equal(t, float64(20), counterValue(t, m, "apns_notifications_delivered_total"))
}

func TestEnqueue_RetriesConnect(t *testing.T) {
	g := newTestGateway(t, nil)
	factory, calls := refuseOnDial(1)
	ns := testNotifications(t, "a", "b")

	client := newTestClient(g.endpoint(),
		WithConnectRetry(retry.Config{MaxAttempts: 3, InitialBackoff: time.Millisecond}),
		WithSessionOptions(WithChannelFactory(factory)),
	)
	failed, err := client.Enqueue(context.Background(), ns)
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.Equal(t, int32(2), calls.Load())
	assert.True(t, ns[0].Sent())
	assert.True(t, ns[1].Sent())
}

func TestEnqueue_ReportUnansweredOption(t *testing.T) {
	g := newTestGateway(t, map[string]reply{"stuck": {hang: true}})
	ns := testNotifications(t, "a", "stuck")

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	failed, err := newTestClient(g.endpoint(), WithReportUnanswered(false)).Enqueue(ctx, ns)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, failed)
	assert.True(t, ns[0].Sent())
}

func TestEnqueue_EmptyInputOpensNothing(t *testing.T) {
	g := newTestGateway(t, nil)
	failed, err := newTestClient(g.endpoint()).Enqueue(context.Background(), nil)
	assert.NoError(t, err)
	assert.Empty(t, failed)
	assert.Equal(t, int32(0), g.accepted.Load())
}

func TestEnqueue_CancelledContextStopsBeforeConnecting(t *testing.T) {
	g := newTestGateway(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	failed, err := newTestClient(g.endpoint()).Enqueue(ctx, testNotifications(t, "a"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, failed)
	assert.Equal(t, int32(0), g.accepted.Load())
}
