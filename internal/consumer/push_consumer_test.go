package consumer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/apns"
	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/models"
	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/services"
)

type stubProcessor struct {
	results []models.PushResult
	err     error
	calls   int
}

func (s *stubProcessor) Process(context.Context, *models.MessageEnvelope) ([]models.PushResult, error) {
	s.calls++
	return s.results, s.err
}

type statusUpdate struct {
	requestID string
	status    string
	detail    string
}

// recordingStore keeps every status write in order.
type recordingStore struct {
	updates []statusUpdate
}

func (r *recordingStore) UpdateStatus(_ context.Context, requestID, status, _, detail string) error {
	r.updates = append(r.updates, statusUpdate{requestID: requestID, status: status, detail: detail})
	return nil
}

func (r *recordingStore) statuses() []string {
	out := make([]string, 0, len(r.updates))
	for _, u := range r.updates {
		out = append(out, u.status)
	}
	return out
}

// recordingAck remembers how a delivery was settled.
type recordingAck struct {
	outcome string
}

func (a *recordingAck) Ack(bool) error {
	a.outcome = "ack"
	return nil
}

func (a *recordingAck) Nack(_, requeue bool) error {
	if requeue {
		a.outcome = "requeue"
	} else {
		a.outcome = "dead-letter"
	}
	return nil
}

func (a *recordingAck) Reject(bool) error {
	a.outcome = "reject"
	return nil
}

func newTestConsumer(results []models.PushResult, err error) (*PushConsumer, *stubProcessor, *recordingStore) {
	proc := &stubProcessor{results: results, err: err}
	store := &recordingStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewPushConsumer(nil, proc, services.NewStatusUpdater(store, logger), logger, 3), proc, store
}

const validBody = `{"request_id":"r1","channel":"push","user":{"push_tokens":[{"token":"t","platform":"ios"}]}}`

func TestSettle(t *testing.T) {
	retryable := &services.RetryableError{Err: errors.New("gateway unreachable")}

	delivered := []models.PushResult{{Token: "t", Status: models.ResultDelivered}}
	partial := []models.PushResult{
		{Token: "a", Status: models.ResultDelivered},
		{Token: "b", Status: models.ResultFailed, Reason: apns.ReasonUnanswered},
	}

	tests := []struct {
		name         string
		results      []models.PushResult
		err          error
		attempts     int
		want         string
		wantStatuses []string
	}{
		{"success", delivered, nil, 0, "ack", []string{services.StatusProcessing, services.StatusDelivered}},
		{"no tokens", nil, services.ErrNoTokens, 0, "ack", []string{services.StatusProcessing, services.StatusFailed}},
		{"retryable under limit", nil, retryable, 1, "requeue", []string{services.StatusProcessing}},
		{"retryable at limit", nil, retryable, 3, "dead-letter", []string{services.StatusProcessing, services.StatusFailed}},
		{"partial delivery", partial, errors.New("group 1: closed"), 0, "ack", []string{services.StatusProcessing, services.StatusDelivered}},
		{"incomplete without results", nil, errors.New("unexpected channel sms"), 0, "ack", []string{services.StatusProcessing, services.StatusFailed}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, proc, store := newTestConsumer(tt.results, tt.err)
			ack := &recordingAck{}

			err := c.settle(context.Background(), []byte(validBody), tt.attempts, ack)
			assert.Equal(t, tt.want, ack.outcome)
			assert.Equal(t, 1, proc.calls)
			assert.Equal(t, tt.wantStatuses, store.statuses())
			for _, u := range store.updates {
				assert.Equal(t, "r1", u.requestID)
			}
			if tt.err == nil || errors.Is(tt.err, services.ErrNoTokens) {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSettle_MalformedBodyIsRejected(t *testing.T) {
	c, proc, store := newTestConsumer(nil, nil)
	ack := &recordingAck{}

	err := c.settle(context.Background(), []byte("{not json"), 0, ack)
	assert.Error(t, err)
	assert.Equal(t, "reject", ack.outcome)
	assert.Zero(t, proc.calls)
	assert.Empty(t, store.updates)
}

func TestSettle_RecordsGatewayReasons(t *testing.T) {
	results := []models.PushResult{
		{Token: "a", Status: models.ResultFailed, Reason: models.ReasonBadDeviceToken},
		{Token: "b", Status: models.ResultFailed, Reason: models.ReasonUnregistered},
	}
	c, _, store := newTestConsumer(results, nil)

	require.NoError(t, c.settle(context.Background(), []byte(validBody), 0, &recordingAck{}))
	require.Len(t, store.updates, 2)
	final := store.updates[1]
	assert.Equal(t, services.StatusFailed, final.status)
	assert.Equal(t, "BadDeviceToken x1, Unregistered x1", final.detail)
}

func TestSettle_WithoutStatusStore(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewPushConsumer(nil, &stubProcessor{}, nil, logger, 3)
	ack := &recordingAck{}

	assert.NoError(t, c.settle(context.Background(), []byte(validBody), 0, ack))
	assert.Equal(t, "ack", ack.outcome)
}

func TestDeliveryAttempts(t *testing.T) {
	assert.Equal(t, 0, deliveryAttempts(&amqp.Delivery{}))
	assert.Equal(t, 1, deliveryAttempts(&amqp.Delivery{Redelivered: true}))

	death := amqp.Delivery{Headers: amqp.Table{
		"x-death": []interface{}{amqp.Table{"count": int64(4)}},
	}}
	assert.Equal(t, 4, deliveryAttempts(&death))
}

func TestQueueConfigDefaults(t *testing.T) {
	cfg := QueueConfig{Queue: "push.queue"}.withDefaults()
	assert.Equal(t, "notifications.direct", cfg.Exchange)
	assert.Equal(t, "push", cfg.RoutingKey)
	assert.Equal(t, 50, cfg.Prefetch)
	assert.Equal(t, 5, cfg.Workers)
}
