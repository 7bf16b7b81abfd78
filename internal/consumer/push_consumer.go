package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/models"
	"github.com/CyberwizD/Distributed-Notification-System/services/apns_service/internal/services"
	"github.com/streadway/amqp"
)

// EnvelopeProcessor handles one decoded envelope.
type EnvelopeProcessor interface {
	Process(ctx context.Context, envelope *models.MessageEnvelope) ([]models.PushResult, error)
}

// Acknowledger settles a delivery. amqp.Delivery satisfies it.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
	Reject(requeue bool) error
}

type PushConsumer struct {
	base          *BaseConsumer
	processor     EnvelopeProcessor
	status        *services.StatusUpdater
	logger        *slog.Logger
	maxDeliveries int
}

// NewPushConsumer builds a consumer. status may be nil when no status store is
// configured.
func NewPushConsumer(base *BaseConsumer, processor EnvelopeProcessor, status *services.StatusUpdater, logger *slog.Logger, maxDeliveries int) *PushConsumer {
	if maxDeliveries <= 0 {
		maxDeliveries = 5
	}
	return &PushConsumer{
		base:          base,
		processor:     processor,
		status:        status,
		logger:        logger,
		maxDeliveries: maxDeliveries,
	}
}

func (p *PushConsumer) Start(ctx context.Context) error {
	return p.base.Start(ctx, p.handleDelivery)
}

func (p *PushConsumer) handleDelivery(ctx context.Context, msg amqp.Delivery) error {
	return p.settle(ctx, msg.Body, deliveryAttempts(&msg), msg)
}

// settle processes body, records the request status and acks, requeues or
// dead-letters the delivery. Only failures where nothing reached the gateway
// are requeued; those keep the processing status until the last attempt.
func (p *PushConsumer) settle(ctx context.Context, body []byte, attempts int, ack Acknowledger) error {
	var envelope models.MessageEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		p.logger.Error("failed to unmarshal envelope", slog.Any("error", err))
		_ = ack.Reject(false)
		return err
	}

	p.status.MarkProcessing(ctx, envelope.RequestID)
	results, err := p.processor.Process(ctx, &envelope)
	switch {
	case err == nil:
		p.status.RecordResults(ctx, envelope.RequestID, results)
		return ack.Ack(false)
	case errors.Is(err, services.ErrNoTokens):
		p.logger.Info("envelope has no deliverable tokens", slog.String("request_id", envelope.RequestID))
		p.status.MarkFailed(ctx, envelope.RequestID, err.Error())
		return ack.Ack(false)
	case services.IsRetryable(err) && attempts < p.maxDeliveries:
		p.logger.Warn("processing failed, message requeued", slog.String("request_id", envelope.RequestID), slog.Any("error", err))
		_ = ack.Nack(false, true)
		return err
	case services.IsRetryable(err):
		p.logger.Error("processing failed, message dead-lettered", slog.String("request_id", envelope.RequestID), slog.Any("error", err))
		p.status.MarkFailed(ctx, envelope.RequestID, err.Error())
		_ = ack.Nack(false, false)
		return err
	default:
		// Part of the batch reached the gateway; redelivery would duplicate it.
		p.logger.Error("processing incomplete", slog.String("request_id", envelope.RequestID), slog.Any("error", err))
		if len(results) > 0 {
			p.status.RecordResults(ctx, envelope.RequestID, results)
		} else {
			p.status.MarkFailed(ctx, envelope.RequestID, err.Error())
		}
		_ = ack.Ack(false)
		return err
	}
}

func deliveryAttempts(msg *amqp.Delivery) int {
	if msg.Headers == nil {
		if msg.Redelivered {
			return 1
		}
		return 0
	}
	if raw, ok := msg.Headers["x-death"]; ok {
		if deaths, ok := raw.([]interface{}); ok && len(deaths) > 0 {
			if table, ok := deaths[0].(amqp.Table); ok {
				if count, ok := table["count"].(int64); ok {
					return int(count)
				}
			}
		}
	}
	if msg.Redelivered {
		return 1
	}
	return 0
}
