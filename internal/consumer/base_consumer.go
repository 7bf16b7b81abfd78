package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/streadway/amqp"
)

// DeliveryHandler processes one queue delivery and settles it (ack/nack).
type DeliveryHandler func(context.Context, amqp.Delivery) error

// QueueConfig names the queue topology the consumer declares.
type QueueConfig struct {
	Exchange   string
	Queue      string
	RoutingKey string
	DeadLetter string
	Prefetch   int
	Workers    int
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Exchange == "" {
		c.Exchange = "notifications.direct"
	}
	if c.RoutingKey == "" {
		c.RoutingKey = "push"
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 50
	}
	if c.Workers <= 0 {
		c.Workers = 5
	}
	return c
}

// BaseConsumer wires RabbitMQ connectivity, queue declaration and worker handling.
type BaseConsumer struct {
	conn   *amqp.Connection
	cfg    QueueConfig
	logger *slog.Logger
}

func NewBaseConsumer(conn *amqp.Connection, cfg QueueConfig, logger *slog.Logger) *BaseConsumer {
	return &BaseConsumer{
		conn:   conn,
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

// Start consumes until ctx is cancelled or the broker closes the delivery
// channel. Each worker handles one delivery at a time, so a single batch is
// never pushed concurrently with itself.
func (c *BaseConsumer) Start(ctx context.Context, handler DeliveryHandler) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := c.setupQueue(ch); err != nil {
		return fmt.Errorf("queue setup failed: %w", err)
	}

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos configuration failed: %w", err)
	}

	deliveries, err := ch.Consume(
		c.cfg.Queue,
		"",
		false, // autoAck
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			log := c.logger.With(slog.Int("worker", id))
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-deliveries:
					if !ok {
						log.Warn("delivery channel closed")
						return
					}
					if err := handler(ctx, msg); err != nil {
						log.Error("handler returned error", slog.Any("error", err))
					}
				}
			}
		}(i)
	}

	wg.Wait()
	return ctx.Err()
}

func (c *BaseConsumer) setupQueue(ch *amqp.Channel) error {
	args := amqp.Table{}
	if c.cfg.DeadLetter != "" {
		args["x-dead-letter-exchange"] = ""
		args["x-dead-letter-routing-key"] = c.cfg.DeadLetter
	}

	if err := ch.ExchangeDeclare(
		c.cfg.Exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(
		c.cfg.Queue,
		true,
		false,
		false,
		false,
		args,
	); err != nil {
		return err
	}

	if err := ch.QueueBind(
		c.cfg.Queue,
		c.cfg.RoutingKey,
		c.cfg.Exchange,
		false,
		nil,
	); err != nil {
		return err
	}

	if c.cfg.DeadLetter != "" {
		if _, err := ch.QueueDeclare(
			c.cfg.DeadLetter,
			true,
			false,
			false,
			false,
			nil,
		); err != nil {
			return err
		}
	}
	return nil
}
