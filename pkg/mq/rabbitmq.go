package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

const (
	ExportsExchange = "exports.exchange"
	ExportsQueue    = "exports.queue"
	RoutingKey      = "export.run"
	DLXExchange     = "exports.dlx"
	DeadLetterQueue = "exports.dead_letter.queue"
)

func New(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	return &Client{conn: conn, ch: ch}, nil
}

// SetupTopology declares all necessary exchanges and queues. Idempotent.
func (c *Client) SetupTopology() error {
	// Main exchange for export runs
	if err := c.ch.ExchangeDeclare(ExportsExchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	// Dead-letter exchange for messages a worker rejects
	if err := c.ch.ExchangeDeclare(DLXExchange, "fanout", true, false, false, false, nil); err != nil {
		return err
	}

	if _, err := c.ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return err
	}
	if err := c.ch.QueueBind(DeadLetterQueue, "", DLXExchange, false, nil); err != nil {
		return err
	}

	_, err := c.ch.QueueDeclare(ExportsQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": DLXExchange,
	})
	if err != nil {
		return err
	}
	return c.ch.QueueBind(ExportsQueue, RoutingKey, ExportsExchange, false, nil)
}

// PublishJob publishes an export job id for a worker to run.
func (c *Client) PublishJob(ctx context.Context, exchange, routingKey, jobID string) error {
	return c.ch.PublishWithContext(ctx,
		exchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "text/plain",
			DeliveryMode: amqp.Persistent,
			Body:         []byte(jobID),
		})
}

// ConsumeJobs starts a manual-ack consumer with at most prefetch unacked deliveries.
func (c *Client) ConsumeJobs(prefetch int) (<-chan amqp.Delivery, error) {
	if prefetch > 0 {
		if err := c.ch.Qos(prefetch, 0, false); err != nil {
			return nil, fmt.Errorf("failed to set qos: %w", err)
		}
	}
	return c.ch.Consume(
		ExportsQueue,
		"",    // consumer
		false, // auto-ack is false. We will manually ack.
		false,
		false,
		false,
		nil,
	)
}

func (c *Client) Close() {
	c.ch.Close()
	c.conn.Close()
}
