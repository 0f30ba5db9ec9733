// internal/analytics/publisher.go
package analytics

import (
	"encoding/json"
	"fmt"
	"log"

	"github.com/streadway/amqp"

	"tenant-gateway/internal/metrics"
	"tenant-gateway/internal/model"
)

const (
	QueueName = "gateway_analytics"
	dlqName   = "gateway_analytics_dlq"
)

// Publisher ships request events onto the durable analytics queue. Publish is
// fire-and-forget from the request path: a broker failure is logged and the
// request is unaffected.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	URL     string
}

func NewPublisher(url string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	p := &Publisher{conn: conn, channel: ch, URL: url}
	if err := p.declareQueues(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Publisher) declareQueues() error {
	_, err := p.channel.QueueDeclare(
		dlqName,
		true, false, false, false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("declare DLQ: %w", err)
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dlqName,
	}
	_, err = p.channel.QueueDeclare(
		QueueName,
		true, false, false, false,
		args,
	)
	if err != nil {
		return fmt.Errorf("declare analytics queue: %w", err)
	}
	return nil
}

// GetConnection exposes the connection for consumers sharing the dial.
func (p *Publisher) GetConnection() *amqp.Connection {
	return p.conn
}

// Publish sends one request event to the analytics queue.
func (p *Publisher) Publish(e *model.RequestEvent) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	err = p.channel.Publish(
		"",        // default exchange
		QueueName, // routing key (queue name)
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish analytics event: %w", err)
	}
	return nil
}

// UpdateQueueDepth refreshes the queue depth gauge.
func (p *Publisher) UpdateQueueDepth() {
	q, err := p.channel.QueueInspect(QueueName)
	if err != nil {
		log.Printf("[Analytics] Failed to inspect queue: %v", err)
		return
	}
	metrics.AnalyticsQueueDepth.Set(float64(q.Messages))
}

// Close cleans up connection and channel
func (p *Publisher) Close() error {
	if err := p.channel.Close(); err != nil {
		return err
	}
	return p.conn.Close()
}
