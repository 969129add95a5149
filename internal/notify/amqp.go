package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/hearthhq/hearth/internal/metrics"
)

// DefaultQueue is the durable queue revalidate messages are published to.
const DefaultQueue = "booking.revalidate"

// AMQPPublisher publishes revalidate messages to a durable RabbitMQ queue.
// The connection is opened lazily and reopened after a failed publish.
type AMQPPublisher struct {
	url    string
	queue  string
	logger *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
	wg   sync.WaitGroup
}

// NewAMQPPublisher creates a publisher for queue on the broker at url.
func NewAMQPPublisher(url, queue string, logger *slog.Logger) *AMQPPublisher {
	if queue == "" {
		queue = DefaultQueue
	}
	return &AMQPPublisher{url: url, queue: queue, logger: logger}
}

// Revalidate publishes the notification in the background.
func (p *AMQPPublisher) Revalidate(ctx context.Context, bookingID string) {
	msg := newMessage(bookingID)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := p.Publish(ctx, msg); err != nil {
			metrics.NotificationsTotal.WithLabelValues("amqp", "error").Inc()
			p.logger.Warn("revalidate publish failed", "bookingId", bookingID, "queue", p.queue, "error", err)
			return
		}
		metrics.NotificationsTotal.WithLabelValues("amqp", "ok").Inc()
	}()
}

// Publish sends one persistent message.
func (p *AMQPPublisher) Publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connectLocked(); err != nil {
		return err
	}
	err = p.ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key = queue name
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Type:         msg.Type,
			Timestamp:    msg.Timestamp,
			Body:         body,
		},
	)
	if err != nil {
		p.closeLocked()
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

func (p *AMQPPublisher) connectLocked() error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	p.closeLocked()

	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("channel open failed: %w", err)
	}
	// Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(p.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("queue declare failed: %w", err)
	}
	p.conn, p.ch = conn, ch
	return nil
}

func (p *AMQPPublisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Close waits for in-flight publishes and closes the connection.
func (p *AMQPPublisher) Close() error {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}
