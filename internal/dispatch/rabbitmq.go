package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitQueue is a durable RabbitMQ work queue. Rejected deliveries are
// dead-lettered to "<queue>.dlq".
type RabbitQueue struct {
	conn   *amqp.Connection
	queue  string
	logger *slog.Logger

	mu  sync.Mutex
	pub *amqp.Channel
}

// NewRabbitQueue dials RabbitMQ and declares the durable task queue with its
// dead-letter queue.
func NewRabbitQueue(url, queue string, logger *slog.Logger) (*RabbitQueue, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	if err := declareQueues(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &RabbitQueue{
		conn:   conn,
		queue:  queue,
		logger: logger.With("component", "rabbitmq", "queue", queue),
		pub:    ch,
	}, nil
}

// DeadLetterQueue returns the name of the dead-letter queue.
func (q *RabbitQueue) DeadLetterQueue() string {
	return q.queue + ".dlq"
}

func declareQueues(ch *amqp.Channel, queue string) error {
	dlq := queue + ".dlq"
	if _, err := ch.QueueDeclare(
		dlq,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return fmt.Errorf("declare %s: %w", dlq, err)
	}

	// Main queue: dead-letter to DLQ on nack(requeue=false)
	if _, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlq,
		},
	); err != nil {
		return fmt.Errorf("declare %s: %w", queue, err)
	}
	return nil
}

// Enqueue publishes t as a persistent message.
func (q *RabbitQueue) Enqueue(ctx context.Context, t Task) error {
	body, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.pub.PublishWithContext(cctx,
		"",      // default exchange
		q.queue, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    t.RunID,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("publish task: %w", err)
	}
	return nil
}

// Consume runs h for deliveries with at most concurrency in flight until ctx
// is done.
func (q *RabbitQueue) Consume(ctx context.Context, concurrency int, h Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq consume channel: %w", err)
	}
	defer ch.Close()

	// strict concurrency control
	if err := ch.Qos(concurrency, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	msgs, err := ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	q.logger.Info("consumer started", "concurrency", concurrency)

	jobs := make(chan delivery, concurrency)
	done := make(chan struct{})
	go func() {
		runWorkers(ctx, concurrency, jobs, h, q.logger)
		close(done)
	}()
	stop := func() {
		close(jobs)
		<-done
	}

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("consumer shutting down")
			stop()
			return nil
		case d, ok := <-msgs:
			if !ok {
				stop()
				return ErrDeliveriesClosed
			}
			var t Task
			if err := json.Unmarshal(d.Body, &t); err != nil || t.RunID == "" {
				q.logger.Warn("bad task message", "error", err, "message_id", d.MessageId)
				_ = d.Nack(false, false)
				continue
			}
			dl := delivery{
				task: t,
				ack: func() {
					if err := d.Ack(false); err != nil {
						q.logger.Warn("ack failed", "job_id", t.JobID, "error", err)
					}
				},
				nack: func() { _ = d.Nack(false, false) },
			}
			select {
			case jobs <- dl:
			case <-ctx.Done():
				// unacked; the broker redelivers it after the channel closes
				stop()
				return nil
			}
		}
	}
}

func (q *RabbitQueue) Ping() error {
	if q.conn.IsClosed() {
		return ErrDeliveriesClosed
	}
	return nil
}

func (q *RabbitQueue) Close() error {
	q.mu.Lock()
	_ = q.pub.Close()
	q.mu.Unlock()
	return q.conn.Close()
}
