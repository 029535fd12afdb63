package queue

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageInterface is a consumed job awaiting acknowledgement
type MessageInterface interface {
	Ack() error
	// Nack rejects the job; without requeue it is dead-lettered
	Nack(requeue bool) error
	GetJob() *Job
}

// Enqueuer is the publishing side of JobQueue
type Enqueuer interface {
	Enqueue(ctx context.Context, job *Job) error
}

// JobQueue carries bulk_tag_filter and daily_sweep jobs between the API and the workers
type JobQueue interface {
	Enqueuer

	// Consume streams jobs until ctx ends. prefetchCount bounds unacknowledged
	// deliveries per consumer and every message must be acked or nacked.
	Consume(ctx context.Context, prefetchCount int) (<-chan *Message, <-chan error, error)

	Close() error
	HealthCheck(ctx context.Context) error
}

// DLQPurger removes dead-lettered messages older than a retention window
type DLQPurger interface {
	PurgeOlderThan(ctx context.Context, retention time.Duration) (int, error)
}

// Message is a job consumed from RabbitMQ
type Message struct {
	Job      *Job
	delivery amqp.Delivery
}

var _ MessageInterface = (*Message)(nil)

// Ack acknowledges the delivery
func (m *Message) Ack() error {
	return m.delivery.Ack(false)
}

// Nack rejects the delivery
func (m *Message) Nack(requeue bool) error {
	return m.delivery.Nack(false, requeue)
}

// GetJob returns the decoded job
func (m *Message) GetJob() *Job {
	return m.Job
}
