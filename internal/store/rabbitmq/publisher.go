package rabbitmq

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology for a main queue Q:
//
//	Q.delay.<N>s  x-message-ttl N seconds, dead-letters into Q
//	Q             consumed by the worker, dead-letters into Q.dlq
//	Q.dlq         failed deliveries
//
// One delay queue per whole-second bucket, so a long delay at the head of a
// queue never holds back a shorter one behind it.

func DLQName(queue string) string { return queue + ".dlq" }

func DelayQueueName(queue string, seconds int) string {
	return fmt.Sprintf("%s.delay.%ds", queue, seconds)
}

// DelaySeconds rounds d up to whole seconds, minimum 1.
func DelaySeconds(d time.Duration) int {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// DeclareQueues declares the main queue and its DLQ. The worker calls it too
// so either side can start first.
func DeclareQueues(ch *amqp.Channel, queue string) error {
	// DLQ
	if _, err := ch.QueueDeclare(
		DLQName(queue),
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false,
		nil,
	); err != nil {
		return err
	}

	// Main queue: dead-letter to DLQ on reject/nack(requeue=false)
	_, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": DLQName(queue),
		},
	)
	return err
}

type Publisher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string

	mu       sync.Mutex
	declared map[int]bool
}

func NewPublisher(url, queue string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := DeclareQueues(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Publisher{conn: conn, ch: ch, queue: queue, declared: map[int]bool{}}, nil
}

func (p *Publisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

// delayQueue declares the bucket queue on first use. Caller holds p.mu.
func (p *Publisher) delayQueue(seconds int) (string, error) {
	name := DelayQueueName(p.queue, seconds)
	if p.declared[seconds] {
		return name, nil
	}
	// Delay queue: message TTL -> dead-letter into main queue
	if _, err := p.ch.QueueDeclare(
		name,
		true,
		false,
		false,
		false,
		amqp.Table{
			"x-message-ttl":             int64(seconds) * 1000,
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": p.queue,
		},
	); err != nil {
		return "", err
	}
	p.declared[seconds] = true
	return name, nil
}

// PublishDelayed makes body appear on the main queue after delay, rounded up
// to whole seconds. id is carried as the AMQP message id.
func (p *Publisher) PublishDelayed(ctx context.Context, id string, body []byte, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	name, err := p.delayQueue(DelaySeconds(delay))
	if err != nil {
		return err
	}

	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.ch.PublishWithContext(cctx,
		"",   // default exchange
		name, // routing key = queue
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    id,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
}
