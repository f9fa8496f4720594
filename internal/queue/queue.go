package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
)

// JobDispatch is the payload handed to the delivery agent for one job.
type JobDispatch struct {
	JobID              string `json:"jobId"`
	RecipientHandle    string `json:"recipientHandle"`
	AccountID          int    `json:"accountId"`
	AccountUsername    string `json:"accountUsername"`
	Message            string `json:"message"`
	ContentFingerprint string `json:"contentFingerprint"`
}

// Dispatcher hands claimed jobs to the delivery agent.
type Dispatcher interface {
	Dispatch(ctx context.Context, d JobDispatch) error
	Close() error
}

// AMQPDispatcher publishes dispatches to a durable RabbitMQ queue the agent
// consumes from.
type AMQPDispatcher struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

func NewAMQPDispatcher(url, queueName string) (*AMQPDispatcher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}
	return &AMQPDispatcher{conn: conn, ch: ch, queue: queueName}, nil
}

func (p *AMQPDispatcher) Dispatch(ctx context.Context, d JobDispatch) error {
	body, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return p.ch.Publish("", p.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

func (p *AMQPDispatcher) Close() error {
	_ = p.ch.Close()
	return p.conn.Close()
}

// MemoryDispatcher buffers dispatches in memory. Used in tests and when
// running without a broker.
type MemoryDispatcher struct {
	mu   sync.Mutex
	sent []JobDispatch
	C    chan JobDispatch
}

func NewMemoryDispatcher() *MemoryDispatcher {
	return &MemoryDispatcher{C: make(chan JobDispatch, 256)}
}

func (m *MemoryDispatcher) Dispatch(ctx context.Context, d JobDispatch) error {
	m.mu.Lock()
	m.sent = append(m.sent, d)
	m.mu.Unlock()
	select {
	case m.C <- d:
	default:
	}
	return nil
}

// Sent returns a copy of everything dispatched so far.
func (m *MemoryDispatcher) Sent() []JobDispatch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]JobDispatch, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *MemoryDispatcher) Close() error { return nil }

var (
	_ Dispatcher = (*AMQPDispatcher)(nil)
	_ Dispatcher = (*MemoryDispatcher)(nil)
)
