// Package broker declares the discogs exchange/queue topology and provides a
// publisher used by the XML extractor (§4.4.2, §6.2). Grounded on the AMQP envelope
// shape surveyed from the reference queue-producer patterns in the examples, wired to
// github.com/rabbitmq/amqp091-go — the idiomatic Go AMQP 0-9-1 client.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/google/uuid"

	"github.com/discogsography/ingestion/internal/discogserr"
	"github.com/discogsography/ingestion/internal/logging"
	"github.com/discogsography/ingestion/internal/record"
)

const (
	// ExchangeName is the topic exchange every producer publishes to (§3.3, §6.2).
	ExchangeName = "discogs"
	// DeadLetterExchangeName is the DLX every per-type queue routes poison messages to.
	DeadLetterExchangeName = "discogs.dlx"
	// DeliveryLimit bounds redelivery attempts before a quorum queue dead-letters a
	// message (§7, poison-message kind).
	DeliveryLimit = 20
)

// ConsumerFamily names one of the two downstream consumer programs (§6.2).
type ConsumerFamily string

const (
	GraphFamily      ConsumerFamily = "graphinator"
	RelationalFamily ConsumerFamily = "tableinator"
)

// QueueName returns the per-family, per-type queue name, e.g. "graphinator-artists".
func QueueName(family ConsumerFamily, dataType record.DataType) string {
	return fmt.Sprintf("%s-%s", family, dataType)
}

// Topology owns the AMQP connection and (re)declares the full exchange/queue shape.
type Topology struct {
	URL  string
	Log  *logging.Logger
	conn *amqp.Connection
}

// NewTopology dials url and returns a Topology ready to Declare.
func NewTopology(ctx context.Context, url string, log *logging.Logger) (*Topology, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("broker: dial: %w", err)
	}
	return &Topology{URL: url, Log: log, conn: conn}, nil
}

// Declare idempotently declares the exchange, DLX, every per-family/per-type quorum
// queue, and the matching classic DLQs (§4.4.2).
func (t *Topology) Declare(ctx context.Context) error {
	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("broker: open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(ExchangeName, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare exchange %s: %w", ExchangeName, err)
	}
	if err := ch.ExchangeDeclare(DeadLetterExchangeName, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("broker: declare dlx %s: %w", DeadLetterExchangeName, err)
	}

	for _, family := range []ConsumerFamily{GraphFamily, RelationalFamily} {
		for _, dt := range []record.DataType{record.Artists, record.Labels, record.Masters, record.Releases} {
			queue := QueueName(family, dt)
			args := amqp.Table{
				"x-queue-type":           "quorum",
				"x-dead-letter-exchange": DeadLetterExchangeName,
				"x-delivery-limit":       int32(DeliveryLimit),
			}
			if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
				return fmt.Errorf("broker: declare queue %s: %w", queue, err)
			}
			if err := ch.QueueBind(queue, string(dt), ExchangeName, false, nil); err != nil {
				return fmt.Errorf("broker: bind queue %s: %w", queue, err)
			}

			dlq := queue + ".dlq"
			if _, err := ch.QueueDeclare(dlq, true, false, false, false, nil); err != nil {
				return fmt.Errorf("broker: declare dlq %s: %w", dlq, err)
			}
			if err := ch.QueueBind(dlq, string(dt), DeadLetterExchangeName, false, nil); err != nil {
				return fmt.Errorf("broker: bind dlq %s: %w", dlq, err)
			}
		}
	}
	return nil
}

// Close closes the underlying connection.
func (t *Topology) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}

// NewPublisher opens a Publisher over the topology's connection.
func (t *Topology) NewPublisher(prefetch int) (*Publisher, error) {
	return NewPublisher(t.conn, prefetch, t.Log)
}

// Publisher publishes messages with publisher confirms enabled, re-opening its
// channel on loss (§4.4.1 item 3, §4.4.3 "ensure_channel").
type Publisher struct {
	conn  *amqp.Connection
	log   *logging.Logger
	mu    sync.Mutex
	ch    *amqp.Channel
	confs chan amqp.Confirmation
}

// NewPublisher builds a Publisher over conn with the given prefetch (batch size).
func NewPublisher(conn *amqp.Connection, prefetch int, log *logging.Logger) (*Publisher, error) {
	p := &Publisher{conn: conn, log: log}
	if err := p.ensureChannel(prefetch); err != nil {
		return nil, err
	}
	return p, nil
}

// ensureChannel (re)opens the channel, puts it into confirm mode, and sets prefetch.
// Called at construction and whenever a publish fails against a closed channel.
func (p *Publisher) ensureChannel(prefetch int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	ch, err := p.conn.Channel()
	if err != nil {
		return fmt.Errorf("broker: ensure_channel: open: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return fmt.Errorf("broker: ensure_channel: confirm mode: %w", err)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return fmt.Errorf("broker: ensure_channel: qos: %w", err)
	}
	p.ch = ch
	p.confs = ch.NotifyPublish(make(chan amqp.Confirmation, prefetch))
	return nil
}

// PublishBatch publishes every message in msgs with routing key dataType, mandatory
// and persistent, waiting for each publisher confirm in turn (§3.3, §4.4.1 item 3).
// It returns the index of the first message that failed to publish/confirm (or -1 on
// full success) so the caller knows exactly which messages to re-buffer.
func (p *Publisher) PublishBatch(ctx context.Context, dataType record.DataType, msgs [][]byte, prefetch int) (failedAt int, err error) {
	p.mu.Lock()
	ch := p.ch
	confs := p.confs
	p.mu.Unlock()
	if ch == nil {
		if err := p.ensureChannel(prefetch); err != nil {
			return 0, err
		}
		p.mu.Lock()
		ch, confs = p.ch, p.confs
		p.mu.Unlock()
	}

	for i, body := range msgs {
		corrID := uuid.NewString()
		err := ch.PublishWithContext(ctx, ExchangeName, string(dataType), true, false, amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			Body:          body,
			CorrelationId: corrID,
			Timestamp:     time.Now(),
		})
		if err != nil {
			p.invalidateLocked()
			return i, fmt.Errorf("broker: publish: %w", err)
		}
		select {
		case conf, ok := <-confs:
			if !ok || !conf.Ack {
				p.invalidateLocked()
				return i, fmt.Errorf("broker: publish not confirmed for message %d", i)
			}
		case <-ctx.Done():
			return i, ctx.Err()
		}
	}
	return -1, nil
}

func (p *Publisher) invalidateLocked() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	p.ch = nil
	p.confs = nil
}

// Close closes the publisher's channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	return p.ch.Close()
}

// PoisonError wraps discogserr.ErrPoisonMessage for callers that observe a message
// routed to a DLQ (consumer side records this via the queue's delivery count).
func PoisonError(queue string) error {
	return fmt.Errorf("%w: queue %s", discogserr.ErrPoisonMessage, queue)
}
