// Package consumer wires an AMQP queue per data type into a batchproc.Processor,
// shared by the graph and relational consumer programs (§4.5, §4.6, §6.3/§6.4).
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/discogsography/ingestion/internal/batchproc"
	"github.com/discogsography/ingestion/internal/broker"
	"github.com/discogsography/ingestion/internal/logging"
	"github.com/discogsography/ingestion/internal/record"
)

// sentinelEnvelope is decoded far enough to recognise a file_complete message without
// fully unmarshaling the record body (§3.3).
type sentinelEnvelope struct {
	Type string `json:"type"`
}

// Consumer drains one ConsumerFamily's four per-type queues into a batchproc.Processor.
type Consumer struct {
	Family    broker.ConsumerFamily
	URL       string
	Prefetch  int
	Log       *logging.Logger
	Processor *batchproc.Processor

	conn *amqp.Connection
}

// New builds a Consumer. Prefetch defaults to 100 when zero.
func New(family broker.ConsumerFamily, url string, processor *batchproc.Processor, log *logging.Logger) *Consumer {
	return &Consumer{Family: family, URL: url, Prefetch: 100, Log: log, Processor: processor}
}

// Run dials the broker, declares the shared topology, and consumes every data type's
// queue concurrently until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	topology, err := broker.NewTopology(ctx, c.URL, c.Log)
	if err != nil {
		return fmt.Errorf("consumer: topology: %w", err)
	}
	defer topology.Close()
	if err := topology.Declare(ctx); err != nil {
		return fmt.Errorf("consumer: declare topology: %w", err)
	}

	conn, err := amqp.Dial(c.URL)
	if err != nil {
		return fmt.Errorf("consumer: dial: %w", err)
	}
	c.conn = conn
	defer conn.Close()

	prefetch := c.Prefetch
	if prefetch <= 0 {
		prefetch = 100
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	for _, dt := range []record.DataType{record.Artists, record.Labels, record.Masters, record.Releases} {
		dt := dt
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.consumeQueue(ctx, dt, prefetch); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		if err != nil {
			return err
		}
	}
	return nil
}

// consumeQueue opens a dedicated channel for one data type's queue and feeds every
// non-sentinel delivery into the Processor (§4.5 step 1, §4.6 step 1).
func (c *Consumer) consumeQueue(ctx context.Context, dataType record.DataType, prefetch int) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("consumer: open channel %s: %w", dataType, err)
	}
	defer ch.Close()
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("consumer: qos %s: %w", dataType, err)
	}

	queue := broker.QueueName(c.Family, dataType)
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consumer: consume %s: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handleDelivery(ctx, dataType, d)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, dataType record.DataType, d amqp.Delivery) {
	var env sentinelEnvelope
	if err := json.Unmarshal(d.Body, &env); err == nil && env.Type == "file_complete" {
		c.Log.Info("file complete sentinel received", logging.Fields{"data_type": string(dataType)})
		_ = d.Ack(false)
		return
	}

	delivery := d
	c.Processor.Enqueue(ctx, batchproc.Delivery{
		DataType: dataType,
		Body:     d.Body,
		Ack:      func() { _ = delivery.Ack(false) },
		Nack:     func(requeue bool) { _ = delivery.Nack(false, requeue) },
	})
}
