package consumer

import (
	"context"
	"sync"
	"testing"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/discogsography/ingestion/internal/batchproc"
	"github.com/discogsography/ingestion/internal/logging"
	"github.com/discogsography/ingestion/internal/record"
)

// fakeAcknowledger records Ack/Nack/Reject calls instead of talking to a real channel.
type fakeAcknowledger struct {
	mu      sync.Mutex
	acked   []uint64
	nacked  []uint64
	requeue []bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacked = append(f.nacked, tag)
	f.requeue = append(f.requeue, requeue)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return f.Nack(tag, false, requeue)
}

func TestHandleDelivery_sentinelIsAckedWithoutEnqueue(t *testing.T) {
	ack := &fakeAcknowledger{}
	var applyCalls int
	proc := batchproc.New(batchproc.Config{BatchSize: 1}, func(ctx context.Context, dt record.DataType, batch []batchproc.Delivery) batchproc.Outcome {
		applyCalls++
		return batchproc.OutcomeAck
	})
	c := &Consumer{Log: logging.New("test"), Processor: proc}

	d := amqp.Delivery{Body: []byte(`{"type":"file_complete","data_type":"artists"}`), Acknowledger: ack, DeliveryTag: 1}
	c.handleDelivery(context.Background(), record.Artists, d)

	if applyCalls != 0 {
		t.Errorf("expected sentinel to skip the processor, got %d apply calls", applyCalls)
	}
	if len(ack.acked) != 1 || ack.acked[0] != 1 {
		t.Errorf("expected delivery 1 to be acked, got %+v", ack.acked)
	}
}

func TestHandleDelivery_recordIsEnqueuedAndAcked(t *testing.T) {
	ack := &fakeAcknowledger{}
	var gotBatch []batchproc.Delivery
	proc := batchproc.New(batchproc.Config{BatchSize: 1}, func(ctx context.Context, dt record.DataType, batch []batchproc.Delivery) batchproc.Outcome {
		gotBatch = batch
		return batchproc.OutcomeAck
	})
	c := &Consumer{Log: logging.New("test"), Processor: proc}

	d := amqp.Delivery{Body: []byte(`{"id":"1","name":"A","sha256":"abc"}`), Acknowledger: ack, DeliveryTag: 7}
	c.handleDelivery(context.Background(), record.Artists, d)

	if len(gotBatch) != 1 {
		t.Fatalf("expected one delivery to reach apply, got %d", len(gotBatch))
	}
	if len(ack.acked) != 1 || ack.acked[0] != 7 {
		t.Errorf("expected delivery 7 to be acked by OutcomeAck, got %+v", ack.acked)
	}
}

func TestHandleDelivery_nackOnNonTransientOutcome(t *testing.T) {
	ack := &fakeAcknowledger{}
	proc := batchproc.New(batchproc.Config{BatchSize: 1}, func(ctx context.Context, dt record.DataType, batch []batchproc.Delivery) batchproc.Outcome {
		return batchproc.OutcomeNack
	})
	c := &Consumer{Log: logging.New("test"), Processor: proc}

	d := amqp.Delivery{Body: []byte(`{"id":"1","name":"A","sha256":"abc"}`), Acknowledger: ack, DeliveryTag: 3}
	c.handleDelivery(context.Background(), record.Artists, d)

	if len(ack.nacked) != 1 || ack.nacked[0] != 3 {
		t.Errorf("expected delivery 3 to be nacked, got %+v", ack.nacked)
	}
	if ack.requeue[0] {
		t.Error("expected OutcomeNack to set requeue=false")
	}
}
