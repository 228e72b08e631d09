// Package batchproc implements the consumer-side batch accumulator shared by the graph
// and relational consumers (§4.5, §4.6): one FIFO queue per data type, flushed on size
// or interval, with front-of-queue re-enqueue on transient failure.
package batchproc

import (
	"context"
	"sync"
	"time"

	"github.com/discogsography/ingestion/internal/metrics"
	"github.com/discogsography/ingestion/internal/record"
)

// Delivery is one inbound message paired with the ack/nack callbacks the broker
// consumer registered for it (§4.5 step 6 — "callbacks are invoked individually").
type Delivery struct {
	DataType record.DataType
	Body     []byte
	Ack      func()
	Nack     func(requeue bool)
}

// ApplyFunc processes one full batch for a data type, returning the outcome to apply
// to every delivery in the batch.
type ApplyFunc func(ctx context.Context, dataType record.DataType, batch []Delivery) Outcome

// Outcome tells the Processor how to resolve a flushed batch's deliveries.
type Outcome int

const (
	// OutcomeAck acknowledges every delivery in the batch (§4.5 step 5, success case).
	OutcomeAck Outcome = iota
	// OutcomeRequeueFront re-queues every delivery at the front of this type's queue,
	// preserving order, for a transient store error (§4.5 step 5, §7 "Consumer transient").
	OutcomeRequeueFront
	// OutcomeNack negative-acknowledges every delivery for a non-transient error.
	OutcomeNack
)

// Config mirrors §4.5/§4.6's tunables.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxPending    int // carried for configuration; Processor does not enforce it
}

// Processor accumulates Deliveries into per-type FIFO queues and flushes each to Apply
// when it reaches BatchSize or FlushInterval has elapsed since its last flush.
type Processor struct {
	cfg   Config
	apply ApplyFunc

	// Consumer names this processor's owning program ("graphinator" or
	// "tableinator") for the BatchFlushes metric label. Metrics is optional; both
	// are set by the consumer's main, not by tests.
	Consumer string
	Metrics  *metrics.Registry

	mu         sync.Mutex
	queues     map[record.DataType][]Delivery
	lastFlush  map[record.DataType]time.Time
	flushFuncs map[record.DataType]func(context.Context)
}

// New builds a Processor. apply is called once per flushed batch, per data type.
func New(cfg Config, apply ApplyFunc) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	return &Processor{
		cfg:       cfg,
		apply:     apply,
		queues:    make(map[record.DataType][]Delivery),
		lastFlush: make(map[record.DataType]time.Time),
	}
}

// Enqueue appends d to its data type's queue, flushing immediately if the queue has
// reached BatchSize.
func (p *Processor) Enqueue(ctx context.Context, d Delivery) {
	p.mu.Lock()
	p.queues[d.DataType] = append(p.queues[d.DataType], d)
	shouldFlush := len(p.queues[d.DataType]) >= p.cfg.BatchSize
	p.mu.Unlock()
	if shouldFlush {
		p.flush(ctx, d.DataType)
	}
}

// Depth returns the current queue length for dataType. Enqueue does not consult it:
// a queue grows without limit until it is flushed.
func (p *Processor) Depth(dataType record.DataType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues[dataType])
}

// flush pops up to BatchSize deliveries for dataType and resolves them via apply.
func (p *Processor) flush(ctx context.Context, dataType record.DataType) {
	p.mu.Lock()
	q := p.queues[dataType]
	if len(q) == 0 {
		p.mu.Unlock()
		return
	}
	n := len(q)
	if n > p.cfg.BatchSize {
		n = p.cfg.BatchSize
	}
	batch := q[:n]
	p.queues[dataType] = q[n:]
	p.lastFlush[dataType] = time.Now()
	p.mu.Unlock()

	outcome := p.apply(ctx, dataType, batch)
	if p.Metrics != nil {
		p.Metrics.BatchFlushes.WithLabelValues(p.Consumer, string(dataType)).Inc()
	}
	switch outcome {
	case OutcomeAck:
		for _, d := range batch {
			safeCall(d.Ack)
		}
	case OutcomeRequeueFront:
		p.mu.Lock()
		p.queues[dataType] = append(append([]Delivery{}, batch...), p.queues[dataType]...)
		p.mu.Unlock()
	case OutcomeNack:
		if p.Metrics != nil {
			p.Metrics.DLQRoutes.WithLabelValues(string(dataType)).Add(float64(len(batch)))
		}
		for _, d := range batch {
			safeNack(d.Nack)
		}
	}
}

// safeCall invokes an ack callback, tolerating a nil func (used in tests).
func safeCall(f func()) {
	if f != nil {
		f()
	}
}

func safeNack(f func(bool)) {
	if f != nil {
		f(false)
	}
}

// RunIntervalFlusher runs the background force-flush loop (§4.5 "background task that
// force-flushes on the interval") until ctx is cancelled. One instance covers every
// data type that has ever been enqueued.
func (p *Processor) RunIntervalFlusher(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.flushStale(ctx)
		}
	}
}

func (p *Processor) flushStale(ctx context.Context) {
	p.mu.Lock()
	var stale []record.DataType
	now := time.Now()
	for dt, q := range p.queues {
		if len(q) == 0 {
			continue
		}
		if now.Sub(p.lastFlush[dt]) >= p.cfg.FlushInterval {
			stale = append(stale, dt)
		}
	}
	p.mu.Unlock()
	for _, dt := range stale {
		p.flush(ctx, dt)
	}
}

// FlushAll force-flushes every non-empty queue, used at shutdown.
func (p *Processor) FlushAll(ctx context.Context) {
	p.mu.Lock()
	var types []record.DataType
	for dt, q := range p.queues {
		if len(q) > 0 {
			types = append(types, dt)
		}
	}
	p.mu.Unlock()
	for _, dt := range types {
		p.flush(ctx, dt)
	}
}
