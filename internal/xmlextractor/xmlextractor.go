// Package xmlextractor implements the three-stage streaming extraction pipeline
// (§4.4): a blocking gzip/XML parser, a pool of record workers, and a single
// broker-flush worker, coordinated over bounded channels (§9 "task + channel").
package xmlextractor

import (
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/discogsography/ingestion/internal/discogserr"
	"github.com/discogsography/ingestion/internal/health"
	"github.com/discogsography/ingestion/internal/logging"
	"github.com/discogsography/ingestion/internal/metrics"
	"github.com/discogsography/ingestion/internal/record"
	"github.com/discogsography/ingestion/internal/statemarker"
)

// OverloadPolicy names the configurable behaviour on a record-queue enqueue timeout
// (§9 open question — drop vs. block vs. fail).
type OverloadPolicy string

const (
	PolicyDrop  OverloadPolicy = "drop"
	PolicyBlock OverloadPolicy = "block"
	PolicyFail  OverloadPolicy = "fail"

	// DefaultMaxWorkers is the record-worker pool size (§4.4.1 item 2).
	DefaultMaxWorkers = 4
	// DefaultBatchSize is the pending-buffer flush threshold (§4.4.1 item 2).
	DefaultBatchSize = 100
	// RecordQueueCapacity bounds the parser→worker channel (§4.4.1 item 1).
	RecordQueueCapacity = 5000
	// FlushQueueCapacity bounds the worker→flush signalling channel (§4.4.1 item 2).
	FlushQueueCapacity = 100
	// EnqueueTimeout is the hard record-queue put timeout (§4.4.1 item 1).
	EnqueueTimeout = 30 * time.Second
	// flushWarningInterval rate-limits the full-flush-queue warning log (§12 supplement,
	// grounded on the original extractor's FLUSH_QUEUE_WARNING_INTERVAL).
	flushWarningInterval = 60 * time.Second
	// flushInitialBackoff/flushMaxBackoff bound the flush-queue retry schedule
	// (§4.4.1 item 2, original FLUSH_QUEUE_INITIAL_BACKOFF/FLUSH_QUEUE_MAX_BACKOFF).
	flushInitialBackoff = 30 * time.Second
	flushMaxBackoff     = 300 * time.Second
	// checkpointEvery is the per-file record count at which progress is persisted to
	// the marker (§4.7 crash-resume point (b)).
	checkpointEvery = 5000
)

// Publisher is the subset of *broker.Publisher the flush worker needs; an interface so
// tests can substitute a fake without a live broker connection.
type Publisher interface {
	PublishBatch(ctx context.Context, dataType record.DataType, msgs [][]byte, prefetch int) (failedAt int, err error)
}

// Extractor streams one gzipped XML file and publishes its records to the broker.
type Extractor struct {
	DataType   record.DataType
	FilePath   string
	Publisher  Publisher
	Marker     *statemarker.Marker
	MarkerPath string

	MaxWorkers     int
	BatchSize      int
	RecordQueueCap int
	FlushQueueCap  int
	EnqueueTimeout time.Duration
	Policy         OverloadPolicy

	Log     *logging.Logger
	Metrics *metrics.Registry
	Tracker *health.Tracker

	recordCh   chan record.Body
	flushCh    chan struct{}
	shutdownCh <-chan struct{}

	pendingMu sync.Mutex
	pending   [][]byte

	recordsExtracted  int64
	messagesPublished int64
	errorCount        int64

	warnMu       sync.Mutex
	lastWarnedAt time.Time
}

// New builds an Extractor with the §4.4 defaults; callers may override fields before
// calling Run.
func New(dataType record.DataType, filePath string, pub Publisher, marker *statemarker.Marker, markerPath string, log *logging.Logger) *Extractor {
	return &Extractor{
		DataType:       dataType,
		FilePath:       filePath,
		Publisher:      pub,
		Marker:         marker,
		MarkerPath:     markerPath,
		MaxWorkers:     DefaultMaxWorkers,
		BatchSize:      DefaultBatchSize,
		RecordQueueCap: RecordQueueCapacity,
		FlushQueueCap:  FlushQueueCapacity,
		EnqueueTimeout: EnqueueTimeout,
		Policy:         PolicyDrop,
		Log:            log,
	}
}

// fileName is the marker's progress-by-file key.
func (e *Extractor) fileName() string {
	return filepath.Base(e.FilePath)
}

// Run drives the full pipeline to completion or until shutdown is closed. It always
// performs a final flush and marks the file's marker entry before returning, per
// §4.4.3's scope-exit guarantee.
func (e *Extractor) Run(ctx context.Context, shutdown <-chan struct{}) error {
	e.recordCh = make(chan record.Body, e.RecordQueueCap)
	e.flushCh = make(chan struct{}, e.FlushQueueCap)
	e.shutdownCh = shutdown

	name := e.fileName()
	e.Marker.StartFileProcessing(name)
	if e.Tracker != nil {
		e.Tracker.SetExtracting(string(e.DataType), true)
		e.Tracker.SetCurrentTask(name, 0)
		defer e.Tracker.SetExtracting(string(e.DataType), false)
	}

	var workerWG sync.WaitGroup
	for i := 0; i < e.MaxWorkers; i++ {
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			e.runRecordWorker()
		}()
	}

	doneParsing := make(chan struct{})
	flushDone := make(chan struct{})
	go func() {
		defer close(flushDone)
		e.runFlushWorker(ctx, doneParsing)
	}()

	parseErr := e.runParser(ctx)

	close(e.recordCh)
	workerWG.Wait()
	close(doneParsing)
	<-flushDone

	extracted := atomic.LoadInt64(&e.recordsExtracted)
	published := atomic.LoadInt64(&e.messagesPublished)
	_ = e.Marker.UpdateFileProgress(name, extracted, published)

	if parseErr != nil {
		e.Marker.FailFileProcessing(name, parseErr)
		e.Marker.RecordFileType(string(e.DataType), statemarker.Failed)
		_ = e.Marker.Save(e.MarkerPath)
		return parseErr
	}

	if err := e.Marker.CompleteFileProcessing(name, extracted); err != nil {
		return err
	}
	e.Marker.RecordFileType(string(e.DataType), statemarker.Completed)
	if err := e.Marker.Save(e.MarkerPath); err != nil {
		return err
	}
	if e.Tracker != nil {
		e.Tracker.RecordProgress(string(e.DataType), extracted)
		e.Tracker.SetCurrentTask(name, 1)
	}
	e.Log.Info("file complete", logging.Fields{
		"data_type": string(e.DataType),
		"file":      name,
		"records":   extracted,
		"published": published,
		"errors":    atomic.LoadInt64(&e.errorCount),
	})
	return nil
}

// FileComplete returns the sentinel message for this file (§3.3), to be published by
// the caller once Run returns successfully.
func (e *Extractor) FileComplete() record.FileComplete {
	return record.NewFileComplete(e.DataType, e.fileName(), atomic.LoadInt64(&e.recordsExtracted))
}

// runParser opens the gzip stream and walks the XML event stream, enqueueing one
// record per root-child element (§4.4.1 item 1).
func (e *Extractor) runParser(ctx context.Context) error {
	f, err := os.Open(e.FilePath)
	if err != nil {
		return fmt.Errorf("xmlextractor: open %s: %w", e.FilePath, err)
	}
	defer f.Close()

	var totalBytes int64
	if info, statErr := f.Stat(); statErr == nil {
		totalBytes = info.Size()
	}
	counting := &countingReader{r: f}

	gz, err := gzip.NewReader(counting)
	if err != nil {
		return fmt.Errorf("xmlextractor: gzip %s: %w", e.FilePath, err)
	}
	defer gz.Close()

	decoder := xml.NewDecoder(gz)
	expectedParent := string(e.DataType)
	var rootSeen bool
	var count int64

	for {
		select {
		case <-e.shutdownCh:
			return nil
		default:
		}

		tok, err := decoder.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("xmlextractor: xml token: %w", err)
		}
		se, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		if !rootSeen {
			rootSeen = true
			if se.Name.Local != expectedParent {
				return discogserr.ParentTagMismatch(expectedParent, se.Name.Local)
			}
			continue
		}

		node := &genericNode{}
		if err := decoder.DecodeElement(node, &se); err != nil {
			return fmt.Errorf("xmlextractor: decode record: %w", err)
		}
		body := node.toMap()

		if err := e.enqueueRecord(ctx, body); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		count++
		if count%checkpointEvery == 0 {
			_ = e.Marker.UpdateFileProgress(e.fileName(), atomic.LoadInt64(&e.recordsExtracted), atomic.LoadInt64(&e.messagesPublished))
			_ = e.Marker.Save(e.MarkerPath)
			if e.Tracker != nil {
				e.Tracker.RecordProgress(string(e.DataType), atomic.LoadInt64(&e.recordsExtracted))
				e.Tracker.SetCurrentTask(e.fileName(), counting.fraction(totalBytes))
			}
		}
	}
}

// countingReader tracks bytes read from the underlying (compressed) file stream, used
// to approximate per-file extraction progress (§12 current_task/current_progress) since
// the XML record count has no fixed total ahead of time.
type countingReader struct {
	r    io.Reader
	read int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	atomic.AddInt64(&c.read, int64(n))
	return n, err
}

// fraction returns bytes read so far over total, clamped to [0, 1]. Returns 0 if total
// is unknown.
func (c *countingReader) fraction(total int64) float64 {
	if total <= 0 {
		return 0
	}
	f := float64(atomic.LoadInt64(&c.read)) / float64(total)
	if f > 1 {
		f = 1
	}
	return f
}

// enqueueRecord applies adaptive backpressure, then places body on the record queue,
// honouring the configured overload policy on timeout (§4.4.1 item 1, §9).
func (e *Extractor) enqueueRecord(ctx context.Context, body record.Body) error {
	e.applyBackpressure()

	if e.Policy == PolicyBlock {
		select {
		case e.recordCh <- body:
			return nil
		case <-e.shutdownCh:
			return context.Canceled
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	timer := time.NewTimer(e.EnqueueTimeout)
	defer timer.Stop()
	select {
	case e.recordCh <- body:
		return nil
	case <-timer.C:
		atomic.AddInt64(&e.errorCount, 1)
		e.Log.Warn("record queue enqueue timeout, dropping record", logging.Fields{"data_type": string(e.DataType)})
		if e.Policy == PolicyFail {
			return discogserr.ErrRecordQueueTimeout
		}
		return nil
	case <-e.shutdownCh:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// applyBackpressure sleeps 1/5/10ms when the record queue crosses 40%/60%/80% depth.
func (e *Extractor) applyBackpressure() {
	depth := len(e.recordCh)
	capacity := cap(e.recordCh)
	if capacity == 0 {
		return
	}
	ratio := depth * 100 / capacity
	switch {
	case ratio >= 80:
		time.Sleep(10 * time.Millisecond)
	case ratio >= 60:
		time.Sleep(5 * time.Millisecond)
	case ratio >= 40:
		time.Sleep(1 * time.Millisecond)
	}
	if e.Metrics != nil {
		e.Metrics.RecordQueueDepth.WithLabelValues(string(e.DataType)).Set(float64(depth))
	}
}

// runRecordWorker dequeues records, hashes them, and appends to the pending buffer
// (§4.4.1 item 2).
func (e *Extractor) runRecordWorker() {
	for {
		select {
		case body, ok := <-e.recordCh:
			if !ok {
				return
			}
			e.processRecord(body)
		case <-e.shutdownCh:
			return
		}
	}
}

func (e *Extractor) processRecord(body record.Body) {
	id := idOf(body)
	rec, err := record.New(e.DataType, id, body)
	if err != nil {
		e.Log.Warn("dropping unparseable record", logging.Fields{"data_type": string(e.DataType), "error": err.Error()})
		atomic.AddInt64(&e.errorCount, 1)
		return
	}
	msg, err := rec.Message()
	if err != nil {
		e.Log.Warn("dropping unserializable record", logging.Fields{"data_type": string(e.DataType), "error": err.Error()})
		atomic.AddInt64(&e.errorCount, 1)
		return
	}
	atomic.AddInt64(&e.recordsExtracted, 1)
	if e.Metrics != nil {
		e.Metrics.RecordsExtracted.WithLabelValues(string(e.DataType)).Inc()
	}
	e.appendPending(msg)
}

func (e *Extractor) appendPending(msg []byte) {
	e.pendingMu.Lock()
	e.pending = append(e.pending, msg)
	shouldSignal := len(e.pending) >= e.BatchSize
	e.pendingMu.Unlock()
	if shouldSignal {
		e.signalFlush()
	}
}

// signalFlush pushes one token onto the flush queue, or — if it is full — hands off to
// an asynchronous exponential-backoff retry so the record pipeline never blocks on the
// flush queue (§4.4.1 item 2).
func (e *Extractor) signalFlush() {
	select {
	case e.flushCh <- struct{}{}:
		e.recordFlushQueueDepth()
		return
	default:
	}
	e.warnFlushQueueFull()
	go e.retrySignalFlush(flushInitialBackoff)
}

func (e *Extractor) retrySignalFlush(backoff time.Duration) {
	timer := time.NewTimer(backoff)
	defer timer.Stop()
	select {
	case <-e.shutdownCh:
		return
	case <-timer.C:
	}
	select {
	case e.flushCh <- struct{}{}:
		e.recordFlushQueueDepth()
		return
	default:
		e.warnFlushQueueFull()
		next := backoff * 2
		if next > flushMaxBackoff {
			next = flushMaxBackoff
		}
		go e.retrySignalFlush(next)
	}
}

// recordFlushQueueDepth reports the flush-signal queue's current depth (§11).
func (e *Extractor) recordFlushQueueDepth() {
	if e.Metrics != nil {
		e.Metrics.FlushQueueDepth.WithLabelValues(string(e.DataType)).Set(float64(len(e.flushCh)))
	}
}

func (e *Extractor) warnFlushQueueFull() {
	e.warnMu.Lock()
	defer e.warnMu.Unlock()
	if time.Since(e.lastWarnedAt) < flushWarningInterval {
		return
	}
	e.lastWarnedAt = time.Now()
	e.Log.Warn("flush queue full, backing off", logging.Fields{"data_type": string(e.DataType)})
}

// runFlushWorker drains and publishes the pending buffer on every flush signal, and
// performs one final drain when doneParsing closes (§4.4.1 item 3, §4.4.3).
func (e *Extractor) runFlushWorker(ctx context.Context, doneParsing <-chan struct{}) {
	for {
		select {
		case _, ok := <-e.flushCh:
			e.recordFlushQueueDepth()
			if !ok {
				e.drainAndPublish(ctx)
				return
			}
			e.drainAndPublish(ctx)
		case <-doneParsing:
			e.drainAndPublish(ctx)
			return
		}
	}
}

// drainAndPublish atomically swaps the pending buffer for an empty one, then publishes
// every message with confirms. On any publish failure, the unpublished remainder (and
// anything appended since) is re-prepended for the next attempt (§4.4.1 item 3).
func (e *Extractor) drainAndPublish(ctx context.Context) {
	e.pendingMu.Lock()
	batch := e.pending
	e.pending = nil
	e.pendingMu.Unlock()
	if len(batch) == 0 {
		return
	}

	failedAt, err := e.Publisher.PublishBatch(ctx, e.DataType, batch, e.BatchSize)
	if err != nil {
		remainder := batch[failedAt:]
		e.pendingMu.Lock()
		e.pending = append(remainder, e.pending...)
		e.pendingMu.Unlock()
		e.Log.Warn("publish failed, re-buffered remainder", logging.Fields{
			"data_type": string(e.DataType),
			"remainder": len(remainder),
			"error":     err.Error(),
		})
		return
	}

	atomic.AddInt64(&e.messagesPublished, int64(len(batch)))
	if e.Metrics != nil {
		e.Metrics.MessagesPublished.WithLabelValues(string(e.DataType)).Add(float64(len(batch)))
	}
	e.Marker.Heartbeat()
}

// idOf extracts the record id (already lifted into body by genericNode.toMap, whether
// it arrived as an XML attribute or a child element — §4.4.1 item 1).
func idOf(body record.Body) string {
	v, ok := body["id"]
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// genericNode is a minimal XML→map bridge: attributes and child-element values are
// merged into a flat record.Body, with repeated child tags collapsed into a slice.
type genericNode struct {
	attrs    map[string]string
	children []*genericNode
	name     string
	text     string
}

// UnmarshalXML implements xml.Unmarshaler, recursively capturing the element's
// attributes, text, and child elements.
func (n *genericNode) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	n.name = start.Name.Local
	if len(start.Attr) > 0 {
		n.attrs = make(map[string]string, len(start.Attr))
		for _, a := range start.Attr {
			n.attrs[a.Name.Local] = a.Value
		}
	}
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child := &genericNode{}
			if err := d.DecodeElement(child, &t); err != nil {
				return err
			}
			n.children = append(n.children, child)
		case xml.CharData:
			n.text += string(t)
		case xml.EndElement:
			return nil
		}
	}
}

// toMap flattens the node into a record.Body: attributes become top-level fields,
// leaf children become strings, non-leaf children become nested maps, and repeated
// child tags become slices.
func (n *genericNode) toMap() record.Body {
	body := make(record.Body, len(n.attrs)+len(n.children))
	for k, v := range n.attrs {
		body[k] = v
	}

	var order []string
	groups := make(map[string][]any)
	for _, c := range n.children {
		var val any
		if len(c.children) == 0 && len(c.attrs) == 0 {
			val = strings.TrimSpace(c.text)
		} else {
			val = c.toMap()
		}
		if _, seen := groups[c.name]; !seen {
			order = append(order, c.name)
		}
		groups[c.name] = append(groups[c.name], val)
	}
	for _, name := range order {
		vals := groups[name]
		if len(vals) == 1 {
			body[name] = vals[0]
		} else {
			body[name] = vals
		}
	}
	return body
}
