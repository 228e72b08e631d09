// Package orchestrator implements the top-level ingestion lifecycle (§4.7):
// discover → download → extract → wait periodic_check_days → repeat, with
// signal-driven graceful shutdown.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/discogsography/ingestion/internal/broker"
	"github.com/discogsography/ingestion/internal/config"
	"github.com/discogsography/ingestion/internal/downloader"
	"github.com/discogsography/ingestion/internal/health"
	"github.com/discogsography/ingestion/internal/logging"
	"github.com/discogsography/ingestion/internal/metrics"
	"github.com/discogsography/ingestion/internal/record"
	"github.com/discogsography/ingestion/internal/snapshotcatalog"
	"github.com/discogsography/ingestion/internal/statemarker"
	"github.com/discogsography/ingestion/internal/xmlextractor"
)

// DefaultConcurrency is the number of extractors allowed to run at once (§4.7 step 7),
// used when Config.ExtractorConcurrency is unset.
const DefaultConcurrency = 3

// reportEarlyInterval/reportLaterInterval/reportSwitchAfter implement the progress
// reporter's two-speed cadence (§4.7 step 7).
const (
	reportEarlyInterval = 10 * time.Second
	reportLaterInterval = 30 * time.Second
	reportSwitchAfter   = 30 * time.Second
)

// Orchestrator drives the full ingestion lifecycle for one process.
type Orchestrator struct {
	Config     *config.Config
	Catalog    *snapshotcatalog.Catalog
	Downloader *downloader.Downloader
	Tracker    *health.Tracker
	Metrics    *metrics.Registry
	Log        *logging.Logger

	shutdown chan struct{}
	once     sync.Once
}

// New builds an Orchestrator.
func New(cfg *config.Config, catalog *snapshotcatalog.Catalog, dl *downloader.Downloader, tracker *health.Tracker, reg *metrics.Registry, log *logging.Logger) *Orchestrator {
	return &Orchestrator{
		Config:     cfg,
		Catalog:    catalog,
		Downloader: dl,
		Tracker:    tracker,
		Metrics:    reg,
		Log:        log,
		shutdown:   make(chan struct{}),
	}
}

// InstallSignalHandlers sets the shutdown flag on SIGINT/SIGTERM (§4.7 step 1).
func (o *Orchestrator) InstallSignalHandlers() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		o.Log.Info("shutdown signal received", nil)
		o.Shutdown()
	}()
}

// Shutdown closes the shutdown channel, idempotently.
func (o *Orchestrator) Shutdown() {
	o.once.Do(func() { close(o.shutdown) })
}

// ShutdownChan exposes the shutdown signal for components that need to select on it.
func (o *Orchestrator) ShutdownChan() <-chan struct{} {
	return o.shutdown
}

// Run executes the full discover→download→extract→wait loop until shutdown (§4.7).
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-o.shutdown:
			return nil
		default:
		}

		if err := o.runCycle(ctx); err != nil {
			o.Log.Error("ingestion cycle failed", logging.Fields{"error": err.Error()})
		}

		if o.waitPeriodic(ctx) {
			return nil
		}
	}
}

// runCycle implements §4.7 steps 3-8 for one snapshot version.
func (o *Orchestrator) runCycle(ctx context.Context) error {
	catalog, err := o.Catalog.Discover(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: discover: %w", err)
	}
	version, files, ok := snapshotcatalog.SelectLatest(catalog)
	if !ok {
		return fmt.Errorf("orchestrator: no complete snapshot version published")
	}

	markerPath := filepath.Join(o.Config.DiscogsRoot, fmt.Sprintf(".extraction_status_%s.json", version))
	marker, err := statemarker.Load(markerPath)
	if err != nil {
		return fmt.Errorf("orchestrator: load marker: %w", err)
	}
	if marker == nil || o.Config.ForceReprocess {
		marker = statemarker.New(version)
	} else {
		switch marker.ShouldProcess() {
		case statemarker.Skip:
			o.Log.Info("snapshot already complete, skipping", logging.Fields{"version": version})
			return nil
		case statemarker.Reprocess:
			marker = statemarker.New(version)
		case statemarker.Continue:
			// resume with the loaded marker as-is
		}
	}

	localFiles, err := o.Downloader.Download(ctx, files, marker, markerPath)
	if err != nil {
		return fmt.Errorf("orchestrator: download: %w", err)
	}

	return o.process(ctx, localFiles, marker, markerPath)
}

// process runs one extractor per pending file under a concurrency semaphore, with a
// periodic progress reporter, then marks the version complete (§4.7 steps 7-8).
func (o *Orchestrator) process(ctx context.Context, localFiles []string, marker *statemarker.Marker, markerPath string) error {
	marker.StartProcessing(len(localFiles))
	if err := marker.Save(markerPath); err != nil {
		return err
	}

	pending := marker.PendingFiles(localFiles)
	if len(pending) == 0 {
		return o.finishProcessing(marker, markerPath)
	}

	reportCtx, cancelReport := context.WithCancel(ctx)
	defer cancelReport()
	go o.runProgressReporter(reportCtx)

	topology, err := broker.NewTopology(ctx, o.Config.AMQPURL, o.Log)
	if err != nil {
		return fmt.Errorf("orchestrator: broker topology: %w", err)
	}
	defer topology.Close()
	if err := topology.Declare(ctx); err != nil {
		return fmt.Errorf("orchestrator: declare topology: %w", err)
	}

	concurrency := o.Config.ExtractorConcurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	errs := make(chan error, len(pending))

	for _, fname := range pending {
		fname := fname
		dataType := dataTypeFromFilename(fname)
		if !dataType.Valid() {
			errs <- fmt.Errorf("orchestrator: cannot derive data type from filename %q", fname)
			continue
		}

		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := o.runExtractor(ctx, topology, dataType, fname, marker, markerPath); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return o.finishProcessing(marker, markerPath)
}

func (o *Orchestrator) finishProcessing(marker *statemarker.Marker, markerPath string) error {
	marker.CompleteProcessing()
	marker.CompleteExtraction()
	return marker.Save(markerPath)
}

// runExtractor opens a dedicated publisher/channel for one file, runs its extractor to
// completion, and emits the file-complete sentinel (§3.3, §4.4.3).
func (o *Orchestrator) runExtractor(ctx context.Context, topology *broker.Topology, dataType record.DataType, fname string, marker *statemarker.Marker, markerPath string) error {
	pub, err := topology.NewPublisher(xmlextractor.DefaultBatchSize)
	if err != nil {
		return fmt.Errorf("orchestrator: open publisher for %s: %w", fname, err)
	}
	defer pub.Close()

	ext := xmlextractor.New(dataType, filepath.Join(o.Config.DiscogsRoot, fname), pub, marker, markerPath, o.Log)
	ext.Metrics = o.Metrics
	ext.Tracker = o.Tracker
	ext.Policy = xmlextractor.OverloadPolicy(o.Config.ExtractorOverloadMode)
	if o.Config.ExtractorMaxWorkers > 0 {
		ext.MaxWorkers = o.Config.ExtractorMaxWorkers
	}

	if err := ext.Run(ctx, o.shutdown); err != nil {
		return fmt.Errorf("orchestrator: extract %s: %w", fname, err)
	}

	sentinel := ext.FileComplete()
	body, err := json.Marshal(sentinel)
	if err != nil {
		return fmt.Errorf("orchestrator: marshal file-complete sentinel: %w", err)
	}
	if _, err := pub.PublishBatch(ctx, dataType, [][]byte{body}, 1); err != nil {
		return fmt.Errorf("orchestrator: publish file-complete sentinel: %w", err)
	}
	return nil
}

// runProgressReporter emits per-data-type counts every 10s for the first 30s, then
// every 30s, flagging stalled types (§4.7 step 7).
func (o *Orchestrator) runProgressReporter(ctx context.Context) {
	if o.Tracker == nil {
		return
	}
	start := time.Now()
	interval := reportEarlyInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Since(start) > reportSwitchAfter && interval != reportLaterInterval {
				interval = reportLaterInterval
				ticker.Reset(interval)
			}
			snap := o.Tracker.Snapshot("orchestrator")
			stalled := o.Tracker.Stalled(time.Now())
			o.Log.Info("extraction progress", logging.Fields{
				"progress": snap.ExtractionProgress,
				"stalled":  stalled,
			})
		}
	}
}

// waitPeriodic sleeps PeriodicCheckInterval in 60s increments, checking shutdown each
// tick (§4.7 step 9). It returns true if shutdown fired while waiting.
func (o *Orchestrator) waitPeriodic(ctx context.Context) bool {
	const tick = 60 * time.Second
	total := o.Config.PeriodicCheckInterval()
	var elapsed time.Duration
	for elapsed < total {
		wait := tick
		if remaining := total - elapsed; remaining < tick {
			wait = remaining
		}
		timer := time.NewTimer(wait)
		select {
		case <-o.shutdown:
			timer.Stop()
			return true
		case <-ctx.Done():
			timer.Stop()
			return true
		case <-timer.C:
		}
		elapsed += wait
	}
	return false
}

// dataTypeFromFilename derives the data type from a snapshot filename of shape
// discogs_YYYYMMDD_<type>.xml.gz, per the original extractor's naming convention
// (§12 supplement).
func dataTypeFromFilename(name string) record.DataType {
	base := filepath.Base(name)
	base = strings.TrimSuffix(base, ".xml.gz")
	parts := strings.Split(base, "_")
	if len(parts) < 3 {
		return ""
	}
	return record.DataType(parts[2])
}
