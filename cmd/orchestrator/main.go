// Command orchestrator drives the Discogs snapshot ingestion lifecycle: discover the
// latest complete snapshot, download it, extract every file to the broker, then wait
// out the periodic check interval and repeat (§4.7).
package main

import (
	"context"
	"net/http"
	"os"

	"github.com/discogsography/ingestion/internal/config"
	"github.com/discogsography/ingestion/internal/downloader"
	"github.com/discogsography/ingestion/internal/health"
	"github.com/discogsography/ingestion/internal/httpclient"
	"github.com/discogsography/ingestion/internal/localindex"
	"github.com/discogsography/ingestion/internal/logging"
	"github.com/discogsography/ingestion/internal/metrics"
	"github.com/discogsography/ingestion/internal/orchestrator"
	"github.com/discogsography/ingestion/internal/snapshotcatalog"

	"github.com/prometheus/client_golang/prometheus"
)

const publisherBaseURL = "https://discogs-data-dumps.s3.us-west-2.amazonaws.com"

func main() {
	log := logging.New("orchestrator")

	_ = config.LoadEnvFile(".env")
	cfg := config.Load()

	catalogClient := httpclient.Default()
	catalogClient.Transport = httpclient.WithRateLimit(httpclient.WithBrotli(catalogClient.Transport), 4, 4)
	catalog := snapshotcatalog.New(publisherBaseURL, catalogClient)

	downloadClient := httpclient.ForStreaming()
	downloadClient.Transport = httpclient.WithRateLimit(httpclient.WithBrotli(downloadClient.Transport), 4, 4)
	dl := downloader.New(downloadClient, catalog, cfg.DiscogsRoot, log)

	if cfg.LocalIndexPath != "" {
		idx, err := localindex.Open(cfg.LocalIndexPath)
		if err != nil {
			log.Fatal("configuration error", logging.Fields{"error": err.Error()})
		}
		defer idx.Close()
		dl.Index = idx
	}

	tracker := health.NewTracker()
	reg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(reg)

	mux := http.NewServeMux()
	mux.Handle("/health", health.Handler(tracker, "orchestrator"))
	mux.Handle("/metrics", metrics.Handler(reg))
	go func() {
		if err := http.ListenAndServe(cfg.HealthAddr, mux); err != nil {
			log.Error("health server stopped", logging.Fields{"error": err.Error()})
		}
	}()

	orch := orchestrator.New(cfg, catalog, dl, tracker, metricsReg, log)
	orch.InstallSignalHandlers()

	if err := orch.Run(context.Background()); err != nil {
		log.Error("orchestrator exited with error", logging.Fields{"error": err.Error()})
		os.Exit(1)
	}
}
