// Command tableinator consumes the four per-type queues and upserts changed records
// into Postgres (§3.4, §4.6, §6.4).
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/discogsography/ingestion/internal/batchproc"
	"github.com/discogsography/ingestion/internal/broker"
	"github.com/discogsography/ingestion/internal/config"
	"github.com/discogsography/ingestion/internal/consumer"
	"github.com/discogsography/ingestion/internal/health"
	"github.com/discogsography/ingestion/internal/logging"
	"github.com/discogsography/ingestion/internal/metrics"
	"github.com/discogsography/ingestion/internal/relstore"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	log := logging.New("tableinator")

	_ = config.LoadEnvFile(".env")
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := relstore.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatal("configuration error", logging.Fields{"error": err.Error()})
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(reg)
	tracker := health.NewTracker()
	proc := batchproc.New(batchproc.Config{BatchSize: cfg.PostgresBatchSize}, store.Apply)
	proc.Consumer = "tableinator"
	proc.Metrics = metricsReg

	mux := http.NewServeMux()
	mux.Handle("/health", health.Handler(tracker, "tableinator"))
	mux.Handle("/metrics", metrics.Handler(reg))
	go func() {
		if err := http.ListenAndServe(cfg.HealthAddr, mux); err != nil {
			log.Error("health server stopped", logging.Fields{"error": err.Error()})
		}
	}()

	go proc.RunIntervalFlusher(ctx)

	c := consumer.New(broker.RelationalFamily, cfg.AMQPURL, proc, log)
	if err := c.Run(ctx); err != nil {
		log.Error("tableinator exited with error", logging.Fields{"error": err.Error()})
		proc.FlushAll(context.Background())
		os.Exit(1)
	}
	proc.FlushAll(context.Background())
}
