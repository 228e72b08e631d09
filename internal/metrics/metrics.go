// Package metrics exposes the Prometheus collectors shared by the extractor,
// broker publisher, and both consumers. client_golang is declared in the teacher's
// go.mod but never imported there — this package is the one component the rewrite
// gives it a genuine home in.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every counter/gauge named in §11's domain stack wiring table.
type Registry struct {
	RecordsExtracted  *prometheus.CounterVec
	MessagesPublished *prometheus.CounterVec
	BatchFlushes      *prometheus.CounterVec
	DLQRoutes         *prometheus.CounterVec
	RecordQueueDepth  *prometheus.GaugeVec
	FlushQueueDepth   *prometheus.GaugeVec
}

// NewRegistry constructs and registers every collector against reg (use
// prometheus.NewRegistry() for isolated tests, prometheus.DefaultRegisterer in prod).
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		RecordsExtracted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "discogs_records_extracted_total",
			Help: "Records parsed out of a snapshot XML file, by data type.",
		}, []string{"data_type"}),
		MessagesPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "discogs_messages_published_total",
			Help: "Messages published to the broker, by data type.",
		}, []string{"data_type"}),
		BatchFlushes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "discogs_batch_flushes_total",
			Help: "Consumer batch flushes, by consumer and data type.",
		}, []string{"consumer", "data_type"}),
		DLQRoutes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "discogs_dlq_routes_total",
			Help: "Messages routed to a dead-letter queue, by data type.",
		}, []string{"data_type"}),
		RecordQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "discogs_record_queue_depth",
			Help: "Current depth of an extractor's bounded record queue.",
		}, []string{"data_type"}),
		FlushQueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "discogs_flush_queue_depth",
			Help: "Current depth of an extractor's bounded flush-signal queue.",
		}, []string{"data_type"}),
	}
}

// Handler returns the standard /metrics HTTP handler for reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
