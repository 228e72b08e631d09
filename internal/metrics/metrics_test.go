package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistry_countersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)

	r.RecordsExtracted.WithLabelValues("artists").Add(3)
	r.MessagesPublished.WithLabelValues("artists").Inc()

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, mf := range metricFamilies {
		if mf.GetName() == "discogs_records_extracted_total" {
			found = true
			for _, m := range mf.GetMetric() {
				if m.GetCounter().GetValue() != 3 {
					t.Errorf("counter value = %v, want 3", m.GetCounter().GetValue())
				}
			}
		}
	}
	if !found {
		t.Fatal("expected discogs_records_extracted_total to be registered")
	}
	_ = dto.MetricFamily{}
}

func TestRecordQueueDepth_isGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRegistry(reg)
	r.RecordQueueDepth.WithLabelValues("artists").Set(42)
	r.RecordQueueDepth.WithLabelValues("artists").Set(10)

	metricFamilies, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range metricFamilies {
		if mf.GetName() == "discogs_record_queue_depth" {
			for _, m := range mf.GetMetric() {
				if m.GetGauge().GetValue() != 10 {
					t.Errorf("gauge value = %v, want 10 (last Set wins)", m.GetGauge().GetValue())
				}
			}
		}
	}
}
