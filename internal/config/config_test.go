package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad_defaults(t *testing.T) {
	os.Clearenv()
	c := Load()
	if c.DiscogsRoot != "/var/lib/discogsography" {
		t.Errorf("DiscogsRoot default: got %q", c.DiscogsRoot)
	}
	if c.Neo4jBatchSize != 100 {
		t.Errorf("Neo4jBatchSize default: got %d", c.Neo4jBatchSize)
	}
	if c.PostgresBatchSize != 100 {
		t.Errorf("PostgresBatchSize default: got %d", c.PostgresBatchSize)
	}
	if c.ExtractorMaxWorkers != 4 {
		t.Errorf("ExtractorMaxWorkers default: got %d", c.ExtractorMaxWorkers)
	}
	if c.ExtractorConcurrency != 3 {
		t.Errorf("ExtractorConcurrency default: got %d", c.ExtractorConcurrency)
	}
	if c.ExtractorOverloadMode != "drop" {
		t.Errorf("ExtractorOverloadMode default: got %q", c.ExtractorOverloadMode)
	}
	if c.ForceReprocess {
		t.Error("ForceReprocess should default false")
	}
	if c.PeriodicCheckDays != 30 {
		t.Errorf("PeriodicCheckDays default: got %d", c.PeriodicCheckDays)
	}
}

func TestLoad_batchSizesFromEnv(t *testing.T) {
	os.Clearenv()
	os.Setenv("NEO4J_BATCH_SIZE", "250")
	os.Setenv("POSTGRES_BATCH_SIZE", "50")
	c := Load()
	if c.Neo4jBatchSize != 250 {
		t.Errorf("Neo4jBatchSize: got %d", c.Neo4jBatchSize)
	}
	if c.PostgresBatchSize != 50 {
		t.Errorf("PostgresBatchSize: got %d", c.PostgresBatchSize)
	}
}

func TestLoad_invalidBatchSizeFallsBackToDefault(t *testing.T) {
	os.Clearenv()
	os.Setenv("NEO4J_BATCH_SIZE", "not-a-number")
	c := Load()
	if c.Neo4jBatchSize != 100 {
		t.Errorf("Neo4jBatchSize should fall back to default on parse error; got %d", c.Neo4jBatchSize)
	}
}

func TestLoad_forceReprocess(t *testing.T) {
	os.Clearenv()
	os.Setenv("FORCE_REPROCESS", "true")
	c := Load()
	if !c.ForceReprocess {
		t.Error("ForceReprocess should be true")
	}
	os.Setenv("FORCE_REPROCESS", "1")
	c = Load()
	if !c.ForceReprocess {
		t.Error("ForceReprocess should be true for \"1\"")
	}
}

func TestLoad_overloadModeRejectsUnknown(t *testing.T) {
	os.Clearenv()
	os.Setenv("EXTRACTOR_OVERLOAD_POLICY", "nonsense")
	c := Load()
	if c.ExtractorOverloadMode != "drop" {
		t.Errorf("unknown overload mode should fall back to default; got %q", c.ExtractorOverloadMode)
	}
	os.Setenv("EXTRACTOR_OVERLOAD_POLICY", "BLOCK")
	c = Load()
	if c.ExtractorOverloadMode != "block" {
		t.Errorf("overload mode should be case-insensitive; got %q", c.ExtractorOverloadMode)
	}
}

func TestPeriodicCheckInterval(t *testing.T) {
	os.Clearenv()
	os.Setenv("PERIODIC_CHECK_DAYS", "7")
	c := Load()
	if c.PeriodicCheckInterval() != 7*24*time.Hour {
		t.Errorf("PeriodicCheckInterval: got %v", c.PeriodicCheckInterval())
	}
}
