package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/discogsography/ingestion/internal/config"
	"github.com/discogsography/ingestion/internal/record"
)

func TestDataTypeFromFilename(t *testing.T) {
	cases := []struct {
		name string
		want record.DataType
	}{
		{"discogs_20260701_artists.xml.gz", record.Artists},
		{"discogs_20260701_labels.xml.gz", record.Labels},
		{"discogs_20260701_masters.xml.gz", record.Masters},
		{"discogs_20260701_releases.xml.gz", record.Releases},
		{"CHECKSUM.txt", ""},
		{"garbage", ""},
	}
	for _, c := range cases {
		if got := dataTypeFromFilename(c.name); got != c.want {
			t.Errorf("dataTypeFromFilename(%q) = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestWaitPeriodic_zeroIntervalReturnsFalseImmediately(t *testing.T) {
	o := &Orchestrator{
		Config:   &config.Config{PeriodicCheckDays: 0},
		shutdown: make(chan struct{}),
	}
	done := make(chan bool, 1)
	go func() { done <- o.waitPeriodic(context.Background()) }()
	select {
	case shutdown := <-done:
		if shutdown {
			t.Error("expected waitPeriodic to return false for a zero interval")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waitPeriodic did not return for a zero interval")
	}
}

func TestWaitPeriodic_shutdownReturnsTrueImmediately(t *testing.T) {
	o := &Orchestrator{
		Config:   &config.Config{PeriodicCheckDays: 1},
		shutdown: make(chan struct{}),
	}
	o.Shutdown()

	done := make(chan bool, 1)
	go func() { done <- o.waitPeriodic(context.Background()) }()
	select {
	case shutdown := <-done:
		if !shutdown {
			t.Error("expected waitPeriodic to return true once shutdown fired")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waitPeriodic did not observe shutdown promptly")
	}
}

func TestWaitPeriodic_contextCancelReturnsTrue(t *testing.T) {
	o := &Orchestrator{
		Config:   &config.Config{PeriodicCheckDays: 1},
		shutdown: make(chan struct{}),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan bool, 1)
	go func() { done <- o.waitPeriodic(ctx) }()
	select {
	case shutdown := <-done:
		if !shutdown {
			t.Error("expected waitPeriodic to return true once context was cancelled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waitPeriodic did not observe context cancellation promptly")
	}
}

func TestShutdown_isIdempotent(t *testing.T) {
	o := &Orchestrator{shutdown: make(chan struct{})}
	o.Shutdown()
	o.Shutdown() // must not panic on double-close
	select {
	case <-o.ShutdownChan():
	default:
		t.Error("expected shutdown channel to be closed")
	}
}
