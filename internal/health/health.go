// Package health serves the orchestrator's process-surface health endpoint (§6.6).
package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// DataTypes are the four Discogs record kinds the pipeline tracks (§2, §3.1).
var DataTypes = [...]string{"artists", "labels", "masters", "releases"}

// Tracker holds the process-wide progress counters the health endpoint reports.
// Mutations come from the orchestrator and its extractors; reads come from the
// HTTP handler. All access goes through the mutex, replacing the reference
// implementation's module-level globals with an explicit, injectable type
// (§9 "global mutable state → dependency-injected orchestrator state").
type Tracker struct {
	mu                 sync.Mutex
	extractionProgress map[string]int64
	lastExtractionTime map[string]time.Time
	activeExtractions  map[string]struct{} // data type -> has an open broker channel
	currentTask        string
	currentProgress    float64
}

// NewTracker returns a Tracker with all four data types initialised to zero.
func NewTracker() *Tracker {
	t := &Tracker{
		extractionProgress: make(map[string]int64, len(DataTypes)),
		lastExtractionTime: make(map[string]time.Time, len(DataTypes)),
		activeExtractions:  make(map[string]struct{}, len(DataTypes)),
	}
	for _, dt := range DataTypes {
		t.extractionProgress[dt] = 0
	}
	return t
}

// RecordProgress updates the running count and last-extraction timestamp for dataType.
func (t *Tracker) RecordProgress(dataType string, recordsExtracted int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.extractionProgress[dataType] = recordsExtracted
	t.lastExtractionTime[dataType] = time.Now()
}

// SetExtracting marks dataType as actively extracting (an open broker channel exists).
func (t *Tracker) SetExtracting(dataType string, active bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if active {
		t.activeExtractions[dataType] = struct{}{}
	} else {
		delete(t.activeExtractions, dataType)
	}
}

// SetCurrentTask records a human-readable description of the in-flight phase/file
// and a 0..1 progress fraction, mirroring the original's current_task/current_progress.
func (t *Tracker) SetCurrentTask(task string, progress float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.currentTask = task
	t.currentProgress = progress
}

// staleAfter is the threshold past which a data type's last extraction is flagged
// stalled by the orchestrator's progress reporter (§4.7 step 7).
const staleAfter = 120 * time.Second

// Payload is the JSON shape served at the health endpoint (§6.6).
type Payload struct {
	Status             string            `json:"status"`
	Service            string            `json:"service"`
	CurrentTask        string            `json:"current_task,omitempty"`
	Progress           float64           `json:"current_progress,omitempty"`
	ExtractionProgress map[string]int64  `json:"extraction_progress"`
	LastExtractionTime map[string]string `json:"last_extraction_time"`
	ActiveExtractions  []string          `json:"active_extractions"`
	Timestamp          string            `json:"timestamp"`
}

// Snapshot renders the current Tracker state into a Payload. status is "extracting"
// when any data type has an open broker channel, otherwise "healthy" (§6.6).
func (t *Tracker) Snapshot(service string) Payload {
	t.mu.Lock()
	defer t.mu.Unlock()

	status := "healthy"
	active := make([]string, 0, len(t.activeExtractions))
	for _, dt := range DataTypes {
		if _, ok := t.activeExtractions[dt]; ok {
			active = append(active, dt)
		}
	}
	if len(active) > 0 {
		status = "extracting"
	}

	progress := make(map[string]int64, len(t.extractionProgress))
	for k, v := range t.extractionProgress {
		progress[k] = v
	}
	lastTimes := make(map[string]string, len(t.lastExtractionTime))
	for _, dt := range DataTypes {
		if ts, ok := t.lastExtractionTime[dt]; ok {
			lastTimes[dt] = ts.Format(time.RFC3339)
		}
	}

	return Payload{
		Status:             status,
		Service:            service,
		CurrentTask:        t.currentTask,
		Progress:           t.currentProgress,
		ExtractionProgress: progress,
		LastExtractionTime: lastTimes,
		ActiveExtractions:  active,
		Timestamp:          time.Now().Format(time.RFC3339),
	}
}

// Stalled returns the data types whose last extraction is older than staleAfter,
// excluding types with no recorded extraction yet (§4.7 step 7).
func (t *Tracker) Stalled(now time.Time) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var stalled []string
	for _, dt := range DataTypes {
		ts, ok := t.lastExtractionTime[dt]
		if !ok {
			continue
		}
		if now.Sub(ts) > staleAfter {
			stalled = append(stalled, dt)
		}
	}
	return stalled
}

// Handler serves the Tracker's Snapshot as JSON for the named service (§6.6).
func Handler(t *Tracker, service string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(t.Snapshot(service))
	})
}
