// Package statemarker implements the per-snapshot-version state marker (§3.2, §4.3):
// a persistent, phase-aware progress record that drives resume/skip/reprocess
// decisions across crashes. Grounded on internal/indexer/fetch/state.go's
// atomic-write, mutex-guarded checkpoint-file pattern.
package statemarker

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// PhaseStatus is the status enum shared by every phase (§3.2).
type PhaseStatus string

const (
	Pending    PhaseStatus = "pending"
	InProgress PhaseStatus = "in_progress"
	Completed  PhaseStatus = "completed"
	Failed     PhaseStatus = "failed"
)

// Decision is the outcome of ShouldProcess (§3.2 invariants, §4.7 step 5).
type Decision string

const (
	Reprocess Decision = "reprocess"
	Continue  Decision = "continue"
	Skip      Decision = "skip"
)

// DownloadPhase tracks §4.2's download progress.
type DownloadPhase struct {
	Status          PhaseStatus `json:"status"`
	StartedAt       time.Time   `json:"started_at,omitempty"`
	CompletedAt     time.Time   `json:"completed_at,omitempty"`
	FilesDownloaded int         `json:"files_downloaded"`
	FilesTotal      int         `json:"files_total"`
	BytesDownloaded int64       `json:"bytes_downloaded"`
	Errors          []string    `json:"errors,omitempty"`
}

// FileProgress is one entry of ProcessingPhase.ProgressByFile.
type FileProgress struct {
	Status            PhaseStatus `json:"status"`
	RecordsExtracted  int64       `json:"records_extracted"`
	MessagesPublished int64       `json:"messages_published"`
	StartedAt         time.Time   `json:"started_at,omitempty"`
	CompletedAt       time.Time   `json:"completed_at,omitempty"`
}

// ProcessingPhase tracks §4.4's per-file extraction progress.
type ProcessingPhase struct {
	Status           PhaseStatus              `json:"status"`
	StartedAt        time.Time                `json:"started_at,omitempty"`
	CompletedAt      time.Time                `json:"completed_at,omitempty"`
	FilesProcessed   int                      `json:"files_processed"`
	FilesTotal       int                      `json:"files_total"`
	RecordsExtracted int64                    `json:"records_extracted"`
	CurrentFile      string                   `json:"current_file,omitempty"`
	ProgressByFile   map[string]*FileProgress `json:"progress_by_file"`
	Errors           []string                 `json:"errors,omitempty"`
}

// PublishingPhase tracks broker publish confirms across the whole run.
type PublishingPhase struct {
	Status            PhaseStatus `json:"status"`
	MessagesPublished int64       `json:"messages_published"`
	BatchesSent       int64       `json:"batches_sent"`
	Errors            []string    `json:"errors,omitempty"`
	LastHeartbeat     time.Time   `json:"last_heartbeat,omitempty"`
}

// Summary is the top-level roll-up (§3.2).
type Summary struct {
	OverallStatus        PhaseStatus            `json:"overall_status"`
	TotalDurationSeconds float64                `json:"total_duration_seconds"`
	FilesByType          map[string]PhaseStatus `json:"files_by_type"`
}

// Marker is the full per-snapshot-version state document.
type Marker struct {
	mu sync.Mutex

	MetadataVersion int       `json:"metadata_version"`
	CurrentVersion  string    `json:"current_version"`
	LastUpdated     time.Time `json:"last_updated"`

	Download   DownloadPhase   `json:"download_phase"`
	Processing ProcessingPhase `json:"processing_phase"`
	Publishing PublishingPhase `json:"publishing_phase"`
	Summary    Summary         `json:"summary"`

	path      string    // not serialised
	startedAt time.Time // not serialised; for total_duration_seconds
}

const currentMetadataVersion = 1

// New creates a fresh Marker for the given snapshot version.
func New(version string) *Marker {
	return &Marker{
		MetadataVersion: currentMetadataVersion,
		CurrentVersion:  version,
		LastUpdated:     time.Now(),
		Download:        DownloadPhase{Status: Pending},
		Processing: ProcessingPhase{
			Status:         Pending,
			ProgressByFile: make(map[string]*FileProgress),
		},
		Publishing: PublishingPhase{Status: Pending},
		Summary: Summary{
			OverallStatus: Pending,
			FilesByType:   make(map[string]PhaseStatus),
		},
		startedAt: time.Now(),
	}
}

// Load reads the marker at path. A missing or corrupt file is not an error — it
// returns (nil, nil) so the caller falls back to New (§4.3: "corruption is a warning,
// not fatal").
func Load(path string) (*Marker, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("statemarker: read %s: %w", path, err)
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, nil
	}
	m.path = path
	m.startedAt = time.Now()
	if m.Processing.ProgressByFile == nil {
		m.Processing.ProgressByFile = make(map[string]*FileProgress)
	}
	if m.Summary.FilesByType == nil {
		m.Summary.FilesByType = make(map[string]PhaseStatus)
	}
	return &m, nil
}

// Save atomically writes the marker to path (or its last loaded/saved path if path is
// empty), updating LastUpdated first.
func (m *Marker) Save(path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if path == "" {
		path = m.path
	}
	if path == "" {
		return fmt.Errorf("statemarker: no path to save to")
	}
	m.path = path
	m.LastUpdated = time.Now()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("statemarker: marshal: %w", err)
	}
	dir := filepath.Dir(filepath.Clean(path))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("statemarker: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".statemarker-*.json.tmp")
	if err != nil {
		return fmt.Errorf("statemarker: create temp: %w", err)
	}
	name := tmp.Name()
	_, werr := tmp.Write(data)
	cerr := tmp.Close()
	if werr != nil || cerr != nil {
		os.Remove(name)
		if werr != nil {
			return fmt.Errorf("statemarker: write: %w", werr)
		}
		return fmt.Errorf("statemarker: close: %w", cerr)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("statemarker: rename: %w", err)
	}
	return nil
}

// StartDownload sets download_phase → in_progress with the given file total.
func (m *Marker) StartDownload(total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Download.Status = InProgress
	m.Download.StartedAt = time.Now()
	m.Download.FilesTotal = total
}

// FileDownloaded increments the download byte/file counters.
func (m *Marker) FileDownloaded(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Download.FilesDownloaded++
	m.Download.BytesDownloaded += bytes
}

// CompleteDownload marks download_phase → completed.
func (m *Marker) CompleteDownload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Download.Status = Completed
	m.Download.CompletedAt = time.Now()
}

// FailDownload marks download_phase → failed and records err (§3.2 invariant: a
// failed download forces a reprocess decision on the next run).
func (m *Marker) FailDownload(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Download.Status = Failed
	if err != nil {
		m.Download.Errors = append(m.Download.Errors, err.Error())
	}
}

// StartProcessing sets processing_phase and summary → in_progress with the given file total.
func (m *Marker) StartProcessing(total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Processing.Status = InProgress
	m.Processing.StartedAt = time.Now()
	m.Processing.FilesTotal = total
	m.Summary.OverallStatus = InProgress
}

// StartFileProcessing adds or resets a file's progress entry to in_progress.
func (m *Marker) StartFileProcessing(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp, ok := m.Processing.ProgressByFile[name]
	if !ok {
		fp = &FileProgress{}
		m.Processing.ProgressByFile[name] = fp
	}
	fp.Status = InProgress
	fp.StartedAt = time.Now()
	m.Processing.CurrentFile = name
}

// UpdateFileProgress overwrites a file's per-progress counts and recomputes
// processing_phase.records_extracted as the sum over all file entries — a
// recompute, not an increment, so repeated calls with the same (records, messages)
// are idempotent (§3.2 invariant, §8 property 2).
func (m *Marker) UpdateFileProgress(name string, records, messages int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp, ok := m.Processing.ProgressByFile[name]
	if !ok {
		return fmt.Errorf("statemarker: update progress: unknown file %q", name)
	}
	fp.RecordsExtracted = records
	fp.MessagesPublished = messages
	m.recomputeRecordsExtractedLocked()
	return nil
}

// CompleteFileProcessing marks a file's entry completed and increments
// files_processed only on this transition (§3.2 invariant), then recomputes totals.
func (m *Marker) CompleteFileProcessing(name string, records int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp, ok := m.Processing.ProgressByFile[name]
	if !ok {
		return fmt.Errorf("statemarker: complete file: unknown file %q", name)
	}
	if fp.Status != Completed {
		m.Processing.FilesProcessed++
	}
	fp.Status = Completed
	fp.RecordsExtracted = records
	fp.CompletedAt = time.Now()
	m.recomputeRecordsExtractedLocked()
	return nil
}

func (m *Marker) recomputeRecordsExtractedLocked() {
	var total int64
	for _, fp := range m.Processing.ProgressByFile {
		total += fp.RecordsExtracted
	}
	m.Processing.RecordsExtracted = total
}

// FailFileProcessing marks a file's entry failed and records err, without touching
// files_processed (a failed file is not a completed one).
func (m *Marker) FailFileProcessing(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp, ok := m.Processing.ProgressByFile[name]
	if !ok {
		fp = &FileProgress{}
		m.Processing.ProgressByFile[name] = fp
	}
	fp.Status = Failed
	if err != nil {
		m.Processing.Errors = append(m.Processing.Errors, fmt.Sprintf("%s: %v", name, err))
	}
}

// CompleteProcessing marks processing_phase → completed.
func (m *Marker) CompleteProcessing() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Processing.Status = Completed
	m.Processing.CompletedAt = time.Now()
}

// CompleteExtraction marks publishing_phase and summary → completed and records the
// total run duration (§4.3 table).
func (m *Marker) CompleteExtraction() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Publishing.Status = Completed
	m.Summary.OverallStatus = Completed
	m.Summary.TotalDurationSeconds = time.Since(m.startedAt).Seconds()
}

// RecordFileType sets the summary's per-type status, used to populate
// summary.files_by_type as each file's data type completes.
func (m *Marker) RecordFileType(dataType string, status PhaseStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Summary.FilesByType[dataType] = status
}

// Heartbeat updates publishing_phase.last_heartbeat, used by the flush worker to
// signal liveness independent of per-file progress updates.
func (m *Marker) Heartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Publishing.LastHeartbeat = time.Now()
}

// ShouldProcess implements the §3.2 resume-decision table.
func (m *Marker) ShouldProcess() Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Download.Status == Failed {
		return Reprocess
	}
	if m.Processing.Status == InProgress || m.Processing.Status == Failed {
		return Continue
	}
	if m.Summary.OverallStatus == Completed {
		return Skip
	}
	return Continue
}

// PendingFiles returns the subset of all whose progress entry is missing or not
// completed.
func (m *Marker) PendingFiles(all []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var pending []string
	for _, name := range all {
		fp, ok := m.Processing.ProgressByFile[name]
		if !ok || fp.Status != Completed {
			pending = append(pending, name)
		}
	}
	return pending
}
