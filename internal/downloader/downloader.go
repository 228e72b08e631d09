// Package downloader streams snapshot data files to local disk with checksum-first
// resumability (§4.2). Grounded on internal/materializer/download.go's chunked
// streaming-download pattern, adapted from range-resume semantics to manifest-first
// skip semantics.
package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/discogsography/ingestion/internal/discogserr"
	"github.com/discogsography/ingestion/internal/localindex"
	"github.com/discogsography/ingestion/internal/logging"
	"github.com/discogsography/ingestion/internal/safeurl"
	"github.com/discogsography/ingestion/internal/snapshotcatalog"
	"github.com/discogsography/ingestion/internal/statemarker"
)

// chunkSize is the buffer size used for streamed copies to disk.
const chunkSize = 1 << 20 // 1 MiB

// ProgressFunc is called after each chunk is written to disk.
type ProgressFunc func(filename string, bytesWritten, totalBytes int64)

// LocalMetadata is the per-directory record of already-downloaded files (§3.1,
// §6.5 .discogs_metadata.json), keyed by filename.
type LocalMetadata map[string]LocalFileInfo

// LocalFileInfo mirrors the fields needed to recognise a byte-identical prior download.
type LocalFileInfo struct {
	SizeBytes int64  `json:"size_bytes"`
	SHA256    string `json:"sha256"`
}

// Downloader streams a snapshot version's files to targetDir.
type Downloader struct {
	Client    *http.Client
	Catalog   *snapshotcatalog.Catalog
	TargetDir string
	Log       *logging.Logger
	Progress  ProgressFunc

	// Index, if set, replaces the default JSON sidecar (.discogs_metadata.json) as the
	// skip-if-cached backend (§4.2 step 1, §11). Left nil, the JSON sidecar is used.
	Index *localindex.Index
}

// New builds a Downloader.
func New(client *http.Client, catalog *snapshotcatalog.Catalog, targetDir string, log *logging.Logger) *Downloader {
	return &Downloader{Client: client, Catalog: catalog, TargetDir: targetDir, Log: log}
}

func (d *Downloader) metadataPath() string {
	return filepath.Join(d.TargetDir, ".discogs_metadata.json")
}

func (d *Downloader) loadMetadata() LocalMetadata {
	data, err := os.ReadFile(d.metadataPath())
	if err != nil {
		return LocalMetadata{}
	}
	var meta LocalMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return LocalMetadata{}
	}
	return meta
}

func (d *Downloader) saveMetadata(meta LocalMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("downloader: marshal metadata: %w", err)
	}
	if err := os.MkdirAll(d.TargetDir, 0755); err != nil {
		return fmt.Errorf("downloader: mkdir: %w", err)
	}
	tmp := d.metadataPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("downloader: write metadata: %w", err)
	}
	return os.Rename(tmp, d.metadataPath())
}

// fetchManifest fetches and parses the checksum manifest for a version (§4.2 step 2).
// Manifest lines are "<sha256>  <filename>"; extra whitespace between the two fields is
// tolerated (§12 supplement — the upstream manifest is not always exactly two spaces).
func (d *Downloader) fetchManifest(ctx context.Context, manifest snapshotcatalog.FileInfo) (map[string]string, error) {
	manifestURL := d.Catalog.DownloadURL(manifest.RemotePath)
	if !safeurl.IsHTTPOrHTTPS(manifestURL) {
		return nil, fmt.Errorf("%w: refusing non-http(s) manifest url", discogserr.ErrManifestUnavailable)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", discogserr.ErrManifestUnavailable, err)
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", discogserr.ErrManifestUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", discogserr.ErrManifestUnavailable, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", discogserr.ErrManifestUnavailable, err)
	}
	return parseManifest(body)
}

func parseManifest(body []byte) (map[string]string, error) {
	hashes := make(map[string]string)
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("%w: malformed manifest line %q", discogserr.ErrManifestUnavailable, line)
		}
		hashes[fields[1]] = fields[0]
	}
	if len(hashes) == 0 {
		return nil, fmt.Errorf("%w: empty manifest", discogserr.ErrManifestUnavailable)
	}
	return hashes, nil
}

// Download runs the full §4.2 algorithm for one snapshot version: resolve the manifest,
// skip already-correct local files, stream the rest, verify checksums, and update both
// the local metadata and the state marker. It returns the list of local filenames now
// present and verified on disk.
func (d *Downloader) Download(ctx context.Context, files []snapshotcatalog.FileInfo, marker *statemarker.Marker, markerPath string) ([]string, error) {
	var manifestFile snapshotcatalog.FileInfo
	var dataFiles []snapshotcatalog.FileInfo
	for _, f := range files {
		if f.DataType == "" {
			manifestFile = f
		} else {
			dataFiles = append(dataFiles, f)
		}
	}
	if manifestFile.RemotePath == "" {
		return nil, fmt.Errorf("%w: no checksum manifest in file set", discogserr.ErrManifestUnavailable)
	}

	hashes, err := d.fetchManifest(ctx, manifestFile)
	if err != nil {
		marker.FailDownload(err)
		_ = marker.Save(markerPath)
		return nil, err
	}

	var meta LocalMetadata
	if d.Index == nil {
		meta = d.loadMetadata()
	}
	marker.StartDownload(len(dataFiles))
	_ = marker.Save(markerPath)

	var verified []string
	for _, f := range dataFiles {
		expected, ok := hashes[f.LocalPath]
		if !ok {
			err := discogserr.ChecksumMismatch(f.LocalPath, "", "manifest-missing-entry")
			marker.FailDownload(err)
			_ = marker.Save(markerPath)
			return nil, err
		}

		localPath := filepath.Join(d.TargetDir, f.LocalPath)
		if cachedSize, cachedSHA, ok := d.lookupCache(meta, f.LocalPath); ok && cachedSHA == expected {
			if info, statErr := os.Stat(localPath); statErr == nil && info.Size() == cachedSize {
				d.Log.Info("skipping already-downloaded file", logging.Fields{"file": f.LocalPath})
				marker.FileDownloaded(cachedSize)
				verified = append(verified, f.LocalPath)
				continue
			}
		}

		size, actual, err := d.downloadOne(ctx, f, localPath)
		if err != nil {
			marker.FailDownload(err)
			_ = marker.Save(markerPath)
			return nil, err
		}
		if actual != expected {
			err := discogserr.ChecksumMismatch(f.LocalPath, expected, actual)
			marker.FailDownload(err)
			_ = marker.Save(markerPath)
			return nil, err
		}

		if err := d.storeCache(meta, f.LocalPath, size, actual); err != nil {
			marker.FailDownload(err)
			_ = marker.Save(markerPath)
			return nil, err
		}
		marker.FileDownloaded(size)
		_ = marker.Save(markerPath)
		verified = append(verified, f.LocalPath)
		d.Log.Info("downloaded file", logging.Fields{"file": f.LocalPath, "size": humanize.Bytes(uint64(size))})
	}

	if d.Index == nil {
		if err := d.saveMetadata(meta); err != nil {
			return nil, err
		}
	}
	marker.CompleteDownload()
	if err := marker.Save(markerPath); err != nil {
		return nil, err
	}
	return verified, nil
}

// lookupCache consults d.Index if configured, otherwise the in-memory JSON sidecar map.
func (d *Downloader) lookupCache(meta LocalMetadata, filename string) (sizeBytes int64, sha256 string, ok bool) {
	if d.Index != nil {
		return d.Index.Get(filename)
	}
	info, ok := meta[filename]
	if !ok {
		return 0, "", false
	}
	return info.SizeBytes, info.SHA256, true
}

// storeCache records a verified download's size/hash in whichever backend is active.
func (d *Downloader) storeCache(meta LocalMetadata, filename string, sizeBytes int64, sha256 string) error {
	if d.Index != nil {
		return d.Index.Put(filename, sizeBytes, sha256)
	}
	meta[filename] = LocalFileInfo{SizeBytes: sizeBytes, SHA256: sha256}
	return nil
}

// downloadOne streams one file's HTTP response body to disk in chunkSize writes,
// returning the total bytes written and the sha256 computed over the stream.
func (d *Downloader) downloadOne(ctx context.Context, f snapshotcatalog.FileInfo, localPath string) (int64, string, error) {
	downloadURL := d.Catalog.DownloadURL(f.RemotePath)
	if !safeurl.IsHTTPOrHTTPS(downloadURL) {
		return 0, "", fmt.Errorf("downloader: refusing non-http(s) url %s", downloadURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return 0, "", fmt.Errorf("downloader: build request: %w", err)
	}
	resp, err := d.Client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("downloader: fetch %s: %w", f.LocalPath, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, "", fmt.Errorf("downloader: fetch %s: status %d", f.LocalPath, resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return 0, "", fmt.Errorf("downloader: mkdir: %w", err)
	}
	out, err := os.Create(localPath)
	if err != nil {
		return 0, "", fmt.Errorf("downloader: create %s: %w", localPath, err)
	}
	defer out.Close()

	hasher := sha256.New()
	mw := io.MultiWriter(out, hasher)
	buf := make([]byte, chunkSize)
	var total int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := mw.Write(buf[:n]); writeErr != nil {
				return 0, "", fmt.Errorf("downloader: write %s: %w", localPath, writeErr)
			}
			total += int64(n)
			if d.Progress != nil {
				d.Progress(f.LocalPath, total, resp.ContentLength)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return 0, "", fmt.Errorf("downloader: read %s: %w", f.LocalPath, readErr)
		}
		select {
		case <-ctx.Done():
			return 0, "", ctx.Err()
		default:
		}
	}
	return total, hex.EncodeToString(hasher.Sum(nil)), nil
}
