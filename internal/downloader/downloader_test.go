package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/discogsography/ingestion/internal/localindex"
	"github.com/discogsography/ingestion/internal/logging"
	"github.com/discogsography/ingestion/internal/snapshotcatalog"
	"github.com/discogsography/ingestion/internal/statemarker"
)

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newTestServer(t *testing.T, artistsBody string) *httptest.Server {
	t.Helper()
	artistsHash := hashOf(artistsBody)
	manifest := fmt.Sprintf("%s  discogs_20260701_artists.xml.gz\n", artistsHash)
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("download")
		switch key {
		case "data/2026/discogs_20260701_CHECKSUM.txt":
			w.Write([]byte(manifest))
		case "data/2026/discogs_20260701_artists.xml.gz":
			w.Write([]byte(artistsBody))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	return httptest.NewServer(mux)
}

func testFiles() []snapshotcatalog.FileInfo {
	return []snapshotcatalog.FileInfo{
		{RemotePath: "data/2026/discogs_20260701_artists.xml.gz", LocalPath: "discogs_20260701_artists.xml.gz", Version: "20260701", DataType: "artists"},
		{RemotePath: "data/2026/discogs_20260701_CHECKSUM.txt", LocalPath: "discogs_20260701_CHECKSUM.txt", Version: "20260701"},
	}
}

func TestDownload_verifiesChecksumAndCompletesMarker(t *testing.T) {
	srv := newTestServer(t, "<artists><artist><id>1</id></artist></artists>")
	defer srv.Close()

	dir := t.TempDir()
	cat := snapshotcatalog.New(srv.URL, srv.Client())
	d := New(srv.Client(), cat, dir, logging.New("test"))

	marker := statemarker.New("20260701")
	markerPath := filepath.Join(dir, ".extraction_status_20260701.json")

	verified, err := d.Download(context.Background(), testFiles(), marker, markerPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(verified) != 1 || verified[0] != "discogs_20260701_artists.xml.gz" {
		t.Errorf("verified = %v", verified)
	}
	if marker.Download.Status != statemarker.Completed {
		t.Errorf("Download.Status = %q, want completed", marker.Download.Status)
	}
	if _, err := os.Stat(filepath.Join(dir, "discogs_20260701_artists.xml.gz")); err != nil {
		t.Errorf("expected file on disk: %v", err)
	}
}

func TestDownload_checksumMismatchFailsMarker(t *testing.T) {
	srv := newTestServer(t, "expected-body")
	defer srv.Close()

	// Rig the server to actually serve different bytes than the manifest describes.
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("download")
		switch key {
		case "data/2026/discogs_20260701_CHECKSUM.txt":
			w.Write([]byte(hashOf("expected-body") + "  discogs_20260701_artists.xml.gz\n"))
		case "data/2026/discogs_20260701_artists.xml.gz":
			w.Write([]byte("corrupted-body"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	bad := httptest.NewServer(mux)
	defer bad.Close()

	dir := t.TempDir()
	cat := snapshotcatalog.New(bad.URL, bad.Client())
	d := New(bad.Client(), cat, dir, logging.New("test"))
	marker := statemarker.New("20260701")
	markerPath := filepath.Join(dir, ".extraction_status_20260701.json")

	_, err := d.Download(context.Background(), testFiles(), marker, markerPath)
	if err == nil {
		t.Fatal("expected checksum mismatch error")
	}
	if marker.Download.Status != statemarker.Failed {
		t.Errorf("Download.Status = %q, want failed", marker.Download.Status)
	}
}

func TestDownload_skipsByteIdenticalFile(t *testing.T) {
	body := "<artists><artist><id>1</id></artist></artists>"
	srv := newTestServer(t, body)
	defer srv.Close()

	dir := t.TempDir()
	cat := snapshotcatalog.New(srv.URL, srv.Client())
	d := New(srv.Client(), cat, dir, logging.New("test"))
	marker := statemarker.New("20260701")
	markerPath := filepath.Join(dir, ".extraction_status_20260701.json")

	if _, err := d.Download(context.Background(), testFiles(), marker, markerPath); err != nil {
		t.Fatal(err)
	}

	// Second run should skip the download entirely but still report the file verified.
	marker2 := statemarker.New("20260701")
	verified, err := d.Download(context.Background(), testFiles(), marker2, markerPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(verified) != 1 {
		t.Errorf("verified = %v, want 1 entry", verified)
	}
	if marker2.Download.FilesDownloaded != 1 {
		t.Errorf("FilesDownloaded = %d, want 1 (counted even when skipped)", marker2.Download.FilesDownloaded)
	}
}

func TestDownload_skipsByteIdenticalFileWithLocalIndex(t *testing.T) {
	body := "<artists><artist><id>1</id></artist></artists>"
	srv := newTestServer(t, body)
	defer srv.Close()

	dir := t.TempDir()
	idx, err := localindex.Open(filepath.Join(dir, "index.sqlite"))
	if err != nil {
		t.Fatal(err)
	}
	defer idx.Close()

	cat := snapshotcatalog.New(srv.URL, srv.Client())
	d := New(srv.Client(), cat, dir, logging.New("test"))
	d.Index = idx
	marker := statemarker.New("20260701")
	markerPath := filepath.Join(dir, ".extraction_status_20260701.json")

	if _, err := d.Download(context.Background(), testFiles(), marker, markerPath); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := idx.Get("discogs_20260701_artists.xml.gz"); !ok {
		t.Fatal("expected localindex to record the downloaded file")
	}
	if _, err := os.Stat(filepath.Join(dir, ".discogs_metadata.json")); err == nil {
		t.Error("JSON sidecar should not be written when Index is set")
	}

	// Second run should skip via the sqlite index, not the JSON sidecar.
	marker2 := statemarker.New("20260701")
	verified, err := d.Download(context.Background(), testFiles(), marker2, markerPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(verified) != 1 {
		t.Errorf("verified = %v, want 1 entry", verified)
	}
	if marker2.Download.FilesDownloaded != 1 {
		t.Errorf("FilesDownloaded = %d, want 1 (counted even when skipped)", marker2.Download.FilesDownloaded)
	}
}

func TestParseManifest_toleratesExtraWhitespace(t *testing.T) {
	body := []byte("abc123   file-one.xml.gz\ndef456\tfile-two.xml.gz\n")
	hashes, err := parseManifest(body)
	if err != nil {
		t.Fatal(err)
	}
	if hashes["file-one.xml.gz"] != "abc123" {
		t.Errorf("file-one hash = %q, want abc123", hashes["file-one.xml.gz"])
	}
	if hashes["file-two.xml.gz"] != "def456" {
		t.Errorf("file-two hash = %q, want def456", hashes["file-two.xml.gz"])
	}
}
