package snapshotcatalog

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func rootListingHTML() string {
	return `<html><body>
<a href="data/2025/">2025/</a>
<a href="data/2026/">2026/</a>
<a href="data/2024/">2024/</a>
</body></html>`
}

func yearListingHTML(version string) string {
	return `<html><body>
<a href="data/2026/discogs_` + version + `_artists.xml.gz">artists</a>
<a href="data/2026/discogs_` + version + `_labels.xml.gz">labels</a>
<a href="data/2026/discogs_` + version + `_masters.xml.gz">masters</a>
<a href="data/2026/discogs_` + version + `_releases.xml.gz">releases</a>
<a href="data/2026/discogs_` + version + `_CHECKSUM.txt">checksum</a>
</body></html>`
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/":
			w.Write([]byte(rootListingHTML()))
		case r.URL.Path == "/data/2026/":
			w.Write([]byte(yearListingHTML("20260701")))
		case r.URL.Path == "/data/2025/":
			w.Write([]byte(yearListingHTML("20251201")))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	return httptest.NewServer(mux)
}

func TestDiscover_findsCompleteSnapshot(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	cat := New(srv.URL, srv.Client())
	catalog, err := cat.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	version, files, ok := SelectLatest(catalog)
	if !ok {
		t.Fatal("expected a complete snapshot to be selected")
	}
	if version != "20260701" {
		t.Errorf("version = %q, want 20260701", version)
	}
	if len(files) != 5 {
		t.Errorf("len(files) = %d, want 5", len(files))
	}
}

func TestDiscover_onlyScrapesRecentYears(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	cat := New(srv.URL, srv.Client())
	catalog, err := cat.Discover(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := catalog["20251201"]; !ok {
		t.Error("expected 2025 (second most recent year) to be scraped")
	}
	// 2024 should never be fetched; the server 404s it, so Discover would have errored
	// had it tried.
}

func TestDownloadURL_encodesKey(t *testing.T) {
	cat := New("https://example.com", http.DefaultClient)
	got := cat.DownloadURL("data/2026/discogs_20260701_artists.xml.gz")
	if !strings.HasPrefix(got, "https://example.com/?download=") {
		t.Errorf("DownloadURL() = %q, want prefix https://example.com/?download=", got)
	}
	if !strings.Contains(got, "discogs_20260701_artists.xml.gz") {
		t.Errorf("DownloadURL() = %q, missing filename", got)
	}
}

func TestSelectLatest_noCompleteVersionReturnsFalse(t *testing.T) {
	catalog := map[string][]FileInfo{
		"20260701": {{Version: "20260701", DataType: "artists"}},
	}
	_, _, ok := SelectLatest(catalog)
	if ok {
		t.Error("expected ok=false for incomplete snapshot set")
	}
}

func TestDiscover_unparseableRootListingErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html><body>no year links here</body></html>`))
	}))
	defer srv.Close()

	cat := New(srv.URL, srv.Client())
	_, err := cat.Discover(context.Background())
	if err == nil {
		t.Fatal("expected error for listing with no year directories")
	}
}
