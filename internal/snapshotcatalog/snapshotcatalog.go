// Package snapshotcatalog discovers available monthly snapshot versions and their
// per-type file URLs from the upstream publisher's HTML directory listing (§4.1, §6.1).
// Listing pages are tokenized with golang.org/x/net/html; anchor hrefs are then matched
// against year and file regexps.
package snapshotcatalog

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/html"

	"github.com/discogsography/ingestion/internal/discogserr"
)

// FileInfo describes one file belonging to a snapshot version (§3.1).
type FileInfo struct {
	RemotePath string // key portion of the download URL, e.g. data/2026/discogs_20260701_artists.xml.gz
	LocalPath  string // filename only, e.g. discogs_20260701_artists.xml.gz
	SizeBytes  int64  // not filled in by Discover (always 0)
	SHA256     string // not filled in by Discover; the downloader reads hashes from the manifest itself
	Version    string // YYYYMMDD
	DataType   string // one of the four data types, or "" for the checksum manifest itself
}

var (
	yearLinkPattern = regexp.MustCompile(`^data/(\d{4})/$`)
	fileLinkPattern = regexp.MustCompile(`^data/\d{4}/discogs_(\d{8})_(artists|labels|masters|releases|CHECKSUM)(?:\.xml\.gz|\.txt)$`)
	// recentYears bounds how many of the most-recently-listed years are scraped per
	// catalog pull — the publisher only ever needs the latest version, and the two
	// most recent years cover any month-boundary edge case.
	recentYears = 2
)

// Catalog scrapes the publisher's listing pages for available snapshot versions.
type Catalog struct {
	BaseURL string // e.g. "https://discogs-data-dumps.s3.us-west-2.amazonaws.com/"
	Client  *http.Client
}

// New builds a Catalog against baseURL using client.
func New(baseURL string, client *http.Client) *Catalog {
	return &Catalog{BaseURL: baseURL, Client: client}
}

// Discover returns every snapshot version found on the publisher, each mapped to its
// constituent files (§4.1). It scrapes the root listing for year directories, then the
// two most recent years' per-year indices.
func (c *Catalog) Discover(ctx context.Context) (map[string][]FileInfo, error) {
	years, err := c.listYears(ctx)
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.StringSlice(years)))
	if len(years) > recentYears {
		years = years[:recentYears]
	}

	out := make(map[string][]FileInfo)
	for _, year := range years {
		files, err := c.listYear(ctx, year)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			out[f.Version] = append(out[f.Version], f)
		}
	}
	return out, nil
}

// SelectLatest returns the greatest version in catalog whose file set contains exactly
// the required five entries (four data types plus the checksum manifest), per §4.1.
func SelectLatest(catalog map[string][]FileInfo) (version string, files []FileInfo, ok bool) {
	var versions []string
	for v := range catalog {
		versions = append(versions, v)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(versions)))
	for _, v := range versions {
		files := catalog[v]
		if isComplete(files) {
			return v, files, true
		}
	}
	return "", nil, false
}

func isComplete(files []FileInfo) bool {
	seen := map[string]bool{}
	hasManifest := false
	for _, f := range files {
		if f.DataType == "" {
			hasManifest = true
			continue
		}
		seen[f.DataType] = true
	}
	return hasManifest && len(seen) == 4
}

func (c *Catalog) listYears(ctx context.Context) ([]string, error) {
	links, err := c.fetchLinks(ctx, c.BaseURL)
	if err != nil {
		return nil, err
	}
	var years []string
	for _, href := range links {
		if m := yearLinkPattern.FindStringSubmatch(href); m != nil {
			years = append(years, m[1])
		}
	}
	if len(years) == 0 {
		return nil, fmt.Errorf("%w: no year directories found at %s", discogserr.ErrCatalogParse, c.BaseURL)
	}
	return years, nil
}

func (c *Catalog) listYear(ctx context.Context, year string) ([]FileInfo, error) {
	yearURL := strings.TrimRight(c.BaseURL, "/") + "/data/" + year + "/"
	links, err := c.fetchLinks(ctx, yearURL)
	if err != nil {
		return nil, err
	}
	var files []FileInfo
	for _, href := range links {
		m := fileLinkPattern.FindStringSubmatch(href)
		if m == nil {
			continue
		}
		version, kind := m[1], m[2]
		fi := FileInfo{
			RemotePath: href,
			LocalPath:  href[strings.LastIndex(href, "/")+1:],
			Version:    version,
		}
		if kind != "CHECKSUM" {
			fi.DataType = strings.ToLower(kind)
		}
		files = append(files, fi)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no snapshot files found in %s", discogserr.ErrCatalogParse, yearURL)
	}
	return files, nil
}

// DownloadURL builds the HTTPS download endpoint for a file's remote path (§6.1):
// https://<publisher>/?download=<url-encoded-key>.
func (c *Catalog) DownloadURL(remotePath string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	return base + "/?download=" + url.QueryEscape(remotePath)
}

// fetchLinks fetches pageURL and returns every <a href="..."> target found in the body.
func (c *Catalog) fetchLinks(ctx context.Context, pageURL string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshotcatalog: build request: %w", err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("snapshotcatalog: fetch %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshotcatalog: fetch %s: status %d", pageURL, resp.StatusCode)
	}
	return parseLinks(resp.Body)
}

// parseLinks walks the HTML token stream collecting every anchor href attribute.
func parseLinks(r io.Reader) ([]string, error) {
	tokenizer := html.NewTokenizer(r)
	var links []string
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			if err := tokenizer.Err(); err != io.EOF {
				return nil, fmt.Errorf("%w: %v", discogserr.ErrCatalogParse, err)
			}
			return links, nil
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := tokenizer.TagName()
			if string(name) != "a" || !hasAttr {
				continue
			}
			for {
				key, val, more := tokenizer.TagAttr()
				if string(key) == "href" {
					links = append(links, string(val))
				}
				if !more {
					break
				}
			}
		}
	}
}
