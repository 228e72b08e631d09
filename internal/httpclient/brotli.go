package httpclient

import (
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
)

// brotliTransport wraps an http.RoundTripper and transparently decodes a
// "Content-Encoding: br" response body. The upstream snapshot publisher (§6.1)
// is not known to serve brotli, but its CDN front-end may opportunistically
// compress large .xml.gz/.txt responses; decoding defensively here means the
// downloader never has to special-case it.
type brotliTransport struct {
	base http.RoundTripper
}

// WithBrotli wraps base (or http.DefaultTransport if nil) to decode brotli bodies.
func WithBrotli(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	return &brotliTransport{base: base}
}

func (t *brotliTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// Advertise brotli support explicitly only when the caller hasn't already
	// set Accept-Encoding, so we don't fight a caller that wants raw bytes.
	if req.Header.Get("Accept-Encoding") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Accept-Encoding", "gzip, br")
	}
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.Header.Get("Content-Encoding") == "br" {
		resp.Body = &brotliReadCloser{r: brotli.NewReader(resp.Body), orig: resp.Body}
		resp.Header.Del("Content-Encoding")
		resp.Header.Del("Content-Length")
		resp.ContentLength = -1
	}
	return resp, nil
}

type brotliReadCloser struct {
	r    io.Reader
	orig io.ReadCloser
}

func (b *brotliReadCloser) Read(p []byte) (int, error) { return b.r.Read(p) }
func (b *brotliReadCloser) Close() error                { return b.orig.Close() }
