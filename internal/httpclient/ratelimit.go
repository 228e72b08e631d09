package httpclient

import (
	"net/http"

	"golang.org/x/time/rate"
)

// rateLimitedTransport throttles outbound requests to a fixed rate, independent of
// GlobalHostSem's concurrency cap. Used by the snapshot catalog scraper (§4.1) and
// downloader (§4.2) so a retry storm against the upstream publisher never turns into
// a request flood even though §6.1 assumes no rate limiting is enforced server-side.
type rateLimitedTransport struct {
	base    http.RoundTripper
	limiter *rate.Limiter
}

// WithRateLimit wraps base (or http.DefaultTransport if nil) with a token-bucket
// limiter allowing ratePerSecond requests/sec with the given burst.
func WithRateLimit(base http.RoundTripper, ratePerSecond float64, burst int) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimitedTransport{base: base, limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst)}
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.base.RoundTrip(req)
}
