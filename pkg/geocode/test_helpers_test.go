package geocode

import (
	"net/http"
	"strings"

	"golang.org/x/time/rate"
)

// newTestLimiter creates a rate limiter that effectively does not limit for tests.
func newTestLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}

// newRewriteClient creates an HTTP client that rewrites requests to a test server URL.
// Requests matching any of the target prefixes are redirected to the test server.
func newRewriteClient(testServerURL string, targetPrefixes ...string) *http.Client {
	return &http.Client{
		Transport: &rewriteTransport{
			base:           http.DefaultTransport,
			testServer:     testServerURL,
			targetPrefixes: targetPrefixes,
		},
	}
}

type rewriteTransport struct {
	base           http.RoundTripper
	testServer     string
	targetPrefixes []string
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	origURL := req.URL.String()
	for _, prefix := range t.targetPrefixes {
		if !strings.HasPrefix(origURL, prefix) {
			continue
		}
		// Keep the provider path so one server can answer both APIs.
		target, err := req.URL.Parse(t.testServer)
		if err != nil {
			return nil, err
		}
		newReq := req.Clone(req.Context())
		u := *req.URL
		u.Scheme = target.Scheme
		u.Host = target.Host
		newReq.URL = &u
		newReq.Host = target.Host
		return t.base.RoundTrip(newReq)
	}
	return t.base.RoundTrip(req)
}
