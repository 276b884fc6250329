// Package geocode provides address geocoding via Census Geocoder (primary) and Google (fallback).
package geocode

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/sells-group/leads-cli/internal/model"
)

// AddressInput represents an address to geocode.
type AddressInput struct {
	Street  string
	City    string
	State   string
	ZipCode string
}

// Provider names reported in Result.Source.
const (
	SourceCensus = "census"
	SourceGoogle = "google"
)

// Quality grades how precisely a result pins the address.
type Quality string

// Result qualities, most precise first.
const (
	QualityRooftop     Quality = "rooftop"
	QualityRange       Quality = "range"
	QualityCentroid    Quality = "centroid"
	QualityApproximate Quality = "approximate"
)

// Result holds the geocoding output for an address.
type Result struct {
	Latitude       float64
	Longitude      float64
	MatchedAddress string
	Source         string
	Quality        Quality
	Matched        bool
}

// Option configures the geocoder.
type Option func(*Client)

// WithGoogleAPIKey enables Google Geocoding API as a fallback.
func WithGoogleAPIKey(key string) Option {
	return func(c *Client) {
		c.googleKey = key
	}
}

// WithHTTPClient sets a custom HTTP client for both Census and Google requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRateLimit sets the requests-per-second rate limit shared by both providers.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// Client geocodes addresses using Census Geocoder and, when a key is set, Google.
type Client struct {
	httpClient *http.Client
	googleKey  string
	limiter    *rate.Limiter
	group      singleflight.Group
}

// NewClient creates a new geocoding Client with the given options.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(50, 50), // Census default: 50 req/s
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Geocode geocodes a single address, trying Census first, then Google if configured.
// An address no provider can match is not an error.
func (c *Client) Geocode(ctx context.Context, addr AddressInput) (*Result, error) {
	result, censusErr := c.geocodeCensus(ctx, addr)
	if censusErr == nil && result.Matched {
		return result, nil
	}

	if c.googleKey != "" {
		googleResult, googleErr := c.geocodeGoogle(ctx, addr)
		if googleErr == nil && googleResult.Matched {
			return googleResult, nil
		}
		if censusErr != nil && googleErr != nil {
			return nil, censusErr
		}
		return &Result{Matched: false}, nil
	}

	if censusErr != nil {
		return nil, censusErr
	}
	return &Result{Matched: false}, nil
}

// Locate returns the coordinates of a normalized address, or nil when
// nothing matched. Concurrent lookups of the same address share one request.
func (c *Client) Locate(ctx context.Context, addr model.Address) (*model.Location, error) {
	in := AddressInput{Street: addr.Line, City: addr.City, State: addr.State, ZipCode: addr.Zip}
	v, err, _ := c.group.Do(strings.ToLower(formatOneLine(in)), func() (any, error) {
		return c.Geocode(ctx, in)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*Result)
	if !res.Matched {
		return nil, nil
	}
	return &model.Location{Lat: res.Latitude, Lon: res.Longitude}, nil
}

// getJSON waits on the shared limiter, GETs rawURL and decodes a 200
// response into out.
func (c *Client) getJSON(ctx context.Context, provider, rawURL string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return eris.Wrapf(err, "geocode: %s rate limit", provider)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return eris.Wrapf(err, "geocode: %s build request", provider)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return eris.Wrapf(err, "geocode: %s request", provider)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return eris.Errorf("geocode: %s returned status %d", provider, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return eris.Wrapf(err, "geocode: %s parse response", provider)
	}
	return nil
}

// formatOneLine formats an address as a single line for the geocoding APIs.
func formatOneLine(addr AddressInput) string {
	parts := []string{addr.Street, addr.City, addr.State, addr.ZipCode}
	var nonEmpty []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			nonEmpty = append(nonEmpty, p)
		}
	}
	return strings.Join(nonEmpty, ", ")
}
