package connector

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leads-cli/internal/model"
)

const (
	defaultRESOPageSize = 200
	maxRESOPages        = 500
)

// JSONGetter fetches and decodes a JSON document.
type JSONGetter interface {
	GetJSON(ctx context.Context, url string, out any) error
}

// RESO reads the Property resource of a RESO Web API (OData) server, one
// query per ZIP, following @odata.nextLink pages.
type RESO struct {
	name     string
	baseURL  string
	pageSize int
	maxPrice float64
	http     JSONGetter
	now      func() time.Time
	log      *zap.Logger
}

// RESOOptions configures a RESO connector.
type RESOOptions struct {
	BaseURL  string
	PageSize int
	// MaxPrice adds "ListPrice le X" to the filter when positive.
	MaxPrice float64
}

// NewRESO creates a RESO connector. The getter carries authentication.
func NewRESO(name string, opts RESOOptions, getter JSONGetter) *RESO {
	if opts.PageSize <= 0 {
		opts.PageSize = defaultRESOPageSize
	}
	return &RESO{
		name:     name,
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		pageSize: opts.PageSize,
		maxPrice: opts.MaxPrice,
		http:     getter,
		now:      time.Now,
		log:      zap.L().With(zap.String("connector", name)),
	}
}

// Name implements Connector.
func (c *RESO) Name() string { return c.name }

type resoPage struct {
	Value    []map[string]any `json:"value"`
	NextLink string           `json:"@odata.nextLink"`
}

// Fetch implements Connector. Any failed page fails the whole fetch.
func (c *RESO) Fetch(ctx context.Context, region model.Region) (<-chan model.RawRecord, <-chan error) {
	out := make(chan model.RawRecord, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		zips := region.Zips
		if len(zips) == 0 {
			zips = []string{""}
		}
		fetchedAt := c.now().UTC()
		for _, zip := range zips {
			n, err := c.fetchZip(ctx, zip, region, fetchedAt, out)
			if err != nil {
				errCh <- eris.Wrapf(err, "connector: %s: zip %s", c.name, zip)
				return
			}
			c.log.Debug("fetched zip", zap.String("zip", zip), zap.Int("records", n))
		}
	}()

	return out, errCh
}

func (c *RESO) fetchZip(ctx context.Context, zip string, region model.Region, fetchedAt time.Time, out chan<- model.RawRecord) (int, error) {
	next := c.queryURL(zip)
	count := 0
	for pages := 0; next != "" && pages < maxRESOPages; pages++ {
		var page resoPage
		if err := c.http.GetJSON(ctx, next, &page); err != nil {
			return count, err
		}
		for _, item := range page.Value {
			if !inRegion(region, item) {
				continue
			}
			rec := model.RawRecord{
				Provider:  c.name,
				SourceRef: stringField(item, "ListingKey", "ListingId"),
				Region:    region.Name,
				Fields:    item,
				FetchedAt: observedAt(item, fetchedAt),
			}
			if !send(ctx, out, rec) {
				return count, ctx.Err()
			}
			count++
		}
		link, err := c.resolve(page.NextLink)
		if err != nil {
			return count, err
		}
		next = link
	}
	return count, nil
}

func (c *RESO) queryURL(zip string) string {
	q := url.Values{}
	q.Set("$top", strconv.Itoa(c.pageSize))
	var filters []string
	if zip != "" {
		filters = append(filters, "PostalCode eq '"+zip+"'")
	}
	if c.maxPrice > 0 {
		filters = append(filters, "ListPrice le "+formatFloat(c.maxPrice))
	}
	if len(filters) > 0 {
		q.Set("$filter", strings.Join(filters, " and "))
	}
	return c.baseURL + "/Property?" + q.Encode()
}

// resolve turns a possibly relative nextLink into an absolute URL.
func (c *RESO) resolve(link string) (string, error) {
	if link == "" {
		return "", nil
	}
	base, err := url.Parse(c.baseURL + "/")
	if err != nil {
		return "", eris.Wrap(err, "parse base url")
	}
	ref, err := url.Parse(link)
	if err != nil {
		return "", eris.Wrapf(err, "parse next link %q", link)
	}
	return base.ResolveReference(ref).String(), nil
}

// observedAt prefers the provider's modification timestamp over fetch time.
func observedAt(item map[string]any, fallback time.Time) time.Time {
	s, ok := model.LookupField(item, "ModificationTimestamp").(string)
	if !ok {
		return fallback
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fallback
	}
	return t.UTC()
}
