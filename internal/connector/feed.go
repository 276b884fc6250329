package connector

import (
	"bytes"
	"context"
	"hash/fnv"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leads-cli/internal/fetcher"
	"github.com/sells-group/leads-cli/internal/model"
)

// Feed formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
	FormatJSON = "json"
	FormatZIP  = "zip"
)

// SourceRefColumn is the mapping key naming the column that holds a row's
// provider identifier.
const SourceRefColumn = "source_ref"

// ModifiedColumn is the mapping key naming the column that holds a row's
// last-modified time.
const ModifiedColumn = "modified_at"

var rowTimeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05", "2006-01-02", "01/02/2006"}

// Opener opens a feed location for reading.
type Opener interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// Feed reads a tabular county or auction feed (CSV, XLSX, JSON, or one of
// those inside a ZIP) from FTP, HTTP or disk. Columns maps record field
// names to feed column names; unmapped columns are passed through.
type Feed struct {
	name     string
	location string
	format   string
	columns  map[string]string
	opener   Opener
	now      func() time.Time
	log      *zap.Logger

	mu       sync.Mutex
	versions map[string]rowVersion
}

// rowVersion remembers when a row's current content was first fetched.
type rowVersion struct {
	sum uint64
	at  time.Time
}

// NewFeed creates a Feed connector. An empty format is inferred from the
// location's extension.
func NewFeed(name, location, format string, columns map[string]string, opener Opener) *Feed {
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(path.Ext(location)), ".")
	}
	return &Feed{
		name:     name,
		location: location,
		format:   strings.ToLower(format),
		columns:  columns,
		opener:   opener,
		now:      time.Now,
		log:      zap.L().With(zap.String("connector", name)),
		versions: make(map[string]rowVersion),
	}
}

// Name implements Connector.
func (f *Feed) Name() string { return f.name }

// Fetch implements Connector. A row is stamped with its own modified time
// when the feed has one, else with the source's modification time, else with
// the fetch that first saw its current content. Re-fetching an unchanged feed
// therefore repeats the same observations.
func (f *Feed) Fetch(ctx context.Context, region model.Region) (<-chan model.RawRecord, <-chan error) {
	out := make(chan model.RawRecord, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		if err := f.fetch(ctx, region, out); err != nil {
			errCh <- eris.Wrapf(err, "connector: %s", f.name)
		}
	}()

	return out, errCh
}

func (f *Feed) fetch(ctx context.Context, region model.Region, out chan<- model.RawRecord) error {
	body, err := f.opener.Open(ctx, f.location)
	if err != nil {
		return err
	}
	defer body.Close() //nolint:errcheck

	format := f.format
	var r io.Reader = body
	if format == FormatZIP {
		r, format, err = unzipFeed(body)
		if err != nil {
			return err
		}
	}

	fetchedAt := f.now().UTC()
	sourceMod := fetcher.ModTime(body)
	row := 0
	emit := func(cells map[string]string) bool {
		row++
		fields := f.mapRow(cells)
		if !inRegion(region, fields) {
			return true
		}
		ref := f.sourceRef(fields, row)
		return send(ctx, out, model.RawRecord{
			Provider:  f.name,
			SourceRef: ref,
			Region:    region.Name,
			Fields:    fields,
			FetchedAt: f.observedAt(ref, cells, sourceMod, fetchedAt),
		})
	}

	switch format {
	case FormatCSV:
		rows, errs := fetcher.StreamCSVRecords(ctx, r, fetcher.CSVOptions{LazyQuotes: true})
		for cells := range rows {
			if !emit(cells) {
				for range rows {
				}
				return ctx.Err()
			}
		}
		return <-errs
	case FormatXLSX:
		rows, err := fetcher.ReadXLSXRecords(r, fetcher.XLSXOptions{})
		if err != nil {
			return err
		}
		for _, cells := range rows {
			if !emit(cells) {
				return ctx.Err()
			}
		}
		return nil
	case FormatJSON:
		items, errs := fetcher.DecodeRecords[map[string]any](ctx, r)
		for item := range items {
			if !emit(stringify(item)) {
				for range items {
				}
				return ctx.Err()
			}
		}
		return <-errs
	default:
		return eris.Errorf("unsupported feed format %q", f.format)
	}
}

// mapRow renames mapped columns to their field names.
func (f *Feed) mapRow(cells map[string]string) map[string]any {
	fields := make(map[string]any, len(cells))
	mapped := make(map[string]bool, len(f.columns))
	for field, col := range f.columns {
		mapped[col] = true
		if v, ok := cells[col]; ok {
			fields[field] = v
		}
	}
	for col, v := range cells {
		if mapped[col] {
			continue
		}
		if _, taken := fields[col]; !taken {
			fields[col] = v
		}
	}
	return fields
}

func (f *Feed) observedAt(ref string, cells map[string]string, sourceMod, fetchedAt time.Time) time.Time {
	col := ModifiedColumn
	if mapped, ok := f.columns[ModifiedColumn]; ok {
		col = mapped
	}
	if v := strings.TrimSpace(cells[col]); v != "" {
		for _, layout := range rowTimeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC()
			}
		}
	}
	if !sourceMod.IsZero() {
		return sourceMod
	}

	sum := rowDigest(cells)
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.versions[ref]; ok && v.sum == sum {
		return v.at
	}
	f.versions[ref] = rowVersion{sum: sum, at: fetchedAt}
	return fetchedAt
}

func rowDigest(cells map[string]string) uint64 {
	cols := make([]string, 0, len(cells))
	for c := range cells {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	h := fnv.New64a()
	for _, c := range cols {
		_, _ = h.Write([]byte(c))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(cells[c]))
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

func (f *Feed) sourceRef(fields map[string]any, row int) string {
	if ref := stringField(fields, SourceRefColumn, "parcelId", "parcel_id", "apn"); ref != "" {
		return ref
	}
	return path.Base(f.location) + "#" + strconv.Itoa(row)
}

// unzipFeed picks the first CSV, XLSX or JSON entry of an archive.
func unzipFeed(r io.Reader) (io.Reader, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", eris.Wrap(err, "read archive")
	}
	for _, format := range []string{FormatCSV, FormatXLSX, FormatJSON} {
		rc, _, err := fetcher.OpenZIPEntry(bytes.NewReader(data), "."+format)
		if err != nil {
			continue
		}
		entry, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return nil, "", eris.Wrap(err, "read archive entry")
		}
		return bytes.NewReader(entry), format, nil
	}
	return nil, "", eris.New("archive holds no csv, xlsx or json entry")
}

func stringify(item map[string]any) map[string]string {
	out := make(map[string]string, len(item))
	for k, v := range item {
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				out[k] = s
			}
		case float64:
			out[k] = formatFloat(t)
		case bool:
			out[k] = strconv.FormatBool(t)
		}
	}
	return out
}
