package connector

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leads-cli/internal/fetcher"
	"github.com/sells-group/leads-cli/internal/model"
)

// StubJSON reads provider records from *.json files in a directory. Each
// file holds an array of records or an object with a "value" array.
type StubJSON struct {
	name string
	dir  string
	log  *zap.Logger
}

// NewStubJSON creates a StubJSON connector over dir.
func NewStubJSON(name, dir string) *StubJSON {
	return &StubJSON{
		name: name,
		dir:  dir,
		log:  zap.L().With(zap.String("connector", name)),
	}
}

// Name implements Connector.
func (s *StubJSON) Name() string { return s.name }

// Fetch implements Connector. Files are read in name order; a file that
// fails to parse is logged and skipped.
func (s *StubJSON) Fetch(ctx context.Context, region model.Region) (<-chan model.RawRecord, <-chan error) {
	out := make(chan model.RawRecord, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		files, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
		if err != nil {
			errCh <- eris.Wrapf(err, "connector: %s: list %s", s.name, s.dir)
			return
		}
		if _, err := os.Stat(s.dir); err != nil {
			errCh <- eris.Wrapf(err, "connector: %s: stat %s", s.name, s.dir)
			return
		}
		sort.Strings(files)

		for _, path := range files {
			if err := s.readFile(ctx, path, region, out); err != nil {
				if ctx.Err() != nil {
					errCh <- eris.Wrap(ctx.Err(), "connector: "+s.name)
					return
				}
				s.log.Warn("skipping unreadable file", zap.String("file", path), zap.Error(err))
			}
		}
	}()

	return out, errCh
}

func (s *StubJSON) readFile(ctx context.Context, path string, region model.Region, out chan<- model.RawRecord) error {
	info, err := os.Stat(path)
	if err != nil {
		return eris.Wrap(err, "stat")
	}
	f, err := os.Open(path)
	if err != nil {
		return eris.Wrap(err, "open")
	}
	defer f.Close() //nolint:errcheck

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	fetchedAt := info.ModTime().UTC()

	items, errs := fetcher.DecodeRecords[map[string]any](ctx, f)
	i := 0
	for item := range items {
		i++
		if !inRegion(region, item) {
			continue
		}
		ref := stringField(item, "listingId", "ListingKey", "ListingId", "id")
		if ref == "" {
			ref = base + "#" + strconv.Itoa(i)
		}
		rec := model.RawRecord{
			Provider:  s.name,
			SourceRef: ref,
			Region:    region.Name,
			Fields:    item,
			FetchedAt: fetchedAt,
		}
		if !send(ctx, out, rec) {
			for range items {
			}
			return ctx.Err()
		}
	}
	return <-errs
}
