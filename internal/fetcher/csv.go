package fetcher

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// CSVOptions configures the streaming CSV reader.
type CSVOptions struct {
	Delimiter  rune // default ','
	Comment    rune
	LazyQuotes bool
}

// StreamCSVRecords reads a CSV with a header row and emits each data row
// as a header-keyed map. Cells are trimmed; empty cells are omitted.
// Both channels are closed when the stream ends.
func StreamCSVRecords(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan map[string]string, <-chan error) {
	out := make(chan map[string]string, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		reader := csv.NewReader(r)
		if opts.Delimiter != 0 {
			reader.Comma = opts.Delimiter
		}
		reader.Comment = opts.Comment
		reader.LazyQuotes = opts.LazyQuotes
		reader.FieldsPerRecord = -1

		header, err := reader.Read()
		if err == io.EOF {
			return
		}
		if err != nil {
			errCh <- eris.Wrap(err, "csv: read header")
			return
		}
		for i := range header {
			header[i] = strings.TrimSpace(strings.TrimPrefix(header[i], "\ufeff"))
		}

		for {
			row, err := reader.Read()
			if err == io.EOF {
				return
			}
			if err != nil {
				errCh <- eris.Wrap(err, "csv: read row")
				return
			}
			select {
			case out <- zipRow(header, row):
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "csv: context cancelled")
				return
			}
		}
	}()

	return out, errCh
}

// zipRow pairs header names with cell values.
func zipRow(header, row []string) map[string]string {
	rec := make(map[string]string, len(header))
	for i, name := range header {
		if i >= len(row) || name == "" {
			continue
		}
		if v := strings.TrimSpace(row[i]); v != "" {
			rec[name] = v
		}
	}
	return rec
}
