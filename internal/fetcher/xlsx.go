package fetcher

import (
	"io"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// XLSXOptions selects the worksheet to read.
type XLSXOptions struct {
	SheetIndex int    // default 0
	SheetName  string // overrides SheetIndex
	// HeaderRow is the zero-based row holding column names.
	HeaderRow int
}

// ReadXLSXRecords reads a workbook and returns each row after the header
// as a header-keyed map, like StreamCSVRecords.
func ReadXLSXRecords(r io.Reader, opts XLSXOptions) ([]map[string]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: read workbook")
	}
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, eris.Wrap(err, "xlsx: open workbook")
	}

	sheet, err := pickSheet(f, opts)
	if err != nil {
		return nil, err
	}
	if opts.HeaderRow >= len(sheet.Rows) {
		return nil, nil
	}

	header := cellStrings(sheet.Rows[opts.HeaderRow])
	var out []map[string]string
	for _, row := range sheet.Rows[opts.HeaderRow+1:] {
		rec := zipRow(header, cellStrings(row))
		if len(rec) > 0 {
			out = append(out, rec)
		}
	}
	return out, nil
}

func pickSheet(f *xlsx.File, opts XLSXOptions) (*xlsx.Sheet, error) {
	if opts.SheetName != "" {
		sheet, ok := f.Sheet[opts.SheetName]
		if !ok {
			return nil, eris.Errorf("xlsx: sheet %q not found", opts.SheetName)
		}
		return sheet, nil
	}
	if opts.SheetIndex < 0 || opts.SheetIndex >= len(f.Sheets) {
		return nil, eris.Errorf("xlsx: sheet index %d out of range (%d sheets)", opts.SheetIndex, len(f.Sheets))
	}
	return f.Sheets[opts.SheetIndex], nil
}

func cellStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for i, c := range row.Cells {
		cells[i] = c.String()
	}
	return cells
}
