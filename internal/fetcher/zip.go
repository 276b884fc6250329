package fetcher

import (
	"archive/zip"
	"bytes"
	"io"
	"path"
	"strings"

	"github.com/rotisserie/eris"
)

// OpenZIPEntry reads a ZIP archive from r and returns the first file whose
// extension matches ext (e.g. ".csv"), or the only file when ext is empty.
func OpenZIPEntry(r io.Reader, ext string) (io.ReadCloser, string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, "", eris.Wrap(err, "zip: read archive")
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, "", eris.Wrap(err, "zip: open archive")
	}

	var files []*zip.File
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if ext == "" || strings.EqualFold(path.Ext(f.Name), ext) {
			files = append(files, f)
		}
	}
	if len(files) == 0 {
		return nil, "", eris.Errorf("zip: no %q entry in archive", ext)
	}
	if ext == "" && len(files) > 1 {
		return nil, "", eris.Errorf("zip: expected exactly 1 file, got %d", len(files))
	}

	rc, err := files[0].Open()
	if err != nil {
		return nil, "", eris.Wrapf(err, "zip: open entry %s", files[0].Name)
	}
	return rc, files[0].Name, nil
}
