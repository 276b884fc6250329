// Package fetcher downloads provider feeds over HTTP, FTP or the local filesystem
// and decodes CSV, XLSX, JSON and ZIP payloads into rows.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Fetcher downloads a remote resource.
type Fetcher interface {
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Opener routes a source location to the right transport by scheme.
type Opener struct {
	HTTP Fetcher
	FTP  Fetcher
}

// NewOpener returns an Opener with default HTTP and FTP fetchers.
func NewOpener() *Opener {
	return &Opener{
		HTTP: NewHTTPFetcher(HTTPOptions{}),
		FTP:  NewFTPFetcher(FTPOptions{}),
	}
}

// Open returns a reader for an ftp://, http(s):// or file path location.
func (o *Opener) Open(ctx context.Context, location string) (io.ReadCloser, error) {
	switch scheme(location) {
	case "ftp":
		if o.FTP == nil {
			return nil, eris.Errorf("fetcher: no ftp transport for %s", location)
		}
		return o.FTP.Download(ctx, location)
	case "http", "https":
		if o.HTTP == nil {
			return nil, eris.Errorf("fetcher: no http transport for %s", location)
		}
		return o.HTTP.Download(ctx, location)
	case "file":
		u, err := url.Parse(location)
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: parse file url")
		}
		return openFile(u.Path)
	default:
		return openFile(location)
	}
}

// Versioned is implemented by readers that know when their source last
// changed.
type Versioned interface {
	ModTime() time.Time
}

// ModTime returns r's source modification time, or zero when unknown.
func ModTime(r io.Reader) time.Time {
	if v, ok := r.(Versioned); ok {
		return v.ModTime().UTC()
	}
	return time.Time{}
}

type versionedBody struct {
	io.ReadCloser
	mod time.Time
}

func (b versionedBody) ModTime() time.Time { return b.mod }

func openFile(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, eris.Wrapf(err, "fetcher: stat %s", path)
	}
	return versionedBody{ReadCloser: f, mod: info.ModTime()}, nil
}

func scheme(location string) string {
	i := strings.Index(location, "://")
	if i <= 0 {
		return ""
	}
	return strings.ToLower(location[:i])
}
