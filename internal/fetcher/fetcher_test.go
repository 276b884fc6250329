package fetcher

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/leads-cli/internal/resilience"
)

func newTestFetcher(headers map[string]string) *HTTPFetcher {
	return NewHTTPFetcher(HTTPOptions{
		UserAgent:     "test-agent",
		Timeout:       5 * time.Second,
		Headers:       headers,
		RatePerSecond: 100,
		Retry:         resilience.RetryConfig{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	})
}

func TestHTTPDownload_SendsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	f := newTestFetcher(map[string]string{"Authorization": "Bearer tok"})
	body, err := f.Download(context.Background(), srv.URL+"/Property")
	require.NoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestHTTPDownload_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	body, err := newTestFetcher(nil).Download(context.Background(), srv.URL)
	require.NoError(t, err)
	body.Close()
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPDownload_RateLimitSlowsHost(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher(nil)
	body, err := f.Download(context.Background(), srv.URL)
	require.NoError(t, err)
	body.Close()

	// halved to 50 then raised 20% on success
	assert.InDelta(t, 60.0, float64(f.LimiterFor(srv.URL).Limit()), 0.001)
}

func TestHTTPDownload_PermanentErrorNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := newTestFetcher(nil).Download(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"value":[{"ListPrice":1}],"@odata.nextLink":"next"}`))
	}))
	defer srv.Close()

	var page struct {
		Value    []map[string]any `json:"value"`
		NextLink string           `json:"@odata.nextLink"`
	}
	require.NoError(t, newTestFetcher(nil).GetJSON(context.Background(), srv.URL, &page))
	assert.Len(t, page.Value, 1)
	assert.Equal(t, "next", page.NextLink)
}

func TestAdaptiveLimiter_Bounds(t *testing.T) {
	a := NewAdaptiveLimiter(10, 10)
	for i := 0; i < 20; i++ {
		a.OnSuccess()
	}
	assert.InDelta(t, 20.0, float64(a.Limit()), 0.001)
	for i := 0; i < 20; i++ {
		a.OnRateLimit()
	}
	assert.InDelta(t, 2.5, float64(a.Limit()), 0.001)
}

func TestOpener_LocalAndHTTP(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feed.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote"))
	}))
	defer srv.Close()

	o := &Opener{HTTP: newTestFetcher(nil)}
	for _, loc := range []string{path, "file://" + path} {
		rc, err := o.Open(context.Background(), loc)
		require.NoError(t, err)
		data, _ := io.ReadAll(rc)
		rc.Close()
		assert.Equal(t, "a,b\n1,2\n", string(data))
	}

	rc, err := o.Open(context.Background(), srv.URL)
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "remote", string(data))

	_, err = o.Open(context.Background(), "ftp://example.com/x.csv")
	assert.Error(t, err)
	_, err = o.Open(context.Background(), filepath.Join(dir, "missing.csv"))
	assert.Error(t, err)
}

func TestOpener_ModTime(t *testing.T) {
	mod := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	dir := t.TempDir()
	path := filepath.Join(dir, "feed.csv")
	require.NoError(t, os.WriteFile(path, []byte("a\n1\n"), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/dated" {
			w.Header().Set("Last-Modified", mod.Format(http.TimeFormat))
		}
		w.Write([]byte("remote"))
	}))
	defer srv.Close()

	o := &Opener{HTTP: newTestFetcher(nil)}
	tests := []struct {
		name     string
		location string
		want     time.Time
	}{
		{name: "file", location: path, want: mod},
		{name: "http last-modified", location: srv.URL + "/dated", want: mod},
		{name: "http undated", location: srv.URL + "/plain"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, err := o.Open(context.Background(), tt.location)
			require.NoError(t, err)
			defer rc.Close()
			assert.True(t, tt.want.Equal(ModTime(rc)), "got %s", ModTime(rc))
		})
	}
}

func TestParseFTPURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		want    ftpTarget
		wantErr bool
	}{
		{"anonymous default port", "ftp://ftp.county.gov/sales/2025.csv", ftpTarget{addr: "ftp.county.gov:21", path: "/sales/2025.csv", user: "anonymous", password: "anonymous@"}, false},
		{"credentials and port", "ftp://bob:pw@ftp.county.gov:2121/a.zip", ftpTarget{addr: "ftp.county.gov:2121", path: "/a.zip", user: "bob", password: "pw"}, false},
		{"wrong scheme", "http://x/a.csv", ftpTarget{}, true},
		{"empty path", "ftp://x", ftpTarget{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseFTPURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStreamCSVRecords(t *testing.T) {
	in := "\ufeffADDRESS, PRICE ,ZIP\n12 Main St,\"$155,000\",48009\n 9 Oak Ave ,,48084\n"
	rows, errs := StreamCSVRecords(context.Background(), strings.NewReader(in), CSVOptions{})

	var got []map[string]string
	for r := range rows {
		got = append(got, r)
	}
	require.NoError(t, <-errs)
	require.Len(t, got, 2)
	assert.Equal(t, map[string]string{"ADDRESS": "12 Main St", "PRICE": "$155,000", "ZIP": "48009"}, got[0])
	assert.Equal(t, map[string]string{"ADDRESS": "9 Oak Ave", "ZIP": "48084"}, got[1])
}

func TestStreamCSVRecords_Malformed(t *testing.T) {
	rows, errs := StreamCSVRecords(context.Background(), strings.NewReader("a,b\n\"unterminated,1\n"), CSVOptions{})
	for range rows {
	}
	assert.Error(t, <-errs)
}

func TestStreamCSVRecords_Empty(t *testing.T) {
	rows, errs := StreamCSVRecords(context.Background(), strings.NewReader(""), CSVOptions{})
	for range rows {
		t.Fatal("expected no rows")
	}
	assert.NoError(t, <-errs)
}

func TestReadXLSXRecords(t *testing.T) {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Sales")
	require.NoError(t, err)
	for _, cells := range [][]string{{"Address", "Price"}, {"1 Elm St", "120000"}, {"", ""}, {"2 Elm St", "99000"}} {
		row := sheet.AddRow()
		for _, c := range cells {
			row.AddCell().SetString(c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))

	recs, err := ReadXLSXRecords(&buf, XLSXOptions{SheetName: "Sales"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "1 Elm St", recs[0]["Address"])
	assert.Equal(t, "99000", recs[1]["Price"])
}

func TestReadXLSXRecords_MissingSheet(t *testing.T) {
	f := xlsx.NewFile()
	_, err := f.AddSheet("Sheet1")
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, f.Write(&buf))

	_, err = ReadXLSXRecords(bytes.NewReader(buf.Bytes()), XLSXOptions{SheetName: "Nope"})
	assert.Error(t, err)
	_, err = ReadXLSXRecords(bytes.NewReader(buf.Bytes()), XLSXOptions{SheetIndex: 3})
	assert.Error(t, err)
}

func collect[T any](t *testing.T, in string) ([]T, error) {
	t.Helper()
	out, errs := DecodeRecords[T](context.Background(), strings.NewReader(in))
	var got []T
	for v := range out {
		got = append(got, v)
	}
	return got, <-errs
}

func TestDecodeRecords(t *testing.T) {
	t.Run("bare array", func(t *testing.T) {
		got, err := collect[map[string]any](t, `[{"a":1},{"a":2}]`)
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
	t.Run("value envelope", func(t *testing.T) {
		got, err := collect[map[string]any](t, `{"@odata.context":"x","meta":{"n":[1,2]},"value":[{"a":1}]}`)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, 1.0, got[0]["a"])
	})
	t.Run("object without value", func(t *testing.T) {
		_, err := collect[map[string]any](t, `{"items":[]}`)
		assert.Error(t, err)
	})
	t.Run("scalar", func(t *testing.T) {
		_, err := collect[map[string]any](t, `42`)
		assert.Error(t, err)
	})
	t.Run("empty", func(t *testing.T) {
		got, err := collect[map[string]any](t, ``)
		assert.NoError(t, err)
		assert.Empty(t, got)
	})
}

func TestOpenZIPEntry(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string]string{"readme.txt": "hi", "data/sales.CSV": "a\n1\n"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	archive := buf.Bytes()

	rc, name, err := OpenZIPEntry(bytes.NewReader(archive), ".csv")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "data/sales.CSV", name)
	assert.Equal(t, "a\n1\n", string(data))

	_, _, err = OpenZIPEntry(bytes.NewReader(archive), "")
	assert.Error(t, err, "two files without an extension filter is ambiguous")
	_, _, err = OpenZIPEntry(bytes.NewReader(archive), ".xlsx")
	assert.Error(t, err)
	_, _, err = OpenZIPEntry(strings.NewReader("not a zip"), ".csv")
	assert.Error(t, err)
}
