package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher() *HTTPFetcher {
	return NewHTTPFetcher(HTTPOptions{
		UserAgent:         "test-agent",
		Timeout:           5 * time.Second,
		MaxRetries:        3,
		RetryBackoff:      time.Millisecond,
		RequestsPerSecond: 1000,
	})
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Write([]byte("source_id,item_type,text\n1,desc,hello\n")) //nolint:errcheck
	}))
	defer srv.Close()

	data, err := newTestFetcher().Download(context.Background(), srv.URL+"/items.csv")
	require.NoError(t, err)
	assert.Equal(t, "source_id,item_type,text\n1,desc,hello\n", string(data))
}

func TestDownload_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok")) //nolint:errcheck
	}))
	defer srv.Close()

	data, err := newTestFetcher().Download(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
	assert.Equal(t, int32(2), calls.Load())
}

func TestDownload_NotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Download(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 404")
	assert.Contains(t, err.Error(), "after 1 attempt(s)")
	assert.Equal(t, int32(1), calls.Load())
}

func TestDownload_GivesUpOnPersistentOverload(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Download(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server returned 429")
	assert.Equal(t, int32(3), calls.Load())
}

func TestDownload_TooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("0123456789")) //nolint:errcheck
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{MaxBytes: 4, RequestsPerSecond: 1000, RetryBackoff: time.Millisecond})
	_, err := f.Download(context.Background(), srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 4 bytes")
}

func TestIsRemote(t *testing.T) {
	assert.True(t, IsRemote("https://example.com/a.csv"))
	assert.True(t, IsRemote("HTTP://example.com/a.csv"))
	assert.False(t, IsRemote("/data/a.csv"))
	assert.False(t, IsRemote("data/http.csv"))
}

func TestReadLocation_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "items.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n"), 0o644))

	data, err := ReadLocation(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(data))
}

func TestReadLocation_Missing(t *testing.T) {
	_, err := ReadLocation(context.Background(), filepath.Join(t.TempDir(), "nope.csv"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetcher: read")
}

func TestReadLocation_URL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("remote")) //nolint:errcheck
	}))
	defer srv.Close()

	data, err := ReadLocation(context.Background(), srv.URL+"/x.csv", newTestFetcher())
	require.NoError(t, err)
	assert.Equal(t, "remote", string(data))
}
