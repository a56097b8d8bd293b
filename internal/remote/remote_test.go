package remote

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

	"updatebot/internal/domain"
)

func TestHeadReadsLastModified(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Last-Modified", "Mon, 01 Jan 2024 00:00:00 GMT")
		w.Header().Set("Content-Length", "42")
	}))
	defer srv.Close()

	f, err := New(time.Second, 16)
	require.NoError(t, err)

	lm, err := f.LastModified(context.Background(), srv.URL+"/ctd.dat")
	require.NoError(t, err)
	require.NotNil(t, lm)
	assert.True(t, lm.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))

	n, err := f.ContentLength(context.Background(), srv.URL+"/ctd.dat")
	require.NoError(t, err)
	require.NotNil(t, n)
	assert.EqualValues(t, 42, *n)
	assert.EqualValues(t, 1, hits.Load())

	f.Reset()
	_, err = f.LastModified(context.Background(), srv.URL+"/ctd.dat")
	require.NoError(t, err)
	assert.EqualValues(t, 2, hits.Load())
}

func TestHeadMissingHeaderIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	f, err := New(time.Second, 0)
	require.NoError(t, err)
	lm, err := f.LastModified(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Nil(t, lm)
}

func TestHeadErrorsAreNetworkKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f, err := New(time.Second, 0)
	require.NoError(t, err)
	_, err = f.LastModified(context.Background(), srv.URL)
	assert.ErrorIs(t, err, domain.ErrNetwork)

	_, err = f.LastModified(context.Background(), "gopher://example.org/x")
	assert.ErrorIs(t, err, domain.ErrNetwork)
}

func TestHeadTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	f, err := New(50*time.Millisecond, 0)
	require.NoError(t, err)
	_, err = f.LastModified(context.Background(), srv.URL)
	assert.ErrorIs(t, err, domain.ErrNetwork)
}

func TestHeadLocalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.dat")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	f, err := New(time.Second, 0)
	require.NoError(t, err)
	h, err := f.Head(context.Background(), "file://"+path)
	require.NoError(t, err)
	require.NotNil(t, h.ContentLength)
	assert.EqualValues(t, 5, *h.ContentLength)
	assert.NotNil(t, h.LastModified)
}
