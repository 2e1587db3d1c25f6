package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHead_RangeSupported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", "1024")
		w.Header().Set("ETag", `"abc"`)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(DefaultConfig())
	res, err := c.Head(context.Background(), srv.URL, "")
	require.NoError(t, err)
	require.NotNil(t, res.TotalSize)
	assert.Equal(t, int64(1024), *res.TotalSize)
	assert.True(t, res.AcceptsRanges)
	assert.Equal(t, `"abc"`, res.ETag)
}

func TestHead_FallbackProbeDetectsRangeSupport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if r.Header.Get("Range") == "bytes=0-0" {
			w.Header().Set("Content-Range", "bytes 0-0/2048")
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte{0})
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(DefaultConfig())
	res, err := c.Head(context.Background(), srv.URL, "")
	require.NoError(t, err)
	assert.True(t, res.AcceptsRanges)
	require.NotNil(t, res.TotalSize)
	assert.Equal(t, int64(2048), *res.TotalSize)
}

func TestGetRange_ReturnsPartialContent(t *testing.T) {
	body := []byte("0123456789")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 2-5/10")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(body[2:6])
	}))
	defer srv.Close()

	c := New(DefaultConfig())
	end := int64(5)
	rc, err := c.GetRange(context.Background(), srv.URL, 2, &end, "")
	require.NoError(t, err)
	defer rc.Close()

	buf := make([]byte, 4)
	n, _ := rc.Read(buf)
	assert.Equal(t, "2345", string(buf[:n]))
}

func TestFetchRange_RetriesTransientFailureThenSucceeds(t *testing.T) {
	attempts := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Range", "bytes 0-3/4")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("abcd"))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.RetryBaseDelay = 0
	cfg.RetryMaxDelay = 0
	c := New(cfg)

	var received []byte
	end := int64(3)
	err := c.FetchRange(context.Background(), srv.URL, 0, &end, "", func(offset int64, p []byte) error {
		received = append(received, p...)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, "abcd", string(received))
	assert.Equal(t, 2, attempts)
}

func TestFetchRange_NonRetryable4xxFailsImmediately(t *testing.T) {
	attempts := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c := New(DefaultConfig())
	err := c.FetchRange(context.Background(), srv.URL, 0, nil, "", func(int64, []byte) error { return nil })

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
