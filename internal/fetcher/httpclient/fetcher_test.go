package httpclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veilcrawl/veilcrawl/internal/stealth"
)

func TestDoReturnsBodyStatusHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		require.Equal(t, "en-US", r.Header.Get("Accept-Language"))
		w.Header().Set("X-Served-By", "unit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	f := New(Config{})
	resp, err := f.Do(context.Background(), stealth.FetchRequest{
		URL:       srv.URL,
		UserAgent: "test-agent",
		Headers:   http.Header{"Accept-Language": []string{"en-US"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "unit", resp.Headers.Get("X-Served-By"))
	require.Equal(t, []byte("<html>ok</html>"), resp.Body)
}

func TestDoDefaultUserAgent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("User-Agent")
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "default-ua"})
	_, err := f.Do(context.Background(), stealth.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Equal(t, "default-ua", got)
}

func TestDoTimeoutClassifiedAsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	f := New(Config{})
	_, err := f.Do(context.Background(), stealth.FetchRequest{
		URL:     srv.URL,
		Timeout: 20 * time.Millisecond,
	})
	var failed *stealth.FetchFailedError
	require.ErrorAs(t, err, &failed)
	require.Equal(t, stealth.FailureTimeout, failed.Kind)
}

func TestDoConnectionRefusedClassifiedAsNetwork(t *testing.T) {
	f := New(Config{})
	_, err := f.Do(context.Background(), stealth.FetchRequest{
		// Reserved port with nothing listening.
		URL:     "http://127.0.0.1:1",
		Timeout: time.Second,
	})
	var failed *stealth.FetchFailedError
	require.ErrorAs(t, err, &failed)
	require.Equal(t, stealth.FailureNetwork, failed.Kind)
}

func TestDoBodyTruncatedAtLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 4096))
	}))
	defer srv.Close()

	f := New(Config{MaxBodyBytes: 1024})
	resp, err := f.Do(context.Background(), stealth.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
	require.Len(t, resp.Body, 1024)
}

func TestDoRoutesThroughProxy(t *testing.T) {
	// The proxy is itself a plain HTTP server: for non-CONNECT traffic the
	// client sends the absolute URL to the proxy, so serving a response here
	// proves the proxy was used.
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, r.URL.IsAbs(), "proxy should receive an absolute URL")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("via-proxy"))
	}))
	defer proxy.Close()

	f := New(Config{})
	resp, err := f.Do(context.Background(), stealth.FetchRequest{
		URL:      "http://example.invalid/page",
		ProxyURL: proxy.URL,
	})
	require.NoError(t, err)
	require.Equal(t, []byte("via-proxy"), resp.Body)
}

func TestTransportCacheReusesPerProxy(t *testing.T) {
	f := New(Config{})
	t1, err := f.transports.get("")
	require.NoError(t, err)
	t2, err := f.transports.get("")
	require.NoError(t, err)
	require.Same(t, t1, t2)

	p1, err := f.transports.get("http://proxy.test:8080")
	require.NoError(t, err)
	require.NotSame(t, t1, p1)

	_, err = f.transports.get("http://bad proxy")
	require.Error(t, err)
}
