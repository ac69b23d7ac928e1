package fetcher

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFetcher() *HTTPFetcher {
	return NewHTTPFetcher(HTTPOptions{
		UserAgent:      "test-agent",
		Timeout:        2 * time.Second,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		RatePerHost:    1000,
		Burst:          100,
	})
}

func TestGet_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("<rss/>"))
	}))
	defer srv.Close()

	resp, err := newTestFetcher().Get(context.Background(), srv.URL+"/feed", Conditional{})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/rss+xml", resp.ContentType)
	assert.Equal(t, `"v1"`, resp.ETag)
	assert.Equal(t, "<rss/>", string(resp.Body))
	assert.False(t, resp.NotModified)
}

func TestGet_NotFoundIsHTTPError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Get(context.Background(), srv.URL, Conditional{})
	require.Error(t, err)
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "http_error:404", fe.Code())
	assert.Equal(t, int32(1), calls.Load(), "permanent statuses are not retried")
}

func TestGet_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	resp, err := newTestFetcher().Get(context.Background(), srv.URL, Conditional{})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestGet_ExhaustedServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestFetcher().Get(context.Background(), srv.URL, Conditional{})
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "http_error:502", fe.Code())
}

func TestGet_RateLimitedSlowsHost(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := newTestFetcher()
	_, err := f.Get(context.Background(), srv.URL, Conditional{})
	require.NoError(t, err)

	lim := f.limiterFor(srv.Listener.Addr().String())
	assert.Less(t, float64(lim.Limit()), 1000.0)
}

func TestGet_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	f := NewHTTPFetcher(HTTPOptions{Timeout: 50 * time.Millisecond, MaxAttempts: 1, RatePerHost: 100, Burst: 10})
	_, err := f.Get(context.Background(), srv.URL, Conditional{})
	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, KindTimeout, fe.Code())
}

func TestGet_ConditionalNotModified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		_, _ = w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	resp, err := newTestFetcher().Get(context.Background(), srv.URL, Conditional{ETag: `"v1"`})
	require.NoError(t, err)
	assert.True(t, resp.NotModified)

	resp, err = newTestFetcher().Get(context.Background(), srv.URL, Conditional{ETag: `"v0"`})
	require.NoError(t, err)
	assert.Equal(t, "fresh", string(resp.Body))
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	body, err := newTestFetcher().Download(context.Background(), srv.URL+"/list.csv")
	require.NoError(t, err)
	defer body.Close() //nolint:errcheck
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestClassify(t *testing.T) {
	assert.Nil(t, Classify("u", nil))

	dns := Classify("u", &net.DNSError{Err: "no such host", Name: "nope.invalid", IsNotFound: true})
	assert.Equal(t, KindDNSError, dns.Code())

	dnsTimeout := Classify("u", &net.DNSError{Err: "timeout", Name: "slow", IsTimeout: true})
	assert.Equal(t, KindTimeout, dnsTimeout.Code())

	deadline := Classify("u", context.DeadlineExceeded)
	assert.Equal(t, KindTimeout, deadline.Code())

	other := Classify("u", errors.New("connection refused"))
	assert.Equal(t, "http_error:0", other.Code())

	parse := &FetchError{Kind: KindParseError, URL: "u"}
	assert.Same(t, parse, Classify("u", parse))
	assert.Contains(t, parse.Error(), "parse_error")
}

func TestAdaptiveLimiter(t *testing.T) {
	a := NewAdaptiveLimiter(10, 1)
	a.OnRateLimit()
	assert.InDelta(t, 5.0, float64(a.Limit()), 0.001)
	a.OnRateLimit()
	a.OnRateLimit()
	assert.InDelta(t, 2.5, float64(a.Limit()), 0.001, "floored at a quarter")
	for range 20 {
		a.OnSuccess()
	}
	assert.InDelta(t, 20.0, float64(a.Limit()), 0.001, "capped at double")
}

func TestMulti_UnsupportedScheme(t *testing.T) {
	m := &Multi{HTTP: newTestFetcher()}
	_, err := m.Download(context.Background(), "gopher://example.com/list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")
}

func TestParseFTPURL(t *testing.T) {
	tgt, err := parseFTPURL("ftp://user:pw@ftp.example.com/pub/feeds.opml")
	require.NoError(t, err)
	assert.Equal(t, "ftp.example.com:21", tgt.addr)
	assert.Equal(t, "/pub/feeds.opml", tgt.path)
	assert.Equal(t, "user", tgt.user)
	assert.Equal(t, "pw", tgt.password)

	tgt, err = parseFTPURL("ftp://ftp.example.com:2121/x.csv")
	require.NoError(t, err)
	assert.Equal(t, "ftp.example.com:2121", tgt.addr)
	assert.Equal(t, "anonymous", tgt.user)

	_, err = parseFTPURL("http://example.com/x")
	assert.Error(t, err)
	_, err = parseFTPURL("ftp://example.com")
	assert.Error(t, err)
}
