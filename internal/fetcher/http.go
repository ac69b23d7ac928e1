package fetcher

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/feedcat/internal/resilience"
)

// HTTPOptions configures the HTTP fetcher.
type HTTPOptions struct {
	UserAgent      string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBodyBytes   int64
	// RatePerHost is the steady request rate allowed against one host.
	RatePerHost rate.Limit
	Burst       int
}

// AdaptiveLimiter wraps a rate.Limiter that speeds up on success (up to 2x
// the initial rate) and halves on 429 (down to a quarter).
type AdaptiveLimiter struct {
	mu          sync.Mutex
	limiter     *rate.Limiter
	maxRate     rate.Limit
	minRate     rate.Limit
	currentRate rate.Limit
}

// NewAdaptiveLimiter creates an adaptive limiter starting at initialRate.
func NewAdaptiveLimiter(initialRate rate.Limit, burst int) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		limiter:     rate.NewLimiter(initialRate, burst),
		maxRate:     initialRate * 2,
		minRate:     initialRate / 4,
		currentRate: initialRate,
	}
}

// Wait blocks until the limiter allows a request.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// OnSuccess raises the rate by 20%.
func (a *AdaptiveLimiter) OnSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.set(min(a.currentRate*1.2, a.maxRate))
}

// OnRateLimit halves the rate.
func (a *AdaptiveLimiter) OnRateLimit() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.set(max(a.currentRate*0.5, a.minRate))
	zap.L().Warn("fetcher: reducing host rate after 429", zap.Float64("new_rate", float64(a.currentRate)))
}

func (a *AdaptiveLimiter) set(r rate.Limit) {
	a.currentRate = r
	a.limiter.SetLimit(r)
}

// Limit returns the current rate.
func (a *AdaptiveLimiter) Limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.currentRate
}

// Response is a fully read HTTP response.
type Response struct {
	URL          string // final URL after redirects
	StatusCode   int
	ContentType  string
	ETag         string
	LastModified string
	Body         []byte
	NotModified  bool
}

// Conditional carries validators from a previous fetch.
type Conditional struct {
	ETag         string
	LastModified string
}

// HTTPFetcher fetches over net/http with per-host rate limiting and retries.
type HTTPFetcher struct {
	client *http.Client
	opts   HTTPOptions

	mu       sync.Mutex
	limiters map[string]*AdaptiveLimiter
}

// NewHTTPFetcher creates a new HTTPFetcher with the given options.
func NewHTTPFetcher(opts HTTPOptions) *HTTPFetcher {
	if opts.Timeout == 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "feedcat/1.0"
	}
	if opts.MaxBodyBytes == 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	if opts.RatePerHost == 0 {
		opts.RatePerHost = 2
	}
	if opts.Burst == 0 {
		opts.Burst = 2
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: 4,
		MaxConnsPerHost:     8,
		IdleConnTimeout:     90 * time.Second,
	}
	return &HTTPFetcher{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		opts:     opts,
		limiters: make(map[string]*AdaptiveLimiter),
	}
}

func (f *HTTPFetcher) limiterFor(host string) *AdaptiveLimiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = NewAdaptiveLimiter(f.opts.RatePerHost, f.opts.Burst)
		f.limiters[host] = lim
	}
	return lim
}

// Get fetches rawURL, retrying transient failures. A non-2xx status after
// retries is returned as a *FetchError of kind http_error. A 304 answer to
// a conditional request is returned with NotModified set.
func (f *HTTPFetcher) Get(ctx context.Context, rawURL string, cond Conditional) (*Response, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, &FetchError{Kind: KindHTTPError, URL: rawURL, Err: err}
	}
	lim := f.limiterFor(u.Host)

	retry := resilience.RetryConfig{
		MaxAttempts:    f.opts.MaxAttempts,
		InitialBackoff: f.opts.InitialBackoff,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.5,
		OnRetry:        resilience.RetryLogger("fetcher", rawURL),
	}

	resp, err := resilience.DoVal(ctx, retry, func(ctx context.Context) (*Response, error) {
		if err := lim.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "rate limiter wait")
		}
		resp, err := f.do(ctx, rawURL, cond)
		if err != nil {
			return nil, err
		}
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			lim.OnRateLimit()
			return nil, resilience.NewTransientError(httpStatusError(rawURL, resp.StatusCode), resp.StatusCode)
		case resilience.IsTransientHTTPStatus(resp.StatusCode):
			return nil, resilience.NewTransientError(httpStatusError(rawURL, resp.StatusCode), resp.StatusCode)
		}
		lim.OnSuccess()
		return resp, nil
	})
	if err != nil {
		return nil, Classify(rawURL, err)
	}

	if resp.StatusCode == http.StatusNotModified {
		resp.NotModified = true
		return resp, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, httpStatusError(rawURL, resp.StatusCode)
	}
	return resp, nil
}

func httpStatusError(rawURL string, code int) *FetchError {
	return &FetchError{Kind: KindHTTPError, StatusCode: code, URL: rawURL}
}

func (f *HTTPFetcher) do(ctx context.Context, rawURL string, cond Conditional) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/feed+json, application/xml;q=0.9, text/html;q=0.8, */*;q=0.5")
	if cond.ETag != "" {
		req.Header.Set("If-None-Match", cond.ETag)
	}
	if cond.LastModified != "" {
		req.Header.Set("If-Modified-Since", cond.LastModified)
	}

	httpResp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, f.opts.MaxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "read body")
	}
	return &Response{
		URL:          httpResp.Request.URL.String(),
		StatusCode:   httpResp.StatusCode,
		ContentType:  httpResp.Header.Get("Content-Type"),
		ETag:         httpResp.Header.Get("ETag"),
		LastModified: httpResp.Header.Get("Last-Modified"),
		Body:         body,
	}, nil
}

// Download fetches rawURL and returns its body.
func (f *HTTPFetcher) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	resp, err := f.Get(ctx, rawURL, Conditional{})
	if err != nil {
		return nil, eris.Wrap(err, "download")
	}
	return io.NopCloser(bytes.NewReader(resp.Body)), nil
}
