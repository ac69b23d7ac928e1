package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
)

// Fetch error kinds recorded on enrichment signals.
const (
	KindTimeout    = "timeout"
	KindHTTPError  = "http_error"
	KindParseError = "parse_error"
	KindDNSError   = "dns_error"
)

// FetchError is a classified fetch failure.
type FetchError struct {
	Kind       string
	StatusCode int
	URL        string
	Err        error
}

func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("fetch %s: %s", e.URL, e.Code())
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Code(), e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Code renders the kind as recorded on a record, e.g. "http_error:404".
func (e *FetchError) Code() string {
	if e.Kind == KindHTTPError {
		return KindHTTPError + ":" + strconv.Itoa(e.StatusCode)
	}
	return e.Kind
}

// Classify converts a transport error into a FetchError. Failures that
// produced no HTTP status and are neither timeouts nor DNS failures are
// reported as http_error:0.
func Classify(rawURL string, err error) *FetchError {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return &FetchError{Kind: KindTimeout, URL: rawURL, Err: err}
		}
		return &FetchError{Kind: KindDNSError, URL: rawURL, Err: err}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: KindTimeout, URL: rawURL, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Kind: KindTimeout, URL: rawURL, Err: err}
	}

	return &FetchError{Kind: KindHTTPError, StatusCode: 0, URL: rawURL, Err: err}
}
