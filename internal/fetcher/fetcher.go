// Package fetcher downloads feed documents and origin lists over HTTP(S)
// and FTP.
package fetcher

import (
	"context"
	"io"
	"net/url"

	"github.com/rotisserie/eris"
)

// Fetcher downloads a remote resource.
type Fetcher interface {
	// Download fetches the URL and returns the response body. The caller
	// closes it.
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// Multi routes downloads by URL scheme.
type Multi struct {
	HTTP Fetcher
	FTP  Fetcher
}

// Download dispatches to the fetcher registered for the URL's scheme.
func (m *Multi) Download(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, eris.Wrap(err, "fetcher: parse url")
	}
	switch u.Scheme {
	case "http", "https":
		if m.HTTP != nil {
			return m.HTTP.Download(ctx, rawURL)
		}
	case "ftp":
		if m.FTP != nil {
			return m.FTP.Download(ctx, rawURL)
		}
	}
	return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
}
