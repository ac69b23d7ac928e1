// Package source reads origin lists into candidate records. It performs no
// cross-record logic.
package source

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/feedcat/internal/fetcher"
	"github.com/sells-group/feedcat/internal/model"
)

// Supported origin list formats.
const (
	FormatJSONL = "jsonl"
	FormatJSON  = "json"
	FormatCSV   = "csv"
	FormatXLSX  = "xlsx"
	FormatOPML  = "opml"
)

// Origin describes one configured origin list.
type Origin struct {
	Name     string `yaml:"name" mapstructure:"name"`
	Location string `yaml:"location" mapstructure:"location"`
	Format   string `yaml:"format" mapstructure:"format"`
	// Kind is assumed for rows that name no kind and no kind-specific column.
	Kind string `yaml:"kind" mapstructure:"kind"`
}

// ResolvedFormat returns the configured format, or one inferred from the
// location's extension.
func (o Origin) ResolvedFormat() string {
	if o.Format != "" {
		return strings.ToLower(o.Format)
	}
	loc := o.Location
	if u, err := url.Parse(loc); err == nil && u.Scheme != "" {
		loc = u.Path
	}
	switch ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(loc), ".")); ext {
	case "ndjson":
		return FormatJSONL
	case "xml":
		return FormatOPML
	default:
		return ext
	}
}

// ValidFormat reports whether f names a supported format.
func ValidFormat(f string) bool {
	switch f {
	case FormatJSONL, FormatJSON, FormatCSV, FormatXLSX, FormatOPML:
		return true
	}
	return false
}

// ErrUnreadableOrigin wraps any failure to read an origin list.
var ErrUnreadableOrigin = eris.New("unreadable origin list")

// Loader reads origin lists from local paths or remote locations.
type Loader struct {
	remote fetcher.Fetcher
}

// NewLoader creates a Loader. remote serves http(s) and ftp locations and
// may be nil when only local paths are used.
func NewLoader(remote fetcher.Fetcher) *Loader {
	return &Loader{remote: remote}
}

// LoadAll reads every origin in order. Rank is the origin's position, so
// later origins are treated as more recently loaded. Any unreadable origin
// fails the whole load.
func (l *Loader) LoadAll(ctx context.Context, origins []Origin) ([]model.CandidateRecord, error) {
	var all []model.CandidateRecord
	for rank, o := range origins {
		recs, err := l.Load(ctx, rank, o)
		if err != nil {
			return nil, err
		}
		zap.L().Info("source: loaded origin",
			zap.String("origin", o.Name),
			zap.String("format", o.ResolvedFormat()),
			zap.Int("candidates", len(recs)),
		)
		all = append(all, recs...)
	}
	return all, nil
}

// Load reads a single origin list.
func (l *Loader) Load(ctx context.Context, rank int, o Origin) ([]model.CandidateRecord, error) {
	fail := func(err error) error {
		return eris.Wrapf(ErrUnreadableOrigin, "source: origin %q (%s): %v", o.Name, o.Location, err)
	}

	data, err := l.read(ctx, o.Location)
	if err != nil {
		return nil, fail(err)
	}

	var rows []rawCandidate
	switch format := o.ResolvedFormat(); format {
	case FormatJSONL, FormatJSON:
		rows, err = collect(decodeJSON[rawCandidate](ctx, bytes.NewReader(data)))
	case FormatCSV:
		rows, err = fromTable(streamCSV(ctx, bytes.NewReader(data)))
	case FormatXLSX:
		rows, err = fromTable(streamXLSX(ctx, data))
	case FormatOPML:
		rows, err = readOPML(bytes.NewReader(data))
	default:
		err = eris.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return nil, fail(err)
	}

	fallback := model.Kind(strings.ToLower(o.Kind))
	out := make([]model.CandidateRecord, 0, len(rows))
	for _, rc := range rows {
		if rc.empty() {
			continue
		}
		out = append(out, rc.toCandidate(o.Name, rank, len(out), fallback))
	}
	return out, nil
}

func (l *Loader) read(ctx context.Context, location string) ([]byte, error) {
	if u, err := url.Parse(location); err == nil {
		switch u.Scheme {
		case "http", "https", "ftp":
			if l.remote == nil {
				return nil, eris.Errorf("no fetcher for %s", u.Scheme)
			}
			body, err := l.remote.Download(ctx, location)
			if err != nil {
				return nil, err
			}
			defer body.Close() //nolint:errcheck
			return io.ReadAll(body)
		case "file":
			location = u.Path
		}
	}
	data, err := os.ReadFile(location)
	return data, eris.Wrap(err, "read file")
}

func collect[T any](items <-chan T, errs <-chan error) ([]T, error) {
	var out []T
	for item := range items {
		out = append(out, item)
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	return out, nil
}

// fromTable treats the first row as the header.
func fromTable(rows <-chan []string, errs <-chan error) ([]rawCandidate, error) {
	var (
		header []string
		out    []rawCandidate
	)
	for row := range rows {
		if header == nil {
			header = row
			continue
		}
		out = append(out, fromColumns(header, row))
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	return out, nil
}
