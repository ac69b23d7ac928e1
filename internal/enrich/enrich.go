// Package enrich fetches each record's feed and derives liveness and
// cadence signals, reusing cached results while they are fresh.
package enrich

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/feedcat/internal/fetcher"
	"github.com/sells-group/feedcat/internal/model"
)

// Getter performs conditional HTTP GETs.
type Getter interface {
	Get(ctx context.Context, rawURL string, cond fetcher.Conditional) (*fetcher.Response, error)
}

// Cache is the slice of the store the stage reads and writes.
type Cache interface {
	GetCache(ctx context.Context, ns model.CacheNamespace, fingerprint string) (*model.CacheEntry, error)
	PutCache(ctx context.Context, entry model.CacheEntry) error
}

// Options tune freshness and signal extraction.
type Options struct {
	// MaxAge is how long a successful fetch is reused.
	MaxAge time.Duration
	// FailureMaxAge is how long a failed fetch is reused before retrying.
	FailureMaxAge time.Duration
	// ActiveWindow is how recent the last post must be for a feed to count
	// as active.
	ActiveWindow time.Duration
	RecentTitles int
	Concurrency  int
}

// DefaultOptions returns the standard enrichment settings.
func DefaultOptions() Options {
	return Options{
		MaxAge:        24 * time.Hour,
		FailureMaxAge: 6 * time.Hour,
		ActiveWindow:  90 * 24 * time.Hour,
		RecentTitles:  5,
		Concurrency:   16,
	}
}

// Outcome is the result of enriching one record.
type Outcome struct {
	Signals  model.EnrichmentSignals
	CacheHit bool
	// Err is set when the fetch failed; the record still carries signals.
	Err *fetcher.FetchError
}

// Summary aggregates the outcomes of one EnrichAll call.
type Summary struct {
	CacheHits   int
	CacheMisses int
	FetchErrors map[string]int
}

// Stage enriches records.
type Stage struct {
	get   Getter
	cache Cache
	opts  Options
	now   func() time.Time
}

// NewStage creates an enrichment stage. Zero option values take defaults.
func NewStage(get Getter, cache Cache, opts Options) *Stage {
	def := DefaultOptions()
	if opts.MaxAge <= 0 {
		opts.MaxAge = def.MaxAge
	}
	if opts.FailureMaxAge <= 0 {
		opts.FailureMaxAge = def.FailureMaxAge
	}
	if opts.ActiveWindow <= 0 {
		opts.ActiveWindow = def.ActiveWindow
	}
	if opts.RecentTitles <= 0 {
		opts.RecentTitles = def.RecentTitles
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = def.Concurrency
	}
	return &Stage{get: get, cache: cache, opts: opts, now: time.Now}
}

// cachedFetch is the payload stored in the enrich cache namespace.
type cachedFetch struct {
	Signals      model.EnrichmentSignals `json:"signals"`
	ETag         string                  `json:"etag,omitempty"`
	LastModified string                  `json:"last_modified,omitempty"`
}

// Fingerprint keys the enrich cache on the record identity and the URL
// actually fetched.
func Fingerprint(rec *model.CanonicalRecord) string {
	h := sha256.New()
	h.Write([]byte(rec.Identity.String()))
	h.Write([]byte{0})
	h.Write([]byte(rec.FetchURL))
	return hex.EncodeToString(h.Sum(nil))
}

// Enrich gathers signals for rec. Fetch failures are reported on the
// outcome, not as an error; the error return is reserved for cancellation.
func (s *Stage) Enrich(ctx context.Context, rec *model.CanonicalRecord) (Outcome, error) {
	log := zap.L().With(zap.String("record", rec.ID))
	fp := Fingerprint(rec)

	prev := s.lookup(ctx, fp, log)
	if prev != nil && s.fresh(prev) {
		return Outcome{Signals: prev.payload.Signals, CacheHit: true}, nil
	}

	var cond fetcher.Conditional
	if prev != nil && prev.payload.Signals.Reachable {
		cond = fetcher.Conditional{ETag: prev.payload.ETag, LastModified: prev.payload.LastModified}
	}

	now := s.now().UTC()
	result, fetchErr := s.fetch(ctx, rec.FetchURL, cond)
	if ctx.Err() != nil {
		return Outcome{}, eris.Wrap(ctx.Err(), "enrich: cancelled")
	}

	var out Outcome
	payload := cachedFetch{}
	switch {
	case fetchErr != nil:
		stale := rec.Signals
		if prev != nil {
			stale = prev.payload.Signals
		}
		out.Signals = failedSignals(stale, fetchErr, now)
		out.Err = fetchErr
		log.Debug("enrich: fetch failed", zap.String("url", rec.FetchURL), zap.String("error", fetchErr.Code()))
	case result.notModified && prev != nil:
		sig := prev.payload.Signals
		sig.FetchedAt = &now
		sig.Active = isActive(sig.LastPublishedAt, now, s.opts.ActiveWindow)
		out.Signals = sig
		payload.ETag, payload.LastModified = prev.payload.ETag, prev.payload.LastModified
	default:
		out.Signals = result.signals(now, s.opts)
		payload.ETag, payload.LastModified = result.etag, result.lastModified
	}
	payload.Signals = out.Signals

	s.store(ctx, rec, fp, payload, now, log)
	return out, nil
}

// EnrichAll enriches records in place with bounded concurrency. Results
// are written by index so completion order does not matter.
func (s *Stage) EnrichAll(ctx context.Context, records []model.CanonicalRecord) (Summary, error) {
	outcomes := make([]Outcome, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i := range records {
		g.Go(func() error {
			out, err := s.Enrich(gctx, &records[i])
			if err != nil {
				return err
			}
			outcomes[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Summary{}, err
	}

	sum := Summary{FetchErrors: make(map[string]int)}
	for i, out := range outcomes {
		records[i].Signals = out.Signals
		if out.CacheHit {
			sum.CacheHits++
		} else {
			sum.CacheMisses++
		}
		if out.Err != nil {
			sum.FetchErrors[out.Err.Code()]++
		}
	}
	zap.L().Info("enrich: complete",
		zap.Int("records", len(records)),
		zap.Int("cache_hits", sum.CacheHits),
		zap.Int("cache_misses", sum.CacheMisses),
		zap.Any("fetch_errors", sum.FetchErrors),
	)
	return sum, nil
}

type cacheHit struct {
	payload   cachedFetch
	createdAt time.Time
}

func (s *Stage) lookup(ctx context.Context, fp string, log *zap.Logger) *cacheHit {
	if s.cache == nil {
		return nil
	}
	entry, err := s.cache.GetCache(ctx, model.CacheEnrich, fp)
	if err != nil {
		log.Warn("enrich: cache read failed", zap.Error(err))
		return nil
	}
	if entry == nil {
		return nil
	}
	var p cachedFetch
	if err := json.Unmarshal(entry.Payload, &p); err != nil {
		log.Warn("enrich: discarding unreadable cache entry", zap.Error(err))
		return nil
	}
	return &cacheHit{payload: p, createdAt: entry.CreatedAt}
}

func (s *Stage) fresh(hit *cacheHit) bool {
	maxAge := s.opts.MaxAge
	if !hit.payload.Signals.Reachable {
		maxAge = s.opts.FailureMaxAge
	}
	return s.now().Sub(hit.createdAt) < maxAge
}

func (s *Stage) store(ctx context.Context, rec *model.CanonicalRecord, fp string, payload cachedFetch, now time.Time, log *zap.Logger) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Warn("enrich: encode cache entry", zap.Error(err))
		return
	}
	entry := model.CacheEntry{
		Namespace:   model.CacheEnrich,
		Fingerprint: fp,
		IdentityKey: rec.ID,
		Payload:     raw,
		CreatedAt:   now,
	}
	if err := s.cache.PutCache(ctx, entry); err != nil {
		log.Warn("enrich: cache write failed", zap.Error(err))
	}
}

// failedSignals keeps the last known feed facts but marks the source
// unreachable.
func failedSignals(stale model.EnrichmentSignals, fe *fetcher.FetchError, now time.Time) model.EnrichmentSignals {
	sig := stale
	sig.Reachable = false
	sig.Active = false
	sig.Error = fe.Code()
	sig.FetchedAt = &now
	return sig
}

func isActive(last *time.Time, now time.Time, window time.Duration) bool {
	return last != nil && now.Sub(*last) <= window
}
