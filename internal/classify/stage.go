package classify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/feedcat/internal/model"
	"github.com/sells-group/feedcat/internal/resilience"
)

// Cache is the slice of the store the stage reads and writes.
type Cache interface {
	GetCache(ctx context.Context, ns model.CacheNamespace, fingerprint string) (*model.CacheEntry, error)
	PutCache(ctx context.Context, entry model.CacheEntry) error
}

// Options configure the classification stage.
type Options struct {
	// Version is bumped whenever the prompt changes in a way that should
	// invalidate cached classifications.
	Version           string
	Model             string
	Concurrency       int
	RequestsPerSecond float64
	Retry             resilience.RetryConfig
	Breaker           resilience.CircuitBreakerConfig
}

// Outcome is the result of classifying one record.
type Outcome struct {
	Classification *model.Classification
	Status         model.ClassifyStatus
	CacheHit       bool
	// Rejected lists tags and markers the judge returned outside the
	// vocabulary.
	Rejected []string
	Usage    model.TokenUsage
	// Err is the judge failure that forced a fallback.
	Err error
}

// Summary aggregates the outcomes of one ClassifyAll call.
type Summary struct {
	CacheHits    int
	CacheMisses  int
	Failures     int
	Fallbacks    int
	Unclassified int
	RejectedTags map[string]int
	Usage        model.TokenUsage
}

// Stage classifies records through a judge.
type Stage struct {
	judge   Judge
	cache   Cache
	vocab   *model.Vocabulary
	opts    Options
	breaker *resilience.CircuitBreaker
	limiter *rate.Limiter
	now     func() time.Time
}

// NewStage creates a classification stage.
func NewStage(judge Judge, cache Cache, vocab *model.Vocabulary, opts Options) *Stage {
	if opts.Version == "" {
		opts.Version = "1"
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	opts.Retry.ShouldRetry = retryable
	opts.Retry.OnRetry = resilience.RetryLogger("classify", "judge")

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	breakerCfg := opts.Breaker
	breakerCfg.ShouldTrip = func(err error) bool {
		return err != nil && !eris.Is(err, ErrMalformedResponse)
	}
	breakerCfg.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("classify: judge circuit state changed",
			zap.String("from", from.String()), zap.String("to", to.String()))
	}

	return &Stage{
		judge:   judge,
		cache:   cache,
		vocab:   vocab,
		opts:    opts,
		breaker: resilience.NewCircuitBreaker(breakerCfg),
		limiter: rate.NewLimiter(limit, max(1, opts.Concurrency)),
		now:     time.Now,
	}
}

func retryable(err error) bool {
	return resilience.IsTransient(err) || eris.Is(err, ErrMalformedResponse)
}

// Fingerprint keys the classify cache on the inputs the judge sees. It
// changes when the title, summary or keywords change, or when the prompt
// version or vocabulary changes; scores and enrichment do not affect it.
func Fingerprint(version, vocabHash string, rec *model.CanonicalRecord) string {
	h := sha256.New()
	for _, part := range []string{
		version,
		vocabHash,
		rec.Identity.String(),
		rec.SourceTitle,
		rec.SourceSummary,
		strings.Join(rec.Keywords, ","),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Classify produces a classification for rec. Judge failures fall back to
// the previous classification (stale) or leave the record unclassified;
// the error return is reserved for cancellation.
func (s *Stage) Classify(ctx context.Context, rec *model.CanonicalRecord) (Outcome, error) {
	log := zap.L().With(zap.String("record", rec.ID))
	fp := Fingerprint(s.opts.Version, s.vocab.Hash(), rec)

	if c := rec.Classification; c != nil && c.Fingerprint == fp && rec.ClassifyStatus == model.ClassifyStatusClassified {
		return Outcome{Classification: c, Status: model.ClassifyStatusClassified, CacheHit: true}, nil
	}
	if c := s.lookup(ctx, fp, log); c != nil {
		return Outcome{Classification: c, Status: model.ClassifyStatusClassified, CacheHit: true}, nil
	}

	var usage model.TokenUsage
	req := requestFor(rec)
	resp, err := resilience.DoVal(ctx, s.opts.Retry, func(ctx context.Context) (*Response, error) {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "classify: rate limiter wait")
		}
		return resilience.ExecuteVal(ctx, s.breaker, func(ctx context.Context) (*Response, error) {
			r, err := s.judge.Judge(ctx, req)
			if r != nil {
				usage.Add(r.Usage)
			}
			return r, err
		})
	})
	if ctx.Err() != nil {
		return Outcome{}, eris.Wrap(ctx.Err(), "classify: cancelled")
	}
	if err != nil {
		out := Outcome{Usage: usage, Err: err}
		if rec.Classification != nil {
			out.Classification = rec.Classification
			out.Status = model.ClassifyStatusStale
		} else {
			out.Status = model.ClassifyStatusUnclassified
		}
		log.Warn("classify: judge failed, falling back",
			zap.String("status", string(out.Status)), zap.Error(err))
		return out, nil
	}

	c, rejected := s.accept(resp, fp)
	if len(rejected) > 0 {
		log.Info("classify: discarded tags outside vocabulary", zap.Strings("tags", rejected))
	}
	s.store(ctx, rec.ID, c, log)
	return Outcome{Classification: c, Status: model.ClassifyStatusClassified, Rejected: rejected, Usage: usage}, nil
}

// ClassifyAll classifies records in place with bounded concurrency.
func (s *Stage) ClassifyAll(ctx context.Context, records []model.CanonicalRecord) (Summary, error) {
	outcomes := make([]Outcome, len(records))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i := range records {
		g.Go(func() error {
			out, err := s.Classify(gctx, &records[i])
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

	sum := Summary{RejectedTags: make(map[string]int)}
	for i, out := range outcomes {
		records[i].Classification = out.Classification
		records[i].ClassifyStatus = out.Status
		if out.CacheHit {
			sum.CacheHits++
		} else {
			sum.CacheMisses++
		}
		if out.Err != nil {
			sum.Failures++
			if out.Status == model.ClassifyStatusStale {
				sum.Fallbacks++
			}
		}
		if out.Status == model.ClassifyStatusUnclassified {
			sum.Unclassified++
		}
		for _, t := range out.Rejected {
			sum.RejectedTags[t]++
		}
		sum.Usage.Add(out.Usage)
	}
	zap.L().Info("classify: complete",
		zap.Int("records", len(records)),
		zap.Int("cache_hits", sum.CacheHits),
		zap.Int("failures", sum.Failures),
		zap.Int("unclassified", sum.Unclassified),
		zap.Int64("input_tokens", sum.Usage.InputTokens),
		zap.Int64("output_tokens", sum.Usage.OutputTokens),
	)
	return sum, nil
}

// accept filters the verdict against the vocabulary. The high-quality
// marker is curator-only and never accepted from the judge.
func (s *Stage) accept(resp *Response, fp string) (*model.Classification, []string) {
	v := resp.Verdict
	var tags, markers, rejected []string
	for _, t := range v.Tags {
		if s.vocab.HasTag(t) {
			tags = append(tags, t)
		} else {
			rejected = append(rejected, t)
		}
	}
	for _, m := range v.Markers {
		if s.vocab.HasMarker(m) && m != model.MarkerHighQuality {
			markers = append(markers, m)
		} else {
			rejected = append(rejected, m)
		}
	}

	return &model.Classification{
		Fingerprint:  fp,
		Model:        firstNonEmpty(resp.Model, s.opts.Model),
		ClassifiedAt: s.now().UTC(),
		CleanTitle:   v.Title,
		CleanAuthor:  v.Author,
		Description:  v.Description,
		Language:     v.Language,
		Tags:         model.SortedSet(tags),
		Markers:      model.SortedSet(markers),
		Keywords:     v.Keywords,
		NSFW:         v.NSFW,
		Spam:         v.Spam,
		Score:        v.Score,
	}, model.SortedSet(rejected)
}

func (s *Stage) lookup(ctx context.Context, fp string, log *zap.Logger) *model.Classification {
	if s.cache == nil {
		return nil
	}
	entry, err := s.cache.GetCache(ctx, model.CacheClassify, fp)
	if err != nil {
		log.Warn("classify: cache read failed", zap.Error(err))
		return nil
	}
	if entry == nil {
		return nil
	}
	var c model.Classification
	if err := json.Unmarshal(entry.Payload, &c); err != nil {
		log.Warn("classify: discarding unreadable cache entry", zap.Error(err))
		return nil
	}
	return &c
}

func (s *Stage) store(ctx context.Context, recordID string, c *model.Classification, log *zap.Logger) {
	if s.cache == nil {
		return
	}
	raw, err := json.Marshal(c)
	if err != nil {
		log.Warn("classify: encode cache entry", zap.Error(err))
		return
	}
	entry := model.CacheEntry{
		Namespace:   model.CacheClassify,
		Fingerprint: c.Fingerprint,
		IdentityKey: recordID,
		Payload:     raw,
		CreatedAt:   c.ClassifiedAt,
	}
	if err := s.cache.PutCache(ctx, entry); err != nil {
		log.Warn("classify: cache write failed", zap.Error(err))
	}
}

func requestFor(rec *model.CanonicalRecord) Request {
	return Request{
		Identity:        rec.Identity,
		Title:           rec.SourceTitle,
		Author:          rec.SourceAuthor,
		Summary:         rec.SourceSummary,
		Language:        rec.SourceLanguage,
		Keywords:        rec.Keywords,
		FeedTitle:       rec.Signals.FeedTitle,
		FeedDescription: rec.Signals.FeedDescription,
		RecentTitles:    rec.Signals.RecentTitles,
	}
}
