// Package pipeline runs the catalog stages end to end: load, resolve,
// merge, enrich, classify, finalize and assemble.
package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/feedcat/internal/classify"
	"github.com/sells-group/feedcat/internal/cost"
	"github.com/sells-group/feedcat/internal/enrich"
	"github.com/sells-group/feedcat/internal/identity"
	"github.com/sells-group/feedcat/internal/merge"
	"github.com/sells-group/feedcat/internal/model"
	"github.com/sells-group/feedcat/internal/source"
	"github.com/sells-group/feedcat/internal/tree"
)

// Loader reads origin lists.
type Loader interface {
	LoadAll(ctx context.Context, origins []source.Origin) ([]model.CandidateRecord, error)
}

// Enricher fills in enrichment signals in place.
type Enricher interface {
	EnrichAll(ctx context.Context, records []model.CanonicalRecord) (enrich.Summary, error)
}

// Classifier fills in classifications in place.
type Classifier interface {
	ClassifyAll(ctx context.Context, records []model.CanonicalRecord) (classify.Summary, error)
}

// CurationSource supplies curator overlays kept outside the snapshot.
type CurationSource interface {
	LoadCurations(ctx context.Context) (map[string]model.CurationOverlay, error)
}

// Options tune the run.
type Options struct {
	// RunID names the run; a fresh UUID is used when empty.
	RunID string
	Score merge.ScorePolicy
	Tree  tree.Options
	// Model is the judge model, used to price token usage.
	Model string
	// Trace logs every record whose ID, title or URL contains it after
	// each stage.
	Trace string
}

// Pipeline orchestrates one catalog run.
type Pipeline struct {
	loader     Loader
	enricher   Enricher
	classifier Classifier
	costCalc   *cost.Calculator
	curations  CurationSource
	opts       Options
	now        func() time.Time
}

// New creates a new Pipeline with all dependencies.
func New(loader Loader, enricher Enricher, classifier Classifier, costCalc *cost.Calculator, opts Options) *Pipeline {
	if costCalc == nil {
		costCalc = cost.NewCalculator(cost.DefaultRates())
	}
	return &Pipeline{
		loader:     loader,
		enricher:   enricher,
		classifier: classifier,
		costCalc:   costCalc,
		opts:       opts,
		now:        time.Now,
	}
}

// WithCurations makes the run take curator state from src instead of the
// prior snapshot wherever src has an overlay for the record.
func (p *Pipeline) WithCurations(src CurationSource) *Pipeline {
	p.curations = src
	return p
}

// Run builds the next snapshot from prior (nil on the first run), the
// origin lists and the category definition. Configuration problems fail
// before any stage runs. A cancelled run returns an error and no
// snapshot; cache entries written so far remain valid.
func (p *Pipeline) Run(ctx context.Context, prior *model.Snapshot, origins []source.Origin, def *model.CategoryDefinition) (*model.Snapshot, *model.RunReport, error) {
	runID := p.opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	log := zap.L().With(zap.String("run_id", runID))
	report := &model.RunReport{RunID: runID, StartedAt: p.now().UTC()}

	trackPhase := func(name string, fn func() error) error {
		start := time.Now()
		err := fn()
		res := model.PhaseResult{Name: name, Status: model.PhaseStatusComplete, Duration: time.Since(start).Milliseconds()}
		if err != nil {
			res.Status = model.PhaseStatusFailed
			res.Error = err.Error()
			log.Error("pipeline: phase failed", zap.String("phase", name), zap.Int64("duration_ms", res.Duration), zap.Error(err))
		} else {
			log.Info("pipeline: phase complete", zap.String("phase", name), zap.Int64("duration_ms", res.Duration))
		}
		report.Phases = append(report.Phases, res)
		return err
	}

	if err := tree.Validate(def); err != nil {
		return nil, report, eris.Wrap(err, "pipeline: category definition")
	}
	vocab := tree.Vocabulary(def)

	var candidates []model.CandidateRecord
	if err := trackPhase("load", func() error {
		var err error
		candidates, err = p.loader.LoadAll(ctx, origins)
		return err
	}); err != nil {
		return nil, report, eris.Wrap(err, "pipeline: load origins")
	}
	report.Candidates = len(candidates)

	var overlays map[string]model.CurationOverlay
	if p.curations != nil {
		var err error
		if overlays, err = p.curations.LoadCurations(ctx); err != nil {
			return nil, report, eris.Wrap(err, "pipeline: load curations")
		}
	}

	var records []model.CanonicalRecord
	_ = trackPhase("merge", func() error {
		records = p.mergeAll(candidates, prior, vocab, report)
		for i := range records {
			if o, ok := overlays[records[i].ID]; ok {
				records[i].ApplyOverlay(o)
			}
		}
		return nil
	})
	p.trace("merge", records)

	if err := trackPhase("enrich", func() error {
		sum, err := p.enricher.EnrichAll(ctx, records)
		if err != nil {
			return err
		}
		report.EnrichCacheHits = sum.CacheHits
		report.EnrichCacheMisses = sum.CacheMisses
		for kind, n := range sum.FetchErrors {
			report.CountFetchError(kind, n)
		}
		return nil
	}); err != nil {
		return nil, report, eris.Wrap(err, "pipeline: enrich")
	}
	p.trace("enrich", records)

	if err := trackPhase("classify", func() error {
		sum, err := p.classifier.ClassifyAll(ctx, records)
		if err != nil {
			return err
		}
		report.ClassifyCacheHits = sum.CacheHits
		report.ClassifyCacheMisses = sum.CacheMisses
		report.ClassifyFailures = sum.Failures
		report.ClassifyFallbacks = sum.Fallbacks
		report.Unclassified = sum.Unclassified
		for tag, n := range sum.RejectedTags {
			report.CountRejectedTag(tag, n)
		}
		report.Usage.Add(sum.Usage)
		return nil
	}); err != nil {
		return nil, report, eris.Wrap(err, "pipeline: classify")
	}
	p.trace("classify", records)

	// Tags, display fields and score are written once per record, after
	// both external stages have finished.
	for i := range records {
		merge.Finalize(&records[i], vocab, p.opts.Score)
	}
	p.trace("finalize", records)

	var assembled tree.Result
	_ = trackPhase("tree", func() error {
		assembled = tree.Assemble(def, records, p.opts.Tree)
		return nil
	})
	report.Untreed = len(assembled.Untreed)
	report.SuspectedDuplicates = enrich.SuspectedDuplicates(records)
	report.Records = len(records)
	report.CostUSD = p.costCalc.Log(p.opts.Model, "classify", report.Usage)
	report.FinishedAt = p.now().UTC()

	snap := &model.Snapshot{
		Version:     model.SnapshotVersion,
		RunID:       runID,
		GeneratedAt: report.FinishedAt,
		Records:     records,
		Tree:        assembled.Root,
	}
	snap.SortRecords()

	log.Info("pipeline: run complete",
		zap.Int("candidates", report.Candidates),
		zap.Int("records", report.Records),
		zap.Int("new_records", report.NewRecords),
		zap.Int("dropped", len(report.Dropped)),
		zap.Int("untreed", report.Untreed),
		zap.Float64("cost_usd", report.CostUSD),
	)
	return snap, report, nil
}

// mergeAll groups candidates by identity and merges each group with its
// prior record. Prior records no origin mentions any more are carried
// forward unchanged in content.
func (p *Pipeline) mergeAll(candidates []model.CandidateRecord, prior *model.Snapshot, vocab *model.Vocabulary, report *model.RunReport) []model.CanonicalRecord {
	groups, order, dropped := identity.Group(candidates)
	report.Dropped = dropped
	for _, d := range dropped {
		zap.L().Debug("pipeline: dropped candidate",
			zap.String("origin", d.Origin), zap.Int("seq", d.Seq), zap.String("ref", d.Ref), zap.String("reason", d.Reason))
	}

	priorIdx := prior.Index()
	records := make([]model.CanonicalRecord, 0, len(order)+len(priorIdx))
	seen := make(map[string]struct{}, len(order))
	for _, id := range order {
		res := merge.Merge(id, groups[id], priorIdx[id.String()], vocab)
		records = append(records, res.Record)
		seen[res.Record.ID] = struct{}{}
		if res.New {
			report.NewRecords++
		}
		for _, t := range res.RejectedTags {
			report.CountRejectedTag(t, 1)
		}
	}
	if prior != nil {
		for i := range prior.Records {
			old := &prior.Records[i]
			if _, ok := seen[old.ID]; ok {
				continue
			}
			res := merge.Merge(old.Identity, nil, old, vocab)
			records = append(records, res.Record)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records
}

func (p *Pipeline) trace(stage string, records []model.CanonicalRecord) {
	if p.opts.Trace == "" {
		return
	}
	for i := range records {
		r := &records[i]
		if !r.Matches(p.opts.Trace) {
			continue
		}
		zap.L().Info("pipeline: trace",
			zap.String("stage", stage),
			zap.String("record", r.ID),
			zap.String("title", r.Title),
			zap.Strings("origins", r.Origins),
			zap.Strings("origin_tags", r.OriginTags),
			zap.Strings("tags", r.Tags),
			zap.String("classify_status", string(r.ClassifyStatus)),
			zap.Bool("reachable", r.Signals.Reachable),
			zap.String("fetch_error", r.Signals.Error),
			zap.Float64("score", r.Score),
		)
	}
}
