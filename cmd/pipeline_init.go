package main

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/sells-group/feedcat/internal/classify"
	"github.com/sells-group/feedcat/internal/cost"
	"github.com/sells-group/feedcat/internal/enrich"
	"github.com/sells-group/feedcat/internal/fetcher"
	"github.com/sells-group/feedcat/internal/model"
	"github.com/sells-group/feedcat/internal/pipeline"
	"github.com/sells-group/feedcat/internal/resilience"
	"github.com/sells-group/feedcat/internal/source"
	"github.com/sells-group/feedcat/internal/store"
	"github.com/sells-group/feedcat/internal/tree"
	anthropicpkg "github.com/sells-group/feedcat/pkg/anthropic"
)

// newHTTPFetcher builds the fetcher shared by origin downloads and feed
// enrichment, so both respect the same per-host limits.
func newHTTPFetcher() *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:    cfg.Enrich.UserAgent,
		Timeout:      time.Duration(cfg.Enrich.TimeoutSecs) * time.Second,
		MaxAttempts:  cfg.Enrich.MaxAttempts,
		MaxBodyBytes: cfg.Enrich.MaxBodyBytes,
		RatePerHost:  rate.Limit(cfg.Enrich.RatePerHost),
		Burst:        cfg.Enrich.Burst,
	})
}

// newLoader reads origin lists from local paths, HTTP(S) and FTP.
func newLoader(httpFetcher *fetcher.HTTPFetcher) *source.Loader {
	return source.NewLoader(&fetcher.Multi{
		HTTP: httpFetcher,
		FTP:  fetcher.NewFTPFetcher(fetcher.FTPOptions{Timeout: time.Duration(cfg.Enrich.TimeoutSecs) * time.Second}),
	})
}

func enrichOptions() enrich.Options {
	return enrich.Options{
		MaxAge:        time.Duration(cfg.Enrich.MaxAgeHours) * time.Hour,
		FailureMaxAge: time.Duration(cfg.Enrich.FailureMaxAgeHours) * time.Hour,
		ActiveWindow:  time.Duration(cfg.Enrich.ActiveWindowDays) * 24 * time.Hour,
		RecentTitles:  cfg.Enrich.RecentTitles,
		Concurrency:   cfg.Enrich.Concurrency,
	}
}

func classifyOptions() classify.Options {
	retry := resilience.DefaultRetryConfig()
	if cfg.Classify.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Classify.MaxAttempts
	}
	return classify.Options{
		Version:           cfg.Classify.Version,
		Model:             cfg.Anthropic.Model,
		Concurrency:       cfg.Classify.Concurrency,
		RequestsPerSecond: cfg.Classify.RequestsPerSecond,
		Retry:             retry,
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: cfg.Classify.BreakerThreshold,
			ResetTimeout:     time.Duration(cfg.Classify.BreakerResetSecs) * time.Second,
		},
	}
}

// pricing overlays configured model rates on the defaults.
func pricing() cost.Rates {
	rates := cost.DefaultRates()
	for id, r := range cfg.Pricing.Anthropic {
		rates.Anthropic[id] = r
	}
	return rates
}

// initPipeline wires the stages for one run against st.
func initPipeline(st store.Store, def *model.CategoryDefinition, runID, trace string) *pipeline.Pipeline {
	vocab := tree.Vocabulary(def)
	httpFetcher := newHTTPFetcher()

	client := anthropicpkg.NewClient(cfg.Anthropic.Key)
	judge := classify.NewAnthropicJudge(client, cfg.Anthropic.Model, cfg.Anthropic.MaxTokens, vocab)

	return pipeline.New(
		newLoader(httpFetcher),
		enrich.NewStage(httpFetcher, st, enrichOptions()),
		classify.NewStage(judge, st, vocab, classifyOptions()),
		cost.NewCalculator(pricing()),
		pipeline.Options{
			RunID: runID,
			Score: cfg.Score,
			Tree:  cfg.Tree,
			Model: cfg.Anthropic.Model,
			Trace: trace,
		},
	).WithCurations(st)
}
