package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/feedcat/internal/curation"
	"github.com/sells-group/feedcat/internal/metrics"
	"github.com/sells-group/feedcat/internal/model"
	"github.com/sells-group/feedcat/internal/store"
	"github.com/sells-group/feedcat/internal/tree"
)

var (
	runTrace  string
	runNoSave bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full catalog pipeline",
	Long:  "Loads every origin list, merges them with the current snapshot, enriches and classifies records, assembles the category tree and saves the new snapshot.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("run"); err != nil {
			return err
		}
		def, err := tree.LoadDefinition(cfg.Categories)
		if err != nil {
			return eris.Wrap(err, "load categories")
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.CreateRun(ctx)
		if err != nil {
			return eris.Wrap(err, "create run")
		}
		prior, err := st.LoadSnapshot(ctx)
		if err != nil {
			return eris.Wrap(err, "load snapshot")
		}

		p := initPipeline(st, def, run.ID, runTrace)
		snap, report, runErr := p.Run(ctx, prior, cfg.Origins, def)

		status := model.RunStatusComplete
		if runErr != nil {
			status = model.RunStatusFailed
		}
		// Record the outcome even when ctx was cancelled.
		finishCtx := context.WithoutCancel(ctx)
		if err := st.FinishRun(finishCtx, run.ID, status, report, runErr); err != nil {
			zap.L().Error("run: failed to record run outcome", zap.String("run_id", run.ID), zap.Error(err))
		}

		m := metrics.New()
		m.ObserveRun(status, report)
		if cfg.Output.MetricsPath != "" {
			if err := m.WriteTextfile(cfg.Output.MetricsPath); err != nil {
				zap.L().Warn("run: metrics not written", zap.Error(err))
			}
		}

		if runErr != nil {
			return eris.Wrap(runErr, "pipeline run")
		}

		if !runNoSave {
			// Curator edits saved while the run was in flight win over the run's copy.
			if err := reapplyCurations(finishCtx, st, def, snap); err != nil {
				return err
			}
			if err := st.SaveSnapshot(finishCtx, snap); err != nil {
				return eris.Wrap(err, "save snapshot")
			}
			if cfg.Store.KeepSnapshots > 0 {
				if n, err := st.PruneSnapshots(finishCtx, cfg.Store.KeepSnapshots); err != nil {
					zap.L().Warn("run: prune snapshots failed", zap.Error(err))
				} else if n > 0 {
					zap.L().Info("run: pruned old snapshots", zap.Int("deleted", n))
				}
			}
		} else {
			zap.L().Info("run: --no-save set, snapshot discarded", zap.String("run_id", run.ID))
		}

		if err := writeOutputs(snap); err != nil {
			return err
		}
		printReport(os.Stdout, report)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runTrace, "trace", "", "log records whose ID, title or URL contains this text after every stage")
	runCmd.Flags().BoolVar(&runNoSave, "no-save", false, "run without saving the new snapshot")
	rootCmd.AddCommand(runCmd)
}

// reapplyCurations restores the latest stored curator overlays onto snap.
func reapplyCurations(ctx context.Context, st store.Store, def *model.CategoryDefinition, snap *model.Snapshot) error {
	overlays, err := st.LoadCurations(ctx)
	if err != nil {
		return eris.Wrap(err, "load curations")
	}
	curation.NewCurator(def, cfg.Score, cfg.Tree).Reapply(snap, overlays)
	return nil
}

// writeOutputs exports the snapshot and tree to the configured paths.
func writeOutputs(snap *model.Snapshot) error {
	if cfg.Output.SnapshotPath != "" {
		if err := writeJSONFile(cfg.Output.SnapshotPath, snap); err != nil {
			return err
		}
	}
	if cfg.Output.TreePath != "" {
		if err := writeJSONFile(cfg.Output.TreePath, snap.Tree); err != nil {
			return err
		}
	}
	return nil
}

func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return eris.Wrapf(err, "encode %s", path)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return eris.Wrapf(err, "write %s", path)
	}
	return nil
}

// printReport writes a human-readable run summary to w.
func printReport(out io.Writer, r *model.RunReport) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s\n", r.RunID)
	_, _ = fmt.Fprintf(w, "Candidates:\t%d\n", r.Candidates)
	_, _ = fmt.Fprintf(w, "Records:\t%d (%d new)\n", r.Records, r.NewRecords)
	_, _ = fmt.Fprintf(w, "Dropped:\t%d\n", len(r.Dropped))
	_, _ = fmt.Fprintf(w, "Enrich cache:\t%d hit / %d miss\n", r.EnrichCacheHits, r.EnrichCacheMisses)
	_, _ = fmt.Fprintf(w, "Classify cache:\t%d hit / %d miss\n", r.ClassifyCacheHits, r.ClassifyCacheMisses)
	_, _ = fmt.Fprintf(w, "Classify failures:\t%d (%d stale, %d unclassified)\n", r.ClassifyFailures, r.ClassifyFallbacks, r.Unclassified)
	for _, kind := range sortedKeys(r.FetchErrors) {
		_, _ = fmt.Fprintf(w, "  fetch %s:\t%d\n", kind, r.FetchErrors[kind])
	}
	for _, tag := range sortedKeys(r.RejectedTags) {
		_, _ = fmt.Fprintf(w, "  rejected tag %q:\t%d\n", tag, r.RejectedTags[tag])
	}
	_, _ = fmt.Fprintf(w, "Untreed:\t%d\n", r.Untreed)
	_, _ = fmt.Fprintf(w, "Suspected duplicates:\t%d\n", len(r.SuspectedDuplicates))
	_, _ = fmt.Fprintf(w, "Tokens:\t%d in / %d out\n", r.Usage.InputTokens, r.Usage.OutputTokens)
	_, _ = fmt.Fprintf(w, "Est. cost:\t$%.4f\n", r.CostUSD)
	_ = w.Flush()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
