package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/feedcat/internal/model"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the stage caches",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache entry counts per namespace",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		stats, err := st.CacheStats(ctx)
		if err != nil {
			return eris.Wrap(err, "cache stats")
		}
		formatCacheStats(os.Stdout, stats)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete cache entries so they are recomputed on the next run",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		nsFlag, _ := cmd.Flags().GetString("namespace")
		namespaces, err := parseNamespaces(nsFlag)
		if err != nil {
			return err
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		for _, ns := range namespaces {
			n, err := st.ClearCache(ctx, ns)
			if err != nil {
				return eris.Wrapf(err, "clear %s cache", ns)
			}
			zap.L().Info("cache cleared", zap.String("namespace", string(ns)), zap.Int("deleted", n))
			_, _ = fmt.Fprintf(os.Stdout, "%s: %d entries deleted\n", ns, n)
		}
		return nil
	},
}

func init() {
	cacheClearCmd.Flags().String("namespace", "", "namespace to clear: enrich, classify or all (required)")
	_ = cacheClearCmd.MarkFlagRequired("namespace")

	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}

func parseNamespaces(s string) ([]model.CacheNamespace, error) {
	switch s {
	case string(model.CacheEnrich):
		return []model.CacheNamespace{model.CacheEnrich}, nil
	case string(model.CacheClassify):
		return []model.CacheNamespace{model.CacheClassify}, nil
	case "all":
		return []model.CacheNamespace{model.CacheEnrich, model.CacheClassify}, nil
	default:
		return nil, eris.Errorf("unknown cache namespace %q (want enrich, classify or all)", s)
	}
}

func formatCacheStats(out io.Writer, stats map[model.CacheNamespace]int) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "NAMESPACE\tENTRIES")
	for _, ns := range []model.CacheNamespace{model.CacheEnrich, model.CacheClassify} {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", ns, stats[ns])
	}
	_ = w.Flush()
}
