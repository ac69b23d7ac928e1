package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/feedcat/internal/model"
)

var treeCmd = &cobra.Command{
	Use:   "tree",
	Short: "Print the category tree of the current snapshot",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := st.LoadSnapshot(ctx)
		if err != nil {
			return eris.Wrap(err, "load snapshot")
		}
		if snap == nil || snap.Tree == nil {
			return eris.New("no snapshot yet; run the pipeline first")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap.Tree)
		}
		records, _ := cmd.Flags().GetBool("records")
		formatTree(os.Stdout, snap.Tree, records)
		return nil
	},
}

func init() {
	treeCmd.Flags().Bool("json", false, "print the tree as JSON")
	treeCmd.Flags().Bool("records", false, "list the records placed under each category")
	rootCmd.AddCommand(treeCmd)
}

// formatTree writes one indented line per category: its name, the records
// placed directly on it and the distinct records in its subtree.
func formatTree(out io.Writer, root *model.CategoryTree, withRecords bool) {
	root.Walk(func(n *model.CategoryTree, depth int) {
		indent := strings.Repeat("  ", depth)
		label := n.Name
		if n.Emoji != "" {
			label = n.Emoji + " " + label
		}
		_, _ = fmt.Fprintf(out, "%s%s [%s] %d/%d\n", indent, label, n.ID, n.Count, n.Total)
		if !withRecords {
			return
		}
		for _, r := range n.Records {
			_, _ = fmt.Fprintf(out, "%s  - %s (%.1f) %s\n", indent, r.Title, r.Score, r.ID)
		}
	})
}
