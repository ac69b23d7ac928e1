package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/feedcat/internal/identity"
	"github.com/sells-group/feedcat/internal/model"
	"github.com/sells-group/feedcat/internal/tree"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check configuration, categories and origin lists without running",
	Long:  "Validates the config, parses the category definition, reads every origin list and resolves identities. Nothing is fetched from feeds, classified or saved.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("validate"); err != nil {
			return err
		}
		def, err := tree.LoadDefinition(cfg.Categories)
		if err != nil {
			return eris.Wrap(err, "load categories")
		}

		candidates, err := newLoader(newHTTPFetcher()).LoadAll(ctx, cfg.Origins)
		if err != nil {
			return eris.Wrap(err, "load origins")
		}
		groups, _, dropped := identity.Group(candidates)

		printValidation(os.Stdout, validation{
			Origins:    len(cfg.Origins),
			Candidates: len(candidates),
			Identities: len(groups),
			Dropped:    dropped,
			Nodes:      len(def.Nodes),
			Vocabulary: tree.Vocabulary(def),
		})
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

type validation struct {
	Origins    int
	Candidates int
	Identities int
	Dropped    []model.Dropped
	Nodes      int
	Vocabulary *model.Vocabulary
}

func printValidation(out io.Writer, v validation) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Origins:\t%d\n", v.Origins)
	_, _ = fmt.Fprintf(w, "Candidates:\t%d\n", v.Candidates)
	_, _ = fmt.Fprintf(w, "Identities:\t%d\n", v.Identities)
	_, _ = fmt.Fprintf(w, "Unresolvable:\t%d\n", len(v.Dropped))
	for _, d := range v.Dropped {
		_, _ = fmt.Fprintf(w, "  %s #%d\t%s (%s)\n", d.Origin, d.Seq, d.Ref, d.Reason)
	}
	_, _ = fmt.Fprintf(w, "Categories:\t%d\n", v.Nodes)
	_, _ = fmt.Fprintf(w, "Vocabulary:\t%d tags, %d markers\n", len(v.Vocabulary.Tags()), len(v.Vocabulary.Markers()))
	_ = w.Flush()
}
