package main

import (
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/feedcat/internal/curation"
	"github.com/sells-group/feedcat/internal/model"
	"github.com/sells-group/feedcat/internal/tree"
)

var curateCmd = &cobra.Command{
	Use:   "curate <record-id> <action> [value]",
	Short: "Apply one curation action to the current snapshot",
	Long: "Actions: toggle_hidden, toggle_high_quality, add_tag, remove_tag, set_title, set_author.\n" +
		"Curator edits are stored on the record and survive future runs.",
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		action := model.CurationAction{RecordID: args[0], Type: model.ActionType(args[1])}
		if len(args) == 3 {
			action.Value = args[2]
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

		snap, err := st.LoadSnapshot(ctx)
		if err != nil {
			return eris.Wrap(err, "load snapshot")
		}
		if snap == nil {
			return eris.New("no snapshot yet; run the pipeline first")
		}

		curator := curation.NewCurator(def, cfg.Score, cfg.Tree)
		if err := curator.Apply(snap, action); err != nil {
			return err
		}
		if err := st.PutCurations(ctx, curation.Overlays(snap, []model.CurationAction{action}, time.Now().UTC())); err != nil {
			return eris.Wrap(err, "save curation")
		}
		if err := st.SaveSnapshot(ctx, snap); err != nil {
			return eris.Wrap(err, "save snapshot")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap.Find(action.RecordID))
	},
}

func init() {
	rootCmd.AddCommand(curateCmd)
}
