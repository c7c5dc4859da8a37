package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quorumtools/rostersync/internal/engine"
	"github.com/quorumtools/rostersync/internal/listsync"
)

// BackfillOptions holds flags for the backfill command.
type BackfillOptions struct {
	*RootOptions
	Downstream string
}

// NewBackfillCommand creates the backfill command.
func NewBackfillCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BackfillOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "backfill <snapshot.yaml>",
		Short: "Bulk-load an initial roster snapshot",
		Long: `Run an initial bulk load: every entity is pushed regardless of dirty
state, list positions are flagged as backfill, and no start dates are
stamped on appended role entries (historical membership, not a change
happening now).

Example:
  rostersync backfill --db state.db --downstream ds.yaml roster.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Downstream, "downstream", "", "path to downstream store file (required)")
	_ = cmd.MarkFlagRequired("downstream")

	return cmd
}

func runBackfill(cmd *cobra.Command, opts *BackfillOptions, snapshotPath string) error {
	eng, st, recs, err := setupRun(opts.RootOptions, opts.Downstream, snapshotPath)
	if err != nil {
		return err
	}
	defer st.Close()

	sum, err := eng.SyncForward(cmd.Context(), recs, engine.ForwardOptions{
		ForceAll:    true,
		SweepFormer: true,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "backfill sync aborted", err)
	}

	lists, err := eng.SyncLists(cmd.Context(), recs, listsync.Options{Backfill: true})
	if err != nil {
		return WrapExitError(ExitCommandError, "backfill list sync aborted", err)
	}

	out := formatterFor(cmd, opts.RootOptions)
	if opts.Format == "json" {
		if err := out.Success(sum.RunID, map[string]interface{}{
			"forward": sum,
			"lists":   lists,
		}); err != nil {
			return err
		}
	} else {
		fmt.Fprint(out.Writer, renderForwardSummary(sum))
		fmt.Fprint(out.Writer, renderListSummary(lists))
	}

	if sum.Failed > 0 || lists.Failed > 0 {
		return NewExitError(ExitFailure, "backfill completed with entity failures")
	}
	return nil
}
