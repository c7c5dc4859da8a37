package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quorumtools/rostersync/internal/engine"
	"github.com/quorumtools/rostersync/internal/listsync"
	"github.com/quorumtools/rostersync/internal/member"
	"github.com/quorumtools/rostersync/internal/remote"
	"github.com/quorumtools/rostersync/internal/store"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Downstream string
	Force      bool
	Partial    bool
	SkipLists  bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync <snapshot.yaml>",
		Short: "Run a forward sync pass from an upstream snapshot",
		Long: `Run a forward sync pass: ingest the upstream roster snapshot, push
changed entities to the downstream store, reconcile role lists, and
record conflict audit rows.

A full snapshot marks known members absent from it as former; pass
--partial for snapshots that cover only part of the roster.

Example:
  rostersync sync --db state.db --downstream ds.yaml roster.yaml
  rostersync sync --db state.db --downstream ds.yaml --force roster.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVar(&opts.Downstream, "downstream", "", "path to downstream store file (required)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "resync every live entity regardless of dirty state")
	cmd.Flags().BoolVar(&opts.Partial, "partial", false, "snapshot covers part of the roster; skip the former-member sweep")
	cmd.Flags().BoolVar(&opts.SkipLists, "skip-lists", false, "skip role-list reconciliation")
	_ = cmd.MarkFlagRequired("downstream")

	return cmd
}

func runSync(cmd *cobra.Command, opts *SyncOptions, snapshotPath string) error {
	eng, st, recs, err := setupRun(opts.RootOptions, opts.Downstream, snapshotPath)
	if err != nil {
		return err
	}
	defer st.Close()

	sum, err := eng.SyncForward(cmd.Context(), recs, engine.ForwardOptions{
		ForceAll:    opts.Force,
		SweepFormer: !opts.Partial,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "forward sync aborted", err)
	}

	var lists *engine.ListSummary
	if !opts.SkipLists {
		lists, err = eng.SyncLists(cmd.Context(), recs, listsync.Options{ForceRefresh: opts.Force})
		if err != nil {
			return WrapExitError(ExitCommandError, "list sync aborted", err)
		}
	}

	out := formatterFor(cmd, opts.RootOptions)
	if opts.Format == "json" {
		payload := map[string]interface{}{"forward": sum}
		if lists != nil {
			payload["lists"] = lists
		}
		if err := out.Success(sum.RunID, payload); err != nil {
			return err
		}
	} else {
		fmt.Fprint(out.Writer, renderForwardSummary(sum))
		if lists != nil {
			fmt.Fprint(out.Writer, renderListSummary(lists))
		}
	}

	if sum.Failed > 0 || (lists != nil && lists.Failed > 0) {
		return NewExitError(ExitFailure, "run completed with entity failures")
	}
	return nil
}

// setupRun opens the state database, loads the tracked-field config and
// the snapshot, and wires the engine to the file-backed downstream.
func setupRun(rootOpts *RootOptions, downstreamPath, snapshotPath string) (*engine.Engine, *store.Store, []member.Record, error) {
	if rootOpts.Database == "" {
		return nil, nil, nil, NewExitError(ExitCommandError, "--db is required")
	}

	fields, err := loadFields(rootOpts.Fields)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "load tracked-field config", err)
	}

	recs, err := LoadSnapshot(snapshotPath)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "load snapshot", err)
	}

	down, err := remote.OpenFile(downstreamPath)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "open downstream store", err)
	}

	st, err := store.Open(rootOpts.Database)
	if err != nil {
		return nil, nil, nil, WrapExitError(ExitCommandError, "open state database", err)
	}

	return engine.New(st, fields, down), st, recs, nil
}

func formatterFor(cmd *cobra.Command, rootOpts *RootOptions) *OutputFormatter {
	return &OutputFormatter{
		Format:    rootOpts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   rootOpts.Verbose,
	}
}

func renderForwardSummary(sum *engine.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Forward sync %s\n", sum.RunID)
	fmt.Fprintf(&b, "  observed:  %d\n", sum.Observed)
	fmt.Fprintf(&b, "  created:   %d\n", sum.Created)
	fmt.Fprintf(&b, "  updated:   %d\n", sum.Updated)
	fmt.Fprintf(&b, "  skipped:   %d\n", sum.Skipped)
	fmt.Fprintf(&b, "  former:    %d\n", sum.Former)
	fmt.Fprintf(&b, "  conflicts: %d\n", sum.Conflicts)
	fmt.Fprintf(&b, "  failed:    %d\n", sum.Failed)
	for _, e := range sum.Errors {
		fmt.Fprintf(&b, "    - %s\n", e.Error())
	}
	return b.String()
}

func renderListSummary(sum *engine.ListSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "List sync %s\n", sum.RunID)
	fmt.Fprintf(&b, "  entities:  %d\n", sum.Entities)
	fmt.Fprintf(&b, "  additions: %d\n", sum.Additions)
	fmt.Fprintf(&b, "  closures:  %d\n", sum.Closures)
	fmt.Fprintf(&b, "  updates:   %d\n", sum.Updates)
	fmt.Fprintf(&b, "  failed:    %d\n", sum.Failed)
	for _, e := range sum.Errors {
		fmt.Fprintf(&b, "    - %s\n", e.Error())
	}
	return b.String()
}
