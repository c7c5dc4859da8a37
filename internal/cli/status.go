package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/quorumtools/rostersync/internal/store"
)

// StatusReport is the status command payload.
type StatusReport struct {
	Dirty           []string   `json:"dirty"`
	Checkpoint      *time.Time `json:"checkpoint,omitempty"`
	UnsyncedChanges int        `json:"unsynced_changes"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report dirty entities, checkpoint, and pending changes",
		Long: `Inspect local sync state: entities whose content fingerprint moved
since their last successful sync, the reverse-detection checkpoint, and
downstream change rows not yet consumed by an upstream import.

Example:
  rostersync status --db state.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, rootOpts)
		},
	}
	return cmd
}

func runStatus(cmd *cobra.Command, rootOpts *RootOptions) error {
	if rootOpts.Database == "" {
		return NewExitError(ExitCommandError, "--db is required")
	}
	st, err := store.Open(rootOpts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "open state database", err)
	}
	defer st.Close()

	ctx := cmd.Context()
	report := StatusReport{Dirty: []string{}}

	dirty, err := st.ListDirty(ctx, false)
	if err != nil {
		return WrapExitError(ExitCommandError, "list dirty entities", err)
	}
	for _, e := range dirty {
		report.Dirty = append(report.Dirty, e.MemberID)
	}

	cp, ok, err := st.Checkpoint(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "read checkpoint", err)
	}
	if ok {
		report.Checkpoint = &cp
	}

	changes, err := st.Changes(ctx, true)
	if err != nil {
		return WrapExitError(ExitCommandError, "list unsynced changes", err)
	}
	report.UnsyncedChanges = len(changes)

	out := formatterFor(cmd, rootOpts)
	if rootOpts.Format == "json" {
		return out.Success("", report)
	}
	fmt.Fprint(out.Writer, renderStatus(&report))
	return nil
}

func renderStatus(r *StatusReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Dirty entities: %d\n", len(r.Dirty))
	for _, id := range r.Dirty {
		fmt.Fprintf(&b, "  %s\n", id)
	}
	if r.Checkpoint != nil {
		fmt.Fprintf(&b, "Checkpoint: %s\n", r.Checkpoint.Format(time.RFC3339))
	} else {
		fmt.Fprintln(&b, "Checkpoint: never run")
	}
	fmt.Fprintf(&b, "Unsynced downstream changes: %d\n", r.UnsyncedChanges)
	return b.String()
}
