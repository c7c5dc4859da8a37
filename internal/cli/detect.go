package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/quorumtools/rostersync/internal/engine"
	"github.com/quorumtools/rostersync/internal/remote"
	"github.com/quorumtools/rostersync/internal/store"
)

// DetectOptions holds flags for the detect command.
type DetectOptions struct {
	*RootOptions
	Downstream string
}

// NewDetectCommand creates the detect command.
func NewDetectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DetectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect downstream edits since the last checkpoint",
		Long: `Run a reverse detection pass: fetch downstream records modified since
the stored checkpoint and record one change audit row per externally
edited field. The checkpoint advances to the start of this run.

Example:
  rostersync detect --db state.db --downstream ds.yaml`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDetect(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Downstream, "downstream", "", "path to downstream store file (required)")
	_ = cmd.MarkFlagRequired("downstream")

	return cmd
}

func runDetect(cmd *cobra.Command, opts *DetectOptions) error {
	if opts.Database == "" {
		return NewExitError(ExitCommandError, "--db is required")
	}
	fields, err := loadFields(opts.Fields)
	if err != nil {
		return WrapExitError(ExitCommandError, "load tracked-field config", err)
	}
	down, err := remote.OpenFile(opts.Downstream)
	if err != nil {
		return WrapExitError(ExitCommandError, "open downstream store", err)
	}
	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "open state database", err)
	}
	defer st.Close()

	eng := engine.New(st, fields, down)
	changes, err := eng.DetectReverse(cmd.Context())
	if err != nil {
		return WrapExitError(ExitCommandError, "reverse detection aborted", err)
	}

	out := formatterFor(cmd, opts.RootOptions)
	if opts.Format == "json" {
		return out.Success("", map[string]interface{}{"changes": changes})
	}
	fmt.Fprint(out.Writer, renderChanges(changes))
	return nil
}

func renderChanges(changes []store.ChangeRow) string {
	if len(changes) == 0 {
		return "No downstream changes detected\n"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Detected %d downstream field changes\n", len(changes))
	for _, c := range changes {
		fmt.Fprintf(&b, "  %s.%s: %q -> %q (at %s)\n",
			c.MemberID, c.Field, c.OldValue, c.NewValue,
			c.DownstreamAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
