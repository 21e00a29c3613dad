package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/component"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/transaction"
)

func newListCommand(opts *globalOptions) *cobra.Command {
	var available bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List installed components",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			noProgress := *opts
			noProgress.noProgress = true
			a, err := newApp(ctx, &noProgress, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			record, err := a.engine.Installed()
			if err != nil {
				return err
			}

			var universe *component.Universe
			if available {
				if universe, err = a.engine.Available(ctx); err != nil {
					return err
				}
			}
			printComponents(cmd.OutOrStdout(), record, universe)
			return nil
		},
	}
	cmd.Flags().BoolVar(&available, "available", false, "also list components the repositories offer")
	return cmd
}

// printComponents writes installed components and, with a universe, what the
// repositories offer and which installed components have updates.
func printComponents(w io.Writer, record *transaction.Record, universe *component.Universe) {
	if universe == nil && len(record.Components) == 0 {
		fmt.Fprintf(w, "Nothing is installed in %s.\n", record.TargetDir)
		return
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COMPONENT\tINSTALLED\tAVAILABLE\tREASON")
	seen := make(map[string]bool)
	for _, c := range record.Components {
		seen[c.ID] = true
		avail := "-"
		if universe != nil {
			if u, ok := universe.Get(c.ID); ok {
				avail = u.Version
				if component.CompareVersions(u.Version, c.Version) > 0 {
					avail += " (update)"
				}
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.ID, c.Version, avail, c.Reason)
	}
	if universe != nil {
		for _, c := range universe.All() {
			if seen[c.ID] || c.Virtual || !c.Checkable {
				continue
			}
			fmt.Fprintf(tw, "%s\t-\t%s\t\n", c.ID, c.Version)
		}
	}
	_ = tw.Flush()
}
