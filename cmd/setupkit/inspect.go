package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/engine"
)

func newInspectCommand() *cobra.Command {
	var showConfig bool
	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Describe the resources embedded in a maintenance tool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := engine.ReadMaintenanceData(args[0])
			if err != nil {
				return err
			}
			printMaintenanceData(cmd.OutOrStdout(), data, showConfig)
			return nil
		},
	}
	cmd.Flags().BoolVar(&showConfig, "config", false, "print the embedded configuration")
	return cmd
}

func printMaintenanceData(w io.Writer, data *engine.MaintenanceData, showConfig bool) {
	layout := data.Layout
	fmt.Fprintf(w, "%s: container format %d, executable %d bytes, %d block(s)\n",
		layout.Path, layout.Version, layout.BaseSize, len(layout.Blocks))

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BLOCK\tKIND\tOFFSET\tSIZE")
	for _, b := range layout.Blocks {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\n", b.Name, b.Kind, b.Offset, b.Length)
	}
	_ = tw.Flush()

	if rec := data.Record; rec != nil {
		fmt.Fprintf(w, "\n%s %s in %s, updated %s\n", rec.ApplicationName, rec.ApplicationVersion, rec.TargetDir, rec.Updated.Format("2006-01-02 15:04:05"))
		for _, c := range rec.Components {
			fmt.Fprintf(w, "  %s %s (%s, %d operation(s))\n", c.ID, c.Version, c.Reason, len(c.Operations))
		}
	}

	if len(data.Scripts) > 0 {
		names := make([]string, 0, len(data.Scripts))
		for name := range data.Scripts {
			names = append(names, name)
		}
		sort.Strings(names)
		fmt.Fprintln(w, "\nScripts:")
		for _, name := range names {
			fmt.Fprintf(w, "  %s (%d bytes)\n", name, len(data.Scripts[name]))
		}
	}

	if showConfig && data.Config != "" {
		fmt.Fprintf(w, "\n%s", data.Config)
	}
}
