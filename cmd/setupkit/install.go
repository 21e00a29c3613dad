package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/engine"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/resolver"
)

func newInstallCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "install [component...]",
		Short: "Install components and their dependencies",
		Long: `Install the named components together with everything they depend on.
Without arguments every selectable component of the repositories is installed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd, opts, engine.Request{Mode: resolver.Install, Components: args, ForceReinstall: opts.force})
		},
	}
}

func newUpdateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update [component...]",
		Short: "Update installed components",
		Long: `Update the named installed components, or every installed component when
none is named, to the highest version published by the repositories.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMode(cmd, opts, engine.Request{Mode: resolver.Update, Components: args, ForceReinstall: opts.force})
		},
	}
}

func newUninstallCommand(opts *globalOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "uninstall [component...]",
		Short: "Remove installed components",
		Long: `Remove the named components. Dependencies installed only for them are removed
as well; a component that another installed component still needs is kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) > 0) {
				return errors.New("name the components to remove or pass --all")
			}
			return runMode(cmd, opts, engine.Request{Mode: resolver.Uninstall, Components: args, All: all})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "remove every installed component")
	return cmd
}

func newRepairCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "repair",
		Short: "Roll back a run that was interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := newApp(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.engine.Repair(ctx)
			out := cmd.OutOrStdout()
			switch {
			case report == nil && err == nil:
				fmt.Fprintln(out, "No interrupted run found.")
			case report != nil:
				fmt.Fprintf(out, "Rolled back %d of %d operation(s) (%s).\n", report.Undone, report.Total, report.Status())
				printManualCleanup(out, report.ManualCleanup())
			}
			return err
		},
	}
}

// runMode executes one engine run and prints its report.
func runMode(cmd *cobra.Command, opts *globalOptions, req engine.Request) error {
	ctx, stop := signalContext(cmd.Context())
	defer stop()

	a, err := newApp(ctx, opts, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer a.close()

	rep, err := a.engine.Run(ctx, req)
	if rep != nil {
		if a.ui != nil {
			a.ui.finish()
		}
		printReport(cmd.OutOrStdout(), rep)
	}
	if err != nil {
		return fmt.Errorf("%s failed", req.Mode)
	}
	return nil
}

// signalContext cancels on SIGINT and SIGTERM so a run can roll back cleanly.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func printReport(w io.Writer, rep *engine.Report) {
	if rep.Repaired != nil {
		fmt.Fprintf(w, "Rolled back an interrupted run: %d of %d operation(s) undone.\n", rep.Repaired.Undone, rep.Repaired.Total)
	}
	if rep.Plan != nil {
		for _, entry := range rep.Plan.Entries {
			fmt.Fprintf(w, "  %-40s %-12s %s\n", entry.Component.ID, entry.Component.Version, entry.ReasonString())
		}
		for _, skip := range rep.Plan.Skipped {
			fmt.Fprintf(w, "  skipped %s\n", skip)
		}
	}
	fmt.Fprintln(w, rep.Summary())
	printManualCleanup(w, rep.ManualCleanup)
}

func printManualCleanup(w io.Writer, paths []string) {
	if len(paths) == 0 {
		return
	}
	fmt.Fprintln(w, "The following paths could not be restored and need manual cleanup:")
	for _, p := range paths {
		fmt.Fprintf(w, "  %s\n", p)
	}
}
