package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/archive"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/logging"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/operation"
)

func newMaintenanceToolCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create-maintenance-tool",
		Short: "Rewrite the maintenance tool of the target directory",
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

			path, err := a.engine.WriteMaintenanceTool(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Maintenance tool written to %s\n", path)
			return nil
		},
	}
}

// newOperationHelperCommand is the entry point of the elevated helper process:
// it performs or undoes one operation read from stdin.
func newOperationHelperCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:    helperCommand,
		Short:  "Perform one elevated operation (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, sync := logging.New(logging.Options{Verbose: opts.verbose})
			defer sync()

			env := operation.Env{
				Extractor: archive.NewExtractor(),
				Runner:    operation.ExecRunner{},
				Logger:    logger,
			}
			return operation.ServeHelper(cmd.Context(), operation.NewRegistry(), env, os.Stdin, cmd.OutOrStdout())
		},
	}
}
