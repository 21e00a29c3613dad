package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version will be set at build time via -ldflags
var Version = "v0.1.0-alpha"

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	verbose    bool
	force      bool
	noProgress bool

	// executable is the base of the maintenance tool and the source of the
	// embedded configuration when --config is not given.
	executable string
}

func main() {
	exe, err := os.Executable()
	if err != nil {
		exe = ""
	}
	if err := newRootCommand(exe).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(executable string) *cobra.Command {
	opts := &globalOptions{executable: executable}

	root := &cobra.Command{
		Use:   "setupkit",
		Short: "Install, update and remove components from online repositories",
		Long: `setupkit installs components published in one or more repositories into a
target directory and keeps a maintenance tool there for later updates and removal.

Without --config the configuration embedded in the running maintenance tool is used.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "installer configuration (Lua)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug output")
	flags.BoolVar(&opts.force, "force", false, "reinstall components already at the available version")
	flags.BoolVar(&opts.noProgress, "no-progress", false, "disable progress bars")

	root.AddCommand(
		newInstallCommand(opts),
		newUpdateCommand(opts),
		newUninstallCommand(opts),
		newRepairCommand(opts),
		newListCommand(opts),
		newInspectCommand(),
		newValidateCommand(opts),
		newMaintenanceToolCommand(opts),
		newOperationHelperCommand(opts),
	)
	return root
}
