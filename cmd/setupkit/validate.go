package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ZebulonRouseFrantzich/setupkit/internal/config"
	"github.com/ZebulonRouseFrantzich/setupkit/internal/platform"
)

func newValidateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Check an installer configuration without touching the target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read config: %w", err)
			}
			if warning := config.FormatSensitiveDataWarning(config.DetectSensitiveData(string(data))); warning != "" {
				fmt.Fprint(cmd.ErrOrStderr(), warning)
			}

			cfg, err := config.NewParser(platform.NewDetector()).ParseString(cmd.Context(), string(data))
			if err != nil {
				return errors.New(config.FormatError(err, opts.verbose))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d repositories, target %s\n",
				cfg.Name, cfg.Version, len(cfg.EnabledRepositories()), cfg.TargetDir)
			return nil
		},
	}
}
