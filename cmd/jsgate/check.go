package main

import (
	"fmt"

	"github.com/cryguy/jsgate/internal/core"
	"github.com/cryguy/jsgate/internal/quickjs"
	"github.com/spf13/cobra"
)

func checkCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and compile the script",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := core.LoadConfig(configPath)
			if err != nil {
				return err
			}
			if err := quickjs.Check(cfg.Engine); err != nil {
				return fmt.Errorf("%s: %w", cfg.Engine.Main, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s exports %s\n", cfg.Engine.Main, cfg.Engine.EntryPoint)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "conf/jsgate.yaml", "Path to the configuration file")

	return cmd
}
