package main

import (
	"hotswap/internal/config"

	"github.com/spf13/cobra"
)

// newConfigCmd creates the "hotswap config" subcommand.
func newConfigCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long:  "Prints the configuration after applying config.toml, HOTSWAP_* environment\nvariables and flags, in config.toml form.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(flags)
			if err != nil {
				return err
			}
			return config.Encode(cmd.OutOrStdout(), e.cfg)
		},
	}
}
