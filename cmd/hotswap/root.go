package main

import (
	"fmt"

	"hotswap/internal/buildinfo"

	"github.com/spf13/cobra"
)

// globalFlags are the persistent flags shared by every subcommand.
type globalFlags struct {
	logLevel  string
	logStderr bool
}

// newRootCmd creates the root hotswap command with all subcommands attached.
func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:           "hotswap",
		Short:         "Coordinate in-place updates across running instances",
		Long:          "hotswap runs a background agent that installs staged builds and\ninstances that prompt the user and reload exactly once when a new build takes control.",
		Version:       fmt.Sprintf("hotswap %s", buildinfo.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error); overrides config")
	cmd.PersistentFlags().BoolVar(&flags.logStderr, "log-stderr", false, "log to stderr instead of $HOTSWAP_HOME/logs")

	cmd.AddCommand(
		newAgentCmd(flags),
		newRunCmd(flags),
		newStageCmd(),
		newStatusCmd(),
		newStopCmd(),
		newDeferralsCmd(),
		newConfigCmd(flags),
	)

	return cmd
}
