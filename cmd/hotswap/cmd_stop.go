package main

import (
	"fmt"
	"io"
	"syscall"

	"hotswap/internal/config"

	"github.com/spf13/cobra"
)

// newStopCmd creates the "hotswap stop" subcommand.
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the background agent",
		Long:  "Sends SIGTERM to the agent named by the PID file. Running instances keep\nrunning and reconnect when an agent starts again.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := config.ResolvePaths()
			if err != nil {
				return err
			}
			return stopAgent(cmd.OutOrStdout(), paths.PIDPath)
		},
	}
}

func stopAgent(w io.Writer, pidPath string) error {
	a, err := lookupAgent(pidPath)
	if err != nil {
		return err
	}

	switch a.state {
	case agentStopped:
		fmt.Fprintln(w, "agent is not running")
	case agentStale:
		fmt.Fprintf(w, "removing stale PID file (PID %d is gone)\n", a.pid)
		return removePID(pidPath)
	case agentRunning:
		if err := a.signal(syscall.SIGTERM); err != nil {
			return err
		}
		fmt.Fprintf(w, "sent SIGTERM to agent (PID %d)\n", a.pid)
	}
	return nil
}
