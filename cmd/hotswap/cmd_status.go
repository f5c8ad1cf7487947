package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"hotswap/internal/buildinfo"
	"hotswap/internal/config"
	"hotswap/pkg/agenthost"

	"github.com/spf13/cobra"
)

// statusTimeout bounds the status query to the agent.
const statusTimeout = 3 * time.Second

// newStatusCmd creates the "hotswap status" subcommand.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the agent and its builds",
		Long:  "Shows whether the agent is running and which builds are active,\nwaiting and installing.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := config.ResolvePaths()
			if err != nil {
				return err
			}
			return printStatus(cmd.Context(), cmd.OutOrStdout(), paths)
		},
	}
}

func printStatus(ctx context.Context, w io.Writer, paths *config.Paths) error {
	if ctx == nil {
		ctx = context.Background()
	}
	fmt.Fprintf(w, "cli build:  %s\n", buildinfo.String())

	a, err := lookupAgent(paths.PIDPath)
	if err != nil {
		return err
	}
	if a.state == agentRunning {
		fmt.Fprintf(w, "agent:      running (PID %d)\n", a.pid)
	} else {
		fmt.Fprintf(w, "agent:      %s\n", a.state)
	}

	qctx, cancel := context.WithTimeout(ctx, statusTimeout)
	defer cancel()
	st, err := agenthost.QueryStatus(qctx, paths.SocketPath)
	if err != nil {
		fmt.Fprintf(w, "socket:     unreachable (%v)\n", err)
		return nil
	}
	fmt.Fprintf(w, "active:     %s\n", orDash(st.Active))
	fmt.Fprintf(w, "waiting:    %s\n", orDash(st.Waiting))
	fmt.Fprintf(w, "installing: %s\n", orDash(st.Installing))
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
