package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"hotswap/internal/config"
	"hotswap/pkg/release"

	"github.com/spf13/cobra"
)

// newStageCmd creates the "hotswap stage" subcommand.
func newStageCmd() *cobra.Command {
	var (
		executable string
		assets     []string
	)
	cmd := &cobra.Command{
		Use:   "stage <build>",
		Short: "Stage a new build for the agent to install",
		Long:  "Writes releases/<build>/release.yaml and points releases/STAGED at it.\nThe agent installs it on its next update check. The executable may be an\nexisting file or a path inside the release directory.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := config.ResolvePaths()
			if err != nil {
				return err
			}
			if err := paths.EnsureDirs(); err != nil {
				return err
			}
			m := release.Manifest{
				Build:      args[0],
				Executable: resolveExecutable(executable),
				Assets:     assets,
			}
			if err := release.Stage(paths.ReleasesDir, m); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "staged %s (%s)\n", m.Build, m.ExecutablePath(paths.ReleasesDir))
			nudgeAgent(cmd.OutOrStdout(), paths.PIDPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&executable, "exec", "", "executable of the build (required)")
	cmd.Flags().StringSliceVar(&assets, "asset", nil, "asset path relative to the release directory (repeatable)")
	_ = cmd.MarkFlagRequired("exec")
	return cmd
}

// nudgeAgent asks a running agent to check for the staged build now instead
// of on the next instance's scheduled check.
func nudgeAgent(w io.Writer, pidPath string) {
	a, err := lookupAgent(pidPath)
	if err != nil || a.state != agentRunning {
		return
	}
	if err := a.signal(syscall.SIGHUP); err == nil {
		fmt.Fprintf(w, "agent (PID %d) notified\n", a.pid)
	}
}

// resolveExecutable makes an existing file path absolute and leaves anything
// else relative to the release directory.
func resolveExecutable(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	if info, err := os.Stat(p); err == nil && !info.IsDir() {
		if abs, err := filepath.Abs(p); err == nil {
			return abs
		}
	}
	return p
}
