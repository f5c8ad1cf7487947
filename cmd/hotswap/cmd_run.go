package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"hotswap/internal/buildinfo"
	"hotswap/pkg/agent"
	"hotswap/pkg/bus"
	"hotswap/pkg/coordinator"
	"hotswap/pkg/deferral"
	"hotswap/pkg/kvstore"
	"hotswap/pkg/notify"
	"hotswap/pkg/prompt"
	"hotswap/pkg/release"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newRunCmd creates the "hotswap run" subcommand.
func newRunCmd(flags *globalFlags) *cobra.Command {
	var build string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one instance",
		Long:  "Runs one instance of the current build. The instance registers with the\nagent, prompts when a newer build is waiting and re-executes itself into the\nnew build once it takes control. SIGCONT counts as the instance becoming\nvisible again; SIGUSR1 forces an update check.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(flags)
			if err != nil {
				return err
			}
			logger, sync, err := e.logger("instance")
			if err != nil {
				return err
			}
			defer sync()
			if build == "" {
				build = buildinfo.String()
			}
			return runInstance(cmd.Context(), e, build, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
		},
	}
	cmd.Flags().StringVar(&build, "build", "", "build identity of this instance (default: the binary's build)")
	return cmd
}

// indicatorSurface is a prompt surface that can also show a status line.
type indicatorSurface interface {
	prompt.Surface
	coordinator.Indicator
}

// newSurface picks the toast on a terminal and plain lines otherwise.
func newSurface(in io.Reader, out io.Writer) indicatorSurface {
	if f, ok := out.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return notify.NewTerminal(in, out)
	}
	return notify.NewLine(in, out)
}

// runInstance wires the coordinator for one instance and blocks until it is
// stopped or replaced by a reload.
func runInstance(parent context.Context, e *env, build string, in io.Reader, out io.Writer, logger *zap.Logger) error {
	ctx, stop := shutdownContext(parent)
	defer stop()

	instance := uuid.NewString()
	logger = logger.With(zap.String("instance", instance), zap.String("build", build))

	var kv kvstore.Store
	if db, err := kvstore.Open(ctx, e.paths.StateDBPath); err != nil {
		logger.Warn("deferral store unavailable", zap.Error(err))
	} else {
		defer func() { _ = db.Close() }()
		kv = db
	}
	deferrals := deferral.New(kv, logger)

	b := bus.Open(e.paths.ChannelsDir, e.cfg.Updates.Channel, instance, logger)
	defer func() { _ = b.Close() }()

	fmt.Fprintf(out, "hotswap %s running as instance %s\n", build, instance)

	client, err := agent.Dial(ctx, e.paths.SocketPath, instance, build, logger)
	if err != nil {
		// Without an agent there is nothing to update to; keep running.
		logger.Warn("update checks disabled for this session", zap.Error(err))
		<-ctx.Done()
		return nil
	}

	watcher := agent.NewWatcher(client, logger)
	surface := newSurface(in, out)
	coord := coordinator.New(coordinator.Config{
		StartupDelay: e.cfg.Updates.StartupDelay.Std(),
		Interval:     e.cfg.Updates.Interval.Std(),
		DeferFor:     e.cfg.Updates.DeferFor.Std(),
		AutoHide:     e.cfg.Updates.PromptAutoHide.Std(),
		Surface:      surface,
		Indicator:    surface,
		Reload:       execReloader(logger),
		Assets:       loadedAssets(e.paths.ReleasesDir, build),
	}, watcher, deferrals, b, logger)
	watcher.Start(ctx)

	go forwardSignals(ctx, coord)

	if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// forwardSignals maps SIGCONT to "visible again" and SIGUSR1 to "check now".
func forwardSignals(ctx context.Context, coord *coordinator.Coordinator) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGCONT, syscall.SIGUSR1)
	defer signal.Stop(sig)
	for {
		select {
		case <-ctx.Done():
			return
		case s := <-sig:
			if s == syscall.SIGUSR1 {
				coord.CheckNow()
			} else {
				coord.NotifyVisible()
			}
		}
	}
}

// loadedAssets returns the assets this build shipped with, when it was
// started from a staged release.
func loadedAssets(releasesDir, build string) func() []string {
	return func() []string {
		m, err := release.Load(releasesDir, build)
		if err != nil {
			return nil
		}
		return m.Assets
	}
}

// execReloader replaces the process with the controlling build's executable.
func execReloader(logger *zap.Logger) coordinator.Reloader {
	return func(build, executable string) error {
		if executable == "" {
			return fmt.Errorf("build %s has no executable", build)
		}
		if _, err := os.Stat(executable); err != nil {
			return fmt.Errorf("reload into %s: %w", build, err)
		}
		_ = logger.Sync()
		argv := reloadArgs(executable, os.Args[1:])
		return syscall.Exec(executable, argv, os.Environ()) //nolint:gosec // executable comes from the agent's validated manifest
	}
}

// reloadArgs keeps the command line of this instance minus --build, which
// names the old build.
func reloadArgs(executable string, args []string) []string {
	argv := []string{executable}
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--build":
			i++
		case strings.HasPrefix(a, "--build="):
		default:
			argv = append(argv, a)
		}
	}
	return argv
}
