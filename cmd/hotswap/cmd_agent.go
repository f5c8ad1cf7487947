package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"hotswap/pkg/agenthost"
	"hotswap/pkg/kvstore"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newAgentCmd creates the "hotswap agent" subcommand.
func newAgentCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Run the background agent",
		Long:  "Runs the background agent shared by all instances. It installs the build\nnamed by releases/STAGED, holds it as waiting while an older build is\nactive, and hands control over when an instance asks. SIGHUP forces a check.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := loadEnv(flags)
			if err != nil {
				return err
			}
			logger, sync, err := e.logger("agent")
			if err != nil {
				return err
			}
			defer sync()
			return runAgent(cmd.Context(), e, logger)
		},
	}
}

// runAgent runs the agent host until SIGTERM/SIGINT.
func runAgent(parent context.Context, e *env, logger *zap.Logger) error {
	release, err := claimPIDFile(e.paths.PIDPath)
	if err != nil {
		return err
	}
	defer release()
	ctx, stop := shutdownContext(parent)
	defer stop()

	kv, err := kvstore.Open(ctx, e.paths.StateDBPath)
	if err != nil {
		return err
	}
	defer func() { _ = kv.Close() }()

	host := agenthost.New(agenthost.Config{
		SocketPath:      e.paths.SocketPath,
		ReleasesDir:     e.paths.ReleasesDir,
		CacheEntries:    e.cfg.Agent.CacheEntries,
		CacheAssetBytes: e.cfg.Agent.CacheAssetBytes,
	}, kv, logger)

	go recheckOnHangup(ctx, host, logger)

	if err := host.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("agent stopped")
	return nil
}

// recheckOnHangup runs an update check for every SIGHUP.
func recheckOnHangup(ctx context.Context, host *agenthost.Host, logger *zap.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if err := host.Check(ctx); err != nil {
				logger.Warn("update check failed", zap.Error(err))
			}
		}
	}
}
