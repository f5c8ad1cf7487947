package main

import (
	"fmt"

	"hotswap/internal/config"
	"hotswap/internal/logging"

	"go.uber.org/zap"
)

// env is what every command resolves before doing its work.
type env struct {
	paths *config.Paths
	cfg   config.Config
}

// loadEnv resolves paths, creates the state directories and loads the
// config file, then applies command-line overrides.
func loadEnv(flags *globalFlags) (*env, error) {
	paths, err := config.ResolvePaths()
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureDirs(); err != nil {
		return nil, err
	}
	cfg, err := config.Load(paths.ConfigPath)
	if err != nil {
		return nil, err
	}
	if flags != nil {
		if flags.logLevel != "" {
			cfg.Log.Level = flags.logLevel
		}
		if flags.logStderr {
			cfg.Log.Stderr = true
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("flags: %w", err)
		}
	}
	return &env{paths: paths, cfg: cfg}, nil
}

// logger builds the logger for a command writing to logs/<name>.log.
func (e *env) logger(name string) (*zap.Logger, func(), error) {
	opts := logging.Options{Level: e.cfg.Log.Level, Dir: e.paths.LogsDir, Name: name}
	if e.cfg.Log.Stderr {
		opts.Dir = ""
	}
	return logging.New(opts)
}
