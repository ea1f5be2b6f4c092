// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

// halcyon-agent is the endpoint daemon. On startup it establishes its
// device identity against the center (enrolling with a one-time token
// on first run, resuming or reissuing after partial state loss), then
// runs the scheduled pull loop and, when enabled, the persistent push
// session, executing delivered units in the local sandbox.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/halcyon-fleet/halcyon/agent"
	"github.com/halcyon-fleet/halcyon/lib/config"
	"github.com/halcyon-fleet/halcyon/lib/sqlitepool"
	"github.com/halcyon-fleet/halcyon/lib/version"
	"github.com/halcyon-fleet/halcyon/query"
	"github.com/halcyon-fleet/halcyon/sandbox"
	"github.com/halcyon-fleet/halcyon/validate"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		candidateID string
		enrollToken string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("halcyon-agent", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to halcyon.yaml (overrides HALCYON_CONFIG)")
	flagSet.StringVar(&candidateID, "candidate-id", "", "stable machine identifier offered at enrollment (default: hostname)")
	flagSet.StringVar(&enrollToken, "enroll-token", "", "one-time enrollment token (or HALCYON_ENROLL_TOKEN)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if showVersion {
		fmt.Println("halcyon-agent", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Environment)

	if candidateID == "" {
		candidateID, err = os.Hostname()
		if err != nil {
			return fmt.Errorf("determining candidate ID: %w", err)
		}
	}
	if enrollToken == "" {
		enrollToken = os.Getenv("HALCYON_ENROLL_TOKEN")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Agent.StateDir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	state, privateKey, err := agent.Establish(ctx,
		agent.NewClient(cfg.Agent.ServerURL, nil),
		cfg.Agent.StateDir, candidateID, enrollToken, logger)
	if err != nil {
		return fmt.Errorf("establishing identity: %w", err)
	}
	client := agent.NewClient(cfg.Agent.ServerURL, privateKey)

	var queries sandbox.QueryRunner
	if cfg.Agent.StateDB != "" {
		pool, err := sqlitepool.Open(sqlitepool.Config{
			Path:   cfg.Agent.StateDB,
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("opening state database: %w", err)
		}
		defer pool.Close()
		queries = query.NewRunner(pool, cfg.Agent.QueryRowCap)
		logger.Info("query execution enabled", "state_db", cfg.Agent.StateDB)
	}

	a := agent.New(agent.Config{
		Client:   client,
		State:    state,
		StateDir: cfg.Agent.StateDir,
		Engine: sandbox.New(sandbox.Config{
			DeviceID:    state.DeviceID,
			Interpreter: cfg.Agent.Interpreter,
			OutputLimit: cfg.Agent.OutputLimit,
			Queries:     queries,
			Logger:      logger,
		}),
		Validator: validate.New(validate.Config{
			Keyring:        state.Keyring(),
			CeilingSeconds: int(cfg.Agent.ExecCeiling.Seconds()),
			Logger:         logger,
		}),
		PullInterval: cfg.Agent.PullInterval,
		PullJitter:   cfg.Agent.PullJitter,
		PushEnabled:  cfg.Agent.PushEnabled,
		Logger:       logger,
	})

	logger.Info("halcyon-agent starting",
		"version", version.Info(),
		"device_id", state.DeviceID,
		"tenant", state.TenantID,
		"server", cfg.Agent.ServerURL)

	err = a.Run(ctx)
	switch {
	case errors.Is(err, agent.ErrDecommissioned):
		logger.Warn("exiting after decommission")
		return nil
	case errors.Is(err, context.Canceled):
		return nil
	default:
		return err
	}
}

func loadConfig(path string) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(env config.Environment) *slog.Logger {
	level := slog.LevelInfo
	if env == config.Development {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
