// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

// halcyon-server is the fleet-monitoring center. It serves the
// operator API (token issuing, unit submission, fleet status, result
// retrieval) and the agent API (enrollment, scheduled pull, push
// streaming) over one HTTP listener, backed by SQLite stores for
// identities and execution history.
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/halcyon-fleet/halcyon/center"
	"github.com/halcyon-fleet/halcyon/identity"
	"github.com/halcyon-fleet/halcyon/lib/config"
	"github.com/halcyon-fleet/halcyon/lib/service"
	"github.com/halcyon-fleet/halcyon/lib/version"
	"github.com/halcyon-fleet/halcyon/transport"
	"github.com/halcyon-fleet/halcyon/validate"
	"github.com/halcyon-fleet/halcyon/work"
)

// authorityKeyFile holds the center's Ed25519 signing key inside the
// data directory. Losing it invalidates the keyrings agents received
// at enrollment, so it persists across restarts.
const authorityKeyFile = "authority.key"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("halcyon-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to halcyon.yaml (overrides HALCYON_CONFIG)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if showVersion {
		fmt.Println("halcyon-server", version.Info())
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.Server.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	identities, err := identity.OpenStore(filepath.Join(cfg.Server.DataDir, "identity.db"), logger)
	if err != nil {
		return fmt.Errorf("opening identity store: %w", err)
	}
	defer identities.Close()

	history, err := work.OpenHistory(filepath.Join(cfg.Server.DataDir, "history.db"), logger)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer history.Close()

	authority, err := loadAuthority(filepath.Join(cfg.Server.DataDir, authorityKeyFile))
	if err != nil {
		return err
	}
	keyring := work.NewKeyring()
	keyring.Add(authority.PublicKey())

	policy := validate.DefaultScriptPolicy()
	if cfg.Server.PolicyFile != "" {
		policy, err = validate.ReadScriptPolicy(cfg.Server.PolicyFile)
		if err != nil {
			return fmt.Errorf("loading script policy: %w", err)
		}
		logger.Info("script policy loaded", "path", cfg.Server.PolicyFile)
	}

	broker := transport.NewMemoryBroker(logger)
	defer broker.Close()

	c := center.New(center.Config{
		Enroller: identity.NewEnroller(identity.EnrollerConfig{
			Store:  identities,
			Logger: logger,
		}),
		Identities: identities,
		Validator: validate.New(validate.Config{
			Keyring:        keyring,
			Policy:         policy,
			CeilingSeconds: int(cfg.Server.ExecCeiling.Seconds()),
			Logger:         logger,
		}),
		Authority: authority,
		Queue:     work.NewQueue(),
		History:   history,
		Broker:    broker,
		Liveness:  center.NewLiveness(cfg.Server.LivenessInterval, cfg.Server.UnreachableAfter, nil),
		Logger:    logger,
	})

	api := center.NewAPI(c, logger)
	api.DefaultTokenTTL = cfg.Server.TokenTTL

	server := service.NewHTTPServer(service.HTTPServerConfig{
		Address: cfg.Server.Listen,
		Handler: api,
		Logger:  logger,
	})

	logger.Info("halcyon-server starting",
		"version", version.Info(),
		"listen", cfg.Server.Listen,
		"authority", authority.ID())
	return server.Serve(ctx)
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

// loadAuthority reads the signing key, generating one on first start.
func loadAuthority(path string) (*work.Authority, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != ed25519.PrivateKeySize {
			return nil, fmt.Errorf("authority key %s has %d bytes, want %d",
				path, len(raw), ed25519.PrivateKeySize)
		}
		return work.NewAuthority(ed25519.PrivateKey(raw)), nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading authority key: %w", err)
	}

	_, private, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, fmt.Errorf("generating authority key: %w", err)
	}
	if err := os.WriteFile(path, private, 0o600); err != nil {
		return nil, fmt.Errorf("writing authority key: %w", err)
	}
	return work.NewAuthority(private), nil
}
