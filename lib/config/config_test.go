// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "halcyon.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadFileAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "environment: development\n")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.Listen != ":8440" {
		t.Errorf("Listen = %q, want :8440", cfg.Server.Listen)
	}
	if cfg.Agent.PullInterval != time.Minute {
		t.Errorf("PullInterval = %v, want 1m", cfg.Agent.PullInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: production
server:
  listen: ":9000"
production:
  server:
    listen: ":443"
    exec_ceiling: 5m
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.Listen != ":443" {
		t.Errorf("Listen = %q, want :443 from production override", cfg.Server.Listen)
	}
	if cfg.Server.ExecCeiling != 5*time.Minute {
		t.Errorf("ExecCeiling = %v, want 5m", cfg.Server.ExecCeiling)
	}
}

func TestOverridesIgnoredForOtherEnvironment(t *testing.T) {
	path := writeConfig(t, `
environment: development
production:
  server:
    listen: ":443"
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.Listen != ":8440" {
		t.Errorf("Listen = %q, production override leaked into development", cfg.Server.Listen)
	}
}

func TestVariableExpansion(t *testing.T) {
	t.Setenv("HOME", "/home/operator")
	path := writeConfig(t, `
environment: development
server:
  data_dir: ${HOME}/halcyon-data
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Server.DataDir != "/home/operator/halcyon-data" {
		t.Errorf("DataDir = %q, want expanded HOME", cfg.Server.DataDir)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Environment = "carnival"
	cfg.Agent.OutputLimit = 0
	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted invalid config")
	}
}

func TestLoadRequiresEnvVar(t *testing.T) {
	t.Setenv("HALCYON_CONFIG", "")
	if _, err := Load(); err == nil {
		t.Fatal("Load without HALCYON_CONFIG succeeded")
	}
}
