// Copyright 2026 The Halcyon Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for Halcyon binaries.
//
// Configuration is loaded from a single YAML file specified by:
//   - HALCYON_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery; a missing file is an
// error. The file may contain environment-specific sections
// (development, staging, production) that override base values when
// the environment matches.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment type.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the master configuration, shared by halcyon-server and
// halcyon-agent. Each binary reads only its own section.
type Config struct {
	// Environment identifies the deployment type.
	Environment Environment `yaml:"environment"`

	// Server configures the central service.
	Server ServerConfig `yaml:"server"`

	// Agent configures the endpoint agent.
	Agent AgentConfig `yaml:"agent"`

	// Per-environment overrides, applied after the base values.
	Development *Overrides `yaml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty"`
}

// Overrides contains the fields that can be overridden per environment.
type Overrides struct {
	Server *ServerConfig `yaml:"server,omitempty"`
	Agent  *AgentConfig  `yaml:"agent,omitempty"`
}

// ServerConfig configures the central service.
type ServerConfig struct {
	// Listen is the TCP address for the HTTP API.
	Listen string `yaml:"listen"`

	// DataDir holds the identity and history databases.
	DataDir string `yaml:"data_dir"`

	// PolicyFile is the script validation policy (JSONC).
	PolicyFile string `yaml:"policy_file"`

	// ExecCeiling is the administrative ceiling on a WorkUnit's
	// maxExecSeconds. Units requesting more are rejected.
	ExecCeiling time.Duration `yaml:"exec_ceiling"`

	// TokenTTL is the default lifetime of issued enrollment tokens,
	// used when the issuing request does not name one.
	TokenTTL time.Duration `yaml:"token_ttl"`

	// LivenessInterval is the pull cadence the center expects from
	// agents when judging reachability.
	LivenessInterval time.Duration `yaml:"liveness_interval"`

	// UnreachableAfter is the number of missed liveness intervals
	// before a device is reported unreachable.
	UnreachableAfter int `yaml:"unreachable_after"`
}

// AgentConfig configures the endpoint agent.
type AgentConfig struct {
	// ServerURL is the base URL of the center's HTTP API.
	ServerURL string `yaml:"server_url"`

	// StateDir holds the device keypair and enrollment state.
	StateDir string `yaml:"state_dir"`

	// PullInterval is the scheduled-pull base interval.
	PullInterval time.Duration `yaml:"pull_interval"`

	// PullJitter is the maximum random jitter added to each pull
	// interval to avoid thundering-herd against the center.
	PullJitter time.Duration `yaml:"pull_jitter"`

	// OutputLimit caps captured stdout/stderr per execution, in
	// bytes. Excess is discarded and the result marked truncated.
	OutputLimit int `yaml:"output_limit"`

	// PushEnabled maintains a persistent push session in addition to
	// the scheduled pull loop.
	PushEnabled bool `yaml:"push_enabled"`

	// Interpreter runs script bodies (e.g., /bin/sh). The validator's
	// policy file governs which interpreters a script may reference;
	// this is the one the engine itself invokes.
	Interpreter string `yaml:"interpreter"`

	// StateDB is the endpoint's local state database, the target of
	// query units and ad-hoc inspection. Empty disables query
	// execution; query units then fault.
	StateDB string `yaml:"state_db"`

	// QueryRowCap bounds the rows a single query may return.
	QueryRowCap int `yaml:"query_row_cap"`

	// ExecCeiling is the agent's own ceiling on a unit's
	// maxExecSeconds, applied when re-validating delivered units.
	ExecCeiling time.Duration `yaml:"exec_ceiling"`
}

// Default returns the base configuration. These exist so every field
// has a sensible zero-value before the file loads; the config file is
// still required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".local", "share", "halcyon")

	return &Config{
		Environment: Development,
		Server: ServerConfig{
			Listen:           ":8440",
			DataDir:          filepath.Join(defaultRoot, "server"),
			PolicyFile:       "",
			ExecCeiling:      15 * time.Minute,
			TokenTTL:         time.Hour,
			LivenessInterval: time.Minute,
			UnreachableAfter: 3,
		},
		Agent: AgentConfig{
			ServerURL:    "http://localhost:8440",
			StateDir:     filepath.Join(defaultRoot, "agent"),
			PullInterval: time.Minute,
			PullJitter:   15 * time.Second,
			OutputLimit:  256 * 1024,
			PushEnabled:  true,
			Interpreter:  "/bin/sh",
			QueryRowCap:  500,
			ExecCeiling:  15 * time.Minute,
		},
	}
}

// Load loads configuration from the HALCYON_CONFIG environment
// variable. There is no fallback: if HALCYON_CONFIG is not set, this
// fails.
func Load() (*Config, error) {
	configPath := os.Getenv("HALCYON_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("HALCYON_CONFIG environment variable not set; " +
			"set it to the path of your halcyon.yaml config file, or use --config")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The file is
// the single source of truth; environment variables do not override
// values. The only expansion performed is ${HOME}-style path
// variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

// applyEnvironmentOverrides merges the section matching Environment.
func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if o := overrides.Server; o != nil {
		if o.Listen != "" {
			c.Server.Listen = o.Listen
		}
		if o.DataDir != "" {
			c.Server.DataDir = o.DataDir
		}
		if o.PolicyFile != "" {
			c.Server.PolicyFile = o.PolicyFile
		}
		if o.ExecCeiling != 0 {
			c.Server.ExecCeiling = o.ExecCeiling
		}
		if o.TokenTTL != 0 {
			c.Server.TokenTTL = o.TokenTTL
		}
		if o.LivenessInterval != 0 {
			c.Server.LivenessInterval = o.LivenessInterval
		}
		if o.UnreachableAfter != 0 {
			c.Server.UnreachableAfter = o.UnreachableAfter
		}
	}

	if o := overrides.Agent; o != nil {
		if o.ServerURL != "" {
			c.Agent.ServerURL = o.ServerURL
		}
		if o.StateDir != "" {
			c.Agent.StateDir = o.StateDir
		}
		if o.PullInterval != 0 {
			c.Agent.PullInterval = o.PullInterval
		}
		if o.PullJitter != 0 {
			c.Agent.PullJitter = o.PullJitter
		}
		if o.OutputLimit != 0 {
			c.Agent.OutputLimit = o.OutputLimit
		}
		// PushEnabled is a bool: always applied from overrides.
		c.Agent.PushEnabled = o.PushEnabled
		if o.Interpreter != "" {
			c.Agent.Interpreter = o.Interpreter
		}
		if o.StateDB != "" {
			c.Agent.StateDB = o.StateDB
		}
		if o.QueryRowCap != 0 {
			c.Agent.QueryRowCap = o.QueryRowCap
		}
		if o.ExecCeiling != 0 {
			c.Agent.ExecCeiling = o.ExecCeiling
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} in paths.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Server.DataDir = expandVars(c.Server.DataDir, vars)
	c.Server.PolicyFile = expandVars(c.Server.PolicyFile, vars)
	c.Agent.StateDir = expandVars(c.Agent.StateDir, vars)
	c.Agent.StateDB = expandVars(c.Agent.StateDB, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Server.Listen == "" {
		errs = append(errs, fmt.Errorf("server.listen is required"))
	}
	if c.Server.DataDir == "" {
		errs = append(errs, fmt.Errorf("server.data_dir is required"))
	}
	if c.Server.ExecCeiling <= 0 {
		errs = append(errs, fmt.Errorf("server.exec_ceiling must be positive"))
	}
	if c.Server.LivenessInterval <= 0 {
		errs = append(errs, fmt.Errorf("server.liveness_interval must be positive"))
	}
	if c.Server.UnreachableAfter <= 0 {
		errs = append(errs, fmt.Errorf("server.unreachable_after must be positive"))
	}
	if c.Agent.ServerURL == "" {
		errs = append(errs, fmt.Errorf("agent.server_url is required"))
	}
	if c.Agent.PullInterval <= 0 {
		errs = append(errs, fmt.Errorf("agent.pull_interval must be positive"))
	}
	if c.Agent.PullJitter < 0 {
		errs = append(errs, fmt.Errorf("agent.pull_jitter must not be negative"))
	}
	if c.Agent.OutputLimit <= 0 {
		errs = append(errs, fmt.Errorf("agent.output_limit must be positive"))
	}
	if c.Agent.QueryRowCap <= 0 {
		errs = append(errs, fmt.Errorf("agent.query_row_cap must be positive"))
	}
	if c.Agent.ExecCeiling <= 0 {
		errs = append(errs, fmt.Errorf("agent.exec_ceiling must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureDirs creates the configured data directories if missing.
func (c *Config) EnsureDirs() error {
	for _, path := range []string{c.Server.DataDir, c.Agent.StateDir} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
