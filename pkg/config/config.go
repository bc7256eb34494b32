// Package config loads daemon configuration from the environment with an
// optional .env overlay.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/orcaops/orcaops/pkg/domain/errors"
)

// SkipBackendInitEnv bypasses container backend probing at startup when set
// to "1". Intended for test harnesses without a docker daemon.
const SkipBackendInitEnv = "ORCAOPS_SKIP_BACKEND_INIT"

// Config holds all daemon settings.
type Config struct {
	// BaseDir is the persistence root (runs, workflows, baselines, audit).
	BaseDir string `env:"ORCAOPS_BASE_DIR"`

	// LogLevel is the minimum log level: debug, info, warn, error.
	LogLevel string `env:"ORCAOPS_LOG_LEVEL"`

	// LogConsole switches log output from JSON to console format.
	LogConsole bool `env:"ORCAOPS_LOG_CONSOLE"`

	// DockerBin is the docker CLI executable used by the backend adapter.
	DockerBin string `env:"ORCAOPS_DOCKER_BIN"`

	// WorkflowParallelism caps concurrent jobs within one workflow level.
	WorkflowParallelism int `env:"ORCAOPS_WORKFLOW_PARALLELISM"`

	// RegistryCap bounds completed entries kept in the in-memory registries.
	RegistryCap int `env:"ORCAOPS_REGISTRY_CAP"`

	// RetentionDays controls janitor cleanup of old runs and audit files.
	// Zero disables retention cleanup.
	RetentionDays int `env:"ORCAOPS_RETENTION_DAYS"`

	// PolicyFile is an optional security policy file (json or yaml),
	// hot-reloaded on change.
	PolicyFile string `env:"ORCAOPS_POLICY_FILE"`

	// SessionTTL bounds the lifetime of operator sessions.
	SessionTTL time.Duration `env:"ORCAOPS_SESSION_TTL"`

	// SkipBackendInit disables the startup backend Ping.
	SkipBackendInit bool `env:"ORCAOPS_SKIP_BACKEND_INIT"`
}

// Load builds the configuration from defaults, an optional .env file, and
// process environment variables, then validates it.
func Load(envFile string) (*Config, error) {
	cfg := DefaultConfig()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, errors.New(errors.CodeConfigurationInvalid, "config", "failed to load .env file", err)
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	base := ".orcaops"
	if home, err := os.UserHomeDir(); err == nil {
		base = filepath.Join(home, ".orcaops")
	}

	return &Config{
		BaseDir:             base,
		LogLevel:            "info",
		LogConsole:          false,
		DockerBin:           "docker",
		WorkflowParallelism: 4,
		RegistryCap:         100,
		RetentionDays:       30,
		PolicyFile:          "",
		SessionTTL:          24 * time.Hour,
		SkipBackendInit:     false,
	}
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("ORCAOPS_BASE_DIR"); v != "" {
		cfg.BaseDir = v
	}
	if v := os.Getenv("ORCAOPS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ORCAOPS_LOG_CONSOLE"); v != "" {
		cfg.LogConsole = v == "1" || v == "true"
	}
	if v := os.Getenv("ORCAOPS_DOCKER_BIN"); v != "" {
		cfg.DockerBin = v
	}
	if v := os.Getenv("ORCAOPS_WORKFLOW_PARALLELISM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkflowParallelism = n
		}
	}
	if v := os.Getenv("ORCAOPS_REGISTRY_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RegistryCap = n
		}
	}
	if v := os.Getenv("ORCAOPS_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetentionDays = n
		}
	}
	if v := os.Getenv("ORCAOPS_POLICY_FILE"); v != "" {
		cfg.PolicyFile = v
	}
	if v := os.Getenv("ORCAOPS_SESSION_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SessionTTL = d
		}
	}
	if v := os.Getenv(SkipBackendInitEnv); v != "" {
		cfg.SkipBackendInit = v == "1" || v == "true"
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return errors.New(errors.CodeConfigurationInvalid, "config", "base_dir is required", nil)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Newf(errors.CodeConfigurationInvalid, "config", "log_level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	if c.DockerBin == "" {
		return errors.New(errors.CodeConfigurationInvalid, "config", "docker_bin is required", nil)
	}
	if c.WorkflowParallelism <= 0 {
		return errors.New(errors.CodeConfigurationInvalid, "config", "workflow_parallelism must be positive", nil)
	}
	if c.RegistryCap <= 0 {
		return errors.New(errors.CodeConfigurationInvalid, "config", "registry_cap must be positive", nil)
	}
	if c.RetentionDays < 0 {
		return errors.New(errors.CodeConfigurationInvalid, "config", "retention_days must not be negative", nil)
	}
	if c.SessionTTL <= 0 {
		return errors.New(errors.CodeConfigurationInvalid, "config", "session_ttl must be positive", nil)
	}
	return nil
}
