package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wardenhq/warden/internal/autopilot"
	"github.com/wardenhq/warden/internal/gateway"
	"github.com/wardenhq/warden/internal/logging"
)

// Config represents the main configuration
type Config struct {
	Version      string              `yaml:"version"`
	Gateway      *gateway.Config     `yaml:"gateway"`
	Logging      *logging.Config     `yaml:"logging"`
	Autopilot    *autopilot.Config   `yaml:"autopilot"`
	Runner       *RunnerConfig       `yaml:"runner"`
	Audit        *AuditConfig        `yaml:"audit"`
	Permissions  *PermissionsConfig  `yaml:"permissions"`
	History      *HistoryConfig      `yaml:"history"`
	Housekeeping *HousekeepingConfig `yaml:"housekeeping"`
}

// RunnerConfig holds task runner settings
type RunnerConfig struct {
	// Command is the agent executable the runner shells out to.
	Command string `yaml:"command"`
	// CredentialEnv is the environment variable holding the backend API key.
	CredentialEnv string `yaml:"credential_env"`
	// WorkingRoot is where runs execute.
	WorkingRoot string `yaml:"working_root"`
	// ArtifactsRoot is where run artifacts are written.
	ArtifactsRoot string `yaml:"artifacts_root"`
	// RulesPath is an optional file of standing rules passed to every run.
	RulesPath string `yaml:"rules_path"`
	// ReportSteps is how many trailing steps a run report includes.
	ReportSteps int `yaml:"report_steps"`
}

// AuditConfig holds audit chain paths
type AuditConfig struct {
	LogPath     string `yaml:"log_path"`
	PointerPath string `yaml:"pointer_path"`
}

// PermissionsConfig holds the persisted decision map path
type PermissionsConfig struct {
	Path string `yaml:"path"`
}

// HistoryConfig holds run history settings
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// HousekeepingConfig holds periodic maintenance settings
type HousekeepingConfig struct {
	// Schedule is a cron expression for the maintenance pass (audit chain
	// verification plus history purge).
	Schedule string `yaml:"schedule"`
	// RetentionDays is how long run history is kept.
	RetentionDays int `yaml:"retention_days"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".warden")
	return &Config{
		Version: "1.0",
		Gateway: &gateway.Config{
			Host: "127.0.0.1",
			Port: 9190,
		},
		Logging: &logging.Config{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Autopilot: autopilot.DefaultConfig(),
		Runner: &RunnerConfig{
			Command:       "warden-agent",
			CredentialEnv: "WARDEN_API_KEY",
			WorkingRoot:   filepath.Join(dataDir, "work"),
			ArtifactsRoot: filepath.Join(dataDir, "artifacts"),
			RulesPath:     filepath.Join(dataDir, "rules.md"),
			ReportSteps:   8,
		},
		Audit: &AuditConfig{
			LogPath:     filepath.Join(dataDir, "audit.ndjson"),
			PointerPath: filepath.Join(dataDir, "audit.ptr"),
		},
		Permissions: &PermissionsConfig{
			Path: filepath.Join(dataDir, "permissions.json"),
		},
		History: &HistoryConfig{
			Path: filepath.Join(dataDir, "history.db"),
		},
		Housekeeping: &HousekeepingConfig{
			Schedule:      "0 3 * * *",
			RetentionDays: 30,
		},
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil // Return defaults if no config file
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Expand paths
	if config.Audit != nil {
		config.Audit.LogPath = expandPath(config.Audit.LogPath)
		config.Audit.PointerPath = expandPath(config.Audit.PointerPath)
	}
	if config.Permissions != nil {
		config.Permissions.Path = expandPath(config.Permissions.Path)
	}
	if config.History != nil {
		config.History.Path = expandPath(config.History.Path)
	}
	if config.Runner != nil {
		config.Runner.WorkingRoot = expandPath(config.Runner.WorkingRoot)
		config.Runner.ArtifactsRoot = expandPath(config.Runner.ArtifactsRoot)
		config.Runner.RulesPath = expandPath(config.Runner.RulesPath)
	}

	return config, nil
}

// Save saves configuration to a file
func Save(config *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// DefaultConfigPath returns the default configuration path
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".warden", "config.yaml")
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, path[1:])
	}
	return path
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Gateway == nil {
		return fmt.Errorf("gateway configuration is required")
	}
	if c.Gateway.Port < 1 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
	}
	if c.Autopilot != nil {
		if c.Autopilot.PollIntervalMs < 1 {
			return fmt.Errorf("invalid autopilot poll interval: %dms", c.Autopilot.PollIntervalMs)
		}
		if c.Autopilot.MoveThreshold < 1 {
			return fmt.Errorf("invalid autopilot move threshold: %d", c.Autopilot.MoveThreshold)
		}
		if c.Autopilot.GraceMs < 0 {
			return fmt.Errorf("invalid autopilot grace: %dms", c.Autopilot.GraceMs)
		}
		if c.Autopilot.MaxIgnoreMs < 0 {
			return fmt.Errorf("invalid autopilot ignore cap: %dms", c.Autopilot.MaxIgnoreMs)
		}
	}
	if c.Runner != nil && c.Runner.ReportSteps < 1 {
		return fmt.Errorf("invalid runner report steps: %d", c.Runner.ReportSteps)
	}
	if c.Housekeeping != nil && c.Housekeeping.RetentionDays < 1 {
		return fmt.Errorf("invalid history retention: %d days", c.Housekeeping.RetentionDays)
	}
	return nil
}
