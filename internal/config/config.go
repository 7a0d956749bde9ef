// Package config provides configuration loading for pretestd.
//
// Configuration is layered: hardcoded defaults, then an optional YAML file,
// then PRETESTD_* environment variables. Individual workspaces may further
// override the integration settings with a .pretestd.toml file at their root.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"time"
)

// Selection orders understood by the commit discoverer. SelectionNative
// takes the first line of the repository's own listing: the oldest
// candidate for Mercurial, which lists revision ranges in ascending order,
// and the newest for Git, whose rev-list prints newest first.
const (
	SelectionNative = "native"
	SelectionNewest = "newest"
	SelectionOldest = "oldest"
)

// Repository kinds understood by the vcs package.
const (
	KindAuto      = "auto"
	KindMercurial = "hg"
	KindGit       = "git"
)

// DefaultCommitMessage is the message recorded on the integration branch
// when a merged change builds successfully.
const DefaultCommitMessage = "Successfully integrated development branch"

// DefaultSuccessWhen treats only a clean build as success-or-better.
const DefaultSuccessWhen = `result == "SUCCESS"`

// Config holds the complete pretestd configuration.
type Config struct {
	Integration IntegrationConfig `koanf:"integration"`
	VCS         VCSConfig         `koanf:"vcs"`
	Server      ServerConfig      `koanf:"server"`
	Watch       WatchConfig       `koanf:"watch"`
	Logging     LoggingConfig     `koanf:"logging"`
	Telemetry   TelemetryConfig   `koanf:"telemetry"`
}

// IntegrationConfig controls how candidate changes are integrated.
type IntegrationConfig struct {
	// Branch is the integration branch. Empty selects the repository
	// default ("default" for Mercurial, "master" for Git).
	Branch        string `koanf:"branch" toml:"branch"`
	CommitMessage string `koanf:"commit_message" toml:"commit_message"`
	// Selection picks which pending change is handed out next: "native",
	// "newest" or "oldest". With Mercurial, "newest" moves the cursor past
	// older candidates on other branches, which are then never handed out.
	Selection string `koanf:"selection" toml:"selection"`
	// SuccessWhen is an expression deciding whether a build result counts
	// as success-or-better.
	SuccessWhen string `koanf:"success_when" toml:"success_when"`
}

// VCSConfig controls the repository client.
type VCSConfig struct {
	Kind           string   `koanf:"kind" toml:"kind"`
	HgExe          string   `koanf:"hg_exe" toml:"hg_exe"`
	HgDebug        bool     `koanf:"hg_debug" toml:"hg_debug"`
	GitExe         string   `koanf:"git_exe" toml:"git_exe"`
	CommandTimeout Duration `koanf:"command_timeout" toml:"command_timeout"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"http_port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// Workspaces restricts the API to workspaces under these absolute
	// roots. Empty allows any absolute path.
	Workspaces []string `koanf:"workspaces"`
}

// WatchConfig controls the upstream watcher.
type WatchConfig struct {
	// Schedule is a cron expression for periodic polling. Empty disables it.
	Schedule string `koanf:"schedule"`
	// MinInterval throttles cycles triggered by filesystem events.
	MinInterval Duration `koanf:"min_interval"`
}

// LoggingConfig is the subset of logging settings exposed to users.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// TelemetryConfig is the subset of telemetry settings exposed to users.
type TelemetryConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Endpoint string `koanf:"endpoint"`
	Protocol string `koanf:"protocol"`
	Insecure bool   `koanf:"insecure"`
	// TLSSkipVerify accepts collectors signed by an internal CA.
	TLSSkipVerify bool `koanf:"tls_skip_verify"`
}

// NewDefaultConfig returns the configuration used when nothing is set.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Integration.Selection {
	case SelectionNative, SelectionNewest, SelectionOldest:
	default:
		return fmt.Errorf("integration.selection must be %q, %q or %q, got %q",
			SelectionNative, SelectionNewest, SelectionOldest, c.Integration.Selection)
	}
	if c.Integration.CommitMessage == "" {
		return errors.New("integration.commit_message cannot be empty")
	}
	if c.Integration.SuccessWhen == "" {
		return errors.New("integration.success_when cannot be empty")
	}

	switch c.VCS.Kind {
	case KindAuto, KindMercurial, KindGit:
	default:
		return fmt.Errorf("vcs.kind must be one of auto, hg, git, got %q", c.VCS.Kind)
	}
	if c.VCS.CommandTimeout.Duration() < 0 {
		return errors.New("vcs.command_timeout cannot be negative")
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout.Duration() <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	for _, root := range c.Server.Workspaces {
		if !filepath.IsAbs(root) {
			return fmt.Errorf("server.workspaces entries must be absolute, got %q", root)
		}
	}

	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		return fmt.Errorf("logging.format must be 'json' or 'console', got %q", c.Logging.Format)
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return errors.New("telemetry.endpoint is required when telemetry is enabled")
	}

	return nil
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Integration.CommitMessage == "" {
		cfg.Integration.CommitMessage = DefaultCommitMessage
	}
	if cfg.Integration.Selection == "" {
		cfg.Integration.Selection = SelectionNative
	}
	if cfg.Integration.SuccessWhen == "" {
		cfg.Integration.SuccessWhen = DefaultSuccessWhen
	}

	if cfg.VCS.Kind == "" {
		cfg.VCS.Kind = KindAuto
	}
	if cfg.VCS.HgExe == "" {
		cfg.VCS.HgExe = "hg"
	}
	if cfg.VCS.GitExe == "" {
		cfg.VCS.GitExe = "git"
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9191
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Watch.MinInterval == 0 {
		cfg.Watch.MinInterval = Duration(30 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "console"
	}

	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
}
