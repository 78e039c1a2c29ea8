// Package config loads application configuration from files and
// environment variables using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/agentdeck/agentdeck/internal/common/logger"
)

// Config is the root configuration for the orchestrator.
type Config struct {
	Server    ServerConfig         `mapstructure:"server"`
	Logging   logger.LoggingConfig `mapstructure:"logging"`
	NATS      NATSConfig           `mapstructure:"nats"`
	Scheduler SchedulerConfig      `mapstructure:"scheduler"`
	Workspace WorkspaceConfig      `mapstructure:"workspace"`
	Sessions  SessionsConfig       `mapstructure:"sessions"`
	Engine    EngineConfig         `mapstructure:"engine"`
	Resources ResourcesConfig      `mapstructure:"resources"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// NATSConfig holds event bus settings. When Embedded is true an
// in-process bus is used and URL is ignored.
type NATSConfig struct {
	Embedded bool   `mapstructure:"embedded"`
	URL      string `mapstructure:"url"`
}

// SchedulerConfig holds agent admission settings.
type SchedulerConfig struct {
	MaxConcurrency int `mapstructure:"max_concurrency"`
}

// WorkspaceConfig holds VCS workspace settings.
type WorkspaceConfig struct {
	// RepoPath is the base repository all agent workspaces branch from.
	RepoPath string `mapstructure:"repo_path"`
	// Root is the directory agent workspaces are created under.
	Root string `mapstructure:"root"`
	// Binary is the jj executable name or path.
	Binary string `mapstructure:"binary"`
	// CommandTimeout bounds individual VCS command invocations.
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
}

// SessionsConfig holds agent state persistence settings.
type SessionsConfig struct {
	// Dir is the directory per-agent state files are written to.
	Dir string `mapstructure:"dir"`
}

// EngineConfig holds the external agent-execution engine settings.
type EngineConfig struct {
	// Command is the engine executable launched per session.
	Command string `mapstructure:"command"`
	// Args are passed to the engine executable.
	Args []string `mapstructure:"args"`
	// StartTimeout bounds session startup.
	StartTimeout time.Duration `mapstructure:"start_timeout"`
}

// ResourcesConfig holds workspace resource file settings.
type ResourcesConfig struct {
	// Dir is scanned for markdown resource files with YAML front matter.
	Dir string `mapstructure:"dir"`
}

// Load loads configuration from config files and environment variables.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath loads configuration from the specified path.
// If path is empty, default locations are used.
func LoadWithPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/agentdeck")
	}

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine, defaults and env vars apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")

	v.SetDefault("nats.embedded", true)
	v.SetDefault("nats.url", "nats://localhost:4222")

	v.SetDefault("scheduler.max_concurrency", 3)

	v.SetDefault("workspace.repo_path", ".")
	v.SetDefault("workspace.root", "./workspaces")
	v.SetDefault("workspace.binary", "jj")
	v.SetDefault("workspace.command_timeout", 30*time.Second)

	v.SetDefault("sessions.dir", "./sessions")

	v.SetDefault("engine.command", "agent-engine")
	v.SetDefault("engine.args", []string{})
	v.SetDefault("engine.start_timeout", 30*time.Second)

	v.SetDefault("resources.dir", "")
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Scheduler.MaxConcurrency < 1 || c.Scheduler.MaxConcurrency > 10 {
		return fmt.Errorf("scheduler max_concurrency must be between 1 and 10, got %d", c.Scheduler.MaxConcurrency)
	}
	if c.Workspace.RepoPath == "" {
		return fmt.Errorf("workspace repo_path is required")
	}
	if c.Sessions.Dir == "" {
		return fmt.Errorf("sessions dir is required")
	}
	if c.Engine.Command == "" {
		return fmt.Errorf("engine command is required")
	}
	return nil
}

// Addr returns the server listen address.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
