// Package config provides configuration management for Crewdeck.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Crewdeck.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Team     TeamConfig     `mapstructure:"team"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	MCPPort      int    `mapstructure:"mcpPort"`      // MCP tool server port; 0 picks a free port
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// When Host is empty the store runs on an embedded SQLite file.
type DatabaseConfig struct {
	Path     string `mapstructure:"path"` // SQLite database file path
	Host     string `mapstructure:"host"` // Postgres host (optional)
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClusterID     string `mapstructure:"clusterId"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// LLMConfig holds configuration for the classification/generation call-out.
type LLMConfig struct {
	APIKey            string `mapstructure:"apiKey"`            // Anthropic API key; empty disables the call-out
	Model             string `mapstructure:"model"`             // model identifier
	ClassifyTimeoutMs int    `mapstructure:"classifyTimeoutMs"` // hard timeout for stall classification
}

// TeamConfig holds the team runtime configuration.
type TeamConfig struct {
	// ScratchBaseDir is the base directory for per-agent scratch directories.
	ScratchBaseDir string `mapstructure:"scratchBaseDir"`

	// DefaultAgentType is the CLI agent launched when a role does not pick one.
	DefaultAgentType string `mapstructure:"defaultAgentType"`

	// DefaultWorkdir overrides the scratch directory as the agent working dir.
	DefaultWorkdir string `mapstructure:"defaultWorkdir"`

	// ReadySettleMs is the stdout quiescence window that marks a session ready.
	ReadySettleMs int `mapstructure:"readySettleMs"`

	// ReadyTimeoutMs bounds the total readiness wait on spawn.
	ReadyTimeoutMs int `mapstructure:"readyTimeoutMs"`

	// DispatchVerifyDelayMs is the wait before checking that a dispatched
	// prompt produced output growth.
	DispatchVerifyDelayMs int `mapstructure:"dispatchVerifyDelayMs"`

	// DispatchMinGrowthLines is the minimum output growth expected after dispatch.
	DispatchMinGrowthLines int `mapstructure:"dispatchMinGrowthLines"`

	// StopGraceMs is the grace period between signal and force-kill on stop.
	StopGraceMs int `mapstructure:"stopGraceMs"`

	// SweepIntervalMs is the periodic stall-classification sweep interval.
	SweepIntervalMs int `mapstructure:"sweepIntervalMs"`

	// RunLogCap bounds the persisted run log list per deployment.
	RunLogCap int `mapstructure:"runLogCap"`

	// MessageCap bounds the persisted message list per deployment.
	MessageCap int `mapstructure:"messageCap"`

	// QueueWorkers is the size of the agent-loop worker pool.
	QueueWorkers int `mapstructure:"queueWorkers"`

	// GeminiModel is the model passed to gemini-cli agents.
	GeminiModel string `mapstructure:"geminiModel"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ReadySettle returns the readiness settle window as a time.Duration.
func (t *TeamConfig) ReadySettle() time.Duration {
	return time.Duration(t.ReadySettleMs) * time.Millisecond
}

// ReadyTimeout returns the total readiness wait as a time.Duration.
func (t *TeamConfig) ReadyTimeout() time.Duration {
	return time.Duration(t.ReadyTimeoutMs) * time.Millisecond
}

// DispatchVerifyDelay returns the dispatch verification delay as a time.Duration.
func (t *TeamConfig) DispatchVerifyDelay() time.Duration {
	return time.Duration(t.DispatchVerifyDelayMs) * time.Millisecond
}

// StopGrace returns the stop grace period as a time.Duration.
func (t *TeamConfig) StopGrace() time.Duration {
	return time.Duration(t.StopGraceMs) * time.Millisecond
}

// SweepInterval returns the sweep interval as a time.Duration.
func (t *TeamConfig) SweepInterval() time.Duration {
	return time.Duration(t.SweepIntervalMs) * time.Millisecond
}

// ClassifyTimeout returns the stall classification timeout as a time.Duration.
func (l *LLMConfig) ClassifyTimeout() time.Duration {
	return time.Duration(l.ClassifyTimeoutMs) * time.Millisecond
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CREWDECK_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mcpPort", 8765)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty host means embedded SQLite
	v.SetDefault("database.path", "data/crewdeck.db")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "crewdeck")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "crewdeck")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clusterId", "crewdeck-cluster")
	v.SetDefault("nats.clientId", "crewdeck-client")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// LLM defaults
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "claude-sonnet-4-5")
	v.SetDefault("llm.classifyTimeoutMs", 5000)

	// Team runtime defaults
	v.SetDefault("team.scratchBaseDir", "data/team-scratch")
	v.SetDefault("team.defaultAgentType", "claude-code")
	v.SetDefault("team.defaultWorkdir", "")
	v.SetDefault("team.readySettleMs", 2000)
	v.SetDefault("team.readyTimeoutMs", 30000)
	v.SetDefault("team.dispatchVerifyDelayMs", 5000)
	v.SetDefault("team.dispatchMinGrowthLines", 15)
	v.SetDefault("team.stopGraceMs", 5000)
	v.SetDefault("team.sweepIntervalMs", 20000)
	v.SetDefault("team.runLogCap", 200)
	v.SetDefault("team.messageCap", 500)
	v.SetDefault("team.queueWorkers", 4)
	v.SetDefault("team.geminiModel", "")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CREWDECK_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/crewdeck/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("CREWDECK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the team runtime knobs that ship as plain env vars
	// (not prefixed) so operators can tune agents without a config file.
	_ = v.BindEnv("team.defaultAgentType", "TEAM_AGENT_DEFAULT_TYPE", "CREWDECK_TEAM_DEFAULT_AGENT_TYPE")
	_ = v.BindEnv("team.defaultWorkdir", "TEAM_AGENT_DEFAULT_WORKDIR", "CREWDECK_TEAM_DEFAULT_WORKDIR")
	_ = v.BindEnv("team.readySettleMs", "TEAM_AGENT_READY_SETTLE_MS", "CREWDECK_TEAM_READY_SETTLE_MS")
	_ = v.BindEnv("team.dispatchVerifyDelayMs", "TEAM_DISPATCH_VERIFY_DELAY_MS", "CREWDECK_TEAM_DISPATCH_VERIFY_DELAY_MS")
	_ = v.BindEnv("team.dispatchMinGrowthLines", "TEAM_DISPATCH_MIN_GROWTH_LINES", "CREWDECK_TEAM_DISPATCH_MIN_GROWTH_LINES")
	_ = v.BindEnv("team.geminiModel", "GEMINI_AGENT_MODEL", "CREWDECK_TEAM_GEMINI_MODEL")
	_ = v.BindEnv("llm.apiKey", "ANTHROPIC_API_KEY", "CREWDECK_LLM_API_KEY")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/crewdeck/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
// In development mode (default), most fields are optional.
func validate(cfg *Config) error {
	var errs []string

	// Server validation - always required
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	// Database validation - only if host is set (SQLite otherwise)
	if cfg.Database.Host != "" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required when database.host is set")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required when database.host is set")
		}
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	// Team runtime validation
	if cfg.Team.ScratchBaseDir == "" {
		errs = append(errs, "team.scratchBaseDir is required")
	}
	if cfg.Team.ReadySettleMs <= 0 {
		errs = append(errs, "team.readySettleMs must be positive")
	}
	if cfg.Team.ReadyTimeoutMs < cfg.Team.ReadySettleMs {
		errs = append(errs, "team.readyTimeoutMs must be at least team.readySettleMs")
	}
	if cfg.Team.DispatchMinGrowthLines <= 0 {
		errs = append(errs, "team.dispatchMinGrowthLines must be positive")
	}
	if cfg.Team.RunLogCap <= 0 {
		errs = append(errs, "team.runLogCap must be positive")
	}
	if cfg.Team.MessageCap <= 0 {
		errs = append(errs, "team.messageCap must be positive")
	}
	if cfg.Team.QueueWorkers <= 0 {
		errs = append(errs, "team.queueWorkers must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}
