// Package config provides configuration management for agent-chatter.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for agent-chatter.
type Config struct {
	Logging      LoggingConfig      `mapstructure:"logging"`
	Conversation ConversationConfig `mapstructure:"conversation"`
	Queue        QueueConfig        `mapstructure:"queue"`
	Agents       AgentsConfig       `mapstructure:"agents"`
	Docker       DockerConfig       `mapstructure:"docker"`
	Bus          BusConfig          `mapstructure:"bus"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Collector    CollectorConfig    `mapstructure:"collector"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ConversationConfig holds conversation engine tunables.
type ConversationConfig struct {
	// HistoryWindow is the number of recent messages included in agent prompts.
	HistoryWindow int `mapstructure:"historyWindow"`

	// TeamTaskMaxLen is the soft cap applied to [TEAM_TASK:...] values.
	TeamTaskMaxLen int `mapstructure:"teamTaskMaxLen"`
}

// QueueConfig holds routing queue protection limits.
type QueueConfig struct {
	MaxSize       int `mapstructure:"maxSize"`
	MaxBranchSize int `mapstructure:"maxBranchSize"`
	MaxLocalSeq   int `mapstructure:"maxLocalSeq"`
}

// FamilyConfig holds the launch configuration for one agent family.
type FamilyConfig struct {
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Cwd     string            `mapstructure:"cwd"`
	// Image is the container image used when the Docker environment is selected.
	Image string `mapstructure:"image"`
}

// AgentsConfig holds agent subprocess configuration.
type AgentsConfig struct {
	// Environment selects where agent processes run: "local" or "docker".
	Environment string `mapstructure:"environment"`

	// TimeoutSeconds bounds a single agent turn. Hard cap 30 minutes.
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`

	// KillGraceSeconds is the SIGTERM to SIGKILL escalation delay on cancel.
	KillGraceSeconds int `mapstructure:"killGraceSeconds"`

	Families map[string]FamilyConfig `mapstructure:"families"`
}

// DockerConfig holds Docker client configuration for the container environment.
type DockerConfig struct {
	Host       string `mapstructure:"host"`
	APIVersion string `mapstructure:"apiVersion"`
	Network    string `mapstructure:"network"`
}

// BusConfig selects the event bus backend.
type BusConfig struct {
	// Provider is "memory" (default, in-process) or "nats" (external observers).
	Provider string     `mapstructure:"provider"`
	NATS     NATSConfig `mapstructure:"nats"`
}

// NATSConfig holds NATS connection configuration.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// StorageConfig selects the session storage backend.
type StorageConfig struct {
	// Provider is "sqlite" (default), "postgres", or "memory".
	Provider   string         `mapstructure:"provider"`
	SQLitePath string         `mapstructure:"sqlitePath"`
	Database   DatabaseConfig `mapstructure:"database"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// CollectorConfig controls context event collection persistence.
type CollectorConfig struct {
	Persist bool   `mapstructure:"persist"`
	Dir     string `mapstructure:"dir"`
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sampleRate"`
}

// TimeoutDuration returns the per-turn agent timeout as a time.Duration.
func (a *AgentsConfig) TimeoutDuration() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// KillGraceDuration returns the SIGTERM to SIGKILL delay as a time.Duration.
func (a *AgentsConfig) KillGraceDuration() time.Duration {
	return time.Duration(a.KillGraceSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	if env := os.Getenv("AGENT_CHATTER_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Logging defaults; stderr keeps stdout free for conversation output
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stderr")

	// Conversation defaults
	v.SetDefault("conversation.historyWindow", 5)
	v.SetDefault("conversation.teamTaskMaxLen", 200)

	// Queue protection defaults
	v.SetDefault("queue.maxSize", 50)
	v.SetDefault("queue.maxBranchSize", 10)
	v.SetDefault("queue.maxLocalSeq", 5)

	// Agent subprocess defaults
	v.SetDefault("agents.environment", "local")
	v.SetDefault("agents.timeoutSeconds", 300)
	v.SetDefault("agents.killGraceSeconds", 5)
	v.SetDefault("agents.families.claude-code.command", "claude")
	v.SetDefault("agents.families.openai-codex.command", "codex")
	v.SetDefault("agents.families.google-gemini.command", "gemini")

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.network", "")

	// Bus defaults - memory keeps everything in-process
	v.SetDefault("bus.provider", "memory")
	v.SetDefault("bus.nats.url", "")
	v.SetDefault("bus.nats.clientId", "agent-chatter")
	v.SetDefault("bus.nats.maxReconnects", 10)

	// Storage defaults
	v.SetDefault("storage.provider", "sqlite")
	v.SetDefault("storage.sqlitePath", filepath.Join(".agent-chatter", "sessions.db"))
	v.SetDefault("storage.database.host", "")
	v.SetDefault("storage.database.port", 5432)
	v.SetDefault("storage.database.user", "agentchatter")
	v.SetDefault("storage.database.password", "")
	v.SetDefault("storage.database.dbName", "agentchatter")
	v.SetDefault("storage.database.sslMode", "disable")
	v.SetDefault("storage.database.maxConns", 10)
	v.SetDefault("storage.database.minConns", 2)

	// Collector defaults
	v.SetDefault("collector.persist", false)
	v.SetDefault("collector.dir", filepath.Join(".agent-chatter", "logs"))

	// Tracing defaults
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.sampleRate", 1.0)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix AGENT_CHATTER_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory,
// ./.agent-chatter/, or $HOME/.agent-chatter/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("AGENT_CHATTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for snake_case env vars (camelCase config keys)
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("agents.timeoutSeconds", "AGENT_CHATTER_AGENTS_TIMEOUT_SECONDS")
	_ = v.BindEnv("storage.sqlitePath", "AGENT_CHATTER_STORAGE_SQLITE_PATH")
	_ = v.BindEnv("conversation.historyWindow", "AGENT_CHATTER_CONVERSATION_HISTORY_WINDOW")
	_ = v.BindEnv("bus.nats.url", "AGENT_CHATTER_BUS_NATS_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./.agent-chatter")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".agent-chatter"))
	}

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

// maxAgentTimeout is the hard cap on a single agent turn.
const maxAgentTimeout = 30 * time.Minute

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	// Conversation validation
	if cfg.Conversation.HistoryWindow <= 0 {
		errs = append(errs, "conversation.historyWindow must be positive")
	}
	if cfg.Conversation.TeamTaskMaxLen <= 0 {
		errs = append(errs, "conversation.teamTaskMaxLen must be positive")
	}

	// Queue validation
	if cfg.Queue.MaxSize <= 0 {
		errs = append(errs, "queue.maxSize must be positive")
	}
	if cfg.Queue.MaxBranchSize <= 0 {
		errs = append(errs, "queue.maxBranchSize must be positive")
	}
	if cfg.Queue.MaxLocalSeq <= 0 {
		errs = append(errs, "queue.maxLocalSeq must be positive")
	}

	// Agent validation
	if cfg.Agents.Environment != "local" && cfg.Agents.Environment != "docker" {
		errs = append(errs, "agents.environment must be one of: local, docker")
	}
	if cfg.Agents.TimeoutSeconds <= 0 {
		errs = append(errs, "agents.timeoutSeconds must be positive")
	} else if time.Duration(cfg.Agents.TimeoutSeconds)*time.Second > maxAgentTimeout {
		errs = append(errs, "agents.timeoutSeconds must not exceed 1800 (30 minutes)")
	}
	if cfg.Agents.KillGraceSeconds <= 0 {
		errs = append(errs, "agents.killGraceSeconds must be positive")
	}

	// Bus validation
	switch cfg.Bus.Provider {
	case "memory":
	case "nats":
		if cfg.Bus.NATS.URL == "" {
			errs = append(errs, "bus.nats.url is required when bus.provider is nats")
		}
	default:
		errs = append(errs, "bus.provider must be one of: memory, nats")
	}

	// Storage validation
	switch cfg.Storage.Provider {
	case "memory":
	case "sqlite":
		if cfg.Storage.SQLitePath == "" {
			errs = append(errs, "storage.sqlitePath is required when storage.provider is sqlite")
		}
	case "postgres":
		if cfg.Storage.Database.Host == "" {
			errs = append(errs, "storage.database.host is required when storage.provider is postgres")
		}
		if cfg.Storage.Database.User == "" {
			errs = append(errs, "storage.database.user is required when storage.provider is postgres")
		}
		if cfg.Storage.Database.DBName == "" {
			errs = append(errs, "storage.database.dbName is required when storage.provider is postgres")
		}
	default:
		errs = append(errs, "storage.provider must be one of: sqlite, postgres, memory")
	}

	// Collector validation
	if cfg.Collector.Persist && cfg.Collector.Dir == "" {
		errs = append(errs, "collector.dir is required when collector.persist is enabled")
	}

	// Tracing validation
	if cfg.Tracing.Enabled && cfg.Tracing.Endpoint == "" {
		errs = append(errs, "tracing.endpoint is required when tracing.enabled is set")
	}
	if cfg.Tracing.SampleRate < 0 || cfg.Tracing.SampleRate > 1 {
		errs = append(errs, "tracing.sampleRate must be between 0 and 1")
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
