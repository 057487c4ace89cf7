// Package config provides configuration management for Vibe80.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Deployment modes.
const (
	ModeMonoUser  = "mono_user"
	ModeMultiUser = "multi_user"
)

// Storage backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds all configuration sections for Vibe80.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Deployment DeploymentConfig `mapstructure:"deployment"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Session    SessionConfig    `mapstructure:"session"`
	Agent      AgentConfig      `mapstructure:"agent"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DeploymentConfig selects between the single-user development mode and the
// multi-user mode with one OS account per workspace.
type DeploymentConfig struct {
	Mode string `mapstructure:"mode"` // mono_user, multi_user
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	Backend        string `mapstructure:"backend"` // sqlite, redis
	SQLitePath     string `mapstructure:"sqlitePath"`
	RedisURL       string `mapstructure:"redisUrl"`
	RedisKeyPrefix string `mapstructure:"redisKeyPrefix"`
}

// WorkspaceConfig holds the filesystem layout and the helper binaries used to
// act on workspace-owned files.
type WorkspaceConfig struct {
	RootDirectory string `mapstructure:"rootDirectory"` // <WORKSPACE_ROOT>
	HomeBase      string `mapstructure:"homeBase"`      // base for workspace HOME dirs
	ServerGroup   string `mapstructure:"serverGroup"`   // group owning workspace.secret reads
	RunAsPath     string `mapstructure:"runAsPath"`
	ProvisionPath string `mapstructure:"provisionPath"`
	SudoPath      string `mapstructure:"sudoPath"`
}

// AuthConfig holds token issuance configuration.
type AuthConfig struct {
	JWTKeyPath      string `mapstructure:"jwtKeyPath"`
	AccessTokenTTL  int    `mapstructure:"accessTokenTtl"`  // in seconds
	RefreshTokenTTL int    `mapstructure:"refreshTokenTtl"` // in seconds
	OverlapWindow   int    `mapstructure:"overlapWindow"`   // in seconds
	HandoffTTL      int    `mapstructure:"handoffTtl"`      // in seconds
	MonoTokenTTL    int    `mapstructure:"monoTokenTtl"`    // in seconds
}

// SessionConfig holds session and worktree lifecycle configuration.
type SessionConfig struct {
	WorktreeQuota int `mapstructure:"worktreeQuota"` // max active worktrees per session
	CloneTimeout  int `mapstructure:"cloneTimeout"`  // in seconds
}

// AgentConfig holds agent subprocess configuration.
type AgentConfig struct {
	SpawnTimeout  int    `mapstructure:"spawnTimeout"`  // startup deadline in seconds
	CancelGrace   int    `mapstructure:"cancelGrace"`   // SIGTERM to SIGKILL window in seconds
	PingInterval  int    `mapstructure:"pingInterval"`  // agent keepalive in seconds
	ProvidersFile string `mapstructure:"providersFile"` // optional custom provider registry
	MockAgentPath string `mapstructure:"mockAgentPath"` // mock agent binary for dev runs
}

// NATSConfig holds NATS messaging configuration. Empty URL means the
// in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// MonoUser reports whether the server runs in single-user mode.
func (d *DeploymentConfig) MonoUser() bool {
	return d.Mode == ModeMonoUser
}

// AccessTokenDuration returns the access token TTL as a time.Duration.
func (a *AuthConfig) AccessTokenDuration() time.Duration {
	return time.Duration(a.AccessTokenTTL) * time.Second
}

// RefreshTokenDuration returns the refresh token TTL as a time.Duration.
func (a *AuthConfig) RefreshTokenDuration() time.Duration {
	return time.Duration(a.RefreshTokenTTL) * time.Second
}

// OverlapWindowDuration returns the previous-refresh overlap as a time.Duration.
func (a *AuthConfig) OverlapWindowDuration() time.Duration {
	return time.Duration(a.OverlapWindow) * time.Second
}

// HandoffDuration returns the handoff token TTL as a time.Duration.
func (a *AuthConfig) HandoffDuration() time.Duration {
	return time.Duration(a.HandoffTTL) * time.Second
}

// MonoTokenDuration returns the mono-auth token TTL as a time.Duration.
func (a *AuthConfig) MonoTokenDuration() time.Duration {
	return time.Duration(a.MonoTokenTTL) * time.Second
}

// CloneTimeoutDuration returns the clone timeout as a time.Duration.
func (s *SessionConfig) CloneTimeoutDuration() time.Duration {
	return time.Duration(s.CloneTimeout) * time.Second
}

// SpawnTimeoutDuration returns the agent startup deadline as a time.Duration.
func (a *AgentConfig) SpawnTimeoutDuration() time.Duration {
	return time.Duration(a.SpawnTimeout) * time.Second
}

// CancelGraceDuration returns the SIGTERM-to-SIGKILL window as a time.Duration.
func (a *AgentConfig) CancelGraceDuration() time.Duration {
	return time.Duration(a.CancelGrace) * time.Second
}

// PingIntervalDuration returns the agent keepalive interval as a time.Duration.
func (a *AgentConfig) PingIntervalDuration() time.Duration {
	return time.Duration(a.PingInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("VIBE80_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Deployment defaults
	v.SetDefault("deployment.mode", ModeMonoUser)

	// Storage defaults
	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.sqlitePath", "./vibe80.db")
	v.SetDefault("storage.redisUrl", "")
	v.SetDefault("storage.redisKeyPrefix", "vibe80")

	// Workspace defaults
	v.SetDefault("workspace.rootDirectory", "/srv/vibe80/workspaces")
	v.SetDefault("workspace.homeBase", "/home")
	v.SetDefault("workspace.serverGroup", "vibe80")
	v.SetDefault("workspace.runAsPath", "/usr/local/bin/run-as")
	v.SetDefault("workspace.provisionPath", "/usr/local/bin/create-workspace")
	v.SetDefault("workspace.sudoPath", "/usr/bin/sudo")

	// Auth defaults
	v.SetDefault("auth.jwtKeyPath", "")
	v.SetDefault("auth.accessTokenTtl", 3600)          // 1 hour
	v.SetDefault("auth.refreshTokenTtl", 30*24*60*60)  // 30 days
	v.SetDefault("auth.overlapWindow", 60)             // 1 minute
	v.SetDefault("auth.handoffTtl", 120)               // 2 minutes
	v.SetDefault("auth.monoTokenTtl", 24*60*60)        // 1 day

	// Session defaults
	v.SetDefault("session.worktreeQuota", 10)
	v.SetDefault("session.cloneTimeout", 300)

	// Agent defaults
	v.SetDefault("agent.spawnTimeout", 60)
	v.SetDefault("agent.cancelGrace", 5)
	v.SetDefault("agent.pingInterval", 30)
	v.SetDefault("agent.providersFile", "")
	v.SetDefault("agent.mockAgentPath", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "vibe80")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix VIBE80_ with snake_case naming; the
// documented deployment variables (DEPLOYMENT_MODE, STORAGE_BACKEND, ...) are
// bound without the prefix.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("VIBE80")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the documented deployment environment.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we bind keys where env var naming differs from config key naming.
	_ = v.BindEnv("deployment.mode", "DEPLOYMENT_MODE", "VIBE80_DEPLOYMENT_MODE")
	_ = v.BindEnv("storage.backend", "STORAGE_BACKEND", "VIBE80_STORAGE_BACKEND")
	_ = v.BindEnv("storage.sqlitePath", "SQLITE_PATH", "VIBE80_SQLITE_PATH")
	_ = v.BindEnv("storage.redisUrl", "REDIS_URL", "VIBE80_REDIS_URL")
	_ = v.BindEnv("storage.redisKeyPrefix", "REDIS_KEY_PREFIX", "VIBE80_REDIS_KEY_PREFIX")
	_ = v.BindEnv("auth.jwtKeyPath", "JWT_KEY_PATH", "VIBE80_JWT_KEY_PATH")
	_ = v.BindEnv("auth.monoTokenTtl", "MONO_AUTH_TOKEN_TTL", "VIBE80_MONO_AUTH_TOKEN_TTL")
	_ = v.BindEnv("workspace.rootDirectory", "WORKSPACE_ROOT_DIRECTORY", "VIBE80_WORKSPACE_ROOT_DIRECTORY")
	_ = v.BindEnv("workspace.homeBase", "WORKSPACE_HOME_BASE", "VIBE80_WORKSPACE_HOME_BASE")
	_ = v.BindEnv("server.port", "PORT", "VIBE80_SERVER_PORT")
	_ = v.BindEnv("nats.url", "VIBE80_NATS_URL")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/vibe80/")

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
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Deployment.Mode {
	case ModeMonoUser, ModeMultiUser:
	default:
		errs = append(errs, "deployment.mode must be one of: mono_user, multi_user")
	}

	switch cfg.Storage.Backend {
	case BackendSQLite:
		if cfg.Storage.SQLitePath == "" {
			errs = append(errs, "storage.sqlitePath is required for the sqlite backend")
		}
	case BackendRedis:
		if cfg.Storage.RedisURL == "" {
			errs = append(errs, "storage.redisUrl is required for the redis backend")
		}
	default:
		errs = append(errs, "storage.backend must be one of: sqlite, redis")
	}

	if cfg.Deployment.Mode == ModeMultiUser {
		if cfg.Workspace.RootDirectory == "" {
			errs = append(errs, "workspace.rootDirectory is required in multi_user mode")
		}
		if cfg.Workspace.HomeBase == "" {
			errs = append(errs, "workspace.homeBase is required in multi_user mode")
		}
	}

	if cfg.Auth.AccessTokenTTL <= 0 {
		errs = append(errs, "auth.accessTokenTtl must be positive")
	}
	if cfg.Auth.RefreshTokenTTL <= 0 {
		errs = append(errs, "auth.refreshTokenTtl must be positive")
	}
	if cfg.Auth.OverlapWindow < 0 {
		errs = append(errs, "auth.overlapWindow must not be negative")
	}

	if cfg.Session.WorktreeQuota <= 0 {
		errs = append(errs, "session.worktreeQuota must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
