// Package config provides configuration management for oppi.
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

// Config holds all configuration sections for the oppi host daemon.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Gate    GateConfig    `mapstructure:"gate"`
	Session SessionConfig `mapstructure:"session"`
	Stream  StreamConfig  `mapstructure:"stream"`
	Policy  PolicyConfig  `mapstructure:"policy"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
	Store   StoreConfig   `mapstructure:"store"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Push    PushConfig    `mapstructure:"push"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the gateway HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// GateConfig holds per-session gate configuration.
type GateConfig struct {
	// ApprovalTimeout is the seconds an `ask` decision waits for the owner.
	// 0 means pending decisions never expire.
	ApprovalTimeout int `mapstructure:"approvalTimeout"`

	// HeartbeatInterval is the expected agent heartbeat period in seconds.
	HeartbeatInterval int `mapstructure:"heartbeatInterval"`

	// HeartbeatTimeout is the seconds without a heartbeat before the guard
	// drops to fail_safe.
	HeartbeatTimeout int `mapstructure:"heartbeatTimeout"`
}

// SessionConfig holds session orchestrator configuration.
type SessionConfig struct {
	IdleTimeout    int `mapstructure:"idleTimeout"`    // in seconds
	RingCapacity   int `mapstructure:"ringCapacity"`   // durable events retained per session
	PersistDelay   int `mapstructure:"persistDelay"`   // debounce for session persistence, in milliseconds
	ReadyProbe     int `mapstructure:"readyProbe"`     // seconds to wait for backend readiness
}

// StreamConfig holds the owner stream multiplexer configuration.
type StreamConfig struct {
	UserRingCapacity int `mapstructure:"userRingCapacity"` // frames retained per connection stream
	HighWaterMark    int `mapstructure:"highWaterMark"`    // outbound buffered bytes before deltas are dropped
}

// PolicyConfig holds rule store and policy engine file locations.
type PolicyConfig struct {
	RulesPath    string `mapstructure:"rulesPath"`    // persisted global/workspace rules
	ConfigPath   string `mapstructure:"configPath"`   // declarative policy config JSON
	AuditPath    string `mapstructure:"auditPath"`    // audit JSONL
	AuditMaxSize int64  `mapstructure:"auditMaxSize"` // rotation threshold in bytes
}

// ProxyConfig holds the auth proxy configuration.
type ProxyConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	CredentialsPath string `mapstructure:"credentialsPath"`
}

// StoreConfig holds document store paths.
type StoreConfig struct {
	Dir          string `mapstructure:"dir"`          // root for config.json, sessions/, workspaces/
	MessagesPath string `mapstructure:"messagesPath"` // sqlite file for session message history
}

// AgentConfig holds the agent process launch configuration.
type AgentConfig struct {
	// Command is the agent binary plus fixed arguments, launched once per
	// activated session.
	Command []string `mapstructure:"command"`
}

// PushConfig holds push sink configuration.
type PushConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
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

// ApprovalTimeoutDuration returns the approval timeout as a time.Duration.
// Zero means approvals never expire.
func (g *GateConfig) ApprovalTimeoutDuration() time.Duration {
	return time.Duration(g.ApprovalTimeout) * time.Second
}

// HeartbeatTimeoutDuration returns the heartbeat timeout as a time.Duration.
func (g *GateConfig) HeartbeatTimeoutDuration() time.Duration {
	return time.Duration(g.HeartbeatTimeout) * time.Second
}

// IdleTimeoutDuration returns the idle timeout as a time.Duration.
func (s *SessionConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// PersistDelayDuration returns the persistence debounce as a time.Duration.
func (s *SessionConfig) PersistDelayDuration() time.Duration {
	return time.Duration(s.PersistDelay) * time.Millisecond
}

func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("OPPI_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

func defaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".oppi"
	}
	return filepath.Join(home, ".oppi")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	home := defaultHome()

	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8991)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Gate defaults
	v.SetDefault("gate.approvalTimeout", 120)
	v.SetDefault("gate.heartbeatInterval", 15)
	v.SetDefault("gate.heartbeatTimeout", 45)

	// Session defaults
	v.SetDefault("session.idleTimeout", 600)
	v.SetDefault("session.ringCapacity", 1000)
	v.SetDefault("session.persistDelay", 1000)
	v.SetDefault("session.readyProbe", 30)

	// Stream defaults
	v.SetDefault("stream.userRingCapacity", 2000)
	v.SetDefault("stream.highWaterMark", 64*1024)

	// Policy defaults
	v.SetDefault("policy.rulesPath", filepath.Join(home, "rules.json"))
	v.SetDefault("policy.configPath", filepath.Join(home, "policy.json"))
	v.SetDefault("policy.auditPath", filepath.Join(home, "audit.jsonl"))
	v.SetDefault("policy.auditMaxSize", int64(10*1024*1024))

	// Proxy defaults
	v.SetDefault("proxy.host", "127.0.0.1")
	v.SetDefault("proxy.port", 8992)
	v.SetDefault("proxy.credentialsPath", filepath.Join(home, "credentials.json"))

	// Store defaults
	v.SetDefault("store.dir", home)
	v.SetDefault("store.messagesPath", filepath.Join(home, "messages.db"))

	// Agent defaults
	v.SetDefault("agent.command", []string{"oppi-agent"})

	// Push defaults
	v.SetDefault("push.enabled", false)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "oppi-host")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix OPPI_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or ~/.oppi/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("OPPI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion,
	// so we explicitly bind keys where env var naming differs.
	_ = v.BindEnv("gate.approvalTimeout", "OPPI_GATE_APPROVAL_TIMEOUT")
	_ = v.BindEnv("session.idleTimeout", "OPPI_SESSION_IDLE_TIMEOUT")
	_ = v.BindEnv("proxy.credentialsPath", "OPPI_PROXY_CREDENTIALS_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultHome())

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
	if cfg.Proxy.Port <= 0 || cfg.Proxy.Port > 65535 {
		errs = append(errs, "proxy.port must be between 1 and 65535")
	}

	// Approval timeout may be 0 (never expire) but not negative, and is
	// clamped to one year.
	if cfg.Gate.ApprovalTimeout < 0 || cfg.Gate.ApprovalTimeout > 365*24*3600 {
		errs = append(errs, "gate.approvalTimeout must be between 0 and 31536000 seconds")
	}
	if cfg.Gate.HeartbeatTimeout <= 0 {
		errs = append(errs, "gate.heartbeatTimeout must be positive")
	}

	if cfg.Session.RingCapacity <= 0 {
		errs = append(errs, "session.ringCapacity must be positive")
	}
	if cfg.Stream.UserRingCapacity <= 0 {
		errs = append(errs, "stream.userRingCapacity must be positive")
	}
	if cfg.Stream.HighWaterMark <= 0 {
		errs = append(errs, "stream.highWaterMark must be positive")
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
