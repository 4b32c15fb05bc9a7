// Package config provides configuration management for Knowva.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Knowva.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	LLM      LLMConfig      `mapstructure:"llm"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds conversation database configuration.
// An empty path means conversations are kept in memory only.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL means the in-memory event bus is used.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LLMConfig holds language model configuration.
type LLMConfig struct {
	APIKey    string `mapstructure:"apiKey"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"maxTokens"`
}

// MCPConfig holds MCP server connection configuration.
type MCPConfig struct {
	// ServersFile is the path to a JSON file with MCP server definitions.
	// When empty, the embedded defaults are used.
	ServersFile string `mapstructure:"serversFile"`

	// CallTimeout is the default per-tool-call timeout in seconds.
	CallTimeout int `mapstructure:"callTimeout"`

	// ConnectTimeout bounds session establishment in seconds.
	ConnectTimeout int `mapstructure:"connectTimeout"`

	// HealthInterval is the period of the health-check sweep in seconds.
	// Zero disables the sweep.
	HealthInterval int `mapstructure:"healthInterval"`

	// MaxQueryIterations caps the model/tool exchange per query.
	MaxQueryIterations int `mapstructure:"maxQueryIterations"`

	// QueryTimeout bounds a whole query, tool calls included, in seconds.
	QueryTimeout int `mapstructure:"queryTimeout"`
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

// CallTimeoutDuration returns the default tool-call timeout as a time.Duration.
func (m *MCPConfig) CallTimeoutDuration() time.Duration {
	return time.Duration(m.CallTimeout) * time.Second
}

// ConnectTimeoutDuration returns the connect timeout as a time.Duration.
func (m *MCPConfig) ConnectTimeoutDuration() time.Duration {
	return time.Duration(m.ConnectTimeout) * time.Second
}

// HealthIntervalDuration returns the health sweep period as a time.Duration.
func (m *MCPConfig) HealthIntervalDuration() time.Duration {
	return time.Duration(m.HealthInterval) * time.Second
}

// QueryTimeoutDuration returns the overall query deadline as a time.Duration.
func (m *MCPConfig) QueryTimeoutDuration() time.Duration {
	return time.Duration(m.QueryTimeout) * time.Second
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
	if env := os.Getenv("KNOWVA_ENV"); env == "production" || env == "prod" {
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

	// Database defaults - empty path means in-memory conversation store
	v.SetDefault("database.path", "")

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "knowva-client")
	v.SetDefault("nats.maxReconnects", 10)

	// LLM defaults
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.maxTokens", 4096)

	// MCP defaults
	v.SetDefault("mcp.serversFile", "")
	v.SetDefault("mcp.callTimeout", 30)
	v.SetDefault("mcp.connectTimeout", 30)
	v.SetDefault("mcp.healthInterval", 60)
	v.SetDefault("mcp.maxQueryIterations", 8)
	v.SetDefault("mcp.queryTimeout", 300)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix KNOWVA_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/knowva/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("KNOWVA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars whose names differ from the config keys.
	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("llm.apiKey", "ANTHROPIC_API_KEY", "KNOWVA_LLM_API_KEY")
	_ = v.BindEnv("llm.model", "KNOWVA_LLM_MODEL")
	_ = v.BindEnv("llm.maxTokens", "KNOWVA_LLM_MAX_TOKENS")
	_ = v.BindEnv("mcp.serversFile", "KNOWVA_MCP_SERVERS_FILE")
	_ = v.BindEnv("database.path", "KNOWVA_DB_PATH")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/knowva/")

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

	// LLM validation - key is optional at load time so connection-only
	// deployments work; the query path rejects requests without it.
	if cfg.LLM.MaxTokens <= 0 {
		errs = append(errs, "llm.maxTokens must be positive")
	}

	// MCP validation
	if cfg.MCP.CallTimeout <= 0 {
		errs = append(errs, "mcp.callTimeout must be positive")
	}
	if cfg.MCP.ConnectTimeout <= 0 {
		errs = append(errs, "mcp.connectTimeout must be positive")
	}
	if cfg.MCP.MaxQueryIterations <= 0 {
		errs = append(errs, "mcp.maxQueryIterations must be positive")
	}
	if cfg.MCP.QueryTimeout <= 0 {
		errs = append(errs, "mcp.queryTimeout must be positive")
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

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
