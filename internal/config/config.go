package config

import (
	"encoding/json"
	"errors"
	"net"
	"strconv"
	"time"
)

// Config represents the main sqlsaber configuration
type Config struct {
	// HTTP server
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Thread and message store
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Database connection / model config registry
	Registry RegistryConfig `json:"registry" mapstructure:"registry"`

	// Agent loop
	Agent AgentConfig `json:"agent" mapstructure:"agent"`

	// SQL tools
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	// Run queue
	Queue QueueConfig `json:"queue" mapstructure:"queue"`

	// Stale-run recovery
	Recovery RecoveryConfig `json:"recovery" mapstructure:"recovery"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host               string `json:"host" mapstructure:"host"`
	Port               int    `json:"port" mapstructure:"port"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"` // 0 disables
	// TrustProxyHeaders keys rate limiting on X-Forwarded-For/X-Real-IP.
	// Enable only behind a reverse proxy that overwrites them.
	TrustProxyHeaders bool `json:"trust_proxy_headers" mapstructure:"trust_proxy_headers"`
}

// StoreConfig holds store configuration
type StoreConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// RegistryConfig points at the YAML registry file
type RegistryConfig struct {
	Path  string `json:"path" mapstructure:"path"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// AgentConfig holds agent loop configuration
type AgentConfig struct {
	TurnBudget            int `json:"turn_budget" mapstructure:"turn_budget"`
	MaxRetries            int `json:"max_retries" mapstructure:"max_retries"`
	RetryBaseDelayMs      int `json:"retry_base_delay_ms" mapstructure:"retry_base_delay_ms"`
	MaxTokens             int `json:"max_tokens" mapstructure:"max_tokens"`
	ThinkingBudgetTokens  int `json:"thinking_budget_tokens" mapstructure:"thinking_budget_tokens"` // 0 disables
	RequestTimeoutSeconds int `json:"request_timeout_seconds" mapstructure:"request_timeout_seconds"`
}

// ToolsConfig holds SQL tool configuration
type ToolsConfig struct {
	RowLimit       int `json:"row_limit" mapstructure:"row_limit"`
	TimeoutSeconds int `json:"timeout_seconds" mapstructure:"timeout_seconds"`
}

// QueueConfig holds run queue configuration
type QueueConfig struct {
	Workers int `json:"workers" mapstructure:"workers"`
}

// RecoveryConfig holds stale-run recovery configuration
type RecoveryConfig struct {
	Schedule          string `json:"schedule" mapstructure:"schedule"` // cron spec or @every
	StaleAfterSeconds int    `json:"stale_after_seconds" mapstructure:"stale_after_seconds"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:               "127.0.0.1",
			Port:               8420,
			RateLimitPerMinute: 60,
		},
		Registry: RegistryConfig{
			Watch: true,
		},
		Agent: AgentConfig{
			TurnBudget:            12,
			MaxRetries:            2,
			RetryBaseDelayMs:      1000,
			MaxTokens:             8192,
			ThinkingBudgetTokens:  0,
			RequestTimeoutSeconds: 120,
		},
		Tools: ToolsConfig{
			RowLimit:       1000,
			TimeoutSeconds: 30,
		},
		Queue: QueueConfig{
			Workers: 4,
		},
		Recovery: RecoveryConfig{
			Schedule:          "@every 1m",
			StaleAfterSeconds: 900,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// Addr returns host:port for the HTTP listener
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// RetryBaseDelay returns the provider retry base delay
func (a AgentConfig) RetryBaseDelay() time.Duration {
	return time.Duration(a.RetryBaseDelayMs) * time.Millisecond
}

// RequestTimeout returns the per-call provider timeout
func (a AgentConfig) RequestTimeout() time.Duration {
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// Timeout returns the per-call tool timeout
func (t ToolsConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// StaleAfter returns how long an active thread may go without updates
// before it is considered abandoned
func (r RecoveryConfig) StaleAfter() time.Duration {
	return time.Duration(r.StaleAfterSeconds) * time.Second
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	errs := NewValidator().ValidateConfig(c)
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
