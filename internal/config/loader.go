package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	appDirName     = ".sqlsaber"
	configFileName = "sqlsaber.json"
	envPrefix      = "SQLSABER"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file (if present), applies SQLSABER_* environment
// overrides and fills derived paths.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}

	v := newViper(configPath)

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.applyDerivedPaths(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	// AutomaticEnv only resolves keys viper already knows about, so every
	// leaf gets a default.
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.rate_limit_per_minute", cfg.Server.RateLimitPerMinute)
	v.SetDefault("server.trust_proxy_headers", cfg.Server.TrustProxyHeaders)
	v.SetDefault("store.path", cfg.Store.Path)
	v.SetDefault("registry.path", cfg.Registry.Path)
	v.SetDefault("registry.watch", cfg.Registry.Watch)
	v.SetDefault("agent.turn_budget", cfg.Agent.TurnBudget)
	v.SetDefault("agent.max_retries", cfg.Agent.MaxRetries)
	v.SetDefault("agent.retry_base_delay_ms", cfg.Agent.RetryBaseDelayMs)
	v.SetDefault("agent.max_tokens", cfg.Agent.MaxTokens)
	v.SetDefault("agent.thinking_budget_tokens", cfg.Agent.ThinkingBudgetTokens)
	v.SetDefault("agent.request_timeout_seconds", cfg.Agent.RequestTimeoutSeconds)
	v.SetDefault("tools.row_limit", cfg.Tools.RowLimit)
	v.SetDefault("tools.timeout_seconds", cfg.Tools.TimeoutSeconds)
	v.SetDefault("queue.workers", cfg.Queue.Workers)
	v.SetDefault("recovery.schedule", cfg.Recovery.Schedule)
	v.SetDefault("recovery.stale_after_seconds", cfg.Recovery.StaleAfterSeconds)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.console", cfg.Logging.Console)
	v.SetDefault("logging.pretty", cfg.Logging.Pretty)
	v.SetDefault("logging.max_size", cfg.Logging.MaxSize)
	v.SetDefault("logging.max_age", cfg.Logging.MaxAge)
	v.SetDefault("logging.compress", cfg.Logging.Compress)
	v.SetDefault("logging.redaction", cfg.Logging.Redaction)
	v.SetDefault("logging.audit_file", cfg.Logging.AuditFile)
	v.SetDefault("data_dir", cfg.DataDir)
}

func (c *Config) applyDerivedPaths() error {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		c.DataDir = filepath.Join(home, appDirName)
	}

	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.DataDir, "sqlsaber.db")
	}
	if c.Registry.Path == "" {
		c.Registry.Path = filepath.Join(c.DataDir, "registry.yaml")
	}
	if c.Logging.File == "" {
		c.Logging.File = filepath.Join(c.DataDir, "sqlsaber.log")
	}
	if c.Logging.AuditFile == "" {
		c.Logging.AuditFile = filepath.Join(c.DataDir, "audit.jsonl")
	}
	return nil
}

// Save writes the configuration to the config file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("server", cfg.Server)
	v.Set("store", cfg.Store)
	v.Set("registry", cfg.Registry)
	v.Set("agent", cfg.Agent)
	v.Set("tools", cfg.Tools)
	v.Set("queue", cfg.Queue)
	v.Set("recovery", cfg.Recovery)
	v.Set("logging", cfg.Logging)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, appDirName, configFileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
