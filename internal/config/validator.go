package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct {
	parser cron.Parser
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateSchedule validates a recovery schedule (cron spec or @every)
func (v *Validator) ValidateSchedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return fmt.Errorf("recovery schedule cannot be empty")
	}
	if _, err := v.parser.Parse(spec); err != nil {
		return fmt.Errorf("invalid recovery schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateMaxTokens validates the provider token budget against the
// thinking budget, which must fit strictly inside it
func (v *Validator) ValidateMaxTokens(maxTokens, thinkingBudget int) error {
	if maxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", maxTokens)
	}
	if maxTokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", maxTokens)
	}
	if thinkingBudget < 0 {
		return fmt.Errorf("thinking budget must be >= 0, got %d", thinkingBudget)
	}
	if thinkingBudget > 0 && thinkingBudget < 1024 {
		return fmt.Errorf("thinking budget must be at least 1024 tokens, got %d", thinkingBudget)
	}
	if thinkingBudget >= maxTokens {
		return fmt.Errorf("thinking budget (%d) must be less than max tokens (%d)", thinkingBudget, maxTokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errs []error

	if err := v.ValidatePort(cfg.Server.Port); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if cfg.Server.RateLimitPerMinute < 0 {
		errs = append(errs, fmt.Errorf("server.rate_limit_per_minute must be >= 0"))
	}

	if cfg.Agent.TurnBudget <= 0 {
		errs = append(errs, fmt.Errorf("agent.turn_budget must be > 0"))
	}
	if cfg.Agent.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("agent.max_retries must be >= 0"))
	}
	if cfg.Agent.RetryBaseDelayMs < 0 {
		errs = append(errs, fmt.Errorf("agent.retry_base_delay_ms must be >= 0"))
	}
	if cfg.Agent.RequestTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("agent.request_timeout_seconds must be > 0"))
	}
	if err := v.ValidateMaxTokens(cfg.Agent.MaxTokens, cfg.Agent.ThinkingBudgetTokens); err != nil {
		errs = append(errs, fmt.Errorf("agent: %w", err))
	}

	if cfg.Tools.RowLimit <= 0 {
		errs = append(errs, fmt.Errorf("tools.row_limit must be > 0"))
	}
	if cfg.Tools.TimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("tools.timeout_seconds must be > 0"))
	}

	if cfg.Queue.Workers <= 0 {
		errs = append(errs, fmt.Errorf("queue.workers must be > 0"))
	}

	if err := v.ValidateSchedule(cfg.Recovery.Schedule); err != nil {
		errs = append(errs, err)
	}
	if cfg.Recovery.StaleAfterSeconds <= 0 {
		errs = append(errs, fmt.Errorf("recovery.stale_after_seconds must be > 0"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errs = append(errs, err)
	}

	return errs
}
