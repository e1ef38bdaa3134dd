package config

import (
	"fmt"
	"regexp"
	"strings"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateTelegramToken validates a Telegram bot token
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}

	// Telegram bot tokens have format: <bot_id>:<token>
	pattern := regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)
	if !pattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}

	return nil
}

// ValidateModel validates a model name
func (v *Validator) ValidateModel(model string) error {
	if model == "" {
		return fmt.Errorf("model name cannot be empty")
	}

	knownModels := []string{
		"claude-opus-4",
		"claude-sonnet-4",
		"claude-haiku-4",
		"gpt-4-turbo",
		"gpt-4",
		"gpt-3.5-turbo",
	}

	for _, known := range knownModels {
		if model == known {
			return nil
		}
	}

	// Custom model names pass through; the provider rejects unknown ones.
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

// ValidateDMPolicy validates Telegram DM policy
func (v *Validator) ValidateDMPolicy(policy string) error {
	if policy == "" {
		return nil // Use default
	}

	validPolicies := []string{"allowlist", "open", "disabled"}
	for _, valid := range validPolicies {
		if policy == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid DM policy: %s (must be one of: %s)", policy, strings.Join(validPolicies, ", "))
}

// ValidateEngine validates agent loop bounds
func (v *Validator) ValidateEngine(e EngineConfig) []error {
	var errors []error

	if e.MaxIterations <= 0 || e.MaxIterations > 100 {
		errors = append(errors, fmt.Errorf("engine.max_iterations must be in 1..100, got %d", e.MaxIterations))
	}
	if e.SubagentMaxIterations <= 0 || e.SubagentMaxIterations > 100 {
		errors = append(errors, fmt.Errorf("engine.subagent_max_iterations must be in 1..100, got %d", e.SubagentMaxIterations))
	}
	if e.SubagentLimit <= 0 {
		errors = append(errors, fmt.Errorf("engine.subagent_limit must be positive, got %d", e.SubagentLimit))
	}
	if e.ToolTimeoutSeconds <= 0 {
		errors = append(errors, fmt.Errorf("engine.tool_timeout_seconds must be positive, got %d", e.ToolTimeoutSeconds))
	}
	if e.ToolResultMaxChars < 1000 {
		errors = append(errors, fmt.Errorf("engine.tool_result_max_chars must be at least 1000, got %d", e.ToolResultMaxChars))
	}
	if e.ProviderRetries < 0 {
		errors = append(errors, fmt.Errorf("engine.provider_retries must be >= 0, got %d", e.ProviderRetries))
	}
	if e.ContextBudgetTokens < 1000 {
		errors = append(errors, fmt.Errorf("engine.context_budget_tokens must be at least 1000, got %d", e.ContextBudgetTokens))
	}

	return errors
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for i, profile := range cfg.AI.Profiles {
		if profile.Provider != "" {
			if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
				errors = append(errors, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
			}
		}
	}

	if cfg.Channels.Telegram.Enabled && cfg.Telegram.BotToken != "" {
		if err := v.ValidateTelegramToken(cfg.Telegram.BotToken); err != nil {
			errors = append(errors, err)
		}
	}
	if err := v.ValidateDMPolicy(cfg.Telegram.DMPolicy); err != nil {
		errors = append(errors, err)
	}

	errors = append(errors, v.ValidateEngine(cfg.Engine)...)

	if err := v.ValidateModel(cfg.Models.Default); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	if cfg.Memory.Enabled && cfg.Memory.TopK <= 0 {
		errors = append(errors, fmt.Errorf("memory.top_k must be positive when memory is enabled"))
	}

	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		errors = append(errors, fmt.Errorf("gateway.port must be in 1..65535, got %d", cfg.Gateway.Port))
	}

	return errors
}
