package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
)

// Config represents the main Nia configuration
type Config struct {
	// Engine tunables for the agent loop
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Persona
	Persona PersonaConfig `json:"persona" mapstructure:"persona"`

	// Models
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// AI provider credentials
	AI AIConfig `json:"ai" mapstructure:"ai"`

	// Telegram
	Telegram TelegramConfig `json:"telegram" mapstructure:"telegram"`

	// Channels
	Channels ChannelsConfig `json:"channels" mapstructure:"channels"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Memory
	Memory MemoryConfig `json:"memory" mapstructure:"memory"`

	// Skills
	Skills SkillsConfig `json:"skills" mapstructure:"skills"`

	// Reminders
	Reminders RemindersConfig `json:"reminders" mapstructure:"reminders"`

	// Sessions maintenance
	Sessions SessionsConfig `json:"sessions" mapstructure:"sessions"`

	// Sandbox for the exec tool
	Sandbox SandboxConfig `json:"sandbox" mapstructure:"sandbox"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// EngineConfig bounds the agent loop and its tool dispatch.
type EngineConfig struct {
	MaxIterations         int `json:"max_iterations" mapstructure:"max_iterations"`
	SubagentMaxIterations int `json:"subagent_max_iterations" mapstructure:"subagent_max_iterations"`
	SubagentLimit         int `json:"subagent_limit" mapstructure:"subagent_limit"`
	ToolTimeoutSeconds    int `json:"tool_timeout_seconds" mapstructure:"tool_timeout_seconds"`
	ToolResultMaxChars    int `json:"tool_result_max_chars" mapstructure:"tool_result_max_chars"`
	ProviderRetries       int `json:"provider_retries" mapstructure:"provider_retries"`
	ContextBudgetTokens   int `json:"context_budget_tokens" mapstructure:"context_budget_tokens"`
}

// PersonaConfig shapes the assistant identity baked into the system prompt.
type PersonaConfig struct {
	Name         string `json:"name" mapstructure:"name"`
	SystemPrompt string `json:"system_prompt" mapstructure:"system_prompt"`
	Workspace    string `json:"workspace" mapstructure:"workspace"`
}

// ModelsConfig holds model configuration
type ModelsConfig struct {
	Default  string            `json:"default" mapstructure:"default"`
	Aliases  map[string]string `json:"aliases" mapstructure:"aliases"`
	Fallback []string          `json:"fallback" mapstructure:"fallback"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, gemini
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	BotToken  string  `json:"bot_token" mapstructure:"bot_token"`
	DMPolicy  string  `json:"dm_policy" mapstructure:"dm_policy"` // allowlist, open, disabled
	Allowlist []int64 `json:"allowlist" mapstructure:"allowlist"`
}

// ChannelsConfig holds channel configuration
type ChannelsConfig struct {
	CLI      ChannelConfig `json:"cli" mapstructure:"cli"`
	Telegram ChannelConfig `json:"telegram" mapstructure:"telegram"`
	Gateway  ChannelConfig `json:"gateway" mapstructure:"gateway"`
}

// ChannelConfig represents a channel configuration
type ChannelConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// GatewayConfig holds the local WebSocket gateway configuration
type GatewayConfig struct {
	Host         string `json:"host" mapstructure:"host"`
	Port         int    `json:"port" mapstructure:"port"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// MemoryConfig holds long-term memory configuration
type MemoryConfig struct {
	Enabled        bool   `json:"enabled" mapstructure:"enabled"`
	EmbeddingModel string `json:"embedding_model" mapstructure:"embedding_model"`
	TopK           int    `json:"top_k" mapstructure:"top_k"`
}

// SkillsConfig holds skill pack configuration
type SkillsConfig struct {
	Dir   string `json:"dir" mapstructure:"dir"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// RemindersConfig holds reminder scheduler configuration
type RemindersConfig struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`
}

// SessionsConfig tunes background session maintenance.
type SessionsConfig struct {
	// ArchiveAfterMinutes moves sessions idle for this long into the
	// archive directory. Zero disables the archiver.
	ArchiveAfterMinutes int `json:"archive_after_minutes" mapstructure:"archive_after_minutes"`
	// RetainArchivedDays drops archived sessions older than this.
	// Zero disables the retention sweep.
	RetainArchivedDays int `json:"retain_archived_days" mapstructure:"retain_archived_days"`
}

// SandboxConfig selects how the exec tool isolates commands.
type SandboxConfig struct {
	Runtime     string `json:"runtime" mapstructure:"runtime"` // host, docker
	DockerImage string `json:"docker_image" mapstructure:"docker_image"`
	Network     bool   `json:"network" mapstructure:"network"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			MaxIterations:         20,
			SubagentMaxIterations: 15,
			SubagentLimit:         3,
			ToolTimeoutSeconds:    30,
			ToolResultMaxChars:    30000,
			ProviderRetries:       3,
			ContextBudgetTokens:   100000,
		},
		Persona: PersonaConfig{
			Name: "Nia",
		},
		Models: ModelsConfig{
			Default: "claude-sonnet-4",
			Aliases: map[string]string{
				"opus":   "claude-opus-4",
				"sonnet": "claude-sonnet-4",
				"gpt4":   "gpt-4-turbo",
			},
			Fallback: []string{"claude-sonnet-4", "gpt-4-turbo"},
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Telegram: TelegramConfig{
			DMPolicy: "allowlist",
		},
		Channels: ChannelsConfig{
			CLI:      ChannelConfig{Enabled: true},
			Telegram: ChannelConfig{Enabled: false},
			Gateway:  ChannelConfig{Enabled: false},
		},
		Gateway: GatewayConfig{
			Host: "127.0.0.1",
			Port: 3883,
		},
		Memory: MemoryConfig{
			Enabled:        true,
			EmbeddingModel: "text-embedding-3-small",
			TopK:           5,
		},
		Skills: SkillsConfig{
			Watch: true,
		},
		Reminders: RemindersConfig{
			Enabled: true,
		},
		Sessions: SessionsConfig{
			ArchiveAfterMinutes: 30,
			RetainArchivedDays:  7,
		},
		Sandbox: SandboxConfig{
			Runtime: "host",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		DataDir: "",
	}
}

// SessionsDir returns the directory holding session transcripts.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.DataDir, "sessions")
}

// MemoryDBPath returns the long-term memory database path.
func (c *Config) MemoryDBPath() string {
	return filepath.Join(c.DataDir, "memory.db")
}

// SkillsPath returns the skills directory, honoring an explicit override.
func (c *Config) SkillsPath() string {
	if c.Skills.Dir != "" {
		return c.Skills.Dir
	}
	return filepath.Join(c.DataDir, "skills")
}

// RemindersPath returns the reminder store path.
func (c *Config) RemindersPath() string {
	return filepath.Join(c.DataDir, "reminders.json")
}

// AuditPath returns the audit trail path.
func (c *Config) AuditPath() string {
	return filepath.Join(c.DataDir, "audit.jsonl")
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Require at least one AI profile
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}

	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.Provider == "" {
			return fmt.Errorf("AI profile %s: provider is required", profile.ID)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		validProviders := []string{"anthropic", "openai", "gemini"}
		valid := false
		for _, vp := range validProviders {
			if profile.Provider == vp {
				valid = true
				break
			}
		}
		if !valid {
			return fmt.Errorf("AI profile %s: invalid provider %s (must be: anthropic, openai, gemini)", profile.ID, profile.Provider)
		}
	}

	if c.Models.Default == "" {
		return fmt.Errorf("models.default is required")
	}

	if c.Engine.MaxIterations <= 0 {
		return fmt.Errorf("engine.max_iterations must be positive")
	}
	if c.Engine.SubagentMaxIterations <= 0 {
		return fmt.Errorf("engine.subagent_max_iterations must be positive")
	}
	if c.Engine.SubagentLimit <= 0 {
		return fmt.Errorf("engine.subagent_limit must be positive")
	}
	if c.Engine.ToolTimeoutSeconds <= 0 {
		return fmt.Errorf("engine.tool_timeout_seconds must be positive")
	}
	if c.Engine.ContextBudgetTokens < 1000 {
		return fmt.Errorf("engine.context_budget_tokens must be at least 1000")
	}

	switch c.Sandbox.Runtime {
	case "", "host", "docker":
	default:
		return fmt.Errorf("invalid sandbox runtime: %s (must be: host, docker)", c.Sandbox.Runtime)
	}

	// Validate Telegram if enabled
	if c.Channels.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram bot token is required when Telegram channel is enabled")
		}
		if c.Telegram.DMPolicy != "" && c.Telegram.DMPolicy != "allowlist" && c.Telegram.DMPolicy != "open" && c.Telegram.DMPolicy != "disabled" {
			return fmt.Errorf("invalid telegram DM policy: %s", c.Telegram.DMPolicy)
		}
	}

	return nil
}
