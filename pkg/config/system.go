package config

import "time"

// SystemConfig holds resolved system-wide settings.
type SystemConfig struct {
	HumanInTheLoop      bool         // When false, approval requests auto-APPROVE
	ScenarioMode        ScenarioMode // Prompt variant (general | ctf)
	OutputMode          OutputMode   // Console verbosity (simple | default | debug)
	AllowedWSOrigins    []string     // Extra WebSocket origin patterns
	KnowledgeServiceURL string       // Base URL of the retrieval service (empty = disabled)
	Retention           *RetentionConfig
	Slack               *SlackConfig
}

// SlackConfig holds resolved Slack notification configuration.
type SlackConfig struct {
	Enabled  bool
	TokenEnv string // Env var name for the Slack bot token (default: "SLACK_BOT_TOKEN")
	Channel  string // Slack channel ID (e.g., "C12345678")
}

// RetentionConfig controls data retention and cleanup behavior.
type RetentionConfig struct {
	// SessionRetentionDays is how many days to keep finished sessions
	// before deleting them (cascade removes their graph and event rows).
	SessionRetentionDays int `yaml:"session_retention_days"`

	// EventTTL is the maximum age of event-log rows before deletion.
	EventTTL time.Duration `yaml:"event_ttl"`

	// CleanupInterval is how often the cleanup loop runs.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// DefaultRetentionConfig returns the built-in retention defaults.
func DefaultRetentionConfig() *RetentionConfig {
	return &RetentionConfig{
		SessionRetentionDays: 30,
		EventTTL:             24 * time.Hour,
		CleanupInterval:      1 * time.Hour,
	}
}
