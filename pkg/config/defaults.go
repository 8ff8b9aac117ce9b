package config

import "time"

// BuiltinConfig carries the defaults compiled into the binary. User YAML
// overrides these component-by-component.
type BuiltinConfig struct {
	LLMRoles   map[string]LLMRoleConfig
	MCPServers map[string]MCPServerConfig
}

// GetBuiltinConfig returns the built-in configuration. A fresh value is
// built on each call so callers can mutate their copy safely.
func GetBuiltinConfig() *BuiltinConfig {
	return &BuiltinConfig{
		LLMRoles: map[string]LLMRoleConfig{
			RoleDefault: {
				Model:      "gpt-4o",
				BaseURL:    "https://api.openai.com/v1",
				APIKeyEnv:  "OPENAI_API_KEY",
				Timeout:    1200 * time.Second,
				MaxRetries: 3,
			},
			RoleSummarizer: {
				Model:      "gpt-4o-mini",
				BaseURL:    "https://api.openai.com/v1",
				APIKeyEnv:  "OPENAI_API_KEY",
				Timeout:    300 * time.Second,
				MaxRetries: 3,
			},
		},
		MCPServers: map[string]MCPServerConfig{},
	}
}
