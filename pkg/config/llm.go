package config

import (
	"fmt"
	"sync"
	"time"
)

// LLM roles the engine sends requests under. Each role may bind a different
// model and sampling configuration.
const (
	RoleDefault    = "default"
	RolePlanner    = "planner"
	RoleExecutor   = "executor"
	RoleReflector  = "reflector"
	RoleExpert     = "expert"
	RoleSummarizer = "summarizer"
)

// LLMRoleConfig defines the model binding for one engine role, loaded from
// llm-providers.yaml.
type LLMRoleConfig struct {
	// Model name (required)
	Model string `yaml:"model"`

	// Base URL of the OpenAI-compatible chat endpoint (required)
	BaseURL string `yaml:"base_url"`

	// Environment variable name for the API key
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// Sampling temperature; nil means provider default
	Temperature *float64 `yaml:"temperature,omitempty"`

	// MaxTokens caps the completion length (0 = provider default)
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// Timeout bounds one chat request (default 1200s)
	Timeout time.Duration `yaml:"timeout,omitempty"`

	// MaxRetries on transient transport errors (default 3)
	MaxRetries int `yaml:"max_retries,omitempty"`

	// Pricing per million tokens, used for cost metrics
	InputCostPerMTok  float64 `yaml:"input_cost_per_mtok,omitempty"`
	OutputCostPerMTok float64 `yaml:"output_cost_per_mtok,omitempty"`
}

// Cost computes the dollar cost of one call under this role's pricing.
func (c *LLMRoleConfig) Cost(promptTokens, completionTokens int) float64 {
	return float64(promptTokens)*c.InputCostPerMTok/1e6 +
		float64(completionTokens)*c.OutputCostPerMTok/1e6
}

// LLMRoleRegistry stores role configurations in memory with thread-safe
// access. Lookups fall back to the "default" role when the requested role
// has no explicit binding.
type LLMRoleRegistry struct {
	roles map[string]*LLMRoleConfig
	mu    sync.RWMutex
}

// NewLLMRoleRegistry creates a new LLM role registry
func NewLLMRoleRegistry(roles map[string]*LLMRoleConfig) *LLMRoleRegistry {
	copied := make(map[string]*LLMRoleConfig, len(roles))
	for k, v := range roles {
		copied[k] = v
	}
	return &LLMRoleRegistry{
		roles: copied,
	}
}

// Get retrieves the configuration for a role, falling back to "default"
// when the role is not explicitly configured (thread-safe).
func (r *LLMRoleRegistry) Get(role string) (*LLMRoleConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, exists := r.roles[role]; exists {
		return cfg, nil
	}
	if cfg, exists := r.roles[RoleDefault]; exists {
		return cfg, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrLLMRoleNotFound, role)
}

// GetAll returns all role configurations (thread-safe, returns copy)
func (r *LLMRoleRegistry) GetAll() map[string]*LLMRoleConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*LLMRoleConfig, len(r.roles))
	for k, v := range r.roles {
		result[k] = v
	}
	return result
}

// Has checks if a role has an explicit binding (thread-safe)
func (r *LLMRoleRegistry) Has(role string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.roles[role]
	return exists
}

// Len returns the number of explicitly configured roles (thread-safe)
func (r *LLMRoleRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.roles)
}
