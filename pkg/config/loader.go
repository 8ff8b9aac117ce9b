package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// PeregrineYAMLConfig represents the complete peregrine.yaml file structure
type PeregrineYAMLConfig struct {
	System     *SystemYAMLConfig          `yaml:"system"`
	Engine     *EngineConfig              `yaml:"engine"`
	MCPServers map[string]MCPServerConfig `yaml:"mcp_servers"`
}

// SystemYAMLConfig groups system-wide settings as they appear in YAML.
type SystemYAMLConfig struct {
	HumanInTheLoop      *bool            `yaml:"human_in_the_loop"`
	ScenarioMode        string           `yaml:"scenario_mode"`
	OutputMode          string           `yaml:"output_mode"`
	AllowedWSOrigins    []string         `yaml:"allowed_ws_origins"`
	KnowledgeServiceURL string           `yaml:"knowledge_service_url"`
	Retention           *RetentionYAML   `yaml:"retention"`
	Slack               *SlackYAMLConfig `yaml:"slack"`
}

// RetentionYAML holds retention settings with string durations.
type RetentionYAML struct {
	EventTTL             string `yaml:"event_ttl,omitempty"`
	SessionRetentionDays int    `yaml:"session_retention_days,omitempty"`
	CleanupInterval      string `yaml:"cleanup_interval,omitempty"`
}

// SlackYAMLConfig holds Slack notification settings from YAML.
type SlackYAMLConfig struct {
	Enabled  *bool  `yaml:"enabled,omitempty"`
	TokenEnv string `yaml:"token_env,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
}

// LLMRolesYAMLConfig represents the complete llm-providers.yaml file structure
type LLMRolesYAMLConfig struct {
	LLMRoles map[string]LLMRoleConfig `yaml:"llm_roles"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge built-in + user-defined configurations
//  5. Build in-memory registries
//  6. Apply default values
//  7. Validate all configuration
//  8. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"mcp_servers", stats.MCPServers,
		"llm_roles", stats.LLMRoles,
		"human_in_the_loop", cfg.System.HumanInTheLoop)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	// 1. Load peregrine.yaml (system, engine, mcp_servers)
	peregrineConfig, err := loader.loadPeregrineYAML()
	if err != nil {
		return nil, NewLoadError("peregrine.yaml", err)
	}

	// 2. Load llm-providers.yaml
	llmRoles, err := loader.loadLLMRolesYAML()
	if err != nil {
		return nil, NewLoadError("llm-providers.yaml", err)
	}

	// 3. Get built-in configuration
	builtin := GetBuiltinConfig()

	// 4. Merge built-in + user-defined components (user overrides built-in)
	mcpServers := mergeMCPServers(builtin.MCPServers, peregrineConfig.MCPServers)
	llmRolesMerged := mergeLLMRoles(builtin.LLMRoles, llmRoles)

	// 5. Build registries
	mcpServerRegistry := NewMCPServerRegistry(mcpServers)
	llmRoleRegistry := NewLLMRoleRegistry(llmRolesMerged)

	// 6. Resolve engine config (merge user YAML onto built-in defaults so
	// unset knobs keep their default values)
	engineConfig := DefaultEngineConfig()
	if peregrineConfig.Engine != nil {
		if err := mergo.Merge(engineConfig, peregrineConfig.Engine, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge engine config: %w", err)
		}
	}

	// 7. Resolve system config
	systemConfig := resolveSystemConfig(peregrineConfig.System)

	// The scenario knob lives in the system section but drives prompt
	// selection inside the engine, so it is mirrored here.
	engineConfig.Scenario = systemConfig.ScenarioMode
	if engineConfig.Executor != nil {
		engineConfig.Executor.Scenario = systemConfig.ScenarioMode
	}

	return &Config{
		configDir:         configDir,
		System:            systemConfig,
		Engine:            engineConfig,
		MCPServerRegistry: mcpServerRegistry,
		LLMRoleRegistry:   llmRoleRegistry,
	}, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax.
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing the YAML parser to handle the content (or fail with a clearer
	// error message).
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadPeregrineYAML() (*PeregrineYAMLConfig, error) {
	var config PeregrineYAMLConfig

	// Initialize maps to avoid nil maps
	config.MCPServers = make(map[string]MCPServerConfig)

	if err := l.loadYAML("peregrine.yaml", &config); err != nil {
		return nil, err
	}

	return &config, nil
}

func (l *configLoader) loadLLMRolesYAML() (map[string]LLMRoleConfig, error) {
	var config LLMRolesYAMLConfig

	config.LLMRoles = make(map[string]LLMRoleConfig)

	if err := l.loadYAML("llm-providers.yaml", &config); err != nil {
		return nil, err
	}

	return config.LLMRoles, nil
}

// resolveSystemConfig resolves system configuration from YAML, applying defaults.
func resolveSystemConfig(sys *SystemYAMLConfig) *SystemConfig {
	cfg := &SystemConfig{
		HumanInTheLoop: true,
		ScenarioMode:   ScenarioGeneral,
		OutputMode:     OutputDefault,
		Retention:      DefaultRetentionConfig(),
		Slack:          defaultSlackConfig(),
	}

	if sys == nil {
		return cfg
	}

	if sys.HumanInTheLoop != nil {
		cfg.HumanInTheLoop = *sys.HumanInTheLoop
	}
	if sys.ScenarioMode != "" {
		cfg.ScenarioMode = ScenarioMode(sys.ScenarioMode)
	}
	if sys.OutputMode != "" {
		cfg.OutputMode = OutputMode(sys.OutputMode)
	}
	cfg.AllowedWSOrigins = sys.AllowedWSOrigins
	cfg.KnowledgeServiceURL = sys.KnowledgeServiceURL
	cfg.Retention = resolveRetentionConfig(sys.Retention)
	cfg.Slack = resolveSlackConfig(sys.Slack)

	return cfg
}

// resolveRetentionConfig resolves retention configuration, applying defaults.
func resolveRetentionConfig(r *RetentionYAML) *RetentionConfig {
	cfg := DefaultRetentionConfig()

	if r == nil {
		return cfg
	}

	if r.SessionRetentionDays > 0 {
		cfg.SessionRetentionDays = r.SessionRetentionDays
	}
	if r.EventTTL != "" {
		if d, err := time.ParseDuration(r.EventTTL); err == nil {
			cfg.EventTTL = d
		} else {
			slog.Warn("Invalid event_ttl in retention config, using default",
				"value", r.EventTTL,
				"default", cfg.EventTTL,
				"error", err)
		}
	}
	if r.CleanupInterval != "" {
		if d, err := time.ParseDuration(r.CleanupInterval); err == nil {
			cfg.CleanupInterval = d
		} else {
			slog.Warn("Invalid cleanup_interval in retention config, using default",
				"value", r.CleanupInterval,
				"default", cfg.CleanupInterval,
				"error", err)
		}
	}

	return cfg
}

// resolveSlackConfig resolves Slack configuration, applying defaults.
func resolveSlackConfig(s *SlackYAMLConfig) *SlackConfig {
	cfg := defaultSlackConfig()

	if s == nil {
		return cfg
	}

	if s.Enabled != nil {
		cfg.Enabled = *s.Enabled
	}
	if s.TokenEnv != "" {
		cfg.TokenEnv = s.TokenEnv
	}
	if s.Channel != "" {
		cfg.Channel = s.Channel
	}

	return cfg
}

func defaultSlackConfig() *SlackConfig {
	return &SlackConfig{
		Enabled:  false,
		TokenEnv: "SLACK_BOT_TOKEN",
	}
}
