package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validator performs comprehensive validation on loaded configuration
type Validator struct {
	cfg    *Config
	errors []error
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg}
}

// ValidateAll runs every validation pass and returns the combined result.
func (v *Validator) ValidateAll() error {
	v.validateSystem()
	v.validateEngine()
	v.validateMCPServers()
	v.validateLLMRoles()

	if len(v.errors) == 0 {
		return nil
	}

	msgs := make([]string, len(v.errors))
	for i, err := range v.errors {
		msgs[i] = err.Error()
	}
	return fmt.Errorf("%w:\n  - %s", ErrValidationFailed, strings.Join(msgs, "\n  - "))
}

func (v *Validator) addError(err error) {
	v.errors = append(v.errors, err)
}

func (v *Validator) validateSystem() {
	sys := v.cfg.System
	if sys == nil {
		v.addError(errors.New("system configuration missing"))
		return
	}

	if !sys.OutputMode.Valid() {
		v.addError(NewValidationError("system", "system", "output_mode",
			fmt.Errorf("%w: %q (must be simple, default, or debug)", ErrInvalidValue, sys.OutputMode)))
	}

	switch sys.ScenarioMode {
	case ScenarioGeneral, ScenarioCTF:
	default:
		v.addError(NewValidationError("system", "system", "scenario_mode",
			fmt.Errorf("%w: %q (must be general or ctf)", ErrInvalidValue, sys.ScenarioMode)))
	}

	if sys.Slack != nil && sys.Slack.Enabled && sys.Slack.Channel == "" {
		v.addError(NewValidationError("system", "slack", "channel",
			fmt.Errorf("%w: channel is required when Slack is enabled", ErrMissingRequiredField)))
	}

	if sys.Retention != nil {
		if sys.Retention.SessionRetentionDays <= 0 {
			v.addError(NewValidationError("system", "retention", "session_retention_days",
				fmt.Errorf("%w: must be positive", ErrInvalidValue)))
		}
		if sys.Retention.EventTTL <= 0 {
			v.addError(NewValidationError("system", "retention", "event_ttl",
				fmt.Errorf("%w: must be positive", ErrInvalidValue)))
		}
	}
}

func (v *Validator) validateEngine() {
	eng := v.cfg.Engine
	if eng == nil {
		v.addError(errors.New("engine configuration missing"))
		return
	}

	checks := []struct {
		field string
		value int
	}{
		{"planner_history_window", eng.PlannerHistoryWindow},
		{"reflector_history_window", eng.ReflectorHistoryWindow},
		{"executor.max_steps", eng.Executor.MaxSteps},
		{"executor.message_compress_threshold", eng.Executor.MessageCompressThreshold},
		{"executor.token_compress_threshold", eng.Executor.TokenCompressThreshold},
		{"executor.no_artifacts_patience", eng.Executor.NoArtifactsPatience},
		{"executor.failure_threshold", eng.Executor.FailureThreshold},
		{"executor.recent_messages_keep", eng.Executor.RecentMessagesKeep},
		{"executor.max_output_length", eng.Executor.MaxOutputLength},
	}
	for _, c := range checks {
		if c.value <= 0 {
			v.addError(NewValidationError("engine", "engine", c.field,
				fmt.Errorf("%w: must be positive", ErrInvalidValue)))
		}
	}

	if eng.Executor.ToolTimeout <= 0 {
		v.addError(NewValidationError("engine", "engine", "executor.tool_timeout",
			fmt.Errorf("%w: must be positive", ErrInvalidValue)))
	}
	if eng.HITLTimeout <= 0 {
		v.addError(NewValidationError("engine", "engine", "hitl_timeout",
			fmt.Errorf("%w: must be positive", ErrInvalidValue)))
	}
}

func (v *Validator) validateMCPServers() {
	for id, server := range v.cfg.MCPServerRegistry.GetAll() {
		transport := server.Transport

		if !transport.Type.Valid() {
			v.addError(NewValidationError("mcp_server", id, "transport.type",
				fmt.Errorf("%w: %q (must be stdio, http, or sse)", ErrInvalidValue, transport.Type)))
			continue
		}

		switch transport.Type {
		case TransportStdio:
			if transport.Command == "" {
				v.addError(NewValidationError("mcp_server", id, "transport.command",
					fmt.Errorf("%w: command is required for stdio transport", ErrMissingRequiredField)))
			}
		case TransportHTTP, TransportSSE:
			if transport.URL == "" {
				v.addError(NewValidationError("mcp_server", id, "transport.url",
					fmt.Errorf("%w: url is required for %s transport", ErrMissingRequiredField, transport.Type)))
			}
		}
	}
}

func (v *Validator) validateLLMRoles() {
	roles := v.cfg.LLMRoleRegistry

	if !roles.Has(RoleDefault) {
		v.addError(NewValidationError("llm_role", RoleDefault, "",
			fmt.Errorf("%w: a 'default' role binding is required", ErrMissingRequiredField)))
	}

	for name, role := range roles.GetAll() {
		if role.Model == "" {
			v.addError(NewValidationError("llm_role", name, "model",
				fmt.Errorf("%w", ErrMissingRequiredField)))
		}
		if role.BaseURL == "" {
			v.addError(NewValidationError("llm_role", name, "base_url",
				fmt.Errorf("%w", ErrMissingRequiredField)))
		}
	}
}
