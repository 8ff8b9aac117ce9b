package config

import "time"

// EngineConfig groups the P-E-R loop tuning knobs.
type EngineConfig struct {
	// PlannerHistoryWindow is how many planning attempts the planner
	// context retains before compression.
	PlannerHistoryWindow int `yaml:"planner_history_window"`

	// ReflectorHistoryWindow is how many reflection insights the reflector
	// context retains before compression.
	ReflectorHistoryWindow int `yaml:"reflector_history_window"`

	// HITLTimeout is how long an approval request waits before defaulting
	// to REJECT.
	HITLTimeout time.Duration `yaml:"hitl_timeout"`

	// Scenario is copied from the system section at load time so the
	// planner and executor can pick the matching prompt variant.
	Scenario ScenarioMode `yaml:"-"`

	Executor *ExecutorConfig `yaml:"executor"`
}

// ExecutorConfig tunes the per-subtask thought-act-observe loop.
type ExecutorConfig struct {
	// MaxSteps is the hard cap on executor turns per subtask.
	MaxSteps int `yaml:"max_steps"`

	// MessageCompressThreshold triggers context compression when the
	// conversation exceeds this many messages.
	MessageCompressThreshold int `yaml:"message_compress_threshold"`

	// TokenCompressThreshold triggers compression when the estimated token
	// count (total characters / 4) exceeds this value.
	TokenCompressThreshold int `yaml:"token_compress_threshold"`

	// NoArtifactsPatience is how many consecutive turns without staged
	// causal nodes terminate the subtask.
	NoArtifactsPatience int `yaml:"no_artifacts_patience"`

	// FailureThreshold is the consecutive-failure count that forces a
	// hypothesis-formulation turn.
	FailureThreshold int `yaml:"failure_threshold"`

	// RecentMessagesKeep is the conversation tail preserved on compression.
	RecentMessagesKeep int `yaml:"recent_messages_keep"`

	// MinCompressMessages is the smallest middle slice worth summarizing.
	MinCompressMessages int `yaml:"min_compress_messages"`

	// CompressInterval triggers periodic compression every N turns when the
	// conversation holds at least CompressIntervalMsgThreshold messages.
	CompressInterval             int `yaml:"compress_interval"`
	CompressIntervalMsgThreshold int `yaml:"compress_interval_msg_threshold"`

	// ToolTimeout bounds a single tool call.
	ToolTimeout time.Duration `yaml:"tool_timeout"`

	// MaxOutputLength truncates tool observations beyond this many bytes.
	MaxOutputLength int `yaml:"max_output_length"`

	// Scenario mirrors EngineConfig.Scenario for the executor's prompts.
	Scenario ScenarioMode `yaml:"-"`
}

// DefaultEngineConfig returns the built-in engine defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		PlannerHistoryWindow:   15,
		ReflectorHistoryWindow: 15,
		HITLTimeout:            3600 * time.Second,
		Executor:               DefaultExecutorConfig(),
	}
}

// DefaultExecutorConfig returns the built-in executor defaults.
func DefaultExecutorConfig() *ExecutorConfig {
	return &ExecutorConfig{
		MaxSteps:                     30,
		MessageCompressThreshold:     60,
		TokenCompressThreshold:       80000,
		NoArtifactsPatience:          5,
		FailureThreshold:             3,
		RecentMessagesKeep:           8,
		MinCompressMessages:          5,
		CompressInterval:             5,
		CompressIntervalMsgThreshold: 8,
		ToolTimeout:                  120 * time.Second,
		MaxOutputLength:              50000,
	}
}
