package config

// TransportType identifies how the process talks to an MCP tool server.
type TransportType string

const (
	TransportStdio TransportType = "stdio"
	TransportHTTP  TransportType = "http"
	TransportSSE   TransportType = "sse"
)

// Valid reports whether t is a known transport type.
func (t TransportType) Valid() bool {
	switch t {
	case TransportStdio, TransportHTTP, TransportSSE:
		return true
	}
	return false
}

// ScenarioMode tunes prompt variants for the mission type.
type ScenarioMode string

const (
	ScenarioGeneral ScenarioMode = "general"
	ScenarioCTF     ScenarioMode = "ctf"
)

// OutputMode controls console verbosity.
type OutputMode string

const (
	OutputSimple  OutputMode = "simple"
	OutputDefault OutputMode = "default"
	OutputDebug   OutputMode = "debug"
)

// Valid reports whether m is a known output mode.
func (m OutputMode) Valid() bool {
	switch m {
	case OutputSimple, OutputDefault, OutputDebug:
		return true
	}
	return false
}

// TransportConfig defines MCP tool-server transport configuration.
type TransportConfig struct {
	Type TransportType `yaml:"type"`

	// For stdio transport
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"` // Environment overrides for the subprocess

	// For http/sse transport
	URL         string `yaml:"url,omitempty"`
	BearerToken string `yaml:"bearer_token,omitempty"`
	Timeout     int    `yaml:"timeout,omitempty"` // In seconds
}

// BoolPtr returns a pointer to b. Convenience for *bool struct fields.
func BoolPtr(b bool) *bool { return &b }
