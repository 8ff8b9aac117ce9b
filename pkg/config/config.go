package config

// Config is the fully resolved runtime configuration.
type Config struct {
	configDir string

	System *SystemConfig
	Engine *EngineConfig

	MCPServerRegistry *MCPServerRegistry
	LLMRoleRegistry   *LLMRoleRegistry
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Stats summarizes loaded component counts for startup logging.
type Stats struct {
	MCPServers int
	LLMRoles   int
}

// Stats returns component counts.
func (c *Config) Stats() Stats {
	return Stats{
		MCPServers: c.MCPServerRegistry.Len(),
		LLMRoles:   c.LLMRoleRegistry.Len(),
	}
}
