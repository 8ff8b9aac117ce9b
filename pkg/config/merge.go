package config

// mergeMCPServers merges built-in and user-defined MCP server configurations.
// User-defined servers override built-in servers with the same ID.
func mergeMCPServers(builtinServers map[string]MCPServerConfig, userServers map[string]MCPServerConfig) map[string]*MCPServerConfig {
	result := make(map[string]*MCPServerConfig)

	for id, server := range builtinServers {
		serverCopy := server
		result[id] = &serverCopy
	}

	for id, userServer := range userServers {
		serverCopy := userServer
		result[id] = &serverCopy
	}

	return result
}

// mergeLLMRoles merges built-in and user-defined LLM role configurations.
// User-defined roles override built-in roles with the same name; unset
// transport knobs on a user role inherit the built-in default role's values.
func mergeLLMRoles(builtinRoles map[string]LLMRoleConfig, userRoles map[string]LLMRoleConfig) map[string]*LLMRoleConfig {
	result := make(map[string]*LLMRoleConfig)

	for name, role := range builtinRoles {
		roleCopy := role
		result[name] = &roleCopy
	}

	base := builtinRoles[RoleDefault]
	for name, userRole := range userRoles {
		roleCopy := userRole
		if roleCopy.Timeout == 0 {
			roleCopy.Timeout = base.Timeout
		}
		if roleCopy.MaxRetries == 0 {
			roleCopy.MaxRetries = base.MaxRetries
		}
		result[name] = &roleCopy
	}

	return result
}
