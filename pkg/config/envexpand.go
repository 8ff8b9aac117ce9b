package config

import (
	"bytes"
	"os"
	"strings"
	"text/template"
)

// ExpandEnv substitutes environment variables into raw YAML config using
// {{.VAR_NAME}} template syntax. Plain $VAR expansion is deliberately not
// used: mission configs are full of literal dollar signs that must survive
// untouched, scope patterns like ^10\.0\..*$, credential values, and shell
// fragments inside tool arguments.
//
//	api_key: "{{.ANTHROPIC_API_KEY}}"
//	dsn: "postgres://{{.DB_USER}}:{{.DB_PASSWORD}}@{{.DB_HOST}}/peregrine"
//	scope_patterns: ["^10\\.0\\.\\d+\\.\\d+$"]   # $ kept literal
//
// A variable that is not set expands to the empty string; config validation
// is responsible for rejecting required fields left empty. Content that does
// not parse or execute as a template is returned unchanged, so template-free
// configs always pass through.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if key, value, ok := strings.Cut(kv, "="); ok && key != "" {
			env[key] = value
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
