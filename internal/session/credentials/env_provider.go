// Package credentials resolves the API keys an engine subprocess needs
// from the orchestrator's own environment.
package credentials

import (
	"os"
	"strings"
)

// knownAPIKeyPatterns contains patterns for known API key environment variables
var knownAPIKeyPatterns = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"AZURE_OPENAI_API_KEY",
	"MISTRAL_API_KEY",
	"OPENROUTER_API_KEY",
	"GITHUB_TOKEN",
	"GITLAB_TOKEN",
}

// EnvProvider passes credentials from environment variables through to
// engine subprocesses.
type EnvProvider struct {
	prefix string // Optional prefix filter (e.g., "AGENTDECK_")
}

// NewEnvProvider creates a new environment provider
func NewEnvProvider(prefix string) *EnvProvider {
	return &EnvProvider{
		prefix: prefix,
	}
}

// Environ returns "KEY=value" pairs for every credential available in
// the environment, suitable for appending to an exec.Cmd's Env.
func (p *EnvProvider) Environ() []string {
	var env []string
	for _, key := range p.available() {
		value := os.Getenv(key)
		if value == "" && p.prefix != "" {
			value = os.Getenv(p.prefix + key)
		}
		if value != "" {
			env = append(env, key+"="+value)
		}
	}
	return env
}

// available returns the credential keys present in the environment.
func (p *EnvProvider) available() []string {
	available := make([]string, 0)

	for _, pattern := range knownAPIKeyPatterns {
		if os.Getenv(pattern) != "" {
			available = append(available, pattern)
			continue
		}
		if p.prefix != "" && os.Getenv(p.prefix+pattern) != "" {
			available = append(available, pattern)
		}
	}

	// Pick up any other key-shaped variables
	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 || parts[1] == "" {
			continue
		}

		key := parts[0]
		if contains(available, key) {
			continue
		}

		lowerKey := strings.ToLower(key)
		if strings.Contains(lowerKey, "api_key") ||
			strings.Contains(lowerKey, "apikey") ||
			strings.Contains(lowerKey, "_token") {
			if p.prefix != "" && strings.HasPrefix(key, p.prefix) {
				key = strings.TrimPrefix(key, p.prefix)
			}
			if !contains(available, key) {
				available = append(available, key)
			}
		}
	}

	return available
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
