// Package models holds the static catalog of providers and models a
// session can run against.
package models

import (
	"fmt"
)

// Model describes one selectable provider/model pair.
type Model struct {
	Provider string `json:"provider"`
	ID       string `json:"id"`
	Name     string `json:"name"`
	Default  bool   `json:"default"`
}

// DefaultProvider is used when a client does not pick one.
const DefaultProvider = "anthropic"

// Catalog returns the selectable models.
func Catalog() []Model {
	return []Model{
		{Provider: "anthropic", ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", Default: true},
		{Provider: "anthropic", ID: "claude-opus-4-20250514", Name: "Claude Opus 4"},
		{Provider: "openai", ID: "gpt-4.1", Name: "GPT-4.1", Default: true},
		{Provider: "openai", ID: "o3", Name: "o3"},
		{Provider: "google", ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", Default: true},
	}
}

// Resolve validates a provider/model selection, filling in defaults
// for empty fields. An empty provider resolves to DefaultProvider's
// default model; an empty model resolves to the provider's default.
func Resolve(provider, model string) (Model, error) {
	if provider == "" {
		provider = DefaultProvider
	}

	var fallback *Model
	for _, m := range Catalog() {
		m := m
		if m.Provider != provider {
			continue
		}
		if model != "" && m.ID == model {
			return m, nil
		}
		if m.Default {
			fallback = &m
		}
	}

	if model == "" && fallback != nil {
		return *fallback, nil
	}
	if fallback == nil {
		return Model{}, fmt.Errorf("unknown provider: %s", provider)
	}
	return Model{}, fmt.Errorf("unknown model %s for provider %s", model, provider)
}
